package pci

// FindDevice returns the first device after from with the given IDs. A nil
// from starts at the beginning. Passing each result back as from walks all
// matches in discovery order.
func (r *Registry) FindDevice(vendor, device uint16, from *Device) (*Device, error) {
	for i := r.start(from); i < len(r.devices); i++ {
		d := r.devices[i]
		if d.VendorID == vendor && d.DeviceID == device {
			return d, nil
		}
	}

	return nil, ErrDeviceNotFound
}

// FindClass returns the first device after from whose class matches. A
// class with a zero programming interface byte matches every interface,
// so ClassNetworkEthernet<<8 finds all Ethernet controllers.
func (r *Registry) FindClass(class uint32, from *Device) (*Device, error) {
	for i := r.start(from); i < len(r.devices); i++ {
		d := r.devices[i]
		if d.Class == class || (class&0xff == 0 && d.Class>>8 == class>>8) {
			return d, nil
		}
	}

	return nil, ErrDeviceNotFound
}

// Lookup returns the function at bus/devfn.
func (r *Registry) Lookup(bus uint8, devfn Devfn) (*Device, error) {
	for _, d := range r.devices {
		if d.BusNumber == bus && d.Devfn == devfn {
			return d, nil
		}
	}

	return nil, ErrDeviceNotFound
}

func (r *Registry) start(from *Device) int {
	if from == nil {
		return 0
	}

	return from.index + 1
}

package pci

import "fmt"

// NoDevice and NoBus stand for an absent back reference.
const (
	NoDevice = -1
	NoBus    = -1
)

// ResourceFlags describe a decoded base address register.
type ResourceFlags uint8

const (
	ResourceIO ResourceFlags = 1 << iota
	ResourceMem
	ResourceMem64
	ResourcePrefetch
	ResourceBelow1M
)

// Resource is one decoded base address register. A 64-bit memory BAR
// occupies two slots; the second one stays zero.
type Resource struct {
	Base  uint64
	Flags ResourceFlags
}

func (r Resource) IsIO() bool {
	return r.Flags&ResourceIO != 0
}

func (r Resource) Valid() bool {
	return r.Base != 0
}

func (r Resource) String() string {
	if r.Flags == 0 {
		return "{}"
	}

	tp := "mem"
	loc := ""

	switch {
	case r.IsIO():
		tp = "i/o"
	case r.Flags&ResourceMem64 != 0:
		loc = "64-bit "
	case r.Flags&ResourceBelow1M != 0:
		loc = "< 1M "
	default:
		loc = "32-bit "
	}

	if r.Flags&ResourcePrefetch != 0 {
		loc += "prefetchable "
	}

	return fmt.Sprintf("{%s: %s0x%08x}", tp, loc, r.Base)
}

// Device is one discovered PCI function. Records are made by the scanner
// and not changed afterwards.
type Device struct {
	index int

	// Bus is the handle of the owning bus in the Registry.
	Bus       int
	BusNumber uint8
	Devfn     Devfn

	VendorID          uint16
	DeviceID          uint16
	SubsystemVendorID uint16
	SubsystemID       uint16

	// Class is the 24-bit class/subclass/prog-if code.
	Class      uint32
	Revision   uint8
	HeaderType uint8

	// Master reports whether the bus master enable bit can be set.
	Master bool

	Pin uint8
	IRQ uint8

	Resource [6]Resource
	ROM      uint32

	// Child is the bus behind a PCI-to-PCI bridge, NoBus otherwise.
	Child int
}

// Index is the position of d in discovery order.
func (d *Device) Index() int {
	return d.index
}

// IsBridge reports whether d is a PCI-to-PCI bridge.
func (d *Device) IsBridge() bool {
	return d.Class>>8 == ClassBridgePCI
}

func (d *Device) String() string {
	return fmt.Sprintf("%02x:%v %04x:%04x", d.BusNumber, d.Devfn, d.VendorID, d.DeviceID)
}

// Bus is one bus segment.
type Bus struct {
	index int

	Number      uint8
	Primary     uint8
	Secondary   uint8
	Subordinate uint8

	// Self is the bridge leading to this bus, NoDevice for a root bus.
	Self int
	// Parent is the bus Self sits on, NoBus for a root bus.
	Parent int

	Children []int
	Devices  []int
}

func (b *Bus) Index() int {
	return b.index
}

func (b *Bus) String() string {
	return fmt.Sprintf("bus %02x [%02x-%02x]", b.Number, b.Secondary, b.Subordinate)
}

// Registry holds the devices and buses found by a scan. Handles are
// indices into its arenas.
type Registry struct {
	devices []*Device
	buses   []*Bus
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) newBus(parent, self int, number uint8) *Bus {
	b := &Bus{
		index:       len(r.buses),
		Number:      number,
		Secondary:   number,
		Subordinate: number,
		Self:        self,
		Parent:      parent,
	}

	if parent != NoBus {
		p := r.buses[parent]
		b.Primary = p.Secondary
		p.Children = append(p.Children, b.index)
	}

	if self != NoDevice {
		r.devices[self].Child = b.index
	}

	r.buses = append(r.buses, b)

	return b
}

func (r *Registry) addDevice(b *Bus, d *Device) {
	d.index = len(r.devices)
	d.Bus = b.index
	d.BusNumber = b.Number
	r.devices = append(r.devices, d)
	b.Devices = append(b.Devices, d.index)
}

// Device returns the device with handle i, or nil.
func (r *Registry) Device(i int) *Device {
	if i < 0 || i >= len(r.devices) {
		return nil
	}

	return r.devices[i]
}

// Bus returns the bus with handle i, or nil.
func (r *Registry) Bus(i int) *Bus {
	if i < 0 || i >= len(r.buses) {
		return nil
	}

	return r.buses[i]
}

// Devices returns every device in discovery order.
func (r *Registry) Devices() []*Device {
	return append([]*Device(nil), r.devices...)
}

// Buses returns every bus in discovery order; root buses have Self ==
// NoDevice.
func (r *Registry) Buses() []*Bus {
	return append([]*Bus(nil), r.buses...)
}

// BusByNumber returns the bus with the given number, or nil.
func (r *Registry) BusByNumber(n uint8) *Bus {
	for _, b := range r.buses {
		if b.Number == n {
			return b
		}
	}

	return nil
}

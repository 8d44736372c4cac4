package pci

import (
	"fmt"

	"github.com/go-logr/logr"
)

// Scanner discovers every function reachable from bus 0 and numbers the
// buses behind bridges the firmware left unconfigured.
type Scanner struct {
	Config *Config
	Log    logr.Logger

	// PeerBridges lists bridges whose secondary bus is a firmware
	// configured peer. NewScanner sets it to DefaultPeerBridges.
	PeerBridges []PeerBridge

	reg      *Registry
	deferred []uint8
	highest  uint8
}

func NewScanner(c *Config, log logr.Logger) *Scanner {
	return &Scanner{
		Config:      c,
		Log:         log,
		PeerBridges: DefaultPeerBridges,
	}
}

// Scan runs a Scanner with the default exception table and returns what
// it found.
func Scan(c *Config, log logr.Logger) *Registry {
	r, _ := NewScanner(c, log).Scan()

	return r
}

// Scan walks bus 0 and then every deferred peer bus, and returns the
// registry together with the highest bus number found. Without
// configuration access the registry is empty.
func (s *Scanner) Scan() (*Registry, uint8) {
	s.reg = NewRegistry()
	s.deferred = nil
	s.highest = 0

	if !s.Config.Supported() {
		s.Log.V(1).Info("no configuration access, bus not scanned")

		return s.reg, 0
	}

	root := s.reg.newBus(NoBus, NoDevice, 0)
	maxBus := s.scanBus(root)
	root.Subordinate = maxBus

	for i := 0; i < len(s.deferred); i++ {
		n := s.deferred[i]
		if s.reg.BusByNumber(n) != nil {
			continue
		}

		s.Log.V(1).Info("scanning peer bus", "bus", n)

		b := s.reg.newBus(NoBus, NoDevice, n)
		m := s.scanBus(b)
		b.Subordinate = m

		if m > maxBus {
			maxBus = m
		}
	}

	s.Log.V(1).Info("scan done", "devices", len(s.reg.devices), "buses", len(s.reg.buses), "max", maxBus)

	return s.reg, maxBus
}

func emptySlot(l uint32) bool {
	// Some broken boards return 0 or a half-empty pattern for empty slots.
	return l == 0xffffffff || l == 0x00000000 || l == 0x0000ffff || l == 0xffff0000
}

func (s *Scanner) reserve(n uint8) {
	if n > s.highest {
		s.highest = n
	}
}

func (s *Scanner) scanBus(b *Bus) uint8 {
	maxBus := b.Secondary
	s.reserve(b.Secondary)

	multi := false

	for i := 0; i < 256; i++ {
		devfn := Devfn(i)

		if devfn.Func() != 0 && !multi {
			continue
		}

		hdr, err := s.Config.Read8(b.Number, devfn, HeaderType)
		if err != nil {
			if devfn.Func() == 0 {
				multi = false
			}

			continue
		}

		if devfn.Func() == 0 {
			multi = hdr&HeaderMultiFunction != 0
		}

		l, err := s.Config.Read32(b.Number, devfn, VendorID)
		if err != nil || emptySlot(l) {
			if devfn.Func() == 0 {
				multi = false
			}

			continue
		}

		d, err := s.probe(b.Number, devfn, hdr, l)
		if err != nil {
			s.Log.Error(err, "ignoring function", "bus", b.Number, "devfn", devfn.String(),
				"id", fmt.Sprintf("%04x/%04x", uint16(l), uint16(l>>16)), "header", hdr)

			continue
		}

		s.reg.addDevice(b, d)
		s.Log.V(1).Info("found device", "bus", b.Number, "devfn", devfn.String(),
			"id", fmt.Sprintf("%04x:%04x", d.VendorID, d.DeviceID),
			"class", fmt.Sprintf("%06x", d.Class), "irq", d.IRQ)
	}

	for _, h := range b.Devices {
		d := s.reg.devices[h]
		if d.IsBridge() {
			maxBus = s.scanBridge(b, d, maxBus)
		}
	}

	return maxBus
}

func (s *Scanner) probe(bus uint8, devfn Devfn, hdr uint8, id uint32) (*Device, error) {
	d := &Device{
		Devfn:      devfn,
		VendorID:   uint16(id),
		DeviceID:   uint16(id >> 16),
		HeaderType: hdr,
		Child:      NoBus,
	}

	d.Master = s.probeMaster(bus, devfn)

	cr, err := s.Config.Read32(bus, devfn, ClassRevision)
	if err != nil {
		return nil, err
	}

	d.Revision = uint8(cr)
	d.Class = cr >> 8
	class := d.Class >> 8

	switch hdr &^ HeaderMultiFunction {
	case HeaderNormal:
		if class == ClassBridgePCI {
			return nil, fmt.Errorf("bridge class with normal header: %w", ErrHeaderClassMismatch)
		}

		if d.Pin, err = s.Config.Read8(bus, devfn, InterruptPin); err == nil && d.Pin != 0 {
			d.IRQ, _ = s.Config.Read8(bus, devfn, InterruptLine)
		}

		s.readBases(d, bus, 6, ROMAddress)
		d.SubsystemVendorID, _ = s.Config.Read16(bus, devfn, SubsystemVendorID)
		d.SubsystemID, _ = s.Config.Read16(bus, devfn, SubsystemID)
	case HeaderBridge:
		if class != ClassBridgePCI {
			return nil, fmt.Errorf("class %04x with bridge header: %w", class, ErrHeaderClassMismatch)
		}

		s.readBases(d, bus, 2, ROMAddress1)
	case HeaderCardBus:
		if class != ClassBridgeCardBus {
			return nil, fmt.Errorf("class %04x with cardbus header: %w", class, ErrHeaderClassMismatch)
		}

		s.readBases(d, bus, 1, 0)
		d.SubsystemVendorID, _ = s.Config.Read16(bus, devfn, CBSubsystemVendorID)
		d.SubsystemID, _ = s.Config.Read16(bus, devfn, CBSubsystemID)
	default:
		return nil, fmt.Errorf("type %02x: %w", hdr, ErrUnknownHeaderType)
	}

	return d, nil
}

// probeMaster sets the bus master bit, reads it back and puts the original
// command value back.
func (s *Scanner) probeMaster(bus uint8, devfn Devfn) bool {
	cmd, err := s.Config.Read16(bus, devfn, Command)
	if err != nil {
		return false
	}

	if err := s.Config.Write16(bus, devfn, Command, cmd|CommandMaster); err != nil {
		return false
	}

	back, err := s.Config.Read16(bus, devfn, Command)

	if werr := s.Config.Write16(bus, devfn, Command, cmd); werr != nil {
		s.Log.Error(werr, "restoring command register", "bus", bus, "devfn", devfn.String())
	}

	return err == nil && back&CommandMaster != 0
}

func (s *Scanner) readBases(d *Device, bus uint8, howmany int, rom uint8) {
	for i := 0; i < howmany; i++ {
		off := uint8(BaseAddress0 + 4*i)

		l, err := s.Config.Read32(bus, d.Devfn, off)
		if err != nil || l == 0xffffffff {
			continue
		}

		r, wide := DecodeBAR(l)
		if wide && i+1 < howmany {
			if hi, err := s.Config.Read32(bus, d.Devfn, off+4); err == nil {
				r.Base |= uint64(hi) << 32
			}
		}

		d.Resource[i] = r

		if wide {
			i++
		}
	}

	if rom == 0 {
		return
	}

	if l, err := s.Config.Read32(bus, d.Devfn, rom); err == nil && l != 0xffffffff {
		d.ROM = l
	}
}

// scanBridge scans the bus behind a PCI-to-PCI bridge. Bridges in the
// peer table are never renumbered or recursed into; a configured one has
// its secondary bus deferred to the root scan. The bridge's command
// register is cleared and its status acknowledged for the duration of
// the recursion, whether firmware configured it or not.
func (s *Scanner) scanBridge(b *Bus, d *Device, maxBus uint8) uint8 {
	buses, err := s.Config.Read32(d.BusNumber, d.Devfn, PrimaryBus)
	if err != nil {
		s.Log.Error(err, "reading bridge bus numbers", "bridge", d.String())

		return maxBus
	}

	configured := buses&bridgeBusesMask != 0
	secondary := uint8(buses >> 8)

	if p, ok := isPeerBridge(s.PeerBridges, d); ok {
		if !configured {
			s.Log.V(1).Info("peer bridge not configured by firmware, skipping", "bridge", d.String(), "chip", p.Name)

			return maxBus
		}

		s.Log.V(1).Info("bridge has a peer bus, deferring", "bridge", d.String(), "chip", p.Name, "bus", secondary)
		s.deferred = append(s.deferred, secondary)
		s.reserve(uint8(buses >> 16))

		return maxBus
	}

	if configured && s.reg.BusByNumber(secondary) != nil {
		s.Log.V(2).Info("bus already scanned", "bridge", d.String(), "bus", secondary)

		return maxBus
	}

	if !configured && (s.highest == 0xff || maxBus == 0xff) {
		s.Log.Info("out of bus numbers, bridge left unconfigured", "bridge", d.String())

		return maxBus
	}

	cmd, err := s.Config.Read16(d.BusNumber, d.Devfn, Command)
	if err != nil {
		return maxBus
	}

	_ = s.Config.Write16(d.BusNumber, d.Devfn, Command, 0)
	_ = s.Config.Write16(d.BusNumber, d.Devfn, StatusReg, 0xffff)

	if configured {
		maxBus = s.scanConfiguredBridge(b, d, buses, maxBus)
	} else {
		maxBus = s.numberBridge(b, d, buses, maxBus)
	}

	_ = s.Config.Write16(d.BusNumber, d.Devfn, Command, cmd)

	return maxBus
}

// numberBridge gives an unconfigured bridge the next free bus number,
// scans behind it and writes back the subordinate number found.
func (s *Scanner) numberBridge(b *Bus, d *Device, buses uint32, maxBus uint8) uint8 {
	if s.highest > maxBus {
		maxBus = s.highest
	}

	maxBus++
	s.reserve(maxBus)

	child := s.reg.newBus(b.index, d.index, maxBus)
	child.Primary = b.Secondary
	child.Subordinate = 0xff

	buses = buses&0xff000000 | uint32(child.Primary) | uint32(child.Secondary)<<8 | uint32(child.Subordinate)<<16
	_ = s.Config.Write32(d.BusNumber, d.Devfn, PrimaryBus, buses)

	s.Log.V(1).Info("numbering bridge", "bridge", d.String(), "secondary", child.Secondary)

	maxBus = s.scanBus(child)
	child.Subordinate = maxBus

	buses = buses&bridgeBusesSubMask | uint32(maxBus)<<16
	_ = s.Config.Write32(d.BusNumber, d.Devfn, PrimaryBus, buses)

	return maxBus
}

func (s *Scanner) scanConfiguredBridge(b *Bus, d *Device, buses uint32, maxBus uint8) uint8 {
	primary := uint8(buses)
	secondary := uint8(buses >> 8)
	subordinate := uint8(buses >> 16)

	child := s.reg.newBus(b.index, d.index, secondary)
	child.Primary = primary
	child.Subordinate = subordinate
	s.reserve(subordinate)

	cmax := s.scanBus(child)
	if cmax > child.Subordinate {
		child.Subordinate = cmax
	}

	if cmax > maxBus {
		maxBus = cmax
	}

	return maxBus
}

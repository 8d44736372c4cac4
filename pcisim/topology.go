package pcisim

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/bobuhiro11/gopci/bios32"
	"github.com/bobuhiro11/gopci/pci"
	"github.com/bobuhiro11/gopci/portio"
	"sigs.k8s.io/yaml"
)

var ErrBadTopology = errors.New("invalid topology")

// Topology describes a simulated machine.
//
//	mechanism: 1
//	bios: true
//	devices:
//	- slot: 3
//	  vendor: 0x10ec
//	  device: 0x8139
//	  class: 0x020000
//	  bars: [0xd001]
//	  pin: 1
//	  irq: 11
//	  nic: {mac: "52:54:00:12:34:56"}
type Topology struct {
	// Mechanism is 1, 2 or 0 for none.
	Mechanism int  `json:"mechanism"`
	BIOS      bool `json:"bios"`

	Devices []FunctionSpec `json:"devices"`

	// Peers are extra root buses behind other host bridges.
	Peers []PeerSpec `json:"peers,omitempty"`
}

type PeerSpec struct {
	Bus     uint8          `json:"bus"`
	Devices []FunctionSpec `json:"devices"`
}

type FunctionSpec struct {
	Slot          uint8  `json:"slot"`
	Function      uint8  `json:"function"`
	MultiFunction bool   `json:"multifunction,omitempty"`
	Vendor        uint16 `json:"vendor"`
	Device        uint16 `json:"device"`
	Class         uint32 `json:"class"`
	Revision      uint8  `json:"revision,omitempty"`
	// Header defaults to 1 when Bridge is set and 0 otherwise.
	Header          *uint8   `json:"header,omitempty"`
	Command         uint16   `json:"command,omitempty"`
	Latency         uint8    `json:"latency,omitempty"`
	SubsystemVendor uint16   `json:"subsystemVendor,omitempty"`
	Subsystem       uint16   `json:"subsystem,omitempty"`
	BARs            []uint32 `json:"bars,omitempty"`
	ROM             uint32   `json:"rom,omitempty"`
	Pin             uint8    `json:"pin,omitempty"`
	IRQ             uint8    `json:"irq,omitempty"`
	NoMaster        bool     `json:"noMaster,omitempty"`

	Bridge *BridgeSpec `json:"bridge,omitempty"`
	NIC    *NICSpec    `json:"nic,omitempty"`
}

// BridgeSpec describes a PCI-to-PCI bridge. Zero bus numbers leave it
// unconfigured.
type BridgeSpec struct {
	Primary     uint8          `json:"primary,omitempty"`
	Secondary   uint8          `json:"secondary,omitempty"`
	Subordinate uint8          `json:"subordinate,omitempty"`
	Devices     []FunctionSpec `json:"devices,omitempty"`
}

// NICSpec attaches an RTL8139 register file at the function's I/O BAR 0.
type NICSpec struct {
	MAC string `json:"mac"`
}

// Machine is a built topology.
type Machine struct {
	Ports    *portio.Bus
	Host     *Host
	Memory   *Memory
	Firmware *Firmware
	NICs     []*RTL8139
}

// ROM returns the BIOS area, or nil when the machine has no PCI BIOS.
func (m *Machine) ROM() (*bios32.Window, error) {
	if m.Firmware == nil {
		return nil, nil
	}

	return m.Firmware.ROM()
}

func LoadTopology(path string) (*Topology, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	t, err := ParseTopology(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return t, nil
}

func ParseTopology(b []byte) (*Topology, error) {
	t := &Topology{}
	if err := yaml.UnmarshalStrict(b, t); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrBadTopology)
	}

	return t, nil
}

// Build makes the machine t describes.
func (t *Topology) Build() (*Machine, error) {
	var mech Mechanism

	switch t.Mechanism {
	case 0:
		mech = MechanismNone
	case 1:
		mech = Mechanism1
	case 2:
		mech = Mechanism2
	default:
		return nil, fmt.Errorf("mechanism %d: %w", t.Mechanism, ErrBadTopology)
	}

	m := &Machine{
		Ports:  portio.NewBus(),
		Memory: NewMemory(0x00100000),
	}

	root, err := m.segment(t.Devices)
	if err != nil {
		return nil, err
	}

	m.Host = NewHost(mech, root)

	for _, p := range t.Peers {
		s, err := m.segment(p.Devices)
		if err != nil {
			return nil, err
		}

		m.Host.AddPeer(p.Bus, s)
	}

	if err := m.Host.Attach(m.Ports); err != nil {
		return nil, err
	}

	if t.BIOS {
		m.Firmware = NewFirmware(m.Host)
	}

	return m, nil
}

func (m *Machine) segment(specs []FunctionSpec) (*Segment, error) {
	s := NewSegment()

	for i := range specs {
		fs := &specs[i]

		f, err := m.function(fs)
		if err != nil {
			return nil, err
		}

		devfn := pci.MakeDevfn(fs.Slot, fs.Function)
		if fs.Slot > 0x1f || fs.Function > 7 {
			return nil, fmt.Errorf("slot %d function %d: %w", fs.Slot, fs.Function, ErrBadTopology)
		}

		if err := s.Attach(devfn, f); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (m *Machine) function(fs *FunctionSpec) (*Function, error) {
	ht := uint8(pci.HeaderNormal)
	if fs.Bridge != nil {
		ht = pci.HeaderBridge
	}

	if fs.Header != nil {
		ht = *fs.Header
	}

	if fs.MultiFunction {
		ht |= pci.HeaderMultiFunction
	}

	var (
		f   *Function
		err error
	)

	switch {
	case fs.Bridge != nil:
		f, err = m.bridge(fs, ht)
	case ht&0x7f == pci.HeaderNormal:
		f, err = m.endpoint(fs, ht)
	default:
		// Other header types keep the type 0 layout; the scanner is
		// expected to reject or skip them.
		h := &Header{
			VendorID:   fs.Vendor,
			DeviceID:   fs.Device,
			ClassCode:  ClassCode(fs.Class),
			RevisionID: fs.Revision,
			HeaderType: ht,
		}

		var b []byte

		if b, err = h.Bytes(); err == nil {
			f, err = newFunction(b)
		}
	}

	if err != nil {
		return nil, err
	}

	if fs.NoMaster {
		f.NoMaster()
	}

	return f, nil
}

func (m *Machine) endpoint(fs *FunctionSpec, ht uint8) (*Function, error) {
	if len(fs.BARs) > 6 {
		return nil, fmt.Errorf("%d BARs: %w", len(fs.BARs), ErrBadTopology)
	}

	h := &Header{
		VendorID:          fs.Vendor,
		DeviceID:          fs.Device,
		Command:           fs.Command,
		RevisionID:        fs.Revision,
		ClassCode:         ClassCode(fs.Class),
		LatencyTimer:      fs.Latency,
		HeaderType:        ht,
		SubsystemVendorID: fs.SubsystemVendor,
		SubsystemID:       fs.Subsystem,
		ROMAddress:        fs.ROM,
		InterruptLine:     fs.IRQ,
		InterruptPin:      fs.Pin,
	}
	copy(h.BaseAddress[:], fs.BARs)

	f, err := NewEndpoint(h)
	if err != nil {
		return nil, err
	}

	if fs.NIC != nil {
		if err := m.nic(fs); err != nil {
			return nil, err
		}
	}

	return f, nil
}

func (m *Machine) nic(fs *FunctionSpec) error {
	if len(fs.BARs) == 0 || fs.BARs[0]&pci.BaseAddressSpaceIO == 0 {
		return fmt.Errorf("%04x:%04x nic without i/o BAR 0: %w", fs.Vendor, fs.Device, ErrBadTopology)
	}

	mac, err := net.ParseMAC(fs.NIC.MAC)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrBadTopology)
	}

	n := NewRTL8139(uint64(fs.BARs[0]&pci.BaseAddressIOMask), mac, m.Memory)
	if err := m.Ports.Register(n); err != nil {
		return err
	}

	m.NICs = append(m.NICs, n)

	return nil
}

func (m *Machine) bridge(fs *FunctionSpec, ht uint8) (*Function, error) {
	behind, err := m.segment(fs.Bridge.Devices)
	if err != nil {
		return nil, err
	}

	class := fs.Class
	if class == 0 {
		class = pci.ClassBridgePCI << 8
	}

	h := &BridgeHeader{
		VendorID:       fs.Vendor,
		DeviceID:       fs.Device,
		Command:        fs.Command,
		RevisionID:     fs.Revision,
		ClassCode:      ClassCode(class),
		LatencyTimer:   fs.Latency,
		HeaderType:     ht,
		PrimaryBus:     fs.Bridge.Primary,
		SecondaryBus:   fs.Bridge.Secondary,
		SubordinateBus: fs.Bridge.Subordinate,
		ROMAddress:     fs.ROM,
		InterruptLine:  fs.IRQ,
		InterruptPin:   fs.Pin,
	}

	for i := 0; i < len(fs.BARs) && i < 2; i++ {
		h.BaseAddress[i] = fs.BARs[i]
	}

	return NewBridge(h, behind)
}

package pcisim

import (
	"sync"

	"github.com/bobuhiro11/gopci/pci"
	"github.com/bobuhiro11/gopci/portio"
)

// Mechanism selects how a Host exposes configuration space on the port bus.
type Mechanism int

const (
	MechanismNone Mechanism = iota
	Mechanism1
	Mechanism2
)

func (m Mechanism) String() string {
	switch m {
	case Mechanism1:
		return "conf1"
	case Mechanism2:
		return "conf2"
	}

	return "none"
}

// Host is a host bridge with bus 0 behind it. Cycles for other bus numbers
// are routed through the bridges whose secondary..subordinate range covers
// them; nothing claims the rest and reads float to all ones.
type Host struct {
	mu    sync.Mutex
	mech  Mechanism
	root  *Segment
	peers map[uint8]*Segment

	// mechanism #1 address register
	addr pci.ConfAddress

	// mechanism #2 CSE and forward registers
	cse     uint8
	forward uint8
}

func NewHost(m Mechanism, root *Segment) *Host {
	if root == nil {
		root = NewSegment()
	}

	return &Host{
		mech:  m,
		root:  root,
		peers: map[uint8]*Segment{},
	}
}

func (h *Host) Mechanism() Mechanism {
	return h.mech
}

func (h *Host) Root() *Segment {
	return h.root
}

// AddPeer adds a root segment answering for bus n directly, as behind a
// second host bridge.
func (h *Host) AddPeer(n uint8, s *Segment) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.peers[n] = s
}

// Attach registers the host's ports on bus. A host without a mechanism
// decodes nothing. Mechanism #2 claims its 0xCF8 register block and the
// 0xC000 window separately.
func (h *Host) Attach(bus *portio.Bus) error {
	switch h.mech {
	case MechanismNone:
		return nil
	case Mechanism2:
		if err := bus.Register(&conf2Regs{h: h}); err != nil {
			return err
		}
	}

	return bus.Register(h)
}

// conf2Regs is the CSE/forward register block of a mechanism #2 host.
type conf2Regs struct {
	h *Host
}

func (r *conf2Regs) IOPort() uint64 { return pci.Conf2EnablePort }

func (r *conf2Regs) Size() uint64 { return 4 }

func (r *conf2Regs) Read(port uint64, data []byte) error {
	r.h.mu.Lock()
	defer r.h.mu.Unlock()

	for i := range data {
		data[i] = 0xff
		if reg := r.h.conf2Register(port + uint64(i)); reg != nil {
			data[i] = *reg
		}
	}

	return nil
}

func (r *conf2Regs) Write(port uint64, data []byte) error {
	r.h.mu.Lock()
	defer r.h.mu.Unlock()

	for i, v := range data {
		if reg := r.h.conf2Register(port + uint64(i)); reg != nil {
			*reg = v
		}
	}

	return nil
}

func (h *Host) IOPort() uint64 {
	if h.mech == Mechanism2 {
		return pci.Conf2Window
	}

	return pci.Conf1AddressPort
}

func (h *Host) Size() uint64 {
	if h.mech == Mechanism2 {
		return 0x1000
	}

	return 8
}

// Function returns the function a configuration cycle for bus/devfn would
// reach, or nil.
func (h *Host) Function(bus uint8, devfn pci.Devfn) *Function {
	h.mu.Lock()
	peer := h.peers[bus]
	h.mu.Unlock()

	if peer != nil {
		return peer.Function(devfn)
	}

	return route(h.root, 0, bus, devfn)
}

func route(s *Segment, number, bus uint8, devfn pci.Devfn) *Function {
	if bus == number {
		return s.Function(devfn)
	}

	for _, b := range s.bridges() {
		sec := uint8(b.Config(pci.SecondaryBus, pci.Byte))
		sub := uint8(b.Config(pci.SubordinateBus, pci.Byte))

		if sec != 0 && sec > number && bus >= sec && bus <= sub {
			return route(b.behind, sec, bus, devfn)
		}
	}

	return nil
}

// LastBus is the highest bus number reachable through the bridges as they
// are currently programmed.
func (h *Host) LastBus() uint8 {
	last := lastBus(h.root, 0)

	h.mu.Lock()
	defer h.mu.Unlock()

	for n := range h.peers {
		if n > last {
			last = n
		}
	}

	return last
}

func lastBus(s *Segment, number uint8) uint8 {
	last := number

	for _, b := range s.bridges() {
		sec := uint8(b.Config(pci.SecondaryBus, pci.Byte))
		if sec == 0 || sec <= number {
			continue
		}

		if sub := uint8(b.Config(pci.SubordinateBus, pci.Byte)); sub > last {
			last = sub
		}

		if n := lastBus(b.behind, sec); n > last {
			last = n
		}
	}

	return last
}

// ReadConfig performs a configuration read cycle as the chipset would.
func (h *Host) ReadConfig(bus uint8, devfn pci.Devfn, off uint8, data []byte) {
	f := h.Function(bus, devfn)
	if f == nil {
		for i := range data {
			data[i] = 0xff
		}

		return
	}

	f.read(off, data)
}

// WriteConfig performs a configuration write cycle. Writes nobody claims
// are dropped.
func (h *Host) WriteConfig(bus uint8, devfn pci.Devfn, off uint8, data []byte) {
	if f := h.Function(bus, devfn); f != nil {
		f.write(off, data)
	}
}

func (h *Host) Read(port uint64, data []byte) error {
	if h.mech == Mechanism2 {
		return h.conf2In(port, data)
	}

	return h.conf1In(port, data)
}

func (h *Host) Write(port uint64, data []byte) error {
	if h.mech == Mechanism2 {
		return h.conf2Out(port, data)
	}

	return h.conf1Out(port, data)
}

func (h *Host) conf1In(port uint64, data []byte) error {
	h.mu.Lock()
	addr := h.addr
	h.mu.Unlock()

	if port < pci.Conf1DataPort {
		// The address register reads back as latched, reserved bits zero.
		v := portio.NumToBytes(uint32(addr) & 0x80fffffc)
		for i := range data {
			data[i] = v[(int(port)-pci.Conf1AddressPort+i)&3]
		}

		return nil
	}

	if !addr.Enabled() {
		for i := range data {
			data[i] = 0xff
		}

		return nil
	}

	// see pci_conf1_read in linux/arch/x86/pci/direct.c for the offset.
	off := addr.Register() + uint8(port-pci.Conf1DataPort)
	h.ReadConfig(addr.Bus(), addr.Devfn(), off, data)

	return nil
}

func (h *Host) conf1Out(port uint64, data []byte) error {
	if port < pci.Conf1DataPort {
		// Only dword writes reach the address register.
		if port == pci.Conf1AddressPort && len(data) == 4 {
			h.mu.Lock()
			h.addr = pci.ConfAddress(portio.BytesToNum(data))
			h.mu.Unlock()
		}

		return nil
	}

	h.mu.Lock()
	addr := h.addr
	h.mu.Unlock()

	if !addr.Enabled() {
		return nil
	}

	off := addr.Register() + uint8(port-pci.Conf1DataPort)
	h.WriteConfig(addr.Bus(), addr.Devfn(), off, data)

	return nil
}

// conf2Register maps a port of the 0xCF8 block to the register behind it.
// 0xCF9 and 0xCFB are unimplemented and float high.
func (h *Host) conf2Register(port uint64) *uint8 {
	switch port {
	case pci.Conf2EnablePort:
		return &h.cse
	case pci.Conf2ForwardPort:
		return &h.forward
	}

	return nil
}

func (h *Host) conf2In(port uint64, data []byte) error {
	h.mu.Lock()
	cse, fwd := h.cse, h.forward
	h.mu.Unlock()

	if cse&0xf0 == 0 {
		for i := range data {
			data[i] = 0xff
		}

		return nil
	}

	devfn, off := conf2Decode(port, cse)
	h.ReadConfig(fwd, devfn, off, data)

	return nil
}

func (h *Host) conf2Out(port uint64, data []byte) error {
	h.mu.Lock()
	cse, fwd := h.cse, h.forward
	h.mu.Unlock()

	if cse&0xf0 == 0 {
		return nil
	}

	devfn, off := conf2Decode(port, cse)
	h.WriteConfig(fwd, devfn, off, data)

	return nil
}

func conf2Decode(port uint64, cse uint8) (pci.Devfn, uint8) {
	slot := uint8(port>>8) & 0x0f
	fn := (cse >> 1) & 0x07

	return pci.MakeDevfn(slot, fn), uint8(port)
}

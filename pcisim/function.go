// Package pcisim simulates the legacy PCI hardware the gopci packages talk
// to: host bridges decoding configuration mechanism #1 or #2 on a port bus,
// endpoint and bridge functions, a PCI BIOS and a RealTek 8139 NIC.
package pcisim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/gopci/pci"
	"github.com/bobuhiro11/gopci/portio"
)

var (
	ErrSlotOccupied = errors.New("slot already occupied")
	ErrBadHeader    = errors.New("invalid configuration header")
)

// Function is the 256-byte configuration space of one simulated function.
//
// Each byte has a write mask; bits outside it are read only. Bits set in
// the clear mask are write-one-to-clear, like the error bits of the status
// register.
type Function struct {
	mu     sync.Mutex
	space  [256]byte
	wmask  [256]byte
	w1c    [256]byte
	behind *Segment

	reads  int
	writes int
}

func newFunction(b []byte) (*Function, error) {
	if len(b) != 64 {
		return nil, fmt.Errorf("header of %d bytes: %w", len(b), ErrBadHeader)
	}

	f := &Function{}
	copy(f.space[:], b)

	f.setMask(pci.Command, 0x07ff, 2)
	f.w1c[pci.StatusReg+1] = 0xf9
	f.wmask[pci.CacheLineSize] = 0xff
	f.wmask[pci.LatencyTimer] = 0xff

	return f, nil
}

// NewEndpoint makes a normal (type 0) function from h.
func NewEndpoint(h *Header) (*Function, error) {
	if h.HeaderType&0x7f != pci.HeaderNormal {
		return nil, fmt.Errorf("header type %d: %w", h.HeaderType, ErrBadHeader)
	}

	b, err := h.Bytes()
	if err != nil {
		return nil, err
	}

	f, err := newFunction(b)
	if err != nil {
		return nil, err
	}

	f.wmask[pci.InterruptLine] = 0xff

	return f, nil
}

// NewBridge makes a PCI-to-PCI bridge from h. Configuration cycles for the
// bus range programmed into its secondary/subordinate registers are
// forwarded to the behind segment.
func NewBridge(h *BridgeHeader, behind *Segment) (*Function, error) {
	if h.HeaderType&0x7f != pci.HeaderBridge {
		return nil, fmt.Errorf("header type %d: %w", h.HeaderType, ErrBadHeader)
	}

	b, err := h.Bytes()
	if err != nil {
		return nil, err
	}

	f, err := newFunction(b)
	if err != nil {
		return nil, err
	}

	f.setMask(pci.PrimaryBus, 0xffffffff, 4)
	f.wmask[pci.InterruptLine] = 0xff
	f.setMask(pci.BridgeControl, 0x0fff, 2)
	f.behind = behind

	return f, nil
}

// NoMaster makes the bus master enable bit read only, as on devices that
// cannot initiate transactions.
func (f *Function) NoMaster() *Function {
	f.wmask[pci.Command] &^= pci.CommandMaster

	return f
}

func (f *Function) setMask(off int, m uint32, n int) {
	for i := 0; i < n; i++ {
		f.wmask[off+i] = uint8(m >> (8 * i))
	}
}

// Behind returns the segment on the secondary side of a bridge, or nil.
func (f *Function) Behind() *Segment {
	return f.behind
}

func (f *Function) read(off uint8, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++

	for i := range data {
		data[i] = f.space[(int(off)+i)&0xff]
	}
}

func (f *Function) write(off uint8, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes++

	for i, v := range data {
		o := (int(off) + i) & 0xff
		f.space[o] &^= v & f.w1c[o]
		f.space[o] = f.space[o]&^f.wmask[o] | v&f.wmask[o]
	}
}

// Config reads w bytes at off without counting as a bus cycle.
func (f *Function) Config(off uint8, w pci.Width) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return uint32(portio.BytesToNum(f.space[off : int(off)+int(w)]))
}

// SetConfig stores v at off, bypassing the write masks.
func (f *Function) SetConfig(off uint8, w pci.Width, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	copy(f.space[off:int(off)+int(w)], portio.NumToBytes(v))
}

// Reads returns how many configuration reads reached the function.
func (f *Function) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.reads
}

// Writes returns how many configuration writes reached the function.
func (f *Function) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.writes
}

// Segment is the set of functions on one bus segment.
type Segment struct {
	mu    sync.Mutex
	slots [256]*Function
}

func NewSegment() *Segment {
	return &Segment{}
}

// Attach places f at devfn.
func (s *Segment) Attach(devfn pci.Devfn, f *Function) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.slots[devfn] != nil {
		return fmt.Errorf("%v: %w", devfn, ErrSlotOccupied)
	}

	s.slots[devfn] = f

	return nil
}

// Function returns the function at devfn, or nil.
func (s *Segment) Function(devfn pci.Devfn) *Function {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.slots[devfn]
}

func (s *Segment) bridges() []*Function {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := []*Function{}

	for _, f := range s.slots {
		if f != nil && f.behind != nil {
			res = append(res, f)
		}
	}

	return res
}

package driver

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/gopci/pci"
	"github.com/bobuhiro11/gopci/portio"
)

var ErrOutOfWindow = errors.New("register access outside the window")

// Regs is the register window of one device, in I/O or memory space.
type Regs struct {
	base  uint64
	size  uint64
	io    bool
	ports portio.Ports
	mem   []byte
}

// NewIORegs makes a window of size ports at base.
func NewIORegs(p portio.Ports, base, size uint64) *Regs {
	return &Regs{base: base, size: size, io: true, ports: p}
}

// NewMemRegs makes a window over mapped device memory.
func NewMemRegs(base uint64, mem []byte) *Regs {
	return &Regs{base: base, size: uint64(len(mem)), mem: mem}
}

func (r *Regs) Base() uint64 { return r.base }

func (r *Regs) Size() uint64 { return r.size }

func (r *Regs) IsIO() bool { return r.io }

func (r *Regs) String() string {
	if r.io {
		return fmt.Sprintf("io 0x%04x-0x%04x", r.base, r.base+r.size-1)
	}

	return fmt.Sprintf("mem 0x%08x-0x%08x", r.base, r.base+r.size-1)
}

func (r *Regs) check(off uint64, n int) error {
	if off+uint64(n) > r.size {
		return fmt.Errorf("%v+0x%x: %w", r, off, ErrOutOfWindow)
	}

	return nil
}

func (r *Regs) read(off uint64, data []byte) error {
	if err := r.check(off, len(data)); err != nil {
		return err
	}

	if r.io {
		return r.ports.In(uint16(r.base+off), data)
	}

	copy(data, r.mem[off:])

	return nil
}

func (r *Regs) write(off uint64, data []byte) error {
	if err := r.check(off, len(data)); err != nil {
		return err
	}

	if r.io {
		return r.ports.Out(uint16(r.base+off), data)
	}

	copy(r.mem[off:], data)

	return nil
}

func (r *Regs) Read8(off uint64) (uint8, error) {
	b := make([]byte, 1)
	err := r.read(off, b)

	return b[0], err
}

func (r *Regs) Read16(off uint64) (uint16, error) {
	b := make([]byte, 2)
	err := r.read(off, b)

	return binary.LittleEndian.Uint16(b), err
}

func (r *Regs) Read32(off uint64) (uint32, error) {
	b := make([]byte, 4)
	err := r.read(off, b)

	return binary.LittleEndian.Uint32(b), err
}

func (r *Regs) Write8(off uint64, v uint8) error {
	return r.write(off, []byte{v})
}

func (r *Regs) Write16(off uint64, v uint16) error {
	return r.write(off, binary.LittleEndian.AppendUint16(nil, v))
}

func (r *Regs) Write32(off uint64, v uint32) error {
	return r.write(off, binary.LittleEndian.AppendUint32(nil, v))
}

// MemMapper maps physical memory BARs into the process.
type MemMapper interface {
	Map(base, size uint64) ([]byte, error)
	Unmap(mem []byte) error
}

func resource(d *pci.Device, f Flags) pci.Resource {
	r := d.Resource[f.BAR()]
	if f&Addr64 == 0 {
		r.Base &= 0xffffffff
	}

	return r
}

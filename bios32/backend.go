package bios32

import (
	"fmt"
	"io"
	"sync"

	"github.com/bobuhiro11/gopci/pci"
	"github.com/go-logr/logr"
)

// Regs is the register file passed through a BIOS call gate.
type Regs struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32

	// CF is the carry flag on return.
	CF bool
}

// Caller performs a 32-bit far call to a physical entry point with the
// given registers, in and out. It has to be supplied by whatever can run
// firmware code; this package never does so itself.
type Caller interface {
	Call(entry uint32, r *Regs) error
}

const (
	// ServicePCI is "$PCI", looked up through the service directory.
	ServicePCI = ('I' << 24) | ('C' << 16) | ('P' << 8) | '$'

	// PCISignature is "PCI " as returned in EDX by PCIBIOSPresent.
	PCISignature = (' ' << 24) | ('I' << 16) | ('C' << 8) | 'P'
)

// PCI BIOS function codes, passed in AX.
const (
	PCIBIOSPresent      = 0xb101
	FindPCIDevice       = 0xb102
	FindPCIClassCode    = 0xb103
	GenerateSpecialCyc  = 0xb106
	ReadConfigByte      = 0xb108
	ReadConfigWord      = 0xb109
	ReadConfigDword     = 0xb10a
	WriteConfigByte     = 0xb10b
	WriteConfigWord     = 0xb10c
	WriteConfigDword    = 0xb10d
	GetIRQRoutingOption = 0xb10e
	SetPCIIRQ           = 0xb10f
)

// Backend is the PCI BIOS configuration space backend.
type Backend struct {
	mu     sync.Mutex
	caller Caller
	entry  uint32

	// Directory is where the service directory was found.
	Directory int64

	// Hardware, Version and LastBus come from the presence check.
	Hardware uint8
	Version  uint16
	LastBus  uint8
}

// Open finds the service directory in mem, looks up the PCI service and
// checks that the PCI BIOS is present.
func Open(mem io.ReaderAt, caller Caller, log logr.Logger) (*Backend, error) {
	if caller == nil {
		return nil, ErrNoCaller
	}

	dir, addr, err := FindDirectory(mem, WindowStart, WindowEnd)
	if err != nil {
		return nil, err
	}

	log.V(1).Info("BIOS32 service directory", "addr", fmt.Sprintf("0x%05x", addr), "entry", fmt.Sprintf("0x%05x", dir.Entry))

	r := Regs{EAX: ServicePCI}
	if err := caller.Call(dir.Entry, &r); err != nil {
		return nil, err
	}

	switch uint8(r.EAX) {
	case 0:
	case 0x80:
		return nil, fmt.Errorf("$PCI: %w", ErrServiceNotFound)
	default:
		return nil, fmt.Errorf("$PCI returned 0x%02x: %w", uint8(r.EAX), ErrServiceNotFound)
	}

	b := &Backend{caller: caller, entry: r.EBX + r.EDX, Directory: addr}

	if b.entry >= 0x100000 {
		return nil, fmt.Errorf("PCI entry 0x%x: %w", b.entry, ErrHighEntry)
	}

	r = Regs{EAX: PCIBIOSPresent}
	if err := caller.Call(b.entry, &r); err != nil {
		return nil, err
	}

	if r.CF || uint8(r.EAX>>8) != 0 || r.EDX != PCISignature {
		return nil, ErrNotPresent
	}

	b.Hardware = uint8(r.EAX)
	b.Version = uint16(r.EBX)
	b.LastBus = uint8(r.ECX)

	log.V(1).Info("PCI BIOS present", "version", fmt.Sprintf("%x.%02x", b.Version>>8, b.Version&0xff),
		"entry", fmt.Sprintf("0x%05x", b.entry), "lastBus", b.LastBus)

	return b, nil
}

// Detect returns a function for pci.DetectOptions.BIOS.
func Detect(mem io.ReaderAt, caller Caller, log logr.Logger) func() (pci.Backend, error) {
	return func() (pci.Backend, error) {
		b, err := Open(mem, caller, log)
		if err != nil {
			return nil, err
		}

		return b, nil
	}
}

func (b *Backend) Name() string { return "bios" }

// Entry is the physical address of the PCI BIOS entry point.
func (b *Backend) Entry() uint32 { return b.entry }

func (b *Backend) call(r *Regs) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.caller.Call(b.entry, r); err != nil {
		return err
	}

	return pci.Status(r.EAX >> 8).Err()
}

func widthFunc(w pci.Width, read bool) uint32 {
	fn := uint32(WriteConfigByte)
	if read {
		fn = ReadConfigByte
	}

	switch w {
	case pci.Word:
		fn++
	case pci.Dword:
		fn += 2
	}

	return fn
}

func (b *Backend) Read(bus uint8, devfn pci.Devfn, off uint8, w pci.Width) (uint32, error) {
	r := Regs{
		EAX: widthFunc(w, true),
		EBX: uint32(bus)<<8 | uint32(devfn),
		EDI: uint32(off),
	}

	if err := b.call(&r); err != nil {
		return w.Mask(), err
	}

	return r.ECX & w.Mask(), nil
}

func (b *Backend) Write(bus uint8, devfn pci.Devfn, off uint8, w pci.Width, v uint32) error {
	r := Regs{
		EAX: widthFunc(w, false),
		EBX: uint32(bus)<<8 | uint32(devfn),
		ECX: v,
		EDI: uint32(off),
	}

	return b.call(&r)
}

// FindDevice asks the BIOS for the index-th function with the given IDs.
func (b *Backend) FindDevice(vendor, device uint16, index int) (uint8, pci.Devfn, error) {
	r := Regs{
		EAX: FindPCIDevice,
		ECX: uint32(device),
		EDX: uint32(vendor),
		ESI: uint32(index),
	}

	if err := b.call(&r); err != nil {
		return 0, 0, err
	}

	return uint8(r.EBX >> 8), pci.Devfn(r.EBX), nil
}

// FindClass asks the BIOS for the index-th function of a 24-bit class.
func (b *Backend) FindClass(class uint32, index int) (uint8, pci.Devfn, error) {
	r := Regs{
		EAX: FindPCIClassCode,
		ECX: class,
		ESI: uint32(index),
	}

	if err := b.call(&r); err != nil {
		return 0, 0, err
	}

	return uint8(r.EBX >> 8), pci.Devfn(r.EBX), nil
}

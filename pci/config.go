package pci

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// Backend is one configuration space access mechanism. Offsets passed to a
// Backend are already checked for alignment.
type Backend interface {
	Name() string
	Read(bus uint8, devfn Devfn, off uint8, w Width) (uint32, error)
	Write(bus uint8, devfn Devfn, off uint8, w Width, v uint32) error
}

// Finder is implemented by backends that can search for devices on their
// own, like the PCI BIOS. index selects the n-th match.
type Finder interface {
	FindDevice(vendor, device uint16, index int) (bus uint8, devfn Devfn, err error)
	FindClass(class uint32, index int) (bus uint8, devfn Devfn, err error)
}

type unsupported struct{}

func (unsupported) Name() string { return "none" }

func (unsupported) Read(uint8, Devfn, uint8, Width) (uint32, error) {
	return 0xffffffff, ErrNotSupported
}

func (unsupported) Write(uint8, Devfn, uint8, Width, uint32) error {
	return ErrNotSupported
}

// Config is the configuration space accessor. The backend is fixed when the
// Config is made and never changes. All accesses are serialized, because
// every mechanism drives one machine-wide resource (ports 0xCF8/0xCFC or the
// BIOS call gate) whose address/data sequence must not interleave.
type Config struct {
	mu      sync.Mutex
	backend Backend
	log     logr.Logger
}

// NewConfig wraps b. A nil b gives a Config that reports ErrNotSupported
// for every access.
func NewConfig(b Backend, log logr.Logger) *Config {
	if b == nil {
		b = unsupported{}
	}

	return &Config{backend: b, log: log}
}

// Backend returns the name of the active mechanism.
func (c *Config) Backend() string {
	return c.backend.Name()
}

// Supported reports whether any mechanism is active.
func (c *Config) Supported() bool {
	_, none := c.backend.(unsupported)

	return !none
}

func checkAccess(off uint8, w Width) error {
	switch w {
	case Byte:
		return nil
	case Word:
		if off&1 != 0 {
			return fmt.Errorf("word at 0x%02x: %w", off, ErrBadRegisterNumber)
		}
	case Dword:
		if off&3 != 0 {
			return fmt.Errorf("dword at 0x%02x: %w", off, ErrBadRegisterNumber)
		}
	default:
		return fmt.Errorf("%v at 0x%02x: %w", w, off, ErrBadRegisterNumber)
	}

	return nil
}

// Read reads w bytes at off from the function at bus/devfn.
func (c *Config) Read(bus uint8, devfn Devfn, off uint8, w Width) (uint32, error) {
	if err := checkAccess(off, w); err != nil {
		return w.Mask(), err
	}

	c.mu.Lock()
	v, err := c.backend.Read(bus, devfn, off, w)
	c.mu.Unlock()

	c.log.V(3).Info("config read", "bus", bus, "devfn", devfn, "off", off, "width", w, "value", v, "err", err)

	return v & w.Mask(), err
}

// Write writes the low w bytes of v at off to the function at bus/devfn.
func (c *Config) Write(bus uint8, devfn Devfn, off uint8, w Width, v uint32) error {
	if err := checkAccess(off, w); err != nil {
		return err
	}

	c.mu.Lock()
	err := c.backend.Write(bus, devfn, off, w, v&w.Mask())
	c.mu.Unlock()

	c.log.V(3).Info("config write", "bus", bus, "devfn", devfn, "off", off, "width", w, "value", v, "err", err)

	return err
}

func (c *Config) Read8(bus uint8, devfn Devfn, off uint8) (uint8, error) {
	v, err := c.Read(bus, devfn, off, Byte)

	return uint8(v), err
}

func (c *Config) Read16(bus uint8, devfn Devfn, off uint8) (uint16, error) {
	v, err := c.Read(bus, devfn, off, Word)

	return uint16(v), err
}

func (c *Config) Read32(bus uint8, devfn Devfn, off uint8) (uint32, error) {
	return c.Read(bus, devfn, off, Dword)
}

func (c *Config) Write8(bus uint8, devfn Devfn, off uint8, v uint8) error {
	return c.Write(bus, devfn, off, Byte, uint32(v))
}

func (c *Config) Write16(bus uint8, devfn Devfn, off uint8, v uint16) error {
	return c.Write(bus, devfn, off, Word, uint32(v))
}

func (c *Config) Write32(bus uint8, devfn Devfn, off uint8, v uint32) error {
	return c.Write(bus, devfn, off, Dword, v)
}

// FindDevice asks the backend for the index-th function with the given
// IDs. Only the BIOS mechanism can answer; the others return
// ErrNotSupported and callers use a Registry instead.
func (c *Config) FindDevice(vendor, device uint16, index int) (uint8, Devfn, error) {
	if vendor == 0xffff {
		return 0, 0, ErrBadVendorID
	}

	f, ok := c.backend.(Finder)
	if !ok {
		return 0, 0, ErrNotSupported
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return f.FindDevice(vendor, device, index)
}

// FindClass is FindDevice for a 24-bit class code.
func (c *Config) FindClass(class uint32, index int) (uint8, Devfn, error) {
	f, ok := c.backend.(Finder)
	if !ok {
		return 0, 0, ErrNotSupported
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return f.FindClass(class, index)
}

package pci

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bobuhiro11/gopci/portio"
	"github.com/prometheus/procfs/sysfs"
)

// Sysfs reads configuration space through the kernel's per-device config
// files. Functions the kernel does not list read as all ones, like an
// empty slot on real hardware. Only segment 0 is visible.
type Sysfs struct {
	mount   string
	present map[[2]uint8]bool
}

// NewSysfs lists the PCI functions below mount (usually /sys).
func NewSysfs(mount string) (*Sysfs, error) {
	fs, err := sysfs.NewFS(mount)
	if err != nil {
		return nil, fmt.Errorf("failed to open sysfs: %w", err)
	}

	devices, err := fs.PciDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to read pci devices: %w", err)
	}

	s := &Sysfs{mount: mount, present: map[[2]uint8]bool{}}

	for _, d := range devices {
		if d.Location.Segment != 0 {
			continue
		}

		devfn := MakeDevfn(uint8(d.Location.Device), uint8(d.Location.Function))
		s.present[[2]uint8{uint8(d.Location.Bus), uint8(devfn)}] = true
	}

	return s, nil
}

func (s *Sysfs) Name() string { return "sysfs" }

func (s *Sysfs) path(bus uint8, devfn Devfn) string {
	return filepath.Join(s.mount, "bus", "pci", "devices",
		fmt.Sprintf("0000:%02x:%02x.%d", bus, devfn.Slot(), devfn.Func()), "config")
}

func (s *Sysfs) Read(bus uint8, devfn Devfn, off uint8, w Width) (uint32, error) {
	if !s.present[[2]uint8{bus, uint8(devfn)}] {
		return w.Mask(), nil
	}

	f, err := os.Open(s.path(bus, devfn))
	if err != nil {
		return w.Mask(), err
	}
	defer f.Close()

	buf := make([]byte, w)

	// Unprivileged readers only see the first 64 bytes.
	if _, err := f.ReadAt(buf, int64(off)); err != nil {
		return w.Mask(), fmt.Errorf("%s+0x%02x: %w", s.path(bus, devfn), off, ErrBufferTooSmall)
	}

	return uint32(portio.BytesToNum(buf)), nil
}

func (s *Sysfs) Write(bus uint8, devfn Devfn, off uint8, w Width, v uint32) error {
	if !s.present[[2]uint8{bus, uint8(devfn)}] {
		return nil
	}

	f, err := os.OpenFile(s.path(bus, devfn), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteAt(portio.NumToBytes(v)[:w], int64(off)); err != nil {
		return fmt.Errorf("%s+0x%02x: %w", s.path(bus, devfn), off, ErrSetFailed)
	}

	return nil
}

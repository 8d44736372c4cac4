package portio

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// DevPort accesses ports through /dev/port. The kernel turns every byte of a
// read or write into a separate inb/outb, so wide accesses are byte-split;
// use Direct when a device latches only full-width writes.
type DevPort struct {
	f *os.File
}

func OpenDevPort(path string) (*DevPort, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf(`%s: %w`, path, err)
	}

	return &DevPort{f: f}, nil
}

func (d *DevPort) In(port uint16, data []byte) error {
	if err := checkLen(data); err != nil {
		return err
	}

	n, err := unix.Pread(int(d.f.Fd()), data, int64(port))
	if err != nil {
		return fmt.Errorf("in 0x%x: %w", port, err)
	}

	if n != len(data) {
		return fmt.Errorf("in 0x%x: %w", port, io.ErrUnexpectedEOF)
	}

	return nil
}

func (d *DevPort) Out(port uint16, data []byte) error {
	if err := checkLen(data); err != nil {
		return err
	}

	n, err := unix.Pwrite(int(d.f.Fd()), data, int64(port))
	if err != nil {
		return fmt.Errorf("out 0x%x: %w", port, err)
	}

	if n != len(data) {
		return fmt.Errorf("out 0x%x: %w", port, io.ErrShortWrite)
	}

	return nil
}

func (d *DevPort) Close() error {
	return d.f.Close()
}

package portio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func inb(port uint16) uint8
func inw(port uint16) uint16
func inl(port uint16) uint32
func outb(port uint16, val uint8)
func outw(port uint16, val uint16)
func outl(port uint16, val uint32)

// Direct issues in/out instructions from the calling thread after raising
// the I/O privilege level. It needs CAP_SYS_RAWIO.
type Direct struct{}

func OpenDirect() (*Direct, error) {
	if err := unix.Iopl(3); err != nil {
		return nil, fmt.Errorf("iopl: %w", err)
	}

	return &Direct{}, nil
}

func (Direct) In(port uint16, data []byte) error {
	switch len(data) {
	case 1:
		data[0] = inb(port)
	case 2:
		copy(data, NumToBytes(inw(port)))
	case 4:
		copy(data, NumToBytes(inl(port)))
	default:
		return ErrDataLenInvalid
	}

	return nil
}

func (Direct) Out(port uint16, data []byte) error {
	switch len(data) {
	case 1:
		outb(port, data[0])
	case 2:
		outw(port, uint16(BytesToNum(data)))
	case 4:
		outl(port, uint32(BytesToNum(data)))
	default:
		return ErrDataLenInvalid
	}

	return nil
}

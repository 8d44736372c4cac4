// Package portio provides access to the x86 I/O port space, either on real
// hardware or on a simulated bus.
package portio

import "errors"

var (
	// ErrPortOccupied is returned when a device is registered over ports
	// that already belong to another device.
	ErrPortOccupied = errors.New("io port range already occupied")

	// ErrDataLenInvalid is returned for accesses that are not 1, 2 or 4
	// bytes wide.
	ErrDataLenInvalid = errors.New("invalid data size on port")
)

// Ports is an I/O port space. The access width is len(data), which must be
// 1, 2 or 4. Values are little endian, as on the wire.
type Ports interface {
	In(port uint16, data []byte) error
	Out(port uint16, data []byte) error
}

// Device describes the interface an I/O port device must implement to be
// attached to a Bus.
type Device interface {
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
	IOPort() uint64
	Size() uint64
}

func checkLen(data []byte) error {
	switch len(data) {
	case 1, 2, 4:
		return nil
	}

	return ErrDataLenInvalid
}

// Inb reads one byte from port.
func Inb(p Ports, port uint16) (uint8, error) {
	b := make([]byte, 1)
	err := p.In(port, b)

	return b[0], err
}

// Inw reads a 16-bit word from port.
func Inw(p Ports, port uint16) (uint16, error) {
	b := make([]byte, 2)
	err := p.In(port, b)

	return uint16(BytesToNum(b)), err
}

// Inl reads a 32-bit dword from port.
func Inl(p Ports, port uint16) (uint32, error) {
	b := make([]byte, 4)
	err := p.In(port, b)

	return uint32(BytesToNum(b)), err
}

// Outb writes one byte to port.
func Outb(p Ports, port uint16, v uint8) error {
	return p.Out(port, NumToBytes(v))
}

// Outw writes a 16-bit word to port.
func Outw(p Ports, port uint16, v uint16) error {
	return p.Out(port, NumToBytes(v))
}

// Outl writes a 32-bit dword to port.
func Outl(p Ports, port uint16, v uint32) error {
	return p.Out(port, NumToBytes(v))
}

// BytesToNum decodes a little endian byte slice of up to 8 bytes.
func BytesToNum(bytes []byte) uint64 {
	res := uint64(0)
	for i, x := range bytes {
		res |= uint64(x) << (i * 8)
	}

	return res
}

// NumToBytes encodes an unsigned integer as little endian bytes. Other types
// yield an empty slice.
func NumToBytes(x interface{}) []byte {
	res := []byte{}
	l := 0
	y := uint64(0)

	switch v := x.(type) {
	case uint8:
		l = 1
		y = uint64(v)
	case uint16:
		l = 2
		y = uint64(v)
	case uint32:
		l = 4
		y = uint64(v)
	case uint64:
		l = 8
		y = v
	default:
		return []byte{}
	}

	for i := 0; i < l; i++ {
		res = append(res, uint8(y))
		y >>= 8
	}

	return res
}

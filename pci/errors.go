package pci

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSupported means no configuration mechanism was found. It is
	// permanent for the life of a Config and means "no PCI bus".
	ErrNotSupported = errors.New("pci function not supported")

	// ErrBadVendorID is returned by find operations given vendor 0xffff.
	ErrBadVendorID = errors.New("bad vendor id")

	// ErrDeviceNotFound is returned when a query runs out of candidates.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrBadRegisterNumber is returned for misaligned word and dword
	// accesses. No I/O is issued.
	ErrBadRegisterNumber = errors.New("bad register number")

	ErrSetFailed      = errors.New("set failed")
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrUnknownHeaderType and ErrHeaderClassMismatch are logged by the
	// scanner for functions it ignores.
	ErrUnknownHeaderType   = errors.New("unknown header type")
	ErrHeaderClassMismatch = errors.New("class does not match header type")
)

// Status is a PCI BIOS return code, as found in AH after a BIOS call.
type Status uint8

const (
	Successful        Status = 0x00
	FuncNotSupported  Status = 0x81
	BadVendorID       Status = 0x83
	DeviceNotFound    Status = 0x86
	BadRegisterNumber Status = 0x87
	SetFailed         Status = 0x88
	BufferTooSmall    Status = 0x89
)

var statusErrors = map[Status]error{
	FuncNotSupported:  ErrNotSupported,
	BadVendorID:       ErrBadVendorID,
	DeviceNotFound:    ErrDeviceNotFound,
	BadRegisterNumber: ErrBadRegisterNumber,
	SetFailed:         ErrSetFailed,
	BufferTooSmall:    ErrBufferTooSmall,
}

// Err converts s into one of the package errors, nil for Successful.
func (s Status) Err() error {
	if s == Successful {
		return nil
	}

	if err, ok := statusErrors[s]; ok {
		return err
	}

	return fmt.Errorf("pci bios status 0x%02x: %w", uint8(s), ErrNotSupported)
}

func (s Status) String() string {
	if s == Successful {
		return "successful"
	}

	if err, ok := statusErrors[s]; ok {
		return err.Error()
	}

	return fmt.Sprintf("status 0x%02x", uint8(s))
}

// StatusOf maps an error returned by this package back to its status code.
// Errors from elsewhere map to FuncNotSupported.
func StatusOf(err error) Status {
	if err == nil {
		return Successful
	}

	for s, e := range statusErrors {
		if errors.Is(err, e) {
			return s
		}
	}

	return FuncNotSupported
}

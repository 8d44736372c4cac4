package pcisim

import (
	"bytes"
	"encoding/binary"
)

// Header is the standard (type 0) configuration header.
type Header struct {
	VendorID          uint16
	DeviceID          uint16
	Command           uint16
	Status            uint16
	RevisionID        uint8
	ClassCode         [3]uint8
	CacheLineSize     uint8
	LatencyTimer      uint8
	HeaderType        uint8
	BIST              uint8
	BaseAddress       [6]uint32
	CardbusCISPointer uint32
	SubsystemVendorID uint16
	SubsystemID       uint16
	ROMAddress        uint32
	CapabilityPointer uint8
	_                 [7]uint8
	InterruptLine     uint8
	InterruptPin      uint8
	MinGnt            uint8
	MaxLat            uint8
}

func (h *Header) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// BridgeHeader is the PCI-to-PCI bridge (type 1) configuration header.
type BridgeHeader struct {
	VendorID          uint16
	DeviceID          uint16
	Command           uint16
	Status            uint16
	RevisionID        uint8
	ClassCode         [3]uint8
	CacheLineSize     uint8
	LatencyTimer      uint8
	HeaderType        uint8
	BIST              uint8
	BaseAddress       [2]uint32
	PrimaryBus        uint8
	SecondaryBus      uint8
	SubordinateBus    uint8
	SecondaryLatency  uint8
	IOBase            uint8
	IOLimit           uint8
	SecondaryStatus   uint16
	MemoryBase        uint16
	MemoryLimit       uint16
	PrefetchBase      uint16
	PrefetchLimit     uint16
	PrefetchBaseUpper uint32
	PrefetchLimitUp   uint32
	IOBaseUpper       uint16
	IOLimitUpper      uint16
	CapabilityPointer uint8
	_                 [3]uint8
	ROMAddress        uint32
	InterruptLine     uint8
	InterruptPin      uint8
	BridgeControl     uint16
}

func (h *BridgeHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// ClassCode splits a 24-bit class code into its register bytes.
func ClassCode(c uint32) [3]uint8 {
	return [3]uint8{uint8(c), uint8(c >> 8), uint8(c >> 16)}
}

// Package pci enumerates a legacy PCI bus and gives access to the
// configuration space of the functions on it.
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
package pci

import "fmt"

// Configuration space register offsets shared by all header types.
const (
	VendorID      = 0x00
	DeviceID      = 0x02
	Command       = 0x04
	StatusReg     = 0x06
	ClassRevision = 0x08
	RevisionID    = 0x08
	ClassProg     = 0x09
	ClassDevice   = 0x0a
	CacheLineSize = 0x0c
	LatencyTimer  = 0x0d
	HeaderType    = 0x0e
	BIST          = 0x0f
	BaseAddress0  = 0x10
	BaseAddress1  = 0x14
	BaseAddress2  = 0x18
	BaseAddress3  = 0x1c
	BaseAddress4  = 0x20
	BaseAddress5  = 0x24

	// Header type 0 (normal devices).
	CardbusCIS        = 0x28
	SubsystemVendorID = 0x2c
	SubsystemID       = 0x2e
	ROMAddress        = 0x30
	CapabilityList    = 0x34
	InterruptLine     = 0x3c
	InterruptPin      = 0x3d
	MinGnt            = 0x3e
	MaxLat            = 0x3f

	// Header type 1 (PCI-to-PCI bridges).
	PrimaryBus         = 0x18
	SecondaryBus       = 0x19
	SubordinateBus     = 0x1a
	SecLatencyTimer    = 0x1b
	ROMAddress1        = 0x38
	BridgeControl      = 0x3e
	bridgeBusesMask    = 0x00ffffff
	bridgeBusesSubMask = 0xff00ffff

	// Header type 2 (CardBus bridges).
	CBSubsystemVendorID = 0x40
	CBSubsystemID       = 0x42
)

// Header types, the low seven bits of the HeaderType register.
const (
	HeaderNormal  = 0
	HeaderBridge  = 1
	HeaderCardBus = 2

	HeaderMultiFunction = 0x80
)

// Command register bits.
const (
	CommandIO          = 0x1
	CommandMemory      = 0x2
	CommandMaster      = 0x4
	CommandSpecial     = 0x8
	CommandInvalidate  = 0x10
	CommandVGAPalette  = 0x20
	CommandParity      = 0x40
	CommandWait        = 0x80
	CommandSERR        = 0x100
	CommandFastBack    = 0x200
	CommandINTxDisable = 0x400
)

// Base address register layout.
const (
	BaseAddressSpace       = 0x01
	BaseAddressSpaceIO     = 0x01
	BaseAddressMemTypeMask = 0x06
	BaseAddressMemType32   = 0x00
	BaseAddressMemType1M   = 0x02
	BaseAddressMemType64   = 0x04
	BaseAddressMemPrefetch = 0x08
	BaseAddressMemMask     = ^uint32(0x0f)
	BaseAddressIOMask      = ^uint32(0x03)
)

// Class codes as class<<8|subclass, compared against Device.Class>>8.
const (
	ClassStorageSCSI      = 0x0100
	ClassStorageIDE       = 0x0101
	ClassNetworkEthernet  = 0x0200
	ClassNetworkTokenRing = 0x0201
	ClassNetworkFDDI      = 0x0202
	ClassNetworkOther     = 0x0280
	ClassDisplayVGA       = 0x0300
	ClassBridgeHost       = 0x0600
	ClassBridgeISA        = 0x0601
	ClassBridgeEISA       = 0x0602
	ClassBridgeMC         = 0x0603
	ClassBridgePCI        = 0x0604
	ClassBridgePCMCIA     = 0x0605
	ClassBridgeCardBus    = 0x0607
	ClassBridgeOther      = 0x0680
	ClassSerialUSB        = 0x0c03
	ClassNotDefined       = 0x0000
	ClassNotDefinedVGA    = 0x0001
	ClassBaseNetwork      = 0x02
	ClassBaseBridge       = 0x06
)

// Devfn packs a device (slot) number and a function number into one byte.
type Devfn uint8

// MakeDevfn packs slot (5 bits) and function (3 bits).
func MakeDevfn(slot, fn uint8) Devfn {
	return Devfn((slot&0x1f)<<3 | fn&0x07)
}

func (d Devfn) Slot() uint8 {
	return uint8(d) >> 3
}

func (d Devfn) Func() uint8 {
	return uint8(d) & 0x07
}

func (d Devfn) String() string {
	return fmt.Sprintf("%02x.%x", d.Slot(), d.Func())
}

// Width is the size of a configuration space access in bytes.
type Width int

const (
	Byte  Width = 1
	Word  Width = 2
	Dword Width = 4
)

func (w Width) String() string {
	switch w {
	case Byte:
		return "byte"
	case Word:
		return "word"
	case Dword:
		return "dword"
	}

	return fmt.Sprintf("width(%d)", int(w))
}

// Mask covers the bits an access of width w returns.
func (w Width) Mask() uint32 {
	switch w {
	case Byte:
		return 0xff
	case Word:
		return 0xffff
	}

	return 0xffffffff
}

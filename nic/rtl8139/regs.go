package rtl8139

// Register offsets from the I/O base.
const (
	MAC0        = 0x00
	MAR0        = 0x08
	TxStatus0   = 0x10
	TxAddr0     = 0x20
	RxBuf       = 0x30
	ChipCmd     = 0x37
	RxBufPtr    = 0x38
	RxBufAddr   = 0x3a
	IntrMask    = 0x3c
	IntrStatus  = 0x3e
	TxConfig    = 0x40
	RxConfig    = 0x44
	Timer       = 0x48
	RxMissed    = 0x4c
	Cfg9346     = 0x50
	Config0     = 0x51
	Config1     = 0x52
	MediaStatus = 0x58
	BasicMode   = 0x62

	// IOSize is the size of the register window.
	IOSize = 0x80
)

// ChipCmd bits.
const (
	CmdReset   = 0x10
	CmdRxEnb   = 0x08
	CmdTxEnb   = 0x04
	RxBufEmpty = 0x01
)

// IntrStatus and IntrMask bits.
const (
	PCIErr     = 0x8000
	PCSTimeout = 0x4000
	RxFIFOOver = 0x40
	RxUnderrun = 0x20
	RxOverflow = 0x10
	TxErr      = 0x08
	TxOK       = 0x04
	RxErr      = 0x02
	RxOK       = 0x01

	intrDefault = PCIErr | PCSTimeout | RxUnderrun | RxOverflow | RxFIFOOver | TxErr | TxOK | RxErr | RxOK
	intrError   = PCIErr | PCSTimeout | RxFIFOOver | RxUnderrun | RxOverflow | TxErr | RxErr
)

// TxStatus bits. The low 13 bits hold the frame size.
const (
	TxHostOwns    = 0x2000
	TxUnderrun    = 0x4000
	TxStatOK      = 0x8000
	TxOutOfWindow = 0x20000000
	TxAborted     = 0x40000000
	TxCarrierLost = 0x80000000

	TxSizeMask = 0x1fff
)

// Receive packet header status bits.
const (
	RxMulticast = 0x8000
	RxPhysical  = 0x4000
	RxBroadcast = 0x2000
	RxBadSymbol = 0x0020
	RxRunt      = 0x0010
	RxTooLong   = 0x0008
	RxCRCErr    = 0x0004
	RxBadAlign  = 0x0002
	RxStatusOK  = 0x0001
)

// RxConfig bits.
const (
	AcceptErr       = 0x20
	AcceptRunt      = 0x10
	AcceptBroadcast = 0x08
	AcceptMulticast = 0x04
	AcceptMyPhys    = 0x02
	AcceptAllPhys   = 0x01

	RxCfgWrap         = 0x80
	RxCfgDMAUnlimited = 7 << 8
	RxCfgFIFONone     = 7 << 13
)

// TxConfig fields.
const (
	TxIFG96       = 3 << 24
	TxDMAShift    = 8
	TxRetryShift  = 4
	TxHWRevIDMask = 0x7cc00000
)

const (
	// NumTxDesc is the number of transmit descriptors on the chip.
	NumTxDesc = 4

	// RxRingLen is the receive ring size selected by RxConfig bits 11-12
	// cleared (8K + 16 bytes).
	RxRingLen = 8192
	RxRingPad = 16

	// TxBufSize is the largest frame a descriptor buffer takes.
	TxBufSize = 1536

	Cfg9346Unlock = 0xc0
	Cfg9346Lock   = 0x00
)

// Chip is one member of the RTL8139 family, told apart by the hardware
// revision bits of TxConfig.
type Chip struct {
	Name  string
	RevID uint32
}

var Chips = []Chip{
	{"RTL-8139", 0x60000000},
	{"RTL-8139A", 0x70000000},
	{"RTL-8139B", 0x78000000},
	{"RTL-8130", 0x7c000000},
	{"RTL-8139C", 0x74000000},
	{"RTL-8100", 0x78800000},
	{"RTL-8100B/8139D", 0x74400000},
	{"RTL-8139C+", 0x74800000},
	{"RTL-8101", 0x74c00000},
}

// ChipName names the chip for a TxConfig value, or returns "unknown".
func ChipName(txConfig uint32) string {
	rev := txConfig & TxHWRevIDMask
	for _, c := range Chips {
		if c.RevID == rev {
			return c.Name
		}
	}

	return "unknown"
}

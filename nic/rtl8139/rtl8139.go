// Package rtl8139 drives the RealTek RTL8129/8139 family of fast ethernet
// controllers through the driver registration helper.
package rtl8139

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/bobuhiro11/gopci/driver"
	"github.com/bobuhiro11/gopci/pci"
	"github.com/bobuhiro11/gopci/portio"
	"github.com/go-logr/logr"
)

var (
	ErrTxBusy    = errors.New("all transmit descriptors are owned by the chip")
	ErrFrameSize = errors.New("frame size out of range")
	ErrNotOpen   = errors.New("interface is not open")
	ErrNoDMA     = errors.New("no DMA allocator")
)

const (
	// ResetTries bounds the wait for a software reset.
	ResetTries = 1000

	// MaxInterruptWork bounds the passes of one interrupt.
	MaxInterruptWork = 20

	minFrame = 60
	maxFrame = 1518

	// early transmit threshold, in 32 byte units starting at bit 16
	txFlag = (256 << 11) & 0x003f0000

	rxConfig = RxCfgFIFONone | RxCfgDMAUnlimited | AcceptBroadcast | AcceptMulticast | AcceptMyPhys
	txConfig = TxIFG96 | 4<<TxDMAShift | 8<<TxRetryShift
)

// DMA hands out memory the chip can reach at the returned bus address.
type DMA interface {
	Alloc(size int) ([]byte, uint32, error)
}

type Options struct {
	DMA DMA

	// Config is used to clear the PCI status register after a bus error.
	Config *pci.Config

	// Receive gets every good frame without its CRC. It runs inside the
	// interrupt handler.
	Receive func(frame []byte)

	Promiscuous bool

	Log logr.Logger
}

// State is the interrupt handler state.
type State int

const (
	Idle State = iota
	InHandler
)

type Stats struct {
	RxPackets   uint64
	RxBytes     uint64
	RxErrors    uint64
	RxMissed    uint64
	RxOverflows uint64
	TxPackets   uint64
	TxBytes     uint64
	TxErrors    uint64
	PCIErrors   uint64
	// Reentries counts interrupts refused because the handler was
	// already running.
	Reentries uint64
}

// NIC is one attached controller.
type NIC struct {
	mu sync.Mutex

	o    Options
	dev  *pci.Device
	regs *driver.Regs
	irq  uint8
	mac  net.HardwareAddr
	chip string

	// state is checked and set without synchronisation. Interrupts are
	// delivered one at a time; the flag only catches a nested call.
	state State
	open  bool

	rxRing []byte
	rxPhys uint32
	rxCur  uint16

	txBuf   [NumTxDesc][]byte
	txPhys  [NumTxDesc]uint32
	txCur   uint
	txDirty uint

	stats Stats
}

// Table returns the driver table of the family. Every NIC it attaches is
// configured with o.
func Table(o Options) *driver.Table {
	flags := driver.UsesIO | driver.UsesMaster | driver.Addr(0)
	id := func(name string, vd, sub, subMask uint32) driver.ID {
		return driver.ID{
			Name:   name,
			Match:  driver.Match{PCI: vd, PCIMask: 0xffffffff, Subsystem: sub, SubsystemMask: subMask},
			Flags:  flags,
			IOSize: IOSize,
		}
	}

	return &driver.Table{
		Name:  "realtek",
		Flags: driver.Hotswap,
		Class: pci.ClassNetworkEthernet << 8,
		IDs: []driver.ID{
			id("RealTek RTL8129 Fast Ethernet", 0x812910ec, 0, 0),
			id("RealTek RTL8139 Fast Ethernet", 0x813910ec, 0, 0),
			id("RealTek RTL8139B PCI/CardBus", 0x813810ec, 0, 0),
			id("SMC1211TX EZCard 10/100 (RealTek RTL8139)", 0x12111113, 0, 0),
			id("D-Link DFE-530TX+ (RealTek RTL8139C)", 0x13001186, 0x13011186, 0xffffffff),
			id("D-Link DFE-538TX (RealTek RTL8139)", 0x13001186, 0, 0),
			id("LevelOne FPC-0106Tx (RealTek RTL8139)", 0x0106018a, 0, 0),
			id("Compaq HNE-300 (RealTek RTL8139c)", 0x8139021b, 0, 0),
			id("Edimax EP-4103DL CardBus (RealTek RTL8139)", 0xab0613d1, 0, 0),
			id("Siemens 1012v2 CardBus (RealTek RTL8139)", 0x101202ac, 0, 0),
		},
		Probe: func(p *driver.Probe) (driver.Instance, error) {
			n, err := Probe(p, o)
			if err != nil {
				return nil, err
			}

			return n, nil
		},
		PowerEvent: func(inst driver.Instance, e driver.Event) error {
			n, ok := inst.(*NIC)
			if !ok {
				return fmt.Errorf("%T is not an rtl8139 instance", inst)
			}

			return n.PowerEvent(e)
		},
	}
}

// Probe resets the chip behind p and reads its station address.
func Probe(p *driver.Probe, o Options) (*NIC, error) {
	n := &NIC{o: o, dev: p.Device, regs: p.Regs, irq: p.IRQ}

	if err := n.reset(); err != nil {
		return nil, err
	}

	n.mac = make(net.HardwareAddr, 6)
	for i := range n.mac {
		b, err := n.regs.Read8(MAC0 + uint64(i))
		if err != nil {
			return nil, err
		}

		n.mac[i] = b
	}

	tc, err := n.regs.Read32(TxConfig)
	if err != nil {
		return nil, err
	}

	n.chip = ChipName(tc)

	o.Log.Info("found", "chip", n.chip, "regs", n.regs.String(), "irq", n.irq, "mac", n.mac.String())

	return n, nil
}

func (n *NIC) MAC() net.HardwareAddr {
	return append(net.HardwareAddr{}, n.mac...)
}

func (n *NIC) Chip() string {
	return n.chip
}

func (n *NIC) IRQ() uint8 {
	return n.irq
}

func (n *NIC) Device() *pci.Device {
	return n.dev
}

func (n *NIC) State() State {
	return n.state
}

func (n *NIC) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.stats
}

func (n *NIC) String() string {
	return fmt.Sprintf("%s %s %s", n.dev, n.chip, n.mac)
}

// reset issues a software reset and waits for the chip to clear the bit.
func (n *NIC) reset() error {
	if err := n.regs.Write8(ChipCmd, CmdReset); err != nil {
		return err
	}

	err := portio.Poll(ResetTries, func() (bool, error) {
		cmd, err := n.regs.Read8(ChipCmd)

		return cmd&CmdReset == 0, err
	})
	if err != nil {
		return fmt.Errorf("%s reset: %w", n.regs, err)
	}

	return nil
}

// Open allocates the rings and starts the chip.
func (n *NIC) Open() error {
	if n.o.DMA == nil {
		return ErrNoDMA
	}

	n.mu.Lock()
	if n.open {
		n.mu.Unlock()

		return nil
	}

	if n.rxRing == nil {
		ring, phys, err := n.o.DMA.Alloc(RxRingLen + RxRingPad)
		if err != nil {
			n.mu.Unlock()

			return fmt.Errorf("rx ring: %w", err)
		}

		n.rxRing, n.rxPhys = ring, phys

		bufs, phys, err := n.o.DMA.Alloc(NumTxDesc * TxBufSize)
		if err != nil {
			n.mu.Unlock()

			return fmt.Errorf("tx buffers: %w", err)
		}

		for i := range n.txBuf {
			n.txBuf[i] = bufs[i*TxBufSize : (i+1)*TxBufSize]
			n.txPhys[i] = phys + uint32(i*TxBufSize)
		}
	}

	n.rxCur = 0
	n.txCur, n.txDirty = 0, 0
	n.mu.Unlock()

	if err := n.start(); err != nil {
		return err
	}

	n.mu.Lock()
	n.open = true
	n.mu.Unlock()

	n.o.Log.V(1).Info("opened", "nic", n.String(), "rxRing", fmt.Sprintf("0x%08x", n.rxPhys))

	return nil
}

// start programs a freshly reset chip. Interrupts are unmasked last.
func (n *NIC) start() error {
	if err := n.reset(); err != nil {
		return err
	}

	rc := uint32(rxConfig)
	if n.o.Promiscuous {
		rc |= AcceptAllPhys
	}

	steps := []func() error{
		func() error { return n.regs.Write32(RxBuf, n.rxPhys) },
		func() error {
			for i := range n.txPhys {
				if err := n.regs.Write32(TxAddr0+4*uint64(i), n.txPhys[i]); err != nil {
					return err
				}
			}

			return nil
		},
		func() error { return n.regs.Write8(ChipCmd, CmdRxEnb|CmdTxEnb) },
		func() error { return n.regs.Write32(RxConfig, rc) },
		func() error { return n.regs.Write32(TxConfig, txConfig) },
		func() error { return n.regs.Write32(MAR0, 0xffffffff) },
		func() error { return n.regs.Write32(MAR0+4, 0xffffffff) },
		func() error { return n.regs.Write32(RxMissed, 0) },
		func() error { return n.regs.Write16(IntrMask, intrDefault) },
	}

	for _, s := range steps {
		if err := s(); err != nil {
			return fmt.Errorf("%s start: %w", n.regs, err)
		}
	}

	return nil
}

// stop masks interrupts, halts both engines and folds the missed frame
// counter into the stats.
func (n *NIC) stop() error {
	if err := n.regs.Write16(IntrMask, 0); err != nil {
		return err
	}

	if err := n.regs.Write8(ChipCmd, 0); err != nil {
		return err
	}

	missed, err := n.regs.Read32(RxMissed)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.stats.RxMissed += uint64(missed & 0xffffff)
	n.mu.Unlock()

	return n.regs.Write32(RxMissed, 0)
}

// Close stops the chip. The rings are kept for the next Open.
func (n *NIC) Close() error {
	n.mu.Lock()
	if !n.open {
		n.mu.Unlock()

		return nil
	}

	n.open = false
	n.mu.Unlock()

	n.o.Log.V(1).Info("closing", "nic", n.String())

	return n.stop()
}

// Transmit queues one frame. Short frames are padded to the minimum
// ethernet size. Transmit must not be called from two goroutines at once;
// calling it from the Receive callback is fine.
func (n *NIC) Transmit(frame []byte) error {
	if len(frame) > maxFrame || len(frame) > TxBufSize {
		return fmt.Errorf("%d bytes: %w", len(frame), ErrFrameSize)
	}

	n.mu.Lock()
	if !n.open {
		n.mu.Unlock()

		return ErrNotOpen
	}

	if n.txCur-n.txDirty >= NumTxDesc {
		n.mu.Unlock()

		return ErrTxBusy
	}

	entry := n.txCur % NumTxDesc
	size := copy(n.txBuf[entry], frame)

	for ; size < minFrame; size++ {
		n.txBuf[entry][size] = 0
	}

	n.txCur++
	n.mu.Unlock()

	// The status write hands the descriptor to the chip; a completion
	// interrupt may run before it returns.
	return n.regs.Write32(TxStatus0+4*uint64(entry), txFlag|uint32(size))
}

// Interrupt services the chip. It is called once per asserted interrupt
// and refuses to run nested inside itself.
func (n *NIC) Interrupt() {
	if n.state == InHandler {
		n.o.Log.Info("re-entering the interrupt handler", "nic", n.String())

		n.mu.Lock()
		n.stats.Reentries++
		n.mu.Unlock()

		return
	}

	n.state = InHandler
	defer func() { n.state = Idle }()

	for work := MaxInterruptWork; ; work-- {
		status, err := n.regs.Read16(IntrStatus)
		if err != nil {
			n.o.Log.Error(err, "reading interrupt status", "nic", n.String())

			return
		}

		// 0xffff means the card is gone
		if status&intrDefault == 0 || status == 0xffff {
			return
		}

		n.o.Log.V(3).Info("interrupt", "nic", n.String(), "status", fmt.Sprintf("%04x", status))

		if err := n.regs.Write16(IntrStatus, status); err != nil {
			n.o.Log.Error(err, "acknowledging interrupt", "nic", n.String())

			return
		}

		if status&intrError != 0 {
			n.recover(status)
		}

		if status&(RxOK|RxOverflow|RxFIFOOver|RxUnderrun) != 0 {
			n.rx()
		}

		if status&(TxOK|TxErr) != 0 {
			n.txDone()
		}

		if work <= 1 {
			n.o.Log.Info("too much work at interrupt", "nic", n.String(), "status", fmt.Sprintf("%04x", status))

			if err := n.regs.Write16(IntrStatus, 0xffff); err != nil {
				n.o.Log.Error(err, "clearing interrupt status", "nic", n.String())
			}

			return
		}
	}
}

// recover handles the abnormal interrupt sources.
func (n *NIC) recover(status uint16) {
	missed, err := n.regs.Read32(RxMissed)
	if err == nil {
		err = n.regs.Write32(RxMissed, 0)
	}

	if err != nil {
		n.o.Log.Error(err, "reading missed frame counter", "nic", n.String())
	}

	n.mu.Lock()
	n.stats.RxMissed += uint64(missed & 0xffffff)

	if status&RxErr != 0 {
		n.stats.RxErrors++
	}

	if status&(RxOverflow|RxFIFOOver) != 0 {
		n.stats.RxOverflows++
	}

	if status&PCIErr != 0 {
		n.stats.PCIErrors++
	}
	n.mu.Unlock()

	if status&(RxOverflow|RxFIFOOver) != 0 {
		n.o.Log.V(1).Info("receive overflow, dropping ring contents", "nic", n.String())
		n.resyncRx()
	}

	if status&PCIErr != 0 && n.o.Config != nil {
		d := n.dev

		st, err := n.o.Config.Read16(d.BusNumber, d.Devfn, pci.StatusReg)
		if err == nil {
			err = n.o.Config.Write16(d.BusNumber, d.Devfn, pci.StatusReg, st)
		}

		if err != nil {
			n.o.Log.Error(err, "clearing PCI status", "nic", n.String())
		} else {
			n.o.Log.Info("PCI bus error", "nic", n.String(), "status", fmt.Sprintf("%04x", st))
		}
	}
}

// resyncRx discards the ring by moving the read pointer to the chip's
// write pointer.
func (n *NIC) resyncRx() {
	cbr, err := n.regs.Read16(RxBufAddr)
	if err != nil {
		n.o.Log.Error(err, "reading rx write pointer", "nic", n.String())

		return
	}

	n.mu.Lock()
	n.rxCur = cbr % RxRingLen
	cur := n.rxCur
	n.mu.Unlock()

	if err := n.regs.Write16(RxBufPtr, cur-16); err != nil {
		n.o.Log.Error(err, "writing rx read pointer", "nic", n.String())
	}
}

// ring copies len(dst) bytes out of the receive ring starting at off,
// wrapping at the ring end.
func (n *NIC) ring(off int, dst []byte) {
	for i := range dst {
		dst[i] = n.rxRing[(off+i)%RxRingLen]
	}
}

func (n *NIC) rx() {
	for budget := MaxInterruptWork; budget > 0; budget-- {
		cmd, err := n.regs.Read8(ChipCmd)
		if err != nil {
			n.o.Log.Error(err, "reading command register", "nic", n.String())

			return
		}

		if cmd&RxBufEmpty != 0 {
			return
		}

		n.mu.Lock()
		off := int(n.rxCur % RxRingLen)
		hdr := make([]byte, 4)
		n.ring(off, hdr)
		n.mu.Unlock()

		status := binary.LittleEndian.Uint16(hdr)
		size := int(binary.LittleEndian.Uint16(hdr[2:]))

		if status&RxStatusOK == 0 || status&(RxBadSymbol|RxRunt|RxTooLong|RxCRCErr|RxBadAlign) != 0 ||
			size < 18 || size > maxFrame+4 {
			n.o.Log.Info("bad receive header", "nic", n.String(),
				"status", fmt.Sprintf("%04x", status), "size", size)

			n.mu.Lock()
			n.stats.RxErrors++
			n.mu.Unlock()

			n.resyncRx()

			return
		}

		frame := make([]byte, size-4)

		n.mu.Lock()
		n.ring(off+4, frame)
		n.rxCur = uint16(((off + 4 + size + 3) &^ 3) % RxRingLen)
		cur := n.rxCur
		n.stats.RxPackets++
		n.stats.RxBytes += uint64(len(frame))
		n.mu.Unlock()

		if err := n.regs.Write16(RxBufPtr, cur-16); err != nil {
			n.o.Log.Error(err, "writing rx read pointer", "nic", n.String())

			return
		}

		if n.o.Receive != nil {
			n.o.Receive(frame)
		}
	}
}

// txDone reclaims the descriptors the chip has finished with.
func (n *NIC) txDone() {
	for {
		n.mu.Lock()
		if n.txDirty == n.txCur {
			n.mu.Unlock()

			return
		}

		entry := n.txDirty % NumTxDesc
		n.mu.Unlock()

		tsd, err := n.regs.Read32(TxStatus0 + 4*uint64(entry))
		if err != nil {
			n.o.Log.Error(err, "reading transmit status", "nic", n.String())

			return
		}

		if tsd&(TxStatOK|TxUnderrun|TxAborted) == 0 {
			return
		}

		n.mu.Lock()

		if tsd&(TxOutOfWindow|TxAborted) != 0 {
			n.stats.TxErrors++
		} else {
			n.stats.TxPackets++
			n.stats.TxBytes += uint64(tsd & TxSizeMask)
		}

		n.txDirty++
		n.mu.Unlock()

		if tsd&TxAborted != 0 {
			n.o.Log.Info("transmit aborted", "nic", n.String(), "status", fmt.Sprintf("%08x", tsd))

			// clear the abort and retransmit the rest
			if err := n.regs.Write32(TxConfig, txConfig|1); err != nil {
				n.o.Log.Error(err, "restarting transmitter", "nic", n.String())
			}
		}
	}
}

// PowerEvent handles the life cycle events the driver manager delivers.
func (n *NIC) PowerEvent(e driver.Event) error {
	n.o.Log.V(1).Info("power event", "nic", n.String(), "event", e.String())

	n.mu.Lock()
	open := n.open
	n.mu.Unlock()

	switch e {
	case driver.SuspendEvent, driver.PowerDownEvent:
		if open {
			return n.stop()
		}
	case driver.ResumeEvent, driver.PowerUpEvent:
		if open {
			n.mu.Lock()
			n.rxCur = 0
			n.txCur, n.txDirty = 0, 0
			n.mu.Unlock()

			return n.start()
		}
	case driver.DetachEvent:
		return n.Close()
	}

	return nil
}

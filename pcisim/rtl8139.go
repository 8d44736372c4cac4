package pcisim

import (
	"encoding/binary"
	"hash/crc32"
	"net"
	"sync"

	"github.com/bobuhiro11/gopci/nic/rtl8139"
	"github.com/bobuhiro11/gopci/portio"
)

// RTL8139 models the register file of a RealTek 8139C at an I/O base. It
// transmits by reading descriptor buffers out of Memory and receives by
// writing into the ring programmed in RxBuf.
type RTL8139 struct {
	mu sync.Mutex

	base uint64
	mem  *Memory
	regs [rtl8139.IOSize]byte

	// reads of ChipCmd left before a reset completes, -1 when stuck
	resetReads int

	// ResetDelay is how many ChipCmd reads a reset takes to finish. A
	// negative value never finishes.
	ResetDelay int

	// HoldTx leaves queued descriptors owned by the chip until CompleteTx.
	HoldTx bool

	// Tx receives every transmitted frame.
	Tx func(frame []byte)

	// IRQ is called when the interrupt line goes from deasserted to
	// asserted, that is when the first unmasked status bit becomes pending.
	// It is not called again until every unmasked bit has been cleared.
	IRQ func()

	// line is the state of the interrupt line, IntrStatus&IntrMask != 0
	line bool

	pending []int
	missed  int
}

func NewRTL8139(base uint64, mac net.HardwareAddr, mem *Memory) *RTL8139 {
	r := &RTL8139{base: base, mem: mem, ResetDelay: 3}
	copy(r.regs[rtl8139.MAC0:rtl8139.MAC0+6], mac)
	r.reset()

	return r
}

func (r *RTL8139) IOPort() uint64 {
	return r.base
}

func (r *RTL8139) Size() uint64 {
	return rtl8139.IOSize
}

func (r *RTL8139) u16(off int) uint16 {
	return binary.LittleEndian.Uint16(r.regs[off:])
}

func (r *RTL8139) put16(off int, v uint16) {
	binary.LittleEndian.PutUint16(r.regs[off:], v)
}

func (r *RTL8139) u32(off int) uint32 {
	return binary.LittleEndian.Uint32(r.regs[off:])
}

func (r *RTL8139) put32(off int, v uint32) {
	binary.LittleEndian.PutUint32(r.regs[off:], v)
}

// reset keeps the station address and returns everything else to its
// power-on value.
func (r *RTL8139) reset() {
	var mac [6]byte
	copy(mac[:], r.regs[rtl8139.MAC0:])

	r.regs = [rtl8139.IOSize]byte{}
	copy(r.regs[rtl8139.MAC0:], mac[:])

	for i := 0; i < rtl8139.NumTxDesc; i++ {
		r.put32(rtl8139.TxStatus0+4*i, rtl8139.TxHostOwns)
	}

	r.regs[rtl8139.ChipCmd] = rtl8139.RxBufEmpty
	r.put16(rtl8139.RxBufPtr, 0xfff0)
	r.put32(rtl8139.TxConfig, 0x74000000)
	r.pending = nil
	r.line = false
}

func (r *RTL8139) Read(port uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	port -= r.base

	if port == rtl8139.ChipCmd && r.resetReads != 0 {
		if r.resetReads > 0 {
			r.resetReads--
		}

		if r.resetReads == 0 {
			r.reset()
		} else {
			r.regs[rtl8139.ChipCmd] |= rtl8139.CmdReset
		}
	}

	copy(data, r.regs[port:])

	return nil
}

func (r *RTL8139) Write(port uint64, data []byte) error {
	irq, frames := r.write(port-r.base, data)

	for _, f := range frames {
		if r.Tx != nil {
			r.Tx(f)
		}
	}

	if irq && r.IRQ != nil {
		r.IRQ()
	}

	return nil
}

func (r *RTL8139) write(port uint64, data []byte) (bool, [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := uint32(portio.BytesToNum(data))
	frames := [][]byte{}

	switch {
	case port >= rtl8139.TxStatus0 && port < rtl8139.TxAddr0:
		n := int(port-rtl8139.TxStatus0) / 4
		r.put32(rtl8139.TxStatus0+4*n, v&^uint32(rtl8139.TxHostOwns|rtl8139.TxStatOK))
		r.pending = append(r.pending, n)

		if !r.HoldTx {
			frames = r.completeTx()
		}
	case port == rtl8139.ChipCmd:
		if v&rtl8139.CmdReset != 0 {
			r.resetReads = r.ResetDelay
			if r.ResetDelay == 0 {
				r.reset()
			} else {
				r.regs[rtl8139.ChipCmd] |= rtl8139.CmdReset
			}

			break
		}

		cmd := r.regs[rtl8139.ChipCmd] & rtl8139.RxBufEmpty
		r.regs[rtl8139.ChipCmd] = cmd | uint8(v)&(rtl8139.CmdRxEnb|rtl8139.CmdTxEnb)

		if !r.HoldTx {
			frames = r.completeTx()
		}
	case port == rtl8139.RxBufPtr:
		r.put16(rtl8139.RxBufPtr, uint16(v))
		r.updateBufEmpty()
	case port == rtl8139.IntrStatus:
		r.put16(rtl8139.IntrStatus, r.u16(rtl8139.IntrStatus)&^uint16(v))
	case port == rtl8139.TxConfig:
		rev := r.u32(rtl8139.TxConfig) & rtl8139.TxHWRevIDMask
		r.put32(rtl8139.TxConfig, rev|v&^rtl8139.TxHWRevIDMask)
	case port == rtl8139.RxMissed:
		r.put32(rtl8139.RxMissed, 0)
	default:
		copy(r.regs[port:], data)
	}

	return r.edge(), frames
}

// edge recomputes the interrupt line and reports whether it was just
// asserted.
func (r *RTL8139) edge() bool {
	was := r.line
	r.line = r.u16(rtl8139.IntrStatus)&r.u16(rtl8139.IntrMask) != 0

	return r.line && !was
}

func (r *RTL8139) raise(bits uint16) {
	r.put16(rtl8139.IntrStatus, r.u16(rtl8139.IntrStatus)|bits)
}

// CompleteTx finishes every descriptor queued while HoldTx was set.
func (r *RTL8139) CompleteTx() {
	r.mu.Lock()
	frames := r.completeTx()
	irq := r.edge()
	r.mu.Unlock()

	for _, f := range frames {
		if r.Tx != nil {
			r.Tx(f)
		}
	}

	if irq && r.IRQ != nil {
		r.IRQ()
	}
}

func (r *RTL8139) completeTx() [][]byte {
	frames := [][]byte{}

	if r.regs[rtl8139.ChipCmd]&rtl8139.CmdTxEnb == 0 {
		return frames
	}

	for _, n := range r.pending {
		tsd := r.u32(rtl8139.TxStatus0 + 4*n)
		size := int(tsd & rtl8139.TxSizeMask)

		buf, err := r.mem.Slice(r.u32(rtl8139.TxAddr0+4*n), size)
		if err != nil {
			r.put32(rtl8139.TxStatus0+4*n, tsd|rtl8139.TxHostOwns|rtl8139.TxAborted)
			r.raise(rtl8139.TxErr)

			continue
		}

		frames = append(frames, append([]byte{}, buf...))
		r.put32(rtl8139.TxStatus0+4*n, tsd|rtl8139.TxHostOwns|rtl8139.TxStatOK)
		r.raise(rtl8139.TxOK)
	}

	r.pending = nil

	return frames
}

func (r *RTL8139) updateBufEmpty() {
	capr := int(r.u16(rtl8139.RxBufPtr)+16) % rtl8139.RxRingLen
	if capr == int(r.u16(rtl8139.RxBufAddr))%rtl8139.RxRingLen {
		r.regs[rtl8139.ChipCmd] |= rtl8139.RxBufEmpty
	} else {
		r.regs[rtl8139.ChipCmd] &^= rtl8139.RxBufEmpty
	}
}

func (r *RTL8139) accepts(frame []byte) (uint16, bool) {
	rcr := r.u32(rtl8139.RxConfig)
	dst := net.HardwareAddr(frame[:6])
	mac := net.HardwareAddr(r.regs[rtl8139.MAC0 : rtl8139.MAC0+6])

	switch {
	case dst.String() == "ff:ff:ff:ff:ff:ff":
		return rtl8139.RxBroadcast, rcr&rtl8139.AcceptBroadcast != 0
	case dst[0]&1 != 0:
		return rtl8139.RxMulticast, rcr&rtl8139.AcceptMulticast != 0
	case dst.String() == mac.String():
		return rtl8139.RxPhysical, rcr&rtl8139.AcceptMyPhys != 0
	}

	return rtl8139.RxPhysical, rcr&rtl8139.AcceptAllPhys != 0
}

// Receive puts frame on the wire side of the chip. It reports whether the
// frame was written into the receive ring.
func (r *RTL8139) Receive(frame []byte) bool {
	ok, irq := r.receive(frame)

	if irq && r.IRQ != nil {
		r.IRQ()
	}

	return ok
}

func (r *RTL8139) receive(frame []byte) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.regs[rtl8139.ChipCmd]&rtl8139.CmdRxEnb == 0 || len(frame) < 14 {
		return false, false
	}

	status, ok := r.accepts(frame)
	if !ok {
		return false, false
	}

	ring, err := r.mem.Slice(r.u32(rtl8139.RxBuf), rtl8139.RxRingLen)
	if err != nil {
		r.raise(rtl8139.RxErr)

		return false, r.edge()
	}

	size := len(frame) + 4
	need := (4 + size + 3) &^ 3
	cbr := int(r.u16(rtl8139.RxBufAddr)) % rtl8139.RxRingLen
	capr := int(r.u16(rtl8139.RxBufPtr)+16) % rtl8139.RxRingLen

	free := (capr - cbr + rtl8139.RxRingLen) % rtl8139.RxRingLen
	if free == 0 && r.regs[rtl8139.ChipCmd]&rtl8139.RxBufEmpty != 0 {
		free = rtl8139.RxRingLen
	}

	if need >= free {
		r.missed++
		r.put32(rtl8139.RxMissed, uint32(r.missed))
		r.raise(rtl8139.RxOverflow)

		return false, r.edge()
	}

	pkt := make([]byte, 0, need)
	pkt = binary.LittleEndian.AppendUint16(pkt, status|rtl8139.RxStatusOK)
	pkt = binary.LittleEndian.AppendUint16(pkt, uint16(size))
	pkt = append(pkt, frame...)
	pkt = binary.LittleEndian.AppendUint32(pkt, crc32.ChecksumIEEE(frame))

	for i, b := range pkt {
		ring[(cbr+i)%rtl8139.RxRingLen] = b
	}

	r.put16(rtl8139.RxBufAddr, uint16((cbr+need)%rtl8139.RxRingLen))
	r.updateBufEmpty()
	r.raise(rtl8139.RxOK)

	return true, r.edge()
}

// MAC returns the station address in IDR0-5.
func (r *RTL8139) MAC() net.HardwareAddr {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append(net.HardwareAddr{}, r.regs[rtl8139.MAC0:rtl8139.MAC0+6]...)
}

// Register returns w bytes of the register file at off.
func (r *RTL8139) Register(off int, w int) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return uint32(portio.BytesToNum(r.regs[off : off+w]))
}

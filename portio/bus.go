package portio

import (
	"fmt"
	"sync"
)

// Bus manages port I/O access to registered devices. Reads of ports nobody
// claims float high (all ones) and writes to them are dropped, like an ISA
// bus with no responder.
type Bus struct {
	mu      sync.Mutex
	devices []Device

	// Trace, when set, observes every access after it has been routed.
	Trace func(out bool, port uint16, data []byte)

	accesses int
}

func NewBus() *Bus {
	return &Bus{}
}

// Register attaches d to the ports [d.IOPort(), d.IOPort()+d.Size()).
func (b *Bus) Register(d Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.devices {
		if d.IOPort() < e.IOPort()+e.Size() && e.IOPort() < d.IOPort()+d.Size() {
			return fmt.Errorf("0x%x-0x%x: %w", d.IOPort(), d.IOPort()+d.Size()-1, ErrPortOccupied)
		}
	}

	b.devices = append(b.devices, d)

	return nil
}

// Unregister detaches d. Detaching a device that is not attached is a no-op.
func (b *Bus) Unregister(d Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.devices {
		if e == d {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)

			return
		}
	}
}

func (b *Bus) lookup(port uint16, n int) Device {
	p := uint64(port)

	for _, d := range b.devices {
		if p >= d.IOPort() && p+uint64(n) <= d.IOPort()+d.Size() {
			return d
		}
	}

	return nil
}

func (b *Bus) In(port uint16, data []byte) error {
	if err := checkLen(data); err != nil {
		return err
	}

	b.mu.Lock()
	b.accesses++
	d := b.lookup(port, len(data))
	b.mu.Unlock()

	if d == nil {
		for i := range data {
			data[i] = 0xff
		}
	} else if err := d.Read(uint64(port), data); err != nil {
		return err
	}

	if b.Trace != nil {
		b.Trace(false, port, data)
	}

	return nil
}

func (b *Bus) Out(port uint16, data []byte) error {
	if err := checkLen(data); err != nil {
		return err
	}

	b.mu.Lock()
	b.accesses++
	d := b.lookup(port, len(data))
	b.mu.Unlock()

	if b.Trace != nil {
		b.Trace(true, port, data)
	}

	if d == nil {
		return nil
	}

	return d.Write(uint64(port), data)
}

// Accesses returns the number of port accesses issued on the bus so far.
func (b *Bus) Accesses() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.accesses
}

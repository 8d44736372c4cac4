package pcisim

import (
	"errors"
	"fmt"
	"sync"
)

var ErrBadAddress = errors.New("physical address not backed by memory")

type block struct {
	phys uint32
	data []byte
}

// Memory hands out buffers with made-up physical addresses that simulated
// bus masters can reach by address, standing in for DMA-able host memory.
type Memory struct {
	mu     sync.Mutex
	next   uint32
	blocks []block
}

func NewMemory(base uint32) *Memory {
	return &Memory{next: base}
}

// Alloc returns a zeroed buffer of size bytes and its physical address,
// aligned to 16 bytes.
func (m *Memory) Alloc(size int) ([]byte, uint32, error) {
	if size <= 0 {
		return nil, 0, fmt.Errorf("alloc %d bytes: %w", size, ErrBadAddress)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	phys := m.next
	m.next = (phys + uint32(size) + 0xf) &^ 0xf
	data := make([]byte, size)
	m.blocks = append(m.blocks, block{phys: phys, data: data})

	return data, phys, nil
}

// Slice returns the n bytes at phys. They alias the allocated buffer.
func (m *Memory) Slice(phys uint32, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.blocks {
		if phys >= b.phys && uint64(phys)+uint64(n) <= uint64(b.phys)+uint64(len(b.data)) {
			off := phys - b.phys

			return b.data[off : off+uint32(n)], nil
		}
	}

	return nil, fmt.Errorf("0x%08x+%d: %w", phys, n, ErrBadAddress)
}

package driver

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// DevMem maps memory BARs through /dev/mem.
type DevMem struct {
	mu   sync.Mutex
	f    *os.File
	maps map[*byte][]byte
}

func OpenDevMem(path string) (*DevMem, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf(`%s: %w`, path, err)
	}

	return &DevMem{f: f, maps: map[*byte][]byte{}}, nil
}

// Map maps size bytes at the physical address base. base need not be page
// aligned; the returned slice starts at base.
func (d *DevMem) Map(base, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("mmap 0x%x: %w", base, unix.EINVAL)
	}

	page := uint64(os.Getpagesize())
	off := base & (page - 1)

	mem, err := unix.Mmap(int(d.f.Fd()), int64(base-off), int(size+off),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap 0x%x: %w", base, err)
	}

	res := mem[off : off+size]

	d.mu.Lock()
	d.maps[&res[0]] = mem
	d.mu.Unlock()

	return res, nil
}

// Unmap releases a slice returned by Map.
func (d *DevMem) Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}

	d.mu.Lock()
	full, ok := d.maps[&mem[0]]
	delete(d.maps, &mem[0])
	d.mu.Unlock()

	if !ok {
		return nil
	}

	return unix.Munmap(full)
}

func (d *DevMem) Close() error {
	return d.f.Close()
}

package bios32

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MapWindow maps the BIOS area 0xE0000-0xFFFFF from a /dev/mem style
// device read only. The returned function unmaps it.
func MapWindow(path string) (*Window, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	const size = 0x100000 - WindowStart

	data, err := unix.Mmap(int(f.Fd()), WindowStart, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return &Window{Base: WindowStart, Data: data}, func() error { return unix.Munmap(data) }, nil
}

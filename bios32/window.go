package bios32

import (
	"fmt"
	"io"
)

// Window is a copy or mapping of physical memory starting at Base.
type Window struct {
	Base int64
	Data []byte
}

// ReadAt reads at the physical address off.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if off < w.Base || off >= w.Base+int64(len(w.Data)) {
		return 0, fmt.Errorf("0x%x outside 0x%x-0x%x: %w", off, w.Base, w.Base+int64(len(w.Data)), io.EOF)
	}

	n := copy(p, w.Data[off-w.Base:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

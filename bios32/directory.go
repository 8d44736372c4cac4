// Package bios32 finds the BIOS32 service directory in the BIOS area and
// uses the PCI BIOS behind it as a configuration space backend.
//
// refs
// http://www.o3one.org/hwdocs/bios_doc/bios32.pdf
// https://github.com/torvalds/linux/blob/v2.2.26/arch/i386/kernel/bios32.c
package bios32

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrNoDirectory     = errors.New("no BIOS32 service directory")
	ErrHighEntry       = errors.New("BIOS32 entry point above 1MB")
	ErrServiceNotFound = errors.New("BIOS32 service not present")
	ErrNotPresent      = errors.New("PCI BIOS not present")
	ErrNoCaller        = errors.New("no BIOS call gate")
)

const (
	// WindowStart and WindowEnd bound the area searched for the
	// directory. It sits on a 16-byte boundary.
	WindowStart = 0xe0000
	WindowEnd   = 0xffff0

	// Signature is "_32_".
	Signature = ('_' << 24) | ('2' << 16) | ('3' << 8) | '_'

	paragraph = 16
)

// Directory is the BIOS32 service directory header.
type Directory struct {
	Signature uint32
	Entry     uint32
	Revision  uint8
	// Length in 16-byte paragraphs.
	Length   uint8
	CheckSum uint8
	_        [5]uint8
}

// NewDirectory returns a valid one-paragraph directory for entry.
func NewDirectory(entry uint32) (*Directory, error) {
	d := &Directory{
		Signature: Signature,
		Entry:     entry,
		Length:    1,
	}

	var err error

	d.CheckSum, err = d.CalcCheckSum()
	if err != nil {
		return d, err
	}

	d.CheckSum ^= uint8(0xff)
	d.CheckSum++

	return d, nil
}

func (d *Directory) CalcCheckSum() (uint8, error) {
	bytes, err := d.Bytes()
	if err != nil {
		return 0, err
	}

	return sum(bytes), nil
}

func (d *Directory) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, d); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

func sum(b []byte) uint8 {
	tmp := uint32(0)
	for _, x := range b {
		tmp += uint32(x)
	}

	return uint8(tmp & 0xff)
}

// FindDirectory scans mem, addressed physically, on 16-byte boundaries
// from start to end for a valid directory. Candidates with a bad checksum,
// zero length or an unknown revision are skipped.
func FindDirectory(mem io.ReaderAt, start, end int64) (*Directory, int64, error) {
	hdr := make([]byte, paragraph)

	for addr := start &^ (paragraph - 1); addr <= end; addr += paragraph {
		if _, err := mem.ReadAt(hdr, addr); err != nil {
			return nil, 0, fmt.Errorf("read 0x%x: %w", addr, err)
		}

		d := &Directory{}
		if err := binary.Read(bytes.NewReader(hdr), binary.LittleEndian, d); err != nil {
			return nil, 0, err
		}

		if d.Signature != Signature || d.Length == 0 {
			continue
		}

		body := make([]byte, int(d.Length)*paragraph)
		if _, err := mem.ReadAt(body, addr); err != nil {
			continue
		}

		if sum(body) != 0 || d.Revision != 0 {
			continue
		}

		if d.Entry >= 0x100000 {
			return d, addr, fmt.Errorf("entry 0x%x: %w", d.Entry, ErrHighEntry)
		}

		return d, addr, nil
	}

	return nil, 0, ErrNoDirectory
}

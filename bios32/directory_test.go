package bios32_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/gopci/bios32"
)

func TestNewDirectory(t *testing.T) {
	t.Parallel()

	d, err := bios32.NewDirectory(0xfd5b0)
	if err != nil {
		t.Fatal(err)
	}

	checkSum, err := d.CalcCheckSum()
	if err != nil {
		t.Fatal(err)
	}

	if checkSum != 0 {
		t.Fatal("Invalid checkSum")
	}

	bytes, err := d.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(bytes) != 16 {
		t.Fatal("Invalid size")
	}

	if string(bytes[:4]) != "_32_" {
		t.Fatalf("expected: %v, actual: %v", "_32_", string(bytes[:4]))
	}
}

func image(t *testing.T, addr int, d *bios32.Directory) *bios32.Window {
	t.Helper()

	w := &bios32.Window{Base: bios32.WindowStart, Data: make([]byte, 0x20000)}

	b, err := d.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	copy(w.Data[addr-bios32.WindowStart:], b)

	return w
}

func TestFindDirectory(t *testing.T) {
	t.Parallel()

	d, err := bios32.NewDirectory(0xf1234)
	if err != nil {
		t.Fatal(err)
	}

	found, addr, err := bios32.FindDirectory(image(t, 0xf0100, d), bios32.WindowStart, bios32.WindowEnd)
	if err != nil {
		t.Fatal(err)
	}

	if addr != 0xf0100 || found.Entry != 0xf1234 {
		t.Fatalf("expected: %#x %#x, actual: %#x %#x", 0xf0100, 0xf1234, addr, found.Entry)
	}
}

func TestFindDirectorySkipsInvalid(t *testing.T) {
	t.Parallel()

	bad := []func(d *bios32.Directory){
		func(d *bios32.Directory) { d.CheckSum++ },
		func(d *bios32.Directory) { d.Length = 0 },
		func(d *bios32.Directory) { d.Revision = 1; d.CheckSum-- },
	}

	for i, corrupt := range bad {
		d, err := bios32.NewDirectory(0xf1234)
		if err != nil {
			t.Fatal(err)
		}

		corrupt(d)

		if _, _, err := bios32.FindDirectory(image(t, 0xe8000, d), bios32.WindowStart, bios32.WindowEnd); !errors.Is(err, bios32.ErrNoDirectory) {
			t.Fatalf("case %d: expected: %v, actual: %v", i, bios32.ErrNoDirectory, err)
		}
	}
}

func TestFindDirectoryHighEntry(t *testing.T) {
	t.Parallel()

	d, err := bios32.NewDirectory(0xfffe0000)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := bios32.FindDirectory(image(t, 0xe0000, d), bios32.WindowStart, bios32.WindowEnd); !errors.Is(err, bios32.ErrHighEntry) {
		t.Fatalf("expected: %v, actual: %v", bios32.ErrHighEntry, err)
	}
}

func TestWindowReadAt(t *testing.T) {
	t.Parallel()

	w := &bios32.Window{Base: 0x1000, Data: []byte{1, 2, 3, 4}}
	b := make([]byte, 2)

	if _, err := w.ReadAt(b, 0x1002); err != nil || b[0] != 3 || b[1] != 4 {
		t.Fatalf("expected: %v, actual: %v %v", []byte{3, 4}, b, err)
	}

	if _, err := w.ReadAt(b, 0x0fff); err == nil {
		t.Fatal("expected error below the window")
	}

	if _, err := w.ReadAt(b, 0x1003); err == nil {
		t.Fatal("expected short read")
	}
}

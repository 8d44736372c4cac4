package pcisim_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/gopci/pci"
	"github.com/bobuhiro11/gopci/pcisim"
	"github.com/bobuhiro11/gopci/portio"
)

func TestHeaderSize(t *testing.T) {
	t.Parallel()

	b, err := (&pcisim.Header{}).Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != 64 {
		t.Fatalf("expected: %v, actual: %v", 64, len(b))
	}

	b, err = (&pcisim.BridgeHeader{}).Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != 64 {
		t.Fatalf("expected: %v, actual: %v", 64, len(b))
	}
}

func TestHeaderLayout(t *testing.T) {
	t.Parallel()

	f, err := pcisim.NewBridge(&pcisim.BridgeHeader{
		VendorID:       0x8086,
		DeviceID:       0x244e,
		ClassCode:      pcisim.ClassCode(0x060401),
		HeaderType:     pci.HeaderBridge,
		PrimaryBus:     0,
		SecondaryBus:   2,
		SubordinateBus: 4,
		ROMAddress:     0xfe000001,
	}, pcisim.NewSegment())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		off      uint8
		w        pci.Width
		expected uint32
	}{
		{pci.VendorID, pci.Dword, 0x244e8086},
		{pci.ClassRevision, pci.Dword, 0x06040100},
		{pci.HeaderType, pci.Byte, pci.HeaderBridge},
		{pci.PrimaryBus, pci.Dword, 0x00040200},
		{pci.ROMAddress1, pci.Dword, 0xfe000001},
	}

	for _, tt := range tests {
		if actual := f.Config(tt.off, tt.w); actual != tt.expected {
			t.Fatalf("0x%02x: expected: %#x, actual: %#x", tt.off, tt.expected, actual)
		}
	}
}

func TestNewEndpointRejectsBridgeHeader(t *testing.T) {
	t.Parallel()

	_, err := pcisim.NewEndpoint(&pcisim.Header{HeaderType: pci.HeaderBridge})
	if !errors.Is(err, pcisim.ErrBadHeader) {
		t.Fatalf("expected: %v, actual: %v", pcisim.ErrBadHeader, err)
	}
}

func single(t *testing.T, h *pcisim.Header) (*pcisim.Function, *pci.Config) {
	t.Helper()

	f, err := pcisim.NewEndpoint(h)
	if err != nil {
		t.Fatal(err)
	}

	root := pcisim.NewSegment()
	if err := root.Attach(0, f); err != nil {
		t.Fatal(err)
	}

	if err := root.Attach(0, f); !errors.Is(err, pcisim.ErrSlotOccupied) {
		t.Fatalf("expected: %v, actual: %v", pcisim.ErrSlotOccupied, err)
	}

	bus := portio.NewBus()
	if err := pcisim.NewHost(pcisim.Mechanism1, root).Attach(bus); err != nil {
		t.Fatal(err)
	}

	return f, pci.NewConfig(pci.NewConf1(bus), logrDiscard)
}

func TestStatusWriteOneToClear(t *testing.T) {
	t.Parallel()

	f, c := single(t, &pcisim.Header{VendorID: 0x10ec, DeviceID: 0x8139, Status: 0x2290})

	// writing zeros leaves the error bits alone
	if err := c.Write16(0, 0, pci.StatusReg, 0); err != nil {
		t.Fatal(err)
	}

	if v := f.Config(pci.StatusReg, pci.Word); v != 0x2290 {
		t.Fatalf("expected: %#x, actual: %#x", 0x2290, v)
	}

	if err := c.Write16(0, 0, pci.StatusReg, 0xffff); err != nil {
		t.Fatal(err)
	}

	if v := f.Config(pci.StatusReg, pci.Word); v != 0x0290 {
		t.Fatalf("expected: %#x, actual: %#x", 0x0290, v)
	}
}

func TestReadOnlyFields(t *testing.T) {
	t.Parallel()

	f, c := single(t, &pcisim.Header{VendorID: 0x10ec, DeviceID: 0x8139, BaseAddress: [6]uint32{0xd001}})

	for _, off := range []uint8{pci.VendorID, pci.BaseAddress0} {
		if err := c.Write32(0, 0, off, 0x12345678); err != nil {
			t.Fatal(err)
		}
	}

	if v := f.Config(pci.VendorID, pci.Dword); v != 0x813910ec {
		t.Fatalf("expected: %#x, actual: %#x", 0x813910ec, v)
	}

	if v := f.Config(pci.BaseAddress0, pci.Dword); v != 0xd001 {
		t.Fatalf("expected: %#x, actual: %#x", 0xd001, v)
	}

	if err := c.Write8(0, 0, pci.InterruptLine, 9); err != nil {
		t.Fatal(err)
	}

	if v := f.Config(pci.InterruptLine, pci.Byte); v != 9 {
		t.Fatalf("expected: %v, actual: %v", 9, v)
	}

	if f.Writes() != 3 {
		t.Fatalf("expected: %v, actual: %v", 3, f.Writes())
	}
}

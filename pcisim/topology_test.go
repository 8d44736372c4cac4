package pcisim_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/gopci/pci"
	"github.com/bobuhiro11/gopci/pcisim"
)

const topology = `
mechanism: 1
bios: true
devices:
- slot: 0
  vendor: 0x8086
  device: 0x1237
  class: 0x060000
- slot: 7
  multifunction: true
  vendor: 0x8086
  device: 0x7000
  class: 0x060100
- slot: 7
  function: 1
  vendor: 0x8086
  device: 0x7010
  class: 0x010180
- slot: 9
  vendor: 0x10ec
  device: 0x8139
  class: 0x020000
  bars: [0xd001, 0xfebf1000]
  pin: 1
  irq: 11
  nic:
    mac: "52:54:00:12:34:56"
- slot: 10
  vendor: 0x8086
  device: 0x244e
  class: 0x060400
  bridge:
    devices:
    - {slot: 0, vendor: 0x8086, device: 0x1229, class: 0x020000}
`

func TestLoadTopology(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "machine.yaml")
	if err := os.WriteFile(path, []byte(topology), 0o600); err != nil {
		t.Fatal(err)
	}

	tp, err := pcisim.LoadTopology(path)
	if err != nil {
		t.Fatal(err)
	}

	if len(tp.Devices) != 5 || tp.Devices[3].NIC == nil || len(tp.Devices[4].Bridge.Devices) != 1 {
		t.Fatalf("unexpected topology: %+v", tp)
	}

	m, err := tp.Build()
	if err != nil {
		t.Fatal(err)
	}

	if m.Firmware == nil || len(m.NICs) != 1 {
		t.Fatalf("expected firmware and one nic, actual: %v %v", m.Firmware, m.NICs)
	}

	if m.NICs[0].IOPort() != 0xd000 || m.NICs[0].MAC().String() != "52:54:00:12:34:56" {
		t.Fatalf("expected: %v, actual: %#x %v", "0xd000 52:54:00:12:34:56", m.NICs[0].IOPort(), m.NICs[0].MAC())
	}

	f := m.Host.Root().Function(pci.MakeDevfn(7, 0))
	if v := f.Config(pci.HeaderType, pci.Byte); v != pci.HeaderMultiFunction {
		t.Fatalf("expected: %#x, actual: %#x", pci.HeaderMultiFunction, v)
	}

	b := m.Host.Root().Function(pci.MakeDevfn(10, 0))
	if b.Behind() == nil || b.Config(pci.HeaderType, pci.Byte) != pci.HeaderBridge {
		t.Fatal("slot 10 is not a bridge")
	}

	if v := b.Config(pci.ClassRevision, pci.Dword) >> 8; v != 0x060400 {
		t.Fatalf("expected: %#x, actual: %#x", 0x060400, v)
	}
}

func TestBadTopology(t *testing.T) {
	t.Parallel()

	tests := []string{
		"mechanism: 3\n",
		"mechanism: 1\nbogus: true\n",
		"mechanism: 1\ndevices:\n- {slot: 32, vendor: 1}\n",
		"mechanism: 1\ndevices:\n- {slot: 1, vendor: 1, nic: {mac: \"52:54:00:12:34:56\"}}\n",
		"mechanism: 1\ndevices:\n- {slot: 1, vendor: 1, bars: [0xd001], nic: {mac: \"nope\"}}\n",
	}

	for _, tt := range tests {
		tp, err := pcisim.ParseTopology([]byte(tt))
		if err == nil {
			_, err = tp.Build()
		}

		if !errors.Is(err, pcisim.ErrBadTopology) {
			t.Fatalf("%q: expected: %v, actual: %v", tt, pcisim.ErrBadTopology, err)
		}
	}
}

func TestDuplicateSlot(t *testing.T) {
	t.Parallel()

	tp, err := pcisim.ParseTopology([]byte("mechanism: 1\ndevices:\n- {slot: 1, vendor: 1}\n- {slot: 1, vendor: 2}\n"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tp.Build(); !errors.Is(err, pcisim.ErrSlotOccupied) {
		t.Fatalf("expected: %v, actual: %v", pcisim.ErrSlotOccupied, err)
	}
}

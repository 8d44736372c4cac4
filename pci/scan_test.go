package pci_test

import (
	"testing"

	"github.com/bobuhiro11/gopci/pci"
	"github.com/bobuhiro11/gopci/pcisim"
	"github.com/bobuhiro11/gopci/portio"
	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const rtl8139Topology = `
mechanism: 1
devices:
- slot: 0
  vendor: 0x10ec
  device: 0x8139
  class: 0x020000
  bars: [0xd001]
  pin: 1
  irq: 11
`

func TestScanSingleNIC(t *testing.T) {
	t.Parallel()

	_, r, highest := scan(t, rtl8139Topology)

	if highest != 0 {
		t.Fatalf("expected: %v, actual: %v", 0, highest)
	}

	devices := r.Devices()
	if len(devices) != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, len(devices))
	}

	expected := pci.Device{
		Bus:       0,
		BusNumber: 0,
		Devfn:     pci.MakeDevfn(0, 0),
		VendorID:  0x10ec,
		DeviceID:  0x8139,
		Class:     0x020000,
		Master:    true,
		Pin:       1,
		IRQ:       11,
		Resource: [6]pci.Resource{
			{Base: 0xd000, Flags: pci.ResourceIO},
		},
		Child: pci.NoBus,
	}

	if diff := cmp.Diff(expected, *devices[0], cmpopts.IgnoreUnexported(pci.Device{})); diff != "" {
		t.Fatalf("device mismatch (-expected +actual):\n%s", diff)
	}

	d, err := r.FindDevice(0x10ec, 0x8139, nil)
	if err != nil {
		t.Fatal(err)
	}

	if d != devices[0] {
		t.Fatalf("expected: %v, actual: %v", devices[0], d)
	}

	if _, err := r.FindDevice(0x10ec, 0x8139, d); err != pci.ErrDeviceNotFound {
		t.Fatalf("expected: %v, actual: %v", pci.ErrDeviceNotFound, err)
	}
}

func TestScanEmptySlotPatterns(t *testing.T) {
	t.Parallel()

	// vendor/device pairs reading back as 0xffffffff, 0x00000000,
	// 0x0000ffff and 0xffff0000.
	_, r, _ := scan(t, `
mechanism: 1
devices:
- {slot: 1, vendor: 0xffff, device: 0xffff, class: 0x020000}
- {slot: 2, vendor: 0x0000, device: 0x0000, class: 0x020000}
- {slot: 3, vendor: 0xffff, device: 0x0000, class: 0x020000}
- {slot: 4, vendor: 0x0000, device: 0xffff, class: 0x020000}
- {slot: 5, vendor: 0x8086, device: 0x1229, class: 0x020000}
`)

	devices := r.Devices()
	if len(devices) != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, len(devices))
	}

	if devices[0].Devfn.Slot() != 5 {
		t.Fatalf("expected: %v, actual: %v", 5, devices[0].Devfn.Slot())
	}
}

func TestScanMultiFunctionGating(t *testing.T) {
	t.Parallel()

	for _, multi := range []bool{false, true} {
		root := pcisim.NewSegment()

		hdr := uint8(0)
		if multi {
			hdr = pci.HeaderMultiFunction
		}

		f0, err := pcisim.NewEndpoint(&pcisim.Header{
			VendorID:   0x8086,
			DeviceID:   0x7000,
			ClassCode:  pcisim.ClassCode(0x060100),
			HeaderType: hdr,
		})
		if err != nil {
			t.Fatal(err)
		}

		f1, err := pcisim.NewEndpoint(&pcisim.Header{
			VendorID:  0x8086,
			DeviceID:  0x7010,
			ClassCode: pcisim.ClassCode(0x010180),
		})
		if err != nil {
			t.Fatal(err)
		}

		if err := root.Attach(pci.MakeDevfn(1, 0), f0); err != nil {
			t.Fatal(err)
		}

		if err := root.Attach(pci.MakeDevfn(1, 1), f1); err != nil {
			t.Fatal(err)
		}

		bus := portio.NewBus()
		if err := pcisim.NewHost(pcisim.Mechanism1, root).Attach(bus); err != nil {
			t.Fatal(err)
		}

		upper := 0
		bus.Trace = func(out bool, port uint16, data []byte) {
			if !out || port != pci.Conf1AddressPort || len(data) != 4 {
				return
			}

			a := pci.ConfAddress(portio.BytesToNum(data))
			if a.Enabled() && a.Device() == 1 && a.Function() != 0 {
				upper++
			}
		}

		r, _ := pci.NewScanner(pci.NewConfig(pci.NewConf1(bus), testr.New(t)), testr.New(t)).Scan()

		if multi {
			if len(r.Devices()) != 2 {
				t.Fatalf("expected: %v, actual: %v", 2, len(r.Devices()))
			}

			continue
		}

		if len(r.Devices()) != 1 {
			t.Fatalf("expected: %v, actual: %v", 1, len(r.Devices()))
		}

		if upper != 0 {
			t.Fatalf("expected: %v, actual: %v", 0, upper)
		}

		if f1.Reads() != 0 {
			t.Fatalf("expected: %v, actual: %v", 0, f1.Reads())
		}
	}
}

func TestScanMasterProbeRestoresCommand(t *testing.T) {
	t.Parallel()

	m, r, _ := scan(t, `
mechanism: 1
devices:
- {slot: 1, vendor: 0x10ec, device: 0x8139, class: 0x020000, command: 0x0001}
- {slot: 2, vendor: 0x10ec, device: 0x8139, class: 0x020000, command: 0x0003, noMaster: true}
- {slot: 3, vendor: 0x10ec, device: 0x8139, class: 0x020000, command: 0x0005}
`)

	tests := []struct {
		slot    uint8
		command uint32
		master  bool
	}{
		{1, 0x0001, true},
		{2, 0x0003, false},
		{3, 0x0005, true},
	}

	for _, tt := range tests {
		devfn := pci.MakeDevfn(tt.slot, 0)

		d, err := r.Lookup(0, devfn)
		if err != nil {
			t.Fatal(err)
		}

		if d.Master != tt.master {
			t.Fatalf("expected: %v, actual: %v", tt.master, d.Master)
		}

		actual := m.Host.Root().Function(devfn).Config(pci.Command, pci.Word)
		if actual != tt.command {
			t.Fatalf("expected: %v, actual: %v", tt.command, actual)
		}
	}
}

const bridgeTreeTopology = `
mechanism: 1
devices:
- slot: 1
  vendor: 0x8086
  device: 0x244e
  class: 0x060400
  command: 0x0007
  bridge:
    devices:
    - slot: 0
      vendor: 0x104c
      device: 0xac23
      class: 0x060400
      bridge:
        devices:
        - {slot: 0, vendor: 0x10ec, device: 0x8139, class: 0x020000, bars: [0xd001], pin: 1, irq: 10}
    - slot: 1
      vendor: 0x104c
      device: 0xac23
      class: 0x060400
      bridge:
        devices:
        - {slot: 2, vendor: 0x8086, device: 0x1229, class: 0x020000, bars: [0xe001], pin: 1, irq: 11}
`

func TestScanNumbersBridges(t *testing.T) {
	t.Parallel()

	m, r, highest := scan(t, bridgeTreeTopology)

	if highest != 3 {
		t.Fatalf("expected: %v, actual: %v", 3, highest)
	}

	if len(r.Devices()) != 5 {
		t.Fatalf("expected: %v, actual: %v", 5, len(r.Devices()))
	}

	top := r.BusByNumber(1)
	if top == nil {
		t.Fatal("bus 1 not found")
	}

	seen := map[uint8]bool{}

	for _, c := range top.Children {
		child := r.Bus(c)
		if top.Subordinate < child.Secondary {
			t.Fatalf("subordinate %d below child secondary %d", top.Subordinate, child.Secondary)
		}

		if seen[child.Secondary] {
			t.Fatalf("bus %d assigned twice", child.Secondary)
		}

		seen[child.Secondary] = true
	}

	if len(seen) != 2 {
		t.Fatalf("expected: %v, actual: %v", 2, len(seen))
	}

	bridge := m.Host.Root().Function(pci.MakeDevfn(1, 0))

	if v := bridge.Config(pci.PrimaryBus, pci.Dword) & 0x00ffffff; v != 0x030100 {
		t.Fatalf("expected: %#x, actual: %#x", 0x030100, v)
	}

	if v := bridge.Config(pci.Command, pci.Word); v != 0x0007 {
		t.Fatalf("expected: %#x, actual: %#x", 0x0007, v)
	}

	nic, err := r.FindDevice(0x8086, 0x1229, nil)
	if err != nil {
		t.Fatal(err)
	}

	if nic.BusNumber != 3 || nic.Devfn != pci.MakeDevfn(2, 0) {
		t.Fatalf("expected: %v, actual: %v", "03:02.0", nic)
	}
}

func TestScanKeepsConfiguredBridge(t *testing.T) {
	t.Parallel()

	m, r, highest := scan(t, `
mechanism: 1
devices:
- slot: 2
  vendor: 0x8086
  device: 0x244e
  class: 0x060400
  command: 0x0007
  bridge:
    primary: 0
    secondary: 5
    subordinate: 5
    devices:
    - {slot: 4, vendor: 0x10ec, device: 0x8139, class: 0x020000}
`)

	if highest != 5 {
		t.Fatalf("expected: %v, actual: %v", 5, highest)
	}

	if r.BusByNumber(5) == nil {
		t.Fatal("bus 5 not found")
	}

	if _, err := r.Lookup(5, pci.MakeDevfn(4, 0)); err != nil {
		t.Fatal(err)
	}

	bridge := m.Host.Root().Function(pci.MakeDevfn(2, 0))
	if bridge.Writes() != 5 {
		// master probe and restore, command cleared, status acknowledged,
		// command restored; the bus numbers are left alone
		t.Fatalf("expected: %v, actual: %v", 5, bridge.Writes())
	}

	if v := bridge.Config(pci.PrimaryBus, pci.Dword) & 0x00ffffff; v != 0x050500 {
		t.Fatalf("expected: %#x, actual: %#x", 0x050500, v)
	}

	if v := bridge.Config(pci.Command, pci.Word); v != 0x0007 {
		t.Fatalf("expected: %#x, actual: %#x", 0x0007, v)
	}
}

func TestScanSkipsScannedBus(t *testing.T) {
	t.Parallel()

	_, r, highest := scan(t, `
mechanism: 1
devices:
- slot: 1
  vendor: 0x8086
  device: 0x244e
  class: 0x060400
  bridge:
    primary: 0
    secondary: 1
    subordinate: 1
    devices:
    - {slot: 4, vendor: 0x10ec, device: 0x8139, class: 0x020000}
- slot: 2
  vendor: 0x8086
  device: 0x244e
  class: 0x060400
  bridge:
    primary: 0
    secondary: 1
    subordinate: 1
    devices:
    - {slot: 5, vendor: 0x8086, device: 0x1229, class: 0x020000}
`)

	if highest != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, highest)
	}

	if len(r.Buses()) != 2 || len(r.Devices()) != 3 {
		t.Fatalf("expected: %v, actual: %v buses %v devices", "2 buses 3 devices", len(r.Buses()), len(r.Devices()))
	}

	second, err := r.Lookup(0, pci.MakeDevfn(2, 0))
	if err != nil {
		t.Fatal(err)
	}

	if second.Child != pci.NoBus {
		t.Fatalf("expected: %v, actual: %v", pci.NoBus, second.Child)
	}
}

const peerTopology = `
mechanism: 1
devices:
- slot: 0
  vendor: 0x1166
  device: 0x0005
  class: 0x060400
  bridge:
    primary: 0
    secondary: 1
    subordinate: 1
    devices:
    - {slot: 3, vendor: 0x10ec, device: 0x8139, class: 0x020000}
`

func TestScanDefersPeerBus(t *testing.T) {
	t.Parallel()

	_, r, highest := scan(t, peerTopology)

	if highest != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, highest)
	}

	if len(r.Devices()) != 2 {
		t.Fatalf("expected: %v, actual: %v", 2, len(r.Devices()))
	}

	peer := r.BusByNumber(1)
	if peer == nil {
		t.Fatal("bus 1 not found")
	}

	if peer.Self != pci.NoDevice || peer.Parent != pci.NoBus {
		t.Fatalf("expected root bus, actual: self %d parent %d", peer.Self, peer.Parent)
	}

	bridge, err := r.FindDevice(0x1166, 0x0005, nil)
	if err != nil {
		t.Fatal(err)
	}

	if bridge.Child != pci.NoBus {
		t.Fatalf("expected: %v, actual: %v", pci.NoBus, bridge.Child)
	}
}

func TestScanSkipsUnconfiguredPeerBridge(t *testing.T) {
	t.Parallel()

	m, r, highest := scan(t, `
mechanism: 1
devices:
- slot: 0
  vendor: 0x1166
  device: 0x0005
  class: 0x060400
  bridge:
    devices:
    - {slot: 3, vendor: 0x10ec, device: 0x8139, class: 0x020000}
`)

	if highest != 0 {
		t.Fatalf("expected: %v, actual: %v", 0, highest)
	}

	if len(r.Buses()) != 1 || len(r.Devices()) != 1 {
		t.Fatalf("expected: %v, actual: %v buses %v devices", "1 bus 1 device", len(r.Buses()), len(r.Devices()))
	}

	bridge := m.Host.Root().Function(pci.MakeDevfn(0, 0))
	if v := bridge.Config(pci.PrimaryBus, pci.Dword) & 0x00ffffff; v != 0 {
		t.Fatalf("expected: %#x, actual: %#x", 0, v)
	}

	if bridge.Writes() != 2 {
		// the master probe and its restore only
		t.Fatalf("expected: %v, actual: %v", 2, bridge.Writes())
	}
}

func TestScanWithoutPeerTable(t *testing.T) {
	t.Parallel()

	m := machine(t, peerTopology)
	s := pci.NewScanner(conf1(t, m), testr.New(t))
	s.PeerBridges = nil

	r, _ := s.Scan()

	bridge, err := r.FindDevice(0x1166, 0x0005, nil)
	if err != nil {
		t.Fatal(err)
	}

	if bus := r.Bus(bridge.Child); bus == nil || bus.Number != 1 || bus.Self != bridge.Index() {
		t.Fatalf("expected bus 1 behind %v, actual: %v", bridge, bus)
	}
}

func TestScanSkipsInconsistentHeaders(t *testing.T) {
	t.Parallel()

	_, r, _ := scan(t, `
mechanism: 1
devices:
- {slot: 1, vendor: 0x1011, device: 0x0001, class: 0x060400, header: 0}
- {slot: 2, vendor: 0x1011, device: 0x0002, class: 0x020000, header: 3}
- {slot: 3, vendor: 0x104c, device: 0xac12, class: 0x060500, header: 2}
- {slot: 4, vendor: 0x104c, device: 0xac13, class: 0x060700, header: 2}
- {slot: 5, vendor: 0x10ec, device: 0x8139, class: 0x020000}
`)

	actual := []string{}
	for _, d := range r.Devices() {
		actual = append(actual, d.String())
	}

	expected := []string{"00:04.0 104c:ac13", "00:05.0 10ec:8139"}

	if diff := cmp.Diff(expected, actual); diff != "" {
		t.Fatalf("devices mismatch (-expected +actual):\n%s", diff)
	}
}

func TestScanWithoutConfigAccess(t *testing.T) {
	t.Parallel()

	r, highest := pci.NewScanner(pci.NewConfig(nil, testr.New(t)), testr.New(t)).Scan()

	if len(r.Devices()) != 0 || len(r.Buses()) != 0 || highest != 0 {
		t.Fatalf("expected empty registry, actual: %d devices %d buses highest %d",
			len(r.Devices()), len(r.Buses()), highest)
	}
}

func TestScanMechanism2(t *testing.T) {
	t.Parallel()

	m := machine(t, `
mechanism: 2
devices:
- {slot: 3, vendor: 0x10ec, device: 0x8139, class: 0x020000, bars: [0xd001]}
- {slot: 17, vendor: 0x8086, device: 0x1229, class: 0x020000}
`)

	c := pci.Detect(pci.DetectOptions{Ports: m.Ports, Log: testr.New(t)})
	if c.Backend() != "conf2" {
		t.Fatalf("expected: %v, actual: %v", "conf2", c.Backend())
	}

	r := pci.Scan(c, testr.New(t))

	devices := r.Devices()
	if len(devices) != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, len(devices))
	}

	if devices[0].Resource[0].Base != 0xd000 {
		t.Fatalf("expected: %#x, actual: %#x", 0xd000, devices[0].Resource[0].Base)
	}
}

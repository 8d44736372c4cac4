package driver_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/gopci/driver"
	"github.com/bobuhiro11/gopci/pci"
	"github.com/bobuhiro11/gopci/pcisim"
	"github.com/bobuhiro11/gopci/portio"
	"github.com/go-logr/logr/testr"
)

const nicTopology = `
mechanism: 1
devices:
- slot: 3
  vendor: 0x10ec
  device: 0x8139
  class: 0x020000
  command: 0x1
  latency: 16
  bars: [0xe001]
  pin: 1
  irq: 11
- slot: 4
  vendor: 0x10ec
  device: 0x8139
  class: 0x020000
  bars: [0xe101]
  pin: 1
- slot: 5
  vendor: 0x8086
  device: 0x1229
  class: 0x020000
  bars: [0xe201]
  pin: 1
  irq: 10
- slot: 6
  vendor: 0x10ec
  device: 0x8139
  class: 0x030000
  bars: [0xe301]
  pin: 1
  irq: 9
`

type env struct {
	m  *pcisim.Machine
	c  *pci.Config
	r  *pci.Registry
	rs *portio.Regions
}

func setup(t *testing.T, topology string) *env {
	t.Helper()

	tp, err := pcisim.ParseTopology([]byte(topology))
	if err != nil {
		t.Fatal(err)
	}

	m, err := tp.Build()
	if err != nil {
		t.Fatal(err)
	}

	c := pci.NewConfig(pci.NewConf1(m.Ports), testr.New(t))

	return &env{m: m, c: c, r: pci.Scan(c, testr.New(t)), rs: &portio.Regions{}}
}

func (e *env) manager(t *testing.T) *driver.Manager {
	t.Helper()

	return driver.NewManager(driver.Options{
		Config:   e.c,
		Registry: e.r,
		Ports:    e.m.Ports,
		Regions:  e.rs,
		Log:      testr.New(t),
	})
}

type nic struct {
	p      *driver.Probe
	events []driver.Event
	fail   error
}

func realtek(flags driver.Flags) *driver.Table {
	return &driver.Table{
		Name:  "rtl8139-test",
		Class: pci.ClassNetworkEthernet << 8,
		IDs: []driver.ID{
			{
				Name:   "RealTek RTL8129",
				Match:  driver.Match{PCI: 0x812910ec, PCIMask: 0xffffffff},
				Flags:  flags,
				IOSize: 0x80,
			},
			{
				Name:   "RealTek RTL8139",
				Match:  driver.Match{PCI: 0x813910ec, PCIMask: 0xffffffff},
				Flags:  flags,
				IOSize: 0x80,
			},
		},
		Probe: func(p *driver.Probe) (driver.Instance, error) {
			return &nic{p: p}, nil
		},
		PowerEvent: func(inst driver.Instance, e driver.Event) error {
			n, _ := inst.(*nic)
			n.events = append(n.events, e)

			return n.fail
		},
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	e := setup(t, nicTopology)
	mgr := e.manager(t)
	tbl := realtek(driver.UsesIO | driver.UsesMaster)

	found, err := mgr.Register(tbl)
	if err != nil {
		t.Fatal(err)
	}

	if found != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, found)
	}

	attached := mgr.Attached(tbl)
	if len(attached) != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, len(attached))
	}

	a := attached[0]
	if a.Device.Devfn != pci.MakeDevfn(3, 0) {
		t.Fatalf("expected: %v, actual: %v", pci.MakeDevfn(3, 0), a.Device.Devfn)
	}

	if a.Index != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, a.Index)
	}

	if !a.Regs.IsIO() || a.Regs.Base() != 0xe000 || a.Regs.Size() != 0x80 {
		t.Fatalf("expected: %v, actual: %v", "io 0xe000-0xe07f", a.Regs)
	}

	n, _ := a.Instance.(*nic)
	if n.p.IRQ != 11 || n.p.Found != 0 {
		t.Fatalf("expected: %v, actual: %v", "irq 11 found 0", n.p)
	}

	f := e.m.Host.Function(0, pci.MakeDevfn(3, 0))

	cmd := f.Config(pci.Command, pci.Word)
	if cmd != pci.CommandIO|pci.CommandMaster {
		t.Fatalf("expected: %v, actual: %v", pci.CommandIO|pci.CommandMaster, cmd)
	}

	lat := f.Config(pci.LatencyTimer, pci.Byte)
	if lat != driver.DefaultMinLatency {
		t.Fatalf("expected: %v, actual: %v", driver.DefaultMinLatency, lat)
	}

	claimed := e.rs.Claimed()
	if len(claimed) != 1 || claimed[0].Start != 0xe000 || claimed[0].Name != tbl.Name {
		t.Fatalf("expected: %v, actual: %v", "one region at 0xe000", claimed)
	}
}

func TestRegisterTwice(t *testing.T) {
	t.Parallel()

	e := setup(t, nicTopology)
	mgr := e.manager(t)
	tbl := realtek(driver.UsesIO | driver.UsesMaster)

	if _, err := mgr.Register(tbl); err != nil {
		t.Fatal(err)
	}

	found, err := mgr.Register(tbl)
	if !errors.Is(err, driver.ErrBusy) {
		t.Fatalf("expected: %v, actual: %v", driver.ErrBusy, err)
	}

	if found != 0 {
		t.Fatalf("expected: %v, actual: %v", 0, found)
	}

	if n := len(mgr.Attached(nil)); n != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, n)
	}

	if n := len(mgr.Tables()); n != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, n)
	}
}

func TestRegisterKeepsLatency(t *testing.T) {
	t.Parallel()

	for name, flags := range map[string]driver.Flags{
		"no min latency": driver.UsesIO | driver.UsesMaster | driver.NoMinLatency,
		"not a master":   driver.UsesIO,
	} {
		flags := flags

		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e := setup(t, nicTopology)

			if _, err := e.manager(t).Register(realtek(flags)); err != nil {
				t.Fatal(err)
			}

			lat := e.m.Host.Function(0, pci.MakeDevfn(3, 0)).Config(pci.LatencyTimer, pci.Byte)
			if lat != 16 {
				t.Fatalf("expected: %v, actual: %v", 16, lat)
			}
		})
	}
}

func TestRegisterUnusedIRQ(t *testing.T) {
	t.Parallel()

	e := setup(t, nicTopology)
	mgr := e.manager(t)
	tbl := realtek(driver.UsesIO | driver.UnusedIRQ)

	found, err := mgr.Register(tbl)
	if err != nil {
		t.Fatal(err)
	}

	if found != 2 {
		t.Fatalf("expected: %v, actual: %v", 2, found)
	}

	n, _ := mgr.Attached(tbl)[1].Instance.(*nic)
	if n.p.Found != 1 || n.p.IRQ != 0 {
		t.Fatalf("expected: %v, actual: %v", "found 1 irq 0", n.p)
	}
}

func TestRegisterAnyClass(t *testing.T) {
	t.Parallel()

	e := setup(t, nicTopology)
	mgr := e.manager(t)
	tbl := realtek(driver.UsesIO)
	tbl.Class = 0

	found, err := mgr.Register(tbl)
	if err != nil {
		t.Fatal(err)
	}

	// slot 6 claims to be a display controller
	if found != 2 {
		t.Fatalf("expected: %v, actual: %v", 2, found)
	}
}

func TestRegisterNoDevice(t *testing.T) {
	t.Parallel()

	e := setup(t, nicTopology)
	mgr := e.manager(t)

	tbl := realtek(driver.UsesIO)
	tbl.IDs = tbl.IDs[:1]

	if _, err := mgr.Register(tbl); !errors.Is(err, driver.ErrNoDevice) {
		t.Fatalf("expected: %v, actual: %v", driver.ErrNoDevice, err)
	}

	if n := len(mgr.Tables()); n != 0 {
		t.Fatalf("expected: %v, actual: %v", 0, n)
	}

	tbl.Flags = driver.Hotswap

	found, err := mgr.Register(tbl)
	if err != nil || found != 0 {
		t.Fatalf("expected: %v, actual: %v %v", 0, found, err)
	}

	if n := len(mgr.Tables()); n != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, n)
	}
}

func TestRegisterHooks(t *testing.T) {
	t.Parallel()

	e := setup(t, nicTopology)
	hookErr := errors.New("hot-plug layer down")
	calls := []string{}

	mgr := driver.NewManager(driver.Options{
		Config:   e.c,
		Registry: e.r,
		Ports:    e.m.Ports,
		Regions:  e.rs,
		Log:      testr.New(t),
		RegisterHook: func(tbl *driver.Table) error {
			calls = append(calls, "register "+tbl.Name)

			return hookErr
		},
	})

	if _, err := mgr.Register(realtek(driver.UsesIO)); !errors.Is(err, hookErr) {
		t.Fatalf("expected: %v, actual: %v", hookErr, err)
	}

	if len(calls) != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, len(calls))
	}

	if n := len(e.rs.Claimed()); n != 0 {
		t.Fatalf("expected: %v, actual: %v", 0, n)
	}

	if n := len(mgr.Attached(nil)); n != 0 {
		t.Fatalf("expected: %v, actual: %v", 0, n)
	}
}

func TestRegisterRegionBusy(t *testing.T) {
	t.Parallel()

	e := setup(t, nicTopology)

	if err := e.rs.Request("legacy", 0xe040, 8); err != nil {
		t.Fatal(err)
	}

	if _, err := e.manager(t).Register(realtek(driver.UsesIO)); !errors.Is(err, driver.ErrNoDevice) {
		t.Fatalf("expected: %v, actual: %v", driver.ErrNoDevice, err)
	}
}

func TestProbeDeclines(t *testing.T) {
	t.Parallel()

	e := setup(t, nicTopology)
	mgr := e.manager(t)
	tbl := realtek(driver.UsesIO)
	tbl.Flags = driver.Hotswap
	tbl.Probe = func(p *driver.Probe) (driver.Instance, error) {
		return nil, nil
	}

	found, err := mgr.Register(tbl)
	if err != nil || found != 0 {
		t.Fatalf("expected: %v, actual: %v %v", 0, found, err)
	}

	if n := len(e.rs.Claimed()); n != 0 {
		t.Fatalf("expected: %v, actual: %v", 0, n)
	}
}

func TestUnregister(t *testing.T) {
	t.Parallel()

	e := setup(t, nicTopology)
	mgr := e.manager(t)
	tbl := realtek(driver.UsesIO | driver.UnusedIRQ)

	if _, err := mgr.Register(tbl); err != nil {
		t.Fatal(err)
	}

	attached := mgr.Attached(tbl)

	if err := mgr.Unregister(tbl); err != nil {
		t.Fatal(err)
	}

	for _, a := range attached {
		n, _ := a.Instance.(*nic)
		if len(n.events) != 1 || n.events[0] != driver.DetachEvent {
			t.Fatalf("expected: %v, actual: %v", []driver.Event{driver.DetachEvent}, n.events)
		}
	}

	if n := len(e.rs.Claimed()); n != 0 {
		t.Fatalf("expected: %v, actual: %v", 0, n)
	}

	if err := mgr.Unregister(tbl); !errors.Is(err, driver.ErrNotRegistered) {
		t.Fatalf("expected: %v, actual: %v", driver.ErrNotRegistered, err)
	}

	found, err := mgr.Register(tbl)
	if err != nil || found != 2 {
		t.Fatalf("expected: %v, actual: %v %v", 2, found, err)
	}
}

func TestBroadcast(t *testing.T) {
	t.Parallel()

	e := setup(t, nicTopology)
	mgr := e.manager(t)
	tbl := realtek(driver.UsesIO | driver.UnusedIRQ)

	if _, err := mgr.Register(tbl); err != nil {
		t.Fatal(err)
	}

	attached := mgr.Attached(nil)
	failure := errors.New("suspend refused")
	first, _ := attached[0].Instance.(*nic)
	first.fail = failure

	if err := mgr.Broadcast(driver.SuspendEvent); !errors.Is(err, failure) {
		t.Fatalf("expected: %v, actual: %v", failure, err)
	}

	for _, a := range attached {
		n, _ := a.Instance.(*nic)
		if len(n.events) != 1 || n.events[0] != driver.SuspendEvent {
			t.Fatalf("expected: %v, actual: %v", []driver.Event{driver.SuspendEvent}, n.events)
		}
	}
}

func TestEventString(t *testing.T) {
	t.Parallel()

	if s := driver.ResumeEvent.String(); s != "resume" {
		t.Fatalf("expected: %v, actual: %v", "resume", s)
	}

	if s := driver.Event(42).String(); s != "event(42)" {
		t.Fatalf("expected: %v, actual: %v", "event(42)", s)
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()

	d := &pci.Device{VendorID: 0x10ec, DeviceID: 0x8139, SubsystemVendorID: 0x1186, SubsystemID: 0x1300, Revision: 0x10}

	for _, c := range []struct {
		m        driver.Match
		expected bool
	}{
		{driver.Match{PCI: 0x813910ec, PCIMask: 0xffffffff}, true},
		{driver.Match{PCI: 0x000010ec, PCIMask: 0x0000ffff}, true},
		{driver.Match{PCI: 0x813910ec, PCIMask: 0xffffffff, Subsystem: 0x13001186, SubsystemMask: 0xffffffff}, true},
		{driver.Match{PCI: 0x813910ec, PCIMask: 0xffffffff, Subsystem: 0x13011186, SubsystemMask: 0xffffffff}, false},
		{driver.Match{PCI: 0x813910ec, PCIMask: 0xffffffff, Revision: 0x20, RevisionMask: 0xf0}, false},
		{driver.Match{PCI: 0x812910ec, PCIMask: 0xffffffff}, false},
	} {
		if actual := c.m.Matches(d); actual != c.expected {
			t.Fatalf("%+v: expected: %v, actual: %v", c.m, c.expected, actual)
		}
	}
}

func TestRegs(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 0x10)
	r := driver.NewMemRegs(0xfebf0000, mem)

	if err := r.Write32(4, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}

	v, err := r.Read16(6)
	if err != nil || v != 0xdead {
		t.Fatalf("expected: %v, actual: %v %v", 0xdead, v, err)
	}

	if _, err := r.Read32(0xe); !errors.Is(err, driver.ErrOutOfWindow) {
		t.Fatalf("expected: %v, actual: %v", driver.ErrOutOfWindow, err)
	}

	if s := r.String(); s != "mem 0xfebf0000-0xfebf000f" {
		t.Fatalf("expected: %v, actual: %v", "mem 0xfebf0000-0xfebf000f", s)
	}
}

package driver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/gopci/pci"
	"github.com/bobuhiro11/gopci/portio"
	"github.com/go-logr/logr"
)

var (
	// ErrBusy is returned when a table is registered twice.
	ErrBusy = errors.New("driver table already registered")

	// ErrNoDevice is returned when registration attached nothing and the
	// table is not hot-swap capable. The table is not kept.
	ErrNoDevice = errors.New("no matching device")

	ErrNotRegistered = errors.New("driver table not registered")
	ErrNoMemMapper   = errors.New("memory BAR but no memory mapper")
)

// DefaultMinLatency is the latency timer floor for bus masters, in PCI
// clocks.
const DefaultMinLatency = 32

// Options configure a Manager.
type Options struct {
	Config   *pci.Config
	Registry *pci.Registry

	// Ports backs I/O register windows.
	Ports portio.Ports
	// Regions records claimed I/O windows. A fresh set is used if nil.
	Regions *portio.Regions
	// Mem maps memory register windows. Devices with a memory primary
	// BAR are skipped without it.
	Mem MemMapper

	// MinLatency is raised to DefaultMinLatency when zero.
	MinLatency uint8

	// RegisterHook and UnregisterHook let a hot-plug layer follow tables
	// coming and going. A table RegisterHook rejects is detached and not
	// kept.
	RegisterHook   func(t *Table) error
	UnregisterHook func(t *Table)

	Log logr.Logger
}

// Attached is a device a driver accepted.
type Attached struct {
	Table    *Table
	Device   *pci.Device
	Index    int
	Regs     *Regs
	Instance Instance
}

// Manager keeps the registered tables and the devices attached to them.
type Manager struct {
	mu       sync.Mutex
	o        Options
	tables   []*Table
	attached []*Attached
}

func NewManager(o Options) *Manager {
	if o.Regions == nil {
		o.Regions = &portio.Regions{}
	}

	if o.MinLatency == 0 {
		o.MinLatency = DefaultMinLatency
	}

	return &Manager{o: o}
}

func (m *Manager) registered(t *Table) bool {
	for _, e := range m.tables {
		if e == t {
			return true
		}
	}

	return false
}

func (m *Manager) claimed(d *pci.Device) bool {
	for _, a := range m.attached {
		if a.Device == d {
			return true
		}
	}

	return false
}

// Register attaches every unclaimed device matching t and returns how many
// were activated.
func (m *Manager) Register(t *Table) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered(t) {
		return 0, fmt.Errorf("%s: %w", t.Name, ErrBusy)
	}

	found := 0

	for _, d := range m.o.Registry.Devices() {
		if m.claimed(d) {
			continue
		}

		idx := t.match(d)
		if idx < 0 {
			continue
		}

		a, err := m.activate(t, d, idx, found)
		if err != nil {
			m.o.Log.Info("skipping device", "driver", t.Name, "device", d.String(), "reason", err.Error())

			continue
		}

		if a == nil {
			continue
		}

		m.attached = append(m.attached, a)
		found++
	}

	if found == 0 && t.Flags&Hotswap == 0 {
		return 0, fmt.Errorf("%s: %w", t.Name, ErrNoDevice)
	}

	if m.o.RegisterHook != nil {
		if err := m.o.RegisterHook(t); err != nil {
			m.detach(t)

			return 0, fmt.Errorf("%s: register hook: %w", t.Name, err)
		}
	}

	m.tables = append(m.tables, t)

	return found, nil
}

// activate maps the primary window of d, enables it and hands it to the
// probe callback. A nil Attached with a nil error means the driver
// declined the device.
func (m *Manager) activate(t *Table, d *pci.Device, idx, found int) (*Attached, error) {
	id := t.IDs[idx]
	res := resource(d, id.Flags)

	if !res.Valid() {
		return nil, fmt.Errorf("BAR %d of %s unassigned", id.Flags.BAR(), id.Name)
	}

	if id.Flags&UsesIO != 0 && !res.IsIO() {
		return nil, fmt.Errorf("%s expects an i/o BAR, found %v", id.Name, res)
	}

	if id.Flags&UsesMem != 0 && res.IsIO() {
		return nil, fmt.Errorf("%s expects a memory BAR, found %v", id.Name, res)
	}

	if id.Flags&UnusedIRQ == 0 && (d.IRQ == 0 || d.IRQ == 0xff) {
		return nil, fmt.Errorf("the BIOS did not assign an IRQ to %s", d.String())
	}

	regs, err := m.mapRegs(t, res, id.IOSize)
	if err != nil {
		return nil, err
	}

	if err := m.enable(d, id.Flags); err != nil {
		m.unmapRegs(regs)

		return nil, err
	}

	inst, err := t.Probe(&Probe{Device: d, Regs: regs, IRQ: d.IRQ, Index: idx, Found: found})
	if err != nil || inst == nil {
		m.unmapRegs(regs)

		if err != nil {
			return nil, fmt.Errorf("probe: %w", err)
		}

		return nil, nil
	}

	if id.Flags&UsesMaster != 0 && id.Flags&NoMinLatency == 0 {
		m.raiseLatency(d)
	}

	m.o.Log.V(1).Info("attached", "driver", t.Name, "device", d.String(), "chip", id.Name,
		"regs", regs.String(), "irq", d.IRQ)

	return &Attached{Table: t, Device: d, Index: idx, Regs: regs, Instance: inst}, nil
}

func (m *Manager) mapRegs(t *Table, res pci.Resource, size uint64) (*Regs, error) {
	if res.IsIO() {
		if err := m.o.Regions.Request(t.Name, res.Base, size); err != nil {
			return nil, err
		}

		return NewIORegs(m.o.Ports, res.Base, size), nil
	}

	if m.o.Mem == nil {
		return nil, fmt.Errorf("%v: %w", res, ErrNoMemMapper)
	}

	mem, err := m.o.Mem.Map(res.Base, size)
	if err != nil {
		return nil, fmt.Errorf("failed to map %v: %w", res, err)
	}

	return NewMemRegs(res.Base, mem), nil
}

func (m *Manager) unmapRegs(r *Regs) {
	if r.IsIO() {
		m.o.Regions.Release(r.Base())

		return
	}

	if err := m.o.Mem.Unmap(r.mem); err != nil {
		m.o.Log.Error(err, "unmapping registers", "regs", r.String())
	}
}

// enable sets the command register bits the entry asks for.
func (m *Manager) enable(d *pci.Device, f Flags) error {
	cmd, err := m.o.Config.Read16(d.BusNumber, d.Devfn, pci.Command)
	if err != nil {
		return err
	}

	want := cmd | uint16(f&commandMask)
	if want == cmd {
		return nil
	}

	m.o.Log.Info("the PCI BIOS has not enabled the device, updating command",
		"device", d.String(), "from", fmt.Sprintf("%04x", cmd), "to", fmt.Sprintf("%04x", want))

	return m.o.Config.Write16(d.BusNumber, d.Devfn, pci.Command, want)
}

// raiseLatency lifts a low latency timer to the minimum. It never lowers
// it.
func (m *Manager) raiseLatency(d *pci.Device) {
	lat, err := m.o.Config.Read8(d.BusNumber, d.Devfn, pci.LatencyTimer)
	if err != nil || lat >= m.o.MinLatency {
		return
	}

	m.o.Log.Info("PCI latency timer is unreasonably low, raising it", "device", d.String(),
		"from", lat, "to", m.o.MinLatency)

	if err := m.o.Config.Write8(d.BusNumber, d.Devfn, pci.LatencyTimer, m.o.MinLatency); err != nil {
		m.o.Log.Error(err, "setting latency timer", "device", d.String())
	}
}

// Unregister detaches every device attached to t and forgets the table.
// The unregister hook runs first.
func (m *Manager) Unregister(t *Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registered(t) {
		return fmt.Errorf("%s: %w", t.Name, ErrNotRegistered)
	}

	if m.o.UnregisterHook != nil {
		m.o.UnregisterHook(t)
	}

	for i, e := range m.tables {
		if e == t {
			m.tables = append(m.tables[:i], m.tables[i+1:]...)

			break
		}
	}

	return m.detach(t)
}

func (m *Manager) detach(t *Table) error {
	var errs []error

	kept := m.attached[:0]

	for _, a := range m.attached {
		if a.Table != t {
			kept = append(kept, a)

			continue
		}

		if t.PowerEvent != nil {
			if err := t.PowerEvent(a.Instance, DetachEvent); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", a.Device, err))
			}
		}

		m.unmapRegs(a.Regs)
	}

	m.attached = kept

	return errors.Join(errs...)
}

// Broadcast delivers e to every attached device whose table has a
// PowerEvent callback. It does not stop at the first failure.
func (m *Manager) Broadcast(e Event) error {
	m.mu.Lock()
	attached := append([]*Attached(nil), m.attached...)
	m.mu.Unlock()

	var errs []error

	for _, a := range attached {
		if a.Table.PowerEvent == nil {
			continue
		}

		m.o.Log.V(2).Info("power event", "event", e.String(), "device", a.Device.String())

		if err := a.Table.PowerEvent(a.Instance, e); err != nil {
			errs = append(errs, fmt.Errorf("%s %v: %w", a.Table.Name, a.Device, err))
		}
	}

	return errors.Join(errs...)
}

// Attached returns the devices attached to t, or to any table if t is nil.
func (m *Manager) Attached(t *Table) []*Attached {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := []*Attached{}

	for _, a := range m.attached {
		if t == nil || a.Table == t {
			res = append(res, a)
		}
	}

	return res
}

// Tables returns the registered tables.
func (m *Manager) Tables() []*Table {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*Table(nil), m.tables...)
}

// Package driver matches PCI functions against driver ID tables, activates
// the ones a driver accepts and keeps track of them until the driver goes
// away.
package driver

import (
	"fmt"

	"github.com/bobuhiro11/gopci/pci"
)

// Flags are the per-entry activation flags of an ID.
type Flags uint32

const (
	// UsesIO, UsesMem and UsesMaster are command register bits to enable
	// before the probe callback runs.
	UsesIO     Flags = pci.CommandIO
	UsesMem    Flags = pci.CommandMemory
	UsesMaster Flags = pci.CommandMaster

	// Addr64 marks the primary BAR as 64 bits wide.
	Addr64 Flags = 0x100
	// NoACPIWake is kept for tables that carry it; nothing here acts on it.
	NoACPIWake Flags = 0x200
	// NoMinLatency leaves the latency timer alone.
	NoMinLatency Flags = 0x400
	// UnusedIRQ accepts devices the firmware gave no interrupt line.
	UnusedIRQ Flags = 0x800

	commandMask Flags = UsesIO | UsesMem | UsesMaster
)

// Addr selects BAR n as the primary register window.
func Addr(n int) Flags {
	return Flags(n&7) << 4
}

// BAR is the index of the primary BAR.
func (f Flags) BAR() int {
	return int(f>>4) & 7
}

// Match selects devices by masked comparison. PCI is device<<16|vendor,
// Subsystem is subsystem<<16|subsystem vendor.
type Match struct {
	PCI           uint32
	PCIMask       uint32
	Subsystem     uint32
	SubsystemMask uint32
	Revision      uint8
	RevisionMask  uint8
}

// Matches reports whether d satisfies every masked comparison of m.
func (m Match) Matches(d *pci.Device) bool {
	id := uint32(d.DeviceID)<<16 | uint32(d.VendorID)
	sub := uint32(d.SubsystemID)<<16 | uint32(d.SubsystemVendorID)

	return id&m.PCIMask == m.PCI &&
		sub&m.SubsystemMask == m.Subsystem &&
		d.Revision&m.RevisionMask == m.Revision
}

// ID is one entry of a driver table.
type ID struct {
	Name  string
	Match Match
	Flags Flags
	// IOSize is the size of the register window to claim or map.
	IOSize uint64
	// DrvFlags is left to the driver.
	DrvFlags int
}

// TableFlags apply to a whole table.
type TableFlags uint32

// Hotswap keeps a table registered even when no device was found, so that
// devices added later can still be attached.
const Hotswap TableFlags = 1

// Event is a power management or life cycle event delivered to attached
// devices.
type Event int

const (
	NoopEvent Event = iota
	AttachEvent
	SuspendEvent
	ResumeEvent
	DetachEvent
	WakeOnEvent
	PowerDownEvent
	PowerUpEvent
)

func (e Event) String() string {
	switch e {
	case NoopEvent:
		return "noop"
	case AttachEvent:
		return "attach"
	case SuspendEvent:
		return "suspend"
	case ResumeEvent:
		return "resume"
	case DetachEvent:
		return "detach"
	case WakeOnEvent:
		return "wake-on"
	case PowerDownEvent:
		return "power-down"
	case PowerUpEvent:
		return "power-up"
	}

	return fmt.Sprintf("event(%d)", int(e))
}

// Probe is what a driver's probe callback is handed for one device.
type Probe struct {
	Device *pci.Device
	Regs   *Regs
	IRQ    uint8
	// Index is the matching entry in Table.IDs.
	Index int
	// Found counts the devices of this table activated so far.
	Found int
}

// Instance is whatever a driver keeps per device.
type Instance interface{}

// Table describes a driver to the Manager.
type Table struct {
	Name  string
	Flags TableFlags
	// Class is compared without the programming interface byte,
	// e.g. pci.ClassNetworkEthernet<<8.
	Class uint32
	IDs   []ID

	// Probe is called for each activated device. Returning a nil Instance
	// declines the device.
	Probe func(p *Probe) (Instance, error)

	// PowerEvent is optional.
	PowerEvent func(inst Instance, e Event) error
}

func (t *Table) match(d *pci.Device) int {
	if t.Class != 0 && (d.Class^t.Class)>>8 != 0 {
		return -1
	}

	for i, id := range t.IDs {
		if id.Match.Matches(d) {
			return i
		}
	}

	return -1
}

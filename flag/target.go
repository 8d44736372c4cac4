package flag

import (
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/gopci/bios32"
	"github.com/bobuhiro11/gopci/driver"
	"github.com/bobuhiro11/gopci/nic/rtl8139"
	"github.com/bobuhiro11/gopci/pci"
	"github.com/bobuhiro11/gopci/pcisim"
	"github.com/bobuhiro11/gopci/portio"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

var (
	errNoBIOS     = errors.New("no BIOS area to search")
	errSimSysfs   = errors.New("the sysfs backend reads the running kernel, not a simulated machine")
	errNoPorts    = errors.New("no I/O port access")
	errNoPortsArg = errors.New("unknown port access method")
)

// target is one machine a command runs against: the host or a simulated
// topology.
type target struct {
	name string

	ports  portio.Ports
	rom    io.ReaderAt
	caller bios32.Caller
	dma    rtl8139.DMA
	mem    driver.MemMapper

	machine *pcisim.Machine
	config  *pci.Config

	closers []func() error
}

func (t *target) Close() error {
	var errs []error

	for i := len(t.closers) - 1; i >= 0; i-- {
		errs = append(errs, t.closers[i]())
	}

	return errors.Join(errs...)
}

func simTarget(path string) (*target, error) {
	tp, err := pcisim.LoadTopology(path)
	if err != nil {
		return nil, err
	}

	m, err := tp.Build()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	t := &target{name: path, ports: m.Ports, dma: m.Memory, machine: m}

	if m.Firmware != nil {
		rom, err := m.ROM()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		t.rom, t.caller = rom, m.Firmware
	}

	return t, nil
}

// open builds the targets and picks their configuration mechanism.
// Simulated topologies are loaded concurrently.
func (g *Globals) open(log logr.Logger) ([]*target, error) {
	var targets []*target

	if len(g.Sim) == 0 {
		t, err := g.hardware(log)
		if err != nil {
			return nil, err
		}

		targets = []*target{t}
	} else {
		targets = make([]*target, len(g.Sim))
		eg := new(errgroup.Group)

		for i, path := range g.Sim {
			i, path := i, path

			eg.Go(func() error {
				t, err := simTarget(path)
				targets[i] = t

				return err
			})
		}

		if err := eg.Wait(); err != nil {
			closeAll(targets, log)

			return nil, err
		}
	}

	for _, t := range targets {
		c, err := g.config(t, log.WithValues("target", t.name))
		if err != nil {
			closeAll(targets, log)

			return nil, fmt.Errorf("%s: %w", t.name, err)
		}

		t.config = c
	}

	return targets, nil
}

func closeAll(targets []*target, log logr.Logger) {
	for _, t := range targets {
		if t == nil {
			continue
		}

		if err := t.Close(); err != nil {
			log.Error(err, "closing", "target", t.name)
		}
	}
}

func (g *Globals) config(t *target, log logr.Logger) (*pci.Config, error) {
	switch g.Backend {
	case "bios":
		if t.rom == nil {
			return nil, errNoBIOS
		}

		b, err := bios32.Open(t.rom, t.caller, log)
		if err != nil {
			return nil, err
		}

		return pci.NewConfig(b, log), nil
	case "conf1", "conf2":
		if t.ports == nil {
			return nil, errNoPorts
		}

		if g.Backend == "conf1" {
			return pci.NewConfig(pci.NewConf1(t.ports), log), nil
		}

		return pci.NewConfig(pci.NewConf2(t.ports), log), nil
	case "sysfs":
		if t.machine != nil {
			return nil, errSimSysfs
		}

		s, err := pci.NewSysfs(g.Sysfs)
		if err != nil {
			return nil, err
		}

		return pci.NewConfig(s, log), nil
	}

	o := pci.DetectOptions{Ports: t.ports, Log: log}
	if t.rom != nil {
		o.BIOS = bios32.Detect(t.rom, t.caller, log)
	}

	return pci.Detect(o), nil
}

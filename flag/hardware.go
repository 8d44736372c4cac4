package flag

import (
	"fmt"

	"github.com/bobuhiro11/gopci/bios32"
	"github.com/bobuhiro11/gopci/driver"
	"github.com/bobuhiro11/gopci/portio"
	"github.com/go-logr/logr"
)

// hardware opens the host. Only port access is required, and not even
// that for the sysfs backend; the BIOS area and memory BARs are optional.
func (g *Globals) hardware(log logr.Logger) (*target, error) {
	t := &target{name: "host"}

	if g.Backend != "sysfs" {
		switch g.Ports {
		case "devport":
			d, err := portio.OpenDevPort(g.DevPort)
			if err != nil {
				return nil, err
			}

			t.ports = d
			t.closers = append(t.closers, d.Close)
		case "direct":
			d, err := openDirect()
			if err != nil {
				return nil, err
			}

			t.ports = d
		default:
			return nil, fmt.Errorf("%q: %w", g.Ports, errNoPortsArg)
		}
	}

	win, unmap, err := bios32.MapWindow(g.DevMem)
	if err != nil {
		log.V(1).Info("BIOS area not readable", "reason", err.Error())
	} else {
		t.rom = win
		t.closers = append(t.closers, unmap)
	}

	dm, err := driver.OpenDevMem(g.DevMem)
	if err != nil {
		log.V(1).Info("memory BARs cannot be mapped", "reason", err.Error())
	} else {
		t.mem = dm
		t.closers = append(t.closers, dm.Close)
	}

	return t, nil
}

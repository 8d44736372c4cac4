package pci

import (
	"fmt"

	"github.com/bobuhiro11/gopci/portio"
)

// Configuration Space Access Mechanism #2
//
// Writing a function number with the enable key to the CSE register at
// 0xCF8 and a bus number to the forward register at 0xCFA maps the
// configuration space of devices 0-15 into ports 0xC000-0xCFFF.
const (
	Conf2EnablePort  = 0xcf8
	Conf2ForwardPort = 0xcfa
	Conf2Window      = 0xc000

	conf2Key = 0xf0
)

// Conf2 accesses configuration space through mechanism #2.
type Conf2 struct {
	ports portio.Ports
}

func NewConf2(p portio.Ports) *Conf2 {
	return &Conf2{ports: p}
}

func (c *Conf2) Name() string { return "conf2" }

func (c *Conf2) open(bus uint8, devfn Devfn, off uint8) (uint16, error) {
	if devfn.Slot()&0x10 != 0 {
		return 0, fmt.Errorf("slot %d beyond mechanism #2 window: %w", devfn.Slot(), ErrDeviceNotFound)
	}

	if err := portio.Outb(c.ports, Conf2EnablePort, conf2Key|devfn.Func()<<1); err != nil {
		return 0, err
	}

	if err := portio.Outb(c.ports, Conf2ForwardPort, bus); err != nil {
		return 0, err
	}

	return Conf2Window | uint16(devfn.Slot())<<8 | uint16(off), nil
}

func (c *Conf2) close() {
	_ = portio.Outb(c.ports, Conf2EnablePort, 0)
}

func (c *Conf2) Read(bus uint8, devfn Devfn, off uint8, w Width) (uint32, error) {
	port, err := c.open(bus, devfn, off)
	if err != nil {
		return w.Mask(), err
	}
	defer c.close()

	data := make([]byte, w)
	if err := c.ports.In(port, data); err != nil {
		return w.Mask(), err
	}

	return uint32(portio.BytesToNum(data)), nil
}

func (c *Conf2) Write(bus uint8, devfn Devfn, off uint8, w Width, v uint32) error {
	port, err := c.open(bus, devfn, off)
	if err != nil {
		return err
	}
	defer c.close()

	return c.ports.Out(port, portio.NumToBytes(v)[:w])
}

// ProbeConf2 clears the CSE and forward registers and reports whether both
// read back as zero.
func ProbeConf2(p portio.Ports) bool {
	for _, port := range []uint16{0xcfb, Conf2EnablePort, Conf2ForwardPort} {
		if err := portio.Outb(p, port, 0); err != nil {
			return false
		}
	}

	cse, err := portio.Inb(p, Conf2EnablePort)
	if err != nil {
		return false
	}

	fwd, err := portio.Inb(p, Conf2ForwardPort)
	if err != nil {
		return false
	}

	return cse == 0 && fwd == 0
}

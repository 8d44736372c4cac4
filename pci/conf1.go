package pci

import "github.com/bobuhiro11/gopci/portio"

// Configuration Space Access Mechanism #1
//
// A dword written to 0xCF8 selects bus/device/function/register, the
// selected dword is then visible through 0xCFC-0xCFF.
const (
	Conf1AddressPort = 0xcf8
	Conf1DataPort    = 0xcfc

	conf1Enable = 0x80000000
)

// ConfAddress is the value of the mechanism #1 address register.
type ConfAddress uint32

// MakeConfAddress builds the address selecting the dword containing off.
func MakeConfAddress(bus uint8, devfn Devfn, off uint8) ConfAddress {
	return ConfAddress(conf1Enable | uint32(bus)<<16 | uint32(devfn)<<8 | uint32(off&0xfc))
}

func (a ConfAddress) Register() uint8 {
	return uint8(uint32(a) & 0xfc)
}

func (a ConfAddress) Function() uint8 {
	return uint8((uint32(a) >> 8) & 0x7)
}

func (a ConfAddress) Device() uint8 {
	return uint8((uint32(a) >> 11) & 0x1f)
}

func (a ConfAddress) Devfn() Devfn {
	return Devfn(uint32(a) >> 8)
}

func (a ConfAddress) Bus() uint8 {
	return uint8((uint32(a) >> 16) & 0xff)
}

func (a ConfAddress) Enabled() bool {
	return uint32(a)>>31 == 1
}

// Conf1 accesses configuration space through mechanism #1.
type Conf1 struct {
	ports portio.Ports
}

func NewConf1(p portio.Ports) *Conf1 {
	return &Conf1{ports: p}
}

func (c *Conf1) Name() string { return "conf1" }

func (c *Conf1) Read(bus uint8, devfn Devfn, off uint8, w Width) (uint32, error) {
	if err := portio.Outl(c.ports, Conf1AddressPort, uint32(MakeConfAddress(bus, devfn, off))); err != nil {
		return w.Mask(), err
	}

	data := make([]byte, w)
	if err := c.ports.In(Conf1DataPort+uint16(off&3), data); err != nil {
		return w.Mask(), err
	}

	return uint32(portio.BytesToNum(data)), nil
}

func (c *Conf1) Write(bus uint8, devfn Devfn, off uint8, w Width, v uint32) error {
	if err := portio.Outl(c.ports, Conf1AddressPort, uint32(MakeConfAddress(bus, devfn, off))); err != nil {
		return err
	}

	return c.ports.Out(Conf1DataPort+uint16(off&3), portio.NumToBytes(v)[:w])
}

// ProbeConf1 reports whether the address register latches and reads back
// a dword, which is how mechanism #1 hardware is recognised. The previous
// register value is restored.
func ProbeConf1(p portio.Ports) bool {
	if err := portio.Outb(p, 0xcfb, 0x01); err != nil {
		return false
	}

	saved, err := portio.Inl(p, Conf1AddressPort)
	if err != nil {
		return false
	}

	if err := portio.Outl(p, Conf1AddressPort, conf1Enable); err != nil {
		return false
	}

	v, err := portio.Inl(p, Conf1AddressPort)

	_ = portio.Outl(p, Conf1AddressPort, saved)

	return err == nil && v == conf1Enable
}

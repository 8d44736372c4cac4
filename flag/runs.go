package flag

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/bobuhiro11/gopci/bios32"
	"github.com/bobuhiro11/gopci/driver"
	"github.com/bobuhiro11/gopci/nic/rtl8139"
	"github.com/bobuhiro11/gopci/pci"
	"github.com/go-logr/logr"
	"github.com/siderolabs/go-pcidb/pkg/pcidb"
	"golang.org/x/sync/errgroup"
)

var (
	errFindArgs = errors.New("give either vendor:device or --class")
	errBDFArgs  = errors.New("expected bus device function triples")
)

var widths = map[string]pci.Width{"b": pci.Byte, "w": pci.Word, "l": pci.Dword}

type ScanCMD struct {
	Tree bool `short:"t" help:"print the bus hierarchy"`
}

type FindCMD struct {
	ID       string `arg:"" optional:"" help:"vendor:device in hex"`
	Class    string `help:"24-bit class code; a zero low byte matches any programming interface"`
	Firmware bool   `help:"ask the configuration backend (PCI BIOS only) instead of scanning"`
}

type ReadCMD struct {
	BDF    string `arg:"" help:"bus:device.function"`
	Offset string `arg:"" help:"register offset"`
	Width  string `short:"w" enum:"b,w,l" default:"l" help:"access width (${enum})"`
}

type WriteCMD struct {
	BDF    string `arg:"" help:"bus:device.function"`
	Offset string `arg:"" help:"register offset"`
	Value  string `arg:"" help:"value to write"`
	Width  string `short:"w" enum:"b,w,l" default:"l" help:"access width (${enum})"`
}

type BIOS32CMD struct {
	Count int    `short:"n" default:"8" help:"instructions to disassemble at each entry point"`
	Size  string `default:"256" help:"bytes to read at each entry point, as number[kK]"`
}

type ProbeCMD struct {
	Open bool `help:"open each NIC and transmit one broadcast frame"`
}

type BDFCMD struct {
	Decode bool     `short:"d" help:"unpack packed values"`
	Args   []string `arg:"" help:"bus device function triples, or packed values with -d"`
}

func describe(vendor, device uint16) string {
	v, ok := pcidb.LookupVendor(vendor)
	if !ok {
		return ""
	}

	if p, ok := pcidb.LookupProduct(vendor, device); ok {
		return v + " " + p
	}

	return v
}

func printDevice(w io.Writer, d *pci.Device, indent string) {
	fmt.Fprintf(w, "%s%02x:%v %06x %04x:%04x", indent, d.BusNumber, d.Devfn, d.Class, d.VendorID, d.DeviceID)

	if d.Revision != 0 {
		fmt.Fprintf(w, " (rev %02x)", d.Revision)
	}

	if name := describe(d.VendorID, d.DeviceID); name != "" {
		fmt.Fprintf(w, " %s", name)
	}

	fmt.Fprintln(w)

	for i, r := range d.Resource {
		if r.Valid() {
			fmt.Fprintf(w, "%s\tregion %d: %v\n", indent, i, r)
		}
	}

	if d.Pin != 0 {
		fmt.Fprintf(w, "%s\tirq %d pin %c\n", indent, d.IRQ, 'A'+d.Pin-1)
	}
}

func printBus(w io.Writer, r *pci.Registry, b *pci.Bus, indent string) {
	fmt.Fprintf(w, "%s%v\n", indent, b)

	for _, i := range b.Devices {
		d := r.Device(i)
		printDevice(w, d, indent+"  ")

		if d.Child != pci.NoBus {
			printBus(w, r, r.Bus(d.Child), indent+"    ")
		}
	}
}

func (s *ScanCMD) scan(w io.Writer, t *target, log logr.Logger) {
	if !t.config.Supported() {
		fmt.Fprintf(w, "%s: no PCI bus\n", t.name)

		return
	}

	r, highest := pci.NewScanner(t.config, log).Scan()
	fmt.Fprintf(w, "%s: %s, %d devices, last bus %02x\n", t.name, t.config.Backend(), len(r.Devices()), highest)

	if !s.Tree {
		for _, d := range r.Devices() {
			printDevice(w, d, "")
		}

		return
	}

	for _, b := range r.Buses() {
		if b.Self == pci.NoDevice {
			printBus(w, r, b, "")
		}
	}
}

func (s *ScanCMD) Run(g *Globals) error {
	log := g.logger()

	targets, err := g.open(log)
	if err != nil {
		return err
	}
	defer closeAll(targets, log)

	outs := make([]bytes.Buffer, len(targets))
	eg := new(errgroup.Group)

	for i, t := range targets {
		i, t := i, t

		eg.Go(func() error {
			s.scan(&outs[i], t, log.WithValues("target", t.name))

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	for i := range outs {
		if _, err := g.Out.Write(outs[i].Bytes()); err != nil {
			return err
		}
	}

	return nil
}

func (f *FindCMD) firmware(w io.Writer, t *target, match func(int) (uint8, pci.Devfn, error)) error {
	for i := 0; ; i++ {
		bus, devfn, err := match(i)
		if errors.Is(err, pci.ErrDeviceNotFound) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}

		fmt.Fprintf(w, "%02x:%v\n", bus, devfn)
	}
}

func (f *FindCMD) Run(g *Globals) error {
	if (f.ID == "") == (f.Class == "") {
		return errFindArgs
	}

	var (
		vendor, device uint16
		class          uint64
		err            error
	)

	if f.ID != "" {
		vendor, device, err = ParseID(f.ID)
	} else {
		class, err = parseUint(f.Class, 24)
	}

	if err != nil {
		return err
	}

	log := g.logger()

	targets, err := g.open(log)
	if err != nil {
		return err
	}
	defer closeAll(targets, log)

	for _, t := range targets {
		if f.Firmware {
			match := func(i int) (uint8, pci.Devfn, error) {
				if f.ID != "" {
					return t.config.FindDevice(vendor, device, i)
				}

				return t.config.FindClass(uint32(class), i)
			}

			if err := f.firmware(g.Out, t, match); err != nil {
				return err
			}

			continue
		}

		r := pci.Scan(t.config, log)

		var d *pci.Device

		for {
			if f.ID != "" {
				d, err = r.FindDevice(vendor, device, d)
			} else {
				d, err = r.FindClass(uint32(class), d)
			}

			if err != nil {
				break
			}

			printDevice(g.Out, d, "")
		}
	}

	return nil
}

func access(bdf, offset, width string) (uint8, pci.Devfn, uint8, pci.Width, error) {
	bus, devfn, err := ParseBDF(bdf)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	off, err := parseUint(offset, 8)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	return bus, devfn, uint8(off), widths[width], nil
}

func (r *ReadCMD) Run(g *Globals) error {
	bus, devfn, off, w, err := access(r.BDF, r.Offset, r.Width)
	if err != nil {
		return err
	}

	log := g.logger()

	targets, err := g.open(log)
	if err != nil {
		return err
	}
	defer closeAll(targets, log)

	for _, t := range targets {
		v, err := t.config.Read(bus, devfn, off, w)
		if err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}

		fmt.Fprintf(g.Out, "%02x:%v@%02x: 0x%0*x\n", bus, devfn, off, int(w)*2, v)
	}

	return nil
}

func (wr *WriteCMD) Run(g *Globals) error {
	bus, devfn, off, w, err := access(wr.BDF, wr.Offset, wr.Width)
	if err != nil {
		return err
	}

	v, err := parseUint(wr.Value, int(w)*8)
	if err != nil {
		return err
	}

	log := g.logger()

	targets, err := g.open(log)
	if err != nil {
		return err
	}
	defer closeAll(targets, log)

	for _, t := range targets {
		if err := t.config.Write(bus, devfn, off, w, uint32(v)); err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}
	}

	return nil
}

func (b *BIOS32CMD) disassemble(w io.Writer, t *target, entry uint32, size int) {
	lines, err := bios32.DisassembleAt(t.rom, entry, size, b.Count)
	for _, l := range lines {
		fmt.Fprintf(w, "\t%v\n", l)
	}

	if err != nil {
		fmt.Fprintf(w, "\t%v\n", err)
	}
}

func (b *BIOS32CMD) Run(g *Globals) error {
	size, err := ParseSize(b.Size, "")
	if err != nil {
		return err
	}

	log := g.logger()

	targets, err := g.open(log)
	if err != nil {
		return err
	}
	defer closeAll(targets, log)

	for _, t := range targets {
		if t.rom == nil {
			fmt.Fprintf(g.Out, "%s: %v\n", t.name, errNoBIOS)

			continue
		}

		dir, addr, err := bios32.FindDirectory(t.rom, bios32.WindowStart, bios32.WindowEnd)
		if err != nil {
			fmt.Fprintf(g.Out, "%s: %v\n", t.name, err)

			continue
		}

		fmt.Fprintf(g.Out, "%s: service directory at 0x%05x, entry 0x%05x, revision %d, %d paragraphs\n",
			t.name, addr, dir.Entry, dir.Revision, dir.Length)
		b.disassemble(g.Out, t, dir.Entry, size)

		pb, err := bios32.Open(t.rom, t.caller, log)
		if err != nil {
			fmt.Fprintf(g.Out, "%s: PCI BIOS: %v\n", t.name, err)

			continue
		}

		fmt.Fprintf(g.Out, "%s: PCI BIOS %x.%02x, hardware mechanism 0x%02x, last bus %02x, entry 0x%05x\n",
			t.name, pb.Version>>8, pb.Version&0xff, pb.Hardware, pb.LastBus, pb.Entry())
		b.disassemble(g.Out, t, pb.Entry(), size)
	}

	return nil
}

// testFrame is a broadcast frame with the local experimental ethertype.
func testFrame(src net.HardwareAddr) []byte {
	f := make([]byte, 60)
	copy(f, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(f[6:], src)
	f[12], f[13] = 0x88, 0xb5

	return f
}

func (p *ProbeCMD) probe(w io.Writer, t *target, log logr.Logger) error {
	if t.ports == nil {
		return errNoPorts
	}

	mgr := driver.NewManager(driver.Options{
		Config:   t.config,
		Registry: pci.Scan(t.config, log),
		Ports:    t.ports,
		Mem:      t.mem,
		Log:      log,
	})

	tbl := rtl8139.Table(rtl8139.Options{DMA: t.dma, Config: t.config, Log: log})

	if _, err := mgr.Register(tbl); err != nil {
		return err
	}

	defer func() {
		if err := mgr.Unregister(tbl); err != nil {
			log.Error(err, "unregistering driver")
		}
	}()

	for _, a := range mgr.Attached(tbl) {
		n, _ := a.Instance.(*rtl8139.NIC)

		if t.machine != nil {
			for _, sim := range t.machine.NICs {
				if sim.IOPort() == a.Regs.Base() {
					sim.IRQ = n.Interrupt
				}
			}
		}

		fmt.Fprintf(w, "%s: %02x:%v %s %s irq %d %v\n", t.name, a.Device.BusNumber, a.Device.Devfn,
			n.Chip(), n.MAC(), n.IRQ(), a.Regs)

		if !p.Open {
			continue
		}

		if err := n.Open(); err != nil {
			return err
		}

		if err := n.Transmit(testFrame(n.MAC())); err != nil {
			return err
		}

		if err := n.Close(); err != nil {
			return err
		}

		st := n.Stats()
		fmt.Fprintf(w, "%s: %v tx %d rx %d errors %d\n", t.name, n.MAC(), st.TxPackets, st.RxPackets,
			st.TxErrors+st.RxErrors)
	}

	return nil
}

func (p *ProbeCMD) Run(g *Globals) error {
	log := g.logger()

	targets, err := g.open(log)
	if err != nil {
		return err
	}
	defer closeAll(targets, log)

	for _, t := range targets {
		if err := p.probe(g.Out, t, log.WithValues("target", t.name)); err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}
	}

	return nil
}

func (b *BDFCMD) Run(g *Globals) error {
	if b.Decode {
		for _, a := range b.Args {
			v, err := parseUint(a, 32)
			if err != nil {
				return err
			}

			c := pci.ConfAddress(v)
			fmt.Fprintf(g.Out, "%x: %02x:%02x.%d\n", v, c.Bus(), c.Device(), c.Function())
		}

		return nil
	}

	if len(b.Args)%3 != 0 {
		return errBDFArgs
	}

	for i := 0; i < len(b.Args); i += 3 {
		var n [3]uint64

		for j, bits := range []int{8, 5, 3} {
			v, err := parseUint(b.Args[i+j], bits)
			if err != nil {
				return err
			}

			n[j] = v
		}

		devfn := pci.MakeDevfn(uint8(n[1]), uint8(n[2]))
		packed := uint32(pci.MakeConfAddress(uint8(n[0]), devfn, 0)) &^ 0x80000000
		fmt.Fprintf(g.Out, "%02x:%v: %x\n", n[0], devfn, packed)
	}

	return nil
}

// Package flag is the gopci command line.
package flag

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gopci/pci"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/pkg/profile"
)

var (
	ErrBadBDF = errors.New("bad bus:device.function")
	ErrBadID  = errors.New("bad vendor:device")
)

// Globals are the options every command takes.
type Globals struct {
	Backend string   `enum:"auto,bios,conf1,conf2,sysfs" default:"auto" env:"GOPCI_BACKEND" help:"configuration mechanism (${enum})"`
	Sim     []string `env:"GOPCI_SIM" placeholder:"FILE" help:"simulated machine topology (YAML), repeatable; real hardware is used when empty"`
	Ports   string   `enum:"devport,direct" default:"devport" env:"GOPCI_PORTS" help:"how to reach I/O ports on real hardware (${enum})"`
	DevPort string   `default:"/dev/port" env:"GOPCI_DEV_PORT" help:"path of the I/O port device"`
	DevMem  string   `default:"/dev/mem" env:"GOPCI_DEV_MEM" help:"path of the physical memory device"`
	Sysfs   string   `default:"/sys" env:"GOPCI_SYSFS" help:"sysfs mount point for the sysfs backend"`
	Verbose int      `short:"v" type:"counter" help:"log verbosity, repeat for more"`
	Profile string   `enum:"none,cpu,clock,mem" default:"none" env:"GOPCI_PROFILE" help:"write a profile of the run to the current directory (${enum})"`

	Out io.Writer `kong:"-"`
}

type CLI struct {
	Globals

	Scan   ScanCMD   `cmd:"" help:"enumerate the PCI bus"`
	Find   FindCMD   `cmd:"" help:"find functions by vendor:device or class"`
	Read   ReadCMD   `cmd:"" help:"read a configuration register"`
	Write  WriteCMD  `cmd:"" help:"write a configuration register"`
	BIOS32 BIOS32CMD `cmd:"" name:"bios32" help:"show the BIOS32 service directory and PCI BIOS"`
	Probe  ProbeCMD  `cmd:"" help:"attach the RTL8139 driver and list the NICs it found"`
	BDF    BDFCMD    `cmd:"" name:"bdf" help:"pack or unpack bus/device/function numbers"`
}

// Parse runs the command line in args, printing to out.
func Parse(args []string, out io.Writer) error {
	c := CLI{}
	c.Out = out

	programName := "gopci"
	programDesc := "gopci enumerates and configures a legacy PCI bus"

	parser, err := kong.New(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.Writers(out, os.Stderr),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	defer c.profile().Stop()

	return ctx.Run(&c.Globals)
}

type nopStopper struct{}

func (nopStopper) Stop() {}

func (g *Globals) profile() interface{ Stop() } {
	mode := map[string]func(*profile.Profile){
		"cpu":   profile.CPUProfile,
		"clock": profile.ClockProfile,
		"mem":   profile.MemProfile,
	}[g.Profile]

	if mode == nil {
		return nopStopper{}
	}

	return profile.Start(mode, profile.ProfilePath("."), profile.Quiet)
}

// logger logs through the standard log package. The verbosity is process
// wide and only changed when asked for.
func (g *Globals) logger() logr.Logger {
	if g.Verbose > 0 {
		stdr.SetVerbosity(g.Verbose)
	}

	return stdr.New(log.New(os.Stderr, "gopci: ", log.LstdFlags))
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// ParseBDF parses "bb:dd.f" in hex, as lspci prints it. A leading
// "0000:" domain is accepted.
func ParseBDF(s string) (uint8, pci.Devfn, error) {
	s = strings.TrimPrefix(s, "0000:")

	bus, rest, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%q: %w", s, ErrBadBDF)
	}

	dev, fn, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, 0, fmt.Errorf("%q: %w", s, ErrBadBDF)
	}

	b, err1 := strconv.ParseUint(bus, 16, 8)
	d, err2 := strconv.ParseUint(dev, 16, 5)
	f, err3 := strconv.ParseUint(fn, 16, 3)

	if err := errors.Join(err1, err2, err3); err != nil {
		return 0, 0, fmt.Errorf("%q: %v: %w", s, err, ErrBadBDF)
	}

	return uint8(b), pci.MakeDevfn(uint8(d), uint8(f)), nil
}

// ParseID parses "vvvv:dddd" in hex.
func ParseID(s string) (uint16, uint16, error) {
	v, d, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%q: %w", s, ErrBadID)
	}

	vendor, err1 := strconv.ParseUint(v, 16, 16)
	device, err2 := strconv.ParseUint(d, 16, 16)

	if err := errors.Join(err1, err2); err != nil {
		return 0, 0, fmt.Errorf("%q: %v: %w", s, err, ErrBadID)
	}

	return uint16(vendor), uint16(device), nil
}

func parseUint(s string, bits int) (uint64, error) {
	return strconv.ParseUint(s, 0, bits)
}

package pcisim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/gopci/bios32"
	"github.com/bobuhiro11/gopci/pci"
)

var ErrNoEntry = errors.New("no firmware at entry point")

// Addresses of the emulated BIOS32 structures.
const (
	DirectoryAddr  = 0xfd5a0
	DirectoryEntry = 0xfd5b0
	PCIServiceBase = 0xf0000
	PCIServiceLen  = 0x10000
	PCIEntryOffset = 0xd5f0
	PCIEntry       = PCIServiceBase + PCIEntryOffset

	romBase = bios32.WindowStart
	romSize = 0x100000 - romBase
)

// Firmware is a PCI BIOS for a Host. It answers calls to its entry points
// directly instead of running the code in its ROM image.
type Firmware struct {
	mu    sync.Mutex
	host  *Host
	calls int

	// NoPCIService makes the directory report that "$PCI" is absent.
	NoPCIService bool
}

func NewFirmware(h *Host) *Firmware {
	return &Firmware{host: h}
}

// Calls returns how many calls were made into the firmware.
func (f *Firmware) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

// ROM renders the BIOS area 0xE0000-0xFFFFF with the service directory
// and entry stubs in place.
func (f *Firmware) ROM() (*bios32.Window, error) {
	data := make([]byte, romSize)

	d, err := bios32.NewDirectory(DirectoryEntry)
	if err != nil {
		return nil, err
	}

	b, err := d.Bytes()
	if err != nil {
		return nil, err
	}

	copy(data[DirectoryAddr-romBase:], b)
	copy(data[DirectoryEntry-romBase:], directoryStub())
	copy(data[PCIEntry-romBase:], pciStub())

	return &bios32.Window{Base: romBase, Data: data}, nil
}

// directoryStub answers "$PCI" with the service base, length and entry
// offset, and 0x80 in AL otherwise.
func directoryStub() []byte {
	// pushf; cli; cmp eax, "$PCI"
	code := []byte{0x9c, 0xfa, 0x3d}
	code = binary.LittleEndian.AppendUint32(code, bios32.ServicePCI)

	// jne; mov ebx, base; mov ecx, length; mov edx, offset
	code = append(code, 0x75, 0x13, 0xbb)
	code = binary.LittleEndian.AppendUint32(code, PCIServiceBase)
	code = append(code, 0xb9)
	code = binary.LittleEndian.AppendUint32(code, PCIServiceLen)
	code = append(code, 0xba)
	code = binary.LittleEndian.AppendUint32(code, PCIEntryOffset)

	return append(code,
		0x30, 0xc0, // xor al, al
		0x9d, 0xcb, // popf; lret
		0xb0, 0x80, // mov al, 0x80
		0x9d, 0xcb, // popf; lret
	)
}

func pciStub() []byte {
	return []byte{
		0x9c, // pushf
		0xfa, // cli
		0x90, // nop
		0x9d, // popf
		0xcb, // lret
	}
}

func (f *Firmware) Call(entry uint32, r *bios32.Regs) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	switch entry {
	case DirectoryEntry:
		f.directory(r)
	case PCIEntry:
		f.pci(r)
	default:
		return fmt.Errorf("0x%05x: %w", entry, ErrNoEntry)
	}

	return nil
}

func (f *Firmware) directory(r *bios32.Regs) {
	if r.EAX != bios32.ServicePCI || f.NoPCIService {
		r.EAX = r.EAX&^0xff | 0x80

		return
	}

	r.EAX &^= 0xff
	r.EBX = PCIServiceBase
	r.ECX = PCIServiceLen
	r.EDX = PCIEntryOffset
}

func setStatus(r *bios32.Regs, s pci.Status) {
	r.EAX = r.EAX&^0xff00 | uint32(s)<<8
	r.CF = s != pci.Successful
}

func (f *Firmware) pci(r *bios32.Regs) {
	fn := uint16(r.EAX)

	switch fn {
	case bios32.PCIBIOSPresent:
		hw := uint32(0)

		switch f.host.Mechanism() {
		case Mechanism1:
			hw = 0x01
		case Mechanism2:
			hw = 0x02
		}

		r.EAX = hw
		r.EBX = 0x0210
		r.ECX = uint32(f.host.LastBus())
		r.EDX = bios32.PCISignature
		r.CF = false
	case bios32.FindPCIDevice:
		vendor, device := uint16(r.EDX), uint16(r.ECX)
		if vendor == 0xffff {
			setStatus(r, pci.BadVendorID)

			return
		}

		f.find(r, func(fn *Function) bool {
			return uint16(fn.Config(pci.VendorID, pci.Word)) == vendor &&
				uint16(fn.Config(pci.DeviceID, pci.Word)) == device
		})
	case bios32.FindPCIClassCode:
		class := r.ECX & 0xffffff

		f.find(r, func(fn *Function) bool {
			return fn.Config(pci.ClassRevision, pci.Dword)>>8 == class
		})
	case bios32.ReadConfigByte, bios32.ReadConfigWord, bios32.ReadConfigDword:
		w := pci.Width(1 << (fn - bios32.ReadConfigByte))
		if !f.aligned(r, w) {
			return
		}

		data := make([]byte, w)
		f.host.ReadConfig(uint8(r.EBX>>8), pci.Devfn(r.EBX), uint8(r.EDI), data)

		v := uint32(0)
		for i, b := range data {
			v |= uint32(b) << (8 * i)
		}

		r.ECX = r.ECX&^w.Mask() | v
		setStatus(r, pci.Successful)
	case bios32.WriteConfigByte, bios32.WriteConfigWord, bios32.WriteConfigDword:
		w := pci.Width(1 << (fn - bios32.WriteConfigByte))
		if !f.aligned(r, w) {
			return
		}

		data := make([]byte, w)
		for i := range data {
			data[i] = uint8(r.ECX >> (8 * i))
		}

		f.host.WriteConfig(uint8(r.EBX>>8), pci.Devfn(r.EBX), uint8(r.EDI), data)
		setStatus(r, pci.Successful)
	default:
		setStatus(r, pci.FuncNotSupported)
	}
}

func (f *Firmware) aligned(r *bios32.Regs, w pci.Width) bool {
	if uint8(r.EDI)&uint8(w-1) != 0 {
		setStatus(r, pci.BadRegisterNumber)

		return false
	}

	return true
}

// find walks every reachable function in bus and devfn order and stores
// the SI-th match in BX.
func (f *Firmware) find(r *bios32.Regs, match func(*Function) bool) {
	index := int(uint16(r.ESI))
	last := f.host.LastBus()

	for bus := 0; bus <= int(last); bus++ {
		for devfn := 0; devfn < 256; devfn++ {
			fn := f.host.Function(uint8(bus), pci.Devfn(devfn))
			if fn == nil || !match(fn) {
				continue
			}

			if index > 0 {
				index--

				continue
			}

			r.EBX = r.EBX&^0xffff | uint32(bus)<<8 | uint32(devfn)
			setStatus(r, pci.Successful)

			return
		}
	}

	setStatus(r, pci.DeviceNotFound)
}

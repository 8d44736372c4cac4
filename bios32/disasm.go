package bios32

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"
)

var ErrDecode = errors.New("cannot decode instruction")

// Line is one decoded instruction.
type Line struct {
	PC   uint64
	Inst x86asm.Inst
}

// String renders the instruction in GNU syntax, like objdump.
func (l Line) String() string {
	return fmt.Sprintf("%05x: %s", l.PC, x86asm.GNUSyntax(l.Inst, l.PC, nil))
}

// Disassemble decodes up to n 32-bit instructions from code, which starts
// at the physical address pc. It stops early at the end of code.
func Disassemble(code []byte, pc uint64, n int) ([]Line, error) {
	lines := []Line{}

	for off := 0; len(lines) < n && off < len(code); {
		d, err := x86asm.Decode(code[off:], 32)
		if err != nil {
			return lines, fmt.Errorf("at 0x%05x: %v: %w", pc+uint64(off), err, ErrDecode)
		}

		lines = append(lines, Line{PC: pc + uint64(off), Inst: d})
		off += d.Len
	}

	return lines, nil
}

// DisassembleAt reads size bytes at the physical address entry in mem and
// decodes up to n instructions from them.
func DisassembleAt(mem io.ReaderAt, entry uint32, size, n int) ([]Line, error) {
	code := make([]byte, size)

	m, err := mem.ReadAt(code, int64(entry))
	if m == 0 && err != nil {
		return nil, err
	}

	return Disassemble(code[:m], uint64(entry), n)
}

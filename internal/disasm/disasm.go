// Package disasm decodes a single x86-64 instruction for display. It is
// display-only: the engine never consults it to make a control-flow
// decision. Grounded in the teacher's cgo+capstone disassOne (disass.go),
// reimplemented with the pure-Go golang.org/x/arch/x86/x86asm decoder so
// the module carries no cgo dependency.
package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Instruction is one decoded instruction at a known address.
type Instruction struct {
	Addr   uint64
	Length int
	Text   string
}

// Decode decodes the first instruction in code, which is assumed to have
// been read starting at addr. Callers must first undo any breakpoint
// patch in code (replace a 0xCC byte with the saved original) or the
// decode will report "int3" instead of the real instruction.
func Decode(addr uint64, code []byte) (Instruction, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf("decode at %#x: %w", addr, err)
	}
	return Instruction{
		Addr:   addr,
		Length: inst.Len,
		Text:   x86asm.GNUSyntax(inst, addr, nil),
	}, nil
}

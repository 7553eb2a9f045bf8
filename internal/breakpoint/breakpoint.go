// Package breakpoint implements one software breakpoint: a byte-granular
// patch (0xCC, INT3) applied as a word-granular read-modify-write over
// tracee memory, grounded in the teacher's bp.go.
package breakpoint

import (
	"encoding/binary"
	"fmt"
)

const int3 = 0xCC

// Memory is the narrow slice of tracee-memory access a Breakpoint needs.
// internal/tracee.Controller satisfies it.
type Memory interface {
	ReadWord(addr uintptr) (uint64, error)
	WriteWord(addr uintptr, v uint64) error
}

// Breakpoint is one software breakpoint at an absolute address.
//
// Invariant: if Enabled, the byte at Addr in the tracee is 0xCC and
// SavedByte holds the original. If !Enabled, the byte at Addr equals
// SavedByte (unless the tracee has since self-modified it, which this
// package does not defend against).
type Breakpoint struct {
	mem       Memory
	Addr      uintptr
	Enabled   bool
	SavedByte byte
}

// New creates a disabled breakpoint at addr. Call Enable to arm it.
func New(mem Memory, addr uintptr) *Breakpoint {
	return &Breakpoint{mem: mem, Addr: addr}
}

// Enable arms the breakpoint: it reads the word at Addr, remembers its
// low byte as SavedByte, and writes the word back with the low byte
// replaced by 0xCC. Requires !Enabled.
func (b *Breakpoint) Enable() error {
	if b.Enabled {
		return fmt.Errorf("breakpoint at %#x already enabled", b.Addr)
	}
	word, err := b.mem.ReadWord(b.Addr)
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, word)
	b.SavedByte = buf[0]

	patched := (word &^ 0xff) | int3
	if err := b.mem.WriteWord(b.Addr, patched); err != nil {
		return err
	}
	b.Enabled = true
	return nil
}

// Disable disarms the breakpoint: it reads the word at Addr and restores
// its low byte to SavedByte. Requires Enabled.
func (b *Breakpoint) Disable() error {
	if !b.Enabled {
		return fmt.Errorf("breakpoint at %#x already disabled", b.Addr)
	}
	word, err := b.mem.ReadWord(b.Addr)
	if err != nil {
		return err
	}
	restored := (word &^ 0xff) | uint64(b.SavedByte)
	if err := b.mem.WriteWord(b.Addr, restored); err != nil {
		return err
	}
	b.Enabled = false
	return nil
}

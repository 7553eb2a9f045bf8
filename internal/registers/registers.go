// Package registers names the 27 general-purpose, segment and flag
// registers of x86-64 exposed by the kernel's user-area register block
// (golang.org/x/sys/unix.PtraceRegs) and maps each to its DWARF register
// number, so the engine can translate between DWARF location expressions
// and PTRACE_GETREGS/PTRACE_SETREGS without a per-register case analysis
// at the call site.
package registers

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// RegID names one register. The int value has no meaning on its own;
// lookups go through linear scans of descriptors and the Get/Set switches.
// The iota block below lists the registers in the same order as
// descriptors.
type RegID int

const (
	R15 RegID = iota
	R14
	R13
	R12
	Rbp
	Rbx
	R11
	R10
	R9
	R8
	Rax
	Rcx
	Rdx
	Rsi
	Rdi
	OrigRax
	Rip
	Cs
	Eflags
	Rsp
	Ss
	FsBase
	GsBase
	Ds
	Es
	Fs
	Gs
)

// Descriptor pairs a register with its DWARF register number (-1 if the
// x86-64 System V ABI assigns it none) and its human name.
type Descriptor struct {
	R      RegID
	DwarfR int
	Name   string
}

// descriptors is ordered to match unix.PtraceRegs' field order exactly.
// That order is load-bearing: Get/Set below never inspect it, they only
// ever reach straight into the named field, but callers (register dump)
// rely on iterating this slice in kernel-block order.
var descriptors = []Descriptor{
	{R15, 15, "r15"},
	{R14, 14, "r14"},
	{R13, 13, "r13"},
	{R12, 12, "r12"},
	{Rbp, 6, "rbp"},
	{Rbx, 3, "rbx"},
	{R11, 11, "r11"},
	{R10, 10, "r10"},
	{R9, 9, "r9"},
	{R8, 8, "r8"},
	{Rax, 0, "rax"},
	{Rcx, 2, "rcx"},
	{Rdx, 1, "rdx"},
	{Rsi, 4, "rsi"},
	{Rdi, 5, "rdi"},
	{OrigRax, -1, "orig_rax"},
	{Rip, 16, "rip"},
	{Cs, 51, "cs"},
	{Eflags, 49, "eflags"},
	{Rsp, 7, "rsp"},
	{Ss, 52, "ss"},
	{FsBase, 58, "fs_base"},
	{GsBase, 59, "gs_base"},
	{Ds, 53, "ds"},
	{Es, 50, "es"},
	{Fs, 54, "fs"},
	{Gs, 55, "gs"},
}

// All returns the fixed, ordered descriptor sequence.
func All() []Descriptor {
	return descriptors
}

// FromName resolves a register by its human name (case-insensitive).
func FromName(name string) (RegID, error) {
	name = strings.ToLower(name)
	for _, d := range descriptors {
		if d.Name == name {
			return d.R, nil
		}
	}
	return 0, fmt.Errorf("unknown register %q", name)
}

// FromDWARF resolves a register by its DWARF register number.
func FromDWARF(num int) (RegID, error) {
	for _, d := range descriptors {
		if d.DwarfR == num {
			return d.R, nil
		}
	}
	return 0, fmt.Errorf("unknown DWARF register %d", num)
}

// Name returns the descriptor name for r.
func Name(r RegID) string {
	for _, d := range descriptors {
		if d.R == r {
			return d.Name
		}
	}
	return ""
}

// Get reads the single word named by r out of a full register block.
func Get(regs *unix.PtraceRegs, r RegID) (uint64, error) {
	switch r {
	case R15:
		return regs.R15, nil
	case R14:
		return regs.R14, nil
	case R13:
		return regs.R13, nil
	case R12:
		return regs.R12, nil
	case Rbp:
		return regs.Rbp, nil
	case Rbx:
		return regs.Rbx, nil
	case R11:
		return regs.R11, nil
	case R10:
		return regs.R10, nil
	case R9:
		return regs.R9, nil
	case R8:
		return regs.R8, nil
	case Rax:
		return regs.Rax, nil
	case Rcx:
		return regs.Rcx, nil
	case Rdx:
		return regs.Rdx, nil
	case Rsi:
		return regs.Rsi, nil
	case Rdi:
		return regs.Rdi, nil
	case OrigRax:
		return regs.Orig_rax, nil
	case Rip:
		return regs.Rip, nil
	case Cs:
		return regs.Cs, nil
	case Eflags:
		return regs.Eflags, nil
	case Rsp:
		return regs.Rsp, nil
	case Ss:
		return regs.Ss, nil
	case FsBase:
		return regs.Fs_base, nil
	case GsBase:
		return regs.Gs_base, nil
	case Ds:
		return regs.Ds, nil
	case Es:
		return regs.Es, nil
	case Fs:
		return regs.Fs, nil
	case Gs:
		return regs.Gs, nil
	default:
		return 0, fmt.Errorf("unknown register id %d", r)
	}
}

// Set writes the single word named by r into a full register block. The
// caller is responsible for writing the block back with PTRACE_SETREGS.
func Set(regs *unix.PtraceRegs, r RegID, v uint64) error {
	switch r {
	case R15:
		regs.R15 = v
	case R14:
		regs.R14 = v
	case R13:
		regs.R13 = v
	case R12:
		regs.R12 = v
	case Rbp:
		regs.Rbp = v
	case Rbx:
		regs.Rbx = v
	case R11:
		regs.R11 = v
	case R10:
		regs.R10 = v
	case R9:
		regs.R9 = v
	case R8:
		regs.R8 = v
	case Rax:
		regs.Rax = v
	case Rcx:
		regs.Rcx = v
	case Rdx:
		regs.Rdx = v
	case Rsi:
		regs.Rsi = v
	case Rdi:
		regs.Rdi = v
	case OrigRax:
		regs.Orig_rax = v
	case Rip:
		regs.Rip = v
	case Cs:
		regs.Cs = v
	case Eflags:
		regs.Eflags = v
	case Rsp:
		regs.Rsp = v
	case Ss:
		regs.Ss = v
	case FsBase:
		regs.Fs_base = v
	case GsBase:
		regs.Gs_base = v
	case Ds:
		regs.Ds = v
	case Es:
		regs.Es = v
	case Fs:
		regs.Fs = v
	case Gs:
		regs.Gs = v
	default:
		return fmt.Errorf("unknown register id %d", r)
	}
	return nil
}

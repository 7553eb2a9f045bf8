package engine

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"minidbg/internal/dwarfinfo"
	"minidbg/internal/tracee"
)

// fakeControl simulates a traced process entirely in memory: a byte map
// keyed by address stands in for the tracee's address space, and a PtraceRegs value
// stands in for its register block. Continue/SingleStep advance a
// scripted instruction stream rather than truly executing machine code,
// which is all the engine's control-flow logic needs to be exercised.
type fakeControl struct {
	mem  map[uint64]byte
	regs unix.PtraceRegs

	// instrLen maps an instruction's address to its length in bytes, so
	// Continue/SingleStep can advance PC realistically and Continue can
	// "run" until it reaches an address with a 0xCC byte installed.
	instrLen map[uint64]int

	exited     bool
	exitStatus int
}

func newFakeControl() *fakeControl {
	return &fakeControl{mem: make(map[uint64]byte), instrLen: make(map[uint64]int)}
}

func (f *fakeControl) setWord(addr uint64, v uint64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	for i, b := range buf {
		f.mem[addr+uint64(i)] = b
	}
}

func (f *fakeControl) word(addr uint64) uint64 {
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = f.mem[addr+uint64(i)]
	}
	return binary.LittleEndian.Uint64(buf)
}

func (f *fakeControl) PID() int { return 1 }

func (f *fakeControl) ReadWord(addr uintptr) (uint64, error) {
	return f.word(uint64(addr)), nil
}

func (f *fakeControl) WriteWord(addr uintptr, v uint64) error {
	f.setWord(uint64(addr), v)
	return nil
}

func (f *fakeControl) ReadRegisters() (unix.PtraceRegs, error) { return f.regs, nil }

func (f *fakeControl) WriteRegisters(r unix.PtraceRegs) error {
	f.regs = r
	return nil
}

// SingleStep advances PC by the scripted length of the instruction it is
// currently on (default 1 if unscripted).
func (f *fakeControl) SingleStep() error {
	if f.exited {
		return nil
	}
	n := f.instrLen[f.regs.Rip]
	if n == 0 {
		n = 1
	}
	f.regs.Rip += uint64(n)
	return nil
}

// Continue advances PC instruction-by-instruction (as SingleStep would)
// until it lands on an address whose low byte is 0xCC, or returns
// immediately if the tracee has already exited.
func (f *fakeControl) Continue() error {
	if f.exited {
		return nil
	}
	for {
		if err := f.SingleStep(); err != nil {
			return err
		}
		if f.mem[f.regs.Rip] == 0xCC {
			f.regs.Rip++ // the "hardware" advances past the trap byte
			return nil
		}
	}
}

func (f *fakeControl) Wait() (unix.WaitStatus, error) {
	if f.exited {
		return makeExitedStatus(f.exitStatus), nil
	}
	return makeStoppedStatus(unix.SIGTRAP), nil
}

// GetSigInfo mirrors tracee.Controller's: a non-SIGTRAP stop is
// TrapOther, otherwise the breakpoint predicate at PC-1 tells a
// breakpoint trap from a single-step completion.
func (f *fakeControl) GetSigInfo(ws unix.WaitStatus, hasBreakpointAt func(uint64) bool) (tracee.SigInfo, error) {
	sig := ws.StopSignal()
	if sig != unix.SIGTRAP {
		return tracee.SigInfo{Signo: int(sig), Code: tracee.TrapOther}, nil
	}
	if f.regs.Rip > 0 && hasBreakpointAt(f.regs.Rip-1) {
		return tracee.SigInfo{Signo: int(sig), Code: tracee.TrapBrkpt}, nil
	}
	return tracee.SigInfo{Signo: int(sig), Code: tracee.TrapTrace}, nil
}

func (f *fakeControl) Kill(sig unix.Signal) error {
	return nil
}

// fakeFacade is a hand-built dwarfinfo.Facade for a single synthetic
// function so stepping logic can be tested without a real ELF/DWARF
// binary (the narrow interface in dwarfinfo.Facade exists exactly for
// this: §9's "dynamic dispatch" note).
type fakeFacade struct {
	functions []*dwarfinfo.Function
	lines     map[int][]dwarfinfo.LineEntry // by CU index
	symbols   []dwarfinfo.Symbol
}

func (f *fakeFacade) FunctionContaining(pc uint64) (*dwarfinfo.Function, error) {
	for _, fn := range f.functions {
		if fn.Contains(pc) {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("no function contains %#x", pc)
}

func (f *fakeFacade) FunctionByName(name string) ([]*dwarfinfo.Function, error) {
	var out []*dwarfinfo.Function
	for _, fn := range f.functions {
		if fn.Name == name {
			out = append(out, fn)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no function named %q", name)
	}
	return out, nil
}

func (f *fakeFacade) LineEntryFor(pc uint64) (*dwarfinfo.LineEntry, error) {
	for _, lines := range f.lines {
		var best *dwarfinfo.LineEntry
		for i := range lines {
			if lines[i].Address <= pc && (best == nil || lines[i].Address > best.Address) {
				best = &lines[i]
			}
		}
		if best != nil {
			return best, nil
		}
	}
	return nil, fmt.Errorf("no line entry for %#x", pc)
}

func (f *fakeFacade) LineEntriesInFunction(fn *dwarfinfo.Function) ([]dwarfinfo.LineEntry, error) {
	var out []dwarfinfo.LineEntry
	for _, l := range f.lines[fn.CU] {
		if l.Address >= fn.Low && l.Address < fn.High {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeFacade) LineEntriesForSourceLine(file string, line int) ([]dwarfinfo.LineEntry, error) {
	var out []dwarfinfo.LineEntry
	for _, lines := range f.lines {
		for _, l := range lines {
			if l.IsStmt && l.File == file && l.Line == line {
				out = append(out, l)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no line entry for %s:%d", file, line)
	}
	return out, nil
}

func (f *fakeFacade) SymbolsNamed(name string) ([]dwarfinfo.Symbol, error) {
	var out []dwarfinfo.Symbol
	for _, s := range f.symbols {
		if s.Name == name {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no symbol named %q", name)
	}
	return out, nil
}

func makeStoppedStatus(sig unix.Signal) unix.WaitStatus {
	// WaitStatus is a uint32 on linux/amd64: low byte 0x7f marks
	// "stopped", next byte is the stopping signal.
	return unix.WaitStatus(0x7f | (uint32(sig) << 8))
}

func makeExitedStatus(code int) unix.WaitStatus {
	return unix.WaitStatus(uint32(code) << 8)
}

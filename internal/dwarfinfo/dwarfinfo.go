// Package dwarfinfo is the read-only facade over a debuggee's ELF symbol
// tables and DWARF debugging data: it answers "what function/line is this
// address in" and "what address is this function/line at" so the engine
// never touches debug/elf or debug/dwarf directly. Built on the standard
// library's debug/elf and debug/dwarf, the "assumed available" libraries
// this module's scope treats as an external collaborator.
package dwarfinfo

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sort"
)

// Function describes one subprogram DIE.
type Function struct {
	Name  string
	Low   uint64
	High  uint64 // end-exclusive
	CU    int    // index into the compilation-unit list that owns this DIE
}

func (f *Function) Contains(pc uint64) bool { return pc >= f.Low && pc < f.High }

// LineEntry mirrors one row of a DWARF line table.
type LineEntry struct {
	Address uint64
	File    string
	Line    int
	IsStmt  bool
}

// SymbolKind mirrors the ELF STT_* symbol types the facade distinguishes.
type SymbolKind int

const (
	SymNoType SymbolKind = iota
	SymObject
	SymFunc
	SymSection
	SymFile
)

// Symbol is one ELF symbol-table entry.
type Symbol struct {
	Kind SymbolKind
	Name string
	Addr uint64
}

// Facade is the narrow surface the engine consumes. Production code gets
// it from Load; tests substitute a hand-built fake.
type Facade interface {
	FunctionContaining(pc uint64) (*Function, error)
	FunctionByName(name string) ([]*Function, error)
	LineEntryFor(pc uint64) (*LineEntry, error)
	LineEntriesInFunction(fn *Function) ([]LineEntry, error)
	LineEntriesForSourceLine(file string, line int) ([]LineEntry, error)
	SymbolsNamed(name string) ([]Symbol, error)
}

// Info is the concrete Facade backed by one opened ELF/DWARF file.
type Info struct {
	elf *elf.File

	functions []*Function   // sorted by Low
	lines     [][]LineEntry // lines[cu], each sorted by Address
	symbols   []Symbol
}

// Load opens path, parses its ELF symbol tables and DWARF debug info, and
// returns a ready-to-query Facade.
func Load(path string) (*Info, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}

	info := &Info{elf: f}
	if err := info.loadSymbols(f); err != nil {
		f.Close()
		return nil, err
	}
	if err := info.loadDWARF(f); err != nil {
		f.Close()
		return nil, err
	}
	return info, nil
}

// Close releases the underlying ELF file.
func (info *Info) Close() error { return info.elf.Close() }

func (info *Info) loadSymbols(f *elf.File) error {
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if s.Name == "" {
				continue
			}
			info.symbols = append(info.symbols, Symbol{
				Kind: symbolKind(s.Info),
				Name: s.Name,
				Addr: s.Value,
			})
		}
	}
	if syms, err := f.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		add(syms)
	}
	return nil
}

func symbolKind(info byte) SymbolKind {
	switch elf.ST_TYPE(info) {
	case elf.STT_OBJECT:
		return SymObject
	case elf.STT_FUNC:
		return SymFunc
	case elf.STT_SECTION:
		return SymSection
	case elf.STT_FILE:
		return SymFile
	default:
		return SymNoType
	}
}

func (info *Info) loadDWARF(f *elf.File) error {
	d, err := f.DWARF()
	if err != nil {
		return fmt.Errorf("load dwarf: %w", err)
	}

	r := d.Reader()
	cuIndex := -1

	for {
		entry, err := r.Next()
		if err != nil {
			return fmt.Errorf("walk dwarf entries: %w", err)
		}
		if entry == nil {
			break
		}

		switch entry.Tag {
		case dwarf.TagCompileUnit:
			cuIndex++
			info.lines = append(info.lines, nil)
			if lines, err := readLineTable(d, entry); err == nil {
				info.lines[cuIndex] = lines
			}
		case dwarf.TagSubprogram:
			fn := functionFromDIE(entry, cuIndex)
			if fn != nil {
				info.functions = append(info.functions, fn)
			}
		}
	}

	sort.Slice(info.functions, func(i, j int) bool { return info.functions[i].Low < info.functions[j].Low })
	return nil
}

func functionFromDIE(entry *dwarf.Entry, cuIndex int) *Function {
	name, _ := entry.Val(dwarf.AttrName).(string)
	low, ok := entry.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return nil
	}
	field := entry.AttrField(dwarf.AttrHighpc)
	if field == nil {
		return nil
	}
	var high uint64
	switch field.Class {
	case dwarf.ClassConstant:
		high = low + uint64(field.Val.(int64))
	default:
		high, _ = field.Val.(uint64)
	}
	if high <= low {
		return nil
	}
	return &Function{Name: name, Low: low, High: high, CU: cuIndex}
}

func readLineTable(d *dwarf.Data, cu *dwarf.Entry) ([]LineEntry, error) {
	lr, err := d.LineReader(cu)
	if err != nil {
		return nil, err
	}
	if lr == nil {
		return nil, nil
	}

	var out []LineEntry
	var le dwarf.LineEntry
	for {
		if err := lr.Next(&le); err != nil {
			break // io.EOF ends the sequence
		}
		file := ""
		if le.File != nil {
			file = le.File.Name
		}
		out = append(out, LineEntry{
			Address: le.Address,
			File:    file,
			Line:    le.Line,
			IsStmt:  le.IsStmt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// FunctionContaining finds the subprogram DIE whose [Low, High) range
// contains pc.
func (info *Info) FunctionContaining(pc uint64) (*Function, error) {
	i := sort.Search(len(info.functions), func(i int) bool { return info.functions[i].Low > pc })
	if i == 0 {
		return nil, fmt.Errorf("no function contains pc %#x", pc)
	}
	fn := info.functions[i-1]
	if !fn.Contains(pc) {
		return nil, fmt.Errorf("no function contains pc %#x", pc)
	}
	return fn, nil
}

// FunctionByName returns every subprogram DIE named name (there may be
// more than one across compilation units).
func (info *Info) FunctionByName(name string) ([]*Function, error) {
	var out []*Function
	for _, fn := range info.functions {
		if fn.Name == name {
			out = append(out, fn)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no function named %q", name)
	}
	return out, nil
}

// LineEntryFor returns the line-table row governing pc: the entry with
// the greatest address not exceeding pc, within whichever compilation
// unit's line table covers it.
func (info *Info) LineEntryFor(pc uint64) (*LineEntry, error) {
	for _, lines := range info.lines {
		if len(lines) == 0 || pc < lines[0].Address || pc > lines[len(lines)-1].Address {
			continue
		}
		i := sort.Search(len(lines), func(i int) bool { return lines[i].Address > pc })
		if i == 0 {
			continue
		}
		e := lines[i-1]
		return &e, nil
	}
	return nil, fmt.Errorf("no line entry for pc %#x", pc)
}

// LineEntriesInFunction returns every line-table row whose address falls
// within fn's range, ordered by address. Used by step-over to arm one
// temporary breakpoint per statement in the current function.
func (info *Info) LineEntriesInFunction(fn *Function) ([]LineEntry, error) {
	if fn.CU < 0 || fn.CU >= len(info.lines) {
		return nil, fmt.Errorf("function %q has no line table", fn.Name)
	}
	var out []LineEntry
	for _, e := range info.lines[fn.CU] {
		if e.Address >= fn.Low && e.Address < fn.High {
			out = append(out, e)
		}
	}
	return out, nil
}

// LineEntriesForSourceLine returns every is_stmt line-table row matching
// file:line, across all compilation units (the Open Question in the
// distilled spec: this facade hands back every match and lets the
// engine/dispatcher decide whether that's one address or several).
func (info *Info) LineEntriesForSourceLine(file string, line int) ([]LineEntry, error) {
	var out []LineEntry
	for _, lines := range info.lines {
		for _, e := range lines {
			if e.IsStmt && e.Line == line && matchesFile(e.File, file) {
				out = append(out, e)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no line entry for %s:%d", file, line)
	}
	return out, nil
}

func matchesFile(have, want string) bool {
	if have == want {
		return true
	}
	// DWARF file names are often full compiler paths; accept a basename
	// match so `break main.c:10` works against `/build/src/main.c`.
	hb, wb := basename(have), basename(want)
	return hb == wb
}

func basename(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

// SymbolsNamed scans both the regular and dynamic ELF symbol tables for
// exact-name matches.
func (info *Info) SymbolsNamed(name string) ([]Symbol, error) {
	var out []Symbol
	for _, s := range info.symbols {
		if s.Name == name {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no symbol named %q", name)
	}
	return out, nil
}

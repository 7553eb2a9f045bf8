package engine

import (
	"errors"
	"fmt"
)

// ErrTraceeExited is returned, once the tracee has exited, by every Engine
// method that resumes or steps the tracee, sets a breakpoint, disassembles,
// or reads or writes its registers or memory. Run, Interrupt,
// RemoveBreakpoint, Breakpoints, FunctionCandidates, LookupSymbol and
// CurrentLine do not check for it.
var ErrTraceeExited = errors.New("tracee has exited")

// TraceeError wraps a failed kernel tracing call. Op names the engine
// operation that failed (not the raw syscall), so users see "continue
// failed: ..." rather than "ptracecont failed: ...".
type TraceeError struct {
	Op  string
	Err error
}

func (e *TraceeError) Error() string { return fmt.Sprintf("%s failed: %v", e.Op, e.Err) }
func (e *TraceeError) Unwrap() error { return e.Err }

// OutOfRange reports that a PC has no known function/line, or a name has
// no matching DIE. Never fatal.
type OutOfRange struct {
	What string
}

func (e *OutOfRange) Error() string { return e.What }

// Ambiguous reports that a function lookup (break NAME) matched more than
// one candidate; Candidates lets the dispatcher disambiguate
// (e.g. via a promptui select) instead of the engine silently guessing.
type Ambiguous[T any] struct {
	What       string
	Candidates []T
}

func (e *Ambiguous[T]) Error() string {
	return fmt.Sprintf("%s is ambiguous: %d candidates", e.What, len(e.Candidates))
}

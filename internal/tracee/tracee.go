// Package tracee wraps the kernel process-tracing primitives: continue,
// single-step, read/write a word of memory, read/write the register
// block, and wait for the next stop. Every ptrace and wait4 call is issued
// from one dedicated, OS-thread-locked goroutine per tracee, because ptrace on
// Linux binds a tracer *thread* to its tracee for the life of the
// relationship — whichever thread attached (or whose child called
// PTRACE_TRACEME) is the only thread allowed to operate on it.
package tracee

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Error reports a failed tracing syscall, wrapping the underlying errno
// so callers can still errors.Is(err, syscall.ESRCH) and friends.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("%s failed: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// SigInfo carries the piece of signal information the engine's trap
// dispatch needs. x/sys/unix does not expose PTRACE_GETSIGINFO, so
// Controller derives Code from the wait status and the caller-supplied
// breakpoint predicate instead of a real siginfo_t read.
type SigInfo struct {
	Signo int
	Code  int
}

// Trap codes. TrapBrkpt and TrapTrace are modeled after Linux's
// <siginfo.h> si_code values for SIGTRAP (the only two the engine
// distinguishes); TrapOther marks any stop by a signal other than SIGTRAP.
const (
	TrapBrkpt = 1 // SI_KERNEL / TRAP_BRKPT-equivalent: software breakpoint
	TrapTrace = 2 // TRAP_TRACE-equivalent: single-step completion
	TrapOther = 3
)

type request struct {
	run  func() (any, error)
	resp chan response
}

type response struct {
	val any
	err error
}

// Controller serializes every ptrace/wait4 call for one tracee onto a
// single locked OS thread.
type Controller struct {
	pid  int
	req  chan request
	done chan struct{}
}

// New starts the dedicated ptrace goroutine for pid. pid need not be
// alive yet; operations against it will simply fail until it is.
func New(pid int) *Controller {
	c := &Controller{
		pid:  pid,
		req:  make(chan request),
		done: make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Controller) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)

	for r := range c.req {
		val, err := func() (v any, err error) {
			defer func() {
				if x := recover(); x != nil {
					err = fmt.Errorf("%v", x)
				}
			}()
			return r.run()
		}()
		r.resp <- response{val, err}
	}
}

// Close stops the dedicated goroutine. Safe to call once.
func (c *Controller) Close() {
	close(c.req)
	<-c.done
}

func call[T any](c *Controller, fn func() (T, error)) (T, error) {
	resp := make(chan response, 1)
	c.req <- request{
		run:  func() (any, error) { return fn() },
		resp: resp,
	}
	r := <-resp
	if r.err != nil {
		var zero T
		return zero, r.err
	}
	return r.val.(T), nil
}

func callErr(c *Controller, fn func() error) error {
	_, err := call(c, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// PID reports the tracee's process ID.
func (c *Controller) PID() int { return c.pid }

// Attach attaches to an already-running process.
func (c *Controller) Attach() error {
	if err := callErr(c, func() error { return unix.PtraceAttach(c.pid) }); err != nil {
		return &Error{"attach", err}
	}
	return nil
}

// Detach releases the tracee, letting it run free.
func (c *Controller) Detach() error {
	if err := callErr(c, func() error { return unix.PtraceDetach(c.pid) }); err != nil {
		return &Error{"detach", err}
	}
	return nil
}

// Continue resumes the tracee until its next stop.
func (c *Controller) Continue() error {
	if err := callErr(c, func() error { return unix.PtraceCont(c.pid, 0) }); err != nil {
		return &Error{"cont", err}
	}
	return nil
}

// SingleStep executes exactly one instruction and stops.
func (c *Controller) SingleStep() error {
	if err := callErr(c, func() error { return unix.PtraceSingleStep(c.pid) }); err != nil {
		return &Error{"singlestep", err}
	}
	return nil
}

// ReadWord reads one 8-byte machine word at addr.
func (c *Controller) ReadWord(addr uintptr) (uint64, error) {
	word, err := call(c, func() (uint64, error) {
		buf := make([]byte, 8)
		n, err := unix.PtracePeekData(c.pid, addr, buf)
		if err != nil {
			return 0, err
		}
		if n != len(buf) {
			return 0, fmt.Errorf("short peek at %#x: got %d bytes", addr, n)
		}
		return binary.LittleEndian.Uint64(buf), nil
	})
	if err != nil {
		return 0, &Error{"peekdata", err}
	}
	return word, nil
}

// WriteWord overwrites the 8-byte machine word at addr with v.
func (c *Controller) WriteWord(addr uintptr, v uint64) error {
	err := callErr(c, func() error {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, v)
		n, err := unix.PtracePokeData(c.pid, addr, buf)
		if err != nil {
			return err
		}
		if n != len(buf) {
			return fmt.Errorf("short poke at %#x: wrote %d bytes", addr, n)
		}
		return nil
	})
	if err != nil {
		return &Error{"pokedata", err}
	}
	return nil
}

// ReadRegisters fetches the entire user-area register block.
func (c *Controller) ReadRegisters() (unix.PtraceRegs, error) {
	regs, err := call(c, func() (unix.PtraceRegs, error) {
		var r unix.PtraceRegs
		err := unix.PtraceGetRegs(c.pid, &r)
		return r, err
	})
	if err != nil {
		return unix.PtraceRegs{}, &Error{"getregs", err}
	}
	return regs, nil
}

// WriteRegisters writes the entire user-area register block back.
func (c *Controller) WriteRegisters(regs unix.PtraceRegs) error {
	if err := callErr(c, func() error { return unix.PtraceSetRegs(c.pid, &regs) }); err != nil {
		return &Error{"setregs", err}
	}
	return nil
}

// Wait blocks until the tracee's state changes and reports it.
func (c *Controller) Wait() (unix.WaitStatus, error) {
	ws, err := call(c, func() (unix.WaitStatus, error) {
		var ws unix.WaitStatus
		_, err := unix.Wait4(c.pid, &ws, 0, nil)
		return ws, err
	})
	if err != nil {
		return 0, &Error{"wait4", err}
	}
	return ws, nil
}

// Kill sends sig to the tracee directly (used to forward an external
// Ctrl-C to a running, untraceable-at-that-instant child). kill(2) is not
// a ptrace request, so it is issued from the calling goroutine instead of
// being queued behind a Wait that is blocked on the ptrace goroutine.
func (c *Controller) Kill(sig unix.Signal) error {
	if err := unix.Kill(c.pid, sig); err != nil {
		return &Error{"kill", err}
	}
	return nil
}

// GetSigInfo reports the signal and trap cause of the tracee's current
// stop. x/sys/unix does not expose PTRACE_GETSIGINFO, so a non-SIGTRAP
// stop is reported as TrapOther and a SIGTRAP stop's cause is derived
// from hasBreakpointAt(PC-1): true means the trap is this debugger's own
// 0xCC (TrapBrkpt), false means a single-step completion (TrapTrace).
func (c *Controller) GetSigInfo(ws unix.WaitStatus, hasBreakpointAt func(uint64) bool) (SigInfo, error) {
	sig := ws.StopSignal()
	if sig != unix.SIGTRAP {
		return SigInfo{Signo: int(sig), Code: TrapOther}, nil
	}
	regs, err := c.ReadRegisters()
	if err != nil {
		return SigInfo{}, err
	}
	if regs.Rip > 0 && hasBreakpointAt(regs.Rip-1) {
		return SigInfo{Signo: int(sig), Code: TrapBrkpt}, nil
	}
	return SigInfo{Signo: int(sig), Code: TrapTrace}, nil
}


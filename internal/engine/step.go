package engine

// SingleStepInstruction executes exactly one instruction, with no
// breakpoint handling: if PC happens to sit on a breakpoint this will
// trip it. Callers stepping through normal control flow should use
// SingleStepInstructionWithBreakpointCheck instead.
func (e *Engine) SingleStepInstruction() (StopEvent, error) {
	if err := e.checkAlive(); err != nil {
		return StopEvent{}, err
	}
	if err := e.ctrl.SingleStep(); err != nil {
		return StopEvent{}, &TraceeError{"singlestep", err}
	}
	return e.waitAndClassify()
}

// SingleStepInstructionWithBreakpointCheck steps one instruction. If the
// current PC has an installed, enabled breakpoint, it runs the
// step-over-breakpoint protocol instead of stepping directly into the
// 0xCC byte.
func (e *Engine) SingleStepInstructionWithBreakpointCheck() (StopEvent, error) {
	if err := e.checkAlive(); err != nil {
		return StopEvent{}, err
	}
	pc, err := e.pc()
	if err != nil {
		return StopEvent{}, err
	}
	if bp, ok := e.breakpoints[pc]; ok && bp.Enabled {
		if err := bp.Disable(); err != nil {
			return StopEvent{}, err
		}
		if err := e.ctrl.SingleStep(); err != nil {
			return StopEvent{}, &TraceeError{"singlestep", err}
		}
		ev, err := e.waitAndClassify()
		if err != nil {
			return StopEvent{}, err
		}
		if err := bp.Enable(); err != nil {
			return StopEvent{}, err
		}
		return ev, nil
	}
	return e.SingleStepInstruction()
}

// StepIn ("step") single-steps, hopping over breakpoints, until the
// resolved source line differs from the line PC started on. The line
// table is not monotonic in line number (inlining, loops), so "line
// changed" is the only reliable stopping predicate — not "line
// increased".
func (e *Engine) StepIn() (StopEvent, error) {
	if err := e.checkAlive(); err != nil {
		return StopEvent{}, err
	}
	start, err := e.CurrentLine()
	startLine := -1
	if err == nil {
		startLine = start.Line
	}

	for {
		ev, err := e.SingleStepInstructionWithBreakpointCheck()
		if err != nil {
			return StopEvent{}, err
		}
		if ev.Kind == Exited {
			return ev, nil
		}
		cur, err := e.CurrentLine()
		if err != nil {
			// Stepped somewhere without line info (e.g. into a PLT
			// stub); nothing more precise to stop on, so stop here.
			return ev, nil
		}
		if cur.Line != startLine {
			return ev, nil
		}
	}
}

// StepOver ("next") arms one temporary breakpoint on every statement in
// the enclosing function other than the current one, plus one at the
// return address, resumes, and tears every temporary breakpoint down
// unconditionally before returning — so the tracee stops at the next
// executed statement in this function without ever landing inside a
// callee (callees run to completion; a call only stops execution if its
// return happens to be the statement being stepped to).
func (e *Engine) StepOver() (StopEvent, error) {
	if err := e.checkAlive(); err != nil {
		return StopEvent{}, err
	}
	pc, err := e.pc()
	if err != nil {
		return StopEvent{}, err
	}
	fn, err := e.facade.FunctionContaining(pc)
	if err != nil {
		return StopEvent{}, &OutOfRange{err.Error()}
	}
	curLine, err := e.facade.LineEntryFor(pc)
	if err != nil {
		return StopEvent{}, &OutOfRange{err.Error()}
	}
	lines, err := e.facade.LineEntriesInFunction(fn)
	if err != nil {
		return StopEvent{}, &OutOfRange{err.Error()}
	}

	var temp []uint64
	install := func(addr uint64) error {
		if _, exists := e.breakpoints[addr]; exists {
			return nil
		}
		if _, err := e.SetBreakpointAtAddress(addr); err != nil {
			return err
		}
		temp = append(temp, addr)
		return nil
	}

	for _, l := range lines {
		if l.Address == curLine.Address {
			continue
		}
		if err := install(l.Address); err != nil {
			e.teardown(temp)
			return StopEvent{}, err
		}
	}

	regs, err := e.ctrl.ReadRegisters()
	if err != nil {
		e.teardown(temp)
		return StopEvent{}, &TraceeError{"getregs", err}
	}
	retAddr, err := e.ctrl.ReadWord(uintptr(regs.Rbp + 8))
	if err != nil {
		e.teardown(temp)
		return StopEvent{}, &TraceeError{"read memory", err}
	}
	if err := install(retAddr); err != nil {
		e.teardown(temp)
		return StopEvent{}, err
	}

	ev, err := e.ContinueExecution()
	e.teardown(temp)
	if err != nil {
		return StopEvent{}, err
	}
	return ev, nil
}

// StepOut ("finish") installs one temporary breakpoint at the return
// address (read from [rbp+8], the System V x86-64 convention) if none is
// already installed there, continues, and removes the temporary
// breakpoint afterward.
func (e *Engine) StepOut() (StopEvent, error) {
	if err := e.checkAlive(); err != nil {
		return StopEvent{}, err
	}
	regs, err := e.ctrl.ReadRegisters()
	if err != nil {
		return StopEvent{}, &TraceeError{"getregs", err}
	}
	retAddr, err := e.ctrl.ReadWord(uintptr(regs.Rbp + 8))
	if err != nil {
		return StopEvent{}, &TraceeError{"read memory", err}
	}

	installedHere := false
	if _, exists := e.breakpoints[retAddr]; !exists {
		if _, err := e.SetBreakpointAtAddress(retAddr); err != nil {
			return StopEvent{}, err
		}
		installedHere = true
	}

	ev, err := e.ContinueExecution()
	if installedHere {
		e.teardown([]uint64{retAddr})
	}
	if err != nil {
		return StopEvent{}, err
	}
	return ev, nil
}

// teardown unconditionally removes every temporary breakpoint in addrs,
// collecting the keys up front so callers never mutate e.breakpoints
// while a range over it is in progress.
func (e *Engine) teardown(addrs []uint64) {
	for _, addr := range addrs {
		bp, ok := e.breakpoints[addr]
		if !ok {
			continue
		}
		if bp.Enabled {
			_ = bp.Disable()
		}
		delete(e.breakpoints, addr)
	}
}

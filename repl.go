package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/manifoldco/promptui"

	"minidbg/internal/dwarfinfo"
	"minidbg/internal/engine"
)

var topLevelCommands = []string{
	"continue", "break", "step", "next", "finish", "stepi",
	"register", "memory", "symbol", "disassemble", "breakpoint", "quit",
}

// resolveCommand matches token against topLevelCommands by shortest
// disambiguating prefix (grounded in the teacher's regex-table cmdExec,
// generalized to literal prefix matching per the distilled spec: "c"
// means continue only once nothing else in the table starts with "c").
func resolveCommand(token string) (string, error) {
	token = strings.ToLower(token)
	var matches []string
	for _, c := range topLevelCommands {
		if c == token {
			return c, nil
		}
		if strings.HasPrefix(c, token) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return "", &unknownCommand{token}
	case 1:
		return matches[0], nil
	default:
		return "", &ambiguousCommand{token, matches}
	}
}

type unknownCommand struct{ input string }

func (e *unknownCommand) Error() string { return fmt.Sprintf("unknown command %q", e.input) }

type ambiguousCommand struct {
	input   string
	matches []string
}

func (e *ambiguousCommand) Error() string {
	return fmt.Sprintf("%q matches multiple commands: %s", e.input, strings.Join(e.matches, ", "))
}

type badArgs struct{ usage string }

func (e *badArgs) Error() string { return "usage: " + e.usage }

type repl struct {
	e  *engine.Engine
	rl *readline.Instance

	// execLo/execHi bound the tracee's own executable's r-xp mapping,
	// as read from /proc/<pid>/maps at startup; execRangeOK is false
	// when that mapping could not be found (e.g. the maps file was
	// already gone by the time it was read).
	execLo, execHi uint64
	execRangeOK    bool
}

func newREPL(e *engine.Engine) *repl {
	historyFile := filepath.Join(os.Getenv("HOME"), ".minidbg_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "minidbg> ",
		HistoryFile: historyFile,
	})
	if err != nil {
		// A broken terminal (no tty, unwritable history) shouldn't stop
		// the debugger from running; fall back to a prompt-only instance.
		rl, _ = readline.New("minidbg> ")
	}
	return &repl{e: e, rl: rl}
}

// run drives the read-eval-print loop. A Ctrl-C while a command is
// running forwards a SIGSTOP to the tracee instead of killing the
// debugger, so a runaway `continue` can be interrupted back to the prompt
// (grounded in the teacher's qemu/cmd.go Interactive(), which forwards
// SIGINT to the guest the same way). At the prompt itself readline
// reports Ctrl-C as an error from Readline, which ends the loop.
func (r *repl) run() {
	defer r.rl.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			if err := r.e.Interrupt(); err != nil {
				logError("%s", err.Error())
			}
		}
	}()

	for {
		line, err := r.rl.Readline()
		if err != nil { // io.EOF (Ctrl-D) or readline.ErrInterrupt (Ctrl-C)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := r.dispatch(line); err != nil {
			logError("%s", err.Error())
		}
	}
}

func (r *repl) dispatch(line string) error {
	fields := strings.Fields(line)
	cmd, err := resolveCommand(fields[0])
	if err != nil {
		return err
	}
	args := fields[1:]

	switch cmd {
	case "quit":
		os.Exit(0)
	case "continue":
		return r.reportStop(r.e.ContinueExecution())
	case "step":
		return r.reportStop(r.e.StepIn())
	case "next":
		return r.reportStop(r.e.StepOver())
	case "finish":
		return r.reportStop(r.e.StepOut())
	case "stepi":
		return r.reportStop(r.e.SingleStepInstructionWithBreakpointCheck())
	case "break":
		return r.cmdBreak(args)
	case "register":
		return r.cmdRegister(args)
	case "memory":
		return r.cmdMemory(args)
	case "symbol":
		return r.cmdSymbol(args)
	case "disassemble":
		return r.cmdDisassemble(args)
	case "breakpoint":
		return r.cmdBreakpoint(args)
	}
	return &unknownCommand{fields[0]}
}

func (r *repl) reportStop(ev engine.StopEvent, err error) error {
	if err != nil {
		return err
	}
	switch ev.Kind {
	case engine.Exited:
		printf("process exited, status %d\n", ev.ExitStatus)
	case engine.BreakpointHit:
		printf("breakpoint hit at %#x\n", ev.PC)
		r.printCurrentLine()
	case engine.SignalDelivered:
		printf("signal %s at %#x\n", ev.Signal, ev.PC)
	case engine.SingleStepDone:
		printf("stopped at %#x\n", ev.PC)
		r.printCurrentLine()
	}
	return nil
}

func (r *repl) printCurrentLine() {
	le, err := r.e.CurrentLine()
	if err != nil {
		return
	}
	printf("%s:%d\n", le.File, le.Line)
}

// cmdBreak handles `break 0xADDR`, `break FILE:LINE`, and `break NAME`,
// disambiguating a multi-DIE function match with promptui.Select per
// §9's resolution (the engine only ever reports the ambiguity; the
// REPL is where the user is asked).
func (r *repl) cmdBreak(args []string) error {
	if len(args) != 1 {
		return &badArgs{"break <0xADDR|FILE:LINE|NAME>"}
	}
	target := args[0]

	if addr, err := parseHex(target); err == nil {
		if r.execRangeOK && (addr < r.execLo || addr >= r.execHi) {
			printf("warning: %#x is outside %s's executable mapping (%#x-%#x)\n", addr, r.e.ProgName, r.execLo, r.execHi)
		}
		if _, err := r.e.SetBreakpointAtAddress(addr); err != nil {
			return err
		}
		printf("breakpoint set at %#x\n", addr)
		return nil
	}

	if file, line, ok := splitFileLine(target); ok {
		addrs, err := r.e.SetBreakpointAtSourceLine(file, line)
		if err != nil {
			return err
		}
		for _, a := range addrs {
			printf("breakpoint set at %#x\n", a)
		}
		return nil
	}

	addr, err := r.e.SetBreakpointAtFunction(target)
	if err == nil {
		printf("breakpoint set at %#x\n", addr)
		return nil
	}
	amb, ok := err.(*engine.Ambiguous[*dwarfinfo.Function])
	if !ok {
		return err
	}
	chosen, err := pickFunction(amb.Candidates)
	if err != nil {
		return err
	}
	a, err := r.e.SetBreakpointAtFunctionEntry(chosen)
	if err != nil {
		return err
	}
	printf("breakpoint set at %#x\n", a)
	return nil
}

func pickFunction(candidates []*dwarfinfo.Function) (*dwarfinfo.Function, error) {
	labels := make([]string, len(candidates))
	for i, fn := range candidates {
		labels[i] = fmt.Sprintf("%s (cu %d, %#x)", fn.Name, fn.CU, fn.Low)
	}
	sel := promptui.Select{Label: "multiple functions match, pick one", Items: labels}
	idx, _, err := sel.Run()
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

func (r *repl) cmdRegister(args []string) error {
	if len(args) == 0 {
		return &badArgs{"register <dump|read NAME|write NAME 0xVAL>"}
	}
	switch args[0] {
	case "dump":
		vals, err := r.e.DumpRegisters()
		if err != nil {
			return err
		}
		hLine("registers")
		for _, v := range vals {
			printf("%-9s %#016x\n", v.Name, v.Value)
		}
		return nil
	case "read":
		if len(args) != 2 {
			return &badArgs{"register read NAME"}
		}
		v, err := r.e.ReadRegister(args[1])
		if err != nil {
			return err
		}
		printf("%s = %#016x\n", args[1], v)
		return nil
	case "write":
		if len(args) != 3 {
			return &badArgs{"register write NAME 0xVAL"}
		}
		v, err := parseHex(args[2])
		if err != nil {
			return &badArgs{"register write NAME 0xVAL"}
		}
		return r.e.WriteRegister(args[1], v)
	}
	return &unknownCommand{"register " + args[0]}
}

func (r *repl) cmdMemory(args []string) error {
	if len(args) == 0 {
		return &badArgs{"memory <read 0xADDR|write 0xADDR 0xVAL>"}
	}
	switch args[0] {
	case "read":
		if len(args) != 2 {
			return &badArgs{"memory read 0xADDR"}
		}
		addr, err := parseHex(args[1])
		if err != nil {
			return &badArgs{"memory read 0xADDR"}
		}
		v, err := r.e.ReadMemory(addr)
		if err != nil {
			return err
		}
		printf("%#x = %#016x\n", addr, v)
		return nil
	case "write":
		if len(args) != 3 {
			return &badArgs{"memory write 0xADDR 0xVAL"}
		}
		addr, err := parseHex(args[1])
		if err != nil {
			return &badArgs{"memory write 0xADDR 0xVAL"}
		}
		v, err := parseHex(args[2])
		if err != nil {
			return &badArgs{"memory write 0xADDR 0xVAL"}
		}
		return r.e.WriteMemory(addr, v)
	}
	return &unknownCommand{"memory " + args[0]}
}

func (r *repl) cmdSymbol(args []string) error {
	if len(args) != 1 {
		return &badArgs{"symbol NAME"}
	}
	syms, err := r.e.LookupSymbol(args[0])
	if err != nil {
		return err
	}
	for _, s := range syms {
		printf("%#016x %s\n", s.Addr, s.Name)
	}
	return nil
}

func (r *repl) cmdDisassemble(args []string) error {
	addr, err := r.currentOrArgAddr(args)
	if err != nil {
		return err
	}
	inst, err := r.e.Disassemble(addr)
	if err != nil {
		return err
	}
	hLine("disassembly")
	printf("%#016x: %s\n", inst.Addr, inst.Text)
	return nil
}

func (r *repl) currentOrArgAddr(args []string) (uint64, error) {
	if len(args) == 1 {
		return parseHex(args[0])
	}
	return r.e.ReadRegister("rip")
}

func (r *repl) cmdBreakpoint(args []string) error {
	if len(args) == 0 {
		return &badArgs{"breakpoint <list|delete 0xADDR>"}
	}
	switch args[0] {
	case "list":
		for _, bp := range r.e.Breakpoints() {
			state := "disabled"
			if bp.Enabled {
				state = "enabled"
			}
			printf("%#016x %s\n", bp.Addr, state)
		}
		return nil
	case "delete":
		if len(args) != 2 {
			return &badArgs{"breakpoint delete 0xADDR"}
		}
		addr, err := parseHex(args[1])
		if err != nil {
			return &badArgs{"breakpoint delete 0xADDR"}
		}
		return r.e.RemoveBreakpoint(addr)
	}
	return &unknownCommand{"breakpoint " + args[0]}
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

func splitFileLine(s string) (file string, line int, ok bool) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return "", 0, false
	}
	return s[:i], n, true
}

package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"minidbg/internal/dwarfinfo"
	"minidbg/internal/engine"
	"minidbg/internal/tracee"
)

func main() {
	fn := flag.String("f", "", "program to launch and trace")
	pid := flag.Int("p", 0, "pid of an already-running process to attach to")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -f <program> [args...]\n       %s -p <pid>\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if (*fn == "" && *pid == 0) || (*fn != "" && *pid != 0) {
		fmt.Fprintln(os.Stderr, "exactly one of -f or -p is required")
		flag.Usage()
		os.Exit(1)
	}

	var (
		ctrl     *tracee.Controller
		path     string
		attached bool
	)

	if *fn != "" {
		path = *fn
		c, err := launch(*fn, flag.Args())
		if err != nil {
			fmt.Fprintf(os.Stderr, "launch %s: %s\n", *fn, err)
			os.Exit(1)
		}
		ctrl = c
	} else {
		p, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", *pid))
		if err != nil {
			fmt.Fprintf(os.Stderr, "resolve /proc/%d/exe: %s\n", *pid, err)
			os.Exit(1)
		}
		path = p
		ctrl = tracee.New(*pid)
		if err := ctrl.Attach(); err != nil {
			fmt.Fprintf(os.Stderr, "attach pid %d: %s\n", *pid, err)
			os.Exit(1)
		}
		attached = true
	}
	defer ctrl.Close()
	if attached {
		defer ctrl.Detach()
	}

	facade, err := dwarfinfo.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load debug info for %s: %s\n", path, err)
		os.Exit(1)
	}
	defer facade.Close()

	e := engine.New(path, ctrl, facade)
	if _, err := e.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "initial stop: %s\n", err)
		os.Exit(1)
	}

	lo, hi, ok := execTextMapping(ctrl.PID(), path)

	repl := newREPL(e)
	repl.execLo, repl.execHi, repl.execRangeOK = lo, hi, ok
	repl.run()
}

// execTextMapping scans /proc/<pid>/maps for the r-xp segment belonging
// to path's basename, giving the REPL a range to check a hex-address
// `break` target against. Only a diagnostic: PIE relocation of DWARF
// addresses stays out of scope, so this never blocks setting the
// breakpoint, it only warns when the address falls outside every
// executable mapping found for the tracee's own binary.
func execTextMapping(pid int, path string) (lo, hi uint64, ok bool) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	base := filepath.Base(path)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 || fields[1] != "r-xp" || filepath.Base(fields[5]) != base {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		l, err1 := strconv.ParseUint(bounds[0], 16, 64)
		h, err2 := strconv.ParseUint(bounds[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if !ok || l < lo {
			lo = l
		}
		if h > hi {
			hi = h
		}
		ok = true
	}
	return lo, hi, ok
}

// launch spawns program under ptrace, arranging for the kernel to stop it
// with SIGTRAP right after the execve that replaces the forked child's
// image (unix.SysProcAttr{Ptrace:true} is the Go equivalent of the
// teacher's PTRACE_TRACEME-before-execve dance).
func launch(program string, args []string) (*tracee.Controller, error) {
	cmd := exec.Command(program, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return tracee.New(cmd.Process.Pid), nil
}

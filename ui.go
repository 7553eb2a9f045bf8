package main

import (
	"fmt"
	"strings"

	"golang.org/x/term"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorYellow = "\033[33m"
)

// logError prints a command failure the way the dispatch loop reports
// every engine error: a red [ERROR] prefix, never a stack trace.
func logError(msg string, a ...interface{}) {
	fmt.Printf("%s[ERROR]%s %s\n", colorRed, colorReset, fmt.Sprintf(msg, a...))
}

// printf highlights hex and decimal substitutions the way the teacher's
// Printf does, so register/memory dumps read consistently without every
// call site hand-wrapping values in escape codes.
func printf(msg string, a ...interface{}) {
	msg = strings.ReplaceAll(msg, "%#016x", colorCyan+"%#016x"+colorReset)
	msg = strings.ReplaceAll(msg, "%#x", colorCyan+"%#x"+colorReset)
	msg = strings.ReplaceAll(msg, "%d", colorYellow+"%d"+colorReset)
	msg = strings.ReplaceAll(msg, "%s", colorGreen+"%s"+colorReset)
	fmt.Printf(msg, a...)
}

func hLine(msg string) {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		w, _, err := term.GetSize(int(os.Stdout.Fd()))
		if err == nil && w > len(msg)+2 {
			pad := (w - len(msg) - 2) / 2
			fmt.Println(strings.Repeat("-", pad) + "[" + msg + "]" + strings.Repeat("-", pad))
			return
		}
	}
	fmt.Println("[" + msg + "]")
}

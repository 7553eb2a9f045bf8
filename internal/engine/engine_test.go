package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minidbg/internal/dwarfinfo"
)

func newTestEngine() (*Engine, *fakeControl, *fakeFacade) {
	ctrl := newFakeControl()
	ctrl.regs.Rip = 0x1000

	facade := &fakeFacade{
		functions: []*dwarfinfo.Function{
			{Name: "main", Low: 0x1000, High: 0x1020, CU: 0},
		},
		lines: map[int][]dwarfinfo.LineEntry{
			0: {
				{Address: 0x1000, File: "main.c", Line: 1, IsStmt: true},
				{Address: 0x1008, File: "main.c", Line: 2, IsStmt: true},
				{Address: 0x1010, File: "main.c", Line: 3, IsStmt: true},
			},
		},
		symbols: []dwarfinfo.Symbol{
			{Kind: dwarfinfo.SymFunc, Name: "main", Addr: 0x1000},
		},
	}
	ctrl.instrLen[0x1000] = 8
	ctrl.instrLen[0x1008] = 8
	ctrl.instrLen[0x1010] = 8

	return New("a.out", ctrl, facade), ctrl, facade
}

func TestBreakpointRoundTripRestoresByte(t *testing.T) {
	e, ctrl, _ := newTestEngine()
	ctrl.setWord(0x1008, 0x1122334455667788)
	before := ctrl.word(0x1008)

	_, err := e.SetBreakpointAtAddress(0x1008)
	require.NoError(t, err)
	assert.Equal(t, byte(0xCC), ctrl.mem[0x1008])

	require.NoError(t, e.RemoveBreakpoint(0x1008))
	assert.Equal(t, before, ctrl.word(0x1008))
}

func TestContinueExecutionStopsWithPCFixedUpAtBreakpoint(t *testing.T) {
	e, _, _ := newTestEngine()
	_, err := e.SetBreakpointAtAddress(0x1008)
	require.NoError(t, err)

	ev, err := e.ContinueExecution()
	require.NoError(t, err)
	assert.Equal(t, BreakpointHit, ev.Kind)
	assert.Equal(t, uint64(0x1008), ev.PC)
}

func TestContinueExecutionOverOwnBreakpointDoesNotRetrigger(t *testing.T) {
	// Regression for the step-over-breakpoint protocol: continuing from
	// a PC that already sits on an enabled breakpoint must not loop
	// forever retripping the same 0xCC.
	e, ctrl, _ := newTestEngine()
	_, err := e.SetBreakpointAtAddress(0x1000)
	require.NoError(t, err)
	ctrl.regs.Rip = 0x1000

	_, err = e.SetBreakpointAtAddress(0x1010)
	require.NoError(t, err)

	ev, err := e.ContinueExecution()
	require.NoError(t, err)
	assert.Equal(t, BreakpointHit, ev.Kind)
	assert.Equal(t, uint64(0x1010), ev.PC)
}

func TestStepOverLeavesNoBreakpointLeak(t *testing.T) {
	e, ctrl, facade := newTestEngine()
	// Reshape the fixture into a caller (main, 0x1000-0x1010) whose
	// single statement at 0x1000 "calls" and returns to 0x1008.
	facade.functions = []*dwarfinfo.Function{{Name: "main", Low: 0x1000, High: 0x1010, CU: 0}}
	facade.lines[0] = []dwarfinfo.LineEntry{
		{Address: 0x1000, File: "main.c", Line: 1, IsStmt: true},
		{Address: 0x1008, File: "main.c", Line: 2, IsStmt: true},
	}
	ctrl.regs.Rbp = 0x2000
	ctrl.setWord(0x2008, 0x1008) // the return address stored on the stack

	before := len(e.Breakpoints())
	ev, err := e.StepOver()
	require.NoError(t, err)
	assert.Equal(t, BreakpointHit, ev.Kind)
	assert.Equal(t, uint64(0x1008), ev.PC)
	assert.Len(t, e.Breakpoints(), before)
}

func TestStepOutStopsAtReturnAddressAndLeavesNoBreakpointLeak(t *testing.T) {
	e, ctrl, _ := newTestEngine()
	ctrl.regs.Rbp = 0x2000
	ctrl.setWord(0x2008, 0x1008) // the return address stored on the stack

	before := len(e.Breakpoints())
	ev, err := e.StepOut()
	require.NoError(t, err)
	assert.Equal(t, BreakpointHit, ev.Kind)
	assert.Equal(t, uint64(0x1008), ev.PC)
	assert.Len(t, e.Breakpoints(), before)
}

func TestStepOutDoesNotDoubleInstallAnExistingBreakpointAtReturnAddress(t *testing.T) {
	e, ctrl, _ := newTestEngine()
	ctrl.regs.Rbp = 0x2000
	ctrl.setWord(0x2008, 0x1008)

	_, err := e.SetBreakpointAtAddress(0x1008)
	require.NoError(t, err)
	before := len(e.Breakpoints())

	ev, err := e.StepOut()
	require.NoError(t, err)
	assert.Equal(t, BreakpointHit, ev.Kind)
	assert.Equal(t, uint64(0x1008), ev.PC)

	// StepOut must leave the user's own breakpoint installed and
	// enabled rather than tearing down a breakpoint it didn't install.
	assert.Len(t, e.Breakpoints(), before)
	bp, ok := e.breakpoints[0x1008]
	require.True(t, ok)
	assert.True(t, bp.Enabled)
}

func TestStepInStopsOnLineChange(t *testing.T) {
	e, _, _ := newTestEngine()
	ev, err := e.StepIn()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1008), ev.PC)

	line, err := e.CurrentLine()
	require.NoError(t, err)
	assert.Equal(t, 2, line.Line)
}

func TestRegisterReadWriteRoundTrip(t *testing.T) {
	e, _, _ := newTestEngine()
	require.NoError(t, e.WriteRegister("r15", 0xdeadbeef))
	v, err := e.ReadRegister("r15")
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), v)
}

func TestMemoryReadWriteRoundTrip(t *testing.T) {
	e, _, _ := newTestEngine()
	require.NoError(t, e.WriteMemory(0x3000, 0xdeadbeefcafebabe))
	v, err := e.ReadMemory(0x3000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeefcafebabe), v)
}

func TestLookupSymbolReturnsFuncKind(t *testing.T) {
	e, _, _ := newTestEngine()
	syms, err := e.LookupSymbol("main")
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, dwarfinfo.SymFunc, syms[0].Kind)
	assert.Equal(t, uint64(0x1000), syms[0].Addr)
}

func TestSetBreakpointAtFunctionAmbiguous(t *testing.T) {
	e, _, facade := newTestEngine()
	facade.functions = append(facade.functions, &dwarfinfo.Function{Name: "main", Low: 0x5000, High: 0x5010, CU: 0})

	_, err := e.SetBreakpointAtFunction("main")
	require.Error(t, err)
	amb, ok := err.(*Ambiguous[*dwarfinfo.Function])
	require.True(t, ok)
	assert.Len(t, amb.Candidates, 2)
}

func TestOperationsFailAfterExit(t *testing.T) {
	e, ctrl, _ := newTestEngine()
	ctrl.exited = true
	ctrl.exitStatus = 0

	ev, err := e.ContinueExecution()
	require.NoError(t, err)
	assert.Equal(t, Exited, ev.Kind)

	_, err = e.SetBreakpointAtAddress(0x1000)
	assert.ErrorIs(t, err, ErrTraceeExited)
}

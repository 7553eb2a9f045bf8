package breakpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMemory is a tiny in-process stand-in for a tracee's address space,
// word-addressed like PTRACE_PEEKDATA/POKEDATA.
type fakeMemory struct {
	words map[uintptr]uint64
}

func newFakeMemory(addr uintptr, word uint64) *fakeMemory {
	return &fakeMemory{words: map[uintptr]uint64{addr: word}}
}

func (m *fakeMemory) ReadWord(addr uintptr) (uint64, error) { return m.words[addr], nil }
func (m *fakeMemory) WriteWord(addr uintptr, v uint64) error {
	m.words[addr] = v
	return nil
}

func TestEnableDisableRoundTrip(t *testing.T) {
	const addr = 0x401000
	mem := newFakeMemory(addr, 0x1122334455667788)

	bp := New(mem, addr)
	require.NoError(t, bp.Enable())
	assert.True(t, bp.Enabled)
	assert.Equal(t, byte(0x88), bp.SavedByte)
	assert.Equal(t, uint64(0x11223344556677CC), mem.words[addr])

	require.NoError(t, bp.Disable())
	assert.False(t, bp.Enabled)
	assert.Equal(t, uint64(0x1122334455667788), mem.words[addr])
}

func TestEnablePreservesSurroundingBytes(t *testing.T) {
	const addr = 0x401000
	mem := newFakeMemory(addr, 0xDEADBEEFCAFEBAB0)
	bp := New(mem, addr)
	require.NoError(t, bp.Enable())
	assert.Equal(t, uint64(0xDEADBEEFCAFEBACC), mem.words[addr])
}

func TestDoubleEnableFails(t *testing.T) {
	const addr = 0x401000
	mem := newFakeMemory(addr, 0)
	bp := New(mem, addr)
	require.NoError(t, bp.Enable())
	assert.Error(t, bp.Enable())
}

func TestDisableWithoutEnableFails(t *testing.T) {
	const addr = 0x401000
	mem := newFakeMemory(addr, 0)
	bp := New(mem, addr)
	assert.Error(t, bp.Disable())
}

package amd64util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetExecBreakpoint(t *testing.T) {
	var drs DebugRegisters
	require.False(t, drs.Enabled(0))

	require.NoError(t, drs.SetExecBreakpoint(0, 0x401000))
	assert.True(t, drs.Dirty)
	assert.Equal(t, uint64(0x401000), drs.Addrs[0])
	assert.Equal(t, uint64(1), drs.DR7&0x3)
	assert.Equal(t, uint64(0), (drs.DR7>>16)&0xf)

	// same address is a no-op, different address is refused
	require.NoError(t, drs.SetExecBreakpoint(0, 0x401000))
	require.Error(t, drs.SetExecBreakpoint(0, 0x402000))

	assert.True(t, drs.Enabled(0))
	assert.False(t, drs.Enabled(1))
}

func TestClearBreakpoint(t *testing.T) {
	var drs DebugRegisters
	for i := uint8(0); i < NumDebugRegisters; i++ {
		require.NoError(t, drs.SetExecBreakpoint(i, 0x1000*uint64(i+1)))
	}
	assert.Error(t, drs.SetExecBreakpoint(NumDebugRegisters, 0x9000))

	drs.ClearBreakpoint(2)
	assert.False(t, drs.Enabled(2))
	assert.True(t, drs.Enabled(3))
	assert.Zero(t, drs.Addrs[2])
}

func TestGetActiveBreakpoint(t *testing.T) {
	var drs DebugRegisters
	require.NoError(t, drs.SetExecBreakpoint(3, 0x5000))
	drs.Dirty = false

	ok, _ := drs.GetActiveBreakpoint()
	assert.False(t, ok)

	drs.DR6 = 1 << 3
	ok, idx := drs.GetActiveBreakpoint()
	require.True(t, ok)
	assert.Equal(t, uint8(3), idx)
	assert.Zero(t, drs.DR6&0xf)
	assert.True(t, drs.Dirty)

	// condition bit of a disabled slot is ignored
	drs.DR6 = 1 << 1
	ok, _ = drs.GetActiveBreakpoint()
	assert.False(t, ok)
}

func TestUserOffset(t *testing.T) {
	assert.Equal(t, uintptr(848), UserOffset(0))
	assert.Equal(t, uintptr(848+7*8), UserOffset(7))
}

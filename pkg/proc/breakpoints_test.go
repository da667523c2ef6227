package proc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flatMemory is a contiguous fake address space starting at base.
type flatMemory struct {
	base       uint64
	data       []byte
	failWrites bool
	// ignoreWrites makes writes succeed without changing memory.
	ignoreWrites bool
}

func newFlatMemory(base uint64, size int) *flatMemory {
	m := &flatMemory{base: base, data: make([]byte, size)}
	for i := range m.data {
		m.data[i] = byte(i)
	}
	return m
}

func (m *flatMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < m.base || addr+uint64(len(buf)) > m.base+uint64(len(m.data)) {
		return 0, errors.New("out of range")
	}
	return copy(buf, m.data[addr-m.base:]), nil
}

func (m *flatMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	if m.failWrites {
		return 0, errors.New("write refused")
	}
	if addr < m.base || addr+uint64(len(data)) > m.base+uint64(len(m.data)) {
		return 0, errors.New("out of range")
	}
	if m.ignoreWrites {
		return len(data), nil
	}
	return copy(m.data[addr-m.base:], data), nil
}

func (m *flatMemory) at(addr uint64, n int) []byte {
	return append([]byte(nil), m.data[addr-m.base:addr-m.base+uint64(n)]...)
}

var trap = []byte{0xCC}

func TestSetSoftwareBreakpoint(t *testing.T) {
	mem := newFlatMemory(0x1000, 64)
	orig := mem.at(0x1010, 1)
	bpmap := NewBreakpointMap()

	bp, err := bpmap.SetSoftware(mem, 0x1010, 0, trap)
	require.NoError(t, err)
	assert.Equal(t, 1, bp.RefCount)
	assert.Equal(t, SoftwareBreakpoint, bp.Kind)
	assert.Equal(t, orig, bp.OriginalData)
	assert.Equal(t, trap, mem.at(0x1010, 1))
	assert.True(t, bpmap.HasTrapAt(0x1010))
}

func TestBreakpointRefCount(t *testing.T) {
	mem := newFlatMemory(0x1000, 64)
	orig := mem.at(0x1020, 1)
	bpmap := NewBreakpointMap()

	_, err := bpmap.SetSoftware(mem, 0x1020, 1, trap)
	require.NoError(t, err)
	// the second set must not save the trap as original data
	bp, err := bpmap.SetSoftware(mem, 0x1020, 1, trap)
	require.NoError(t, err)
	assert.Equal(t, 2, bp.RefCount)
	assert.Equal(t, orig, bp.OriginalData)

	_, err = bpmap.Clear(mem, 0x1020, nil)
	require.NoError(t, err)
	assert.Equal(t, trap, mem.at(0x1020, 1))
	assert.Len(t, bpmap.M, 1)

	_, err = bpmap.Clear(mem, 0x1020, nil)
	require.NoError(t, err)
	assert.Equal(t, orig, mem.at(0x1020, 1))
	assert.Empty(t, bpmap.M)

	_, err = bpmap.Clear(mem, 0x1020, nil)
	var nbp NoBreakpointError
	require.ErrorAs(t, err, &nbp)
	assert.Equal(t, uint64(0x1020), nbp.Addr)
}

func TestSetSoftwareBreakpointFailures(t *testing.T) {
	bpmap := NewBreakpointMap()

	mem := newFlatMemory(0x1000, 64)
	_, err := bpmap.SetSoftware(mem, 0x1000, 4, trap)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = bpmap.SetSoftware(mem, 0x9000, 0, trap)
	assert.Error(t, err)

	mem.failWrites = true
	_, err = bpmap.SetSoftware(mem, 0x1004, 0, trap)
	assert.Error(t, err)

	mem = newFlatMemory(0x1000, 64)
	orig := mem.at(0x1008, 1)
	mem.ignoreWrites = true
	_, err = bpmap.SetSoftware(mem, 0x1008, 0, trap)
	assert.Error(t, err)
	assert.Equal(t, orig, mem.at(0x1008, 1))

	assert.Empty(t, bpmap.M)
}

func TestClearRestoreFailureKeepsBreakpoint(t *testing.T) {
	mem := newFlatMemory(0x1000, 64)
	bpmap := NewBreakpointMap()
	_, err := bpmap.SetSoftware(mem, 0x1010, 0, trap)
	require.NoError(t, err)

	mem.failWrites = true
	_, err = bpmap.Clear(mem, 0x1010, nil)
	require.Error(t, err)
	bp, ok := bpmap.Find(0x1010)
	require.True(t, ok)
	assert.Equal(t, 1, bp.RefCount)

	mem.failWrites = false
	_, err = bpmap.Clear(mem, 0x1010, nil)
	require.NoError(t, err)
	assert.Empty(t, bpmap.M)
}

func TestHardwareBreakpoint(t *testing.T) {
	mem := newFlatMemory(0x1000, 64)
	bpmap := NewBreakpointMap()

	installs := 0
	install := func() (int, error) {
		installs++
		return 2, nil
	}
	bp, err := bpmap.SetHardware(0x1030, install)
	require.NoError(t, err)
	assert.Equal(t, 2, bp.HWSlot)
	_, err = bpmap.SetHardware(0x1030, install)
	require.NoError(t, err)
	assert.Equal(t, 1, installs)
	assert.Equal(t, mem.at(0x1030, 1), []byte{0x30})

	_, err = bpmap.SetSoftware(mem, 0x1030, 0, trap)
	var exists BreakpointExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, HardwareBreakpoint, exists.Kind)

	_, err = bpmap.SetSoftware(mem, 0x1031, 0, trap)
	require.NoError(t, err)
	_, err = bpmap.SetHardware(0x1031, install)
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, SoftwareBreakpoint, exists.Kind)

	_, err = bpmap.SetHardware(0x1040, func() (int, error) { return 0, errors.New("exhausted") })
	assert.Error(t, err)
	_, ok := bpmap.Find(0x1040)
	assert.False(t, ok)

	cleared := -1
	clearHW := func(slot int) error {
		cleared = slot
		return nil
	}
	_, err = bpmap.Clear(mem, 0x1030, clearHW)
	require.NoError(t, err)
	assert.Equal(t, -1, cleared)
	_, err = bpmap.Clear(mem, 0x1030, clearHW)
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)
	assert.Len(t, bpmap.HardwareBreakpoints(), 0)
}

func TestMaskTraps(t *testing.T) {
	mem := newFlatMemory(0x1000, 64)
	want := mem.at(0x1000, 64)
	bpmap := NewBreakpointMap()
	for _, addr := range []uint64{0x1000, 0x1005, 0x103f} {
		_, err := bpmap.SetSoftware(mem, addr, 0, trap)
		require.NoError(t, err)
	}
	_, err := bpmap.SetHardware(0x1007, func() (int, error) { return 0, nil })
	require.NoError(t, err)

	buf := make([]byte, 64)
	_, err = mem.ReadMemory(buf, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, byte(0xCC), buf[5])
	bpmap.MaskTraps(buf, 0x1000)
	assert.Equal(t, want, buf)

	// partial window
	buf = make([]byte, 4)
	_, err = mem.ReadMemory(buf, 0x1003)
	require.NoError(t, err)
	bpmap.MaskTraps(buf, 0x1003)
	assert.Equal(t, want[3:7], buf)
}

func TestMaskTrapsMultiByte(t *testing.T) {
	brk := []byte{0x0, 0x0, 0x20, 0xd4}
	mem := newFlatMemory(0x1000, 16)
	want := mem.at(0x1000, 16)
	bpmap := NewBreakpointMap()
	_, err := bpmap.SetSoftware(mem, 0x1004, 4, brk)
	require.NoError(t, err)

	_, err = bpmap.SetSoftware(mem, 0x1006, 4, brk)
	assert.Error(t, err, "overlapping breakpoint")

	buf := make([]byte, 3)
	_, err = mem.ReadMemory(buf, 0x1006)
	require.NoError(t, err)
	assert.Equal(t, brk[2:4], buf[:2])
	bpmap.MaskTraps(buf, 0x1006)
	assert.Equal(t, want[6:9], buf)
}

func TestApplyTraps(t *testing.T) {
	brk := []byte{0x0, 0x0, 0x20, 0xd4}
	mem := newFlatMemory(0x1000, 16)
	bpmap := NewBreakpointMap()
	_, err := bpmap.SetSoftware(mem, 0x1004, 4, brk)
	require.NoError(t, err)

	buf := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	bpmap.ApplyTraps(buf, 0x1002, brk)
	assert.Equal(t, []byte{0xaa, 0xbb, 0x0, 0x0}, buf)

	require.NoError(t, bpmap.Disable(mem, 0x1004))
	buf = []byte{0xaa, 0xbb, 0xcc, 0xdd}
	bpmap.ApplyTraps(buf, 0x1002, brk)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd}, buf)
}

func TestFixupAddress(t *testing.T) {
	mem := newFlatMemory(0x1000, 64)
	bpmap := NewBreakpointMap()
	_, err := bpmap.SetSoftware(mem, 0x1010, 0, trap)
	require.NoError(t, err)

	addr, ok := bpmap.FixupAddress(0x1011, AMD64Arch())
	require.True(t, ok)
	assert.Equal(t, uint64(0x1010), addr)

	_, ok = bpmap.FixupAddress(0x1012, AMD64Arch())
	assert.False(t, ok)
	_, ok = bpmap.FixupAddress(0x1011, ARM64Arch())
	assert.False(t, ok)

	require.NoError(t, bpmap.Disable(mem, 0x1010))
	_, ok = bpmap.FixupAddress(0x1011, AMD64Arch())
	assert.False(t, ok)
}

func TestDisableEnable(t *testing.T) {
	mem := newFlatMemory(0x1000, 64)
	orig := mem.at(0x1010, 1)
	bpmap := NewBreakpointMap()
	bp, err := bpmap.SetSoftware(mem, 0x1010, 0, trap)
	require.NoError(t, err)

	require.NoError(t, bpmap.Disable(mem, 0x1010))
	assert.True(t, bp.Disabled())
	assert.Equal(t, orig, mem.at(0x1010, 1))
	assert.Equal(t, 1, bp.RefCount)

	require.NoError(t, bpmap.Enable(mem, 0x1010, trap))
	assert.False(t, bp.Disabled())
	assert.Equal(t, trap, mem.at(0x1010, 1))

	assert.Error(t, bpmap.Disable(mem, 0x1020))
}

func TestUpdateOriginalData(t *testing.T) {
	mem := newFlatMemory(0x1000, 64)
	bpmap := NewBreakpointMap()
	_, err := bpmap.SetSoftware(mem, 0x1010, 0, trap)
	require.NoError(t, err)

	bps := bpmap.UpdateOriginalData(0x100e, []byte{1, 2, 3, 4})
	require.Len(t, bps, 1)
	assert.Equal(t, []byte{3}, bps[0].OriginalData)
	assert.Empty(t, bpmap.UpdateOriginalData(0x1011, []byte{9}))
}

func TestDropAndSorted(t *testing.T) {
	mem := newFlatMemory(0x1000, 64)
	bpmap := NewBreakpointMap()
	for _, addr := range []uint64{0x1030, 0x1010, 0x1020} {
		_, err := bpmap.SetSoftware(mem, addr, 0, trap)
		require.NoError(t, err)
	}
	sorted := bpmap.Sorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, uint64(0x1010), sorted[0].Addr)
	assert.Equal(t, uint64(0x1030), sorted[2].Addr)

	bpmap.Drop()
	assert.Empty(t, bpmap.M)
	// memory is left alone
	assert.Equal(t, trap, mem.at(0x1020, 1))
}

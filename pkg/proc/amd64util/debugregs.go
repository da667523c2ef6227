package amd64util

import (
	"fmt"
)

// NumDebugRegisters is the number of address debug registers (DR0-DR3).
const NumDebugRegisters = 4

// Offset of the u_debugreg field inside struct user, see
// /usr/include/sys/user.h.
const DebugRegOffset = 848

// DebugRegisters represents x86 debug registers described in the Intel 64
// and IA-32 Architectures Software Developer's Manual, Vol. 3B, section
// 17.2
type DebugRegisters struct {
	Addrs    [NumDebugRegisters]uint64
	DR6, DR7 uint64
	Dirty    bool
}

// UserOffset returns the offset inside struct user of debug register n.
func UserOffset(n int) uintptr {
	return uintptr(DebugRegOffset + n*8)
}

func lenrwBitsOffset(idx uint8) uint8 {
	return 16 + idx*4
}

func enableBitOffset(idx uint8) uint8 {
	return idx * 2
}

// Enabled returns true if the breakpoint in slot idx is enabled.
func (drs *DebugRegisters) Enabled(idx uint8) bool {
	return drs.DR7&(1<<enableBitOffset(idx)) != 0
}

// SetExecBreakpoint sets an instruction breakpoint at index 'idx'.
// If the slot is already used for the same address it does nothing.
func (drs *DebugRegisters) SetExecBreakpoint(idx uint8, addr uint64) error {
	if int(idx) >= NumDebugRegisters {
		return fmt.Errorf("hardware breakpoints exhausted")
	}
	if drs.Enabled(idx) {
		if drs.Addrs[idx] != addr || (drs.DR7>>lenrwBitsOffset(idx))&0xf != 0 {
			return fmt.Errorf("hardware breakpoint %d already in use (address %#x)", idx, drs.Addrs[idx])
		}
		return nil
	}

	drs.Addrs[idx] = addr
	// R/W 00 (execute) and LEN 00 (one byte)
	drs.DR7 &^= 0xf << lenrwBitsOffset(idx)
	drs.DR7 |= 1 << enableBitOffset(idx)
	drs.Dirty = true
	return nil
}

// ClearBreakpoint disables the hardware breakpoint at index 'idx'. If the
// breakpoint was already disabled it does nothing.
func (drs *DebugRegisters) ClearBreakpoint(idx uint8) {
	if !drs.Enabled(idx) {
		return
	}
	drs.DR7 &^= 1 << enableBitOffset(idx)
	drs.Addrs[idx] = 0
	drs.Dirty = true
}

// GetActiveBreakpoint returns the active hardware breakpoint and resets the
// condition flags.
func (drs *DebugRegisters) GetActiveBreakpoint() (ok bool, idx uint8) {
	for idx := uint8(0); idx < NumDebugRegisters; idx++ {
		if !drs.Enabled(idx) {
			continue
		}
		if drs.DR6&(1<<idx) != 0 {
			drs.DR6 &^= 0xf // it is our responsibility to clear the condition bits
			drs.Dirty = true
			return true, idx
		}
	}
	return false, 0
}

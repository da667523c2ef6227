package proc

import (
	"bytes"
	"fmt"
	"sort"
)

// BreakpointKind describes how a breakpoint is implemented.
type BreakpointKind uint8

const (
	// SoftwareBreakpoint replaces the instruction at its address with the
	// architecture's trap opcode.
	SoftwareBreakpoint BreakpointKind = iota + 1
	// HardwareBreakpoint uses a debug register slot of every thread.
	HardwareBreakpoint
)

func (k BreakpointKind) String() string {
	switch k {
	case SoftwareBreakpoint:
		return "software"
	case HardwareBreakpoint:
		return "hardware"
	}
	return fmt.Sprintf("BreakpointKind(%d)", uint8(k))
}

// Breakpoint represents a physical breakpoint. Stores information on the break
// point including the bytes of data that originally were stored at that
// address.
type Breakpoint struct {
	Addr         uint64 // Address breakpoint is set for.
	Kind         BreakpointKind
	OriginalData []byte // If software breakpoint, the data we replace with breakpoint instruction.
	// RefCount is the number of logical requests sharing this breakpoint,
	// the breakpoint is removed when it drops to zero.
	RefCount int
	HWSlot   int // debug register slot, hardware breakpoints only

	// disabled is true while the trap has been temporarily taken out of
	// memory to step over it.
	disabled bool
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("Breakpoint at %#x (%s, refs %d)", bp.Addr, bp.Kind, bp.RefCount)
}

// Disabled returns true if the trap has been taken out of memory to step
// over it.
func (bp *Breakpoint) Disabled() bool {
	return bp.disabled
}

// BreakpointMap represents an (address, breakpoint) map.
type BreakpointMap struct {
	M map[uint64]*Breakpoint
}

// NewBreakpointMap creates a new BreakpointMap.
func NewBreakpointMap() BreakpointMap {
	return BreakpointMap{
		M: make(map[uint64]*Breakpoint),
	}
}

// SetSoftware installs a software breakpoint at addr writing trap over the
// original instruction. If a software breakpoint already exists at addr its
// reference count is incremented and memory is left untouched.
// Size must be either zero or the length of trap.
// On failure no entry is recorded and the original bytes are written back.
func (bpmap *BreakpointMap) SetSoftware(mem MemoryReadWriter, addr uint64, size int, trap []byte) (*Breakpoint, error) {
	if size != 0 && size != len(trap) {
		return nil, fmt.Errorf("breakpoint size %d at %#x: %w", size, addr, ErrInvalidArgument)
	}
	if bp, ok := bpmap.M[addr]; ok {
		if bp.Kind != SoftwareBreakpoint {
			return bp, BreakpointExistsError{Addr: addr, Kind: bp.Kind}
		}
		bp.RefCount++
		return bp, nil
	}
	if bpmap.overlapsSoftware(addr, len(trap)) {
		return nil, BreakpointExistsError{Addr: addr, Kind: SoftwareBreakpoint}
	}

	originalData := make([]byte, len(trap))
	if _, err := mem.ReadMemory(originalData, addr); err != nil {
		return nil, fmt.Errorf("could not read original data at %#x: %w", addr, err)
	}
	if _, err := mem.WriteMemory(addr, trap); err != nil {
		_, _ = mem.WriteMemory(addr, originalData)
		return nil, fmt.Errorf("could not write breakpoint at %#x: %w", addr, err)
	}
	verify := make([]byte, len(trap))
	if _, err := mem.ReadMemory(verify, addr); err != nil || !bytes.Equal(verify, trap) {
		_, _ = mem.WriteMemory(addr, originalData)
		if err == nil {
			err = fmt.Errorf("memory at %#x reads back as % x", addr, verify)
		}
		return nil, fmt.Errorf("could not verify breakpoint at %#x: %w", addr, err)
	}

	bp := &Breakpoint{
		Addr:         addr,
		Kind:         SoftwareBreakpoint,
		OriginalData: originalData,
		RefCount:     1,
	}
	bpmap.M[addr] = bp
	return bp, nil
}

// SetHardware records a hardware breakpoint at addr, calling install to
// program the debug registers the first time the address is used.
func (bpmap *BreakpointMap) SetHardware(addr uint64, install func() (int, error)) (*Breakpoint, error) {
	if bp, ok := bpmap.M[addr]; ok {
		if bp.Kind != HardwareBreakpoint {
			return bp, BreakpointExistsError{Addr: addr, Kind: bp.Kind}
		}
		bp.RefCount++
		return bp, nil
	}
	slot, err := install()
	if err != nil {
		return nil, err
	}
	bp := &Breakpoint{
		Addr:     addr,
		Kind:     HardwareBreakpoint,
		RefCount: 1,
		HWSlot:   slot,
	}
	bpmap.M[addr] = bp
	return bp, nil
}

// Clear drops one reference to the breakpoint at addr. When the last
// reference goes away the original bytes are restored (or the hardware slot
// is released through clearHW) before the entry is deleted; if that fails
// the entry stays installed.
func (bpmap *BreakpointMap) Clear(mem MemoryReadWriter, addr uint64, clearHW func(slot int) error) (*Breakpoint, error) {
	bp, ok := bpmap.M[addr]
	if !ok {
		return nil, NoBreakpointError{Addr: addr}
	}
	bp.RefCount--
	if bp.RefCount > 0 {
		return bp, nil
	}

	var err error
	switch bp.Kind {
	case SoftwareBreakpoint:
		if !bp.disabled {
			_, err = mem.WriteMemory(bp.Addr, bp.OriginalData)
		}
	case HardwareBreakpoint:
		if clearHW != nil {
			err = clearHW(bp.HWSlot)
		}
	}
	if err != nil {
		bp.RefCount = 1
		return nil, fmt.Errorf("could not clear breakpoint at %#x: %w", addr, err)
	}

	delete(bpmap.M, addr)
	return bp, nil
}

// Find returns the breakpoint at addr.
func (bpmap *BreakpointMap) Find(addr uint64) (*Breakpoint, bool) {
	bp, ok := bpmap.M[addr]
	return bp, ok
}

// HasTrapAt returns true if a software breakpoint is installed in memory at
// addr.
func (bpmap *BreakpointMap) HasTrapAt(addr uint64) bool {
	bp, ok := bpmap.M[addr]
	return ok && bp.Kind == SoftwareBreakpoint && !bp.disabled
}

// FixupAddress returns the address of the breakpoint the thread stopped on,
// if pc is the address right after the trap of a software breakpoint and
// arch's trap moves the PC.
func (bpmap *BreakpointMap) FixupAddress(pc uint64, arch *Arch) (uint64, bool) {
	if !arch.BreakInstrMovesPC() {
		return 0, false
	}
	addr := pc - uint64(arch.BreakpointSize())
	if bpmap.HasTrapAt(addr) {
		return addr, true
	}
	return 0, false
}

// MaskTraps replaces, in buf, the trap bytes of every software breakpoint
// overlapping [addr, addr+len(buf)) with the original bytes.
func (bpmap *BreakpointMap) MaskTraps(buf []byte, addr uint64) {
	for _, bp := range bpmap.M {
		if bp.Kind != SoftwareBreakpoint {
			continue
		}
		lo, hi, ok := overlap(bp.Addr, uint64(len(bp.OriginalData)), addr, uint64(len(buf)))
		if !ok {
			continue
		}
		copy(buf[lo-addr:hi-addr], bp.OriginalData[lo-bp.Addr:hi-bp.Addr])
	}
}

// ApplyTraps is the inverse of MaskTraps: it writes trap over the bytes of
// every installed software breakpoint overlapping [addr, addr+len(buf)).
func (bpmap *BreakpointMap) ApplyTraps(buf []byte, addr uint64, trap []byte) {
	for _, bp := range bpmap.M {
		if bp.Kind != SoftwareBreakpoint || bp.disabled {
			continue
		}
		lo, hi, ok := overlap(bp.Addr, uint64(len(trap)), addr, uint64(len(buf)))
		if !ok {
			continue
		}
		copy(buf[lo-addr:hi-addr], trap[lo-bp.Addr:hi-bp.Addr])
	}
}

// UpdateOriginalData records that data is being written at addr: the saved
// bytes of every overlapping software breakpoint are updated and the
// breakpoints returned, callers must put their traps back after the write.
func (bpmap *BreakpointMap) UpdateOriginalData(addr uint64, data []byte) []*Breakpoint {
	var r []*Breakpoint
	for _, bp := range bpmap.M {
		if bp.Kind != SoftwareBreakpoint {
			continue
		}
		lo, hi, ok := overlap(bp.Addr, uint64(len(bp.OriginalData)), addr, uint64(len(data)))
		if !ok {
			continue
		}
		copy(bp.OriginalData[lo-bp.Addr:hi-bp.Addr], data[lo-addr:hi-addr])
		r = append(r, bp)
	}
	return r
}

// Disable takes the trap of the software breakpoint at addr out of memory
// without changing its reference count.
func (bpmap *BreakpointMap) Disable(mem MemoryReadWriter, addr uint64) error {
	bp, ok := bpmap.M[addr]
	if !ok || bp.Kind != SoftwareBreakpoint {
		return NoBreakpointError{Addr: addr}
	}
	if bp.disabled {
		return nil
	}
	if _, err := mem.WriteMemory(addr, bp.OriginalData); err != nil {
		return err
	}
	bp.disabled = true
	return nil
}

// Enable puts back the trap of a breakpoint disabled with Disable.
func (bpmap *BreakpointMap) Enable(mem MemoryReadWriter, addr uint64, trap []byte) error {
	bp, ok := bpmap.M[addr]
	if !ok || bp.Kind != SoftwareBreakpoint {
		return NoBreakpointError{Addr: addr}
	}
	if !bp.disabled {
		return nil
	}
	if _, err := mem.WriteMemory(addr, trap); err != nil {
		return err
	}
	bp.disabled = false
	return nil
}

// Drop forgets every breakpoint without touching memory, used when the
// address space they were written to no longer exists.
func (bpmap *BreakpointMap) Drop() {
	bpmap.M = make(map[uint64]*Breakpoint)
}

// Sorted returns all breakpoints ordered by address.
func (bpmap *BreakpointMap) Sorted() []*Breakpoint {
	r := make([]*Breakpoint, 0, len(bpmap.M))
	for _, bp := range bpmap.M {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

// HardwareBreakpoints returns all hardware breakpoints ordered by slot.
func (bpmap *BreakpointMap) HardwareBreakpoints() []*Breakpoint {
	var r []*Breakpoint
	for _, bp := range bpmap.M {
		if bp.Kind == HardwareBreakpoint {
			r = append(r, bp)
		}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].HWSlot < r[j].HWSlot })
	return r
}

func (bpmap *BreakpointMap) overlapsSoftware(addr uint64, size int) bool {
	for _, bp := range bpmap.M {
		if bp.Kind != SoftwareBreakpoint {
			continue
		}
		if _, _, ok := overlap(bp.Addr, uint64(len(bp.OriginalData)), addr, uint64(size)); ok {
			return true
		}
	}
	return false
}

// overlap returns the intersection of [a, a+alen) and [b, b+blen).
func overlap(a, alen, b, blen uint64) (lo, hi uint64, ok bool) {
	lo, hi = a, a+alen
	if b > lo {
		lo = b
	}
	if b+blen < hi {
		hi = b + blen
	}
	return lo, hi, lo < hi
}

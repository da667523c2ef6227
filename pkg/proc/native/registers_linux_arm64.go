package native

import (
	"debug/elf"
	"fmt"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/letoram/lldb/pkg/proc"
)

const _AARCH64_GREGS_SIZE = 34 * 8

// arm64Registers is the register context of a thread on linux/arm64. The
// general purpose registers are read and written as the NT_PRSTATUS
// register set.
type arm64Registers struct {
	tid    int
	regs   sys.PtraceRegs
	loaded bool
}

func newRegisterContext(tid int) proc.RegisterContext {
	return &arm64Registers{tid: tid}
}

func (r *arm64Registers) load() error {
	if r.loaded {
		return nil
	}
	if err := ptraceGetRegSet(r.tid, uintptr(elf.NT_PRSTATUS), unsafe.Pointer(&r.regs), _AARCH64_GREGS_SIZE); err != nil {
		return err
	}
	r.loaded = true
	return nil
}

func (r *arm64Registers) store() error {
	err := ptraceSetRegSet(r.tid, uintptr(elf.NT_PRSTATUS), unsafe.Pointer(&r.regs), _AARCH64_GREGS_SIZE)
	if err != nil {
		r.loaded = false
	}
	return err
}

func (r *arm64Registers) field(reg proc.Register) (*uint64, error) {
	switch reg {
	case proc.RegPC:
		return &r.regs.Pc, nil
	case proc.RegSP:
		return &r.regs.Sp, nil
	case proc.RegFP:
		return &r.regs.Regs[29], nil
	case proc.RegFlags:
		return &r.regs.Pstate, nil
	case proc.RegSyscallNum:
		return &r.regs.Regs[8], nil
	case proc.RegReturn:
		return &r.regs.Regs[0], nil
	}
	if reg >= proc.RegArg0 && reg <= proc.RegArg5 {
		return &r.regs.Regs[reg-proc.RegArg0], nil
	}
	return nil, fmt.Errorf("register %v: %w", reg, proc.ErrInvalidArgument)
}

func (r *arm64Registers) ReadRegister(reg proc.Register) (uint64, error) {
	if err := r.load(); err != nil {
		return 0, err
	}
	p, err := r.field(reg)
	if err != nil {
		return 0, err
	}
	return *p, nil
}

func (r *arm64Registers) WriteRegister(reg proc.Register, value uint64) error {
	if err := r.load(); err != nil {
		return err
	}
	p, err := r.field(reg)
	if err != nil {
		return err
	}
	*p = value
	return r.store()
}

func (r *arm64Registers) Registers() ([]proc.NamedRegister, error) {
	if err := r.load(); err != nil {
		return nil, err
	}
	out := make([]proc.NamedRegister, 0, len(r.regs.Regs)+3)
	for i, v := range r.regs.Regs {
		out = append(out, proc.NamedRegister{Name: fmt.Sprintf("x%d", i), Value: v})
	}
	return append(out,
		proc.NamedRegister{Name: "sp", Value: r.regs.Sp},
		proc.NamedRegister{Name: "pc", Value: r.regs.Pc},
		proc.NamedRegister{Name: "pstate", Value: r.regs.Pstate}), nil
}

func (r *arm64Registers) SaveRegisters() (any, error) {
	if err := r.load(); err != nil {
		return nil, err
	}
	return r.regs, nil
}

func (r *arm64Registers) RestoreRegisters(saved any) error {
	regs, ok := saved.(sys.PtraceRegs)
	if !ok {
		return fmt.Errorf("saved registers of type %T: %w", saved, proc.ErrInvalidArgument)
	}
	r.regs = regs
	r.loaded = true
	return r.store()
}

func (r *arm64Registers) Invalidate() {
	r.loaded = false
}

func (r *arm64Registers) SetHardwareBreakpoint(addr uint64, slot int) error {
	return &proc.UnsupportedError{Feature: "hardware breakpoints on linux/arm64"}
}

func (r *arm64Registers) ClearHardwareBreakpoint(slot int) error {
	return &proc.UnsupportedError{Feature: "hardware breakpoints on linux/arm64"}
}

func (r *arm64Registers) HardwareBreakpointHit() (int, bool, error) {
	return 0, false, nil
}

package native

import (
	"fmt"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/letoram/lldb/pkg/proc"
	"github.com/letoram/lldb/pkg/proc/amd64util"
)

// amd64Registers is the register context of a thread on linux/amd64.
type amd64Registers struct {
	tid    int
	regs   sys.PtraceRegs
	loaded bool
}

func newRegisterContext(tid int) proc.RegisterContext {
	return &amd64Registers{tid: tid}
}

func (r *amd64Registers) load() error {
	if r.loaded {
		return nil
	}
	if _, err := ptracePtr(ptraceGetRegs, r.tid, 0, unsafe.Pointer(&r.regs)); err != nil {
		return err
	}
	r.loaded = true
	return nil
}

func (r *amd64Registers) store() error {
	_, err := ptracePtr(ptraceSetRegs, r.tid, 0, unsafe.Pointer(&r.regs))
	if err != nil {
		r.loaded = false
	}
	return err
}

func (r *amd64Registers) field(reg proc.Register) (*uint64, error) {
	switch reg {
	case proc.RegPC:
		return &r.regs.Rip, nil
	case proc.RegSP:
		return &r.regs.Rsp, nil
	case proc.RegFP:
		return &r.regs.Rbp, nil
	case proc.RegFlags:
		return &r.regs.Eflags, nil
	case proc.RegSyscallNum:
		return &r.regs.Orig_rax, nil
	case proc.RegArg0:
		return &r.regs.Rdi, nil
	case proc.RegArg1:
		return &r.regs.Rsi, nil
	case proc.RegArg2:
		return &r.regs.Rdx, nil
	case proc.RegArg3:
		return &r.regs.R10, nil
	case proc.RegArg4:
		return &r.regs.R8, nil
	case proc.RegArg5:
		return &r.regs.R9, nil
	case proc.RegReturn:
		return &r.regs.Rax, nil
	}
	return nil, fmt.Errorf("register %v: %w", reg, proc.ErrInvalidArgument)
}

func (r *amd64Registers) ReadRegister(reg proc.Register) (uint64, error) {
	if err := r.load(); err != nil {
		return 0, err
	}
	p, err := r.field(reg)
	if err != nil {
		return 0, err
	}
	return *p, nil
}

// WriteRegister writes the register through to the thread. Writing the
// system call number also sets orig_rax to -1 so that the kernel does not
// restart an interrupted system call over the one we are setting up.
func (r *amd64Registers) WriteRegister(reg proc.Register, value uint64) error {
	if err := r.load(); err != nil {
		return err
	}
	if reg == proc.RegSyscallNum {
		r.regs.Rax = value
		r.regs.Orig_rax = ^uint64(0)
		return r.store()
	}
	p, err := r.field(reg)
	if err != nil {
		return err
	}
	*p = value
	return r.store()
}

func (r *amd64Registers) Registers() ([]proc.NamedRegister, error) {
	if err := r.load(); err != nil {
		return nil, err
	}
	regs := &r.regs
	return []proc.NamedRegister{
		{Name: "rax", Value: regs.Rax},
		{Name: "rbx", Value: regs.Rbx},
		{Name: "rcx", Value: regs.Rcx},
		{Name: "rdx", Value: regs.Rdx},
		{Name: "rsi", Value: regs.Rsi},
		{Name: "rdi", Value: regs.Rdi},
		{Name: "rbp", Value: regs.Rbp},
		{Name: "rsp", Value: regs.Rsp},
		{Name: "r8", Value: regs.R8},
		{Name: "r9", Value: regs.R9},
		{Name: "r10", Value: regs.R10},
		{Name: "r11", Value: regs.R11},
		{Name: "r12", Value: regs.R12},
		{Name: "r13", Value: regs.R13},
		{Name: "r14", Value: regs.R14},
		{Name: "r15", Value: regs.R15},
		{Name: "rip", Value: regs.Rip},
		{Name: "rflags", Value: regs.Eflags},
		{Name: "cs", Value: regs.Cs},
		{Name: "ss", Value: regs.Ss},
		{Name: "ds", Value: regs.Ds},
		{Name: "es", Value: regs.Es},
		{Name: "fs", Value: regs.Fs},
		{Name: "gs", Value: regs.Gs},
		{Name: "fs_base", Value: regs.Fs_base},
		{Name: "gs_base", Value: regs.Gs_base},
		{Name: "orig_rax", Value: regs.Orig_rax},
	}, nil
}

func (r *amd64Registers) SaveRegisters() (any, error) {
	if err := r.load(); err != nil {
		return nil, err
	}
	return r.regs, nil
}

func (r *amd64Registers) RestoreRegisters(saved any) error {
	regs, ok := saved.(sys.PtraceRegs)
	if !ok {
		return fmt.Errorf("saved registers of type %T: %w", saved, proc.ErrInvalidArgument)
	}
	r.regs = regs
	r.loaded = true
	return r.store()
}

func (r *amd64Registers) Invalidate() {
	r.loaded = false
}

// withDebugRegisters reads DR0-DR3, DR6 and DR7 of the thread, calls f and
// writes back the registers if f changed them. DR4 and DR5 are aliases of
// DR6 and DR7 and are never accessed.
func (r *amd64Registers) withDebugRegisters(f func(*amd64util.DebugRegisters) error) error {
	var drs amd64util.DebugRegisters
	var err error
	for i := range drs.Addrs {
		drs.Addrs[i], err = ptracePeekUser(r.tid, amd64util.UserOffset(i))
		if err != nil {
			return err
		}
	}
	if drs.DR6, err = ptracePeekUser(r.tid, amd64util.UserOffset(6)); err != nil {
		return err
	}
	if drs.DR7, err = ptracePeekUser(r.tid, amd64util.UserOffset(7)); err != nil {
		return err
	}

	if err := f(&drs); err != nil {
		return err
	}
	if !drs.Dirty {
		return nil
	}

	for i := range drs.Addrs {
		if err := ptracePokeUser(r.tid, amd64util.UserOffset(i), drs.Addrs[i]); err != nil {
			return err
		}
	}
	if err := ptracePokeUser(r.tid, amd64util.UserOffset(6), drs.DR6); err != nil {
		return err
	}
	return ptracePokeUser(r.tid, amd64util.UserOffset(7), drs.DR7)
}

func (r *amd64Registers) SetHardwareBreakpoint(addr uint64, slot int) error {
	if slot < 0 || slot >= amd64util.NumDebugRegisters {
		return fmt.Errorf("hardware breakpoint slot %d: %w", slot, proc.ErrInvalidArgument)
	}
	return r.withDebugRegisters(func(drs *amd64util.DebugRegisters) error {
		return drs.SetExecBreakpoint(uint8(slot), addr)
	})
}

func (r *amd64Registers) ClearHardwareBreakpoint(slot int) error {
	if slot < 0 || slot >= amd64util.NumDebugRegisters {
		return fmt.Errorf("hardware breakpoint slot %d: %w", slot, proc.ErrInvalidArgument)
	}
	return r.withDebugRegisters(func(drs *amd64util.DebugRegisters) error {
		drs.ClearBreakpoint(uint8(slot))
		return nil
	})
}

func (r *amd64Registers) HardwareBreakpointHit() (slot int, ok bool, err error) {
	err = r.withDebugRegisters(func(drs *amd64util.DebugRegisters) error {
		var idx uint8
		ok, idx = drs.GetActiveBreakpoint()
		slot = int(idx)
		return nil
	})
	return slot, ok, err
}

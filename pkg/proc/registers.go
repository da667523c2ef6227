package proc

import "fmt"

// Register identifies a register independently of the architecture.
type Register uint8

const (
	RegPC Register = iota
	RegSP
	RegFP
	RegFlags
	RegSyscallNum
	RegArg0
	RegArg1
	RegArg2
	RegArg3
	RegArg4
	RegArg5
	RegReturn
)

func (r Register) String() string {
	switch r {
	case RegPC:
		return "pc"
	case RegSP:
		return "sp"
	case RegFP:
		return "fp"
	case RegFlags:
		return "flags"
	case RegSyscallNum:
		return "sysno"
	case RegReturn:
		return "ret"
	}
	if r >= RegArg0 && r <= RegArg5 {
		return fmt.Sprintf("arg%d", r-RegArg0)
	}
	return fmt.Sprintf("Register(%d)", uint8(r))
}

// NamedRegister is the value of one of the architecture's registers.
type NamedRegister struct {
	Name  string
	Value uint64
}

// RegisterContext gives access to the registers of one stopped thread.
// Values are fetched from the kernel on first use and kept until
// Invalidate is called.
type RegisterContext interface {
	ReadRegister(reg Register) (uint64, error)
	WriteRegister(reg Register, value uint64) error
	// Registers returns every general purpose register in architecture
	// order.
	Registers() ([]NamedRegister, error)

	// SaveRegisters returns an opaque copy of the register file that can be
	// passed to RestoreRegisters later.
	SaveRegisters() (any, error)
	RestoreRegisters(saved any) error

	SetHardwareBreakpoint(addr uint64, slot int) error
	ClearHardwareBreakpoint(slot int) error
	// HardwareBreakpointHit returns the slot of the hardware breakpoint the
	// thread stopped on, if any.
	HardwareBreakpointHit() (slot int, ok bool, err error)

	Invalidate()
}

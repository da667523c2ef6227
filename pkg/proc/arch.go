package proc

import (
	"encoding/binary"
	"fmt"
	"runtime"
)

// Arch describes the properties of a CPU architecture that the native
// backend needs to drive an inferior: how software breakpoints look, what
// happens to the PC after one is hit and how to issue a system call from
// inside the target.
type Arch struct {
	Name string // architecture name, as in GOARCH

	ptrSize               int
	breakpointInstruction []byte
	// breakInstrMovesPC is true if hitting the breakpoint instruction leaves
	// the PC after the instruction.
	breakInstrMovesPC    bool
	syscallInstruction   []byte
	hardwareBreakpoints  int
	maxInstructionLength int
	byteOrder            binary.ByteOrder
}

var (
	amd64BreakInstruction   = []byte{0xCC}
	amd64SyscallInstruction = []byte{0x0f, 0x05}

	arm64BreakInstruction   = []byte{0x0, 0x0, 0x20, 0xd4} // brk #0
	arm64SyscallInstruction = []byte{0x01, 0x0, 0x0, 0xd4}  // svc #0
)

// AMD64Arch returns the descriptor for the AMD64 architecture.
func AMD64Arch() *Arch {
	return &Arch{
		Name:                  "amd64",
		ptrSize:               8,
		breakpointInstruction: amd64BreakInstruction,
		breakInstrMovesPC:     true,
		syscallInstruction:    amd64SyscallInstruction,
		hardwareBreakpoints:   4,
		maxInstructionLength:  15,
		byteOrder:             binary.LittleEndian,
	}
}

// ARM64Arch returns the descriptor for the ARM64 architecture.
func ARM64Arch() *Arch {
	return &Arch{
		Name:                  "arm64",
		ptrSize:               8,
		breakpointInstruction: arm64BreakInstruction,
		breakInstrMovesPC:     false,
		syscallInstruction:    arm64SyscallInstruction,
		maxInstructionLength:  4,
		byteOrder:             binary.LittleEndian,
	}
}

// ArchForName returns the descriptor for the architecture called name.
func ArchForName(name string) (*Arch, error) {
	switch name {
	case "amd64":
		return AMD64Arch(), nil
	case "arm64":
		return ARM64Arch(), nil
	}
	return nil, &UnsupportedError{Feature: fmt.Sprintf("architecture %s", name)}
}

// NativeArch returns the descriptor of the architecture we are running on.
func NativeArch() (*Arch, error) {
	return ArchForName(runtime.GOARCH)
}

// PtrSize returns the size of a pointer on this architecture.
func (a *Arch) PtrSize() int {
	return a.ptrSize
}

// BreakpointInstruction returns the trap opcode used for software
// breakpoints.
func (a *Arch) BreakpointInstruction() []byte {
	return a.breakpointInstruction
}

// BreakpointSize returns the length of the trap opcode.
func (a *Arch) BreakpointSize() int {
	return len(a.breakpointInstruction)
}

// BreakInstrMovesPC returns whether the breakpoint instruction leaves the
// PC pointing after itself once executed.
func (a *Arch) BreakInstrMovesPC() bool {
	return a.breakInstrMovesPC
}

// SyscallInstruction returns the opcode that performs a system call.
func (a *Arch) SyscallInstruction() []byte {
	return a.syscallInstruction
}

// HardwareBreakpoints returns the number of hardware execution breakpoint
// slots available, zero if the backend does not support them.
func (a *Arch) HardwareBreakpoints() int {
	return a.hardwareBreakpoints
}

// MaxInstructionLength returns the maximum length of an instruction.
func (a *Arch) MaxInstructionLength() int {
	return a.maxInstructionLength
}

// ByteOrder returns the byte order of the architecture.
func (a *Arch) ByteOrder() binary.ByteOrder {
	return a.byteOrder
}

func (a *Arch) String() string {
	return a.Name
}

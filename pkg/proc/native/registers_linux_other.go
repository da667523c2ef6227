//go:build linux && !amd64 && !arm64

package native

import (
	"runtime"

	"github.com/letoram/lldb/pkg/proc"
)

// unsupportedRegisters is used on architectures we can not drive, every
// access fails.
type unsupportedRegisters struct{}

func newRegisterContext(tid int) proc.RegisterContext {
	return unsupportedRegisters{}
}

func errUnsupportedArch() error {
	return &proc.UnsupportedError{Feature: "registers on linux/" + runtime.GOARCH}
}

func (unsupportedRegisters) ReadRegister(proc.Register) (uint64, error) {
	return 0, errUnsupportedArch()
}
func (unsupportedRegisters) WriteRegister(proc.Register, uint64) error { return errUnsupportedArch() }
func (unsupportedRegisters) Registers() ([]proc.NamedRegister, error) {
	return nil, errUnsupportedArch()
}
func (unsupportedRegisters) SaveRegisters() (any, error) { return nil, errUnsupportedArch() }
func (unsupportedRegisters) RestoreRegisters(any) error { return errUnsupportedArch() }
func (unsupportedRegisters) SetHardwareBreakpoint(uint64, int) error { return errUnsupportedArch() }
func (unsupportedRegisters) ClearHardwareBreakpoint(int) error { return errUnsupportedArch() }
func (unsupportedRegisters) HardwareBreakpointHit() (int, bool, error) {
	return 0, false, errUnsupportedArch()
}
func (unsupportedRegisters) Invalidate() {}

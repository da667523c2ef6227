package proc

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

var (
	// ErrInvalidArgument is returned when an operation receives an address,
	// size or option that can never be valid.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupported is matched by every UnsupportedError through errors.Is.
	ErrUnsupported = errors.New("operation not supported")
)

// SyscallError is a failed system call issued against the inferior. Errno
// is the raw error code returned by the kernel.
type SyscallError struct {
	Op    string
	Pid   int
	Addr  uint64
	Errno syscall.Errno
}

func (e *SyscallError) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("%s(%d, %#x): %v", e.Op, e.Pid, e.Addr, e.Errno)
	}
	return fmt.Sprintf("%s(%d): %v", e.Op, e.Pid, e.Errno)
}

func (e *SyscallError) Unwrap() error {
	return e.Errno
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// InvalidStateError is returned by operations issued on a process that is
// in a state where they can not be executed, for example reading memory
// after the process exited.
type InvalidStateError struct {
	Pid   int
	State StateType
	Op    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: process %d is %s", e.Op, e.Pid, e.State)
}

// NoBreakpointError is returned when trying to
// clear a breakpoint that does not exist.
type NoBreakpointError struct {
	Addr uint64
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x", nbp.Addr)
}

// BreakpointExistsError is returned when trying to set a breakpoint of one
// kind at an address that already has a breakpoint of another kind.
type BreakpointExistsError struct {
	Addr uint64
	Kind BreakpointKind
}

func (bpe BreakpointExistsError) Error() string {
	return fmt.Sprintf("%s breakpoint exists at %#x", bpe.Kind, bpe.Addr)
}

// UnsupportedError is returned when the platform or the target lack a
// feature, for example memory region introspection.
type UnsupportedError struct {
	Feature string
}

func (e *UnsupportedError) Error() string {
	return e.Feature + " not supported"
}

func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupported
}

// PartialFailureError is returned by operations applied to every thread
// when some of the threads succeeded and some failed. Nothing is rolled
// back.
type PartialFailureError struct {
	Op        string
	Succeeded []int
	Failed    []int
	Err       error // first error encountered
}

func (e *PartialFailureError) Error() string {
	ok := make([]string, len(e.Succeeded))
	for i, tid := range e.Succeeded {
		ok[i] = fmt.Sprint(tid)
	}
	return fmt.Sprintf("%s failed on threads %v (succeeded on [%s]): %v", e.Op, e.Failed, strings.Join(ok, " "), e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// TraceLostError means that the kernel no longer lets us trace the
// process. Once returned the process is considered terminated.
type TraceLostError struct {
	Pid int
	Err error
}

func (e *TraceLostError) Error() string {
	return fmt.Sprintf("lost trace of process %d: %v", e.Pid, e.Err)
}

func (e *TraceLostError) Unwrap() error {
	return e.Err
}

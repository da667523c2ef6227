package proc

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyscallErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("reading: %w", &SyscallError{Op: "PTRACE_PEEKDATA", Pid: 10, Addr: 0x1000, Errno: syscall.EIO})
	assert.ErrorIs(t, err, syscall.EIO)
	var se *SyscallError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, syscall.EIO, se.Errno)
	assert.Contains(t, se.Error(), "0x1000")
}

func TestUnsupportedIs(t *testing.T) {
	assert.ErrorIs(t, &UnsupportedError{Feature: "x"}, ErrUnsupported)
	_, err := ArchForName("mips")
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.False(t, errors.Is(&InvalidStateError{}, ErrUnsupported))
}

func TestPartialFailure(t *testing.T) {
	err := &PartialFailureError{Op: "resume", Succeeded: []int{1, 2}, Failed: []int{3}, Err: syscall.ESRCH}
	assert.ErrorIs(t, err, syscall.ESRCH)
	assert.Contains(t, err.Error(), "[1 2]")
	assert.Contains(t, err.Error(), "[3]")
}

func TestParsePermissions(t *testing.T) {
	p, err := ParsePermissions("rw-")
	require.NoError(t, err)
	assert.Equal(t, PermRead|PermWrite, p)
	assert.Equal(t, "rw-", p.String())
	p, err = ParsePermissions("rx")
	require.NoError(t, err)
	assert.Equal(t, "r-x", p.String())
	_, err = ParsePermissions("rwz")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

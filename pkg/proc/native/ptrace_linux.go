package native

import (
	"fmt"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/letoram/lldb/pkg/logflags"
	"github.com/letoram/lldb/pkg/metrics"
	"github.com/letoram/lldb/pkg/proc"
)

// PTRACE_GETREGS and PTRACE_SETREGS are not defined by x/sys/unix on every
// architecture.
const (
	ptraceGetRegs = 12
	ptraceSetRegs = 13
)

var ptraceRequestNames = map[int]string{
	sys.PTRACE_PEEKDATA:    "PTRACE_PEEKDATA",
	sys.PTRACE_PEEKUSR:     "PTRACE_PEEKUSER",
	sys.PTRACE_POKEDATA:    "PTRACE_POKEDATA",
	sys.PTRACE_POKEUSR:     "PTRACE_POKEUSER",
	sys.PTRACE_CONT:        "PTRACE_CONT",
	sys.PTRACE_SINGLESTEP:  "PTRACE_SINGLESTEP",
	sys.PTRACE_ATTACH:      "PTRACE_ATTACH",
	sys.PTRACE_DETACH:      "PTRACE_DETACH",
	sys.PTRACE_SETOPTIONS:  "PTRACE_SETOPTIONS",
	sys.PTRACE_GETEVENTMSG: "PTRACE_GETEVENTMSG",
	sys.PTRACE_GETSIGINFO:  "PTRACE_GETSIGINFO",
	sys.PTRACE_GETREGSET:   "PTRACE_GETREGSET",
	sys.PTRACE_SETREGSET:   "PTRACE_SETREGSET",
	ptraceGetRegs:          "PTRACE_GETREGS",
	ptraceSetRegs:          "PTRACE_SETREGS",
}

func ptraceRequestName(request int) string {
	if name, ok := ptraceRequestNames[request]; ok {
		return name
	}
	return fmt.Sprintf("PTRACE_%d", request)
}

// ptrace issues a ptrace request. Every ptrace request made by this package
// goes through here.
// The raw result of the system call is returned unchanged, a zero errno is
// reported as a nil error and any other errno as a *proc.SyscallError. A
// request interrupted by a signal is restarted.
// Must be called from the thread that attached to the tracee.
func ptrace(request, pid int, addr, data uintptr) (uintptr, error) {
	var (
		r     uintptr
		errno syscall.Errno
	)
	for {
		r, _, errno = sys.Syscall6(sys.SYS_PTRACE, uintptr(request), uintptr(pid), addr, data, 0, 0)
		if errno != sys.EINTR {
			break
		}
	}

	var err error
	if errno != 0 {
		err = &proc.SyscallError{Op: ptraceRequestName(request), Pid: pid, Addr: uint64(addr), Errno: errno}
	}
	if logflags.Ptrace() {
		logflags.PtraceLogger().Debugf("%s(%d, %#x, %#x) = %#x, %v", ptraceRequestName(request), pid, addr, data, r, errno)
	}
	metrics.PtraceRequest(ptraceRequestName(request), err)
	return r, err
}

// ptracePtr is ptrace for requests whose data argument points to memory of
// the tracer.
func ptracePtr(request, pid int, addr uintptr, data unsafe.Pointer) (uintptr, error) {
	return ptrace(request, pid, addr, uintptr(data))
}

func ptraceAttach(tid int) error {
	_, err := ptrace(sys.PTRACE_ATTACH, tid, 0, 0)
	return err
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid int, sig syscall.Signal) error {
	_, err := ptrace(sys.PTRACE_DETACH, tid, 0, uintptr(sig))
	return err
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid int, sig syscall.Signal) error {
	_, err := ptrace(sys.PTRACE_CONT, tid, 0, uintptr(sig))
	return err
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(tid int, sig syscall.Signal) error {
	_, err := ptrace(sys.PTRACE_SINGLESTEP, tid, 0, uintptr(sig))
	return err
}

const ptraceOptions = sys.PTRACE_O_TRACECLONE | sys.PTRACE_O_TRACEEXEC | sys.PTRACE_O_EXITKILL

func ptraceSetOptions(tid int) error {
	_, err := ptrace(sys.PTRACE_SETOPTIONS, tid, 0, ptraceOptions)
	return err
}

func ptraceGetEventMsg(tid int) (uint, error) {
	var msg uint
	_, err := ptracePtr(sys.PTRACE_GETEVENTMSG, tid, 0, unsafe.Pointer(&msg))
	return msg, err
}

// si_code values of a SIGTRAP, see siginfo.h.
const (
	siKernel  = 0x80 // int3 on amd64
	trapBrkpt = 1    // brk on arm64
)

// ptraceGetSigInfoCode returns the si_code of the signal that stopped tid.
// Values <= 0 mean the signal was sent by a process, not by the kernel.
func ptraceGetSigInfoCode(tid int) (int32, error) {
	var si sys.Siginfo
	_, err := ptracePtr(sys.PTRACE_GETSIGINFO, tid, 0, unsafe.Pointer(&si))
	return si.Code, err
}

// ptracePeek reads one word. The kernel stores the word at the address
// passed as data, so the return value of the system call is not used.
func ptracePeek(request, tid int, addr uintptr) (uint64, error) {
	var word uint64
	_, err := ptracePtr(request, tid, addr, unsafe.Pointer(&word))
	return word, err
}

func ptracePoke(request, tid int, addr uintptr, word uint64) error {
	_, err := ptrace(request, tid, addr, uintptr(word))
	return err
}

func ptracePeekUser(tid int, off uintptr) (uint64, error) {
	return ptracePeek(sys.PTRACE_PEEKUSR, tid, off)
}

func ptracePokeUser(tid int, off uintptr, val uint64) error {
	return ptracePoke(sys.PTRACE_POKEUSR, tid, off, val)
}

// ptraceGetRegSet reads the register set nt into the size bytes at data.
func ptraceGetRegSet(tid int, nt uintptr, data unsafe.Pointer, size int) error {
	iov := sys.Iovec{Base: (*byte)(data)}
	iov.SetLen(size)
	_, err := ptracePtr(sys.PTRACE_GETREGSET, tid, nt, unsafe.Pointer(&iov))
	return err
}

func ptraceSetRegSet(tid int, nt uintptr, data unsafe.Pointer, size int) error {
	iov := sys.Iovec{Base: (*byte)(data)}
	iov.SetLen(size)
	_, err := ptracePtr(sys.PTRACE_SETREGSET, tid, nt, unsafe.Pointer(&iov))
	return err
}

// remoteIovec is like golang.org/x/sys/unix.Iovec but uses uintptr for the
// base field instead of *byte so that we can use it with addresses that
// belong to the target process.
type remoteIovec struct {
	base uintptr
	len  uintptr
}

// processVMRead calls process_vm_readv
func processVMRead(pid int, addr uintptr, data []byte) (int, error) {
	localIov := sys.Iovec{Base: &data[0]}
	localIov.SetLen(len(data))
	remoteIov := remoteIovec{base: addr, len: uintptr(len(data))}
	n, _, err := sys.Syscall6(sys.SYS_PROCESS_VM_READV, uintptr(pid), uintptr(unsafe.Pointer(&localIov)), 1, uintptr(unsafe.Pointer(&remoteIov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, &proc.SyscallError{Op: "process_vm_readv", Pid: pid, Addr: uint64(addr), Errno: err}
	}
	return int(n), nil
}

// processVMWrite calls process_vm_writev
func processVMWrite(pid int, addr uintptr, data []byte) (int, error) {
	localIov := sys.Iovec{Base: &data[0]}
	localIov.SetLen(len(data))
	remoteIov := remoteIovec{base: addr, len: uintptr(len(data))}
	n, _, err := sys.Syscall6(sys.SYS_PROCESS_VM_WRITEV, uintptr(pid), uintptr(unsafe.Pointer(&localIov)), 1, uintptr(unsafe.Pointer(&remoteIov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, &proc.SyscallError{Op: "process_vm_writev", Pid: pid, Addr: uint64(addr), Errno: err}
	}
	return int(n), nil
}

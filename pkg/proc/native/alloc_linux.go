package native

import (
	"errors"
	"fmt"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/letoram/lldb/pkg/proc"
	"github.com/letoram/lldb/pkg/proc/linutil"
)

// AllocateMemory maps size bytes of anonymous memory with the given
// permissions in the process and returns its address.
func (p *Process) AllocateMemory(size uint64, perm proc.Permissions) (uint64, error) {
	if err := p.requireStopped("allocate memory"); err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, fmt.Errorf("allocation of 0 bytes: %w", proc.ErrInvalidArgument)
	}
	prot := uint64(sys.PROT_NONE)
	if perm&proc.PermRead != 0 {
		prot |= sys.PROT_READ
	}
	if perm&proc.PermWrite != 0 {
		prot |= sys.PROT_WRITE
	}
	if perm&proc.PermExec != 0 {
		prot |= sys.PROT_EXEC
	}
	addr, err := p.injectSyscall("mmap", sys.SYS_MMAP, 0, size, prot, sys.MAP_PRIVATE|sys.MAP_ANONYMOUS, ^uint64(0), 0)
	if err != nil {
		return 0, err
	}
	p.allocations[addr] = size
	p.regions.Invalidate()
	return addr, nil
}

// DeallocateMemory unmaps memory returned by AllocateMemory.
func (p *Process) DeallocateMemory(addr uint64) error {
	if err := p.requireStopped("deallocate memory"); err != nil {
		return err
	}
	size, ok := p.allocations[addr]
	if !ok {
		return fmt.Errorf("no allocation at %#x: %w", addr, proc.ErrInvalidArgument)
	}
	if _, err := p.injectSyscall("munmap", sys.SYS_MUNMAP, addr, size); err != nil {
		return err
	}
	delete(p.allocations, addr)
	p.regions.Invalidate()
	return nil
}

// injectSyscall makes the current thread execute a system call: a syscall
// instruction followed by a trap is written at the entry point of the
// program and the thread is run through it. Registers and memory are
// restored afterwards.
func (p *Process) injectSyscall(name string, num uintptr, args ...uint64) (ret uint64, err error) {
	t := p.CurrentThread()
	if t == nil {
		return 0, &proc.InvalidStateError{Pid: p.pid, State: p.state, Op: name}
	}
	auxv, err := p.GetAuxvData()
	if err != nil {
		return 0, err
	}
	entry := linutil.EntryPointFromAuxv(auxv, p.arch.PtrSize())
	if entry == 0 {
		return 0, &proc.UnsupportedError{Feature: "code injection without an entry point"}
	}

	code := append(append([]byte{}, p.arch.SyscallInstruction()...), p.arch.BreakpointInstruction()...)
	saved, err := t.regs.SaveRegisters()
	if err != nil {
		return 0, err
	}
	orig := make([]byte, len(code))
	if _, err := p.ReadMemory(orig, entry); err != nil {
		return 0, err
	}
	mem := forcedMemory{p}
	if _, err := mem.WriteMemory(entry, code); err != nil {
		return 0, err
	}
	defer func() {
		if p.state.IsTerminal() {
			return
		}
		if _, rerr := mem.WriteMemory(entry, orig); rerr != nil && err == nil {
			err = rerr
		}
		if rerr := t.regs.RestoreRegisters(saved); rerr != nil && err == nil {
			err = rerr
		}
	}()

	if err := t.SetPC(entry); err != nil {
		return 0, err
	}
	if err := t.regs.WriteRegister(proc.RegSyscallNum, uint64(num)); err != nil {
		return 0, err
	}
	for i, arg := range args {
		if err := t.regs.WriteRegister(proc.RegArg0+proc.Register(i), arg); err != nil {
			return 0, err
		}
	}

	if err := p.runUntilTrap(t); err != nil {
		return 0, err
	}
	ret, err = t.regs.ReadRegister(proc.RegReturn)
	if err != nil {
		return 0, err
	}
	if errno := -int64(ret); errno > 0 && errno < 4096 {
		return 0, &proc.SyscallError{Op: name, Pid: t.ID, Errno: syscall.Errno(errno)}
	}
	return ret, nil
}

// runUntilTrap continues t, with every other thread stopped, until it
// executes a trap. Signals received on the way are kept for the next
// resume.
func (p *Process) runUntilTrap(t *Thread) error {
	for {
		if err := ptraceCont(t.ID, 0); err != nil {
			return err
		}
		t.running = true
		var ws sys.WaitStatus
		_, err := sys.Wait4(t.ID, &ws, sys.WALL, nil)
		t.stopped()
		if err != nil {
			if errors.Is(err, sys.ECHILD) && t.ID == p.pid {
				p.traceLost(err)
				return p.traceErr
			}
			return &proc.SyscallError{Op: "wait4", Pid: t.ID, Errno: errnoOf(err)}
		}
		ev, sig := classifyStatus(ws)
		switch ev {
		case waitExited:
			if t.ID == p.pid {
				p.exited(ws.ExitStatus())
			} else {
				p.threadGone(t.ID)
			}
			return proc.ErrProcessExited{Pid: p.pid, Status: ws.ExitStatus()}
		case waitSignaled:
			if t.ID == p.pid {
				p.terminated(sig)
			} else {
				p.threadGone(t.ID)
			}
			return fmt.Errorf("thread %d killed by %v", t.ID, sig)
		case waitStopped:
			switch {
			case sig == syscall.SIGTRAP:
				return nil
			case sig == syscall.SIGSTOP && t.stopRequested:
				t.stopRequested = false
			case sig != syscall.SIGSTOP:
				t.pendingSignal = sig
			}
		}
	}
}

package native

import (
	"errors"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/letoram/lldb/pkg/logflags"
	"github.com/letoram/lldb/pkg/metrics"
	"github.com/letoram/lldb/pkg/proc"
)

// waitEvent is what a wait status says happened to a thread.
type waitEvent uint8

const (
	waitUnknown waitEvent = iota
	waitExited
	waitSignaled
	waitStopped
	waitClone
	waitExec
)

func (ev waitEvent) String() string {
	switch ev {
	case waitExited:
		return "exited"
	case waitSignaled:
		return "signaled"
	case waitStopped:
		return "stopped"
	case waitClone:
		return "clone"
	case waitExec:
		return "exec"
	}
	return "unknown"
}

// classifyStatus decodes a wait status. The signal is the terminating
// signal for waitSignaled and the stop signal for the stop events.
func classifyStatus(ws sys.WaitStatus) (waitEvent, syscall.Signal) {
	switch {
	case ws.Exited():
		return waitExited, 0
	case ws.Signaled():
		return waitSignaled, ws.Signal()
	case ws.Stopped():
		sig := ws.StopSignal()
		if sig == syscall.SIGTRAP {
			switch ws.TrapCause() {
			case sys.PTRACE_EVENT_CLONE:
				return waitClone, sig
			case sys.PTRACE_EVENT_EXEC:
				return waitExec, sig
			}
		}
		return waitStopped, sig
	}
	return waitUnknown, 0
}

// handleSigchld collects every pending wait status of our threads. SIGCHLD
// deliveries coalesce, so threads are polled until a full pass finds
// nothing. The leader is polled last: its exit is only reported after all
// other threads are gone.
func (p *Process) handleSigchld() {
	for !p.state.IsTerminal() {
		progress := false
		for _, tid := range p.threads.waitOrder() {
			if p.state.IsTerminal() {
				return
			}
			if !p.threads.has(tid) {
				continue
			}
			var ws sys.WaitStatus
			wpid, err := sys.Wait4(tid, &ws, sys.WALL|sys.WNOHANG, nil)
			if err != nil {
				if errors.Is(err, sys.ECHILD) {
					progress = true
					if tid == p.pid {
						p.traceLost(err)
						return
					}
					p.threadGone(tid)
					continue
				}
				p.log.Errorf("wait4(%d): %v", tid, err)
				continue
			}
			if wpid != tid {
				continue
			}
			progress = true
			p.handleWaitStatus(tid, ws)
		}
		if !progress {
			return
		}
	}
}

func (p *Process) handleWaitStatus(tid int, ws sys.WaitStatus) {
	ev, sig := classifyStatus(ws)
	if logflags.Native() {
		p.log.Debugf("thread %d: %v %v (status %#x)", tid, ev, sig, uint32(ws))
	}

	switch ev {
	case waitExited:
		if tid == p.pid {
			p.exited(ws.ExitStatus())
			return
		}
		p.threadGone(tid)
		return
	case waitSignaled:
		if tid == p.pid {
			p.terminated(sig)
			return
		}
		p.threadGone(tid)
		return
	case waitUnknown:
		return
	}

	t, ok := p.threads.get(tid)
	if !ok {
		return
	}
	t.stopped()

	switch ev {
	case waitClone:
		p.handleClone(t)
	case waitExec:
		p.handleExec(t)
	default:
		p.handleStop(t, sig)
	}
}

// threadGone removes a thread that exited. If we were waiting for it to
// stop the all-stop may now be complete.
func (p *Process) threadGone(tid int) {
	p.threads.remove(tid)
	if tid == p.currentTid {
		p.currentTid = p.pid
	}
	if p.stopping {
		p.signalIfAllThreadsStopped()
	}
}

func (p *Process) exited(code int) {
	if p.state.IsTerminal() {
		return
	}
	p.teardown()
	p.exitStatus = code
	p.setState(proc.StateExited)
	p.log.Infof("process exited with status %d", code)
	if p.delegate != nil {
		p.delegate.ProcessExited(p, code)
	}
}

func (p *Process) terminated(sig syscall.Signal) {
	if p.state.IsTerminal() {
		return
	}
	p.teardown()
	p.termSignal = sig
	p.setState(proc.StateTerminated)
	p.log.Infof("process killed by %v", sig)
	if p.delegate != nil {
		p.delegate.ProcessTerminated(p, sig)
	}
}

// traceLost is called when the kernel says the leader is not our child
// anymore.
func (p *Process) traceLost(err error) {
	if p.state.IsTerminal() {
		return
	}
	p.traceErr = &proc.TraceLostError{Pid: p.pid, Err: err}
	p.teardown()
	p.setState(proc.StateTerminated)
	p.log.Errorf("%v", p.traceErr)
	if p.delegate != nil {
		p.delegate.ProcessTerminated(p, 0)
	}
}

func (p *Process) teardown() {
	p.sigchld.Close()
	p.sigchld = nil
	p.breakpoints.Drop()
	metrics.SetBreakpoints(0)
	p.threads.clear()
	p.allocations = make(map[uint64]uint64)
	p.stepOverRefs = make(map[uint64]int)
	p.stepOversPending = 0
	p.deferred = nil
	p.stopping = false
	p.halting = false
	p.invalidateCaches()
}

func (p *Process) handleStop(t *Thread, sig syscall.Signal) {
	switch {
	case sig == syscall.SIGSTOP && t.stopRequested:
		t.stopRequested = false
		if p.stopping {
			if p.halting && (p.notifyTid == 0 || !p.threads.has(p.notifyTid)) {
				t.stopInfo = proc.StopInfo{Reason: proc.StopHalt, Tid: t.ID}
				p.notifyTid = t.ID
			}
			if t.stepOverAddr != 0 {
				p.stepOverDone(t)
			}
			p.signalIfAllThreadsStopped()
			return
		}
		// The thread stopped for another reason before our SIGSTOP arrived,
		// this one is stale.
		if p.state == proc.StateRunning {
			if err := t.resume(t.lastAction, 0); err != nil {
				p.log.Warnf("could not resume %v after stale stop: %v", t, err)
			}
		}

	case sig == syscall.SIGSTOP && p.state != proc.StateRunning:
		// initial stop of a thread we just started tracing

	case sig == syscall.SIGTRAP:
		code, err := ptraceGetSigInfoCode(t.ID)
		if err == nil && code <= 0 {
			// kill(2) or tgkill(2), not one of our traps
			p.signalStop(t, sig)
			return
		}
		if err != nil {
			p.log.Warnf("could not read siginfo of %v: %v", t, err)
		}
		p.handleTrap(t, err != nil || code == siKernel || code == trapBrkpt)

	default:
		p.signalStop(t, sig)
	}
}

// signalStop reports sig as the reason t stopped. The signal is delivered
// when t is resumed.
func (p *Process) signalStop(t *Thread, sig syscall.Signal) {
	t.stopInfo = proc.StopInfo{Reason: proc.StopSignal, Signal: sig, Tid: t.ID}
	if sig != syscall.SIGSTOP {
		t.pendingSignal = sig
	}
	if t.stepOverAddr != 0 {
		p.stepOverDone(t)
	}
	p.stopRunningThreads(t)
}

// handleTrap handles a SIGTRAP raised by the kernel for t. fromTrapInsn
// reports whether the siginfo says it came from a trap instruction, only
// then the PC is rewound to a breakpoint.
func (p *Process) handleTrap(t *Thread, fromTrapInsn bool) {
	if t.stepOverAddr != 0 {
		p.finishStepOver(t)
		return
	}

	info := proc.StopInfo{Reason: proc.StopTrace, Signal: syscall.SIGTRAP, Tid: t.ID}
	if slot, ok, err := t.regs.HardwareBreakpointHit(); err == nil && ok {
		info = proc.StopInfo{Reason: proc.StopHardwareBreakpoint, Tid: t.ID}
		for _, bp := range p.breakpoints.HardwareBreakpoints() {
			if bp.HWSlot == slot {
				info.Addr = bp.Addr
			}
		}
	} else if pc, err := t.PC(); err == nil {
		info.Addr = pc
		if addr, ok := p.breakpoints.FixupAddress(pc, p.arch); ok && fromTrapInsn {
			if err := t.SetPC(addr); err != nil {
				p.log.Errorf("could not rewind %v to breakpoint at %#x: %v", t, addr, err)
			}
			info = proc.StopInfo{Reason: proc.StopBreakpoint, Tid: t.ID, Addr: addr}
		} else if fromTrapInsn && !p.arch.BreakInstrMovesPC() && p.breakpoints.HasTrapAt(pc) {
			info = proc.StopInfo{Reason: proc.StopBreakpoint, Tid: t.ID, Addr: pc}
		} else if t.lastAction == proc.ResumeStep {
			info = proc.StopInfo{Reason: proc.StopTrace, Tid: t.ID, Addr: pc}
		}
	}
	t.stopInfo = info

	if err := p.threads.reinitializeFromKernel(nil); err != nil {
		p.log.Warnf("could not refresh thread list: %v", err)
	}
	p.stopRunningThreads(t)
}

func (p *Process) handleClone(t *Thread) {
	msg, err := ptraceGetEventMsg(t.ID)
	if err != nil {
		p.log.Errorf("could not read new thread id from %v: %v", t, err)
	} else {
		p.addClonedThread(int(msg))
	}

	if p.stopping {
		p.signalIfAllThreadsStopped()
		return
	}
	if err := t.resume(t.lastAction, 0); err != nil {
		p.log.Errorf("could not resume %v after clone: %v", t, err)
	}
}

// addClonedThread starts tracking a thread created by clone. Its initial
// stop is consumed here, the thread is resumed unless a stop is in progress
// or a step over a breakpoint is holding the other threads.
func (p *Process) addClonedThread(tid int) {
	nt := p.threads.add(tid)
	var ws sys.WaitStatus
	if _, err := sys.Wait4(tid, &ws, sys.WALL, nil); err != nil {
		p.log.Errorf("wait4(%d) for new thread: %v", tid, err)
		p.threads.remove(tid)
		return
	}
	if ws.Exited() || ws.Signaled() {
		p.threads.remove(tid)
		return
	}
	if sig := ws.StopSignal(); sig != syscall.SIGSTOP {
		nt.pendingSignal = sig
		nt.stopRequested = true
	}
	if logflags.Native() {
		p.log.Debugf("new thread %d", tid)
	}

	for _, bp := range p.breakpoints.HardwareBreakpoints() {
		if err := nt.regs.SetHardwareBreakpoint(bp.Addr, bp.HWSlot); err != nil {
			p.log.Errorf("could not copy %v to thread %d: %v", bp, tid, err)
		}
	}

	if p.stopping || p.stepOversPending > 0 {
		return
	}
	if err := nt.resume(proc.ResumeContinue, 0); err != nil {
		p.log.Errorf("could not resume new thread %d: %v", tid, err)
	}
}

// handleExec handles PTRACE_EVENT_EXEC, reported on the leader once every
// other thread is gone. The old address space and everything we knew about
// it is gone too.
func (p *Process) handleExec(t *Thread) {
	for _, other := range p.threads.list() {
		if other.ID == p.pid {
			continue
		}
		var ws sys.WaitStatus
		_, _ = sys.Wait4(other.ID, &ws, sys.WALL|sys.WNOHANG, nil)
		p.threads.remove(other.ID)
	}
	if err := p.threads.reinitializeFromKernel(nil); err != nil {
		p.log.Warnf("could not refresh thread list after exec: %v", err)
	}

	p.breakpoints.Drop()
	metrics.SetBreakpoints(0)
	p.stepOverRefs = make(map[uint64]int)
	p.stepOversPending = 0
	p.deferred = nil
	p.allocations = make(map[uint64]uint64)
	p.invalidateCaches()

	t.stepOverAddr = 0
	t.stopInfo = proc.StopInfo{Reason: proc.StopExec, Tid: t.ID}
	p.log.Infof("process called exec")
	p.stopRunningThreads(t)
}

// stopRunningThreads starts an all-stop because of an event reported by
// reporter.
func (p *Process) stopRunningThreads(reporter *Thread) {
	if p.notifyTid == 0 || !p.threads.has(p.notifyTid) {
		p.notifyTid = reporter.ID
	}
	if !p.stopping {
		p.stopping = true
		p.sendStops()
	}
	p.signalIfAllThreadsStopped()
}

// sendStops sends SIGSTOP to every running thread we have not asked to
// stop already.
func (p *Process) sendStops() {
	for _, t := range p.threads.list() {
		if !t.running || t.stopRequested {
			continue
		}
		if err := sys.Tgkill(p.pid, t.ID, sys.SIGSTOP); err != nil {
			if errors.Is(err, sys.ESRCH) {
				// exiting, wait4 will tell us
				t.running = false
				continue
			}
			p.log.Errorf("could not stop %v: %v", t, err)
			continue
		}
		t.stopRequested = true
	}
}

// signalIfAllThreadsStopped completes an all-stop once no thread is
// running, notifying the delegate.
func (p *Process) signalIfAllThreadsStopped() {
	if !p.stopping {
		return
	}
	for _, t := range p.threads.list() {
		if t.running {
			return
		}
	}

	p.cancelStepOvers()
	p.stopping = false
	halting := p.halting
	p.halting = false

	var info proc.StopInfo
	if t, ok := p.threads.get(p.notifyTid); ok {
		info = t.stopInfo
	} else if t := p.CurrentThread(); t != nil {
		info = proc.StopInfo{Reason: proc.StopNone, Tid: t.ID}
		if halting {
			info.Reason = proc.StopHalt
		}
		t.stopInfo = info
	}
	p.notifyTid = 0
	if info.Tid != 0 {
		p.currentTid = info.Tid
	}
	p.setState(proc.StateStopped)
	metrics.StopEvent(info.Reason.String())
	if logflags.Native() {
		p.log.Debugf("stopped: %v", info)
	}
	if p.delegate != nil {
		p.delegate.ProcessStopped(p, info)
	}
}

// beginStepOver single steps t over the breakpoint at its PC with the trap
// taken out of memory.
func (p *Process) beginStepOver(t *Thread, sig syscall.Signal) error {
	addr := t.stepOverAddr
	if p.stepOverRefs[addr] == 0 {
		if err := p.breakpoints.Disable(forcedMemory{p}, addr); err != nil {
			t.stepOverAddr = 0
			return err
		}
	}
	p.stepOverRefs[addr]++
	if err := t.resume(proc.ResumeStep, sig); err != nil {
		p.stepOverDone(t)
		return err
	}
	p.stepOversPending++
	return nil
}

// stepOverDone puts back the trap t stepped over, once no other thread is
// stepping over it.
func (p *Process) stepOverDone(t *Thread) {
	addr := t.stepOverAddr
	t.stepOverAddr = 0
	p.stepOverRefs[addr]--
	if p.stepOverRefs[addr] > 0 {
		return
	}
	delete(p.stepOverRefs, addr)
	if err := p.breakpoints.Enable(forcedMemory{p}, addr, p.arch.BreakpointInstruction()); err != nil {
		var nbp proc.NoBreakpointError
		if !errors.As(err, &nbp) {
			p.log.Errorf("could not reinstall breakpoint at %#x: %v", addr, err)
		}
	}
}

func (p *Process) finishStepOver(t *Thread) {
	p.stepOverDone(t)
	if p.stepOversPending > 0 {
		p.stepOversPending--
	}
	if p.stopping {
		p.signalIfAllThreadsStopped()
		return
	}

	var action proc.ResumeAction
	if p.deferred != nil {
		action, _ = p.deferred.ActionForThread(t.ID, true)
	}
	if action.State == proc.ResumeStep {
		// the step over was the step that was asked for
		pc, _ := t.PC()
		t.stopInfo = proc.StopInfo{Reason: proc.StopTrace, Tid: t.ID, Addr: pc}
		p.stopRunningThreads(t)
		return
	}
	if p.stepOversPending > 0 {
		return
	}

	actions := p.deferred
	p.deferred = nil
	if actions == nil {
		actions = proc.ContinueAll()
	}
	_, failed, err := p.applyActions(actions)
	if len(failed) > 0 {
		p.log.Errorf("could not resume threads %v after stepping over breakpoints: %v", failed, err)
	}
}

// cancelStepOvers abandons the steps over breakpoints interrupted by an
// all-stop, putting every trap back.
func (p *Process) cancelStepOvers() {
	for _, t := range p.threads.list() {
		if t.stepOverAddr != 0 {
			p.stepOverDone(t)
		}
	}
	for addr := range p.stepOverRefs {
		if err := p.breakpoints.Enable(forcedMemory{p}, addr, p.arch.BreakpointInstruction()); err != nil {
			p.log.Debugf("could not reinstall breakpoint at %#x: %v", addr, err)
		}
	}
	p.stepOverRefs = make(map[uint64]int)
	p.stepOversPending = 0
	p.deferred = nil
}

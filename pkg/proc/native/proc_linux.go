package native

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/creack/pty"
	lru "github.com/hashicorp/golang-lru"
	isatty "github.com/mattn/go-isatty"
	sys "golang.org/x/sys/unix"

	"github.com/letoram/lldb/pkg/logflags"
	"github.com/letoram/lldb/pkg/mainloop"
	"github.com/letoram/lldb/pkg/metrics"
	"github.com/letoram/lldb/pkg/proc"
	"github.com/letoram/lldb/pkg/proc/linutil"
)

const (
	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant

	moduleCacheSize = 128
)

// Delegate receives the asynchronous events of a Process. Methods are
// called on the event loop.
type Delegate interface {
	// ProcessStopped is called once every thread of the process has
	// stopped, info describes the thread that caused the stop.
	ProcessStopped(p *Process, info proc.StopInfo)
	// ProcessExited is called once when the process exits.
	ProcessExited(p *Process, code int)
	// ProcessTerminated is called once when the process is killed by a
	// signal, or with a zero signal when the kernel no longer lets us
	// trace it.
	ProcessTerminated(p *Process, sig syscall.Signal)
}

// LaunchConfig describes a process to launch.
type LaunchConfig struct {
	Args []string // Args[0] is the program to run
	Dir  string
	Env  []string // nil means the environment of this process

	DisableASLR bool
	// PTY gives the process a new pseudo terminal, whose master side is
	// returned by Process.Terminal.
	PTY bool
	// Foreground puts the process in the foreground process group of our
	// terminal, ignored if PTY is set or stdin is not a terminal.
	Foreground bool
	// Redirects are paths for stdin, stdout and stderr of the process. An
	// empty path means our own file is inherited.
	Redirects [3]string
}

// Process represents all of the information the debugger
// is holding onto regarding the process we are debugging.
type Process struct {
	pid      int
	arch     *proc.Arch
	loop     *mainloop.MainLoop
	delegate Delegate
	log      logflags.Logger

	state      proc.StateType
	exitStatus int
	termSignal syscall.Signal
	traceErr   error

	threads     *threadRegistry
	breakpoints proc.BreakpointMap
	regions     *proc.MemoryRegionCache
	procfs      *linutil.ProcFS
	sigchld     *mainloop.SignalHandle

	auxv        []byte
	modules     *lru.Cache
	allocations map[uint64]uint64

	currentTid int
	// notifyTid is the thread whose stop is reported once every thread has
	// stopped.
	notifyTid int
	stopping  bool
	halting   bool

	// deferred are the resume actions waiting for every step over a
	// breakpoint to finish.
	deferred         *proc.ResumeActionList
	stepOversPending int
	stepOverRefs     map[uint64]int

	ptm *os.File
	tty *foregroundTerminal
}

func newProcess(loop *mainloop.MainLoop, pid int, delegate Delegate) (*Process, error) {
	arch, err := proc.NativeArch()
	if err != nil {
		return nil, err
	}
	modules, err := lru.New(moduleCacheSize)
	if err != nil {
		return nil, err
	}
	p := &Process{
		pid:          pid,
		arch:         arch,
		loop:         loop,
		delegate:     delegate,
		log:          logflags.NativeLogger().WithField("pid", pid),
		state:        proc.StatePreLaunch,
		breakpoints:  proc.NewBreakpointMap(),
		modules:      modules,
		allocations:  make(map[uint64]uint64),
		stepOverRefs: make(map[uint64]int),
	}

	listTasks := func(int) ([]int, error) {
		return nil, &proc.UnsupportedError{Feature: "thread enumeration"}
	}
	loadRegions := proc.RegionLoader(func() ([]proc.MemoryRegionInfo, error) {
		return nil, &proc.UnsupportedError{Feature: "memory region info"}
	})
	p.procfs, err = linutil.NewProcFS("")
	if err != nil {
		p.log.Warnf("procfs not available: %v", err)
	} else {
		listTasks = p.procfs.Tasks
		loadRegions = p.procfs.RegionLoader(pid)
	}
	p.threads = newThreadRegistry(pid, listTasks, newRegisterContext)
	p.regions = proc.NewMemoryRegionCache(loadRegions)
	return p, nil
}

// Launch creates and begins debugging a new process. The process is stopped
// at its first instruction when Launch returns, no stop event is sent to
// the delegate for it.
// Must be called on the event loop.
func Launch(loop *mainloop.MainLoop, cfg LaunchConfig, delegate Delegate) (*Process, error) {
	if len(cfg.Args) == 0 || cfg.Args[0] == "" {
		return nil, fmt.Errorf("empty command line: %w", proc.ErrInvalidArgument)
	}
	if cfg.PTY && cfg.Redirects != [3]string{} {
		return nil, fmt.Errorf("redirects can not be used with a pseudo terminal: %w", proc.ErrInvalidArgument)
	}

	stdin, stdout, stderr, closefn, err := openRedirects(cfg.Redirects)
	if err != nil {
		return nil, err
	}
	defer closefn()

	if cfg.DisableASLR {
		oldPersonality, _, errno := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
		if errno == syscall.Errno(0) {
			newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
			syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
			defer syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0)
		}
	}

	cmd := exec.Command(cfg.Args[0])
	cmd.Args = cfg.Args
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env
	var foreground bool
	cmd.SysProcAttr, foreground = procAttr(cfg, stdin)

	var ptm *os.File
	if cfg.PTY {
		var tty *os.File
		ptm, tty, err = pty.Open()
		if err != nil {
			return nil, fmt.Errorf("could not allocate a pseudo terminal: %w", err)
		}
		defer tty.Close()
		cmd.Stdin = tty
		cmd.Stdout = tty
		cmd.Stderr = tty
	} else {
		cmd.Stdin = stdin
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if foreground {
			// moving the terminal between process groups from the
			// background would stop us otherwise
			signal.Ignore(syscall.SIGTTOU, syscall.SIGTTIN)
		}
	}
	var fg *foregroundTerminal
	launched := false
	defer func() {
		if launched {
			return
		}
		if ptm != nil {
			ptm.Close()
		}
		fg.reclaim()
	}()

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	pid := cmd.Process.Pid
	// the process is reaped by the monitor, not by os.Process
	_ = cmd.Process.Release()
	if foreground {
		fg = newForegroundTerminal(int(stdin.Fd()), pid)
	}

	p, err := newProcess(loop, pid, delegate)
	if err != nil {
		killAndReap(pid)
		return nil, err
	}
	p.ptm = ptm
	p.tty = fg
	p.setState(proc.StateLaunching)

	var ws sys.WaitStatus
	if _, err := sys.Wait4(pid, &ws, sys.WALL, nil); err != nil {
		killAndReap(pid)
		return nil, fmt.Errorf("waiting for target execve failed: %w", err)
	}
	switch {
	case ws.Exited():
		return nil, proc.ErrProcessExited{Pid: pid, Status: ws.ExitStatus()}
	case ws.Signaled():
		return nil, fmt.Errorf("process %d killed by %v before exec", pid, ws.Signal())
	case !ws.Stopped() || ws.StopSignal() != syscall.SIGTRAP:
		killAndReap(pid)
		return nil, fmt.Errorf("unexpected wait status %#x waiting for target execve", uint32(ws))
	}

	if err := ptraceSetOptions(pid); err != nil {
		killAndReap(pid)
		return nil, err
	}
	p.threads.add(pid)
	p.currentTid = pid
	if err := p.registerSigchld(); err != nil {
		killAndReap(pid)
		return nil, err
	}
	p.setState(proc.StateStopped)
	launched = true
	p.log.Infof("launched %q", cfg.Args)
	return p, nil
}

// procAttr returns the attributes the child is started with. stdin is the
// standard input it gets when cfg.PTY is not set. The returned flag reports
// whether the child owns the foreground of our terminal while it runs.
func procAttr(cfg LaunchConfig, stdin *os.File) (*syscall.SysProcAttr, bool) {
	attr := &syscall.SysProcAttr{Ptrace: true}
	if cfg.PTY {
		attr.Setsid = true
		attr.Setctty = true
		return attr, false
	}
	// exec.(*Cmd).Start fails if we try to send a process to foreground
	// but we are not attached to a terminal.
	foreground := cfg.Foreground && stdin != nil && isatty.IsTerminal(stdin.Fd())
	attr.Setpgid = true
	if foreground {
		attr.Foreground = true
		attr.Ctty = int(stdin.Fd())
	}
	return attr, foreground
}

// killAndReap disposes of a process we failed to take control of.
func killAndReap(pid int) {
	_ = sys.Kill(pid, sys.SIGKILL)
	var ws sys.WaitStatus
	_, _ = sys.Wait4(pid, &ws, sys.WALL, nil)
}

func openRedirects(redirects [3]string) (stdin, stdout, stderr *os.File, closefn func(), err error) {
	toclose := []*os.File{}

	if redirects[0] != "" {
		stdin, err = os.Open(redirects[0])
		if err != nil {
			return nil, nil, nil, nil, err
		}
		toclose = append(toclose, stdin)
	} else {
		stdin = os.Stdin
	}

	create := func(path string, dflt *os.File) *os.File {
		if path == "" {
			return dflt
		}
		var f *os.File
		f, err = os.Create(path)
		if f != nil {
			toclose = append(toclose, f)
		}
		return f
	}

	closefn = func() {
		for _, f := range toclose {
			_ = f.Close()
		}
	}

	stdout = create(redirects[1], os.Stdout)
	if err != nil {
		closefn()
		return nil, nil, nil, nil, err
	}

	stderr = create(redirects[2], os.Stderr)
	if err != nil {
		closefn()
		return nil, nil, nil, nil, err
	}

	return stdin, stdout, stderr, closefn, nil
}

// Attach to an existing process with the given PID. Every thread of the
// process is stopped when Attach returns, no stop event is sent to the
// delegate for it.
// Must be called on the event loop.
func Attach(loop *mainloop.MainLoop, pid int, delegate Delegate) (*Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("pid %d: %w", pid, proc.ErrInvalidArgument)
	}
	p, err := newProcess(loop, pid, delegate)
	if err != nil {
		return nil, err
	}
	p.setState(proc.StateAttaching)

	if err := p.attachThread(pid); err != nil {
		return nil, err
	}
	p.currentTid = pid
	if err := p.threads.reinitializeFromKernel(p.attachThread); err != nil {
		p.detachThreads()
		return nil, err
	}
	if err := p.registerSigchld(); err != nil {
		p.detachThreads()
		return nil, err
	}
	p.setState(proc.StateStopped)
	p.log.Infof("attached to %d threads", p.threads.len())
	return p, nil
}

// attachThread attaches to tid and waits for it to stop. If the thread
// stops with a signal other than our SIGSTOP the signal is kept to be
// delivered on resume, and the SIGSTOP still on its way is expected.
func (p *Process) attachThread(tid int) error {
	if err := ptraceAttach(tid); err != nil {
		if errors.Is(err, sys.EPERM) && tid != p.pid {
			// already traced by us, the clone was reported before we got
			// here
			p.threads.add(tid)
			return nil
		}
		return err
	}

	var ws sys.WaitStatus
	if _, err := sys.Wait4(tid, &ws, sys.WALL, nil); err != nil {
		return &proc.SyscallError{Op: "wait4", Pid: tid, Errno: errnoOf(err)}
	}
	if ws.Exited() || ws.Signaled() {
		return &proc.SyscallError{Op: "attach", Pid: tid, Errno: sys.ESRCH}
	}
	if err := ptraceSetOptions(tid); err != nil {
		return err
	}
	t := p.threads.add(tid)
	if sig := ws.StopSignal(); sig != syscall.SIGSTOP {
		t.pendingSignal = sig
		t.stopRequested = true
	}
	return nil
}

func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return sys.EINVAL
}

// detachThreads lets go of every thread after a failed attach.
func (p *Process) detachThreads() {
	for _, t := range p.threads.list() {
		_ = ptraceDetach(t.ID, t.pendingSignal)
	}
	p.threads.clear()
}

func (p *Process) registerSigchld() error {
	h, err := p.loop.RegisterSignal(syscall.SIGCHLD, p.handleSigchld)
	if err != nil {
		return err
	}
	p.sigchld = h
	return nil
}

func (p *Process) setState(s proc.StateType) {
	if p.state == s {
		return
	}
	if logflags.Native() {
		p.log.Debugf("state %v -> %v", p.state, s)
	}
	p.state = s
	switch s {
	case proc.StateRunning:
		p.tty.give()
	case proc.StateStopped, proc.StateExited, proc.StateTerminated, proc.StateDetached, proc.StateDetachFailed:
		p.tty.reclaim()
	}
}

// checkAlive returns an error if the process can no longer be operated on.
func (p *Process) checkAlive(op string) error {
	if p.traceErr != nil {
		return p.traceErr
	}
	switch p.state {
	case proc.StatePreLaunch, proc.StateExited, proc.StateTerminated, proc.StateDetached, proc.StateDetachFailed:
		return &proc.InvalidStateError{Pid: p.pid, State: p.state, Op: op}
	}
	return nil
}

func (p *Process) requireStopped(op string) error {
	if err := p.checkAlive(op); err != nil {
		return err
	}
	if p.state != proc.StateStopped {
		return &proc.InvalidStateError{Pid: p.pid, State: p.state, Op: op}
	}
	return nil
}

// Resume resumes the threads of the process according to actions. A nil
// list continues every thread. Threads without an action, and no default
// action in the list, stay suspended.
func (p *Process) Resume(actions *proc.ResumeActionList) error {
	if err := p.requireStopped("resume"); err != nil {
		return err
	}
	if actions == nil {
		actions = proc.ContinueAll()
	}
	if err := actions.Validate(); err != nil {
		return err
	}

	threads := p.threads.list()
	anyResumed := false
	for _, t := range threads {
		if a, ok := actions.ActionForThread(t.ID, true); ok && a.State != proc.ResumeSuspend {
			anyResumed = true
			break
		}
	}
	if !anyResumed {
		return fmt.Errorf("every thread would stay suspended: %w", proc.ErrInvalidArgument)
	}

	p.regions.Invalidate()
	p.modules.Purge()
	for _, t := range threads {
		t.regs.Invalidate()
	}

	if logflags.Native() {
		p.log.Debugf("resume %v", actions)
	}

	// Threads sitting on one of our traps must execute the original
	// instruction first. They are stepped with the trap taken out and
	// every other action waits for them.
	var stepping []*Thread
	for _, t := range threads {
		a, ok := actions.ActionForThread(t.ID, true)
		if !ok || a.State == proc.ResumeSuspend {
			continue
		}
		pc, err := t.PC()
		if err != nil {
			continue
		}
		if p.breakpoints.HasTrapAt(pc) || p.stepOverRefs[pc] > 0 {
			t.stepOverAddr = pc
			stepping = append(stepping, t)
		}
	}

	p.setState(proc.StateRunning)
	if len(stepping) > 0 {
		p.deferred = actions
		var ok, failed []int
		var firstErr error
		for _, t := range stepping {
			a, _ := actions.ActionForThread(t.ID, true)
			err := p.beginStepOver(t, a.Signal)
			if err != nil {
				failed = append(failed, t.ID)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			ok = append(ok, t.ID)
		}
		return p.resumeResult(ok, failed, firstErr)
	}

	ok, failed, firstErr := p.applyActions(actions)
	return p.resumeResult(ok, failed, firstErr)
}

// resumeResult turns the outcome of a resume into an error. If no thread
// could be resumed the process goes back to stopped.
func (p *Process) resumeResult(ok, failed []int, err error) error {
	if len(failed) == 0 {
		return nil
	}
	if len(ok) == 0 {
		p.cancelStepOvers()
		p.setState(proc.StateStopped)
		return err
	}
	return &proc.PartialFailureError{Op: "resume", Succeeded: ok, Failed: failed, Err: err}
}

// applyActions resumes every stopped thread with its action.
func (p *Process) applyActions(actions *proc.ResumeActionList) (ok, failed []int, firstErr error) {
	for _, t := range p.threads.list() {
		if t.running {
			continue
		}
		a, found := actions.ActionForThread(t.ID, true)
		if !found || a.State == proc.ResumeSuspend {
			continue
		}
		if err := t.resume(a.State, a.Signal); err != nil {
			failed = append(failed, t.ID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ok = append(ok, t.ID)
	}
	return ok, failed, firstErr
}

// Halt stops every thread of the process. The stop is reported to the
// delegate with reason StopHalt, unless another event stops the process
// first. Halting a stopped process does nothing.
func (p *Process) Halt() error {
	if err := p.checkAlive("halt"); err != nil {
		return err
	}
	switch p.state {
	case proc.StateStopped:
		return nil
	case proc.StateRunning:
	default:
		return &proc.InvalidStateError{Pid: p.pid, State: p.state, Op: "halt"}
	}
	p.halting = true
	if p.stopping {
		return nil
	}
	p.stopping = true
	p.sendStops()
	p.signalIfAllThreadsStopped()
	return nil
}

// Detach restores every breakpoint and lets the process run untraced.
func (p *Process) Detach() error {
	if p.state != proc.StateDetachFailed {
		if err := p.requireStopped("detach"); err != nil {
			return err
		}
	}
	p.setState(proc.StateDetaching)

	mem := forcedMemory{p}
	for _, bp := range p.breakpoints.Sorted() {
		switch bp.Kind {
		case proc.SoftwareBreakpoint:
			if !bp.Disabled() {
				if _, err := mem.WriteMemory(bp.Addr, bp.OriginalData); err != nil {
					p.log.Warnf("could not restore %v: %v", bp, err)
				}
			}
		case proc.HardwareBreakpoint:
			if err := p.clearHardwareSlot(bp.HWSlot); err != nil {
				p.log.Warnf("could not clear %v: %v", bp, err)
			}
		}
	}
	p.breakpoints.Drop()
	metrics.SetBreakpoints(0)

	var ok, failed []int
	var firstErr error
	for _, t := range p.threads.list() {
		err := ptraceDetach(t.ID, t.pendingSignal)
		if err != nil && !errors.Is(err, sys.ESRCH) {
			failed = append(failed, t.ID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ok = append(ok, t.ID)
		p.threads.remove(t.ID)
	}
	if len(failed) > 0 {
		p.setState(proc.StateDetachFailed)
		return &proc.PartialFailureError{Op: "detach", Succeeded: ok, Failed: failed, Err: firstErr}
	}

	p.sigchld.Close()
	p.sigchld = nil
	if p.procfs != nil {
		// a stop we requested may still be pending, do not leave the
		// process in group-stop
		if state, err := p.procfs.State(p.pid); err == nil && state == "T" {
			_ = sys.Kill(p.pid, sys.SIGCONT)
		}
	}
	p.invalidateCaches()
	p.setState(proc.StateDetached)
	p.log.Infof("detached")
	return nil
}

// Kill sends SIGKILL to the process. The exit is reported asynchronously
// to the delegate. Killing a process that is already gone does nothing.
func (p *Process) Kill() error {
	if p.state.IsTerminal() || p.state == proc.StatePreLaunch {
		return nil
	}
	if err := sys.Kill(p.pid, sys.SIGKILL); err != nil && !errors.Is(err, sys.ESRCH) {
		return &proc.SyscallError{Op: "kill", Pid: p.pid, Errno: errnoOf(err)}
	}
	return nil
}

// Signal sends sig to the process.
func (p *Process) Signal(sig syscall.Signal) error {
	if err := p.checkAlive("signal"); err != nil {
		return err
	}
	if sig <= 0 {
		return fmt.Errorf("signal %d: %w", sig, proc.ErrInvalidArgument)
	}
	if err := sys.Kill(p.pid, sig); err != nil {
		return &proc.SyscallError{Op: "kill", Pid: p.pid, Errno: errnoOf(err)}
	}
	return nil
}

// SetBreakpoint installs a breakpoint at addr. Size must be zero or the
// size of the architecture's trap instruction.
func (p *Process) SetBreakpoint(addr uint64, size int, hardware bool) (*proc.Breakpoint, error) {
	if err := p.requireStopped("set breakpoint"); err != nil {
		return nil, err
	}
	if addr == 0 {
		return nil, fmt.Errorf("breakpoint at address 0: %w", proc.ErrInvalidArgument)
	}
	var (
		bp  *proc.Breakpoint
		err error
	)
	if hardware {
		bp, err = p.breakpoints.SetHardware(addr, func() (int, error) {
			return p.installHardwareBreakpoint(addr)
		})
	} else {
		bp, err = p.breakpoints.SetSoftware(forcedMemory{p}, addr, size, p.arch.BreakpointInstruction())
	}
	metrics.SetBreakpoints(len(p.breakpoints.M))
	if err != nil {
		return nil, err
	}
	if logflags.Native() {
		p.log.Debugf("set %v", bp)
	}
	return bp, nil
}

// RemoveBreakpoint drops a reference to the breakpoint at addr, restoring
// memory when it was the last one.
func (p *Process) RemoveBreakpoint(addr uint64) error {
	if err := p.requireStopped("remove breakpoint"); err != nil {
		return err
	}
	_, err := p.breakpoints.Clear(forcedMemory{p}, addr, p.clearHardwareSlot)
	metrics.SetBreakpoints(len(p.breakpoints.M))
	return err
}

// Breakpoints returns the installed breakpoints sorted by address.
func (p *Process) Breakpoints() []*proc.Breakpoint {
	return p.breakpoints.Sorted()
}

// installHardwareBreakpoint programs addr in the first free debug register
// slot of every thread.
func (p *Process) installHardwareBreakpoint(addr uint64) (int, error) {
	n := p.arch.HardwareBreakpoints()
	if n == 0 {
		return -1, &proc.UnsupportedError{Feature: "hardware breakpoints on " + p.arch.String()}
	}
	used := make(map[int]bool)
	for _, bp := range p.breakpoints.HardwareBreakpoints() {
		used[bp.HWSlot] = true
	}
	slot := -1
	for i := 0; i < n; i++ {
		if !used[i] {
			slot = i
			break
		}
	}
	if slot < 0 {
		return -1, fmt.Errorf("all %d hardware breakpoint slots are in use", n)
	}

	var done []*Thread
	for _, t := range p.threads.list() {
		if err := t.regs.SetHardwareBreakpoint(addr, slot); err != nil {
			for _, t := range done {
				_ = t.regs.ClearHardwareBreakpoint(slot)
			}
			return -1, fmt.Errorf("could not set hardware breakpoint on thread %d: %w", t.ID, err)
		}
		done = append(done, t)
	}
	return slot, nil
}

func (p *Process) clearHardwareSlot(slot int) error {
	var firstErr error
	for _, t := range p.threads.list() {
		if err := t.regs.ClearHardwareBreakpoint(slot); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("could not clear hardware breakpoint on thread %d: %w", t.ID, err)
		}
	}
	return firstErr
}

// GetMemoryRegionInfo returns the region containing addr, or the unmapped
// gap around it.
func (p *Process) GetMemoryRegionInfo(addr uint64) (proc.MemoryRegionInfo, error) {
	if err := p.checkAlive("memory region info"); err != nil {
		return proc.MemoryRegionInfo{}, err
	}
	if err := p.populateRegions(); err != nil {
		return proc.MemoryRegionInfo{}, err
	}
	r, _ := p.regions.Lookup(addr)
	return r, nil
}

// MemoryRegions returns every mapped region.
func (p *Process) MemoryRegions() ([]proc.MemoryRegionInfo, error) {
	if err := p.checkAlive("memory regions"); err != nil {
		return nil, err
	}
	if err := p.populateRegions(); err != nil {
		return nil, err
	}
	return p.regions.Regions(), nil
}

func (p *Process) populateRegions() error {
	if p.regions.Populated() {
		return nil
	}
	if p.regions.Supported() != proc.LazyFalse {
		metrics.RegionPopulation()
	}
	return p.regions.Populate()
}

// UpdateThreads synchronizes the thread list with the kernel and returns
// the number of threads.
func (p *Process) UpdateThreads() int {
	if p.checkAlive("update threads") != nil {
		return 0
	}
	var attach func(int) error
	if p.state == proc.StateStopped {
		attach = p.attachThread
	}
	if err := p.threads.reinitializeFromKernel(attach); err != nil {
		p.log.Warnf("could not update thread list: %v", err)
	}
	return p.threads.len()
}

// Threads returns the threads of the process sorted by id.
func (p *Process) Threads() []*Thread {
	return p.threads.list()
}

// ThreadIDs returns the ids of the threads of the process, sorted.
func (p *Process) ThreadIDs() []int {
	ts := p.threads.list()
	r := make([]int, len(ts))
	for i := range ts {
		r[i] = ts[i].ID
	}
	return r
}

// FindThread returns the thread with the given id.
func (p *Process) FindThread(tid int) (*Thread, bool) {
	return p.threads.get(tid)
}

// CurrentThread returns the thread that caused the last stop, or the
// leader.
func (p *Process) CurrentThread() *Thread {
	if t, ok := p.threads.get(p.currentTid); ok {
		return t
	}
	if t, ok := p.threads.get(p.pid); ok {
		return t
	}
	if ts := p.threads.list(); len(ts) > 0 {
		return ts[0]
	}
	return nil
}

// CurrentThreadID returns the id of CurrentThread, or 0 if the process has
// no threads left.
func (p *Process) CurrentThreadID() int {
	if t := p.CurrentThread(); t != nil {
		return t.ID
	}
	return 0
}

// ThreadRegisters returns the register context of thread tid.
func (p *Process) ThreadRegisters(tid int) (proc.RegisterContext, error) {
	if err := p.checkAlive("registers"); err != nil {
		return nil, err
	}
	t, ok := p.threads.get(tid)
	if !ok {
		return nil, fmt.Errorf("no thread %d: %w", tid, proc.ErrInvalidArgument)
	}
	if t.running {
		return nil, &proc.InvalidStateError{Pid: p.pid, State: proc.StateRunning, Op: "registers"}
	}
	return t.regs, nil
}

// ThreadStopInfo returns why thread tid last stopped.
func (p *Process) ThreadStopInfo(tid int) (proc.StopInfo, bool) {
	t, ok := p.threads.get(tid)
	if !ok {
		return proc.StopInfo{}, false
	}
	return t.stopInfo, true
}

// SetCurrentThread changes the thread returned by CurrentThread.
func (p *Process) SetCurrentThread(tid int) error {
	if !p.threads.has(tid) {
		return fmt.Errorf("no thread %d: %w", tid, proc.ErrInvalidArgument)
	}
	p.currentTid = tid
	return nil
}

// GetAuxvData returns the auxiliary vector of the process.
func (p *Process) GetAuxvData() ([]byte, error) {
	if err := p.checkAlive("auxv"); err != nil {
		return nil, err
	}
	if p.auxv != nil {
		return p.auxv, nil
	}
	if p.procfs == nil {
		return nil, &proc.UnsupportedError{Feature: "auxiliary vector"}
	}
	auxv, err := p.procfs.Auxv(p.pid)
	if err != nil {
		return nil, err
	}
	p.auxv = auxv
	return auxv, nil
}

// GetSharedLibraryInfoAddress returns the address of the dynamic linker's
// r_debug structure.
func (p *Process) GetSharedLibraryInfoAddress() (uint64, error) {
	auxv, err := p.GetAuxvData()
	if err != nil {
		return 0, err
	}
	return linutil.SharedLibraryInfoAddress(maskedMemory{p}, auxv, p.arch.PtrSize())
}

// LoadedLibraries returns the shared libraries reported by the dynamic
// linker.
func (p *Process) LoadedLibraries() ([]linutil.Library, error) {
	rdebug, err := p.GetSharedLibraryInfoAddress()
	if err != nil {
		return nil, err
	}
	return linutil.LoadedLibraries(maskedMemory{p}, rdebug, p.arch.PtrSize())
}

// GetLoadedModuleFileSpec returns the path of the mapped file whose name
// or path is modulePath.
func (p *Process) GetLoadedModuleFileSpec(modulePath string) (string, error) {
	key := "spec:" + modulePath
	if v, ok := p.modules.Get(key); ok {
		return v.(string), nil
	}
	r, err := p.findModule(modulePath)
	if err != nil {
		return "", err
	}
	p.modules.Add(key, r.Path)
	return r.Path, nil
}

// GetFileLoadAddress returns the address at which the start of fileName
// is mapped.
func (p *Process) GetFileLoadAddress(fileName string) (uint64, error) {
	key := "load:" + fileName
	if v, ok := p.modules.Get(key); ok {
		return v.(uint64), nil
	}
	r, err := p.findModule(fileName)
	if err != nil {
		return 0, err
	}
	addr := r.Start - r.Offset
	p.modules.Add(key, addr)
	return addr, nil
}

// findModule returns the lowest region mapping the file called name,
// matched by full path or by base name.
func (p *Process) findModule(name string) (proc.MemoryRegionInfo, error) {
	if name == "" {
		return proc.MemoryRegionInfo{}, fmt.Errorf("empty module name: %w", proc.ErrInvalidArgument)
	}
	regions, err := p.MemoryRegions()
	if err != nil {
		return proc.MemoryRegionInfo{}, err
	}
	for _, r := range regions {
		if r.Path == "" {
			continue
		}
		if r.Path == name || filepath.Base(r.Path) == filepath.Base(name) {
			return r, nil
		}
	}
	return proc.MemoryRegionInfo{}, fmt.Errorf("module %s is not loaded: %w", name, os.ErrNotExist)
}

func (p *Process) invalidateCaches() {
	p.auxv = nil
	p.regions.Invalidate()
	p.modules.Purge()
}

// Pid returns the process ID.
func (p *Process) Pid() int {
	return p.pid
}

// Architecture returns the architecture of the process.
func (p *Process) Architecture() *proc.Arch {
	return p.arch
}

// State returns the current state of the process.
func (p *Process) State() proc.StateType {
	return p.state
}

// ExitStatus returns the exit code of the process, the second return value
// is false if the process has not exited.
func (p *Process) ExitStatus() (int, bool) {
	return p.exitStatus, p.state == proc.StateExited
}

// TerminationSignal returns the signal that killed the process, zero if it
// was not killed by a signal.
func (p *Process) TerminationSignal() syscall.Signal {
	return p.termSignal
}

// Terminal returns the master side of the pseudo terminal of a process
// launched with LaunchConfig.PTY, nil otherwise.
func (p *Process) Terminal() *os.File {
	return p.ptm
}

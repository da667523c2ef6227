package native

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/letoram/lldb/pkg/proc"
)

// Thread represents a single thread in the traced process.
// ID is the kernel thread id, the Process it belongs to keeps every Thread
// in its registry.
type Thread struct {
	ID int

	pid      int
	running  bool
	stopInfo proc.StopInfo
	regs     proc.RegisterContext

	// stopRequested is set when we sent SIGSTOP to the thread (or expect one
	// from the kernel) and have not seen it yet.
	stopRequested bool
	lastAction    proc.ResumeState

	// stepOverAddr is the address of the breakpoint the thread is stepping
	// over, zero otherwise.
	stepOverAddr uint64
	// pendingSignal is a signal received while the thread was being stopped
	// that must be delivered on the next resume.
	pendingSignal syscall.Signal
}

// Running returns true if the thread is executing.
func (t *Thread) Running() bool {
	return t.running
}

// StopInfo returns the reason the thread last stopped.
func (t *Thread) StopInfo() proc.StopInfo {
	return t.stopInfo
}

// RegisterContext returns the registers of the thread.
func (t *Thread) RegisterContext() proc.RegisterContext {
	return t.regs
}

// PC returns the current program counter of the thread.
func (t *Thread) PC() (uint64, error) {
	return t.regs.ReadRegister(proc.RegPC)
}

// SetPC sets the program counter of the thread.
func (t *Thread) SetPC(pc uint64) error {
	return t.regs.WriteRegister(proc.RegPC, pc)
}

func (t *Thread) String() string {
	state := "stopped"
	if t.running {
		state = "running"
	}
	return fmt.Sprintf("thread %d (%s)", t.ID, state)
}

// resume applies a resume action to a stopped thread. A pending signal
// recorded while the thread was being stopped replaces a zero sig.
func (t *Thread) resume(state proc.ResumeState, sig syscall.Signal) error {
	if sig == 0 {
		sig = t.pendingSignal
	}
	var err error
	switch state {
	case proc.ResumeContinue:
		err = ptraceCont(t.ID, sig)
	case proc.ResumeStep:
		err = ptraceSingleStep(t.ID, sig)
	case proc.ResumeSuspend:
		return nil
	default:
		return fmt.Errorf("resume state %v: %w", state, proc.ErrInvalidArgument)
	}
	if err != nil {
		return err
	}
	t.pendingSignal = 0
	t.regs.Invalidate()
	t.running = true
	t.lastAction = state
	t.stopInfo = proc.StopInfo{}
	return nil
}

// stopped records that the kernel reported the thread stopped.
func (t *Thread) stopped() {
	t.running = false
	t.regs.Invalidate()
}

// threadRegistry tracks the threads of a process.
type threadRegistry struct {
	pid       int
	threads   map[int]*Thread
	newRegs   func(tid int) proc.RegisterContext
	listTasks func(pid int) ([]int, error)
}

func newThreadRegistry(pid int, listTasks func(int) ([]int, error), newRegs func(int) proc.RegisterContext) *threadRegistry {
	return &threadRegistry{
		pid:       pid,
		threads:   make(map[int]*Thread),
		newRegs:   newRegs,
		listTasks: listTasks,
	}
}

// add returns the thread with id tid, creating it if necessary. New
// threads start out stopped.
func (r *threadRegistry) add(tid int) *Thread {
	if t, ok := r.threads[tid]; ok {
		return t
	}
	t := &Thread{ID: tid, pid: r.pid, regs: r.newRegs(tid)}
	r.threads[tid] = t
	return t
}

func (r *threadRegistry) remove(tid int) {
	delete(r.threads, tid)
}

func (r *threadRegistry) has(tid int) bool {
	_, ok := r.threads[tid]
	return ok
}

func (r *threadRegistry) get(tid int) (*Thread, bool) {
	t, ok := r.threads[tid]
	return t, ok
}

// list returns the threads sorted by id.
func (r *threadRegistry) list() []*Thread {
	ts := make([]*Thread, 0, len(r.threads))
	for _, t := range r.threads {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
	return ts
}

// waitOrder returns the thread ids with the leader last, the order in which the
// monitor waits on them.
func (r *threadRegistry) waitOrder() []int {
	tids := make([]int, 0, len(r.threads))
	for tid := range r.threads {
		if tid != r.pid {
			tids = append(tids, tid)
		}
	}
	sort.Ints(tids)
	if r.has(r.pid) {
		tids = append(tids, r.pid)
	}
	return tids
}

func (r *threadRegistry) len() int {
	return len(r.threads)
}

func (r *threadRegistry) clear() {
	r.threads = make(map[int]*Thread)
}

// reinitializeFromKernel synchronizes the registry with the tasks the
// kernel reports for the process. Tasks we do not know about are passed to
// attachNew, if it is nil they are ignored. Threads that no longer exist
// are removed.
func (r *threadRegistry) reinitializeFromKernel(attachNew func(tid int) error) error {
	tids, err := r.listTasks(r.pid)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return proc.ErrProcessExited{Pid: r.pid}
		}
		return fmt.Errorf("could not list threads of process %d: %w", r.pid, err)
	}
	if len(tids) == 0 {
		return proc.ErrProcessExited{Pid: r.pid}
	}

	present := make(map[int]bool, len(tids))
	for _, tid := range tids {
		if r.has(tid) {
			present[tid] = true
			continue
		}
		if attachNew == nil {
			continue
		}
		if err := attachNew(tid); err != nil {
			if errors.Is(err, sys.ESRCH) {
				// exited while we were attaching it
				continue
			}
			return err
		}
		r.add(tid)
		present[tid] = true
	}
	for tid := range r.threads {
		if !present[tid] {
			delete(r.threads, tid)
		}
	}
	return nil
}

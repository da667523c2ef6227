package proc

import (
	"fmt"
	"syscall"
)

// StateType is the lifecycle state of a process.
type StateType uint8

const (
	StatePreLaunch StateType = iota
	StateLaunching
	StateAttaching
	StateRunning
	StateStopped
	StateDetaching
	StateDetached
	StateDetachFailed
	StateExited
	StateTerminated
)

var stateNames = [...]string{
	StatePreLaunch:    "pre-launch",
	StateLaunching:    "launching",
	StateAttaching:    "attaching",
	StateRunning:      "running",
	StateStopped:      "stopped",
	StateDetaching:    "detaching",
	StateDetached:     "detached",
	StateDetachFailed: "detach-failed",
	StateExited:       "exited",
	StateTerminated:   "terminated",
}

func (s StateType) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("StateType(%d)", uint8(s))
}

// IsTerminal returns true if no further operation can be issued on a
// process in state s.
func (s StateType) IsTerminal() bool {
	switch s {
	case StateDetached, StateDetachFailed, StateExited, StateTerminated:
		return true
	}
	return false
}

// StopReason is the reason a thread stopped.
type StopReason uint8

const (
	StopNone StopReason = iota
	StopBreakpoint
	StopHardwareBreakpoint
	StopTrace
	StopSignal
	StopExec
	StopHalt
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopBreakpoint:
		return "breakpoint"
	case StopHardwareBreakpoint:
		return "hardware breakpoint"
	case StopTrace:
		return "trace"
	case StopSignal:
		return "signal"
	case StopExec:
		return "exec"
	case StopHalt:
		return "halt"
	}
	return fmt.Sprintf("StopReason(%d)", uint8(r))
}

// StopInfo describes why a thread is stopped.
type StopInfo struct {
	Reason StopReason
	Signal syscall.Signal // signal that caused the stop, if any
	Tid    int
	Addr   uint64 // breakpoint address, for breakpoint stops
}

func (si StopInfo) String() string {
	switch si.Reason {
	case StopBreakpoint, StopHardwareBreakpoint:
		return fmt.Sprintf("thread %d: %s at %#x", si.Tid, si.Reason, si.Addr)
	case StopSignal:
		return fmt.Sprintf("thread %d: signal %d (%v)", si.Tid, int(si.Signal), si.Signal)
	}
	return fmt.Sprintf("thread %d: %s", si.Tid, si.Reason)
}

// ResumeState is what a thread should do when the process is resumed.
type ResumeState uint8

const (
	ResumeContinue ResumeState = iota
	ResumeStep
	ResumeSuspend
)

func (s ResumeState) String() string {
	switch s {
	case ResumeContinue:
		return "continue"
	case ResumeStep:
		return "step"
	case ResumeSuspend:
		return "suspend"
	}
	return fmt.Sprintf("ResumeState(%d)", uint8(s))
}

// AllThreads is the thread id of an action that applies to every thread
// without an explicit action.
const AllThreads = -1

// ResumeAction is the action to take on one thread. Signal is delivered to
// the thread as it resumes, zero means no signal.
type ResumeAction struct {
	Tid    int
	State  ResumeState
	Signal syscall.Signal
}

// ResumeActionList is the list of per thread actions passed to Resume.
type ResumeActionList struct {
	actions []ResumeAction
}

// NewResumeActionList returns a list containing actions.
func NewResumeActionList(actions ...ResumeAction) *ResumeActionList {
	return &ResumeActionList{actions: actions}
}

// ContinueAll returns a list that continues every thread.
func ContinueAll() *ResumeActionList {
	return NewResumeActionList(ResumeAction{Tid: AllThreads, State: ResumeContinue})
}

// Append adds an action to the list.
func (l *ResumeActionList) Append(a ResumeAction) {
	l.actions = append(l.actions, a)
}

// Len returns the number of actions in the list.
func (l *ResumeActionList) Len() int {
	return len(l.actions)
}

// Actions returns the actions in the list.
func (l *ResumeActionList) Actions() []ResumeAction {
	return l.actions
}

// SetDefaultThreadActionIfNeeded adds a default action for every thread
// with the given state, unless the list already has one.
func (l *ResumeActionList) SetDefaultThreadActionIfNeeded(state ResumeState, sig syscall.Signal) {
	for _, a := range l.actions {
		if a.Tid == AllThreads {
			return
		}
	}
	l.Append(ResumeAction{Tid: AllThreads, State: state, Signal: sig})
}

// ActionForThread returns the action for tid. If defaultOK is true and
// there is no action specific to tid the default action is returned.
func (l *ResumeActionList) ActionForThread(tid int, defaultOK bool) (ResumeAction, bool) {
	var def *ResumeAction
	for i := range l.actions {
		switch l.actions[i].Tid {
		case tid:
			a := l.actions[i]
			a.Tid = tid
			return a, true
		case AllThreads:
			if def == nil {
				def = &l.actions[i]
			}
		}
	}
	if defaultOK && def != nil {
		a := *def
		a.Tid = tid
		return a, true
	}
	return ResumeAction{}, false
}

// Validate checks that the list has no duplicate entries.
func (l *ResumeActionList) Validate() error {
	seen := make(map[int]bool, len(l.actions))
	for _, a := range l.actions {
		if seen[a.Tid] {
			return fmt.Errorf("duplicate resume action for thread %d: %w", a.Tid, ErrInvalidArgument)
		}
		if a.State > ResumeSuspend {
			return fmt.Errorf("resume state %d: %w", a.State, ErrInvalidArgument)
		}
		seen[a.Tid] = true
	}
	return nil
}

func (l *ResumeActionList) String() string {
	return fmt.Sprint(l.actions)
}

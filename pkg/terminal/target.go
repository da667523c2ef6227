package terminal

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/letoram/lldb/pkg/proc"
	"github.com/letoram/lldb/pkg/proc/linutil"
)

// Target is the process controlled by the terminal. It is implemented by
// *native.Process. Pid may be called from any goroutine, every other
// method is only called through the Executor.
type Target interface {
	Pid() int
	State() proc.StateType
	ExitStatus() (int, bool)
	Architecture() *proc.Arch

	Resume(actions *proc.ResumeActionList) error
	Halt() error
	Kill() error
	Detach() error
	Signal(sig syscall.Signal) error

	ThreadIDs() []int
	CurrentThreadID() int
	SetCurrentThread(tid int) error
	ThreadRegisters(tid int) (proc.RegisterContext, error)
	ThreadStopInfo(tid int) (proc.StopInfo, bool)

	ReadMemory(buf []byte, addr uint64) (int, error)
	ReadMemoryWithoutTrap(buf []byte, addr uint64) (int, error)
	WriteMemory(addr uint64, data []byte) (int, error)
	AllocateMemory(size uint64, perm proc.Permissions) (uint64, error)
	DeallocateMemory(addr uint64) error

	SetBreakpoint(addr uint64, size int, hardware bool) (*proc.Breakpoint, error)
	RemoveBreakpoint(addr uint64) error
	Breakpoints() []*proc.Breakpoint

	GetMemoryRegionInfo(addr uint64) (proc.MemoryRegionInfo, error)
	MemoryRegions() ([]proc.MemoryRegionInfo, error)

	GetAuxvData() ([]byte, error)
	GetSharedLibraryInfoAddress() (uint64, error)
	LoadedLibraries() ([]linutil.Library, error)
	GetFileLoadAddress(fileName string) (uint64, error)
	GetLoadedModuleFileSpec(modulePath string) (string, error)
}

// Executor runs functions on the goroutine that owns the target.
// *mainloop.MainLoop implements it.
type Executor interface {
	Exec(fn func()) error
}

// EventKind is the kind of an Event.
type EventKind uint8

const (
	EventStopped EventKind = iota
	EventExited
	EventTerminated
)

// Event is a notification sent by the target.
type Event struct {
	Kind   EventKind
	Stop   proc.StopInfo  // EventStopped
	Code   int            // EventExited
	Signal syscall.Signal // EventTerminated, zero if tracing was lost
}

func (ev Event) String() string {
	switch ev.Kind {
	case EventStopped:
		return fmt.Sprintf("stopped, %v", ev.Stop)
	case EventExited:
		return fmt.Sprintf("exited with status %d", ev.Code)
	case EventTerminated:
		if ev.Signal == 0 {
			return "lost control of the process"
		}
		return fmt.Sprintf("killed by signal %d (%v)", int(ev.Signal), ev.Signal)
	}
	return fmt.Sprintf("Event(%d)", ev.Kind)
}

// Terminal reports whether no more events will follow ev.
func (ev Event) Terminal() bool {
	return ev.Kind != EventStopped
}

// EventQueue buffers events between the goroutine that owns the target
// and the terminal. Push never blocks.
type EventQueue struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func NewEventQueue() *EventQueue {
	return &EventQueue{notify: make(chan struct{}, 1)}
}

// Push appends ev to the queue.
func (q *EventQueue) Push(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes the oldest event from the queue.
func (q *EventQueue) Pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return Event{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

// Ready returns a channel that receives a value after Push.
func (q *EventQueue) Ready() <-chan struct{} {
	return q.notify
}

package cmds

import (
	"syscall"

	"github.com/letoram/lldb/pkg/proc"
	"github.com/letoram/lldb/pkg/proc/native"
	"github.com/letoram/lldb/pkg/terminal"
)

// eventQueueDelegate forwards process notifications to the terminal. It
// runs on the event loop and never blocks.
type eventQueueDelegate struct {
	events *terminal.EventQueue
}

var _ native.Delegate = eventQueueDelegate{}

func (d eventQueueDelegate) ProcessStopped(p *native.Process, info proc.StopInfo) {
	d.events.Push(terminal.Event{Kind: terminal.EventStopped, Stop: info})
}

func (d eventQueueDelegate) ProcessExited(p *native.Process, code int) {
	d.events.Push(terminal.Event{Kind: terminal.EventExited, Code: code})
}

func (d eventQueueDelegate) ProcessTerminated(p *native.Process, sig syscall.Signal) {
	d.events.Push(terminal.Event{Kind: terminal.EventTerminated, Signal: sig})
}

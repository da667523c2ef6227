package terminal

import (
	"github.com/letoram/lldb/pkg/proc"
	"github.com/letoram/lldb/pkg/terminal/starbind"
)

type starlarkContext struct {
	term *Term
}

var _ starbind.Context = starlarkContext{}

func (ctx starlarkContext) Pid() int {
	return ctx.term.target.Pid()
}

func (ctx starlarkContext) ThreadIDs() ([]int, error) {
	var tids []int
	err := ctx.term.do(func() error { tids = ctx.term.target.ThreadIDs(); return nil })
	return tids, err
}

func (ctx starlarkContext) Regions() ([]proc.MemoryRegionInfo, error) {
	var rs []proc.MemoryRegionInfo
	err := ctx.term.do(func() (err error) {
		rs, err = ctx.term.target.MemoryRegions()
		return err
	})
	return rs, err
}

func (ctx starlarkContext) ReadMemory(addr uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	var n int
	err := ctx.term.do(func() (err error) {
		n, err = ctx.term.target.ReadMemoryWithoutTrap(buf, addr)
		return err
	})
	return buf[:n], err
}

func (ctx starlarkContext) WriteMemory(addr uint64, data []byte) (int, error) {
	var n int
	err := ctx.term.do(func() (err error) {
		n, err = ctx.term.target.WriteMemory(addr, data)
		return err
	})
	return n, err
}

func (ctx starlarkContext) SetBreakpoint(addr uint64, hardware bool) error {
	return ctx.term.do(func() error {
		_, err := ctx.term.target.SetBreakpoint(addr, 0, hardware)
		return err
	})
}

func (ctx starlarkContext) ClearBreakpoint(addr uint64) error {
	return ctx.term.do(func() error { return ctx.term.target.RemoveBreakpoint(addr) })
}

func (ctx starlarkContext) Resume(step bool) (starbind.StopEvent, error) {
	actions := proc.ContinueAll()
	if step {
		tid, err := ctx.term.currentThread()
		if err != nil {
			return starbind.StopEvent{}, err
		}
		actions = proc.NewResumeActionList(proc.ResumeAction{Tid: tid, State: proc.ResumeStep})
	}
	ev, err := ctx.term.resume(actions)
	if err != nil {
		return starbind.StopEvent{}, err
	}
	return stopEvent(ev), nil
}

func stopEvent(ev Event) starbind.StopEvent {
	switch ev.Kind {
	case EventExited:
		return starbind.StopEvent{Kind: "exited", Code: ev.Code}
	case EventTerminated:
		return starbind.StopEvent{Kind: "terminated", Signal: int(ev.Signal)}
	}
	return starbind.StopEvent{
		Kind:   "stopped",
		Reason: ev.Stop.Reason.String(),
		Tid:    ev.Stop.Tid,
		Addr:   ev.Stop.Addr,
		Signal: int(ev.Stop.Signal),
	}
}

func (ctx starlarkContext) RegisterCommand(name, helpMsg string, fn func(args string) error) {
	ctx.term.cmds.Register(name, func(t *Term, args string) error {
		return fn(args)
	}, helpMsg)
}

func (ctx starlarkContext) CallCommand(cmdstr string) error {
	return ctx.term.cmds.Call(cmdstr, ctx.term)
}

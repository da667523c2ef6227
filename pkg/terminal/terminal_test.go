package terminal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letoram/lldb/pkg/config"
	"github.com/letoram/lldb/pkg/logflags"
	"github.com/letoram/lldb/pkg/proc"
	"github.com/letoram/lldb/pkg/proc/linutil"
	"github.com/letoram/lldb/pkg/terminal/starbind"
)

const (
	fakePid     = 1234
	fakeMemBase = 0x401000
)

// amd64 code at fakeMemBase: push rbp; mov rbp, rsp; nop; ret
var fakeCode = []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0xc3}

type fakeRegisters struct {
	pc uint64
}

func (r *fakeRegisters) ReadRegister(reg proc.Register) (uint64, error) {
	if reg == proc.RegPC {
		return r.pc, nil
	}
	return 0, nil
}

func (r *fakeRegisters) WriteRegister(reg proc.Register, value uint64) error {
	if reg == proc.RegPC {
		r.pc = value
	}
	return nil
}

func (r *fakeRegisters) Registers() ([]proc.NamedRegister, error) {
	return []proc.NamedRegister{{Name: "rip", Value: r.pc}, {Name: "rsp", Value: 0x7ffc0000}}, nil
}

func (r *fakeRegisters) SaveRegisters() (any, error) { return r.pc, nil }

func (r *fakeRegisters) RestoreRegisters(saved any) error {
	r.pc = saved.(uint64)
	return nil
}

func (r *fakeRegisters) SetHardwareBreakpoint(addr uint64, slot int) error { return nil }
func (r *fakeRegisters) ClearHardwareBreakpoint(slot int) error { return nil }
func (r *fakeRegisters) HardwareBreakpointHit() (int, bool, error) { return 0, false, nil }
func (r *fakeRegisters) Invalidate() {}

// fakeTarget is an in memory Target. Resume and Halt push the events
// queued in next to events, the way the process delegate does.
type fakeTarget struct {
	state   proc.StateType
	exit    int
	mem     []byte
	bps     map[uint64]*proc.Breakpoint
	threads map[int]*fakeRegisters
	current int
	signals []syscall.Signal
	allocs  map[uint64]uint64

	events  *EventQueue
	next    []Event
	resumes []string
}

func newFakeTarget() *fakeTarget {
	mem := make([]byte, 0x100)
	copy(mem, fakeCode)
	return &fakeTarget{
		state:   proc.StateStopped,
		mem:     mem,
		bps:     map[uint64]*proc.Breakpoint{},
		threads: map[int]*fakeRegisters{fakePid: {pc: fakeMemBase}, fakePid + 1: {pc: fakeMemBase + 4}},
		current: fakePid,
		allocs:  map[uint64]uint64{},
	}
}

func (f *fakeTarget) Pid() int { return fakePid }
func (f *fakeTarget) State() proc.StateType { return f.state }
func (f *fakeTarget) Architecture() *proc.Arch { return proc.AMD64Arch() }
func (f *fakeTarget) ExitStatus() (int, bool) {
	return f.exit, f.state == proc.StateExited
}

func (f *fakeTarget) deliver() {
	ev := Event{Kind: EventExited}
	if len(f.next) > 0 {
		ev = f.next[0]
		f.next = f.next[1:]
	}
	switch ev.Kind {
	case EventStopped:
		f.state = proc.StateStopped
		if ev.Stop.Tid != 0 {
			f.current = ev.Stop.Tid
		}
	case EventExited:
		f.state = proc.StateExited
		f.exit = ev.Code
	case EventTerminated:
		f.state = proc.StateTerminated
	}
	f.events.Push(ev)
}

func (f *fakeTarget) Resume(actions *proc.ResumeActionList) error {
	if f.state != proc.StateStopped {
		return &proc.InvalidStateError{Pid: fakePid, State: f.state, Op: "resume"}
	}
	f.resumes = append(f.resumes, actions.String())
	f.state = proc.StateRunning
	f.deliver()
	return nil
}

func (f *fakeTarget) Halt() error {
	if f.state != proc.StateRunning {
		return nil
	}
	f.next = append([]Event{{Kind: EventStopped, Stop: proc.StopInfo{Reason: proc.StopHalt, Tid: fakePid}}}, f.next...)
	f.deliver()
	return nil
}

func (f *fakeTarget) Kill() error {
	f.state = proc.StateRunning
	f.next = []Event{{Kind: EventTerminated, Signal: syscall.SIGKILL}}
	f.deliver()
	return nil
}

func (f *fakeTarget) Detach() error {
	f.state = proc.StateDetached
	return nil
}

func (f *fakeTarget) Signal(sig syscall.Signal) error {
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeTarget) ThreadIDs() []int {
	return []int{fakePid, fakePid + 1}
}

func (f *fakeTarget) CurrentThreadID() int { return f.current }

func (f *fakeTarget) SetCurrentThread(tid int) error {
	if _, ok := f.threads[tid]; !ok {
		return fmt.Errorf("thread %d: %w", tid, proc.ErrInvalidArgument)
	}
	f.current = tid
	return nil
}

func (f *fakeTarget) ThreadRegisters(tid int) (proc.RegisterContext, error) {
	regs, ok := f.threads[tid]
	if !ok {
		return nil, proc.ErrInvalidArgument
	}
	return regs, nil
}

func (f *fakeTarget) ThreadStopInfo(tid int) (proc.StopInfo, bool) {
	return proc.StopInfo{Reason: proc.StopTrace, Tid: tid}, true
}

func (f *fakeTarget) readOriginal(buf []byte, addr uint64) (int, error) {
	if addr < fakeMemBase || addr >= fakeMemBase+uint64(len(f.mem)) {
		return 0, &proc.SyscallError{Op: "read", Pid: fakePid, Addr: addr, Errno: syscall.EFAULT}
	}
	return copy(buf, f.mem[addr-fakeMemBase:]), nil
}

func (f *fakeTarget) ReadMemory(buf []byte, addr uint64) (int, error) {
	n, err := f.readOriginal(buf, addr)
	for _, bp := range f.bps {
		if bp.Kind == proc.SoftwareBreakpoint && bp.Addr >= addr && bp.Addr < addr+uint64(n) {
			buf[bp.Addr-addr] = 0xcc
		}
	}
	return n, err
}

func (f *fakeTarget) ReadMemoryWithoutTrap(buf []byte, addr uint64) (int, error) {
	return f.readOriginal(buf, addr)
}

func (f *fakeTarget) WriteMemory(addr uint64, data []byte) (int, error) {
	if addr < fakeMemBase || addr+uint64(len(data)) > fakeMemBase+uint64(len(f.mem)) {
		return 0, &proc.SyscallError{Op: "write", Pid: fakePid, Addr: addr, Errno: syscall.EFAULT}
	}
	return copy(f.mem[addr-fakeMemBase:], data), nil
}

func (f *fakeTarget) AllocateMemory(size uint64, perm proc.Permissions) (uint64, error) {
	addr := uint64(0x7f0000000000 + len(f.allocs)*0x1000)
	f.allocs[addr] = size
	return addr, nil
}

func (f *fakeTarget) DeallocateMemory(addr uint64) error {
	if _, ok := f.allocs[addr]; !ok {
		return proc.ErrInvalidArgument
	}
	delete(f.allocs, addr)
	return nil
}

func (f *fakeTarget) SetBreakpoint(addr uint64, size int, hardware bool) (*proc.Breakpoint, error) {
	if bp, ok := f.bps[addr]; ok {
		bp.RefCount++
		return bp, nil
	}
	bp := &proc.Breakpoint{Addr: addr, Kind: proc.SoftwareBreakpoint, RefCount: 1}
	if hardware {
		bp.Kind = proc.HardwareBreakpoint
	} else {
		bp.OriginalData = make([]byte, 1)
		if _, err := f.readOriginal(bp.OriginalData, addr); err != nil {
			return nil, err
		}
	}
	f.bps[addr] = bp
	return bp, nil
}

func (f *fakeTarget) RemoveBreakpoint(addr uint64) error {
	bp, ok := f.bps[addr]
	if !ok {
		return proc.NoBreakpointError{Addr: addr}
	}
	bp.RefCount--
	if bp.RefCount == 0 {
		delete(f.bps, addr)
	}
	return nil
}

func (f *fakeTarget) Breakpoints() []*proc.Breakpoint {
	var r []*proc.Breakpoint
	for addr := uint64(fakeMemBase); addr < fakeMemBase+uint64(len(f.mem)); addr++ {
		if bp, ok := f.bps[addr]; ok {
			r = append(r, bp)
		}
	}
	return r
}

func (f *fakeTarget) GetMemoryRegionInfo(addr uint64) (proc.MemoryRegionInfo, error) {
	if addr >= fakeMemBase && addr < fakeMemBase+0x1000 {
		return proc.MemoryRegionInfo{Start: fakeMemBase, End: fakeMemBase + 0x1000, Perm: proc.PermRead | proc.PermExec, Mapped: true, Path: "/usr/bin/fake"}, nil
	}
	return proc.MemoryRegionInfo{Start: fakeMemBase + 0x1000, End: 0x7f0000000000}, nil
}

func (f *fakeTarget) MemoryRegions() ([]proc.MemoryRegionInfo, error) {
	r, _ := f.GetMemoryRegionInfo(fakeMemBase)
	return []proc.MemoryRegionInfo{r}, nil
}

func (f *fakeTarget) GetAuxvData() ([]byte, error) {
	buf := make([]byte, 0, 48)
	for _, v := range []uint64{9, fakeMemBase, 6, 4096, 0, 0} {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	return buf, nil
}

func (f *fakeTarget) GetSharedLibraryInfoAddress() (uint64, error) { return 0x403000, nil }

func (f *fakeTarget) LoadedLibraries() ([]linutil.Library, error) {
	return []linutil.Library{{Name: "/lib/libc.so.6", Addr: 0x7f1000000000}}, nil
}

func (f *fakeTarget) GetFileLoadAddress(fileName string) (uint64, error) {
	if fileName == "libc.so.6" {
		return 0x7f1000000000, nil
	}
	return 0, proc.ErrInvalidArgument
}

func (f *fakeTarget) GetLoadedModuleFileSpec(modulePath string) (string, error) {
	return "/lib/" + modulePath, nil
}

// inlineExecutor runs functions on the calling goroutine.
type inlineExecutor struct{}

func (inlineExecutor) Exec(fn func()) error {
	fn()
	return nil
}

// stoppedExecutor rejects every function, like a loop that was stopped.
type stoppedExecutor struct{}

func (stoppedExecutor) Exec(fn func()) error {
	return errors.New("main loop stopped")
}

func newTestTerm(target *fakeTarget) (*Term, *bytes.Buffer) {
	out := new(bytes.Buffer)
	events := NewEventQueue()
	target.events = events
	t := &Term{
		target:       target,
		loop:         inlineExecutor{},
		events:       events,
		conf:         &config.Config{},
		prompt:       "(nativehost) ",
		cmds:         DebugCommands(),
		dumb:         true,
		stdout:       newTranscriptWriter(out),
		log:          logflags.TerminalLogger(),
		eventTimeout: 5 * time.Second,
	}
	t.starlarkEnv = starbind.New(starlarkContext{t}, t.stdout)
	return t, out
}

func TestEventQueue(t *testing.T) {
	q := NewEventQueue()
	_, ok := q.Pop()
	assert.False(t, ok)

	q.Push(Event{Kind: EventStopped, Stop: proc.StopInfo{Reason: proc.StopTrace, Tid: 1}})
	q.Push(Event{Kind: EventExited, Code: 2})

	select {
	case <-q.Ready():
	default:
		t.Fatal("queue not ready after push")
	}

	ev, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, EventStopped, ev.Kind)
	assert.False(t, ev.Terminal())
	ev, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, ev.Code)
	assert.True(t, ev.Terminal())
	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestEventString(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Kind: EventStopped, Stop: proc.StopInfo{Reason: proc.StopBreakpoint, Tid: 7, Addr: 0x1000}}, "stopped, thread 7: breakpoint at 0x1000"},
		{Event{Kind: EventExited, Code: 3}, "exited with status 3"},
		{Event{Kind: EventTerminated, Signal: syscall.SIGKILL}, "killed by signal 9 (killed)"},
		{Event{Kind: EventTerminated}, "lost control of the process"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.ev.String())
	}
}

func TestWaitForEventTimeout(t *testing.T) {
	term, _ := newTestTerm(newFakeTarget())
	term.eventTimeout = 50 * time.Millisecond
	_, err := term.waitForEvent()
	assert.Error(t, err)
}

func TestWaitForEventFromAnotherGoroutine(t *testing.T) {
	term, _ := newTestTerm(newFakeTarget())
	go func() {
		time.Sleep(20 * time.Millisecond)
		term.events.Push(Event{Kind: EventExited, Code: 0})
	}()
	ev, err := term.waitForEvent()
	require.NoError(t, err)
	assert.Equal(t, EventExited, ev.Kind)
}

func TestStoppedLoop(t *testing.T) {
	term, _ := newTestTerm(newFakeTarget())
	term.loop = stoppedExecutor{}
	err := term.cmds.Call("regions", term)
	assert.EqualError(t, err, "main loop stopped")
}

func TestHandleExitKillsLaunched(t *testing.T) {
	target := newFakeTarget()
	term, out := newTestTerm(target)
	status, err := term.handleExit()
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, proc.StateTerminated, target.state)
	assert.Contains(t, out.String(), "killed by signal 9")
}

func TestHandleExitDetachesAttached(t *testing.T) {
	target := newFakeTarget()
	term, _ := newTestTerm(target)
	term.SetAttached(true)
	kill := false
	term.conf.KillOnExit = &kill

	status, err := term.handleExit()
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, proc.StateDetached, target.state)
}

func TestHandleExitAfterExit(t *testing.T) {
	target := newFakeTarget()
	target.state = proc.StateExited
	term, out := newTestTerm(target)
	status, err := term.handleExit()
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Empty(t, out.String())
}

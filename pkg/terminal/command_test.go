package terminal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/letoram/lldb/pkg/proc"
)

type FakeTerminal struct {
	*Term
	target *fakeTarget
	out    *bytes.Buffer
	t      testing.TB
}

func newFakeTerminal(t testing.TB) *FakeTerminal {
	target := newFakeTarget()
	term, out := newTestTerm(target)
	return &FakeTerminal{Term: term, target: target, out: out, t: t}
}

func (ft *FakeTerminal) Exec(cmdstr string) (string, error) {
	ft.out.Reset()
	err := ft.cmds.Call(cmdstr, ft.Term)
	return ft.out.String(), err
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	outstr, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return outstr
}

func (ft *FakeTerminal) AssertExec(cmdstr, tgt string) {
	out := ft.MustExec(cmdstr)
	if !strings.Contains(out, tgt) {
		ft.t.Fatalf("Output of %q does not contain %q:\n%s", cmdstr, tgt, out)
	}
}

func (ft *FakeTerminal) AssertExecError(cmdstr, tgterr string) {
	_, err := ft.Exec(cmdstr)
	if err == nil {
		ft.t.Fatalf("Expected error executing %q", cmdstr)
	}
	if !strings.Contains(err.Error(), tgterr) {
		ft.t.Fatalf("Expected error %q executing %q, got error %q", tgterr, cmdstr, err.Error())
	}
}

func TestCommandDefault(t *testing.T) {
	var (
		cmds = DebugCommands()
		cmd  = cmds.Find("non-existant-command")
	)

	err := cmd(nil, "")
	if err == nil {
		t.Fatal("cmd() did not default")
	}

	if err.Error() != "command not available" {
		t.Fatal("wrong command output")
	}
}

func TestCommandReplayWithoutPreviousCommand(t *testing.T) {
	var (
		cmds = DebugCommands()
		cmd  = cmds.Find("")
		err  = cmd(nil, "")
	)

	if err != nil {
		t.Error("Null command not returned", err)
	}
}

func TestCommandThread(t *testing.T) {
	var (
		cmds = DebugCommands()
		cmd  = cmds.Find("thread")
	)

	err := cmd(nil, "")
	if err == nil {
		t.Fatal("thread terminal command did not default")
	}

	if err.Error() != "you must specify a thread" {
		t.Fatal("wrong command output: ", err.Error())
	}
}

func TestCommandPrefix(t *testing.T) {
	ft := newFakeTerminal(t)

	// an exact alias wins over the commands it prefixes
	ft.AssertExec("b 0x401002", "Breakpoint at 0x401002 (software, refs 1)")
	ft.AssertExec("breakp", "0x401002")
	ft.AssertExec("disas 0x401000 1", "push rbp")
	ft.AssertExecError("de 0x401000", `ambiguous command "de": dealloc, detach`)
	ft.AssertExecError("frobnicate", "command not available")
}

func TestMergeAliases(t *testing.T) {
	ft := newFakeTerminal(t)
	ft.cmds.Merge(map[string][]string{"breakpoints": {"bl"}})
	ft.AssertExec("bl", "No breakpoints")

	ft.cmds.Merge(map[string][]string{})
	ft.AssertExecError("bl", "command not available")
	ft.AssertExec("bp", "No breakpoints")
}

func TestComplete(t *testing.T) {
	cmds := DebugCommands()
	got := cmds.complete("brea")
	if len(got) != 2 || got[0] != "break" || got[1] != "breakpoints" {
		t.Fatalf("unexpected completions %v", got)
	}
	if got := cmds.complete("break 0x"); got != nil {
		t.Fatalf("completed arguments: %v", got)
	}
}

func TestRegisterReplacesCommand(t *testing.T) {
	ft := newFakeTerminal(t)
	called := ""
	ft.cmds.Register("regions", func(t *Term, args string) error {
		called = args
		return nil
	}, "replaced")
	ft.cmds.Register("hello", func(t *Term, args string) error {
		return errors.New("hello " + args)
	}, "says hello")

	ft.MustExec("regions all")
	if called != "all" {
		t.Fatalf("replacement not called, got %q", called)
	}
	ft.AssertExecError("hello world", "hello world")
	ft.AssertExec("help hello", "says hello")
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in   string
		want syscall.Signal
		err  bool
	}{
		{"10", syscall.SIGUSR1, false},
		{"SIGUSR1", syscall.SIGUSR1, false},
		{"usr1", syscall.SIGUSR1, false},
		{"sigterm", syscall.SIGTERM, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"SIGNOPE", 0, true},
	}
	for _, tc := range tests {
		sig, err := parseSignal(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("%q: expected error, got %v", tc.in, sig)
			}
			continue
		}
		if err != nil || sig != tc.want {
			t.Errorf("%q: got %v, %v expected %v", tc.in, sig, err, tc.want)
		}
	}
}

func TestConfig(t *testing.T) {
	ft := newFakeTerminal(t)

	ft.AssertExecError("config nonexistent-parameter 10", "not a configuration parameter")
	ft.AssertExecError("config aliases 10", "not a configuration parameter")
	ft.AssertExecError("config max-memory-dump ten", "must be a number")

	ft.MustExec("config max-memory-dump 10")
	if ft.conf.MaxMemoryDump == nil || *ft.conf.MaxMemoryDump != 10 {
		t.Fatalf("expected MaxMemoryDump 10, got %v", ft.conf.MaxMemoryDump)
	}
	ft.MustExec("config kill-on-exit true")
	if ft.conf.KillOnExit == nil || !*ft.conf.KillOnExit {
		t.Fatalf("expected KillOnExit true")
	}
	ft.MustExec("config disable-aslr   true")
	if !ft.conf.DisableASLR {
		t.Fatalf("expected DisableASLR true")
	}
	ft.MustExec("config metrics-addr localhost:9090")
	if ft.conf.MetricsAddr != "localhost:9090" {
		t.Fatalf("expected MetricsAddr localhost:9090, got %q", ft.conf.MetricsAddr)
	}

	out := ft.MustExec("config -list")
	for _, want := range []string{"max-memory-dump 10", "kill-on-exit", "disassemble-count <not defined>"} {
		if !strings.Contains(strings.Join(strings.Fields(out), " "), want) {
			t.Fatalf("config -list does not contain %q:\n%s", want, out)
		}
	}

	ft.MustExec("config alias regions rg")
	ft.AssertExec("rg", "/usr/bin/fake")
	ft.MustExec("config alias rg")
	ft.AssertExecError("rg", "command not available")
}

func TestExamineMemoryCmd(t *testing.T) {
	ft := newFakeTerminal(t)
	ft.MustExec("break 0x401000")

	ft.AssertExec("examinemem 0x401000 6", "55 48 89 e5 90 c3")
	ft.AssertExec("x -raw 0x401000 6", "cc 48 89 e5 90 c3")
	ft.AssertExec("x 0x401000 6", "UH....")

	out := ft.MustExec("x 0x401000")
	if n := strings.Count(out, "\n"); n != 4 {
		t.Fatalf("expected 4 lines of output, got %d:\n%s", n, out)
	}

	ft.AssertExecError("x 0x401000 0", "positive integer")
	ft.AssertExecError("x", "wrong number of arguments")
	ft.AssertExecError("x 0x10 4", "bad address")

	ft.MustExec("config max-memory-dump 4")
	ft.AssertExecError("x 0x401000 6", "less than or equal to 4 bytes")
}

func TestWriteMemoryCmd(t *testing.T) {
	ft := newFakeTerminal(t)
	ft.AssertExec("write 0x401010 deadbeef", "Wrote 4 bytes at 0x401010")
	if !bytes.Equal(ft.target.mem[0x10:0x14], []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("memory not written: %x", ft.target.mem[0x10:0x14])
	}
	ft.AssertExec("write 0x401014 0x01 02", "Wrote 2 bytes")
	ft.AssertExecError("write 0x401000 zz", "invalid data")
	ft.AssertExecError("write 0x10 00", "bad address")
}

func TestDisassembleCmd(t *testing.T) {
	ft := newFakeTerminal(t)
	ft.MustExec("break 0x401004")

	out := ft.MustExec("disassemble 0x401000 4")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 instructions, got:\n%s", out)
	}
	for i, want := range []string{"push rbp", "mov rbp, rsp", "nop", "ret"} {
		if !strings.Contains(lines[i], want) {
			t.Errorf("instruction %d: expected %q in %q", i, want, lines[i])
		}
	}
	if !strings.HasPrefix(lines[0], "=>") {
		t.Errorf("pc not marked: %q", lines[0])
	}
	if !strings.Contains(lines[2], "0x401004*") {
		t.Errorf("breakpoint not marked: %q", lines[2])
	}

	// defaults to the current pc
	ft.AssertExec("disass", "push rbp")
}

func TestBreakpointCmds(t *testing.T) {
	ft := newFakeTerminal(t)
	ft.AssertExec("breakpoints", "No breakpoints")
	ft.MustExec("break 0x401002")
	ft.AssertExec("b 0x401002", "refs 2")
	ft.AssertExec("hbreak 0x401004", "hardware")
	ft.AssertExecError("hbreak 0x401004 1", "wrong number of arguments")
	ft.AssertExecError("break nowhere", "not a valid address")
	ft.AssertExecError("break 0x401000 x", "not a valid size")

	out := ft.MustExec("breakpoints")
	if !strings.Contains(out, "software") || !strings.Contains(out, "slot 0") {
		t.Fatalf("unexpected breakpoints output:\n%s", out)
	}

	ft.AssertExec("clear 0x401002", "Breakpoint at 0x401002 cleared")
	ft.MustExec("clear 0x401002")
	ft.AssertExecError("clear 0x401002", "no breakpoint at 0x401002")
	ft.AssertExecError("clear", "not enough arguments")
}

func TestContinue(t *testing.T) {
	ft := newFakeTerminal(t)
	ft.target.next = []Event{
		{Kind: EventStopped, Stop: proc.StopInfo{Reason: proc.StopBreakpoint, Tid: fakePid + 1, Addr: 0x401004}},
		{Kind: EventStopped, Stop: proc.StopInfo{Reason: proc.StopSignal, Tid: fakePid + 1, Signal: syscall.SIGSEGV}},
		{Kind: EventExited, Code: 7},
	}

	ft.AssertExec("continue", "Process 1234 stopped, thread 1235: breakpoint at 0x401004")
	if ft.target.current != fakePid+1 {
		t.Fatalf("current thread not updated: %d", ft.target.current)
	}
	ft.AssertExec("c SIGUSR1", "signal 11")
	if len(ft.target.resumes) != 2 || !strings.Contains(ft.target.resumes[1], "1235") {
		t.Fatalf("unexpected resume actions %q", ft.target.resumes)
	}
	ft.AssertExec("c", "Process 1234 exited with status 7")

	_, err := ft.Exec("c")
	var invalid *proc.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
	ft.AssertExecError("c SIGNOPE", "not a valid signal")
}

func TestStep(t *testing.T) {
	ft := newFakeTerminal(t)
	ft.target.threads[fakePid].pc = fakeMemBase + 1
	ft.target.next = []Event{{Kind: EventStopped, Stop: proc.StopInfo{Reason: proc.StopTrace, Tid: fakePid}}}

	out := ft.MustExec("step")
	if !strings.Contains(out, "trace") || !strings.Contains(out, "mov rbp, rsp") {
		t.Fatalf("unexpected step output:\n%s", out)
	}
	if !strings.Contains(ft.target.resumes[0], "step") {
		t.Fatalf("thread not stepped: %q", ft.target.resumes[0])
	}
	ft.AssertExecError("step abc", "invalid syntax")
}

func TestHaltKillDetach(t *testing.T) {
	ft := newFakeTerminal(t)
	ft.AssertExec("halt", "Process 1234 is stopped")

	ft.MustExec("signal SIGUSR2")
	if len(ft.target.signals) != 1 || ft.target.signals[0] != syscall.SIGUSR2 {
		t.Fatalf("signal not sent: %v", ft.target.signals)
	}
	ft.AssertExecError("signal", "not enough arguments")

	_, err := ft.Exec("detach")
	if !errors.As(err, &ExitRequestError{}) {
		t.Fatalf("detach did not request exit: %v", err)
	}
	if ft.target.state != proc.StateDetached {
		t.Fatalf("process not detached: %v", ft.target.state)
	}

	ft = newFakeTerminal(t)
	ft.AssertExec("kill", "killed by signal 9")
}

func TestThreadCmds(t *testing.T) {
	ft := newFakeTerminal(t)
	out := ft.MustExec("threads")
	if !strings.Contains(out, "* Thread 1234 at 0x401000, trace") || !strings.Contains(out, "  Thread 1235 at 0x401004") {
		t.Fatalf("unexpected threads output:\n%s", out)
	}
	ft.AssertExec("thread 1235", "Switched from 1234 to 1235")
	ft.AssertExec("threads", "* Thread 1235")
	ft.AssertExecError("thread 99", "invalid argument")
	ft.AssertExec("regs", "0x0000000000401004")
	ft.AssertExec("regs 1234", "rip")
}

func TestMemoryRegionCmds(t *testing.T) {
	ft := newFakeTerminal(t)
	ft.AssertExec("regions", "r-x")
	ft.AssertExec("region 0x401010", "/usr/bin/fake")
	ft.AssertExec("region 0x500000", "(unmapped)")

	ft.AssertExec("alloc 4096", "Allocated 4096 bytes at 0x7f0000000000")
	ft.AssertExec("alloc 0x10 rx", "Allocated 16 bytes at 0x7f0000001000")
	ft.AssertExecError("alloc 0", "not a valid size")
	ft.AssertExecError("alloc 16 rq", "")
	ft.MustExec("dealloc 0x7f0000000000")
	ft.AssertExecError("dealloc 0x7f0000000000", "invalid argument")
}

func TestProgramInfoCmds(t *testing.T) {
	ft := newFakeTerminal(t)
	ft.AssertExec("auxv", "AT_ENTRY   0x401000")
	ft.AssertExec("auxv", "AT_PAGESZ  0x1000")
	ft.AssertExec("libraries", "r_debug at 0x403000")
	ft.AssertExec("libinfo", "0. 0x7f1000000000 /lib/libc.so.6")
	ft.AssertExec("loadaddr libc.so.6", "libc.so.6 loaded at 0x7f1000000000")
	ft.AssertExecError("loadaddr ld.so", "invalid argument")
	ft.AssertExec("module libm.so.6", "/lib/libm.so.6")
}

func TestExecuteFile(t *testing.T) {
	ft := newFakeTerminal(t)
	path := filepath.Join(t.TempDir(), "init")
	script := "# breakpoints\nbreak 0x401002\n\nbogus\nhbreak 0x401004\n"
	if err := os.WriteFile(path, []byte(script), 0600); err != nil {
		t.Fatal(err)
	}
	out := ft.MustExec("source " + path)
	if !strings.Contains(out, path+":4: command not available") {
		t.Fatalf("error not reported:\n%s", out)
	}
	if len(ft.target.bps) != 2 {
		t.Fatalf("expected 2 breakpoints, got %d", len(ft.target.bps))
	}

	if err := os.WriteFile(path, []byte("exit\nbreak 0x401008\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := ft.Exec("source " + path)
	if !errors.As(err, &ExitRequestError{}) {
		t.Fatalf("exit in sourced file not propagated: %v", err)
	}
	if len(ft.target.bps) != 2 {
		t.Fatalf("commands executed after exit")
	}
}

func TestTranscript(t *testing.T) {
	ft := newFakeTerminal(t)
	path := filepath.Join(t.TempDir(), "transcript")

	ft.MustExec("transcript " + path)
	ft.AssertExec("region 0x401000", "/usr/bin/fake")
	ft.MustExec("transcript -off")

	ft.MustExec("transcript -x " + path)
	if out := ft.MustExec("auxv"); out != "" {
		t.Fatalf("output not suppressed: %q", out)
	}
	ft.MustExec("transcript -off")

	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(buf), "/usr/bin/fake") || !strings.Contains(string(buf), "AT_ENTRY") {
		t.Fatalf("unexpected transcript:\n%s", buf)
	}

	ft.MustExec("transcript -t " + path)
	ft.MustExec("transcript -off")
	if buf, _ := os.ReadFile(path); len(buf) != 0 {
		t.Fatalf("transcript not truncated:\n%s", buf)
	}
	ft.AssertExecError("transcript", "no output path")
	ft.AssertExecError("transcript -off "+path, "-off option")
}

func TestHelp(t *testing.T) {
	ft := newFakeTerminal(t)
	out := ft.MustExec("help")
	for _, want := range []string{"Running the program:", "continue (alias: c)", "Viewing and changing memory:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("help does not contain %q:\n%s", want, out)
		}
	}
	ft.AssertExec("help break", "Sets a software breakpoint.")
	ft.AssertExecError("help nope", "command not available")
}

func TestWriteMarkdown(t *testing.T) {
	var buf bytes.Buffer
	DebugCommands().WriteMarkdown(&buf)
	out := buf.String()
	for _, want := range []string{"## Manipulating breakpoints", "[break](#break) | Sets a software breakpoint.", "## continue\n", "Aliases: b\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("markdown does not contain %q", want)
		}
	}
}

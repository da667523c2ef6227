package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/letoram/lldb/pkg/config"
	"github.com/letoram/lldb/pkg/logflags"
	"github.com/letoram/lldb/pkg/proc"
	"github.com/letoram/lldb/pkg/terminal/starbind"
)

const (
	historyFile                 string = ".nativehost_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
	ansiBlue   = 34
)

// Term represents the terminal running nativehost.
type Term struct {
	target Target
	loop   Executor
	events *EventQueue
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	dumb   bool
	stdout *transcriptWriter
	log    logflags.Logger

	starlarkEnv *starbind.Env

	// InitFile is a file of commands executed before the first prompt.
	InitFile string

	// interrupt receives SIGINT while the target is running.
	interrupt chan os.Signal
	// eventTimeout bounds waitForEvent, zero waits forever.
	eventTimeout time.Duration

	attached bool
}

// New returns a new Term controlling target. Every call to target is made
// through loop, events must be fed by the target's delegate.
func New(target Target, loop Executor, events *EventQueue, conf *config.Config) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	cmds := DebugCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	var w io.Writer
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd())
	if dumb {
		w = os.Stdout
	} else {
		w = colorable.NewColorableStdout()
	}

	t := &Term{
		target: target,
		loop:   loop,
		events: events,
		conf:   conf,
		prompt: "(nativehost) ",
		cmds:   cmds,
		dumb:   dumb,
		stdout: newTranscriptWriter(w),
		log:    logflags.TerminalLogger(),
	}
	t.starlarkEnv = starbind.New(starlarkContext{t}, t.stdout)
	return t
}

// SetAttached records that the target was attached to rather than
// launched, which changes what exit does with it.
func (t *Term) SetAttached(attached bool) {
	t.attached = attached
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
	if err := t.stdout.CloseTranscript(); err != nil {
		fmt.Fprintf(os.Stderr, "error closing transcript file: %v\n", err)
	}
}

// Run runs the read, eval, print loop until the user exits or the input
// ends. It returns the exit status for the program.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	defer t.Close()

	t.line.SetCompleter(func(line string) []string {
		return t.cmds.complete(line)
	})

	t.interrupt = make(chan os.Signal, 1)
	signal.Notify(t.interrupt, syscall.SIGINT)
	defer signal.Stop(t.interrupt)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	} else if f, err := os.Open(fullHistoryFile); err == nil {
		t.line.ReadHistory(f)
		f.Close()
	}

	fmt.Fprintf(t.stdout, "Process %d stopped. Type 'help' for list of commands.\n", t.target.Pid())

	if t.InitFile != "" {
		if err := t.cmds.executeFile(t, t.InitFile); err != nil {
			if errors.As(err, &ExitRequestError{}) {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		t.stdout.Echo(t.prompt + cmdstr + "\n")
		t.stdout.pw.PageMaybe()
		err = t.cmds.Call(cmdstr, t)
		t.stdout.pw.Reset()
		t.stdout.Flush()
		if err != nil {
			if errors.As(err, &ExitRequestError{}) {
				return t.handleExit()
			}
			var exited proc.ErrProcessExited
			var invalid *proc.InvalidStateError
			switch {
			case errors.As(err, &exited), errors.As(err, &invalid):
				fmt.Fprintln(os.Stderr, err.Error())
			default:
				fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
			}
		}
	}
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func yesno(line *liner.State, question string) (bool, error) {
	for {
		answer, err := line.Prompt(question)
		if err != nil {
			return false, err
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		switch answer {
		case "n", "no":
			return false, nil
		case "y", "yes":
			return true, nil
		}
	}
}

// handleExit saves the history and disposes of the target: a launched
// target is killed, an attached one is detached unless the user asks for
// it to be killed.
func (t *Term) handleExit() (int, error) {
	if t.line != nil {
		t.saveHistory()
	}

	var state proc.StateType
	if err := t.do(func() error { state = t.target.State(); return nil }); err != nil {
		return 1, err
	}
	if state.IsTerminal() {
		return 0, nil
	}

	kill := !t.attached
	if t.conf.KillOnExit != nil {
		kill = *t.conf.KillOnExit
	} else if t.attached && t.line != nil {
		answer, err := yesno(t.line, "Would you like to kill the process? [y/N] ")
		if err != nil {
			return 2, io.EOF
		}
		kill = answer
	}

	if kill {
		if err := t.do(t.target.Kill); err != nil {
			return 1, err
		}
		t.waitForTerminalEvent()
		return 0, nil
	}
	if state == proc.StateRunning {
		if err := t.haltAndWait(); err != nil {
			return 1, err
		}
	}
	if err := t.do(t.target.Detach); err != nil {
		return 1, err
	}
	return 0, nil
}

func (t *Term) saveHistory() {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
		return
	}
	f, err := os.Create(fullHistoryFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
		return
	}
	defer f.Close()
	if _, err := t.line.WriteHistory(f); err != nil {
		fmt.Println("readline history error:", err)
	}
}

// do runs fn on the loop that owns the target.
func (t *Term) do(fn func() error) error {
	var err error
	if xerr := t.loop.Exec(func() { err = fn() }); xerr != nil {
		return xerr
	}
	return err
}

// waitForEvent waits for the next event from the target. SIGINT received
// while waiting halts the target.
func (t *Term) waitForEvent() (Event, error) {
	var timeout <-chan time.Time
	if t.eventTimeout > 0 {
		timer := time.NewTimer(t.eventTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		if ev, ok := t.events.Pop(); ok {
			return ev, nil
		}
		select {
		case <-t.events.Ready():
		case <-t.interrupt:
			fmt.Fprintln(t.stdout, "received SIGINT, stopping process (will not forward signal)")
			t.starlarkEnv.Cancel()
			if err := t.do(t.target.Halt); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
			}
		case <-timeout:
			return Event{}, errors.New("timed out waiting for the process to stop")
		}
	}
}

func (t *Term) haltAndWait() error {
	if err := t.do(t.target.Halt); err != nil {
		return err
	}
	ev, err := t.waitForEvent()
	if err != nil {
		return err
	}
	t.printEvent(ev)
	return nil
}

func (t *Term) waitForTerminalEvent() {
	for {
		ev, err := t.waitForEvent()
		if err != nil {
			t.log.Warnf("waiting for the process to exit: %v", err)
			return
		}
		if ev.Terminal() {
			t.printEvent(ev)
			return
		}
	}
}

// resume resumes the target and waits for it to stop or exit.
func (t *Term) resume(actions *proc.ResumeActionList) (Event, error) {
	if err := t.do(func() error { return t.target.Resume(actions) }); err != nil {
		return Event{}, err
	}
	ev, err := t.waitForEvent()
	if err != nil {
		return Event{}, err
	}
	t.printEvent(ev)
	return ev, nil
}

func (t *Term) printEvent(ev Event) {
	color := ansiBlue
	switch ev.Kind {
	case EventStopped:
		if ev.Stop.Reason == proc.StopSignal {
			color = ansiYellow
		}
	case EventExited:
		color = ansiGreen
		if ev.Code != 0 {
			color = ansiRed
		}
	case EventTerminated:
		color = ansiRed
	}
	t.Println(fmt.Sprintf("Process %d ", t.target.Pid()), ev.String(), color)
}

// Println prints a line to the terminal, highlighting prefix.
func (t *Term) Println(prefix, str string, color int) {
	if !t.dumb {
		prefix = fmt.Sprintf(terminalHighlightEscapeCode+"%s%s", color, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

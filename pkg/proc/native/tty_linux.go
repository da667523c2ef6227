package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/letoram/lldb/pkg/logflags"
)

// foregroundTerminal hands the foreground process group of a terminal to
// the target while it runs and takes it back when it stops, so the target
// can read the terminal without the prompt losing it.
// A nil *foregroundTerminal does nothing.
type foregroundTerminal struct {
	fd     int
	own    int // our process group
	target int // process group of the target
	log    logflags.Logger
}

func newForegroundTerminal(fd, targetPgrp int) *foregroundTerminal {
	return &foregroundTerminal{
		fd:     fd,
		own:    sys.Getpgrp(),
		target: targetPgrp,
		log:    logflags.NativeLogger().WithField("tty", fd),
	}
}

func (ft *foregroundTerminal) give() {
	ft.set(ft.target)
}

func (ft *foregroundTerminal) reclaim() {
	ft.set(ft.own)
}

func (ft *foregroundTerminal) set(pgrp int) {
	if ft == nil {
		return
	}
	if err := sys.IoctlSetPointerInt(ft.fd, sys.TIOCSPGRP, pgrp); err != nil {
		ft.log.Warnf("could not move terminal to process group %d: %v", pgrp, err)
	}
}


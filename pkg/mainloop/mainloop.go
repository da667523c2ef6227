// Package mainloop implements the event loop that owns a traced process.
//
// The loop runs on a single goroutine locked to its OS thread: functions
// submitted with Exec and callbacks registered with RegisterSignal all run
// there, one at a time. On Linux only the thread that attached to a process
// may issue ptrace requests for it, so everything that touches the inferior
// must go through the loop.
package mainloop

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime"
	"sync"

	"github.com/letoram/lldb/pkg/logflags"
)

// ErrLoopStopped is returned by Exec and RegisterSignal once the loop has
// stopped.
var ErrLoopStopped = errors.New("main loop stopped")

// MainLoop is an event loop. The zero value is not usable, use New.
type MainLoop struct {
	funcs   chan func()
	signals chan os.Signal

	mu       sync.Mutex
	handlers map[os.Signal][]*SignalHandle
	started  bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// SignalHandle is the registration of a signal callback, returned by
// RegisterSignal.
type SignalHandle struct {
	loop *MainLoop
	sig  os.Signal
	cb   func()
}

// New returns a new loop. Run must be called to start it.
func New() *MainLoop {
	return &MainLoop{
		funcs:    make(chan func()),
		signals:  make(chan os.Signal, 16),
		handlers: make(map[os.Signal][]*SignalHandle),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run runs the loop until ctx is done or Stop is called. It must be called
// exactly once.
func (l *MainLoop) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return errors.New("main loop already running")
	}
	l.started = true
	l.mu.Unlock()

	logger := logflags.MainLoopLogger()
	logger.Debug("main loop started")
	defer func() {
		signal.Stop(l.signals)
		close(l.done)
		logger.Debug("main loop stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case fn := <-l.funcs:
			fn()
		case sig := <-l.signals:
			l.dispatch(sig, logger)
		}
	}
}

func (l *MainLoop) dispatch(sig os.Signal, logger logflags.Logger) {
	l.mu.Lock()
	handlers := make([]*SignalHandle, len(l.handlers[sig]))
	copy(handlers, l.handlers[sig])
	l.mu.Unlock()

	if logflags.MainLoop() {
		logger.Debugf("signal %v, %d handlers", sig, len(handlers))
	}
	for _, h := range handlers {
		h.cb()
	}
}

// Exec runs fn on the loop and waits for it to return. It must not be
// called from the loop itself.
func (l *MainLoop) Exec(fn func()) error {
	ch := make(chan struct{})
	select {
	case l.funcs <- func() {
		defer close(ch)
		fn()
	}:
	case <-l.done:
		return ErrLoopStopped
	case <-l.stop:
		return ErrLoopStopped
	}
	<-ch
	return nil
}

// RegisterSignal calls cb on the loop every time sig is received by the
// process. Several deliveries of the same signal may be coalesced into a
// single call.
func (l *MainLoop) RegisterSignal(sig os.Signal, cb func()) (*SignalHandle, error) {
	select {
	case <-l.done:
		return nil, ErrLoopStopped
	default:
	}
	h := &SignalHandle{loop: l, sig: sig, cb: cb}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handlers[sig]) == 0 {
		signal.Notify(l.signals, sig)
	}
	l.handlers[sig] = append(l.handlers[sig], h)
	return h, nil
}

// Close removes the registration. Calling Close more than once is allowed.
func (h *SignalHandle) Close() {
	if h == nil {
		return
	}
	l := h.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	hs := l.handlers[h.sig]
	for i := range hs {
		if hs[i] == h {
			l.handlers[h.sig] = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(l.handlers[h.sig]) == 0 {
		delete(l.handlers, h.sig)
		signal.Reset(h.sig)
	}
}

// Stop makes Run return. Functions queued with Exec that have not started
// yet fail with ErrLoopStopped.
func (l *MainLoop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

// Done returns a channel that is closed when Run returns.
func (l *MainLoop) Done() <-chan struct{} {
	return l.done
}

package mainloop

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) (*MainLoop, context.CancelFunc, chan error) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	errch := make(chan error, 1)
	go func() {
		errch <- l.Run(ctx)
	}()
	t.Cleanup(cancel)
	return l, cancel, errch
}

func TestExecRunsOnLoop(t *testing.T) {
	l, _, _ := startLoop(t)

	n := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Exec(func() { n++ }))
	}
	assert.Equal(t, 10, n)
}

func TestStop(t *testing.T) {
	l, _, errch := startLoop(t)
	require.NoError(t, l.Exec(func() {}))
	l.Stop()
	l.Stop()
	select {
	case err := <-errch:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.ErrorIs(t, l.Exec(func() {}), ErrLoopStopped)
	_, err := l.RegisterSignal(syscall.SIGUSR2, func() {})
	assert.ErrorIs(t, err, ErrLoopStopped)
}

func TestContextCancel(t *testing.T) {
	_, cancel, errch := startLoop(t)
	cancel()
	select {
	case err := <-errch:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestRegisterSignal(t *testing.T) {
	l, _, _ := startLoop(t)

	got := make(chan struct{}, 4)
	h, err := l.RegisterSignal(syscall.SIGUSR1, func() { got <- struct{}{} })
	require.NoError(t, err)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("signal callback not called")
	}

	// a second handle keeps the signal routed to the loop after the first
	// one is closed
	other := make(chan struct{}, 4)
	h2, err := l.RegisterSignal(syscall.SIGUSR1, func() { other <- struct{}{} })
	require.NoError(t, err)
	h.Close()
	h.Close()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
	select {
	case <-other:
	case <-time.After(5 * time.Second):
		t.Fatal("signal callback not called")
	}
	assert.Empty(t, got)
	h2.Close()

	require.NoError(t, l.Exec(func() {
		assert.Empty(t, l.handlers)
	}))
}

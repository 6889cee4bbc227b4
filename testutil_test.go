//go:build linux

package reactor

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// lockedBuffer is a goroutine safe log sink.
type lockedBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

func (x *lockedBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.Write(p)
}

func (x *lockedBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.String()
}

func newTestLogger(w *lockedBuffer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// newTestLoop creates a loop owned by the calling goroutine, closed at the
// end of the test.
func newTestLoop(t *testing.T, opts ...LoopOption) *EventLoop {
	t.Helper()
	loop, err := NewEventLoop(append([]LoopOption{WithPollTimeout(50 * time.Millisecond)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	return loop
}

// runUntil runs loop on the calling goroutine until done is closed, failing
// the test if that takes longer than timeout.
func runUntil(t *testing.T, loop *EventLoop, done <-chan struct{}, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	go func() {
		select {
		case <-done:
			loop.Quit()
		case <-ctx.Done():
		}
	}()
	err := loop.Loop(ctx)
	select {
	case <-done:
	default:
		t.Fatalf("loop exited before completion: %v", err)
	}
}

// socketPair returns a connected pair of non-blocking stream sockets.
func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

// readAll reads from fd until want bytes arrived, EOF, or timeout.
func readAll(t *testing.T, fd int, want int, timeout time.Duration) []byte {
	t.Helper()
	var (
		out      []byte
		buf      = make([]byte, 64*1024)
		deadline = time.Now().Add(timeout)
	)
	for len(out) < want && time.Now().Before(deadline) {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			continue
		}
		if n == 0 && err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return out
}

//go:build linux

package reactor

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// connFixture is a standalone Connection over one end of a socket pair.
type connFixture struct {
	loop   *EventLoop
	conn   *Connection
	peer   int
	states []ConnState
	closes int
}

func newConnFixture(t *testing.T, opts ...LoopOption) *connFixture {
	t.Helper()
	loop := newTestLoop(t, opts...)
	local, peer := socketPair(t)

	f := &connFixture{
		loop: loop,
		conn: NewConnection(loop, "test-conn", local, nil, nil),
		peer: peer,
	}
	f.conn.SetConnectionCallback(func(c *Connection) { f.states = append(f.states, c.State()) })
	f.conn.SetCloseCallback(func(c *Connection) {
		f.closes++
		c.Destroy()
	})
	t.Cleanup(func() {
		if !f.conn.destroyed {
			f.conn.connectDestroyed()
		}
		if f.peer >= 0 {
			_ = unix.Close(f.peer)
		}
	})
	return f
}

// closeThenSignal destroys the connection on close, then closes done from a
// message queued behind the destroy.
func (f *connFixture) closeThenSignal(done chan struct{}) {
	f.conn.SetCloseCallback(func(c *Connection) {
		f.closes++
		c.Destroy()
		c.Loop().QueueInLoop(func() { close(done) })
	})
}

func TestConnection_SendBeforeEstablish(t *testing.T) {
	f := newConnFixture(t)
	require.Equal(t, StateConnecting, f.conn.State())
	require.ErrorIs(t, f.conn.Send([]byte("x")), ErrNotConnected)
	require.ErrorIs(t, f.conn.SendString("x"), ErrNotConnected)
	require.ErrorIs(t, f.conn.SendBuffer(NewBuffer(0)), ErrNotConnected)
}

func TestConnection_EstablishAndEcho(t *testing.T) {
	f := newConnFixture(t)

	done := make(chan struct{})
	var received []byte
	f.conn.SetMessageCallback(func(c *Connection, buf *Buffer, receiveTime time.Time) {
		received = append(received, buf.RetrieveAllBytes()...)
		assert.False(t, receiveTime.IsZero())
		if len(received) == 5 {
			require.NoError(t, c.SendString(strings.ToUpper(string(received))))
			close(done)
		}
	})

	f.conn.Establish()
	require.Equal(t, StateConnected, f.conn.State())
	require.True(t, f.conn.Connected())
	require.True(t, f.conn.IsReading())
	require.Equal(t, []ConnState{StateConnected}, f.states)

	_, err := unix.Write(f.peer, []byte("hello"))
	require.NoError(t, err)

	runUntil(t, f.loop, done, 5*time.Second)
	require.Equal(t, "hello", string(received))
	require.Equal(t, "HELLO", string(readAll(t, f.peer, 5, time.Second)))
}

func TestConnection_PeerCloseClosesOnce(t *testing.T) {
	f := newConnFixture(t)

	done := make(chan struct{})
	f.closeThenSignal(done)
	f.conn.Establish()
	require.NoError(t, unix.Close(f.peer))
	f.peer = -1

	runUntil(t, f.loop, done, 5*time.Second)
	require.Equal(t, 1, f.closes)
	require.Equal(t, []ConnState{StateConnected, StateDisconnected}, f.states)
	require.True(t, f.conn.Disconnected())
	require.True(t, f.conn.destroyed)
	require.False(t, f.loop.HasChannel(f.conn.channel))

	// destroying twice is harmless
	f.conn.connectDestroyed()
	require.Equal(t, []ConnState{StateConnected, StateDisconnected}, f.states)
}

func TestConnection_SpuriousEventsAfterCloseIgnored(t *testing.T) {
	f := newConnFixture(t)

	done := make(chan struct{})
	f.conn.SetCloseCallback(func(*Connection) {
		f.closes++
		if f.closes == 1 {
			close(done)
		}
	})
	f.conn.Establish()
	require.NoError(t, unix.Close(f.peer))
	f.peer = -1

	runUntil(t, f.loop, done, 5*time.Second)
	require.Equal(t, 1, f.closes)
	require.Equal(t, []ConnState{StateConnected, StateDisconnected}, f.states)

	// not yet destroyed, so the descriptor is still open and may report again
	for _, revents := range []IOEvents{
		EventRead,
		EventRead | EventHangup,
		EventHangup,
		EventError | EventRead,
	} {
		f.conn.channel.setRevents(revents)
		f.conn.channel.HandleEvent(time.Now())
	}
	f.conn.handleRead(time.Now())
	f.conn.handleClose()

	require.Equal(t, 1, f.closes)
	require.Equal(t, []ConnState{StateConnected, StateDisconnected}, f.states)
	require.True(t, f.conn.Disconnected())
}

func TestConnection_SendToClosedPeerCloses(t *testing.T) {
	f := newConnFixture(t)
	f.conn.Establish()
	require.NoError(t, unix.Close(f.peer))
	f.peer = -1

	// on the loop goroutine, so the write is attempted directly
	require.NoError(t, f.conn.Send([]byte("gone")))
	require.Equal(t, 1, f.closes)
	require.Equal(t, []ConnState{StateConnected, StateDisconnected}, f.states)
	require.True(t, f.conn.Disconnected())
	require.Zero(t, f.conn.OutputBuffer().ReadableBytes(), "nothing is queued after a fatal write")
	require.ErrorIs(t, f.conn.Send([]byte("again")), ErrNotConnected)
}

func TestConnection_ShutdownAfterDrain(t *testing.T) {
	f := newConnFixture(t, WithPollTimeout(10*time.Second))
	require.NoError(t, unix.SetsockoptInt(f.conn.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	var writeCompletes int
	f.conn.SetWriteCompleteCallback(func(*Connection) { writeCompletes++ })
	f.conn.Establish()

	var (
		queued  bool
		pending int
	)
	f.loop.QueueInLoop(func() {
		require.NoError(t, f.conn.Send(payload))
		f.conn.Shutdown()
		queued = f.conn.channel.IsWriting()
		pending = f.conn.OutputBuffer().ReadableBytes()
	})

	done := make(chan struct{})
	var got []byte
	go func() {
		defer close(done)
		buf := make([]byte, 64*1024)
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			n, err := unix.Read(f.peer, buf)
			if n > 0 {
				got = append(got, buf[:n]...)
				continue
			}
			if n == 0 && err == nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	runUntil(t, f.loop, done, 15*time.Second)
	require.True(t, queued, "payload larger than the socket buffer should queue")
	require.NotZero(t, pending)
	require.Equal(t, len(payload), len(got), "every byte arrives before the half-close")
	require.Equal(t, payload, got)
	require.Equal(t, 1, writeCompletes)
	require.Equal(t, StateDisconnecting, f.conn.State())
	require.Equal(t, 0, f.closes)
}

func TestConnection_HighWaterMarkFiresOncePerCrossing(t *testing.T) {
	f := newConnFixture(t, WithPollTimeout(10*time.Second))
	require.NoError(t, unix.SetsockoptInt(f.conn.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	const mark = 1024
	payload := bytes.Repeat([]byte{'h'}, 256*1024)

	var (
		marks          []int
		writeCompletes int
	)
	f.conn.SetHighWaterMarkCallback(func(_ *Connection, buffered int) {
		marks = append(marks, buffered)
	}, mark)
	done := make(chan struct{})
	f.conn.SetWriteCompleteCallback(func(c *Connection) {
		writeCompletes++
		switch writeCompletes {
		case 1:
			// the output drained, so crossing again fires again
			require.NoError(t, c.Send(payload))
		case 2:
			close(done)
		}
	})
	f.conn.Establish()

	var firstPhase int
	f.loop.QueueInLoop(func() {
		require.NoError(t, f.conn.Send(payload))
		require.NoError(t, f.conn.Send(payload))
		require.NoError(t, f.conn.Send(payload))
		f.loop.QueueInLoop(func() {
			firstPhase = len(marks)
			go readAll(t, f.peer, 4*len(payload), 10*time.Second)
		})
	})

	runUntil(t, f.loop, done, 15*time.Second)
	require.Equal(t, 1, firstPhase, "callback fires once while above the mark")
	require.Len(t, marks, 2)
	for _, m := range marks {
		require.GreaterOrEqual(t, m, mark)
	}
	require.Equal(t, 2, writeCompletes)
}

func TestConnection_ForceCloseFromAnotherGoroutine(t *testing.T) {
	f := newConnFixture(t)

	done := make(chan struct{})
	f.closeThenSignal(done)
	f.conn.Establish()

	go f.conn.ForceClose()
	runUntil(t, f.loop, done, 5*time.Second)

	require.Equal(t, 1, f.closes)
	require.Equal(t, []ConnState{StateConnected, StateDisconnected}, f.states)
	require.ErrorIs(t, f.conn.Send([]byte("late")), ErrNotConnected)

	// the descriptor was closed, so the peer sees EOF
	buf := make([]byte, 1)
	n, err := unix.Read(f.peer, buf)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConnection_SendFromAnotherGoroutineKeepsOrder(t *testing.T) {
	f := newConnFixture(t)
	f.conn.Establish()

	const n = 200
	var want strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&want, "%d,", i)
	}

	done := make(chan struct{})
	var got []byte
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			if i%2 == 0 {
				_ = f.conn.SendString(fmt.Sprintf("%d,", i))
			} else {
				_ = f.conn.Send([]byte(fmt.Sprintf("%d,", i)))
			}
		}
		got = readAll(t, f.peer, want.Len(), 5*time.Second)
	}()

	runUntil(t, f.loop, done, 10*time.Second)
	require.Equal(t, want.String(), string(got))
}

func TestConnection_SendBufferConsumes(t *testing.T) {
	f := newConnFixture(t)
	f.conn.Establish()

	buf := NewBuffer(0)
	buf.AppendString("buffered")
	require.NoError(t, f.conn.SendBuffer(buf))
	require.Zero(t, buf.ReadableBytes())
	require.Equal(t, "buffered", string(readAll(t, f.peer, 8, time.Second)))
}

func TestConnection_StopStartRead(t *testing.T) {
	f := newConnFixture(t)

	var messages, early int
	done := make(chan struct{})
	f.conn.SetMessageCallback(func(c *Connection, buf *Buffer, _ time.Time) {
		buf.RetrieveAll()
		messages++
		close(done)
	})
	f.conn.Establish()
	f.conn.StopRead()
	require.False(t, f.conn.IsReading())
	require.False(t, f.conn.channel.IsReading())

	_, err := unix.Write(f.peer, []byte("x"))
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		f.loop.QueueInLoop(func() {
			early = messages
			f.conn.StartRead()
		})
	}()

	runUntil(t, f.loop, done, 5*time.Second)
	require.Zero(t, early, "no reads while read interest is off")
	require.Equal(t, 1, messages)
	require.True(t, f.conn.IsReading())
}

func TestConnection_Context(t *testing.T) {
	f := newConnFixture(t)
	require.Nil(t, f.conn.Context())
	f.conn.SetContext("session")
	require.Equal(t, "session", f.conn.Context())
	require.Equal(t, "test-conn", f.conn.Name())
	require.Zero(t, f.conn.ID())
	require.Same(t, f.loop, f.conn.Loop())
}

func TestConnState_String(t *testing.T) {
	for _, tc := range []struct {
		state ConnState
		want  string
	}{
		{StateConnecting, "Connecting"},
		{StateConnected, "Connected"},
		{StateDisconnecting, "Disconnecting"},
		{StateDisconnected, "Disconnected"},
		{ConnState(42), "Unknown"},
	} {
		assert.Equal(t, tc.want, tc.state.String())
	}
}

//go:build linux

package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannel_HandleEventOrder(t *testing.T) {
	loop := newTestLoop(t)

	for _, tc := range []struct {
		name    string
		revents IOEvents
		want    []string
	}{
		{"none", EventNone, nil},
		{"read", EventRead, []string{"read"}},
		{"priority", EventPriority, []string{"read"}},
		{"write", EventWrite, []string{"write"}},
		{"hangup", EventHangup, []string{"close"}},
		{"hangup with read", EventHangup | EventRead, []string{"read"}},
		{"error", EventError, []string{"error"}},
		{"everything", EventHangup | EventError | EventRead | EventWrite, []string{"error", "read", "write"}},
		{"hangup error write", EventHangup | EventError | EventWrite, []string{"close", "error", "write"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var got []string
			ch := NewChannel(loop, -1)
			ch.SetReadCallback(func(time.Time) { got = append(got, "read") })
			ch.SetWriteCallback(func() { got = append(got, "write") })
			ch.SetCloseCallback(func() { got = append(got, "close") })
			ch.SetErrorCallback(func() { got = append(got, "error") })
			ch.setRevents(tc.revents)
			ch.HandleEvent(time.Now())
			require.Equal(t, tc.want, got)
		})
	}
}

func TestChannel_GuardSuppressesDispatch(t *testing.T) {
	loop := newTestLoop(t)

	var (
		alive = true
		reads int
	)
	ch := NewChannel(loop, -1)
	ch.SetReadCallback(func(time.Time) { reads++ })
	ch.Tie(GuardFunc(func() bool { return alive }))
	ch.setRevents(EventRead)

	ch.HandleEvent(time.Now())
	require.Equal(t, 1, reads)

	alive = false
	ch.HandleEvent(time.Now())
	require.Equal(t, 1, reads)
}

func TestChannel_MissingCallbacks(t *testing.T) {
	loop := newTestLoop(t)
	ch := NewChannel(loop, -1)
	ch.setRevents(EventRead | EventWrite | EventError | EventHangup)
	require.NotPanics(t, func() { ch.HandleEvent(time.Now()) })
}

func TestChannel_Interest(t *testing.T) {
	loop := newTestLoop(t)
	r, w := socketPair(t)
	defer closeFD(r)
	defer closeFD(w)

	ch := NewChannel(loop, r)
	require.True(t, ch.IsNoneEvent())

	require.NoError(t, ch.EnableReading())
	require.True(t, ch.IsReading())
	require.False(t, ch.IsWriting())
	require.True(t, loop.HasChannel(ch))

	require.NoError(t, ch.EnableWriting())
	require.True(t, ch.IsWriting())
	require.Equal(t, readInterest|writeInterest, ch.Events())

	require.NoError(t, ch.DisableWriting())
	require.ErrorIs(t, ch.Remove(), ErrChannelHasInterest)

	require.NoError(t, ch.DisableAll())
	require.NoError(t, ch.Remove())
	require.False(t, loop.HasChannel(ch))
}

func TestChannel_ForeignLoop(t *testing.T) {
	loop := newTestLoop(t)
	other := &EventLoop{}
	ch := NewChannel(other, -1)
	require.ErrorIs(t, loop.UpdateChannel(ch), ErrForeignChannel)
	require.ErrorIs(t, loop.RemoveChannel(ch), ErrForeignChannel)
	require.False(t, loop.HasChannel(ch))
}

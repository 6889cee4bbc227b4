//go:build linux

package reactor

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func requireRegions(t *testing.T, b *Buffer, readable, writable, prependable int) {
	t.Helper()
	require.Equal(t, readable, b.ReadableBytes(), "readable")
	require.Equal(t, writable, b.WritableBytes(), "writable")
	require.Equal(t, prependable, b.PrependableBytes(), "prependable")
}

func TestBuffer_AppendRetrieve(t *testing.T) {
	b := NewBuffer(0)
	requireRegions(t, b, 0, InitialSize, CheapPrepend)

	b.AppendString(strings.Repeat("x", 200))
	requireRegions(t, b, 200, InitialSize-200, CheapPrepend)

	s := b.RetrieveAsString(50)
	require.Equal(t, strings.Repeat("x", 50), s)
	requireRegions(t, b, 150, InitialSize-200, CheapPrepend+50)

	b.AppendString(strings.Repeat("x", 200))
	requireRegions(t, b, 350, InitialSize-400, CheapPrepend+50)

	require.Equal(t, strings.Repeat("x", 350), b.RetrieveAllAsString())
	requireRegions(t, b, 0, InitialSize, CheapPrepend)
}

func TestBuffer_RoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"small", 100},
		{"exact", InitialSize},
		{"large", 3*InitialSize + 7},
	} {
		t.Run(tc.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{'a', 'b', 'c'}, tc.size/3+1)[:tc.size]
			b := NewBuffer(0)
			b.Append(payload)
			require.Equal(t, tc.size, b.ReadableBytes())
			require.Equal(t, payload, b.RetrieveAllBytes())
			requireRegions(t, b, 0, b.Cap()-CheapPrepend, CheapPrepend)
		})
	}
}

func TestBuffer_Grow(t *testing.T) {
	b := NewBuffer(0)
	b.AppendString(strings.Repeat("y", 400))
	requireRegions(t, b, 400, InitialSize-400, CheapPrepend)

	b.Retrieve(50)
	requireRegions(t, b, 350, InitialSize-400, CheapPrepend+50)

	b.AppendString(strings.Repeat("z", 1000))
	requireRegions(t, b, 1350, 0, CheapPrepend+50)
	require.Equal(t, strings.Repeat("y", 350)+strings.Repeat("z", 1000), string(b.Peek()))

	b.RetrieveAll()
	requireRegions(t, b, 0, 1400, CheapPrepend)
}

func TestBuffer_CompactInsteadOfGrow(t *testing.T) {
	b := NewBuffer(0)
	b.AppendString(strings.Repeat("y", 800))
	b.Retrieve(500)
	requireRegions(t, b, 300, InitialSize-800, CheapPrepend+500)
	capBefore := b.Cap()

	b.AppendString(strings.Repeat("z", 300))
	require.Equal(t, capBefore, b.Cap(), "compaction should not reallocate")
	requireRegions(t, b, 600, InitialSize-600, CheapPrepend)
	require.Equal(t, strings.Repeat("y", 300)+strings.Repeat("z", 300), b.RetrieveAllAsString())
}

func TestBuffer_Prepend(t *testing.T) {
	b := NewBuffer(0)
	b.AppendString(strings.Repeat("p", 200))

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 200)
	b.Prepend(header[:])
	requireRegions(t, b, 204, InitialSize-200, CheapPrepend-4)
	require.Equal(t, uint32(200), binary.BigEndian.Uint32(b.Peek()[:4]))

	require.Panics(t, func() { b.Prepend(make([]byte, CheapPrepend)) })
}

func TestBuffer_RetrieveBounds(t *testing.T) {
	b := NewBuffer(16)
	b.AppendString("hello")

	require.Equal(t, "hello", b.RetrieveAsString(100))
	requireRegions(t, b, 0, 16, CheapPrepend)

	b.AppendString("hello")
	b.Retrieve(100)
	requireRegions(t, b, 0, 16, CheapPrepend)

	assert.Panics(t, func() { b.Retrieve(-1) })
	assert.Panics(t, func() { b.HasWritten(17) })
}

func TestBuffer_BeginWrite(t *testing.T) {
	b := NewBuffer(0)
	n := copy(b.BeginWrite(), "direct")
	b.HasWritten(n)
	require.Equal(t, "direct", b.RetrieveAllAsString())
}

func TestBuffer_ReadFd(t *testing.T) {
	r, w := socketPair(t)
	defer unix.Close(r)
	defer unix.Close(w)

	_, err := unix.Write(w, []byte("0123456789"))
	require.NoError(t, err)

	b := NewBuffer(0)
	n, err := b.ReadFd(r, nil)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, "0123456789", b.RetrieveAllAsString())

	_, err = b.ReadFd(r, nil)
	require.ErrorIs(t, err, unix.EAGAIN)
}

func TestBuffer_ReadFdSpillsIntoScratch(t *testing.T) {
	r, w := socketPair(t)
	defer unix.Close(r)
	defer unix.Close(w)

	payload := make([]byte, ScratchSize+InitialSize/2)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, unix.SetsockoptInt(w, unix.SOL_SOCKET, unix.SO_SNDBUF, 4*len(payload)))
	var sent int
	for sent < len(payload) {
		n, err := unix.Write(w, payload[sent:])
		if err != nil {
			require.ErrorIs(t, err, unix.EAGAIN)
			time.Sleep(time.Millisecond)
			continue
		}
		sent += n
	}

	b := NewBuffer(0)
	scratch := make([]byte, ScratchSize)
	deadline := time.Now().Add(5 * time.Second)
	for b.ReadableBytes() < len(payload) && time.Now().Before(deadline) {
		if _, err := b.ReadFd(r, scratch); err != nil {
			require.ErrorIs(t, err, unix.EAGAIN)
			time.Sleep(time.Millisecond)
		}
	}
	require.Equal(t, payload, b.RetrieveAllBytes())
	require.Greater(t, b.Cap(), CheapPrepend+InitialSize, "buffer should have grown")
}

func TestBuffer_WriteFd(t *testing.T) {
	r, w := socketPair(t)
	defer unix.Close(r)
	defer unix.Close(w)

	b := NewBuffer(0)
	b.AppendString("written")
	n, err := b.WriteFd(w)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, 7, b.ReadableBytes(), "WriteFd must not consume")

	require.Equal(t, "written", string(readAll(t, r, 7, time.Second)))
}

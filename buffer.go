package reactor

import (
	"golang.org/x/sys/unix"
)

const (
	// CheapPrepend is the size of the reserved prefix at the front of every
	// Buffer. It is never part of the payload.
	CheapPrepend = 8

	// InitialSize is the payload capacity of a Buffer created with
	// NewBuffer(0).
	InitialSize = 1024

	// ScratchSize is the size of the overflow region used by ReadFd.
	ScratchSize = 64 * 1024
)

// Buffer is a growable FIFO byte region modelled as:
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	|                   |     (CONTENT)    |                  |
//	+-------------------+------------------+------------------+
//	|                   |                  |                  |
//	0      <=      readIndex   <=   writeIndex    <=     len(buf)
//
// A Buffer is not safe for concurrent use. Connection buffers are only ever
// touched on the goroutine of the owning EventLoop.
type Buffer struct {
	buf        []byte
	readIndex  int
	writeIndex int
}

// NewBuffer returns an empty Buffer with the given payload capacity, or
// InitialSize if initialSize is not positive.
func NewBuffer(initialSize int) *Buffer {
	if initialSize <= 0 {
		initialSize = InitialSize
	}
	return &Buffer{
		buf:        make([]byte, CheapPrepend+initialSize),
		readIndex:  CheapPrepend,
		writeIndex: CheapPrepend,
	}
}

// ReadableBytes returns the number of unread payload bytes.
func (b *Buffer) ReadableBytes() int { return b.writeIndex - b.readIndex }

// WritableBytes returns the free space after the payload.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writeIndex }

// PrependableBytes returns the space in front of the payload, including the
// reserved prefix.
func (b *Buffer) PrependableBytes() int { return b.readIndex }

// Cap returns the size of the backing storage.
func (b *Buffer) Cap() int { return len(b.buf) }

// Peek returns the readable region. The slice aliases the buffer and is only
// valid until the next mutating call.
func (b *Buffer) Peek() []byte { return b.buf[b.readIndex:b.writeIndex] }

// Retrieve consumes n readable bytes. Consuming everything resets the
// indexes to the end of the reserved prefix.
func (b *Buffer) Retrieve(n int) {
	if n < 0 {
		panic("reactor: negative retrieve")
	}
	if n < b.ReadableBytes() {
		b.readIndex += n
	} else {
		b.RetrieveAll()
	}
}

// RetrieveAll consumes every readable byte.
func (b *Buffer) RetrieveAll() {
	b.readIndex = CheapPrepend
	b.writeIndex = CheapPrepend
}

// RetrieveAsString consumes and returns up to n readable bytes.
func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	s := string(b.buf[b.readIndex : b.readIndex+n])
	b.Retrieve(n)
	return s
}

// RetrieveAllAsString consumes and returns every readable byte.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveAllBytes consumes every readable byte, returning a copy.
func (b *Buffer) RetrieveAllBytes() []byte {
	p := make([]byte, b.ReadableBytes())
	copy(p, b.Peek())
	b.RetrieveAll()
	return p
}

// Append copies p onto the tail, growing or compacting as needed.
func (b *Buffer) Append(p []byte) {
	b.EnsureWritableBytes(len(p))
	b.writeIndex += copy(b.buf[b.writeIndex:], p)
}

// AppendString is Append for strings, without the intermediate copy.
func (b *Buffer) AppendString(s string) {
	b.EnsureWritableBytes(len(s))
	b.writeIndex += copy(b.buf[b.writeIndex:], s)
}

// Prepend copies p immediately in front of the readable region. It panics if
// p does not fit in the prependable space.
func (b *Buffer) Prepend(p []byte) {
	if len(p) > b.PrependableBytes() {
		panic("reactor: prepend exceeds prependable bytes")
	}
	b.readIndex -= len(p)
	copy(b.buf[b.readIndex:], p)
}

// BeginWrite returns the writable region. Pair with HasWritten.
func (b *Buffer) BeginWrite() []byte { return b.buf[b.writeIndex:] }

// HasWritten marks n bytes of the writable region as payload.
func (b *Buffer) HasWritten(n int) {
	if n < 0 || n > b.WritableBytes() {
		panic("reactor: written bytes out of range")
	}
	b.writeIndex += n
}

// EnsureWritableBytes guarantees at least n writable bytes.
func (b *Buffer) EnsureWritableBytes(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		// compaction alone can't cover it, grow to exactly fit
		grown := make([]byte, b.writeIndex+n)
		copy(grown, b.buf[:b.writeIndex])
		b.buf = grown
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[CheapPrepend:], b.buf[b.readIndex:b.writeIndex])
	b.readIndex = CheapPrepend
	b.writeIndex = CheapPrepend + readable
}

// ReadFd performs a single scatter read from fd into the writable region and,
// when that region is smaller than scratch, into scratch as well. Bytes that
// landed in scratch are appended. A nil scratch allocates a ScratchSize
// region for this call.
//
// The returned error is the raw errno; n is zero on error and on EOF.
func (b *Buffer) ReadFd(fd int, scratch []byte) (int, error) {
	if scratch == nil {
		scratch = make([]byte, ScratchSize)
	}
	writable := b.WritableBytes()
	iovs := [][]byte{b.buf[b.writeIndex:], scratch}
	if writable >= len(scratch) {
		iovs = iovs[:1]
	}
	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return 0, err
	}
	if n <= writable {
		b.writeIndex += n
	} else {
		b.writeIndex = len(b.buf)
		b.Append(scratch[:n-writable])
	}
	return n, nil
}

// WriteFd writes the whole readable region to fd with a single call. It does
// not consume anything, the caller retrieves what was written.
func (b *Buffer) WriteFd(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if n < 0 {
		n = 0
	}
	return n, err
}

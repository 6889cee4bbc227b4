package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Standard errors.
var (
	// ErrLoopExists is returned by NewEventLoop when the calling goroutine
	// already owns an EventLoop.
	ErrLoopExists = errors.New("reactor: goroutine already owns an event loop")

	// ErrNotInLoopGoroutine is returned when a loop-affine operation is
	// attempted from a goroutine other than the loop's owner.
	ErrNotInLoopGoroutine = errors.New("reactor: not on the event loop goroutine")

	// ErrLoopRunning is returned by Loop when it is already running, and by
	// Close when it has not yet returned.
	ErrLoopRunning = errors.New("reactor: loop is already running")

	// ErrLoopClosed is returned by operations on a closed loop.
	ErrLoopClosed = errors.New("reactor: loop is closed")

	// ErrChannelHasInterest is returned when removing a Channel that still
	// has a non-empty interest set.
	ErrChannelHasInterest = errors.New("reactor: channel still has interest")

	// ErrChannelNotRegistered is returned when removing a Channel its Poller
	// does not know.
	ErrChannelNotRegistered = errors.New("reactor: channel not registered")

	// ErrForeignChannel is returned when a Channel is used with a loop other
	// than its owner.
	ErrForeignChannel = errors.New("reactor: channel belongs to another loop")

	// ErrNotConnected is returned when sending on a connection that is not
	// in the connected state.
	ErrNotConnected = errors.New("reactor: connection is not connected")

	// ErrServerClosed is returned by operations on a closed Server.
	ErrServerClosed = errors.New("reactor: server closed")

	// ErrPoolStarted is returned when starting a LoopThreadPool twice.
	ErrPoolStarted = errors.New("reactor: pool already started")

	// ErrThreadStarted is returned when starting a Thread twice.
	ErrThreadStarted = errors.New("reactor: thread already started")
)

// FDError records a failed operation on a descriptor.
type FDError struct {
	Err error
	Op  string
	FD  int
}

func (e *FDError) Error() string {
	if e.FD < 0 {
		return fmt.Sprintf("reactor: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("reactor: %s fd %d: %v", e.Op, e.FD, e.Err)
}

func (e *FDError) Unwrap() error { return e.Err }

// isTransient reports would-block class errors, retried on the next
// readiness notification.
func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EWOULDBLOCK) ||
		errors.Is(err, unix.EINTR)
}

// isConnectionFatal reports errors that end a connection.
func isConnectionFatal(err error) bool {
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
}

// isExhaustion reports descriptor table exhaustion on accept.
func isExhaustion(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE)
}

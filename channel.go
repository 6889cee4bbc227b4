package reactor

import (
	"time"
)

const (
	readInterest  = EventRead | EventPriority
	writeInterest = EventWrite
)

// Guard reports whether the owner of a Channel's callbacks is still live.
type Guard interface {
	Alive() bool
}

// GuardFunc adapts a function to Guard.
type GuardFunc func() bool

func (f GuardFunc) Alive() bool { return f() }

// Channel binds a descriptor to an interest set and the callbacks that handle
// its readiness. A Channel does not own its descriptor.
//
// All methods must be called on the goroutine of the owning EventLoop.
type Channel struct {
	loop          *EventLoop
	guard         Guard
	readCallback  func(time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()
	fd            int
	events        IOEvents
	revents       IOEvents
	index         registration
}

// NewChannel returns a Channel for fd, owned by loop. Nothing is registered
// until an Enable method is called.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:  loop,
		fd:    fd,
		index: channelNew,
	}
}

func (c *Channel) Fd() int { return c.fd }

func (c *Channel) Loop() *EventLoop { return c.loop }

// Events returns the interest set.
func (c *Channel) Events() IOEvents { return c.events }

// Revents returns the events observed by the last poll.
func (c *Channel) Revents() IOEvents { return c.revents }

func (c *Channel) setRevents(revents IOEvents) { c.revents = revents }

func (c *Channel) SetReadCallback(fn func(receiveTime time.Time)) { c.readCallback = fn }

func (c *Channel) SetWriteCallback(fn func()) { c.writeCallback = fn }

func (c *Channel) SetCloseCallback(fn func()) { c.closeCallback = fn }

func (c *Channel) SetErrorCallback(fn func()) { c.errorCallback = fn }

// Tie guards dispatch: once tied, HandleEvent does nothing unless
// guard.Alive() reports true.
func (c *Channel) Tie(guard Guard) { c.guard = guard }

func (c *Channel) IsNoneEvent() bool { return c.events == EventNone }

func (c *Channel) IsReading() bool { return c.events&readInterest != 0 }

func (c *Channel) IsWriting() bool { return c.events&writeInterest != 0 }

func (c *Channel) EnableReading() error {
	c.events |= readInterest
	return c.update()
}

func (c *Channel) DisableReading() error {
	c.events &^= readInterest
	return c.update()
}

func (c *Channel) EnableWriting() error {
	c.events |= writeInterest
	return c.update()
}

func (c *Channel) DisableWriting() error {
	c.events &^= writeInterest
	return c.update()
}

func (c *Channel) DisableAll() error {
	c.events = EventNone
	return c.update()
}

// Remove deregisters the Channel from its loop. The interest set must be
// empty.
func (c *Channel) Remove() error {
	return c.loop.RemoveChannel(c)
}

func (c *Channel) update() error {
	return c.loop.UpdateChannel(c)
}

// HandleEvent dispatches the last observed events. Each matching category
// fires, in this order: hangup without readable (close), error, readable or
// priority (read), writable (write).
func (c *Channel) HandleEvent(receiveTime time.Time) {
	if c.guard != nil && !c.guard.Alive() {
		return
	}
	c.handleEventWithGuard(receiveTime)
}

func (c *Channel) handleEventWithGuard(receiveTime time.Time) {
	revents := c.revents
	c.loop.logger.Trace().
		Int("fd", c.fd).
		Str("revents", revents.String()).
		Log("channel handle event")

	if revents&EventHangup != 0 && revents&EventRead == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if revents&EventError != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if revents&(EventRead|EventPriority) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if revents&EventWrite != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}

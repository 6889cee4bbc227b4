package reactor

import (
	"time"
)

// IOEvents is the bitmask of readiness conditions, used both for a
// Channel's interest set and for the events observed by the Poller.
type IOEvents uint32

const (
	// EventRead signals the descriptor is readable.
	EventRead IOEvents = 1 << iota
	// EventPriority signals urgent (out-of-band) data.
	EventPriority
	// EventWrite signals the descriptor is writable.
	EventWrite
	// EventError signals an error condition. Observed only.
	EventError
	// EventHangup signals the peer hung up. Observed only.
	EventHangup
)

// EventNone is the empty interest set.
const EventNone IOEvents = 0

// String renders the set as a "|" separated list, e.g. "IN|OUT".
func (e IOEvents) String() string {
	if e == 0 {
		return "NONE"
	}
	var s string
	add := func(flag IOEvents, name string) {
		if e&flag != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(EventRead, "IN")
	add(EventPriority, "PRI")
	add(EventWrite, "OUT")
	add(EventError, "ERR")
	add(EventHangup, "HUP")
	return s
}

// registration is the Poller's bookkeeping for a Channel.
type registration int

const (
	// channelNew means the Channel is unknown to the Poller.
	channelNew registration = -1
	// channelAdded means the descriptor is registered with the OS.
	channelAdded registration = 1
	// channelDeleted means the OS registration was dropped because the
	// interest set became empty, but the Poller still tracks the Channel.
	channelDeleted registration = 2
)

func (r registration) String() string {
	switch r {
	case channelNew:
		return "new"
	case channelAdded:
		return "added"
	case channelDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Poller abstracts the OS readiness facility. It holds the authoritative
// descriptor to Channel registry of one EventLoop, and is only ever used from
// that loop's goroutine.
type Poller interface {
	// Poll waits up to timeout for readiness, appends the ready channels to
	// active in the order the OS reported them, and returns the time the wait
	// returned.
	Poll(timeout time.Duration, active []*Channel) (time.Time, []*Channel, error)

	// UpdateChannel syncs the OS registration with ch's interest set.
	UpdateChannel(ch *Channel) error

	// RemoveChannel forgets ch. Its interest set must already be empty.
	RemoveChannel(ch *Channel) error

	// HasChannel reports whether ch is the Channel registered for its
	// descriptor.
	HasChannel(ch *Channel) bool

	// Close releases the OS resources.
	Close() error
}

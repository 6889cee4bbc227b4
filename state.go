package reactor

import (
	"sync/atomic"
)

// ConnState is the lifecycle state of a Connection.
//
// State Machine:
//
//	StateConnecting → StateConnected       [connectEstablished]
//	StateConnected → StateDisconnecting    [Shutdown, ForceClose]
//	StateConnected → StateDisconnected     [peer close, error, destroy]
//	StateDisconnecting → StateDisconnected [close after half-close]
//	StateDisconnected → (terminal)
//
// Transitions happen only on the owning loop's goroutine, except the
// Connected → Disconnecting step of Shutdown and ForceClose, which is a CAS
// so that foreign goroutines may request it.
type ConnState int32

const (
	// StateConnecting indicates the connection is not yet active.
	StateConnecting ConnState = iota
	// StateConnected indicates the connection is established.
	StateConnected
	// StateDisconnecting indicates a local close was requested but not yet
	// completed.
	StateDisconnecting
	// StateDisconnected indicates the connection is closed.
	StateDisconnected
)

// String returns a human-readable representation of the state.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// connState is an atomic ConnState.
type connState struct {
	v atomic.Int32
}

func (s *connState) Load() ConnState { return ConnState(s.v.Load()) }

func (s *connState) Store(state ConnState) { s.v.Store(int32(state)) }

func (s *connState) TryTransition(from, to ConnState) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

package reactor

import (
	"time"
)

type (
	// ConnectionCallback fires when a connection comes up, and again when it
	// goes down. Check Connection.Connected to tell which.
	ConnectionCallback func(conn *Connection)

	// MessageCallback fires when bytes arrive. Whatever the callback leaves
	// in buf stays there for the next call.
	MessageCallback func(conn *Connection, buf *Buffer, receiveTime time.Time)

	// WriteCompleteCallback fires once the output buffer has been flushed.
	WriteCompleteCallback func(conn *Connection)

	// HighWaterMarkCallback fires when the output buffer grows to at least
	// the connection's high water mark, with the buffered byte count.
	HighWaterMarkCallback func(conn *Connection, buffered int)

	// CloseCallback is the owner's notification that a connection closed.
	CloseCallback func(conn *Connection)

	// ThreadInitCallback runs on a worker loop's goroutine before it polls.
	ThreadInitCallback func(loop *EventLoop)
)

// DefaultConnectionCallback logs the transition.
func DefaultConnectionCallback(conn *Connection) {
	conn.logger.Debug().
		Str("local", addrString(conn.LocalAddr())).
		Str("peer", addrString(conn.PeerAddr())).
		Str("state", conn.State().String()).
		Log("connection")
}

// DefaultMessageCallback discards everything received.
func DefaultMessageCallback(_ *Connection, buf *Buffer, _ time.Time) {
	buf.RetrieveAll()
}

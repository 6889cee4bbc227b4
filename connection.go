package reactor

import (
	"bytes"
	"net"
	"time"

	"github.com/joeycumines/go-reactor/internal/sockets"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// connOwner is the authoritative table a Connection is registered in. The
// Connection's Channel only dispatches while the table still maps its name
// to it.
type connOwner interface {
	lookup(name string) (*Connection, bool)
}

// Connection is one established TCP connection, bound for its lifetime to a
// single EventLoop. Every field not documented otherwise is only touched on
// that loop's goroutine.
//
// Send, Shutdown, ForceClose, StartRead and StopRead may be called from any
// goroutine.
type Connection struct {
	context any

	loop    *EventLoop
	channel *Channel
	owner   connOwner
	logger  *logiface.Logger[logiface.Event]
	metrics *serverMetrics

	localAddr *net.TCPAddr
	peerAddr  *net.TCPAddr

	input  *Buffer
	output *Buffer

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback

	name string

	id            uint64
	fd            int
	highWaterMark int

	state connState

	reading            bool
	aboveHighWaterMark bool
	destroyed          bool
}

// NewConnection wraps the connected, non-blocking descriptor fd. The
// Connection takes ownership of fd and closes it once destroyed. Keep-alive
// is enabled.
//
// Nothing happens until Establish runs on loop.
func NewConnection(loop *EventLoop, name string, fd int, localAddr, peerAddr *net.TCPAddr) *Connection {
	return newConnection(loop, name, 0, fd, localAddr, peerAddr, true)
}

func newConnection(loop *EventLoop, name string, id uint64, fd int, localAddr, peerAddr *net.TCPAddr, keepAlive bool) *Connection {
	c := &Connection{
		loop:               loop,
		channel:            NewChannel(loop, fd),
		logger:             loop.logger,
		localAddr:          localAddr,
		peerAddr:           peerAddr,
		input:              NewBuffer(0),
		output:             NewBuffer(0),
		connectionCallback: DefaultConnectionCallback,
		messageCallback:    DefaultMessageCallback,
		name:               name,
		id:                 id,
		fd:                 fd,
		highWaterMark:      DefaultHighWaterMark,
	}
	c.state.Store(StateConnecting)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)

	c.logger.Debug().
		Str("conn", name).
		Int("fd", fd).
		Log("connection created")

	if err := sockets.SetKeepAlive(fd, keepAlive); err != nil {
		c.logger.Warning().Err(err).Str("conn", name).Log("failed to set keep-alive")
	}
	return c
}

func (c *Connection) Name() string { return c.name }

// ID is the server assigned sequence number, zero for standalone
// connections.
func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) Loop() *EventLoop { return c.loop }

func (c *Connection) LocalAddr() *net.TCPAddr { return c.localAddr }

func (c *Connection) PeerAddr() *net.TCPAddr { return c.peerAddr }

func (c *Connection) State() ConnState { return c.state.Load() }

func (c *Connection) Connected() bool { return c.state.Load() == StateConnected }

func (c *Connection) Disconnected() bool { return c.state.Load() == StateDisconnected }

// InputBuffer returns the receive buffer. Loop goroutine only.
func (c *Connection) InputBuffer() *Buffer { return c.input }

// OutputBuffer returns the unsent bytes. Loop goroutine only.
func (c *Connection) OutputBuffer() *Buffer { return c.output }

// Context returns the value set by SetContext. Loop goroutine only.
func (c *Connection) Context() any { return c.context }

// SetContext attaches an arbitrary value to the connection. Loop goroutine
// only.
func (c *Connection) SetContext(v any) { c.context = v }

func (c *Connection) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }

func (c *Connection) SetMessageCallback(cb MessageCallback) { c.messageCallback = cb }

func (c *Connection) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }

// SetHighWaterMarkCallback fires cb when the output buffer grows from below
// mark to at least mark.
func (c *Connection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}

// SetCloseCallback sets the owner notification, fired after the connection
// callback once the connection closes.
func (c *Connection) SetCloseCallback(cb CloseCallback) { c.closeCallback = cb }

func (c *Connection) SetTCPNoDelay(on bool) error { return sockets.SetTCPNoDelay(c.fd, on) }

func (c *Connection) SetKeepAlive(on bool) error { return sockets.SetKeepAlive(c.fd, on) }

// Establish activates the connection on its loop. Servers do this
// themselves; it is only needed for standalone connections.
func (c *Connection) Establish() {
	c.loop.runMessage(message{kind: messageEstablish, conn: c})
}

// Destroy deregisters the connection and closes its descriptor on its loop.
// Servers do this themselves; it is only needed for standalone connections.
func (c *Connection) Destroy() {
	c.loop.post(message{kind: messageDestroy, conn: c})
}

// Send writes p, or queues it behind bytes not yet written. Calls from other
// goroutines copy p and are serialized in call order through the loop.
func (c *Connection) Send(p []byte) error {
	if c.state.Load() != StateConnected {
		return ErrNotConnected
	}
	if c.loop.IsInLoopGoroutine() {
		c.sendInLoop(p)
		return nil
	}
	data := bytes.Clone(p)
	c.loop.QueueInLoop(func() { c.sendInLoop(data) })
	return nil
}

// SendString is Send for strings.
func (c *Connection) SendString(s string) error {
	if c.state.Load() != StateConnected {
		return ErrNotConnected
	}
	if c.loop.IsInLoopGoroutine() {
		c.sendInLoop([]byte(s))
		return nil
	}
	c.loop.QueueInLoop(func() { c.sendInLoop([]byte(s)) })
	return nil
}

// SendBuffer sends and consumes every readable byte of buf.
func (c *Connection) SendBuffer(buf *Buffer) error {
	if c.state.Load() != StateConnected {
		return ErrNotConnected
	}
	if c.loop.IsInLoopGoroutine() {
		c.sendInLoop(buf.Peek())
		buf.RetrieveAll()
		return nil
	}
	data := buf.RetrieveAllBytes()
	c.loop.QueueInLoop(func() { c.sendInLoop(data) })
	return nil
}

func (c *Connection) sendInLoop(p []byte) {
	if c.state.Load() == StateDisconnected {
		c.logger.Warning().Str("conn", c.name).Log("disconnected, give up writing")
		return
	}

	var (
		written    int
		remaining  = len(p)
		faultError bool
	)

	// nothing queued, try writing directly
	if !c.channel.IsWriting() && c.output.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, p)
		switch {
		case err == nil:
			written = n
			remaining -= n
			c.metrics.written(n)
			if remaining == 0 && c.writeCompleteCallback != nil {
				cb := c.writeCompleteCallback
				c.loop.QueueInLoop(func() { cb(c) })
			}
		case !isTransient(err):
			c.logger.Err().Limit().Err(err).Str("conn", c.name).Log("send failed")
			faultError = isConnectionFatal(err)
		}
	}

	if faultError {
		c.handleClose()
		return
	}
	if remaining == 0 {
		return
	}

	oldLen := c.output.ReadableBytes()
	if oldLen+remaining >= c.highWaterMark && !c.aboveHighWaterMark {
		c.aboveHighWaterMark = true
		c.metrics.highWater()
		if cb := c.highWaterMarkCallback; cb != nil {
			buffered := oldLen + remaining
			c.loop.QueueInLoop(func() { cb(c, buffered) })
		}
	}
	c.output.Append(p[written:])
	if !c.channel.IsWriting() {
		if err := c.channel.EnableWriting(); err != nil {
			c.logger.Err().Err(err).Str("conn", c.name).Log("failed to enable writing")
		}
	}
}

// Shutdown closes the write half once every queued byte has been sent.
func (c *Connection) Shutdown() {
	if c.state.TryTransition(StateConnected, StateDisconnecting) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *Connection) shutdownInLoop() {
	if c.destroyed || c.state.Load() == StateDisconnected {
		return
	}
	if c.channel.IsWriting() {
		// handleWrite finishes the job once the output drains
		return
	}
	if err := sockets.ShutdownWrite(c.fd); err != nil {
		c.logger.Err().Err(err).Str("conn", c.name).Log("shutdown write failed")
	}
}

// ForceClose closes the connection without waiting for queued bytes.
func (c *Connection) ForceClose() {
	switch c.state.Load() {
	case StateConnected, StateDisconnecting:
		c.state.TryTransition(StateConnected, StateDisconnecting)
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

func (c *Connection) forceCloseInLoop() {
	switch c.state.Load() {
	case StateConnected, StateDisconnecting:
		if !c.destroyed {
			c.handleClose()
		}
	}
}

// StartRead resumes read interest.
func (c *Connection) StartRead() {
	c.loop.RunInLoop(func() {
		if c.destroyed || c.state.Load() == StateDisconnected {
			return
		}
		if !c.reading || !c.channel.IsReading() {
			if err := c.channel.EnableReading(); err != nil {
				c.logger.Err().Err(err).Str("conn", c.name).Log("failed to start reading")
				return
			}
			c.reading = true
		}
	})
}

// StopRead suspends read interest, to apply backpressure to the peer.
func (c *Connection) StopRead() {
	c.loop.RunInLoop(func() {
		if c.destroyed || c.state.Load() == StateDisconnected {
			return
		}
		if c.reading || c.channel.IsReading() {
			if err := c.channel.DisableReading(); err != nil {
				c.logger.Err().Err(err).Str("conn", c.name).Log("failed to stop reading")
				return
			}
			c.reading = false
		}
	})
}

// IsReading reports whether read interest is enabled. Loop goroutine only.
func (c *Connection) IsReading() bool { return c.reading }

func (c *Connection) connectEstablished() {
	if !c.state.TryTransition(StateConnecting, StateConnected) {
		return
	}
	c.channel.Tie(GuardFunc(c.alive))
	if err := c.channel.EnableReading(); err != nil {
		c.logger.Err().Err(err).Str("conn", c.name).Log("failed to enable reading")
		c.handleClose()
		return
	}
	c.reading = true
	c.connectionCallback(c)
}

func (c *Connection) connectDestroyed() {
	if c.destroyed {
		return
	}
	switch c.state.Load() {
	case StateConnected, StateDisconnecting:
		c.state.Store(StateDisconnected)
		_ = c.channel.DisableAll()
		c.connectionCallback(c)
	default:
		c.state.Store(StateDisconnected)
	}
	c.destroyed = true
	if !c.channel.IsNoneEvent() {
		_ = c.channel.DisableAll()
	}
	if err := c.channel.Remove(); err != nil {
		c.logger.Debug().Err(err).Str("conn", c.name).Log("channel remove")
	}
	if err := closeFD(c.fd); err != nil {
		c.logger.Err().Err(err).Str("conn", c.name).Int("fd", c.fd).Log("close failed")
	}
	c.logger.Debug().Str("conn", c.name).Int("fd", c.fd).Log("connection destroyed")
}

// alive guards channel dispatch. It runs on the loop goroutine.
func (c *Connection) alive() bool {
	if c.destroyed {
		return false
	}
	if c.owner == nil {
		return true
	}
	v, ok := c.owner.lookup(c.name)
	return ok && v == c && v.id == c.id
}

func (c *Connection) handleRead(receiveTime time.Time) {
	if c.state.Load() == StateDisconnected {
		return
	}
	n, err := c.input.ReadFd(c.fd, c.loop.scratch)
	switch {
	case err != nil:
		if isTransient(err) {
			return
		}
		c.logger.Err().Limit().Err(err).Str("conn", c.name).Log("read failed")
		if isConnectionFatal(err) {
			c.handleClose()
			return
		}
		c.handleError()
	case n == 0:
		c.handleClose()
	default:
		c.metrics.read(n)
		c.messageCallback(c, c.input, receiveTime)
	}
}

func (c *Connection) handleWrite() {
	if !c.channel.IsWriting() {
		c.logger.Trace().Str("conn", c.name).Int("fd", c.fd).Log("connection is down, no more writing")
		return
	}
	n, err := c.output.WriteFd(c.fd)
	if err != nil {
		if isTransient(err) {
			return
		}
		c.logger.Err().Limit().Err(err).Str("conn", c.name).Log("write failed")
		if isConnectionFatal(err) {
			c.handleClose()
		}
		return
	}
	c.output.Retrieve(n)
	c.metrics.written(n)
	if c.output.ReadableBytes() < c.highWaterMark {
		c.aboveHighWaterMark = false
	}
	if c.output.ReadableBytes() != 0 {
		return
	}
	if err := c.channel.DisableWriting(); err != nil {
		c.logger.Err().Err(err).Str("conn", c.name).Log("failed to disable writing")
	}
	if cb := c.writeCompleteCallback; cb != nil {
		c.loop.QueueInLoop(func() { cb(c) })
	}
	if c.state.Load() == StateDisconnecting {
		c.shutdownInLoop()
	}
}

// handleClose runs the close sequence exactly once.
func (c *Connection) handleClose() {
	if c.state.Load() == StateDisconnected {
		return
	}
	c.logger.Debug().
		Str("conn", c.name).
		Int("fd", c.fd).
		Str("state", c.state.Load().String()).
		Log("connection closing")
	c.state.Store(StateDisconnected)
	_ = c.channel.DisableAll()
	c.connectionCallback(c)
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *Connection) handleError() {
	err := sockets.SocketError(c.fd)
	c.logger.Err().Err(err).Str("conn", c.name).Log("connection error")
}

func addrString(addr *net.TCPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

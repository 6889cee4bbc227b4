package reactor

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/joeycumines/go-reactor/internal/sockets"
	"github.com/joeycumines/logiface"
	"github.com/puzpuzpuz/xsync/v3"
)

// Server accepts TCP connections on its base loop and spreads them round
// robin over a pool of worker loops.
//
// NewServer may be called anywhere; Start, Close and the Set methods belong
// to the base loop's goroutine. Callbacks must be set before Start.
type Server struct {
	loop     *EventLoop
	acceptor *Acceptor
	pool     *LoopThreadPool
	logger   *logiface.Logger[logiface.Event]
	metrics  *serverMetrics

	// connections is the authoritative owner of every live Connection. It is
	// only written on the base loop, but read by guards on worker loops.
	connections *xsync.MapOf[string, *Connection]

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	threadInit            ThreadInitCallback

	name   string
	ipPort string

	// nextConnID is only touched on the base loop
	nextConnID    uint64
	highWaterMark int

	started atomic.Bool
	closed  atomic.Bool

	keepAlive  bool
	tcpNoDelay bool
}

// NewServer binds a listening socket to address ("host:port", port 0 picks
// a free port) for the accepting loop. Bind failures are returned.
func NewServer(loop *EventLoop, address, name string, opts ...ServerOption) (*Server, error) {
	cfg, err := resolveServerOptions(opts)
	if err != nil {
		return nil, err
	}
	addr, err := sockets.ResolveTCPAddr(address)
	if err != nil {
		return nil, err
	}

	logger := cfg.logger
	if logger == nil {
		logger = loop.logger
	}

	acceptor, err := NewAcceptor(loop, addr, cfg.reusePort)
	if err != nil {
		logger.Crit().Err(err).Str("server", name).Str("addr", address).Log("failed to create acceptor")
		return nil, err
	}

	s := &Server{
		loop:               loop,
		acceptor:           acceptor,
		logger:             logger,
		connections:        xsync.NewMapOf[string, *Connection](),
		connectionCallback: DefaultConnectionCallback,
		messageCallback:    DefaultMessageCallback,
		threadInit:         cfg.threadInit,
		name:               name,
		ipPort:             acceptor.Addr().String(),
		highWaterMark:      cfg.highWaterMark,
		keepAlive:          cfg.keepAlive,
		tcpNoDelay:         cfg.tcpNoDelay,
	}
	s.metrics = cfg.metrics.forServer(name, s.ConnectionCount)

	acceptor.logger = logger
	acceptor.metrics = s.metrics
	acceptor.SetNewConnectionCallback(s.newConnection)

	loopOpts := append([]LoopOption{WithLogger(logger), WithMetrics(cfg.metrics)}, cfg.loopOptions...)
	s.pool = NewLoopThreadPool(loop, name, loopOpts...)
	s.pool.SetThreadNum(cfg.threadNum)

	return s, nil
}

func (s *Server) Name() string { return s.name }

// IPPort returns the bound listen address, e.g. "127.0.0.1:9000".
func (s *Server) IPPort() string { return s.ipPort }

// Addr returns the bound listen address.
func (s *Server) Addr() *net.TCPAddr { return s.acceptor.Addr() }

// Loop returns the accepting loop.
func (s *Server) Loop() *EventLoop { return s.loop }

// Pool returns the worker pool.
func (s *Server) Pool() *LoopThreadPool { return s.pool }

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int { return s.connections.Size() }

// Connection looks up a live connection by name.
func (s *Server) Connection(name string) (*Connection, bool) { return s.connections.Load(name) }

func (s *Server) lookup(name string) (*Connection, bool) { return s.connections.Load(name) }

// SetThreadNum sets the number of worker loops. Zero serves every
// connection on the accepting loop.
func (s *Server) SetThreadNum(n int) { s.pool.SetThreadNum(n) }

func (s *Server) SetThreadInitCallback(cb ThreadInitCallback) { s.threadInit = cb }

func (s *Server) SetConnectionCallback(cb ConnectionCallback) { s.connectionCallback = cb }

func (s *Server) SetMessageCallback(cb MessageCallback) { s.messageCallback = cb }

func (s *Server) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }

// SetHighWaterMarkCallback sets the callback, and the mark, given to every
// new connection.
func (s *Server) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	s.highWaterMarkCallback = cb
	if mark > 0 {
		s.highWaterMark = mark
	}
}

// Started reports whether Start has been called.
func (s *Server) Started() bool { return s.started.Load() }

// Start starts the worker loops, then listening. Calling it again does
// nothing. It must run on the base loop's goroutine.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.loop.IsInLoopGoroutine() {
		return ErrNotInLoopGoroutine
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	if _, err := s.pool.Start(s.threadInit); err != nil {
		s.started.Store(false)
		return err
	}
	if err := s.acceptor.Listen(); err != nil {
		s.logger.Crit().Err(err).Str("server", s.name).Log("failed to listen")
		s.pool.abort()
		s.started.Store(false)
		return err
	}
	s.logger.Info().
		Str("server", s.name).
		Str("addr", s.ipPort).
		Int("threads", s.pool.numThread).
		Log("server started")
	return nil
}

// Close stops accepting, destroys every live connection on its loop, and
// stops the worker loops once they have done so. It must run on the base
// loop's goroutine.
func (s *Server) Close() error {
	if !s.loop.IsInLoopGoroutine() {
		return ErrNotInLoopGoroutine
	}
	if !s.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	err := s.acceptor.Close()
	s.connections.Range(func(name string, conn *Connection) bool {
		s.connections.Delete(name)
		conn.loop.runMessage(message{kind: messageDestroy, conn: conn})
		return true
	})
	s.pool.Stop()
	s.logger.Info().Str("server", s.name).Log("server closed")
	return err
}

func (s *Server) newConnection(fd int, peerAddr *net.TCPAddr) {
	ioLoop := s.pool.NextLoop()
	s.nextConnID++
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.ipPort, s.nextConnID)

	s.logger.Info().
		Str("server", s.name).
		Str("conn", connName).
		Str("peer", addrString(peerAddr)).
		Log("new connection")

	localAddr, err := sockets.LocalAddr(fd)
	if err != nil {
		s.logger.Err().Err(err).Str("conn", connName).Log("getsockname failed")
	}

	conn := newConnection(ioLoop, connName, s.nextConnID, fd, localAddr, peerAddr, s.keepAlive)
	conn.owner = s
	conn.logger = s.logger
	conn.metrics = s.metrics
	conn.highWaterMark = s.highWaterMark
	conn.connectionCallback = s.connectionCallback
	conn.messageCallback = s.messageCallback
	conn.writeCompleteCallback = s.writeCompleteCallback
	conn.highWaterMarkCallback = s.highWaterMarkCallback
	conn.closeCallback = s.removeConnection
	if s.tcpNoDelay {
		if err := conn.SetTCPNoDelay(true); err != nil {
			s.logger.Warning().Err(err).Str("conn", connName).Log("failed to set tcp no delay")
		}
	}

	s.connections.Store(connName, conn)
	s.metrics.accept()

	// from here on the base loop only reaches conn through removeConnection
	ioLoop.runMessage(message{kind: messageEstablish, conn: conn})
}

// removeConnection runs on the connection's loop, as its close callback.
func (s *Server) removeConnection(conn *Connection) {
	s.loop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *Server) removeConnectionInLoop(conn *Connection) {
	if _, ok := s.connections.LoadAndDelete(conn.name); !ok {
		// Close got there first
		return
	}
	s.logger.Info().
		Str("server", s.name).
		Str("conn", conn.name).
		Log("remove connection")
	s.metrics.close()
	conn.loop.post(message{kind: messageDestroy, conn: conn})
}

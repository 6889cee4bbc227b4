package main

import (
	"bytes"
	"time"

	"github.com/joeycumines/go-reactor"
	"github.com/joeycumines/logiface"
)

// EchoServer replies to every message with its uppercased bytes.
type EchoServer struct {
	server *reactor.Server
	logger *logiface.Logger[logiface.Event]
}

func NewEchoServer(loop *reactor.EventLoop, cfg *config, logger *logiface.Logger[logiface.Event], m *reactor.Metrics) (*EchoServer, error) {
	server, err := reactor.NewServer(loop, cfg.Listen, cfg.Name,
		reactor.WithThreadNum(cfg.Threads),
		reactor.WithHighWaterMark(cfg.HighWaterMark),
		reactor.WithReusePort(cfg.ReusePort),
		reactor.WithKeepAlive(cfg.KeepAlive),
		reactor.WithTCPNoDelay(cfg.NoDelay),
		reactor.WithServerLogger(logger),
		reactor.WithServerMetrics(m),
		reactor.WithLoopOptions(reactor.WithPollTimeout(cfg.PollTimeout)),
	)
	if err != nil {
		return nil, err
	}
	e := &EchoServer{server: server, logger: logger}
	server.SetConnectionCallback(e.onConnection)
	server.SetMessageCallback(e.onMessage)
	server.SetThreadInitCallback(e.onThreadInit)
	server.SetHighWaterMarkCallback(e.onHighWaterMark, cfg.HighWaterMark)
	server.SetWriteCompleteCallback(e.onWriteComplete)
	return e, nil
}

func (e *EchoServer) Start() error { return e.server.Start() }

func (e *EchoServer) Close() error { return e.server.Close() }

func (e *EchoServer) onThreadInit(loop *reactor.EventLoop) {
	e.logger.Debug().Str("loop", loop.Name()).Log("worker loop started")
}

func (e *EchoServer) onConnection(conn *reactor.Connection) {
	status := "DOWN"
	if conn.Connected() {
		status = "UP"
	}
	e.logger.Info().
		Str("conn", conn.Name()).
		Str("local", conn.LocalAddr().String()).
		Str("peer", conn.PeerAddr().String()).
		Str("status", status).
		Log("connection " + status)
}

func (e *EchoServer) onMessage(conn *reactor.Connection, buf *reactor.Buffer, receiveTime time.Time) {
	msg := bytes.ToUpper(buf.RetrieveAllBytes())
	e.logger.Debug().
		Str("conn", conn.Name()).
		Int("bytes", len(msg)).
		Str("received", receiveTime.Format(time.RFC3339Nano)).
		Log("echo")
	if err := conn.Send(msg); err != nil {
		e.logger.Warning().Limit().Err(err).Str("conn", conn.Name()).Log("echo send failed")
	}
}

// onHighWaterMark stops reading from a peer that is not draining its replies.
func (e *EchoServer) onHighWaterMark(conn *reactor.Connection, buffered int) {
	e.logger.Warning().
		Str("conn", conn.Name()).
		Int("buffered", buffered).
		Log("output above high water mark, pausing reads")
	conn.StopRead()
}

func (e *EchoServer) onWriteComplete(conn *reactor.Connection) {
	if conn.IsReading() {
		return
	}
	e.logger.Debug().Str("conn", conn.Name()).Log("output drained, resuming reads")
	conn.StartRead()
}

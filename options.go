// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// DefaultPollTimeout bounds each readiness wait.
	DefaultPollTimeout = 10 * time.Second

	// DefaultHighWaterMark is the output buffer size at which the high water
	// mark callback fires.
	DefaultHighWaterMark = 64 * 1024 * 1024
)

// loopOptions holds configuration options for EventLoop creation.
type loopOptions struct {
	logger      *logiface.Logger[logiface.Event]
	metrics     *Metrics
	name        string
	pollTimeout time.Duration
}

// --- Loop Options ---

// LoopOption configures an EventLoop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithPollTimeout sets the upper bound of each readiness wait. Cross
// goroutine wakeups return the wait early; the timeout only bounds the delay
// if a wakeup were lost.
func WithPollTimeout(timeout time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if timeout <= 0 {
			return errors.New("reactor: poll timeout must be positive")
		}
		opts.pollTimeout = timeout
		return nil
	}}
}

// WithLogger attaches a logger. A nil logger (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics records loop statistics into m.
func WithMetrics(m *Metrics) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metrics = m
		return nil
	}}
}

// WithName names the loop, for logs and metric labels.
func WithName(name string) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.name = name
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		pollTimeout: DefaultPollTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// --- Server Options ---

// serverOptions holds configuration options for Server creation.
type serverOptions struct {
	logger        *logiface.Logger[logiface.Event]
	metrics       *Metrics
	threadInit    ThreadInitCallback
	loopOptions   []LoopOption
	threadNum     int
	highWaterMark int
	reusePort     bool
	keepAlive     bool
	tcpNoDelay    bool
}

// ServerOption configures a Server instance.
type ServerOption interface {
	applyServer(*serverOptions) error
}

type serverOptionImpl struct {
	applyServerFunc func(*serverOptions) error
}

func (s *serverOptionImpl) applyServer(opts *serverOptions) error {
	return s.applyServerFunc(opts)
}

// WithReusePort sets SO_REUSEPORT on the listening socket. Enabled by
// default.
func WithReusePort(enabled bool) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		opts.reusePort = enabled
		return nil
	}}
}

// WithThreadNum sets the number of worker loops. Zero (the default) serves
// every connection on the accepting loop.
func WithThreadNum(n int) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		if n < 0 {
			return errors.New("reactor: thread num must not be negative")
		}
		opts.threadNum = n
		return nil
	}}
}

// WithHighWaterMark sets the default high water mark of new connections.
func WithHighWaterMark(n int) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		if n <= 0 {
			return errors.New("reactor: high water mark must be positive")
		}
		opts.highWaterMark = n
		return nil
	}}
}

// WithKeepAlive toggles SO_KEEPALIVE on accepted connections. Enabled by
// default.
func WithKeepAlive(enabled bool) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		opts.keepAlive = enabled
		return nil
	}}
}

// WithTCPNoDelay toggles TCP_NODELAY on accepted connections. Disabled by
// default.
func WithTCPNoDelay(enabled bool) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		opts.tcpNoDelay = enabled
		return nil
	}}
}

// WithThreadInit runs fn on each worker loop before it starts polling, or on
// the base loop when there are no workers.
func WithThreadInit(fn ThreadInitCallback) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		opts.threadInit = fn
		return nil
	}}
}

// WithServerLogger attaches a logger to the server, its connections, and its
// worker loops.
func WithServerLogger(logger *logiface.Logger[logiface.Event]) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithServerMetrics records server, connection and worker loop statistics
// into m.
func WithServerMetrics(m *Metrics) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		opts.metrics = m
		return nil
	}}
}

// WithLoopOptions passes options to every worker loop. They are applied after
// the server's own logger, metrics and name options.
func WithLoopOptions(loopOpts ...LoopOption) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		opts.loopOptions = append(opts.loopOptions, loopOpts...)
		return nil
	}}
}

// resolveServerOptions applies ServerOption instances to serverOptions.
func resolveServerOptions(opts []ServerOption) (*serverOptions, error) {
	cfg := &serverOptions{
		highWaterMark: DefaultHighWaterMark,
		reusePort:     true,
		keepAlive:     true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyServer(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

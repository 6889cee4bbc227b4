package reactor

import (
	"context"
	"sync"
)

// LoopThread is a Thread that owns and runs exactly one EventLoop.
type LoopThread struct {
	loop     *EventLoop
	err      error
	thread   *Thread
	init     ThreadInitCallback
	cond     *sync.Cond
	opts     []LoopOption
	mu       sync.Mutex
	exiting  bool
	finished bool
}

// NewLoopThread returns an unstarted LoopThread. init, if non-nil, runs on
// the new loop's goroutine before the loop starts polling.
func NewLoopThread(init ThreadInitCallback, name string, opts ...LoopOption) *LoopThread {
	t := &LoopThread{
		init: init,
		opts: opts,
	}
	t.cond = sync.NewCond(&t.mu)
	t.thread = NewThread(t.threadFunc, name)
	return t
}

// StartLoop starts the thread and waits until its EventLoop exists.
func (t *LoopThread) StartLoop() (*EventLoop, error) {
	if err := t.thread.Start(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.loop == nil && t.err == nil {
		t.cond.Wait()
	}
	return t.loop, t.err
}

func (t *LoopThread) threadFunc() {
	opts := append([]LoopOption{WithName(t.thread.Name())}, t.opts...)
	loop, err := NewEventLoop(opts...)
	if err != nil {
		t.mu.Lock()
		t.err = err
		t.cond.Signal()
		t.mu.Unlock()
		return
	}

	if t.init != nil {
		t.init(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	if err := loop.Loop(context.Background()); err != nil {
		loop.logger.Err().Err(err).Str("loop", loop.Name()).Log("event loop failed")
	}

	t.mu.Lock()
	t.loop = nil
	t.finished = true
	t.mu.Unlock()

	_ = loop.Close()
}

// Stop asks the loop to quit once its pending messages have run, then waits
// for the thread to exit.
func (t *LoopThread) Stop() {
	t.mu.Lock()
	if t.exiting {
		t.mu.Unlock()
		t.thread.Join()
		return
	}
	t.exiting = true
	loop := t.loop
	t.mu.Unlock()

	if loop != nil {
		loop.quitAfterPending()
	}
	t.thread.Join()
}

// Name returns the thread, and loop, name.
func (t *LoopThread) Name() string { return t.thread.Name() }

// Thread returns the underlying Thread.
func (t *LoopThread) Thread() *Thread { return t.thread }

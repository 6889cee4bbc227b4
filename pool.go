package reactor

import (
	"strconv"
)

// LoopThreadPool is a fixed set of LoopThreads handed out round robin. With
// no threads, the base loop serves every request.
//
// Configuration and NextLoop belong to the base loop's goroutine; AllLoops
// may be read anywhere once Start has returned.
type LoopThreadPool struct {
	baseLoop  *EventLoop
	name      string
	opts      []LoopOption
	threads   []*LoopThread
	loops     []*EventLoop
	numThread int
	next      int
	started   bool
}

// NewLoopThreadPool returns an unstarted pool over baseLoop. opts apply to
// every worker loop.
func NewLoopThreadPool(baseLoop *EventLoop, name string, opts ...LoopOption) *LoopThreadPool {
	return &LoopThreadPool{
		baseLoop: baseLoop,
		name:     name,
		opts:     opts,
	}
}

// SetThreadNum sets the number of worker threads Start creates.
func (p *LoopThreadPool) SetThreadNum(n int) { p.numThread = n }

// Start creates the worker threads and waits for every loop to exist. init
// runs on each worker, or on the base loop when there are none.
//
// If a worker fails to start, the workers already running are stopped and
// the error returned. The pool may then be started again.
func (p *LoopThreadPool) Start(init ThreadInitCallback) ([]*EventLoop, error) {
	if p.started {
		return nil, ErrPoolStarted
	}
	p.started = true

	for i := 0; i < p.numThread; i++ {
		t := NewLoopThread(init, p.name+strconv.Itoa(i), p.opts...)
		loop, err := t.StartLoop()
		if err != nil {
			p.baseLoop.logger.Crit().
				Err(err).
				Str("pool", p.name).
				Int("thread", i).
				Log("failed to start loop thread")
			p.abort()
			return nil, err
		}
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, loop)
	}

	if p.numThread == 0 && init != nil {
		init(p.baseLoop)
	}

	return p.AllLoops(), nil
}

// NextLoop returns the worker loops in turn, or the base loop if there are
// none.
func (p *LoopThreadPool) NextLoop() *EventLoop {
	loop := p.baseLoop
	if len(p.loops) != 0 {
		loop = p.loops[p.next]
		p.next++
		if p.next >= len(p.loops) {
			p.next = 0
		}
	}
	return loop
}

// AllLoops returns the worker loops, or just the base loop if there are
// none.
func (p *LoopThreadPool) AllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return append([]*EventLoop(nil), p.loops...)
}

// Stop quits every worker loop and waits for the threads to exit.
func (p *LoopThreadPool) Stop() {
	for _, t := range p.threads {
		t.Stop()
	}
	p.threads = nil
	p.loops = nil
	p.next = 0
}

// abort stops the pool and returns it to its unstarted state.
func (p *LoopThreadPool) abort() {
	p.Stop()
	p.started = false
}

func (p *LoopThreadPool) Started() bool { return p.started }

func (p *LoopThreadPool) Name() string { return p.name }

package reactor

import (
	"sync"
)

// loopRegistry records which goroutine owns which EventLoop. A goroutine may
// own at most one loop at a time.
type loopRegistry struct {
	loops map[uint64]*EventLoop
	mu    sync.Mutex
}

var loops = &loopRegistry{loops: make(map[uint64]*EventLoop)}

func (r *loopRegistry) claim(goroutineID uint64, l *EventLoop) (*EventLoop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.loops[goroutineID]; ok {
		return existing, ErrLoopExists
	}
	r.loops[goroutineID] = l
	return nil, nil
}

func (r *loopRegistry) release(goroutineID uint64, l *EventLoop) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loops[goroutineID] == l {
		delete(r.loops, goroutineID)
	}
}

func (r *loopRegistry) lookup(goroutineID uint64) *EventLoop {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loops[goroutineID]
}

// CurrentLoop returns the EventLoop owned by the calling goroutine, or nil.
func CurrentLoop() *EventLoop {
	return loops.lookup(getGoroutineID())
}

package reactor

import (
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var threadsCreated atomic.Int64

// Thread runs a function on a dedicated goroutine locked to its own OS
// thread.
type Thread struct {
	fn      func()
	done    chan struct{}
	name    string
	mu      sync.Mutex
	tid     int
	started bool
	joined  bool
}

// NewThread returns an unstarted Thread. An empty name defaults to
// "Thread<N>", N counting every Thread created by the process.
func NewThread(fn func(), name string) *Thread {
	n := threadsCreated.Add(1)
	if name == "" {
		name = "Thread" + strconv.FormatInt(n, 10)
	}
	return &Thread{
		fn:   fn,
		done: make(chan struct{}),
		name: name,
	}
}

// Start launches the thread and blocks until it is running on its OS thread,
// so Tid is valid as soon as Start returns.
func (t *Thread) Start() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrThreadStarted
	}
	t.started = true
	t.mu.Unlock()

	ready := make(chan int)
	go func() {
		defer close(t.done)
		runtime.LockOSThread()
		// never unlocked, the OS thread exits with the goroutine
		ready <- unix.Gettid()
		t.fn()
	}()
	tid := <-ready

	t.mu.Lock()
	t.tid = tid
	t.mu.Unlock()
	return nil
}

// Join waits for the thread's function to return. Joining an unstarted
// thread returns immediately.
func (t *Thread) Join() {
	t.mu.Lock()
	started := t.started
	t.joined = started
	t.mu.Unlock()
	if started {
		<-t.done
	}
}

// Joined reports whether Join has been called on a started thread.
func (t *Thread) Joined() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joined
}

// Done is closed once the thread's function has returned.
func (t *Thread) Done() <-chan struct{} { return t.done }

func (t *Thread) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Tid returns the OS thread id, or 0 before Start.
func (t *Thread) Tid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tid
}

func (t *Thread) Name() string { return t.name }

// ThreadsCreated returns the number of Threads created so far.
func ThreadsCreated() int64 { return threadsCreated.Load() }

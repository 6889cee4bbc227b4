package reactor

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

var loopSeq atomic.Uint64

// EventLoop is a single goroutine reactor: it waits on its Poller, dispatches
// the ready Channels, then runs the messages other goroutines queued for it.
//
// An EventLoop belongs to the goroutine that created it. Loop, and every
// method that touches Channels, must be called from that goroutine; RunInLoop,
// QueueInLoop, Wakeup and Quit may be called from anywhere.
type EventLoop struct {
	pollReturnTime time.Time

	logger  *logiface.Logger[logiface.Event]
	metrics *loopMetrics
	poller  Poller

	wakeupChannel  *Channel
	currentChannel *Channel
	activeChannels []*Channel

	// pending is guarded by mu; draining is only touched by the loop
	// goroutine, and is always empty outside doPendingMessages.
	pending  *queue.Queue
	draining *queue.Queue

	// scratch is the overflow region for Buffer.ReadFd, shared by every
	// connection on this loop.
	scratch []byte

	name string

	pollTimeout time.Duration
	goroutineID uint64
	wakeupFd    int

	mu sync.Mutex

	iterations     atomic.Uint64
	threadID       atomic.Int64
	looping        atomic.Bool
	quit           atomic.Bool
	callingPending atomic.Bool
	closed         atomic.Bool

	eventHandling bool
}

// NewEventLoop creates an EventLoop owned by the calling goroutine. It fails
// with ErrLoopExists if the goroutine already owns one, and with an *FDError
// if the poller or the wakeup descriptor cannot be created.
func NewEventLoop(opts ...LoopOption) (*EventLoop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	name := cfg.name
	if name == "" {
		name = "loop-" + strconv.FormatUint(loopSeq.Add(1), 10)
	}

	l := &EventLoop{
		logger:      cfg.logger,
		metrics:     cfg.metrics.forLoop(name),
		pending:     queue.New(),
		draining:    queue.New(),
		scratch:     make([]byte, ScratchSize),
		name:        name,
		pollTimeout: cfg.pollTimeout,
		goroutineID: getGoroutineID(),
		wakeupFd:    -1,
	}

	if existing, err := loops.claim(l.goroutineID, l); err != nil {
		l.logger.Crit().
			Str("loop", name).
			Str("existing", existing.name).
			Uint64("goroutine", l.goroutineID).
			Log("another event loop exists in this goroutine")
		return nil, err
	}

	if l.poller, err = newDefaultPoller(cfg.logger); err != nil {
		loops.release(l.goroutineID, l)
		l.logger.Crit().Err(err).Str("loop", name).Log("failed to create poller")
		return nil, err
	}

	if l.wakeupFd, err = createWakeFd(0, efdNonblock|efdCloexec); err != nil {
		_ = l.poller.Close()
		loops.release(l.goroutineID, l)
		l.logger.Crit().Err(err).Str("loop", name).Log("failed to create wakeup descriptor")
		return nil, err
	}

	l.wakeupChannel = NewChannel(l, l.wakeupFd)
	l.wakeupChannel.SetReadCallback(l.handleWakeup)
	if err = l.wakeupChannel.EnableReading(); err != nil {
		_ = closeFD(l.wakeupFd)
		_ = l.poller.Close()
		loops.release(l.goroutineID, l)
		return nil, err
	}

	l.logger.Debug().
		Str("loop", name).
		Uint64("goroutine", l.goroutineID).
		Log("event loop created")

	return l, nil
}

// Loop runs the reactor until Quit is observed or ctx is done. It must be
// called on the goroutine that created the loop, and locks that goroutine to
// its OS thread for the duration.
//
// It returns ctx.Err() if the context ended the loop, or an error if the
// poller became unusable.
func (l *EventLoop) Loop(ctx context.Context) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if !l.IsInLoopGoroutine() {
		return ErrNotInLoopGoroutine
	}
	if !l.looping.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.looping.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	l.threadID.Store(int64(unix.Gettid()))

	if done := ctx.Done(); done != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				l.Quit()
			case <-stop:
			}
		}()
	}

	l.logger.Debug().Str("loop", l.name).Log("event loop start looping")

	// work queued on this goroutine before Loop never woke the poller
	l.doPendingMessages()

	var err error
	for !l.quit.Load() {
		if err = l.iterate(); err != nil {
			break
		}
	}
	l.quit.Store(false)

	l.logger.Debug().Str("loop", l.name).Log("event loop stop looping")

	if err != nil {
		return err
	}
	return ctx.Err()
}

func (l *EventLoop) iterate() error {
	clear(l.activeChannels)
	now, active, err := l.poller.Poll(l.pollTimeout, l.activeChannels[:0])
	l.activeChannels = active
	l.pollReturnTime = now
	if err != nil {
		return err
	}

	l.iterations.Add(1)
	l.metrics.iteration(len(active))

	l.eventHandling = true
	for _, ch := range active {
		l.currentChannel = ch
		ch.HandleEvent(now)
	}
	l.currentChannel = nil
	l.eventHandling = false

	l.doPendingMessages()
	return nil
}

func (l *EventLoop) doPendingMessages() {
	l.callingPending.Store(true)
	defer l.callingPending.Store(false)

	l.mu.Lock()
	l.pending, l.draining = l.draining, l.pending
	l.mu.Unlock()

	for l.draining.Length() > 0 {
		l.dispatch(l.draining.Remove().(message))
	}
}

func (l *EventLoop) dispatch(m message) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().
				Str("loop", l.name).
				Str("kind", m.kind.String()).
				Any("panic", r).
				Log("pending message panicked")
		}
	}()
	l.metrics.message()
	switch m.kind {
	case messageRun:
		m.fn()
	case messageEstablish:
		m.conn.connectEstablished()
	case messageDestroy:
		m.conn.connectDestroyed()
	case messageQuit:
		l.quit.Store(true)
	}
}

// post appends m to the pending queue. The loop is woken if the caller is
// another goroutine, or if the loop is draining, since in that case m would
// otherwise wait for the next poll to time out.
func (l *EventLoop) post(m message) {
	l.mu.Lock()
	l.pending.Add(m)
	l.mu.Unlock()

	if !l.IsInLoopGoroutine() || l.callingPending.Load() {
		l.Wakeup()
	}
}

// runMessage dispatches m inline on the loop goroutine, otherwise posts it.
func (l *EventLoop) runMessage(m message) {
	if l.IsInLoopGoroutine() {
		l.dispatch(m)
	} else {
		l.post(m)
	}
}

// RunInLoop runs fn immediately if called on the loop goroutine, otherwise
// queues it.
func (l *EventLoop) RunInLoop(fn func()) {
	if l.IsInLoopGoroutine() {
		fn()
	} else {
		l.QueueInLoop(fn)
	}
}

// QueueInLoop queues fn to run on the loop goroutine after the current batch
// of events. It never runs fn inline. Queued functions run in FIFO order.
func (l *EventLoop) QueueInLoop(fn func()) {
	l.post(message{kind: messageRun, fn: fn})
}

// Quit stops the loop after its current iteration. If called from another
// goroutine the loop is woken so the flag is seen promptly.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopGoroutine() {
		l.Wakeup()
	}
}

// quitAfterPending stops the loop once every message queued before it has
// run.
func (l *EventLoop) quitAfterPending() {
	l.post(message{kind: messageQuit})
}

// Wakeup returns the loop from its readiness wait.
func (l *EventLoop) Wakeup() {
	n, err := writeCounter(l.wakeupFd, 1)
	if n != 8 {
		l.logger.Err().
			Err(err).
			Str("loop", l.name).
			Int("bytes", n).
			Log("wakeup writes wrong number of bytes instead of 8")
	}
}

func (l *EventLoop) handleWakeup(time.Time) {
	_, n, err := readCounter(l.wakeupFd)
	if n != 8 {
		if isTransient(err) {
			return
		}
		l.logger.Err().
			Err(err).
			Str("loop", l.name).
			Int("bytes", n).
			Log("wakeup reads wrong number of bytes instead of 8")
		return
	}
	l.metrics.wakeup()
}

// UpdateChannel syncs ch's registration with the poller.
func (l *EventLoop) UpdateChannel(ch *Channel) error {
	if err := l.checkChannel(ch); err != nil {
		return err
	}
	if err := l.poller.UpdateChannel(ch); err != nil {
		l.logger.Crit().
			Err(err).
			Str("loop", l.name).
			Int("fd", ch.fd).
			Log("failed to update channel")
		return err
	}
	return nil
}

// RemoveChannel deregisters ch from the poller.
func (l *EventLoop) RemoveChannel(ch *Channel) error {
	if err := l.checkChannel(ch); err != nil {
		return err
	}
	return l.poller.RemoveChannel(ch)
}

// HasChannel reports whether ch is registered with this loop.
func (l *EventLoop) HasChannel(ch *Channel) bool {
	if l.checkChannel(ch) != nil {
		return false
	}
	return l.poller.HasChannel(ch)
}

func (l *EventLoop) checkChannel(ch *Channel) error {
	switch {
	case ch.loop != l:
		return ErrForeignChannel
	case !l.IsInLoopGoroutine():
		l.logger.Crit().
			Str("loop", l.name).
			Uint64("owner", l.goroutineID).
			Uint64("caller", getGoroutineID()).
			Log("channel used off the loop goroutine")
		return ErrNotInLoopGoroutine
	case l.closed.Load():
		return ErrLoopClosed
	}
	return nil
}

// IsInLoopGoroutine reports whether the caller is the owning goroutine.
func (l *EventLoop) IsInLoopGoroutine() bool {
	return getGoroutineID() == l.goroutineID
}

// AssertInLoopGoroutine panics unless called on the owning goroutine.
func (l *EventLoop) AssertInLoopGoroutine() {
	if !l.IsInLoopGoroutine() {
		panic(fmt.Sprintf("reactor: loop %s was created in goroutine %d, current goroutine is %d",
			l.name, l.goroutineID, getGoroutineID()))
	}
}

// Close releases the poller, the wakeup descriptor, and the goroutine's
// registry slot. The loop must not be running.
func (l *EventLoop) Close() error {
	if l.looping.Load() {
		return ErrLoopRunning
	}
	if !l.closed.CompareAndSwap(false, true) {
		return ErrLoopClosed
	}
	l.wakeupChannel.events = EventNone
	_ = l.poller.RemoveChannel(l.wakeupChannel)
	err := closeFD(l.wakeupFd)
	if perr := l.poller.Close(); err == nil {
		err = perr
	}
	loops.release(l.goroutineID, l)
	l.logger.Debug().Str("loop", l.name).Log("event loop closed")
	return err
}

// Name returns the loop's name.
func (l *EventLoop) Name() string { return l.name }

// ThreadID returns the OS thread id of the running loop, or 0 before Loop
// has started.
func (l *EventLoop) ThreadID() int { return int(l.threadID.Load()) }

// PollReturnTime returns when the last readiness wait returned. Loop
// goroutine only.
func (l *EventLoop) PollReturnTime() time.Time { return l.pollReturnTime }

// Iterations returns the number of completed poll cycles.
func (l *EventLoop) Iterations() uint64 { return l.iterations.Load() }

// EventHandling reports whether the loop is dispatching channel events.
// Loop goroutine only.
func (l *EventLoop) EventHandling() bool { return l.eventHandling }

// Looping reports whether Loop is running.
func (l *EventLoop) Looping() bool { return l.looping.Load() }

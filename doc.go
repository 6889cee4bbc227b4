// Package reactor is a "one loop per thread" TCP networking core for Linux:
// readiness-multiplexed event loops, per-descriptor dispatch, growable I/O
// buffers, and a connection state machine with backpressure and half-close.
//
// # Architecture
//
// An [EventLoop] owns one [Poller] (epoll) and waits on it with a bounded
// timeout. Each ready [Channel] is dispatched in the order the kernel
// reported it, then the loop runs the messages other goroutines queued for
// it, in FIFO order. An eventfd wakes the loop whenever work is queued from
// another goroutine.
//
// A [Server] accepts on its base loop and hands each new [Connection] to the
// next worker loop of its [LoopThreadPool], round robin. From then on the
// connection is only touched on that worker's goroutine, so it needs no
// locks.
//
// # Thread Safety
//
// The loop is single threaded by construction:
//   - [NewEventLoop] binds the loop to the calling goroutine; a goroutine
//     owns at most one loop ([ErrLoopExists])
//   - [EventLoop.Loop] locks that goroutine to its OS thread
//   - [EventLoop.RunInLoop], [EventLoop.QueueInLoop], [EventLoop.Wakeup] and
//     [EventLoop.Quit] are safe to call from any goroutine
//   - [Connection.Send], [Connection.Shutdown] and [Connection.ForceClose]
//     are safe to call from any goroutine; everything else on a connection
//     belongs to its loop
//
// # Backpressure
//
// [Connection.Send] writes directly when nothing is queued, and buffers the
// remainder behind write interest. The [HighWaterMarkCallback] fires once
// each time the output buffer grows to its mark from below, and the
// [WriteCompleteCallback] once the buffer drains. [Connection.Shutdown]
// defers the write half-close until the output buffer is empty.
//
// # Usage
//
//	loop, err := reactor.NewEventLoop()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	srv, err := reactor.NewServer(loop, "127.0.0.1:9000", "echo",
//	    reactor.WithThreadNum(3),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.SetMessageCallback(func(c *reactor.Connection, buf *reactor.Buffer, _ time.Time) {
//	    _ = c.SendString(buf.RetrieveAllAsString())
//	})
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := loop.Loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
//	_ = srv.Close()
package reactor

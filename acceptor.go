package reactor

import (
	"net"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-reactor/internal/sockets"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// NewConnectionCallback receives each accepted descriptor, which it then
// owns.
type NewConnectionCallback func(fd int, peerAddr *net.TCPAddr)

// Acceptor owns a listening socket and its Channel on one loop.
type Acceptor struct {
	loop     *EventLoop
	channel  *Channel
	logger   *logiface.Logger[logiface.Event]
	limiter  *catrate.Limiter
	metrics  *serverMetrics
	callback NewConnectionCallback
	addr     *net.TCPAddr
	fd       int
	// idleFd is a spare descriptor, freed to accept and drop a connection
	// when the process runs out of descriptors
	idleFd int
	// listening is only written on the loop goroutine
	listening bool
}

// NewAcceptor binds a listening socket to addr. Call Listen on the loop
// goroutine to start accepting.
func NewAcceptor(loop *EventLoop, addr *net.TCPAddr, reusePort bool) (*Acceptor, error) {
	fd, err := sockets.NewListener(addr, reusePort)
	if err != nil {
		return nil, err
	}
	bound, err := sockets.LocalAddr(fd)
	if err != nil {
		_ = closeFD(fd)
		return nil, &FDError{Op: "getsockname", FD: fd, Err: err}
	}
	a := &Acceptor{
		loop:    loop,
		channel: NewChannel(loop, fd),
		logger:  loop.logger,
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
		addr:   bound,
		fd:     fd,
		idleFd: openIdleFd(),
	}
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

// SetNewConnectionCallback sets the receiver of accepted descriptors. Without
// one, accepted descriptors are closed immediately.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) { a.callback = cb }

// Addr returns the bound address, with the port resolved if 0 was
// requested.
func (a *Acceptor) Addr() *net.TCPAddr { return a.addr }

func (a *Acceptor) Listening() bool { return a.listening }

// Listen starts listening and registers for readability. Loop goroutine
// only.
func (a *Acceptor) Listen() error {
	if err := sockets.Listen(a.fd); err != nil {
		return err
	}
	if err := a.channel.EnableReading(); err != nil {
		return err
	}
	a.listening = true
	return nil
}

// Close deregisters and closes the listening socket. Loop goroutine only.
func (a *Acceptor) Close() error {
	a.listening = false
	if a.fd < 0 {
		return nil
	}
	_ = a.channel.DisableAll()
	_ = a.channel.Remove()
	err := closeFD(a.fd)
	a.fd = -1
	if a.idleFd >= 0 {
		_ = closeFD(a.idleFd)
		a.idleFd = -1
	}
	return err
}

// dropPending uses the idle descriptor to take one pending connection off
// the queue and close it, otherwise the level-triggered listener would stay
// readable.
func (a *Acceptor) dropPending() {
	if a.idleFd < 0 {
		return
	}
	_ = closeFD(a.idleFd)
	if fd, _, err := sockets.Accept(a.fd); err == nil {
		_ = closeFD(fd)
	}
	a.idleFd = openIdleFd()
}

func openIdleFd() int {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1
	}
	return fd
}

func (a *Acceptor) handleRead(time.Time) {
	fd, peer, err := sockets.Accept(a.fd)
	if err == nil {
		if a.callback != nil {
			a.callback(fd, peer)
		} else {
			_ = closeFD(fd)
		}
		return
	}

	if isTransient(err) || err == unix.ECONNABORTED {
		return
	}
	a.metrics.acceptError()
	if isExhaustion(err) {
		a.dropPending()
	}
	if _, ok := a.limiter.Allow(err); !ok {
		return
	}
	if isExhaustion(err) {
		a.logger.Err().
			Err(err).
			Str("addr", addrString(a.addr)).
			Log("sockfd reached limit")
		return
	}
	a.logger.Err().
		Err(err).
		Str("addr", addrString(a.addr)).
		Log("accept failed")
}

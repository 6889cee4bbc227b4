//go:build linux

package reactor

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// initEventListSize is the initial capacity of the epoll event buffer.
const initEventListSize = 16

// epollPoller implements Poller with level-triggered epoll.
//
// Events are tagged with the descriptor, and resolved back to the Channel via
// the channels map. Pointers are never handed to the kernel.
type epollPoller struct {
	logger   *logiface.Logger[logiface.Event]
	channels map[int]*Channel
	// ctl issues the OS-level registration change, swapped in tests.
	ctl    func(op int, fd int, events uint32) error
	events []unix.EpollEvent
	epfd   int
}

func newDefaultPoller(logger *logiface.Logger[logiface.Event]) (Poller, error) {
	return newEpollPoller(logger)
}

func newEpollPoller(logger *logiface.Logger[logiface.Event]) (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &FDError{Op: "epoll_create1", FD: -1, Err: err}
	}
	p := &epollPoller{
		logger:   logger,
		channels: make(map[int]*Channel),
		events:   make([]unix.EpollEvent, initEventListSize),
		epfd:     epfd,
	}
	p.ctl = p.epollCtl
	return p, nil
}

func (p *epollPoller) Close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	return err
}

func (p *epollPoller) Poll(timeout time.Duration, active []*Channel) (time.Time, []*Channel, error) {
	n, err := unix.EpollWait(p.epfd, p.events, durationToMs(timeout))
	now := time.Now()
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return now, active, nil
		}
		p.logger.Err().Err(err).Log("epoll_wait failed")
		return now, active, &FDError{Op: "epoll_wait", FD: p.epfd, Err: err}
	}
	if n == 0 {
		p.logger.Trace().Log("nothing happened")
		return now, active, nil
	}
	p.logger.Trace().Int("events", n).Log("events happened")
	active = p.fillActiveChannels(n, active)
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return now, active, nil
}

func (p *epollPoller) fillActiveChannels(n int, active []*Channel) []*Channel {
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		ch, ok := p.channels[int(ev.Fd)]
		if !ok {
			// stale event for a descriptor removed earlier in this cycle
			continue
		}
		ch.setRevents(epollToEvents(ev.Events))
		active = append(active, ch)
	}
	return active
}

func (p *epollPoller) UpdateChannel(ch *Channel) error {
	index := ch.index
	p.logger.Trace().
		Int("fd", ch.fd).
		Str("events", ch.events.String()).
		Str("index", index.String()).
		Log("update channel")

	switch index {
	case channelNew, channelDeleted:
		if index == channelNew {
			p.channels[ch.fd] = ch
		}
		if ch.IsNoneEvent() {
			// tracked, but nothing to ask the OS for
			ch.index = channelDeleted
			return nil
		}
		if err := p.update(unix.EPOLL_CTL_ADD, ch); err != nil {
			if index == channelNew {
				delete(p.channels, ch.fd)
			}
			return err
		}
		ch.index = channelAdded
		return nil

	default:
		if ch.IsNoneEvent() {
			if err := p.update(unix.EPOLL_CTL_DEL, ch); err != nil {
				return err
			}
			ch.index = channelDeleted
			return nil
		}
		return p.update(unix.EPOLL_CTL_MOD, ch)
	}
}

func (p *epollPoller) RemoveChannel(ch *Channel) error {
	if !ch.IsNoneEvent() {
		return ErrChannelHasInterest
	}
	if p.channels[ch.fd] != ch {
		return ErrChannelNotRegistered
	}
	delete(p.channels, ch.fd)
	p.logger.Trace().Int("fd", ch.fd).Log("remove channel")
	var err error
	if ch.index == channelAdded {
		err = p.update(unix.EPOLL_CTL_DEL, ch)
	}
	ch.index = channelNew
	return err
}

func (p *epollPoller) HasChannel(ch *Channel) bool {
	existing, ok := p.channels[ch.fd]
	return ok && existing == ch
}

// update issues one epoll_ctl. Delete failures are only logged, since the
// descriptor may already be gone; add and modify failures are returned.
func (p *epollPoller) update(op int, ch *Channel) error {
	err := p.ctl(op, ch.fd, eventsToEpoll(ch.events))
	if err == nil {
		return nil
	}
	if op == unix.EPOLL_CTL_DEL {
		p.logger.Err().
			Err(err).
			Int("fd", ch.fd).
			Log("epoll_ctl del failed")
		return nil
	}
	return &FDError{Op: epollOpName(op), FD: ch.fd, Err: err}
}

func (p *epollPoller) epollCtl(op int, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, op, fd, &ev)
}

func epollOpName(op int) string {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return "epoll_ctl add"
	case unix.EPOLL_CTL_MOD:
		return "epoll_ctl mod"
	case unix.EPOLL_CTL_DEL:
		return "epoll_ctl del"
	default:
		return "epoll_ctl"
	}
}

func eventsToEpoll(events IOEvents) uint32 {
	var v uint32
	if events&EventRead != 0 {
		v |= unix.EPOLLIN
	}
	if events&EventPriority != 0 {
		v |= unix.EPOLLPRI
	}
	if events&EventWrite != 0 {
		v |= unix.EPOLLOUT
	}
	return v
}

func epollToEvents(v uint32) IOEvents {
	var events IOEvents
	if v&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if v&unix.EPOLLPRI != 0 {
		events |= EventPriority
	}
	if v&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if v&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if v&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}

// durationToMs rounds up, so a positive sub-millisecond timeout still waits.
// Negative durations block indefinitely.
func durationToMs(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	const maxInt32 = 1<<31 - 1
	if ms > maxInt32 {
		ms = maxInt32
	}
	return int(ms)
}

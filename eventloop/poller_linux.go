//go:build linux

package eventloop

import (
	"time"

	"golang.org/x/sys/unix"
)

const initEventListSize = 16

// Channel registration states in the poller.
const (
	stateNew     = -1
	stateAdded   = 1
	stateDeleted = 2
)

// poller is a level-triggered epoll set. It is only used from the owner
// goroutine of its loop, so it needs no locking.
type poller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]*Channel
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &poller{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]*Channel),
	}, nil
}

// poll waits for readiness and appends the ready channels to active, with
// their revents filled in.
func (p *poller) poll(timeoutMs int, active []*Channel) ([]*Channel, time.Time, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return active, now, nil
		}
		return active, now, err
	}

	for i := 0; i < n; i++ {
		ev := p.events[i]
		ch, ok := p.channels[int(ev.Fd)]
		if !ok {
			continue
		}
		ch.revents = ev.Events
		active = append(active, ch)
	}

	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, 2*n)
	}

	return active, now, nil
}

func (p *poller) updateChannel(ch *Channel) error {
	switch ch.state {
	case stateNew, stateDeleted:
		if ch.isNoneEvent() {
			return nil
		}
		p.channels[ch.fd] = ch
		ch.state = stateAdded
		return p.ctl(unix.EPOLL_CTL_ADD, ch)
	default:
		if ch.isNoneEvent() {
			ch.state = stateDeleted
			return p.ctl(unix.EPOLL_CTL_DEL, ch)
		}
		return p.ctl(unix.EPOLL_CTL_MOD, ch)
	}
}

func (p *poller) removeChannel(ch *Channel) error {
	if p.channels[ch.fd] == ch {
		delete(p.channels, ch.fd)
	}

	wasAdded := ch.state == stateAdded
	ch.state = stateNew
	ch.events = noneEvent
	if wasAdded {
		return p.ctl(unix.EPOLL_CTL_DEL, ch)
	}

	return nil
}

func (p *poller) hasChannel(ch *Channel) bool {
	return p.channels[ch.fd] == ch
}

func (p *poller) ctl(op int, ch *Channel) error {
	ev := unix.EpollEvent{Events: ch.events, Fd: int32(ch.fd)}
	return unix.EpollCtl(p.epfd, op, ch.fd, &ev)
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

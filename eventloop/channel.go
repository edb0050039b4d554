//go:build linux

package eventloop

import (
	"time"

	"golang.org/x/sys/unix"
)

const (
	noneEvent  uint32 = 0
	readEvent  uint32 = unix.EPOLLIN | unix.EPOLLPRI
	writeEvent uint32 = unix.EPOLLOUT
)

// Channel binds one file descriptor to a loop: an interest set plus the
// callbacks run when the descriptor becomes ready. It does not own the
// descriptor. All methods except the setters and FD must be called on the
// loop's owner goroutine.
type Channel struct {
	loop *EventLoop
	fd   int

	events  uint32
	revents uint32
	state   int

	readCallback  func(receiveTime time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()
}

// NewChannel returns a Channel for fd with an empty interest set.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:  loop,
		fd:    fd,
		state: stateNew,
	}
}

// FD returns the watched descriptor.
func (c *Channel) FD() int { return c.fd }
// Loop returns the loop the channel belongs to.
func (c *Channel) Loop() *EventLoop { return c.loop }
// SetReadCallback sets the callback for readable events. It receives the
// time the poll returned.
func (c *Channel) SetReadCallback(cb func(time.Time)) { c.readCallback = cb }
// SetWriteCallback sets the callback for writable events.
func (c *Channel) SetWriteCallback(cb func()) { c.writeCallback = cb }
// SetCloseCallback sets the callback for a hang-up without pending input.
func (c *Channel) SetCloseCallback(cb func()) { c.closeCallback = cb }
// SetErrorCallback sets the callback for EPOLLERR.
func (c *Channel) SetErrorCallback(cb func()) { c.errorCallback = cb }

// EnableReading adds readable interest. Like every interest change it must
// run on the loop goroutine.
func (c *Channel) EnableReading() {
	c.events |= readEvent
	c.update()
}

// DisableReading drops readable interest.
func (c *Channel) DisableReading() {
	c.events &^= readEvent
	c.update()
}

// EnableWriting adds writable interest.
func (c *Channel) EnableWriting() {
	c.events |= writeEvent
	c.update()
}

// DisableWriting drops writable interest.
func (c *Channel) DisableWriting() {
	c.events &^= writeEvent
	c.update()
}

// DisableAll clears the interest set. The poller stops watching the
// descriptor, but the channel stays known to the loop until Remove.
func (c *Channel) DisableAll() {
	c.events = noneEvent
	c.update()
}

// IsWriting reports writable-interest.
func (c *Channel) IsWriting() bool { return c.events&writeEvent != 0 }

// IsReading reports readable-interest.
func (c *Channel) IsReading() bool { return c.events&readEvent != 0 }

// IsNoneEvent reports an empty interest set.
func (c *Channel) IsNoneEvent() bool { return c.isNoneEvent() }

func (c *Channel) isNoneEvent() bool { return c.events == noneEvent }

// Remove detaches the channel from the loop's poller and clears its interest
// set. No callback runs for it afterwards.
func (c *Channel) Remove() {
	c.loop.removeChannel(c)
}

// IsRegistered reports whether the loop's poller still tracks the channel.
func (c *Channel) IsRegistered() bool {
	return c.loop.HasChannel(c)
}

func (c *Channel) update() {
	c.loop.updateChannel(c)
}

// handleEvent runs the callbacks matching revents. A hang-up that carries no
// pending input is a close; input, urgent data and peer read hang-up all go to
// the read callback, which observes EOF itself.
func (c *Channel) handleEvent(receiveTime time.Time) {
	rev := c.revents

	if rev&unix.EPOLLHUP != 0 && rev&unix.EPOLLIN == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}

	if rev&unix.EPOLLERR != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}

	if rev&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}

	if rev&unix.EPOLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}

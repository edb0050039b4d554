//go:build linux

package eventloop

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-reactor/logger"
	"golang.org/x/sys/unix"
)

// EventLoop is a reactor bound to the goroutine that calls Run.
type EventLoop struct {
	name        string
	logger      logger.Logger
	pollTimeout time.Duration

	poller         *poller
	activeChannels []*Channel

	wakeupFd      int
	wakeupChannel *Channel

	ownerID   atomic.Uint64
	running   atomic.Bool
	quit      atomic.Bool
	closed    atomic.Bool
	iteration atomic.Uint64

	mu             sync.Mutex
	pendingTasks   []func()
	callingPending atomic.Bool
}

// New creates a loop with its epoll instance and eventfd wakeup descriptor.
// The loop does nothing until Run is called.
func New(opts ...Option) (*EventLoop, error) {
	o := resolveOptions(opts)

	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("eventloop: create poller: %w", err)
	}

	wakeupFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = p.close()
		return nil, fmt.Errorf("eventloop: create eventfd: %w", err)
	}

	l := &EventLoop{
		name:        o.name,
		logger:      o.logger,
		pollTimeout: o.pollTimeout,
		poller:      p,
		wakeupFd:    wakeupFd,
	}

	// Registered directly: there is no owner goroutine to assert yet.
	l.wakeupChannel = NewChannel(l, wakeupFd)
	l.wakeupChannel.SetReadCallback(func(time.Time) { l.handleWakeup() })
	l.wakeupChannel.events = readEvent
	if err := p.updateChannel(l.wakeupChannel); err != nil {
		_ = unix.Close(wakeupFd)
		_ = p.close()
		return nil, fmt.Errorf("eventloop: register eventfd: %w", err)
	}

	return l, nil
}

// Name returns the loop name.
func (l *EventLoop) Name() string { return l.name }

// Iteration returns the number of completed poll rounds.
func (l *EventLoop) Iteration() uint64 { return l.iteration.Load() }

// Run makes the calling goroutine the owner of the loop and dispatches events
// and queued tasks until Quit is called or ctx is done. Tasks still queued
// when the loop stops are run before Run returns.
//
// Returns:
//   - nil after Quit or context cancellation
//   - ErrLoopRunning or ErrLoopClosed when the loop cannot run
//   - A wrapped poll error if epoll_wait fails
func (l *EventLoop) Run(ctx context.Context) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}

	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.ownerID.Store(goroutineID())
	defer l.ownerID.Store(0)

	stop := context.AfterFunc(ctx, l.Quit)
	defer stop()

	l.logger.Debug("event loop started")

	timeoutMs := int(l.pollTimeout / time.Millisecond)
	for !l.quit.Load() {
		active, now, err := l.poller.poll(timeoutMs, l.activeChannels[:0])
		if err != nil {
			l.logger.Error("epoll_wait failed", logger.Err(err))
			l.doPendingTasks()
			return fmt.Errorf("eventloop: poll: %w", err)
		}

		l.activeChannels = active
		l.iteration.Add(1)

		for _, ch := range active {
			l.dispatch(ch, now)
		}

		l.doPendingTasks()
	}

	l.doPendingTasks()
	l.logger.Debug("event loop stopped", logger.Field{Key: "iterations", Value: l.Iteration()})

	return nil
}

func (l *EventLoop) dispatch(ch *Channel, now time.Time) {
	defer l.recoverPanic("channel callback")
	ch.handleEvent(now)
}

func (l *EventLoop) runTask(task func()) {
	defer l.recoverPanic("task")
	task()
}

func (l *EventLoop) recoverPanic(what string) {
	if r := recover(); r != nil {
		l.logger.Error(what+" panicked",
			logger.Field{Key: "panic", Value: fmt.Sprint(r)},
			logger.Field{Key: "stack", Value: string(debug.Stack())},
		)
	}
}

// Quit asks the loop to stop after the current iteration. Safe to call from
// any goroutine, before or during Run. A loop that has been quit does not run
// again.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// IsInLoopThread reports whether the caller is the goroutine running the loop.
func (l *EventLoop) IsInLoopThread() bool {
	owner := l.ownerID.Load()
	return owner != 0 && owner == goroutineID()
}

// AssertInLoopThread panics when the caller is not the owner goroutine. Every
// mutation of loop-owned state goes through it.
func (l *EventLoop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		panic(fmt.Sprintf("eventloop: %s used from goroutine %d, owner is goroutine %d",
			l.name, goroutineID(), l.ownerID.Load()))
	}
}

// RunInLoop runs task immediately when called on the owner goroutine and
// queues it otherwise.
func (l *EventLoop) RunInLoop(task func()) {
	if l.IsInLoopThread() {
		task()
		return
	}

	l.QueueInLoop(task)
}

// QueueInLoop appends task to the pending queue. Tasks posted from one
// goroutine run in posting order. Safe for concurrent use.
func (l *EventLoop) QueueInLoop(task func()) {
	l.mu.Lock()
	l.pendingTasks = append(l.pendingTasks, task)
	l.mu.Unlock()

	// A task queued by a running task would otherwise wait a full poll timeout.
	if !l.IsInLoopThread() || l.callingPending.Load() {
		l.wakeup()
	}
}

// PendingTasks returns the number of queued tasks.
func (l *EventLoop) PendingTasks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pendingTasks)
}

func (l *EventLoop) doPendingTasks() {
	l.callingPending.Store(true)
	defer l.callingPending.Store(false)

	l.mu.Lock()
	tasks := l.pendingTasks
	l.pendingTasks = nil
	l.mu.Unlock()

	for _, task := range tasks {
		l.runTask(task)
	}
}

func (l *EventLoop) wakeup() {
	if l.closed.Load() {
		return
	}

	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(l.wakeupFd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		l.logger.Warn("eventfd write failed", logger.Err(err))
	}
}

func (l *EventLoop) handleWakeup() {
	var buf [8]byte
	if _, err := unix.Read(l.wakeupFd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		l.logger.Warn("eventfd read failed", logger.Err(err))
	}
}

func (l *EventLoop) updateChannel(ch *Channel) {
	l.AssertInLoopThread()
	if err := l.poller.updateChannel(ch); err != nil {
		l.logger.Error("epoll_ctl update failed", logger.Field{Key: "fd", Value: ch.fd}, logger.Err(err))
	}
}

func (l *EventLoop) removeChannel(ch *Channel) {
	l.AssertInLoopThread()
	if err := l.poller.removeChannel(ch); err != nil {
		l.logger.Error("epoll_ctl remove failed", logger.Field{Key: "fd", Value: ch.fd}, logger.Err(err))
	}
}

// HasChannel reports whether ch is known to this loop's poller. Owner
// goroutine only.
func (l *EventLoop) HasChannel(ch *Channel) bool {
	l.AssertInLoopThread()
	return l.poller.hasChannel(ch)
}

// Close releases the epoll and eventfd descriptors. It must be called after
// Run has returned; later Run calls fail with ErrLoopClosed.
func (l *EventLoop) Close() error {
	if l.running.Load() {
		return ErrLoopRunning
	}

	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	return errors.Join(unix.Close(l.wakeupFd), l.poller.close())
}

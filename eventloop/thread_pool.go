//go:build linux

package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cyberinferno/go-reactor/logger"
	"golang.org/x/sync/errgroup"
)

// ThreadPool owns a fixed set of I/O loops, each running on its own
// goroutine. With zero loops every request falls back to the base loop.
type ThreadPool struct {
	base   *EventLoop
	name   string
	size   int
	logger logger.Logger
	opts   []Option

	loops   []*EventLoop
	next    int
	group   *errgroup.Group
	started atomic.Bool
}

// NewThreadPool creates a pool of size loops named "<name>-<index>". opts are
// applied to every loop before the name and logger.
func NewThreadPool(base *EventLoop, name string, size int, log logger.Logger, opts ...Option) *ThreadPool {
	if size < 0 {
		size = 0
	}

	return &ThreadPool{
		base:   base,
		name:   name,
		size:   size,
		logger: logger.OrNop(log),
		opts:   opts,
	}
}

// Start creates the loops and runs each on the pool's errgroup. Cancelling
// ctx, or any loop failing, stops all of them.
func (p *ThreadPool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrPoolStarted
	}

	g, gctx := errgroup.WithContext(ctx)
	p.group = g

	for i := 0; i < p.size; i++ {
		opts := append(append([]Option(nil), p.opts...),
			WithName(fmt.Sprintf("%s-%d", p.name, i)),
			WithLogger(p.logger),
		)

		loop, err := New(opts...)
		if err != nil {
			_ = p.Stop()
			return fmt.Errorf("eventloop: start pool loop %d: %w", i, err)
		}

		p.loops = append(p.loops, loop)
		g.Go(func() error {
			return loop.Run(gctx)
		})
	}

	p.logger.Debug("thread pool started", logger.Field{Key: "size", Value: p.size})

	return nil
}

// NextLoop returns the next I/O loop in round-robin order. It must be called
// on the base loop's goroutine.
func (p *ThreadPool) NextLoop() *EventLoop {
	p.base.AssertInLoopThread()

	if len(p.loops) == 0 {
		return p.base
	}

	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)

	return loop
}

// Loops returns the pool's loops, or the base loop alone for an empty pool.
func (p *ThreadPool) Loops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.base}
	}

	return append([]*EventLoop(nil), p.loops...)
}

// Stop quits every loop, waits for them to return and closes them.
func (p *ThreadPool) Stop() error {
	for _, loop := range p.loops {
		loop.Quit()
	}

	var err error
	if p.group != nil {
		err = p.group.Wait()
	}

	for _, loop := range p.loops {
		err = errors.Join(err, loop.Close())
	}

	return err
}

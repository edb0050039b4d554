package eventloop

import (
	"time"

	"github.com/cyberinferno/go-reactor/logger"
)

// DefaultPollTimeout bounds how long a loop blocks in epoll_wait when idle.
const DefaultPollTimeout = 10 * time.Second

type loopOptions struct {
	name        string
	logger      logger.Logger
	pollTimeout time.Duration
}

// Option configures an EventLoop.
type Option func(*loopOptions)

// WithName sets the name used in logs and assertion messages.
func WithName(name string) Option {
	return func(o *loopOptions) {
		o.name = name
	}
}

// WithLogger sets the loop logger. A nil logger discards output.
func WithLogger(l logger.Logger) Option {
	return func(o *loopOptions) {
		o.logger = l
	}
}

// WithPollTimeout sets the idle epoll_wait timeout. Non-positive values
// select DefaultPollTimeout.
func WithPollTimeout(d time.Duration) Option {
	return func(o *loopOptions) {
		o.pollTimeout = d
	}
}

func resolveOptions(opts []Option) loopOptions {
	o := loopOptions{
		name:        "loop",
		pollTimeout: DefaultPollTimeout,
	}

	for _, opt := range opts {
		opt(&o)
	}

	if o.pollTimeout <= 0 {
		o.pollTimeout = DefaultPollTimeout
	}
	o.logger = logger.OrNop(o.logger).With(logger.Field{Key: "loop", Value: o.name})

	return o
}

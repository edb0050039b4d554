package eventloop

import "errors"

var (
	// ErrLoopRunning is returned by Run on a loop that is already running and
	// by Close on a loop that has not returned from Run yet.
	ErrLoopRunning = errors.New("eventloop: loop is running")
	// ErrLoopClosed is returned by Run after Close.
	ErrLoopClosed = errors.New("eventloop: loop closed")
	// ErrPoolStarted is returned by ThreadPool.Start when called twice.
	ErrPoolStarted = errors.New("eventloop: thread pool already started")
)

// Package eventloop is a single-goroutine reactor over epoll.
//
// An EventLoop owns a set of Channels, each binding one file descriptor to
// read, write, close and error callbacks. Run locks its goroutine to an OS
// thread and becomes the owner goroutine: callbacks and queued tasks run only
// there, and every change to a Channel's interest set asserts it.
//
// Other goroutines interact with a loop only through RunInLoop, QueueInLoop
// and Quit, which are safe for concurrent use:
//
//	loop, err := eventloop.New(eventloop.WithName("io-0"))
//	if err != nil {
//		// handle error
//	}
//	go loop.Run(ctx)
//
//	loop.RunInLoop(func() {
//		// runs on the loop goroutine
//	})
//
// ThreadPool runs several loops on an errgroup and hands them out round-robin.
package eventloop

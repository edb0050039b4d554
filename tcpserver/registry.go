//go:build linux

package tcpserver

import "github.com/cyberinferno/go-reactor/eventloop"

// Registry owns the set of live connections. A connection that observes a
// close hands itself back through RemoveConnection, always delivered as a
// task queued on Loop(), never called from inside the connection's handler.
type Registry interface {
	// Loop returns the loop on which RemoveConnection runs.
	Loop() *eventloop.EventLoop

	// RemoveConnection forgets conn and schedules its destruction on the
	// connection's own loop.
	RemoveConnection(conn *TCPConnection)
}

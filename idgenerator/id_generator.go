// Package idgenerator hands out sequence numbers that are unique for the
// lifetime of a process, such as the suffix of a connection name.
package idgenerator

import "sync/atomic"

// IdGenerator produces monotonically increasing uint64 ids. The zero value is
// ready to use and starts at 1.
type IdGenerator struct {
	last atomic.Uint64
}

// NewIdGenerator returns a generator whose first Next call yields after+1.
//
// Parameters:
//   - after: The last id considered taken
//
// Returns:
//   - A new IdGenerator
func NewIdGenerator(after uint64) *IdGenerator {
	gen := &IdGenerator{}
	gen.last.Store(after)
	return gen
}

// Next reserves and returns the next id. Safe for concurrent use.
func (g *IdGenerator) Next() uint64 {
	return g.last.Add(1)
}

// Last returns the most recently reserved id without reserving a new one.
func (g *IdGenerator) Last() uint64 {
	return g.last.Load()
}

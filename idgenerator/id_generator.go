// Package idgenerator mints process-unique connection identifiers.
package idgenerator

import (
	"errors"
	"math"
	"sync/atomic"
)

// ErrExhausted is returned once every identifier has been handed out.
var ErrExhausted = errors.New("idgenerator: identifier space exhausted")

// IdGenerator hands out strictly increasing uint64 identifiers and never
// repeats one. Zero is never returned, so callers may use it to mean "no
// connection". Safe for concurrent use.
type IdGenerator struct {
	last atomic.Uint64
}

// NewIdGenerator returns a generator whose first Next() is after+1.
//
// Parameters:
//   - after: Identifiers up to and including this value are considered taken
//
// Returns:
//   - A new IdGenerator
func NewIdGenerator(after uint64) *IdGenerator {
	gen := &IdGenerator{}
	gen.last.Store(after)
	return gen
}

// Next returns the next identifier. Instead of wrapping around to a value
// that was already issued, it fails with ErrExhausted.
func (g *IdGenerator) Next() (uint64, error) {
	for {
		cur := g.last.Load()
		if cur == math.MaxUint64 {
			return 0, ErrExhausted
		}

		if g.last.CompareAndSwap(cur, cur+1) {
			return cur + 1, nil
		}
	}
}

// Last returns the most recently issued identifier, or the starting value
// if none was issued yet.
func (g *IdGenerator) Last() uint64 {
	return g.last.Load()
}

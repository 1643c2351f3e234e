// Package clock implements the per-machine Lamport logical clock.
package clock

import (
	"sync"
)

// LamportClock is a scalar logical clock. Its value never decreases.
//
// The machine scheduler advances the clock once per tick before any
// producer acts, so a receive performed during that tick is applied
// against the tick's baseline (the value before the scheduler's
// increment) rather than on top of it. See ReceiveInTick.
type LamportClock struct {
	counter uint64
	mu      sync.Mutex
}

// NewLamportClock creates a clock starting at zero
func NewLamportClock() *LamportClock {
	return &LamportClock{}
}

// NewLamportClockAt creates a clock starting at the given value
func NewLamportClockAt(value uint64) *LamportClock {
	return &LamportClock{counter: value}
}

// Tick increments the clock and returns the new timestamp value
func (c *LamportClock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return c.counter
}

// Update applies the plain Lamport receive rule, max(received, local) + 1,
// and returns the new value
func (c *LamportClock) Update(received uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.counter {
		c.counter = received
	}
	c.counter++
	return c.counter
}

// ReceiveInTick applies the receive rule for a tick whose increment has
// already been applied: the clock becomes max(received, current-1) + 1.
// The result is never below the current value.
func (c *LamportClock) ReceiveInTick(received uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := uint64(0)
	if c.counter > 0 {
		base = c.counter - 1
	}
	if received > base {
		base = received
	}
	c.counter = base + 1
	return c.counter
}

// Current returns the current timestamp without incrementing the clock
func (c *LamportClock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

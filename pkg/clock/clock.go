// Package clock is the time source of the recording engine. Gap
// durations and the rotation boundary grace period are measured through
// it, so tests can swap in a mock and drive both deterministically.
package clock

import (
	"github.com/benbjohnson/clock"
)

type Clock = clock.Clock
type Timer = clock.Timer
type Mock = clock.Mock

var globalClock Clock = clock.New()

// Get returns the process-global clock; the real one unless Set
// replaced it.
func Get() Clock {
	return globalClock
}

// Set replaces the process-global clock. Intended for tests that cannot
// inject a clock directly.
func Set(clk Clock) {
	globalClock = clk
}

func New() Clock {
	return clock.New()
}

// NewMock returns a manually-advanced clock, frozen until Add is
// called.
func NewMock() *Mock {
	return clock.NewMock()
}

// Package globaltime is the clock every persisted timestamp comes from.
// Tests freeze it instead of sleeping.
package globaltime

import (
	"sync/atomic"
	"time"
)

type clock func() time.Time

var current atomic.Pointer[clock]

func init() {
	Reset()
}

// Now returns the current instant from the active clock.
func Now() time.Time {
	return (*current.Load())()
}

// UTC is Now in UTC; stores and records use it.
func UTC() time.Time {
	return Now().UTC()
}

// Freeze pins the clock to t and returns a function restoring the real
// clock.
func Freeze(t time.Time) func() {
	c := clock(func() time.Time { return t })
	current.Store(&c)
	return Reset
}

// Reset restores the wall clock.
func Reset() {
	c := clock(time.Now)
	current.Store(&c)
}

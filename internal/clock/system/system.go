// Package system provides the wall clock used by fleet participants.
package system

import "time"

// Clock implements fleet.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to microseconds, the precision of
// a Postgres TIMESTAMPTZ. The monotonic reading is dropped.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Package system provides the wall clock.
package system

import "time"

// Clock implements crawler.Clock using time.Now. Readings are UTC and
// truncated to microseconds, the resolution Postgres stores, so a value
// read back from the database compares equal to the one written.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

package dim

import "time"

// Clock abstracts time for the replay window and session timestamps so
// tests can pin "now".
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

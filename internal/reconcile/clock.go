package reconcile

import "time"

// Clock supplies wall-clock time for created_at/updated_at stamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// stamp returns now in the precision the store persists (UTC microseconds).
func stamp(c Clock) time.Time {
	return c.Now().UTC().Truncate(time.Microsecond)
}

// nextUpdate returns a timestamp strictly after prev, preferring now.
// Wall clocks can stall or step backwards; updated_at must not.
func nextUpdate(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Microsecond)
}

package harvest

import (
	"math"
	"time"
)

// Backoff spaces retries of failed downloads. The interval after n consecutive
// failures is Base*2^(n-1), capped at Ceiling. There is no jitter, so the
// interval strictly increases until it reaches the ceiling.
type Backoff struct {
	Base    time.Duration
	Ceiling time.Duration
}

// Interval returns the wait required after failures consecutive failures.
func (b Backoff) Interval(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	delay := float64(b.Base) * math.Pow(2, float64(failures-1))
	if b.Ceiling > 0 && delay >= float64(b.Ceiling) {
		return b.Ceiling
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Eligible reports whether an entry whose last failure happened at last may be
// attempted again at now.
func (b Backoff) Eligible(failures int, last, now time.Time) bool {
	if failures == 0 {
		return true
	}
	return !now.Before(last.Add(b.Interval(failures)))
}

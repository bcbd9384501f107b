package metadata

import (
	"math"
	"time"
)

// Freshness is a cache time-to-live in milliseconds.
//
//   - 0 means the cached value must always be revalidated before it is trusted
//   - a negative value means the cached value never expires
type Freshness int32

// NeverExpires is the conventional "never expires" TTL.
const NeverExpires Freshness = -1

// Duration converts the TTL to a time.Duration. Negative TTLs return 0.
func (f Freshness) Duration() time.Duration {
	if f < 0 {
		return 0
	}
	return time.Duration(f) * time.Millisecond
}

// Expired reports whether a value refreshed at refreshed is stale at now.
func (f Freshness) Expired(refreshed, now time.Time) bool {
	switch {
	case f < 0:
		return false
	case f == 0:
		return true
	default:
		return now.Sub(refreshed) >= f.Duration()
	}
}

// Deadline returns the moment a change made at now must be published by.
func (f Freshness) Deadline(now time.Time) time.Time {
	if f <= 0 {
		return now
	}
	return now.Add(f.Duration())
}

// FreshnessOf converts d to a TTL, rounding down to whole milliseconds.
// Negative durations never expire; durations beyond the TTL range saturate.
func FreshnessOf(d time.Duration) Freshness {
	if d < 0 {
		return NeverExpires
	}
	ms := d.Milliseconds()
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return Freshness(ms)
}

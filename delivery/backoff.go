package delivery

import (
	"time"
)

const (
	DefaultRetryBase = 10 * time.Second
	DefaultRetryMax  = 24 * time.Hour
)

// Backoff is the retry schedule of a failing destination: Base doubled per
// consecutive failure, capped at Max. There is no jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultRetryBase, Max: DefaultRetryMax}
}

// Duration returns how long to wait after failCount consecutive failures
func (b Backoff) Duration(failCount int) time.Duration {
	if failCount <= 0 || b.Base <= 0 {
		return 0
	}
	limit := b.Max
	if limit <= 0 {
		limit = DefaultRetryMax
	}
	d := b.Base
	for i := 1; i < failCount; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	return min(d, limit)
}

// NextRetry returns when a destination that failed at lastRetry may be
// attempted again, or nil when it is not backing off.
func (b Backoff) NextRetry(failCount int, lastRetry *time.Time) *time.Time {
	if failCount <= 0 || lastRetry == nil {
		return nil
	}
	t := lastRetry.Add(b.Duration(failCount))
	return &t
}

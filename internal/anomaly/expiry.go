package anomaly

import (
	"fmt"
	"time"
)

// ExpiryPolicy decides when a block entry is due for removal. Exactly one
// of the two policies applies to a running table.
type ExpiryPolicy struct {
	// Sweeps selects the sweep-count policy instead of the duration policy.
	Sweeps bool
	// Duration is how long a block lasts under the duration policy.
	Duration time.Duration
	// MaxSweeps is the number of sweeps an entry survives under the
	// sweep-count policy; it expires on the sweep after that.
	MaxSweeps int
}

// DurationPolicy expires entries d after they were created.
func DurationPolicy(d time.Duration) ExpiryPolicy {
	return ExpiryPolicy{Duration: d}
}

// SweepPolicy expires entries once they have been seen by more than n sweeps.
func SweepPolicy(n int) ExpiryPolicy {
	return ExpiryPolicy{Sweeps: true, MaxSweeps: n}
}

// Expired reports whether e is due for removal at now.
func (p ExpiryPolicy) Expired(e BlockEntry, now time.Time) bool {
	if p.Sweeps {
		return e.Sweeps > p.MaxSweeps
	}
	return now.Sub(e.BlockedAt) >= p.Duration
}

func (p ExpiryPolicy) String() string {
	if p.Sweeps {
		return fmt.Sprintf("sweeps(%d)", p.MaxSweeps)
	}
	return fmt.Sprintf("duration(%s)", p.Duration)
}

package anomaly

import "sort"

// ActiveSet is the set of interfaces whose receive throughput is above the
// low-activity floor.
type ActiveSet map[Key]struct{}

// Contains reports whether k is in the set.
func (a ActiveSet) Contains(k Key) bool {
	_, ok := a[k]
	return ok
}

// Keys returns the members sorted by switch then port.
func (a ActiveSet) Keys() []Key {
	keys := make([]Key, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	return keys
}

// Estimator derives the adaptive per-interface threshold from the active set.
type Estimator struct {
	Base   float64 // base threshold, bytes/s
	Margin float64 // headroom applied before dividing, e.g. 0.1
	Floor  float64 // absolute low-activity floor, bytes/s
}

// NewEstimator builds an estimator whose floor is floorFraction of base.
func NewEstimator(base, margin, floorFraction float64) Estimator {
	return Estimator{Base: base, Margin: margin, Floor: base * floorFraction}
}

// Recompute returns the active set over latest and the adaptive threshold.
// Blocked interfaces are removed from the denominator. With no effective
// active interface the base threshold is returned.
func (e Estimator) Recompute(latest []Observation, blocked int) (ActiveSet, float64) {
	set := make(ActiveSet, len(latest))
	for _, o := range latest {
		if o.RxThroughput > e.Floor {
			set[o.Key] = struct{}{}
		}
	}
	return set, e.Threshold(EffectiveCount(len(set), blocked))
}

// Threshold returns the adaptive threshold for a given effective active count.
func (e Estimator) Threshold(effective int) float64 {
	if effective <= 0 {
		return e.Base
	}
	return e.Base * (1 + e.Margin) / float64(effective)
}

// EffectiveCount is max(0, active-blocked).
func EffectiveCount(active, blocked int) int {
	if n := active - blocked; n > 0 {
		return n
	}
	return 0
}

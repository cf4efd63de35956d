package anomaly

// StateMachine is the per-interface NORMAL → SUSPECT → BLOCKED classifier.
//
// Entry to the watch list uses the fixed base threshold; the block decision
// uses the load-adaptive threshold and requires the strike count to exceed
// StrikeThreshold. With StrikeThreshold 1 an edge interface is blocked on the
// third consecutive breach. Samples at or below the base threshold pay
// strikes back one at a time, and the watch is cleared only when no strikes
// remain. Transit (non-edge) interfaces are never watched.
type StateMachine struct {
	Base            float64
	StrikeThreshold int
}

// Next applies one observation to cur and returns the new status and the
// mitigation intent. It never returns StateBlocked: a BLOCK intent leaves the
// interface SUSPECT until the dataplane confirms the drop rule.
func (m StateMachine) Next(cur Status, rx, adaptive float64, edge bool) (Status, Intent) {
	switch cur.State {
	case StateBlocked:
		// blocks clear only through expiry
		return cur, IntentNone

	case StateNormal:
		if rx > m.Base && edge {
			return Status{State: StateSuspect}, IntentNone
		}
		return Status{State: StateNormal}, IntentNone

	case StateSuspect:
		if !edge {
			return Status{State: StateNormal}, IntentNone
		}
		if rx > m.Base {
			// a breach adds a strike, then the count is compared with StrikeThreshold
			next := Status{State: StateSuspect, Strikes: cur.Strikes + 1}
			if rx > adaptive && next.Strikes > m.StrikeThreshold {
				return next, IntentBlock
			}
			return next, IntentNone
		}
		if cur.Strikes > 0 {
			return Status{State: StateSuspect, Strikes: cur.Strikes - 1}, IntentNone
		}
		return Status{State: StateNormal}, IntentNone
	}
	return Status{State: StateNormal}, IntentNone
}

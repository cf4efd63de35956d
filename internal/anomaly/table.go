package anomaly

import (
	"sort"
	"sync"
	"time"
)

// Scope selects which interfaces share an active set.
type Scope int

const (
	// ScopeGlobal computes one active set over every monitored interface.
	ScopeGlobal Scope = iota
	// ScopeSwitch computes the active set over the interfaces of the observed switch.
	ScopeSwitch
)

// ParseScope maps a config string to a Scope. Unknown values select ScopeGlobal.
func ParseScope(s string) Scope {
	if s == "switch" {
		return ScopeSwitch
	}
	return ScopeGlobal
}

type pendingOp int

const (
	pendingNone pendingOp = iota
	pendingBlock
	pendingUnblock
)

// record is the single authoritative per-interface entry. watch and block
// are never both set.
type record struct {
	sample  *Sample
	last    *Observation
	watch   *WatchEntry
	block   *BlockEntry
	pending pendingOp
}

func (r *record) status() Status {
	switch {
	case r.block != nil:
		return Status{State: StateBlocked}
	case r.watch != nil:
		return Status{State: StateSuspect, Strikes: r.watch.Strikes}
	default:
		return Status{State: StateNormal}
	}
}

// Table holds sample, watch and block state for every known interface.
// All methods are safe for concurrent use.
type Table struct {
	scope Scope

	mu     sync.RWMutex
	recs   map[Key]*record
	epochs map[uint64]uint64 // switch → purge generation
}

// NewTable creates an empty interface table.
func NewTable(scope Scope) *Table {
	return &Table{
		scope:  scope,
		recs:   make(map[Key]*record),
		epochs: make(map[uint64]uint64),
	}
}

// Discard names the reason a counter reading produced no observation.
type Discard string

const (
	DiscardNone     Discard = ""
	DiscardBaseline Discard = "baseline"
	DiscardStale    Discard = "stale"
	DiscardReset    Discard = "counter_reset"
	DiscardPurged   Discard = "purged"
)

// Update stores a raw counter reading and returns the throughput observation
// it produces. The first reading for a key only establishes a baseline.
func (t *Table) Update(key Key, rx, tx uint64, now time.Time) (Observation, bool) {
	obs, reason := t.Ingest(key, rx, tx, now)
	return obs, reason == DiscardNone
}

// Ingest is Update with the discard reason. Readings with a non-positive
// time delta are dropped without touching the stored sample. A decreasing
// counter (switch restart, wrap) becomes the new baseline.
func (t *Table) Ingest(key Key, rx, tx uint64, now time.Time) (Observation, Discard) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ingestLocked(key, rx, tx, now)
}

// Epoch returns the purge generation of a switch. It moves on every
// PurgeSwitch.
func (t *Table) Epoch(sw uint64) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epochs[sw]
}

// IngestSince is Ingest for a reading collected during epoch. The reading is
// dropped if the switch has been purged since, so a late reply cannot bring
// back records for a disconnected switch.
func (t *Table) IngestSince(epoch uint64, key Key, rx, tx uint64, now time.Time) (Observation, Discard) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epochs[key.Switch] != epoch {
		return Observation{}, DiscardPurged
	}
	return t.ingestLocked(key, rx, tx, now)
}

func (t *Table) ingestLocked(key Key, rx, tx uint64, now time.Time) (Observation, Discard) {
	next := &Sample{RxBytes: rx, TxBytes: tx, ObservedAt: now}

	rec, ok := t.recs[key]
	if !ok {
		t.recs[key] = &record{sample: next}
		return Observation{}, DiscardBaseline
	}
	prev := rec.sample
	if prev == nil {
		rec.sample = next
		return Observation{}, DiscardBaseline
	}

	dt := now.Sub(prev.ObservedAt).Seconds()
	if dt <= 0 {
		return Observation{}, DiscardStale
	}
	if rx < prev.RxBytes || tx < prev.TxBytes {
		rec.sample = next
		rec.last = nil
		return Observation{}, DiscardReset
	}

	obs := Observation{
		Key:          key,
		RxThroughput: float64(rx-prev.RxBytes) / dt,
		TxThroughput: float64(tx-prev.TxBytes) / dt,
		ComputedAt:   now,
	}
	rec.sample = next
	rec.last = &obs
	return obs, DiscardNone
}

// Evaluate recomputes the adaptive threshold over the current active set and
// applies one observation to the interface's state machine. Watch-list
// changes are committed here; a block intent is not, the caller must go
// through BeginBlock/CommitBlock. Interfaces with a dataplane action in
// flight are left untouched.
func (t *Table) Evaluate(obs Observation, est Estimator, sm StateMachine, edge bool) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := Decision{Key: obs.Key}
	rec, ok := t.recs[obs.Key]
	if !ok {
		return d
	}

	latest, blocked := t.scopedLocked(obs.Key.Switch)
	set, adaptive := est.Recompute(latest, blocked)
	d.Adaptive = adaptive
	d.Active = len(set)
	d.Effective = EffectiveCount(len(set), blocked)
	d.From = rec.status()
	d.To = d.From

	if rec.pending != pendingNone {
		return d
	}

	next, intent := sm.Next(d.From, obs.RxThroughput, adaptive, edge)
	switch next.State {
	case StateSuspect:
		if rec.watch == nil {
			rec.watch = &WatchEntry{Key: obs.Key, Since: obs.ComputedAt}
		}
		rec.watch.Strikes = next.Strikes
	case StateNormal:
		rec.watch = nil
	}
	d.To = rec.status()
	d.Intent = intent
	return d
}

// scopedLocked collects the latest observations and the blocked count for
// the table's scope. Caller must hold t.mu.
func (t *Table) scopedLocked(sw uint64) ([]Observation, int) {
	latest := make([]Observation, 0, len(t.recs))
	blocked := 0
	for k, rec := range t.recs {
		if t.scope == ScopeSwitch && k.Switch != sw {
			continue
		}
		if rec.last != nil {
			latest = append(latest, *rec.last)
		}
		if rec.block != nil {
			blocked++
		}
	}
	return latest, blocked
}

// Activity returns the global active set, blocked count and adaptive threshold.
func (t *Table) Activity(est Estimator) (ActiveSet, int, float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	latest := make([]Observation, 0, len(t.recs))
	blocked := 0
	for _, rec := range t.recs {
		if rec.last != nil {
			latest = append(latest, *rec.last)
		}
		if rec.block != nil {
			blocked++
		}
	}
	set, adaptive := est.Recompute(latest, blocked)
	return set, blocked, adaptive
}

// BeginBlock reserves key for a drop-rule install. It returns false when the
// interface is already blocked or another action is in flight.
func (t *Table) BeginBlock(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.recs[key]
	if !ok {
		rec = &record{}
		t.recs[key] = rec
	}
	if rec.block != nil || rec.pending != pendingNone {
		return false
	}
	rec.pending = pendingBlock
	return true
}

// CommitBlock records a confirmed block: the watch entry is replaced by a
// block entry. It returns false if the record vanished (switch purged) or
// was not reserved.
func (t *Table) CommitBlock(key Key, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.recs[key]
	if !ok || rec.pending != pendingBlock {
		return false
	}
	rec.pending = pendingNone
	rec.watch = nil
	rec.block = &BlockEntry{Key: key, BlockedAt: now}
	return true
}

// AbortBlock releases a block reservation. The interface keeps its watch
// entry so a later strike retries.
func (t *Table) AbortBlock(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.recs[key]; ok && rec.pending == pendingBlock {
		rec.pending = pendingNone
	}
}

// Expired advances the sweep count of every idle block entry and reserves
// for removal those that policy reports as expired.
func (t *Table) Expired(now time.Time, policy ExpiryPolicy) []BlockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []BlockEntry
	for _, rec := range t.recs {
		if rec.block == nil || rec.pending != pendingNone {
			continue
		}
		rec.block.Sweeps++
		if policy.Expired(*rec.block, now) {
			rec.pending = pendingUnblock
			out = append(out, *rec.block)
		}
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key, out[j].Key) })
	return out
}

// BeginUnblock reserves a blocked key for early removal.
func (t *Table) BeginUnblock(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.recs[key]
	if !ok || rec.block == nil || rec.pending != pendingNone {
		return false
	}
	rec.pending = pendingUnblock
	return true
}

// CommitUnblock deletes the block entry; the interface returns to NORMAL.
func (t *Table) CommitUnblock(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.recs[key]
	if !ok || rec.pending != pendingUnblock {
		return false
	}
	rec.pending = pendingNone
	rec.block = nil
	rec.watch = nil
	return true
}

// AbortUnblock keeps the block entry so the next sweep retries the removal.
func (t *Table) AbortUnblock(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.recs[key]; ok && rec.pending == pendingUnblock {
		rec.pending = pendingNone
	}
}

// PurgeSwitch forgets every interface of a switch and returns the keys that
// were watched or blocked.
func (t *Table) PurgeSwitch(sw uint64) []Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.epochs[sw]++
	var affected []Key
	for k, rec := range t.recs {
		if k.Switch != sw {
			continue
		}
		if rec.watch != nil || rec.block != nil {
			affected = append(affected, k)
		}
		delete(t.recs, k)
	}
	sort.Slice(affected, func(i, j int) bool { return keyLess(affected[i], affected[j]) })
	return affected
}

// Status returns the current classification of key.
func (t *Table) Status(key Key) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if rec, ok := t.recs[key]; ok {
		return rec.status()
	}
	return Status{State: StateNormal}
}

// IsBlocked reports whether key currently has a block entry.
func (t *Table) IsBlocked(key Key) bool {
	return t.Status(key).State == StateBlocked
}

// Latest returns the most recent observation for key.
func (t *Table) Latest(key Key) (Observation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.recs[key]
	if !ok || rec.last == nil {
		return Observation{}, false
	}
	return *rec.last, true
}

// Blocks returns a copy of every block entry.
func (t *Table) Blocks() []BlockEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []BlockEntry
	for _, rec := range t.recs {
		if rec.block != nil {
			out = append(out, *rec.block)
		}
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key, out[j].Key) })
	return out
}

// Watches returns a copy of every watch entry.
func (t *Table) Watches() []WatchEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []WatchEntry
	for _, rec := range t.recs {
		if rec.watch != nil {
			out = append(out, *rec.watch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key, out[j].Key) })
	return out
}

// Snapshot returns a view of every interface, sorted by key.
func (t *Table) Snapshot() []InterfaceView {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]InterfaceView, 0, len(t.recs))
	for k, rec := range t.recs {
		v := InterfaceView{
			Key:     k,
			State:   rec.status().State.String(),
			Pending: rec.pending != pendingNone,
		}
		if rec.sample != nil {
			v.RxBytes = rec.sample.RxBytes
			v.TxBytes = rec.sample.TxBytes
			v.ObservedAt = rec.sample.ObservedAt
		}
		if rec.last != nil {
			v.RxThroughput = rec.last.RxThroughput
			v.TxThroughput = rec.last.TxThroughput
		}
		if rec.watch != nil {
			v.Strikes = rec.watch.Strikes
		}
		if rec.block != nil {
			v.BlockedAt = rec.block.BlockedAt
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key, out[j].Key) })
	return out
}

// Len returns the number of known interfaces.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.recs)
}

func keyLess(a, b Key) bool {
	if a.Switch != b.Switch {
		return a.Switch < b.Switch
	}
	return a.Port < b.Port
}

// Package anomaly classifies switch interfaces from their receive throughput.
// Raw cumulative byte counters are turned into throughput samples, an adaptive
// threshold is derived from the set of currently active interfaces, and a
// per-interface strike machine decides when an interface must be blocked.
package anomaly

import (
	"fmt"
	"time"
)

// Key identifies a monitored interface: a port on a datapath.
type Key struct {
	Switch uint64 `json:"switch_id"`
	Port   uint32 `json:"port_no"`
}

// String renders the key as "<dpid hex>/<port>".
func (k Key) String() string {
	return fmt.Sprintf("%016x/%d", k.Switch, k.Port)
}

// Sample is the last raw counter reading stored for an interface.
type Sample struct {
	RxBytes    uint64    `json:"rx_bytes"`
	TxBytes    uint64    `json:"tx_bytes"`
	ObservedAt time.Time `json:"observed_at"`
}

// Observation is the throughput derived from two consecutive samples, in bytes per second.
type Observation struct {
	Key          Key       `json:"key"`
	RxThroughput float64   `json:"rx_throughput"`
	TxThroughput float64   `json:"tx_throughput"`
	ComputedAt   time.Time `json:"computed_at"`
}

// State is the classification of an interface.
type State int

const (
	StateNormal State = iota
	StateSuspect
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateSuspect:
		return "suspect"
	case StateBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Intent is the mitigation action requested by a transition.
type Intent int

const (
	IntentNone Intent = iota
	IntentBlock
)

func (i Intent) String() string {
	if i == IntentBlock {
		return "block"
	}
	return "none"
}

// WatchEntry exists only while an interface is SUSPECT.
type WatchEntry struct {
	Key     Key       `json:"key"`
	Strikes int       `json:"strikes"`
	Since   time.Time `json:"since"`
}

// BlockEntry exists only while an interface is BLOCKED.
// Sweeps counts the expiry sweeps that have seen the entry; it is only
// consulted by the sweep-count unblock policy.
type BlockEntry struct {
	Key       Key       `json:"key"`
	BlockedAt time.Time `json:"blocked_at"`
	Sweeps    int       `json:"sweeps"`
}

// Status is the state-machine view of one interface.
type Status struct {
	State   State
	Strikes int
}

// Decision is the outcome of evaluating one observation against the table.
type Decision struct {
	Key       Key
	From      Status
	To        Status
	Intent    Intent
	Adaptive  float64
	Active    int
	Effective int
}

// Changed reports whether the evaluation moved the interface to another state.
func (d Decision) Changed() bool {
	return d.From.State != d.To.State
}

// InterfaceView is a read-only copy of one table record.
type InterfaceView struct {
	Key          Key       `json:"key"`
	State        string    `json:"state"`
	RxBytes      uint64    `json:"rx_bytes"`
	TxBytes      uint64    `json:"tx_bytes"`
	ObservedAt   time.Time `json:"observed_at"`
	RxThroughput float64   `json:"rx_throughput"`
	TxThroughput float64   `json:"tx_throughput"`
	Strikes      int       `json:"strikes,omitempty"`
	BlockedAt    time.Time `json:"blocked_at,omitempty"`
	Pending      bool      `json:"pending,omitempty"`
}

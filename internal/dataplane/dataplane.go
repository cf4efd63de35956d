// Package dataplane defines the boundary between the mitigation core and the
// switches it controls: counter polling, drop-rule management and switch
// lifecycle. Wire protocol adapters implement these interfaces.
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ReservedPortMin is the first reserved (logical/controller) port number.
// Counters for ports at or above it are never monitored.
const ReservedPortMin uint32 = 0xffffff00

// DefaultDropPriority sits above the learning-switch forwarding rules (1)
// and the table-miss rule (0).
const DefaultDropPriority = 2

// ErrSwitchDisconnected is returned when the target switch is no longer connected.
var ErrSwitchDisconnected = errors.New("switch not connected")

// PortStats is one interface's cumulative byte counters.
type PortStats struct {
	PortNo  uint32 `json:"port_no"`
	RxBytes uint64 `json:"rx_bytes"`
	TxBytes uint64 `json:"tx_bytes"`
}

// CounterReply is the asynchronous answer to a counter request.
// A zero ReceivedAt means the receiver stamps it on arrival.
type CounterReply struct {
	SwitchID   uint64      `json:"switch_id"`
	Ports      []PortStats `json:"ports"`
	ReceivedAt time.Time   `json:"received_at"`
}

// ReplyHandler consumes counter replies. It may be called from any goroutine.
type ReplyHandler func(ctx context.Context, reply CounterReply)

// CounterSource requests per-port counters. Replies are delivered
// asynchronously to the handler registered with the source, never through
// the return value.
type CounterSource interface {
	RequestPortCounters(ctx context.Context, switchID uint64) error
}

// RuleInstaller manages ingress drop rules. Every call is fire-and-acknowledge:
// a nil error means the switch accepted the change.
type RuleInstaller interface {
	InstallDropRule(ctx context.Context, switchID uint64, portNo uint32, priority int) error
	RemoveDropRule(ctx context.Context, switchID uint64, portNo uint32) error
	// DiscardBuffered releases any packet the switch is holding for the
	// port without forwarding it.
	DiscardBuffered(ctx context.Context, switchID uint64, portNo uint32) error
}

// Dataplane is the full collaborator used by the daemon.
type Dataplane interface {
	CounterSource
	RuleInstaller
}

// IsReservedPort reports whether portNo is a reserved port number.
func IsReservedPort(portNo uint32) bool {
	return portNo >= ReservedPortMin
}

// ParseSwitchID parses a datapath id. It accepts the colon-separated form
// ("00:00:00:00:00:00:00:01"), hex with a 0x prefix, and bare hex as
// printed in logs and events.
func ParseSwitchID(s string) (uint64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.ReplaceAll(v, ":", "")
	v = strings.TrimPrefix(v, "0x")
	if v == "" {
		return 0, fmt.Errorf("empty switch id")
	}
	id, err := strconv.ParseUint(v, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing switch id %q: %w", s, err)
	}
	return id, nil
}

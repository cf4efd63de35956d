// Package mitigation turns block decisions into dataplane drop rules and
// removes them again when they expire.
package mitigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/floodgate-sdn/floodgate/internal/anomaly"
	"github.com/floodgate-sdn/floodgate/internal/dataplane"
	"github.com/floodgate-sdn/floodgate/internal/events"
	"github.com/floodgate-sdn/floodgate/internal/metrics"
)

// ErrNotBlocked is returned by Unblock when the interface has no block entry
// or another action for it is in flight.
var ErrNotBlocked = errors.New("interface not blocked")

// HostLabeler names the host behind a switch port for events and logs.
type HostLabeler interface {
	HostLabel(switchID uint64, portNo uint32) string
}

// Dispatcher installs and removes drop rules and keeps the interface table's
// block entries in step with what the switches have acknowledged.
type Dispatcher struct {
	rules    dataplane.RuleInstaller
	table    *anomaly.Table
	bus      *events.Bus
	logger   *slog.Logger
	priority int
	policy   anomaly.ExpiryPolicy
	hosts    HostLabeler
	lost     func(switchID uint64)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPriority sets the drop-rule priority.
func WithPriority(p int) Option {
	return func(d *Dispatcher) { d.priority = p }
}

// WithExpiry sets the unblock policy.
func WithExpiry(p anomaly.ExpiryPolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithHostLabeler attaches host names to events.
func WithHostLabeler(h HostLabeler) Option {
	return func(d *Dispatcher) { d.hosts = h }
}

// NewDispatcher creates a mitigation dispatcher. Defaults: priority 2,
// 30 second duration-based expiry.
func NewDispatcher(rules dataplane.RuleInstaller, table *anomaly.Table, bus *events.Bus, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		rules:    rules,
		table:    table,
		bus:      bus,
		logger:   logger,
		priority: dataplane.DefaultDropPriority,
		policy:   anomaly.DurationPolicy(30 * time.Second),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetSwitchLostHandler registers a callback invoked after a switch's state
// was purged because the dataplane reported it disconnected.
func (d *Dispatcher) SetSwitchLostHandler(fn func(switchID uint64)) {
	d.lost = fn
}

// Policy returns the configured expiry policy.
func (d *Dispatcher) Policy() anomaly.ExpiryPolicy {
	return d.policy
}

// Block installs a drop rule for every packet entering key's port, discards
// whatever the switch has buffered for it and records the block. Blocking an
// already blocked interface is a no-op. On failure the interface stays SUSPECT.
func (d *Dispatcher) Block(ctx context.Context, key anomaly.Key, now time.Time) error {
	if !d.table.BeginBlock(key) {
		d.logger.Debug("block skipped, interface blocked or busy", "switch", events.SwitchHex(key.Switch), "port", key.Port)
		return nil
	}

	if err := d.rules.InstallDropRule(ctx, key.Switch, key.Port, d.priority); err != nil {
		d.table.AbortBlock(key)
		metrics.DataplaneActions.WithLabelValues("install", "error").Inc()
		d.logger.Error("installing drop rule failed",
			"switch", events.SwitchHex(key.Switch),
			"port", key.Port,
			"error", err)
		d.publishPort(events.EventPortBlockFailed, key, now, func(p *events.PortData) { p.Error = err.Error() })
		if errors.Is(err, dataplane.ErrSwitchDisconnected) {
			d.switchLost(key.Switch, now)
		}
		return fmt.Errorf("installing drop rule on %s: %w", key, err)
	}
	metrics.DataplaneActions.WithLabelValues("install", "success").Inc()

	// The switch may be holding the packet that triggered this evaluation.
	if err := d.rules.DiscardBuffered(ctx, key.Switch, key.Port); err != nil {
		metrics.DataplaneActions.WithLabelValues("discard", "error").Inc()
		d.logger.Warn("discarding buffered packets failed",
			"switch", events.SwitchHex(key.Switch),
			"port", key.Port,
			"error", err)
	} else {
		metrics.DataplaneActions.WithLabelValues("discard", "success").Inc()
	}

	if !d.table.CommitBlock(key, now) {
		d.logger.Warn("interface state vanished before block commit",
			"switch", events.SwitchHex(key.Switch),
			"port", key.Port)
		return nil
	}

	var rx float64
	if obs, ok := d.table.Latest(key); ok {
		rx = obs.RxThroughput
	}
	d.logger.Warn("interface blocked",
		"switch", events.SwitchHex(key.Switch),
		"port", key.Port,
		"host", d.hostLabel(key),
		"rx_throughput", rx,
		"expiry", d.policy.String())
	d.publishPort(events.EventPortBlocked, key, now, func(p *events.PortData) {
		p.RxThroughput = rx
		p.BlockedAt = now
	})
	return nil
}

// SweepExpired removes the drop rules of every block entry the policy
// reports as expired and returns how many were removed. A failed removal
// keeps the entry so the next sweep retries it.
func (d *Dispatcher) SweepExpired(ctx context.Context, now time.Time) int {
	removed := 0
	for _, entry := range d.table.Expired(now, d.policy) {
		if d.remove(ctx, entry, now, "expired") == nil {
			removed++
		}
	}
	return removed
}

// Unblock removes key's drop rule ahead of its expiry.
func (d *Dispatcher) Unblock(ctx context.Context, key anomaly.Key, now time.Time) error {
	var entry anomaly.BlockEntry
	found := false
	for _, b := range d.table.Blocks() {
		if b.Key == key {
			entry, found = b, true
			break
		}
	}
	if !found || !d.table.BeginUnblock(key) {
		return fmt.Errorf("unblocking %s: %w", key, ErrNotBlocked)
	}
	return d.remove(ctx, entry, now, "manual")
}

// remove deletes the drop rule of a block entry reserved for removal.
func (d *Dispatcher) remove(ctx context.Context, entry anomaly.BlockEntry, now time.Time, reason string) error {
	key := entry.Key
	if err := d.rules.RemoveDropRule(ctx, key.Switch, key.Port); err != nil {
		d.table.AbortUnblock(key)
		metrics.DataplaneActions.WithLabelValues("remove", "error").Inc()
		d.logger.Error("removing drop rule failed, will retry",
			"switch", events.SwitchHex(key.Switch),
			"port", key.Port,
			"error", err)
		d.publishPort(events.EventPortUnblockFailed, key, now, func(p *events.PortData) {
			p.BlockedAt = entry.BlockedAt
			p.Error = err.Error()
		})
		if errors.Is(err, dataplane.ErrSwitchDisconnected) {
			d.switchLost(key.Switch, now)
		}
		return fmt.Errorf("removing drop rule on %s: %w", key, err)
	}
	metrics.DataplaneActions.WithLabelValues("remove", "success").Inc()

	if !d.table.CommitUnblock(key) {
		return nil
	}

	held := now.Sub(entry.BlockedAt)
	metrics.BlockDuration.Observe(held.Seconds())
	d.logger.Info("interface unblocked",
		"switch", events.SwitchHex(key.Switch),
		"port", key.Port,
		"host", d.hostLabel(key),
		"blocked_for", held.String(),
		"sweeps", entry.Sweeps,
		"reason", reason)
	d.bus.Publish(events.Event{
		Type:      events.EventPortUnblocked,
		Timestamp: now,
		Reason:    reason,
		Port: &events.PortData{
			SwitchID:       events.SwitchHex(key.Switch),
			PortNo:         key.Port,
			BlockedAt:      entry.BlockedAt,
			BlockedSeconds: held.Seconds(),
			Host:           d.hostLabel(key),
		},
	})
	return nil
}

// PurgeSwitch forgets every record of a switch without touching the
// dataplane. The switch's rules are gone with its connection.
func (d *Dispatcher) PurgeSwitch(switchID uint64, now time.Time, reason string) []anomaly.Key {
	affected := d.table.PurgeSwitch(switchID)
	metrics.SwitchPurges.Inc()

	purged := make([]string, 0, len(affected))
	for _, k := range affected {
		purged = append(purged, k.String())
	}
	d.logger.Info("switch state purged",
		"switch", events.SwitchHex(switchID),
		"affected", len(affected),
		"reason", reason)
	d.bus.Publish(events.Event{
		Type:      events.EventSwitchDisconnected,
		Timestamp: now,
		Reason:    reason,
		Switch: &events.SwitchData{
			SwitchID: events.SwitchHex(switchID),
			Purged:   purged,
		},
	})
	return affected
}

// switchLost stops polling before purging, matching the disconnect path.
func (d *Dispatcher) switchLost(switchID uint64, now time.Time) {
	if d.lost != nil {
		d.lost(switchID)
	}
	d.PurgeSwitch(switchID, now, "dataplane_disconnected")
}

func (d *Dispatcher) hostLabel(key anomaly.Key) string {
	if d.hosts == nil {
		return ""
	}
	return d.hosts.HostLabel(key.Switch, key.Port)
}

func (d *Dispatcher) publishPort(typ events.EventType, key anomaly.Key, now time.Time, fill func(*events.PortData)) {
	p := &events.PortData{
		SwitchID: events.SwitchHex(key.Switch),
		PortNo:   key.Port,
		Host:     d.hostLabel(key),
	}
	if fill != nil {
		fill(p)
	}
	d.bus.Publish(events.Event{Type: typ, Timestamp: now, Port: p})
}

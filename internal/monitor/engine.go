// Package monitor runs the poll loop: it requests port counters from every
// connected switch, feeds the replies through the anomaly table and hands
// block intents to the mitigation dispatcher.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/floodgate-sdn/floodgate/internal/anomaly"
	"github.com/floodgate-sdn/floodgate/internal/dataplane"
	"github.com/floodgate-sdn/floodgate/internal/events"
	"github.com/floodgate-sdn/floodgate/internal/metrics"
	"github.com/floodgate-sdn/floodgate/internal/mitigation"
	"github.com/floodgate-sdn/floodgate/internal/telemetry"
)

// DefaultPollInterval is the poll period used when none is configured.
const DefaultPollInterval = 2 * time.Second

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// EdgeResolver reports whether a port faces a host rather than another switch.
type EdgeResolver interface {
	IsEdgePort(switchID uint64, portNo uint32) bool
}

// SwitchObserver is told about switch lifecycle changes.
type SwitchObserver interface {
	SwitchUp(switchID uint64)
	SwitchDown(switchID uint64)
}

// Config holds the detection parameters.
type Config struct {
	Estimator    anomaly.Estimator
	StateMachine anomaly.StateMachine
	PollInterval time.Duration
}

// Engine ties the counter source, interface table and dispatcher together.
type Engine struct {
	cfg      Config
	table    *anomaly.Table
	source   dataplane.CounterSource
	disp     *mitigation.Dispatcher
	bus      *events.Bus
	logger   *slog.Logger
	clock    Clock
	edges    EdgeResolver
	observer SwitchObserver
	sink     telemetry.Sink

	mu       sync.RWMutex
	switches map[uint64]time.Time // connected switches → connect time

	allEdgeOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithEdgeResolver gates the watch list on edge ports. Without one every
// port is treated as an edge port.
func WithEdgeResolver(r EdgeResolver) Option {
	return func(e *Engine) { e.edges = r }
}

// WithSwitchObserver registers a lifecycle observer.
func WithSwitchObserver(o SwitchObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithSink sets the telemetry sink written once per tick.
func WithSink(s telemetry.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// NewEngine creates a poll engine.
func NewEngine(cfg Config, table *anomaly.Table, source dataplane.CounterSource, disp *mitigation.Dispatcher, bus *events.Bus, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	e := &Engine{
		cfg:      cfg,
		table:    table,
		source:   source,
		disp:     disp,
		bus:      bus,
		logger:   logger,
		clock:    systemClock{},
		switches: make(map[uint64]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	disp.SetSwitchLostHandler(e.forgetSwitch)
	return e
}

// SwitchConnected starts polling a switch.
func (e *Engine) SwitchConnected(switchID uint64) {
	now := e.clock.Now()

	e.mu.Lock()
	if _, ok := e.switches[switchID]; ok {
		e.mu.Unlock()
		return
	}
	e.switches[switchID] = now
	n := len(e.switches)
	e.mu.Unlock()

	metrics.SwitchesConnected.Set(float64(n))
	if e.observer != nil {
		e.observer.SwitchUp(switchID)
	}
	e.logger.Info("switch connected", "switch", events.SwitchHex(switchID))
	e.bus.Publish(events.Event{
		Type:      events.EventSwitchConnected,
		Timestamp: now,
		Switch:    &events.SwitchData{SwitchID: events.SwitchHex(switchID)},
	})
}

// SwitchDisconnected stops polling a switch and forgets all of its
// interface state. Its rules went with the connection, so no removal is
// attempted.
func (e *Engine) SwitchDisconnected(switchID uint64) {
	if !e.forget(switchID) {
		return
	}
	e.disp.PurgeSwitch(switchID, e.clock.Now(), "disconnect")
}

// forgetSwitch is the dispatcher's switch-lost callback; the dispatcher
// purges the table right after.
func (e *Engine) forgetSwitch(switchID uint64) {
	e.forget(switchID)
}

func (e *Engine) forget(switchID uint64) bool {
	e.mu.Lock()
	if _, ok := e.switches[switchID]; !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.switches, switchID)
	n := len(e.switches)
	e.mu.Unlock()

	metrics.SwitchesConnected.Set(float64(n))
	if e.observer != nil {
		e.observer.SwitchDown(switchID)
	}
	e.logger.Info("switch disconnected", "switch", events.SwitchHex(switchID))
	return true
}

// Switches returns the connected switch ids, sorted.
func (e *Engine) Switches() []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]uint64, 0, len(e.switches))
	for id := range e.switches {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *Engine) connected(switchID uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.switches[switchID]
	return ok
}

func (e *Engine) isEdge(key anomaly.Key) bool {
	if e.edges == nil {
		e.allEdgeOnce.Do(func() {
			e.logger.Warn("no edge resolver configured, every port is treated as an edge port")
		})
		return true
	}
	return e.edges.IsEdgePort(key.Switch, key.Port)
}

// HandleReply ingests one counter reply. Reserved ports and switches that
// are not connected are ignored. Safe for concurrent use.
func (e *Engine) HandleReply(ctx context.Context, reply dataplane.CounterReply) {
	start := time.Now()
	defer func() {
		metrics.ReplyProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	// Read before the connection check: a disconnect unregisters the switch
	// and then purges, so a reply racing it sees a stale epoch.
	epoch := e.table.Epoch(reply.SwitchID)
	if !e.connected(reply.SwitchID) {
		metrics.SamplesDiscarded.WithLabelValues("unknown_switch").Inc()
		e.logger.Debug("counter reply from unknown switch ignored", "switch", events.SwitchHex(reply.SwitchID))
		return
	}
	metrics.CounterReplies.WithLabelValues(events.SwitchHex(reply.SwitchID)).Inc()

	now := reply.ReceivedAt
	if now.IsZero() {
		now = e.clock.Now()
	}

	for _, ps := range reply.Ports {
		if dataplane.IsReservedPort(ps.PortNo) {
			continue
		}
		key := anomaly.Key{Switch: reply.SwitchID, Port: ps.PortNo}

		obs, reason := e.table.IngestSince(epoch, key, ps.RxBytes, ps.TxBytes, now)
		if reason == anomaly.DiscardPurged {
			metrics.SamplesDiscarded.WithLabelValues(string(reason)).Inc()
			e.logger.Debug("counter reply outlived its switch", "switch", events.SwitchHex(reply.SwitchID))
			return
		}
		if reason != anomaly.DiscardNone {
			metrics.SamplesDiscarded.WithLabelValues(string(reason)).Inc()
			if reason == anomaly.DiscardReset {
				e.logger.Info("counter reset, re-baselined", "switch", events.SwitchHex(key.Switch), "port", key.Port)
			}
			continue
		}

		d := e.table.Evaluate(obs, e.cfg.Estimator, e.cfg.StateMachine, e.isEdge(key))
		metrics.AdaptiveThreshold.Set(d.Adaptive)
		if d.Changed() {
			e.transition(d, obs, now)
		}

		if d.Intent != anomaly.IntentBlock {
			continue
		}
		e.logger.Warn("interface over adaptive threshold",
			"switch", events.SwitchHex(key.Switch),
			"port", key.Port,
			"rx_throughput", obs.RxThroughput,
			"adaptive_threshold", d.Adaptive,
			"active", d.Active,
			"effective", d.Effective,
			"strikes", d.To.Strikes)
		if err := e.disp.Block(ctx, key, now); err != nil && errors.Is(err, dataplane.ErrSwitchDisconnected) {
			// the switch and its remaining ports are gone
			return
		}
	}
}

func (e *Engine) transition(d anomaly.Decision, obs anomaly.Observation, now time.Time) {
	metrics.StateTransitions.WithLabelValues(d.From.State.String(), d.To.State.String()).Inc()

	var typ events.EventType
	switch d.To.State {
	case anomaly.StateSuspect:
		typ = events.EventPortSuspect
		e.logger.Info("interface added to watch list",
			"switch", events.SwitchHex(d.Key.Switch),
			"port", d.Key.Port,
			"rx_throughput", obs.RxThroughput)
	case anomaly.StateNormal:
		typ = events.EventPortCleared
		e.logger.Info("interface removed from watch list",
			"switch", events.SwitchHex(d.Key.Switch),
			"port", d.Key.Port)
	default:
		return
	}
	e.bus.Publish(events.Event{
		Type:      typ,
		Timestamp: now,
		Port: &events.PortData{
			SwitchID:          events.SwitchHex(d.Key.Switch),
			PortNo:            d.Key.Port,
			RxThroughput:      obs.RxThroughput,
			AdaptiveThreshold: d.Adaptive,
			Strikes:           d.To.Strikes,
		},
	})
}

// Tick runs one poll iteration: request counters from every connected
// switch without waiting for the replies, sweep expired blocks, then write
// one telemetry record per interface.
func (e *Engine) Tick(ctx context.Context) {
	start := time.Now()
	metrics.PollTicks.Inc()

	for _, id := range e.Switches() {
		err := e.source.RequestPortCounters(ctx, id)
		if err == nil {
			metrics.DataplaneActions.WithLabelValues("request", "success").Inc()
			continue
		}
		metrics.DataplaneActions.WithLabelValues("request", "error").Inc()
		if errors.Is(err, dataplane.ErrSwitchDisconnected) {
			e.SwitchDisconnected(id)
			continue
		}
		e.logger.Warn("requesting port counters failed", "switch", events.SwitchHex(id), "error", err)
	}

	now := e.clock.Now()
	if n := e.disp.SweepExpired(ctx, now); n > 0 {
		e.logger.Debug("expired blocks removed", "count", n)
	}

	records := e.snapshot(now)
	if e.sink != nil && len(records) > 0 {
		if err := e.sink.Write(ctx, records); err != nil {
			e.logger.Debug("telemetry batch incomplete", "error", err)
		}
	}

	metrics.PollDuration.Observe(time.Since(start).Seconds())
}

// Activity returns the current active set, the number of blocked
// interfaces and the adaptive threshold.
func (e *Engine) Activity() (anomaly.ActiveSet, int, float64) {
	return e.table.Activity(e.cfg.Estimator)
}

// snapshot refreshes the gauges and builds the telemetry batch.
func (e *Engine) snapshot(now time.Time) []telemetry.Record {
	set, blocked, adaptive := e.table.Activity(e.cfg.Estimator)
	views := e.table.Snapshot()

	metrics.InterfacesMonitored.Set(float64(len(views)))
	metrics.InterfacesActive.Set(float64(len(set)))
	metrics.InterfacesBlocked.Set(float64(blocked))
	metrics.InterfacesWatched.Set(float64(len(e.table.Watches())))

	active := make([]string, 0, len(set))
	for _, k := range set.Keys() {
		active = append(active, k.String())
	}
	var blockedKeys []string
	for _, b := range e.table.Blocks() {
		blockedKeys = append(blockedKeys, b.Key.String())
	}

	records := make([]telemetry.Record, 0, len(views))
	for _, v := range views {
		if v.ObservedAt.IsZero() {
			continue
		}
		records = append(records, telemetry.Record{
			Timestamp:         now,
			SwitchID:          events.SwitchHex(v.Key.Switch),
			PortNo:            v.Key.Port,
			State:             v.State,
			RxBytes:           v.RxBytes,
			TxBytes:           v.TxBytes,
			RxThroughput:      v.RxThroughput,
			TxThroughput:      v.TxThroughput,
			ActiveInterfaces:  len(set),
			AdaptiveThreshold: adaptive,
			Active:            active,
			Blocked:           blockedKeys,
		})
	}
	return records
}

// Run ticks immediately and then every poll interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("poll loop started", "interval", e.cfg.PollInterval.String(), "expiry", e.disp.Policy().String())

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("poll loop stopped")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

package events

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/floodgate-sdn/floodgate/internal/dataplane"
)

// Dispatcher routes bus events to script hooks and webhooks. Hook failures
// never reach the poll path.
type Dispatcher struct {
	bus      *Bus
	scripts  *ScriptRunner
	webhooks *WebhookSender
	logger   *slog.Logger
	routes   []route

	ch       chan Event
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// route is one hook binding with its filters resolved.
type route struct {
	kind     string
	name     string
	events   []string
	switches map[uint64]bool // empty: every switch
	fire     func(Event)
}

func (r route) matches(evt Event) bool {
	if !MatchesEvent(r.events, string(evt.Type)) {
		return false
	}
	if len(r.switches) == 0 {
		return true
	}
	id, err := strconv.ParseUint(evt.SwitchID(), 16, 64)
	if err != nil {
		return false
	}
	return r.switches[id]
}

// NewDispatcher creates an event dispatcher.
func NewDispatcher(bus *Bus, logger *slog.Logger, scriptConcurrency int, webhookTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		bus:      bus,
		scripts:  NewScriptRunner(scriptConcurrency, logger),
		webhooks: NewWebhookSender(webhookTimeout, logger),
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// AddScript registers a script hook. Unparseable entries in the switch
// filter are logged and ignored.
func (d *Dispatcher) AddScript(cfg ScriptConfig) {
	d.routes = append(d.routes, route{
		kind:     "script",
		name:     cfg.Name,
		events:   cfg.Events,
		switches: d.switchFilter(cfg.Name, cfg.Switches),
		fire:     func(evt Event) { d.scripts.Run(cfg, evt) },
	})
}

// AddWebhook registers a webhook hook.
func (d *Dispatcher) AddWebhook(cfg WebhookConfig) {
	d.routes = append(d.routes, route{
		kind:   "webhook",
		name:   cfg.Name,
		events: cfg.Events,
		fire:   func(evt Event) { d.webhooks.Send(cfg, evt) },
	})
}

func (d *Dispatcher) switchFilter(hook string, ids []string) map[uint64]bool {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[uint64]bool, len(ids))
	for _, s := range ids {
		id, err := dataplane.ParseSwitchID(s)
		if err != nil {
			d.logger.Warn("ignoring invalid switch id in hook filter", "hook_name", hook, "switch", s)
			continue
		}
		out[id] = true
	}
	return out
}

// Start subscribes to the bus for the union of the hooks' event patterns
// and dispatches in the background. Without hooks it does nothing.
func (d *Dispatcher) Start() {
	if len(d.routes) == 0 {
		d.logger.Info("no event hooks configured")
		return
	}

	var patterns []string
	for _, r := range d.routes {
		if len(r.events) == 0 {
			patterns = nil
			break
		}
		patterns = append(patterns, r.events...)
	}
	d.ch = d.bus.Subscribe(1000, patterns...)

	d.logger.Info("event dispatcher started", "hooks", len(d.routes))
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case evt, ok := <-d.ch:
				if !ok {
					return
				}
				d.dispatch(evt)
			case <-d.done:
				return
			}
		}
	}()
}

// Stop unsubscribes and waits for running scripts and webhook deliveries.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
		if d.ch != nil {
			d.bus.Unsubscribe(d.ch)
		}
		d.webhooks.Stop()
		d.scripts.Wait()
		d.logger.Info("event dispatcher stopped")
	})
}

// dispatch hands one event to every matching hook.
func (d *Dispatcher) dispatch(evt Event) {
	for _, r := range d.routes {
		if r.matches(evt) {
			d.logger.Debug("dispatching event to hook",
				"hook_type", r.kind,
				"hook_name", r.name,
				"event", string(evt.Type),
				"subject", subject(evt))
			r.fire(evt)
		}
	}
}

// MatchesEvent reports whether eventType matches any of patterns. A pattern
// is an exact type, "*" or a family wildcard such as "port.*". No patterns
// matches everything.
func MatchesEvent(patterns []string, eventType string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		switch {
		case p == "*", p == eventType:
			return true
		case strings.HasSuffix(p, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(p, "*")):
			return true
		}
	}
	return false
}

package events

import (
	"log/slog"
	"sync"

	"github.com/floodgate-sdn/floodgate/internal/metrics"
)

// Bus fans events out to subscribers. Publish never blocks the poll path:
// when the bus or a subscriber is full the event is dropped and counted
// per event type.
type Bus struct {
	ch     chan Event
	logger *slog.Logger

	mu   sync.RWMutex
	subs []*subscription

	dropMu sync.Mutex
	drops  map[EventType]uint64

	done     chan struct{}
	stopOnce sync.Once
}

// subscription is one subscriber channel and the event patterns it wants.
type subscription struct {
	ch       chan Event
	patterns []string
}

// NewBus creates an event bus with the given buffer size.
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Bus{
		ch:     make(chan Event, bufferSize),
		logger: logger,
		drops:  make(map[EventType]uint64),
		done:   make(chan struct{}),
	}
}

// Start delivers events to subscribers until Stop. Call in a goroutine.
func (b *Bus) Start() {
	for {
		select {
		case evt := <-b.ch:
			b.deliver(evt)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) deliver(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !MatchesEvent(s.patterns, string(evt.Type)) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			b.dropped(evt, "subscriber")
		}
	}
}

// Stop shuts down the bus. Publish after Stop is a no-op.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

// Publish queues an event. A nil bus discards it.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	select {
	case <-b.done:
		return
	default:
	}

	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
	select {
	case b.ch <- evt:
	default:
		b.dropped(evt, "bus")
	}
}

// dropped counts a lost event. Losing a mitigation event means a hook or
// the history missed a dataplane change, so it is logged as an error.
func (b *Bus) dropped(evt Event, stage string) {
	b.dropMu.Lock()
	b.drops[evt.Type]++
	n := b.drops[evt.Type]
	b.dropMu.Unlock()
	metrics.EventBufferDrops.Inc()

	args := []any{"event_type", string(evt.Type), "stage", stage, "dropped", n}
	if evt.Port != nil {
		args = append(args, "interface", evt.Port.Interface())
	} else if evt.Switch != nil {
		args = append(args, "switch", evt.Switch.SwitchID)
	}
	if evt.Type.Mitigation() {
		b.logger.Error("mitigation event dropped, buffer full", args...)
		return
	}
	b.logger.Warn("event dropped, buffer full", args...)
}

// Subscribe returns a channel receiving the events that match patterns
// ("port.*", "switch.disconnected", ...). No patterns means every event.
func (b *Bus) Subscribe(bufferSize int, patterns ...string) chan Event {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	s := &subscription{ch: make(chan Event, bufferSize), patterns: patterns}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s.ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.ch == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Drops returns the number of dropped events of the given types, or of all
// types when none are given.
func (b *Bus) Drops(types ...EventType) uint64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()

	var n uint64
	if len(types) == 0 {
		for _, c := range b.drops {
			n += c
		}
		return n
	}
	for _, t := range types {
		n += b.drops[t]
	}
	return n
}

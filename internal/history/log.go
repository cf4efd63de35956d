// Package history keeps a persistent record of mitigation actions.
// Every block, unblock, failed dataplane call and switch purge published on
// the event bus is stored in a dedicated BoltDB bucket and indexed by port,
// so operators can answer "when was this port blocked and why" after the
// in-memory interface table has moved on.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/floodgate-sdn/floodgate/internal/events"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketHistory   = []byte("mitigation_history")
	bucketPortIndex = []byte("mitigation_port_index") // "switch/port" → record ids
)

// DefaultLimit caps query results when QueryParams.Limit is unset.
const DefaultLimit = 1000

// Record is a single history entry.
type Record struct {
	ID                uint64   `json:"id"`
	Timestamp         string   `json:"timestamp"`
	Event             string   `json:"event"`
	SwitchID          string   `json:"switch_id"`
	PortNo            uint32   `json:"port_no,omitempty"`
	Host              string   `json:"host,omitempty"`
	RxThroughput      float64  `json:"rx_throughput,omitempty"`
	AdaptiveThreshold float64  `json:"adaptive_threshold,omitempty"`
	BlockedSeconds    float64  `json:"blocked_seconds,omitempty"`
	Purged            []string `json:"purged,omitempty"`
	Reason            string   `json:"reason,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// PortKey returns the index key of a port record, or "" for switch events.
func (r Record) PortKey() string {
	if !strings.HasPrefix(r.Event, "port.") || r.SwitchID == "" {
		return ""
	}
	return portKey(r.SwitchID, r.PortNo)
}

// QueryParams holds filter parameters for querying the history.
type QueryParams struct {
	SwitchID string    // filter by datapath id (16 hex digits)
	Port     *uint32   // filter by port; requires SwitchID
	Event    string    // filter by event type
	From     time.Time // range start (inclusive)
	To       time.Time // range end (inclusive)
	Limit    int       // max results (0 = DefaultLimit)
}

// Stats summarises the stored history.
type Stats struct {
	Records     int `json:"records"`
	Blocks      int `json:"blocks"`
	Unblocks    int `json:"unblocks"`
	Failures    int `json:"failures"`
	Purges      int `json:"purges"`
	PortsHit    int `json:"ports_hit"`
	ActiveBlock int `json:"active_blocks"`
}

// Log records mitigation events from the bus.
type Log struct {
	db     *bolt.DB
	bus    *events.Bus
	logger *slog.Logger
	ch     chan events.Event
	done   chan struct{}
	stop   sync.Once
}

// NewLog creates a history log backed by BoltDB and subscribes it to bus.
// Events are buffered until Start is called.
func NewLog(db *bolt.DB, bus *events.Bus, logger *slog.Logger) (*Log, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketHistory); err != nil {
			return fmt.Errorf("creating history bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketPortIndex); err != nil {
			return fmt.Errorf("creating history port index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l := &Log{
		db:     db,
		bus:    bus,
		logger: logger,
		done:   make(chan struct{}),
	}
	if bus != nil {
		l.ch = bus.Subscribe(2000,
			string(events.EventPortBlocked), string(events.EventPortBlockFailed),
			string(events.EventPortUnblocked), string(events.EventPortUnblockFailed),
			string(events.EventSwitchDisconnected))
	}
	return l, nil
}

// Start records events until Stop is called. Call in a goroutine.
func (l *Log) Start() {
	if l.ch == nil {
		return
	}
	l.logger.Info("mitigation history started")

	for {
		select {
		case evt, ok := <-l.ch:
			if !ok {
				return
			}
			l.handleEvent(evt)
		case <-l.done:
			return
		}
	}
}

// Stop shuts down the subscriber.
func (l *Log) Stop() {
	l.stop.Do(func() {
		close(l.done)
		if l.ch != nil {
			l.bus.Unsubscribe(l.ch)
		}
		l.logger.Info("mitigation history stopped")
	})
}

// handleEvent converts a bus event into a history record and persists it.
func (l *Log) handleEvent(evt events.Event) {
	rec, ok := FromEvent(evt)
	if !ok {
		return
	}
	if err := l.append(rec); err != nil {
		l.logger.Error("failed to write history record",
			"event", rec.Event, "switch", rec.SwitchID, "port", rec.PortNo, "error", err)
	}
}

// FromEvent builds a record from a bus event. Suspect and cleared
// transitions are not mitigation actions and report false.
func FromEvent(evt events.Event) (Record, bool) {
	rec := Record{
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339Nano),
		Event:     string(evt.Type),
		Reason:    evt.Reason,
	}

	if !evt.Type.Mitigation() {
		return Record{}, false
	}
	switch {
	case evt.Port != nil:
		if evt.Type == events.EventSwitchDisconnected {
			return Record{}, false
		}
		p := evt.Port
		rec.SwitchID = p.SwitchID
		rec.PortNo = p.PortNo
		rec.Host = p.Host
		rec.RxThroughput = p.RxThroughput
		rec.AdaptiveThreshold = p.AdaptiveThreshold
		rec.BlockedSeconds = p.BlockedSeconds
		rec.Error = p.Error
	case evt.Switch != nil && evt.Type == events.EventSwitchDisconnected:
		rec.SwitchID = evt.Switch.SwitchID
		rec.Purged = evt.Switch.Purged
	default:
		return Record{}, false
	}
	return rec, true
}

// append persists a single record with an auto-increment ID.
func (l *Log) append(rec Record) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("generating history ID: %w", err)
		}
		rec.ID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshalling history record: %w", err)
		}
		if err := b.Put(uint64Key(id), data); err != nil {
			return fmt.Errorf("storing history record: %w", err)
		}

		pk := rec.PortKey()
		if pk == "" {
			return nil
		}
		idx := tx.Bucket(bucketPortIndex)
		var ids []uint64
		if existing := idx.Get([]byte(pk)); existing != nil {
			if err := json.Unmarshal(existing, &ids); err != nil {
				return fmt.Errorf("decoding port index %s: %w", pk, err)
			}
		}
		ids = append(ids, id)
		idData, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("marshalling port index: %w", err)
		}
		return idx.Put([]byte(pk), idData)
	})
}

// Query searches the history, newest first.
func (l *Log) Query(params QueryParams) ([]Record, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	if params.SwitchID != "" && params.Port != nil {
		return l.queryByPort(params, limit)
	}

	var results []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()
		for k, v := c.Last(); k != nil && len(results) < limit; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

// queryByPort uses the port index.
func (l *Log) queryByPort(params QueryParams, limit int) ([]Record, error) {
	var results []Record

	err := l.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketPortIndex)
		b := tx.Bucket(bucketHistory)

		idsData := idx.Get([]byte(portKey(params.SwitchID, *params.Port)))
		if idsData == nil {
			return nil
		}
		var ids []uint64
		if err := json.Unmarshal(idsData, &ids); err != nil {
			return fmt.Errorf("decoding port index: %w", err)
		}

		for i := len(ids) - 1; i >= 0 && len(results) < limit; i-- {
			data := b.Get(uint64Key(ids[i]))
			if data == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

// Count returns the total number of records.
func (l *Log) Count() int {
	var count int
	l.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketHistory).Stats().KeyN
		return nil
	})
	return count
}

// Stats walks the history and tallies it. ActiveBlock counts ports whose
// most recent block has not been followed by an unblock or a purge.
func (l *Log) Stats() (Stats, error) {
	var s Stats
	hit := make(map[string]bool)
	blocked := make(map[string]bool)
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHistory).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			s.Records++
			if pk := rec.PortKey(); pk != "" {
				hit[pk] = true
			}
			switch events.EventType(rec.Event) {
			case events.EventPortBlocked:
				s.Blocks++
				blocked[rec.PortKey()] = true
			case events.EventPortUnblocked:
				s.Unblocks++
				delete(blocked, rec.PortKey())
			case events.EventPortBlockFailed, events.EventPortUnblockFailed:
				s.Failures++
			case events.EventSwitchDisconnected:
				s.Purges++
				for _, k := range rec.Purged {
					delete(blocked, k)
				}
			}
			return nil
		})
	})
	s.PortsHit = len(hit)
	s.ActiveBlock = len(blocked)
	return s, err
}

func matchesQuery(rec Record, params QueryParams) bool {
	if params.SwitchID != "" && rec.SwitchID != params.SwitchID {
		return false
	}
	if params.Port != nil && rec.PortNo != *params.Port {
		return false
	}
	if params.Event != "" && rec.Event != params.Event {
		return false
	}

	if params.From.IsZero() && params.To.IsZero() {
		return true
	}
	recTime, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return false
	}
	if !params.From.IsZero() && recTime.Before(params.From) {
		return false
	}
	if !params.To.IsZero() && recTime.After(params.To) {
		return false
	}
	return true
}

func portKey(sw string, port uint32) string {
	return sw + "/" + strconv.FormatUint(uint64(port), 10)
}

func uint64Key(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

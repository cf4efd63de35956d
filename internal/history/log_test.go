package history

import (
	"bytes"
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/floodgate-sdn/floodgate/internal/events"
	bolt "go.etcd.io/bbolt"
)

func testDB(t *testing.T) *bolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const sw1 = "0000000000000001"

func portRecord(at time.Time, ev events.EventType, port uint32) Record {
	return Record{
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Event:     string(ev),
		SwitchID:  sw1,
		PortNo:    port,
	}
}

func ptr(v uint32) *uint32 { return &v }

func TestHistoryAppendAndQuery(t *testing.T) {
	db := testDB(t)
	hl, err := NewLog(db, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	records := []Record{
		portRecord(now.Add(-2*time.Hour), events.EventPortBlocked, 1),
		portRecord(now.Add(-2*time.Hour+30*time.Second), events.EventPortUnblocked, 1),
		portRecord(now.Add(-30*time.Minute), events.EventPortBlocked, 2),
		{Timestamp: now.Format(time.RFC3339Nano), Event: string(events.EventSwitchDisconnected), SwitchID: "0000000000000002"},
	}
	for _, r := range records {
		if err := hl.append(r); err != nil {
			t.Fatal(err)
		}
	}

	if hl.Count() != 4 {
		t.Errorf("expected 4 records, got %d", hl.Count())
	}

	tests := []struct {
		name   string
		params QueryParams
		want   int
	}{
		{"all", QueryParams{}, 4},
		{"by switch", QueryParams{SwitchID: sw1}, 3},
		{"by port", QueryParams{SwitchID: sw1, Port: ptr(1)}, 2},
		{"by port and event", QueryParams{SwitchID: sw1, Port: ptr(1), Event: "port.blocked"}, 1},
		{"unknown port", QueryParams{SwitchID: sw1, Port: ptr(9)}, 0},
		{"by event", QueryParams{Event: "port.blocked"}, 2},
		{"range", QueryParams{From: now.Add(-90 * time.Minute), To: now.Add(-15 * time.Minute)}, 1},
		{"limit", QueryParams{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := hl.Query(tt.params)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d records, want %d", len(got), tt.want)
			}
		})
	}

	all, _ := hl.Query(QueryParams{})
	if all[0].ID < all[len(all)-1].ID {
		t.Error("expected results ordered newest first")
	}
}

func TestFromEvent(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rec, ok := FromEvent(events.Event{
		Type:      events.EventPortUnblocked,
		Timestamp: at,
		Reason:    "expired",
		Port:      &events.PortData{SwitchID: sw1, PortNo: 3, BlockedSeconds: 31, Host: "cam-1"},
	})
	if !ok {
		t.Fatal("unblock event not recorded")
	}
	if rec.PortKey() != sw1+"/3" || rec.BlockedSeconds != 31 || rec.Host != "cam-1" || rec.Reason != "expired" {
		t.Errorf("record = %+v", rec)
	}

	for _, evt := range []events.Event{
		{Type: events.EventPortSuspect, Port: &events.PortData{SwitchID: sw1, PortNo: 1}},
		{Type: events.EventPortCleared, Port: &events.PortData{SwitchID: sw1, PortNo: 1}},
		{Type: events.EventSwitchConnected, Switch: &events.SwitchData{SwitchID: sw1}},
		{Type: events.EventPortBlocked},
	} {
		if _, ok := FromEvent(evt); ok {
			t.Errorf("%s event should not be recorded", evt.Type)
		}
	}
}

func TestHistoryEventBusIntegration(t *testing.T) {
	db := testDB(t)
	bus := events.NewBus(100, testLogger())
	go bus.Start()
	defer bus.Stop()

	hl, err := NewLog(db, bus, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	go hl.Start()
	defer hl.Stop()

	now := time.Now()
	bus.Publish(events.Event{Type: events.EventPortSuspect, Timestamp: now,
		Port: &events.PortData{SwitchID: sw1, PortNo: 1}})
	bus.Publish(events.Event{Type: events.EventPortBlocked, Timestamp: now,
		Port: &events.PortData{SwitchID: sw1, PortNo: 1, RxThroughput: 400000}})

	deadline := time.Now().Add(2 * time.Second)
	for hl.Count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	results, err := hl.Query(QueryParams{SwitchID: sw1, Port: ptr(1)})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 record from event bus, got %d", len(results))
	}
	if results[0].Event != "port.blocked" || results[0].RxThroughput != 400000 {
		t.Errorf("record = %+v", results[0])
	}
}

func TestHistoryStats(t *testing.T) {
	db := testDB(t)
	hl, err := NewLog(db, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	hl.append(portRecord(now, events.EventPortBlocked, 1))
	hl.append(portRecord(now, events.EventPortBlocked, 2))
	hl.append(portRecord(now, events.EventPortBlocked, 3))
	hl.append(portRecord(now, events.EventPortUnblockFailed, 1))
	hl.append(portRecord(now, events.EventPortUnblocked, 1))
	hl.append(Record{Timestamp: now.Format(time.RFC3339Nano), Event: string(events.EventSwitchDisconnected),
		SwitchID: sw1, Purged: []string{sw1 + "/2"}})

	s, err := hl.Stats()
	if err != nil {
		t.Fatal(err)
	}
	want := Stats{Records: 6, Blocks: 3, Unblocks: 1, Failures: 1, Purges: 1, PortsHit: 3, ActiveBlock: 1}
	if s != want {
		t.Errorf("stats = %+v, want %+v", s, want)
	}
}

func TestHistoryStopIdempotent(t *testing.T) {
	bus := events.NewBus(10, testLogger())
	go bus.Start()
	defer bus.Stop()

	hl, err := NewLog(testDB(t), bus, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		hl.Start()
		close(done)
	}()
	hl.Stop()
	hl.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestWriteCSV(t *testing.T) {
	recs := []Record{
		{ID: 2, Timestamp: "2024-05-01T12:00:31Z", Event: "port.unblocked", SwitchID: sw1, PortNo: 1, BlockedSeconds: 31, Reason: "expired"},
		{ID: 1, Timestamp: "2024-05-01T12:00:00Z", Event: "switch.disconnected", SwitchID: sw1, Purged: []string{sw1 + "/1", sw1 + "/2"}},
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, recs); err != nil {
		t.Fatal(err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[1][4] != "1" || rows[1][8] != "31.00" || rows[1][10] != "expired" {
		t.Errorf("unblock row = %v", rows[1])
	}
	if rows[2][4] != "" || rows[2][9] != sw1+"/1 "+sw1+"/2" {
		t.Errorf("purge row = %v", rows[2])
	}
}

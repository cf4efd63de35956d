package telemetry

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var ts = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleRecords() []Record {
	return []Record{
		{
			Timestamp:         ts,
			SwitchID:          "0000000000000001",
			PortNo:            1,
			State:             "blocked",
			RxBytes:           900000,
			TxBytes:           1000,
			RxThroughput:      450000,
			TxThroughput:      500,
			ActiveInterfaces:  2,
			AdaptiveThreshold: 330000,
			Active:            []string{"0000000000000001/1", "0000000000000001/2"},
			Blocked:           []string{"0000000000000001/1"},
		},
		{
			Timestamp: ts,
			SwitchID:  "0000000000000001",
			PortNo:    2,
			State:     "normal",
		},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestCSVSinkWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.csv")

	s, err := NewCSVSink(path, false)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Write(ctx, sampleRecords()); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, sampleRecords()[:1]); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// reopening in append mode must not repeat the header
	s2, err := NewCSVSink(path, true)
	if err != nil {
		t.Fatal(err)
	}
	s2.Write(ctx, sampleRecords()[1:])
	s2.Close()

	rows := readCSV(t, path)
	if len(rows) != 5 {
		t.Fatalf("rows = %d, want 5 (header + 4)", len(rows))
	}
	if rows[0][0] != "timestamp" || len(rows[0]) != len(CSVHeaders) {
		t.Errorf("header = %v", rows[0])
	}
	first := rows[1]
	if first[1] != "0000000000000001" || first[2] != "1" || first[3] != "blocked" {
		t.Errorf("row = %v", first)
	}
	if first[6] != "450000.00" {
		t.Errorf("rx_throughput = %q", first[6])
	}
	if first[11] != "0000000000000001/1" {
		t.Errorf("blocked = %q", first[11])
	}
}

func TestCSVSinkTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.csv")
	os.WriteFile(path, []byte("stale,data\n"), 0644)

	s, err := NewCSVSink(path, false)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	rows := readCSV(t, path)
	if len(rows) != 1 || rows[0][0] != "timestamp" {
		t.Errorf("rows after truncate = %v", rows)
	}
}

type fakePublisher struct {
	subject string
	data    [][]byte
	err     error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subject = subject
	p.data = append(p.data, data)
	return nil
}

func TestNATSSinkPublishesBatch(t *testing.T) {
	pub := &fakePublisher{}
	s := &NATSSink{pub: pub, subject: "floodgate.telemetry", logger: testLogger()}

	if err := s.Write(context.Background(), sampleRecords()); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(pub.data) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.data))
	}
	if pub.subject != "floodgate.telemetry" {
		t.Errorf("subject = %q", pub.subject)
	}

	var b Batch
	if err := json.Unmarshal(pub.data[0], &b); err != nil {
		t.Fatal(err)
	}
	if len(b.Records) != 2 || !b.Timestamp.Equal(ts) || b.Records[0].RxThroughput != 450000 {
		t.Errorf("batch = %+v", b)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close on unconnected sink: %v", err)
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Write(context.Context, []Record) error {
	f.calls++
	return errors.New("disk full")
}
func (f *failingSink) Close() error { return nil }

func TestMultiContinuesPastFailure(t *testing.T) {
	bad := &failingSink{}
	pub := &fakePublisher{}
	good := &NATSSink{pub: pub, subject: "t", logger: testLogger()}

	m := NewMulti(testLogger(), bad, nil, good)
	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}

	err := m.Write(context.Background(), sampleRecords())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if bad.calls != 1 || len(pub.data) != 1 {
		t.Errorf("bad calls = %d, published = %d", bad.calls, len(pub.data))
	}

	// empty batches never reach the sinks
	if err := m.Write(context.Background(), nil); err != nil {
		t.Errorf("empty write: %v", err)
	}
	if bad.calls != 1 {
		t.Error("empty batch was forwarded")
	}
}

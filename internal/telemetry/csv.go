package telemetry

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CSVHeaders returns the CSV column headers for telemetry records.
var CSVHeaders = []string{
	"timestamp", "switch_id", "port_no", "state", "rx_bytes", "tx_bytes",
	"rx_throughput", "tx_throughput", "active_interfaces", "adaptive_threshold",
	"active", "blocked",
}

// CSVSink appends records to a CSV file, writing the header once.
type CSVSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *csv.Writer
	path string
}

// NewCSVSink opens path for appending. Unless appendExisting is set, an
// existing file is truncated so each run starts a fresh series.
func NewCSVSink(path string, appendExisting bool) (*CSVSink, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !appendExisting {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening telemetry csv: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat telemetry csv: %w", err)
	}

	s := &CSVSink{f: f, w: csv.NewWriter(f), path: path}
	if info.Size() == 0 {
		if err := s.w.Write(CSVHeaders); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing CSV header: %w", err)
		}
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing CSV header: %w", err)
		}
	}
	return s, nil
}

// Name implements Named.
func (s *CSVSink) Name() string { return "csv" }

// Write implements Sink.
func (s *CSVSink) Write(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		row := []string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.SwitchID,
			strconv.FormatUint(uint64(r.PortNo), 10),
			r.State,
			strconv.FormatUint(r.RxBytes, 10),
			strconv.FormatUint(r.TxBytes, 10),
			strconv.FormatFloat(r.RxThroughput, 'f', 2, 64),
			strconv.FormatFloat(r.TxThroughput, 'f', 2, 64),
			strconv.Itoa(r.ActiveInterfaces),
			strconv.FormatFloat(r.AdaptiveThreshold, 'f', 2, 64),
			strings.Join(r.Active, " "),
			strings.Join(r.Blocked, " "),
		}
		if err := s.w.Write(row); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flushing %s: %w", s.path, err)
	}
	return nil
}

// Close implements Sink.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return s.f.Close()
}

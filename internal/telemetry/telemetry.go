// Package telemetry exports one record per monitored interface per poll
// tick to CSV files and NATS subjects.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/floodgate-sdn/floodgate/internal/metrics"
)

// Record is one interface's state at a poll tick.
type Record struct {
	Timestamp         time.Time `json:"timestamp"`
	SwitchID          string    `json:"switch_id"`
	PortNo            uint32    `json:"port_no"`
	State             string    `json:"state"`
	RxBytes           uint64    `json:"rx_bytes"`
	TxBytes           uint64    `json:"tx_bytes"`
	RxThroughput      float64   `json:"rx_throughput"`
	TxThroughput      float64   `json:"tx_throughput"`
	ActiveInterfaces  int       `json:"active_interfaces"`
	AdaptiveThreshold float64   `json:"adaptive_threshold"`
	Active            []string  `json:"active,omitempty"`
	Blocked           []string  `json:"blocked,omitempty"`
}

// Sink receives telemetry batches.
type Sink interface {
	Write(ctx context.Context, records []Record) error
	Close() error
}

// Named is implemented by sinks that label their metrics.
type Named interface {
	Name() string
}

// Multi fans a batch out to several sinks. A failing sink does not stop the
// others; its error is logged and counted.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti creates a fan-out sink. Nil sinks are skipped.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	m := &Multi{logger: logger}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int {
	return len(m.sinks)
}

// Write implements Sink. The returned error joins every sink failure.
func (m *Multi) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	var errs []error
	for _, s := range m.sinks {
		name := sinkName(s)
		if err := s.Write(ctx, records); err != nil {
			metrics.TelemetryWrites.WithLabelValues(name, "error").Inc()
			m.logger.Warn("telemetry write failed", "sink", name, "records", len(records), "error", err)
			errs = append(errs, err)
			continue
		}
		metrics.TelemetryWrites.WithLabelValues(name, "success").Inc()
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sinkName(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return "unknown"
}

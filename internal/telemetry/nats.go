package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// publisher is the subset of *nats.Conn the sink uses.
type publisher interface {
	Publish(subject string, data []byte) error
}

// Batch is the JSON message published for each tick.
type Batch struct {
	Timestamp time.Time `json:"timestamp"`
	Records   []Record  `json:"records"`
}

// NATSSink publishes each batch as one JSON message on a subject.
type NATSSink struct {
	nc      *nats.Conn
	pub     publisher
	subject string
	logger  *slog.Logger
}

// NewNATSSink connects to the NATS server at url.
func NewNATSSink(url, subject string, logger *slog.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("floodgate"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	logger.Info("connected to NATS server", "url", url, "subject", subject)
	return &NATSSink{nc: nc, pub: nc, subject: subject, logger: logger}, nil
}

// Name implements Named.
func (s *NATSSink) Name() string { return "nats" }

// Write implements Sink.
func (s *NATSSink) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := Batch{Timestamp: records[0].Timestamp, Records: records}
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshalling telemetry batch: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", s.subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (s *NATSSink) Close() error {
	if s.nc == nil {
		return nil
	}
	if err := s.nc.Drain(); err != nil {
		return fmt.Errorf("draining nats connection: %w", err)
	}
	s.logger.Info("NATS connection drained and closed")
	return nil
}

// Package syslog forwards floodgate events to SIEM systems. A Forwarder
// subscribes to the event bus for the configured event patterns, renders each
// event once (RFC 5424 structured data, CEF or flat JSON) and hands it to
// every enabled output: remote syslog, an HTTP collector, a rotating file.
package syslog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/floodgate-sdn/floodgate/internal/config"
	"github.com/floodgate-sdn/floodgate/internal/events"
	"github.com/floodgate-sdn/floodgate/internal/metrics"
)

// Facility values (RFC 5424)
const (
	FacilityDaemon = 3
	FacilityLocal0 = 16
	FacilityLocal7 = 23
)

// Severity values (RFC 5424)
const (
	SeverityEmergency = iota
	SeverityAlert
	SeverityCritical
	SeverityError
	SeverityWarning
	SeverityNotice
	SeverityInfo
	SeverityDebug
)

// Format constants
const (
	FormatRFC5424 = "rfc5424"
	FormatCEF     = "cef"
	FormatJSON    = "json"
)

// output is one SIEM destination. send may be called from one goroutine
// only; close is called once after the last send.
type output interface {
	name() string
	send(evt events.Event, r record) error
	close()
}

// Forwarder subscribes to the event bus and forwards events to the
// configured outputs.
type Forwarder struct {
	cfg      config.SyslogConfig
	bus      *events.Bus
	logger   *slog.Logger
	hostname string
	outputs  []output

	ch   chan events.Event
	done chan struct{}
	wg   sync.WaitGroup
	stop sync.Once
}

// WithDefaults fills unset fields of cfg.
func WithDefaults(cfg config.SyslogConfig) config.SyslogConfig {
	if cfg.Tag == "" {
		cfg.Tag = "floodgate"
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Facility == 0 {
		cfg.Facility = FacilityLocal0
	}
	if cfg.Format == "" {
		cfg.Format = FormatRFC5424
	}
	if cfg.CEFDeviceVendor == "" {
		cfg.CEFDeviceVendor = "floodgate"
	}
	if cfg.CEFDeviceProduct == "" {
		cfg.CEFDeviceProduct = "SDN Flood Mitigation"
	}
	if cfg.CEFDeviceVersion == "" {
		cfg.CEFDeviceVersion = "1.0"
	}
	if cfg.FileMaxSizeMB == 0 {
		cfg.FileMaxSizeMB = 100
	}
	if cfg.FileMaxBackups == 0 {
		cfg.FileMaxBackups = 5
	}
	return cfg
}

// NewForwarder creates a SIEM forwarder. Outputs are opened by Start.
func NewForwarder(cfg config.SyslogConfig, bus *events.Bus, logger *slog.Logger) *Forwarder {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "-"
	}
	return &Forwarder{
		cfg:      WithDefaults(cfg),
		bus:      bus,
		logger:   logger,
		hostname: hostname,
		done:     make(chan struct{}),
	}
}

// Start opens every configured output, subscribes to the configured event
// patterns and forwards in the background. It fails when no output is
// configured or one cannot be opened.
func (f *Forwarder) Start() error {
	outs, err := f.openOutputs()
	if err != nil {
		for _, o := range outs {
			o.close()
		}
		return err
	}
	if len(outs) == 0 {
		return errors.New("no outputs configured (set syslog address, HTTP endpoint, or file path)")
	}
	f.outputs = outs

	f.ch = f.bus.Subscribe(500, f.cfg.Events...)
	f.wg.Add(1)
	go f.loop()

	f.logger.Info("SIEM forwarder started",
		"format", f.cfg.Format,
		"outputs", len(outs),
		"events", f.cfg.Events)
	return nil
}

func (f *Forwarder) openOutputs() ([]output, error) {
	var outs []output
	if f.cfg.Address != "" {
		o, err := dialSyslog(f.cfg, f.hostname)
		if err != nil {
			return outs, err
		}
		f.logger.Info("syslog output started", "address", f.cfg.Address, "protocol", f.cfg.Protocol)
		outs = append(outs, o)
	}
	if f.cfg.HTTPEnabled && f.cfg.HTTPEndpoint != "" {
		o, err := newHTTPOutput(f.cfg, f.hostname)
		if err != nil {
			return outs, err
		}
		f.logger.Info("HTTP output started", "endpoint", f.cfg.HTTPEndpoint, "splunk_hec", o.hec)
		outs = append(outs, o)
	}
	if f.cfg.FileEnabled && f.cfg.FilePath != "" {
		o, err := openFileOutput(f.cfg)
		if err != nil {
			return outs, err
		}
		f.logger.Info("file output started", "path", f.cfg.FilePath)
		outs = append(outs, o)
	}
	return outs, nil
}

// Stop drains the forwarder and closes all outputs. It is safe to call more
// than once.
func (f *Forwarder) Stop() {
	f.stop.Do(func() {
		close(f.done)
		f.wg.Wait()
		if f.ch != nil {
			f.bus.Unsubscribe(f.ch)
		}
		for _, o := range f.outputs {
			o.close()
		}
		f.logger.Info("SIEM forwarder stopped")
	})
}

func (f *Forwarder) loop() {
	defer f.wg.Done()
	for {
		select {
		case evt, ok := <-f.ch:
			if !ok {
				return
			}
			f.forward(evt)
		case <-f.done:
			return
		}
	}
}

// forward renders evt once and sends it to every output. A failing output
// does not hold back the others.
func (f *Forwarder) forward(evt events.Event) {
	r := f.render(evt)
	for _, o := range f.outputs {
		if err := o.send(evt, r); err != nil {
			metrics.HookExecutions.WithLabelValues(o.name(), "error").Inc()
			level := slog.LevelDebug
			if evt.Type.Mitigation() {
				level = slog.LevelWarn
			}
			f.logger.Log(context.Background(), level, "SIEM output failed",
				"output", o.name(),
				"event", string(evt.Type),
				"error", err)
			continue
		}
		metrics.HookExecutions.WithLabelValues(o.name(), "success").Inc()
	}
}

// render formats evt in the configured format.
func (f *Forwarder) render(evt events.Event) record {
	switch f.cfg.Format {
	case FormatCEF:
		return record{sd: "-", msg: f.formatCEF(evt)}
	case FormatJSON:
		return record{sd: "-", msg: formatJSON(evt), json: true}
	default:
		return record{sd: structuredData(evt), msg: evt.Summary()}
	}
}

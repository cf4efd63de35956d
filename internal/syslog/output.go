package syslog

import (
	"bytes"
	"compress/gzip"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/floodgate-sdn/floodgate/internal/config"
	"github.com/floodgate-sdn/floodgate/internal/events"
)

// syslogOutput writes RFC 5424 messages to a remote collector. UDP sends one
// message per datagram; TCP uses octet-counting framing (RFC 6587). A failed
// write closes the connection and the next send redials.
type syslogOutput struct {
	network  string
	address  string
	facility int
	tag      string
	hostname string

	mu   sync.Mutex
	conn net.Conn
}

func dialSyslog(cfg config.SyslogConfig, hostname string) (*syslogOutput, error) {
	o := &syslogOutput{
		network:  cfg.Protocol,
		address:  cfg.Address,
		facility: cfg.Facility,
		tag:      cfg.Tag,
		hostname: hostname,
	}
	if err := o.dial(5 * time.Second); err != nil {
		return nil, err
	}
	return o, nil
}

// dial must be called with mu held or before the output is shared.
func (o *syslogOutput) dial(timeout time.Duration) error {
	conn, err := net.DialTimeout(o.network, o.address, timeout)
	if err != nil {
		return fmt.Errorf("connecting to syslog %s://%s: %w", o.network, o.address, err)
	}
	o.conn = conn
	return nil
}

func (o *syslogOutput) name() string { return "syslog" }

// frame renders the full RFC 5424 message for evt.
func (o *syslogOutput) frame(evt events.Event, r record) []byte {
	pri := o.facility*8 + eventSeverity(evt.Type)
	ts := evt.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")
	msg := fmt.Sprintf("<%d>1 %s %s %s - %s %s %s", pri, ts, o.hostname, o.tag, msgID(evt.Type), r.sd, r.msg)
	if o.network == "tcp" {
		msg = strconv.Itoa(len(msg)) + " " + msg
	}
	return []byte(msg)
}

func (o *syslogOutput) send(evt events.Event, r record) error {
	msg := o.frame(evt, r)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		if err := o.dial(3 * time.Second); err != nil {
			return err
		}
	}
	if _, err := o.conn.Write(msg); err == nil {
		return nil
	}

	// redial once and retry
	o.conn.Close()
	o.conn = nil
	if err := o.dial(3 * time.Second); err != nil {
		return err
	}
	if _, err := o.conn.Write(msg); err != nil {
		o.conn.Close()
		o.conn = nil
		return fmt.Errorf("writing to syslog %s: %w", o.address, err)
	}
	return nil
}

func (o *syslogOutput) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn != nil {
		o.conn.Close()
		o.conn = nil
	}
}

// httpOutput posts events to a log collector. Endpoints under
// /services/collector are treated as Splunk HEC.
type httpOutput struct {
	client   *http.Client
	endpoint string
	token    string
	headers  map[string]string
	hec      bool
	source   string
	hostname string
}

func newHTTPOutput(cfg config.SyslogConfig, hostname string) (*httpOutput, error) {
	timeout := 5 * time.Second
	if cfg.HTTPTimeout != "" {
		d, err := time.ParseDuration(cfg.HTTPTimeout)
		if err != nil {
			return nil, fmt.Errorf("syslog http_timeout: %w", err)
		}
		timeout = d
	}
	transport := &http.Transport{}
	if cfg.HTTPInsecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &httpOutput{
		client:   &http.Client{Timeout: timeout, Transport: transport},
		endpoint: cfg.HTTPEndpoint,
		token:    cfg.HTTPToken,
		headers:  cfg.HTTPHeaders,
		hec:      strings.Contains(cfg.HTTPEndpoint, "/services/collector"),
		source:   cfg.Tag,
		hostname: hostname,
	}, nil
}

func (o *httpOutput) name() string { return "siem_http" }

// sourcetype separates mitigation actions from detection events.
func sourcetype(t events.EventType) string {
	if t.Mitigation() {
		return "floodgate:mitigation"
	}
	return "floodgate:detection"
}

func (o *httpOutput) body(evt events.Event, r record) ([]byte, error) {
	var payload any = json.RawMessage(r.msg)
	if !r.json {
		payload = r.line()
	}
	if o.hec {
		fields := map[string]string{"event_type": string(evt.Type), "switch_id": evt.SwitchID()}
		if evt.Port != nil {
			fields["interface"] = evt.Port.Interface()
		}
		return json.Marshal(map[string]any{
			"time":       float64(evt.Timestamp.UnixMilli()) / 1000,
			"host":       o.hostname,
			"source":     o.source,
			"sourcetype": sourcetype(evt.Type),
			"event":      payload,
			"fields":     fields,
		})
	}
	if r.json {
		return []byte(r.msg), nil
	}
	return json.Marshal(map[string]string{
		"message":   r.line(),
		"event":     string(evt.Type),
		"timestamp": evt.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func (o *httpOutput) send(evt events.Event, r record) error {
	body, err := o.body(evt, r)
	if err != nil {
		return fmt.Errorf("encoding SIEM payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating SIEM request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.token != "" {
		scheme := "Bearer "
		if o.hec {
			scheme = "Splunk "
		}
		req.Header.Set("Authorization", scheme+o.token)
	}
	for k, v := range o.headers {
		req.Header.Set(k, v)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", o.endpoint, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned HTTP %d", o.endpoint, resp.StatusCode)
	}
	return nil
}

func (o *httpOutput) close() {
	o.client.CloseIdleConnections()
}

// fileOutput appends one line per event to a local file. When the file
// reaches maxBytes it is gzipped to path.1.gz, older backups shift up, and
// anything past the backup count is removed.
type fileOutput struct {
	path     string
	maxBytes int64
	backups  int

	mu   sync.Mutex
	fh   *os.File
	size int64
}

func openFileOutput(cfg config.SyslogConfig) (*fileOutput, error) {
	o := &fileOutput{
		path:     cfg.FilePath,
		maxBytes: int64(cfg.FileMaxSizeMB) << 20,
		backups:  cfg.FileMaxBackups,
	}
	if err := os.MkdirAll(filepath.Dir(o.path), 0750); err != nil {
		return nil, fmt.Errorf("creating log directory for %s: %w", o.path, err)
	}
	if err := o.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *fileOutput) open(mode int) error {
	fh, err := os.OpenFile(o.path, os.O_CREATE|os.O_WRONLY|mode, 0640)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", o.path, err)
	}
	o.fh = fh
	o.size = 0
	if info, err := fh.Stat(); err == nil {
		o.size = info.Size()
	}
	return nil
}

func (o *fileOutput) name() string { return "siem_file" }

func (o *fileOutput) send(_ events.Event, r record) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fh == nil {
		return fmt.Errorf("log file %s is closed", o.path)
	}
	n, err := o.fh.WriteString(r.line() + "\n")
	o.size += int64(n)
	if err != nil {
		return fmt.Errorf("writing %s: %w", o.path, err)
	}
	if o.maxBytes > 0 && o.size >= o.maxBytes {
		return o.rotate()
	}
	return nil
}

// rotate must be called with mu held.
func (o *fileOutput) rotate() error {
	o.fh.Close()
	o.fh = nil

	backup := func(i int) string { return o.path + "." + strconv.Itoa(i) + ".gz" }
	os.Remove(backup(o.backups))
	for i := o.backups - 1; i >= 1; i-- {
		os.Rename(backup(i), backup(i+1))
	}
	if err := gzipFile(o.path, backup(1)); err != nil {
		// gzip failed; keep appending to the live file
		if err := o.open(os.O_APPEND); err != nil {
			return err
		}
		return fmt.Errorf("rotating %s: %w", o.path, err)
	}
	return o.open(os.O_TRUNC)
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (o *fileOutput) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fh != nil {
		o.fh.Close()
		o.fh = nil
	}
}

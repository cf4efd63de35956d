package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/floodgate-sdn/floodgate/internal/metrics"
)

// WebhookConfig describes a single webhook binding.
type WebhookConfig struct {
	Name         string
	Events       []string
	URL          string
	Method       string
	Headers      map[string]string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	Secret       string // HMAC-SHA256 key for X-Floodgate-Signature
	Template     string // "slack", "teams", or empty for the JSON envelope
}

// WebhookSender delivers events to HTTP endpoints. Deliveries retry with
// exponential backoff on network errors and 5xx/429 answers; other 4xx
// answers are final. Stop abandons pending retries.
type WebhookSender struct {
	client *http.Client
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// envelope is the default webhook body.
type envelope struct {
	Source    string `json:"source"`
	Summary   string `json:"summary"`
	Interface string `json:"interface,omitempty"`
	Event     Event  `json:"event"`
}

// NewWebhookSender creates a webhook sender with a shared HTTP client.
func NewWebhookSender(timeout time.Duration, logger *slog.Logger) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebhookSender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Send delivers evt in the background.
func (w *WebhookSender) Send(cfg WebhookConfig, evt Event) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.deliver(cfg, evt)
	}()
}

// Wait blocks until every delivery has finished or given up.
func (w *WebhookSender) Wait() {
	w.wg.Wait()
}

// Stop cancels pending retries and waits for in-flight deliveries.
func (w *WebhookSender) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *WebhookSender) deliver(cfg WebhookConfig, evt Event) {
	body, err := webhookBody(cfg.Template, evt)
	if err != nil {
		w.logger.Error("encoding webhook payload", "hook_name", cfg.Name, "error", err)
		return
	}

	attempts := max(cfg.Retries, 1)
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	log := w.logger.With("hook_name", cfg.Name, "event", string(evt.Type), "subject", subject(evt))

	start := time.Now()
	defer func() {
		metrics.HookDuration.WithLabelValues("webhook").Observe(time.Since(start).Seconds())
	}()

	for attempt := 1; ; attempt++ {
		retry, err := w.post(cfg, evt, body, attempt)
		if err == nil {
			metrics.HookExecutions.WithLabelValues("webhook", "success").Inc()
			log.Debug("webhook delivered", "attempt", attempt)
			return
		}
		if !retry || attempt >= attempts {
			metrics.HookExecutions.WithLabelValues("webhook", "error").Inc()
			log.Error("webhook delivery failed", "attempts", attempt, "error", err)
			return
		}
		log.Warn("webhook delivery failed, retrying", "attempt", attempt, "error", err)

		t := time.NewTimer(backoff << (attempt - 1))
		select {
		case <-t.C:
		case <-w.ctx.Done():
			t.Stop()
			metrics.HookExecutions.WithLabelValues("webhook", "abandoned").Inc()
			log.Warn("webhook retry abandoned on shutdown", "attempts", attempt)
			return
		}
	}
}

// post performs one delivery attempt and reports whether a failure is
// worth retrying.
func (w *WebhookSender) post(cfg WebhookConfig, evt Event, body []byte, attempt int) (bool, error) {
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(w.ctx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "floodgate-webhook")
	req.Header.Set("X-Floodgate-Event", string(evt.Type))
	req.Header.Set("X-Floodgate-Delivery", strconv.Itoa(attempt))
	if evt.Port != nil {
		req.Header.Set("X-Floodgate-Interface", evt.Port.Interface())
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if cfg.Secret != "" {
		req.Header.Set("X-Floodgate-Signature", "sha256="+computeHMAC(body, cfg.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("posting to %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("endpoint returned HTTP %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("endpoint rejected event with HTTP %d", resp.StatusCode)
	}
}

// computeHMAC returns the hex HMAC-SHA256 of payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookBody(template string, evt Event) ([]byte, error) {
	switch template {
	case "slack":
		return slackPayload(evt)
	case "teams":
		return teamsPayload(evt)
	}
	env := envelope{Source: "floodgate", Summary: evt.Summary(), Event: evt}
	if evt.Port != nil {
		env.Interface = evt.Port.Interface()
	}
	return json.Marshal(env)
}

// eventColor maps an event to a chat attachment colour: red for blocks,
// orange for failed dataplane actions, green for restored ports.
func eventColor(t EventType) string {
	switch {
	case t == EventPortBlocked:
		return "#d70000"
	case t.Failed(), t == EventSwitchDisconnected:
		return "#ff8c00"
	case t == EventPortUnblocked, t == EventPortCleared, t == EventSwitchConnected:
		return "#2eb67d"
	}
	return "#daa520"
}

// fact is one labelled value shown under the headline in chat templates.
type fact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func eventFacts(evt Event) []fact {
	var facts []fact
	if p := evt.Port; p != nil {
		facts = append(facts, fact{"Interface", p.Interface()})
		if p.Host != "" {
			facts = append(facts, fact{"Host", p.Host})
		}
		if p.RxThroughput > 0 {
			facts = append(facts, fact{"Rx", rate(p.RxThroughput)})
		}
		if p.AdaptiveThreshold > 0 {
			facts = append(facts, fact{"Adaptive threshold", rate(p.AdaptiveThreshold)})
		}
		if p.BlockedSeconds > 0 {
			facts = append(facts, fact{"Blocked for", p.Held().String()})
		}
		if p.Error != "" {
			facts = append(facts, fact{"Error", p.Error})
		}
	}
	if sw := evt.Switch; sw != nil && len(sw.Purged) > 0 {
		facts = append(facts, fact{"Purged", strconv.Itoa(len(sw.Purged)) + " interfaces"})
	}
	if evt.Reason != "" {
		facts = append(facts, fact{"Reason", evt.Reason})
	}
	return facts
}

func slackPayload(evt Event) ([]byte, error) {
	type field struct {
		Title string `json:"title"`
		Value string `json:"value"`
		Short bool   `json:"short"`
	}
	var fields []field
	for _, f := range eventFacts(evt) {
		fields = append(fields, field{Title: f.Name, Value: f.Value, Short: f.Name != "Error"})
	}
	return json.Marshal(map[string]any{
		"text": "*floodgate* " + evt.Summary(),
		"attachments": []map[string]any{{
			"color":  eventColor(evt.Type),
			"fields": fields,
			"footer": string(evt.Type),
			"ts":     evt.Timestamp.Unix(),
		}},
	})
}

func teamsPayload(evt Event) ([]byte, error) {
	return json.Marshal(map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"summary":    evt.Summary(),
		"themeColor": eventColor(evt.Type)[1:],
		"title":      "floodgate: " + string(evt.Type),
		"sections": []map[string]any{{
			"activityTitle":    evt.Summary(),
			"activitySubtitle": evt.Timestamp.UTC().Format(time.RFC3339),
			"facts":            eventFacts(evt),
		}},
	})
}

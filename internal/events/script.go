package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/floodgate-sdn/floodgate/internal/metrics"
)

// ScriptConfig describes a single script hook binding.
type ScriptConfig struct {
	Name     string
	Events   []string
	Command  string
	Timeout  time.Duration
	Switches []string // datapath ids; empty means every switch
}

// ScriptRunner runs script hooks. Runs for the same hook and interface are
// executed one at a time in event order, so a "blocked" script always
// finishes before the matching "unblocked" one starts. At most concurrency
// scripts run at once.
type ScriptRunner struct {
	logger   *slog.Logger
	sem      chan struct{}
	maxQueue int

	mu     sync.Mutex
	queues map[string][]scriptJob // hook + interface → pending runs
	queued int
	wg     sync.WaitGroup
}

type scriptJob struct {
	cfg ScriptConfig
	evt Event
}

// NewScriptRunner creates a script runner with the given concurrency limit.
func NewScriptRunner(concurrency int, logger *slog.Logger) *ScriptRunner {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &ScriptRunner{
		logger:   logger,
		sem:      make(chan struct{}, concurrency),
		maxQueue: concurrency * 64,
		queues:   make(map[string][]scriptJob),
	}
}

// Run queues a script run for evt and returns immediately.
func (r *ScriptRunner) Run(cfg ScriptConfig, evt Event) {
	key := cfg.Name + "|" + subject(evt)

	r.mu.Lock()
	if r.queued >= r.maxQueue {
		r.mu.Unlock()
		metrics.HookExecutions.WithLabelValues("script", "dropped").Inc()
		r.logger.Warn("script hook backlog full, dropping run",
			"hook_name", cfg.Name,
			"event", string(evt.Type),
			"subject", subject(evt))
		return
	}
	pending, busy := r.queues[key]
	r.queues[key] = append(pending, scriptJob{cfg: cfg, evt: evt})
	r.queued++
	if !busy {
		r.wg.Add(1)
		go r.drain(key)
	}
	r.mu.Unlock()
}

// drain runs the queued jobs of one key in order until the queue is empty.
func (r *ScriptRunner) drain(key string) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		q := r.queues[key]
		if len(q) == 0 {
			delete(r.queues, key)
			r.mu.Unlock()
			return
		}
		job := q[0]
		r.queues[key] = q[1:]
		r.queued--
		r.mu.Unlock()

		r.sem <- struct{}{}
		r.execute(job.cfg, job.evt)
		<-r.sem
	}
}

// execute runs one script. The event is passed three ways: positional
// arguments ($1 event, $2 switch, $3 port), FLOODGATE_* variables and the
// JSON document on stdin.
func (r *ScriptRunner) execute(cfg ScriptConfig, evt Event) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	payload, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("encoding event for script hook", "hook_name", cfg.Name, "error", err)
		return
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", append([]string{"-c", cfg.Command, "floodgate"}, scriptArgs(evt)...)...)
	cmd.Env = append(os.Environ(), scriptEnv(cfg.Name, evt)...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)
	metrics.HookDuration.WithLabelValues("script").Observe(elapsed.Seconds())

	log := r.logger.With("hook_name", cfg.Name, "event", string(evt.Type), "subject", subject(evt))
	switch {
	case err == nil:
		metrics.HookExecutions.WithLabelValues("script", "success").Inc()
		log.Debug("script hook completed", "duration", elapsed.String())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		metrics.HookExecutions.WithLabelValues("script", "timeout").Inc()
		log.Error("script hook killed after timeout", "timeout", timeout.String())
	default:
		metrics.HookExecutions.WithLabelValues("script", "error").Inc()
		log.Error("script hook failed",
			"error", err,
			"stderr", strings.TrimSpace(stderr.String()),
			"duration", elapsed.String())
	}
}

// Wait blocks until every queued script has run.
func (r *ScriptRunner) Wait() {
	r.wg.Wait()
}

// subject is the interface or switch an event is about.
func subject(evt Event) string {
	if evt.Port != nil {
		return evt.Port.Interface()
	}
	return evt.SwitchID()
}

func scriptArgs(evt Event) []string {
	args := []string{string(evt.Type), evt.SwitchID()}
	if evt.Port != nil {
		args = append(args, strconv.FormatUint(uint64(evt.Port.PortNo), 10))
	}
	return args
}

// scriptEnv builds the FLOODGATE_* environment of a script run. Zero
// measurements are left out.
func scriptEnv(hook string, evt Event) []string {
	env := []string{
		"FLOODGATE_HOOK_NAME=" + hook,
		"FLOODGATE_EVENT=" + string(evt.Type),
		"FLOODGATE_SUMMARY=" + evt.Summary(),
		"FLOODGATE_SWITCH=" + evt.SwitchID(),
	}
	if !evt.Timestamp.IsZero() {
		env = append(env, "FLOODGATE_TIME="+evt.Timestamp.UTC().Format(time.RFC3339))
	}
	if evt.Reason != "" {
		env = append(env, "FLOODGATE_REASON="+evt.Reason)
	}
	if p := evt.Port; p != nil {
		env = append(env,
			"FLOODGATE_PORT="+strconv.FormatUint(uint64(p.PortNo), 10),
			"FLOODGATE_INTERFACE="+p.Interface())
		num := func(name string, v float64) {
			if v != 0 {
				env = append(env, name+"="+strconv.FormatFloat(v, 'f', 0, 64))
			}
		}
		num("FLOODGATE_RX_THROUGHPUT", p.RxThroughput)
		num("FLOODGATE_ADAPTIVE_THRESHOLD", p.AdaptiveThreshold)
		num("FLOODGATE_BLOCKED_SECONDS", p.BlockedSeconds)
		if p.Strikes != 0 {
			env = append(env, "FLOODGATE_STRIKES="+strconv.Itoa(p.Strikes))
		}
		if !p.BlockedAt.IsZero() {
			env = append(env, "FLOODGATE_BLOCKED_AT="+strconv.FormatInt(p.BlockedAt.Unix(), 10))
		}
		if p.Host != "" {
			env = append(env, "FLOODGATE_HOST="+p.Host)
		}
		if p.Error != "" {
			env = append(env, "FLOODGATE_ERROR="+p.Error)
		}
	}
	if sw := evt.Switch; sw != nil && len(sw.Purged) > 0 {
		env = append(env, "FLOODGATE_PURGED="+strings.Join(sw.Purged, ","))
	}
	return env
}

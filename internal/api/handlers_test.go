package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	bolt "go.etcd.io/bbolt"

	"github.com/floodgate-sdn/floodgate/internal/anomaly"
	"github.com/floodgate-sdn/floodgate/internal/config"
	"github.com/floodgate-sdn/floodgate/internal/dataplane"
	"github.com/floodgate-sdn/floodgate/internal/events"
	"github.com/floodgate-sdn/floodgate/internal/history"
	"github.com/floodgate-sdn/floodgate/internal/metrics"
	"github.com/floodgate-sdn/floodgate/internal/mitigation"
	"github.com/floodgate-sdn/floodgate/internal/topology"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	fabric  *dataplane.Fabric
	table   *anomaly.Table
	disp    *mitigation.Dispatcher
	topo    *topology.Map
	hist    *history.Log
	srv     *Server
	handler http.Handler
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEnv(t *testing.T, apiCfg config.APIConfig) *testEnv {
	t.Helper()
	logger := testLogger()
	bus := events.NewBus(100, logger)
	go bus.Start()
	t.Cleanup(bus.Stop)

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	if err != nil {
		t.Fatalf("bolt.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	topo, err := topology.NewMap(db, logger)
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	hist, err := history.NewLog(db, bus, logger)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	go hist.Start()
	t.Cleanup(hist.Stop)

	env := &testEnv{
		fabric: dataplane.NewFabric(),
		table:  anomaly.NewTable(anomaly.ScopeGlobal),
		topo:   topo,
		hist:   hist,
	}
	env.fabric.AddSwitch(1, 1, 2, 3)
	env.disp = mitigation.NewDispatcher(env.fabric, env.table, bus, logger, mitigation.WithHostLabeler(topo))

	cfg := &config.Config{API: apiCfg}
	cfg.API.Listen = "127.0.0.1:0"
	srv := NewServer(cfg, env.table, env.disp, bus, logger,
		WithVersion("test"),
		WithTopologyMap(topo),
		WithHistory(hist),
		WithClock(func() time.Time { return t0 }),
	)
	env.srv = srv
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, mod ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for _, m := range mod {
		m(req)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) block(t *testing.T, sw uint64, port uint32) {
	t.Helper()
	if err := e.disp.Block(context.Background(), anomaly.Key{Switch: sw, Port: port}, t0); err != nil {
		t.Fatalf("Block: %v", err)
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v (body %q)", err, w.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})
	env.block(t, 1, 1)

	w := env.do(t, "GET", "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]interface{}
	decode(t, w, &resp)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("resp = %v", resp)
	}
	if resp["blocked"] != float64(1) {
		t.Errorf("blocked = %v, want 1", resp["blocked"])
	}
	if resp["mitigation_event_drops"] != float64(0) {
		t.Errorf("mitigation_event_drops = %v", resp["mitigation_event_drops"])
	}
	if resp["unblock_policy"] != "duration(30s)" {
		t.Errorf("unblock_policy = %v", resp["unblock_policy"])
	}
	if _, ok := resp["switches"]; ok {
		t.Error("switches reported without an engine")
	}
}

func TestHandleListInterfaces(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})
	ctx := context.Background()
	env.table.Ingest(anomaly.Key{Switch: 1, Port: 1}, 100, 0, t0)
	env.table.Ingest(anomaly.Key{Switch: 1, Port: 2}, 100, 0, t0)
	env.table.Ingest(anomaly.Key{Switch: 2, Port: 1}, 100, 0, t0)
	env.fabric.AddSwitch(2, 1)
	if err := env.disp.Block(ctx, anomaly.Key{Switch: 1, Port: 2}, t0); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		query string
		want  int
		code  int
	}{
		{"all", "", 3, http.StatusOK},
		{"by switch", "?switch=0000000000000001", 2, http.StatusOK},
		{"by state", "?state=blocked", 1, http.StatusOK},
		{"by state upper", "?state=BLOCKED", 1, http.StatusOK},
		{"switch and state", "?switch=2&state=blocked", 0, http.StatusOK},
		{"bad switch", "?switch=nope", 0, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "GET", "/api/v1/interfaces"+tt.query, "")
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d", w.Code, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var resp struct {
				Count      int                 `json:"count"`
				Interfaces []interfaceResponse `json:"interfaces"`
			}
			decode(t, w, &resp)
			if resp.Count != tt.want || len(resp.Interfaces) != tt.want {
				t.Errorf("count = %d (%d interfaces), want %d", resp.Count, len(resp.Interfaces), tt.want)
			}
		})
	}
}

func TestHandleListSwitchesWithoutEngine(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})
	w := env.do(t, "GET", "/api/v1/switches", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestHandleListBlocks(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})
	env.block(t, 1, 3)

	w := env.do(t, "GET", "/api/v1/blocks", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Count  int             `json:"count"`
		Policy string          `json:"policy"`
		Blocks []blockResponse `json:"blocks"`
	}
	decode(t, w, &resp)
	if resp.Count != 1 || resp.Policy != "duration(30s)" {
		t.Fatalf("resp = %+v", resp)
	}
	b := resp.Blocks[0]
	if b.SwitchID != "0000000000000001" || b.PortNo != 3 || !b.BlockedAt.Equal(t0) {
		t.Errorf("block = %+v", b)
	}
	if b.ExpiresIn == nil || *b.ExpiresIn != 30 {
		t.Errorf("expires_in = %v, want 30", b.ExpiresIn)
	}
}

func TestHandleUnblock(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})
	env.block(t, 1, 1)

	w := env.do(t, "DELETE", "/api/v1/blocks/0000000000000001/1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if env.fabric.HasDropRule(1, 1) {
		t.Error("drop rule still installed")
	}
	if env.table.IsBlocked(anomaly.Key{Switch: 1, Port: 1}) {
		t.Error("table still reports the block")
	}

	tests := []struct {
		name string
		path string
		code int
	}{
		{"already unblocked", "/api/v1/blocks/0000000000000001/1", http.StatusNotFound},
		{"never blocked", "/api/v1/blocks/1/2", http.StatusNotFound},
		{"bad switch", "/api/v1/blocks/xyz/1", http.StatusBadRequest},
		{"bad port", "/api/v1/blocks/1/eth0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "DELETE", tt.path, "")
			if w.Code != tt.code {
				t.Errorf("status = %d, want %d", w.Code, tt.code)
			}
		})
	}
}

func TestHandleUnblockDataplaneFailure(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})
	env.block(t, 1, 1)
	env.block(t, 1, 2)

	env.fabric.FailNext(dataplane.OpRemove, 1, 1, errors.New("rule rejected"))
	w := env.do(t, "DELETE", "/api/v1/blocks/1/1", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("rejected removal: status = %d, want 502", w.Code)
	}
	if !env.table.IsBlocked(anomaly.Key{Switch: 1, Port: 1}) {
		t.Error("failed removal dropped the block entry")
	}

	env.fabric.Disconnect(1)
	w = env.do(t, "DELETE", "/api/v1/blocks/1/2", "")
	if w.Code != http.StatusConflict {
		t.Errorf("disconnected switch: status = %d, want 409", w.Code)
	}
	if env.table.Len() != 0 {
		t.Errorf("table len = %d after disconnect, want 0", env.table.Len())
	}
}

func TestHandleTopologyPutHosts(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	body := `{
		"hosts": [
			{"switch": "1", "port": 1, "mac": "00:00:00:00:00:01", "name": "h1"},
			{"switch": "1", "port": 2, "mac": "00:00:00:00:00:02"}
		],
		"trunks": [{"switch": "1", "port": 2}]
	}`
	w := env.do(t, "PUT", "/api/v1/topology/hosts", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	decode(t, w, &resp)
	if resp["hosts"] != 2 || resp["trunks"] != 1 {
		t.Errorf("resp = %v", resp)
	}
	if !env.topo.IsEdgePort(1, 1) {
		t.Error("port 1 should be an edge port")
	}
	if env.topo.IsEdgePort(1, 2) {
		t.Error("trunk port reported as edge")
	}

	w = env.do(t, "GET", "/api/v1/topology", "")
	var tree []topology.SwitchNode
	decode(t, w, &tree)
	if len(tree) != 1 || len(tree[0].Ports) != 2 {
		t.Errorf("tree = %+v", tree)
	}

	w = env.do(t, "DELETE", "/api/v1/topology/hosts/00:00:00:00:00:01", "")
	if w.Code != http.StatusOK {
		t.Errorf("unbind status = %d", w.Code)
	}
	w = env.do(t, "DELETE", "/api/v1/topology/hosts/00:00:00:00:00:01", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second unbind status = %d, want 404", w.Code)
	}
}

func TestHandleTopologyPutHostsInvalid(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{"hosts": [`},
		{"bad switch", `{"hosts": [{"switch": "zz", "port": 1, "mac": "00:00:00:00:00:01"}]}`},
		{"missing mac", `{"hosts": [{"switch": "1", "port": 1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "PUT", "/api/v1/topology/hosts", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

// waitHistory polls until the history log holds n records.
func waitHistory(t *testing.T, h *history.Log, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for h.Count() < n {
		select {
		case <-deadline:
			t.Fatalf("history count = %d, want %d", h.Count(), n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHandleHistory(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})
	env.block(t, 1, 1)
	env.block(t, 1, 2)
	if w := env.do(t, "DELETE", "/api/v1/blocks/1/1", ""); w.Code != http.StatusOK {
		t.Fatalf("unblock status = %d", w.Code)
	}
	waitHistory(t, env.hist, 3)

	tests := []struct {
		name  string
		query string
		want  int
		code  int
	}{
		{"all", "", 3, http.StatusOK},
		{"by port", "?switch=1&port=1", 2, http.StatusOK},
		{"by event", "?event=port.unblocked", 1, http.StatusOK},
		{"limit", "?limit=1", 1, http.StatusOK},
		{"port without switch", "?port=1", 0, http.StatusBadRequest},
		{"bad switch", "?switch=zz", 0, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "GET", "/api/v1/history"+tt.query, "")
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d", w.Code, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var resp struct {
				Count   int              `json:"count"`
				Records []history.Record `json:"records"`
			}
			decode(t, w, &resp)
			if resp.Count != tt.want {
				t.Errorf("count = %d, want %d", resp.Count, tt.want)
			}
		})
	}

	w := env.do(t, "GET", "/api/v1/history/stats", "")
	var stats history.Stats
	decode(t, w, &stats)
	if stats.Blocks != 2 || stats.Unblocks != 1 || stats.ActiveBlock != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHandleHistoryExportCSV(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})
	env.block(t, 1, 1)
	waitHistory(t, env.hist, 1)

	w := env.do(t, "GET", "/api/v1/history/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "mitigation_history.csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	rows, err := csv.NewReader(w.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[1][2] != "port.blocked" || rows[1][3] != "0000000000000001" || rows[1][4] != "1" {
		t.Errorf("row = %v", rows[1])
	}
}

func TestHandleListHooks(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})
	w := env.do(t, "GET", "/api/v1/hooks", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestRequestMetricsUseRoutePattern(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})
	env.block(t, 1, 2)
	env.block(t, 1, 3)

	counter := func(method, route, code string) float64 {
		return testutil.ToFloat64(metrics.APIRequests.WithLabelValues(method, route, code))
	}
	unblocks := counter("DELETE", "/api/v1/blocks/{switch}/{port}", "200")
	unmatched := counter("GET", "unmatched", "404")

	env.do(t, "DELETE", "/api/v1/blocks/0000000000000001/2", "")
	env.do(t, "DELETE", "/api/v1/blocks/1/3", "")
	env.do(t, "GET", "/api/v1/nope", "")

	if got := counter("DELETE", "/api/v1/blocks/{switch}/{port}", "200") - unblocks; got != 2 {
		t.Errorf("unblocks counted under pattern = %v, want 2", got)
	}
	if got := counter("GET", "unmatched", "404") - unmatched; got != 1 {
		t.Errorf("unmatched requests = %v, want 1", got)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"GET /api/v1/blocks", "/api/v1/blocks"},
		{"DELETE /api/v1/blocks/{switch}/{port}", "/api/v1/blocks/{switch}/{port}"},
		{"/metrics", "/metrics"},
		{"", "unmatched"},
	}
	for _, tt := range tests {
		if got := routeLabel(tt.pattern); got != tt.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}

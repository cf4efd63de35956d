package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/floodgate-sdn/floodgate/internal/anomaly"
	"github.com/floodgate-sdn/floodgate/internal/dataplane"
	"github.com/floodgate-sdn/floodgate/internal/events"
	"github.com/floodgate-sdn/floodgate/internal/mitigation"
)

// handleHealth returns server health status.
// GET /api/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":         "ok",
		"version":        s.version,
		"timestamp":      time.Now().Unix(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"interfaces":     s.table.Len(),
		"blocked":        len(s.table.Blocks()),
		"watched":        len(s.table.Watches()),
		"unblock_policy": s.dispatcher.Policy().String(),
		"event_drops":    s.bus.Drops(),
		"mitigation_event_drops": s.bus.Drops(
			events.EventPortBlocked, events.EventPortBlockFailed,
			events.EventPortUnblocked, events.EventPortUnblockFailed,
			events.EventSwitchDisconnected),
	}
	if s.engine != nil {
		resp["switches"] = len(s.engine.Switches())
	}
	JSONResponse(w, http.StatusOK, resp)
}

// interfaceResponse is the JSON representation of a monitored interface.
type interfaceResponse struct {
	SwitchID     string    `json:"switch_id"`
	PortNo       uint32    `json:"port_no"`
	State        string    `json:"state"`
	Host         string    `json:"host,omitempty"`
	Active       bool      `json:"active"`
	RxBytes      uint64    `json:"rx_bytes"`
	TxBytes      uint64    `json:"tx_bytes"`
	RxThroughput float64   `json:"rx_throughput"`
	TxThroughput float64   `json:"tx_throughput"`
	Strikes      int       `json:"strikes,omitempty"`
	ObservedAt   time.Time `json:"observed_at,omitzero"`
	BlockedAt    time.Time `json:"blocked_at,omitzero"`
	Pending      bool      `json:"pending,omitempty"`
}

// handleListInterfaces returns every monitored interface.
// Query params: switch, state
// GET /api/v1/interfaces
func (s *Server) handleListInterfaces(w http.ResponseWriter, r *http.Request) {
	var switchFilter *uint64
	if v := r.URL.Query().Get("switch"); v != "" {
		id, err := dataplane.ParseSwitchID(v)
		if err != nil {
			JSONError(w, http.StatusBadRequest, "invalid_switch", err.Error())
			return
		}
		switchFilter = &id
	}
	stateFilter := strings.ToLower(r.URL.Query().Get("state"))

	var (
		set      anomaly.ActiveSet
		active   int
		adaptive float64
	)
	if s.engine != nil {
		set, _, adaptive = s.engine.Activity()
		active = len(set)
	}

	result := make([]interfaceResponse, 0)
	for _, v := range s.table.Snapshot() {
		if switchFilter != nil && v.Key.Switch != *switchFilter {
			continue
		}
		if stateFilter != "" && v.State != stateFilter {
			continue
		}
		result = append(result, interfaceResponse{
			SwitchID:     events.SwitchHex(v.Key.Switch),
			PortNo:       v.Key.Port,
			State:        v.State,
			Host:         s.hostLabel(v.Key),
			Active:       set.Contains(v.Key),
			RxBytes:      v.RxBytes,
			TxBytes:      v.TxBytes,
			RxThroughput: v.RxThroughput,
			TxThroughput: v.TxThroughput,
			Strikes:      v.Strikes,
			ObservedAt:   v.ObservedAt,
			BlockedAt:    v.BlockedAt,
			Pending:      v.Pending,
		})
	}

	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"count":              len(result),
		"active_interfaces":  active,
		"adaptive_threshold": adaptive,
		"interfaces":         result,
	})
}

// handleListSwitches returns the connected switches.
// GET /api/v1/switches
func (s *Server) handleListSwitches(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		JSONError(w, http.StatusServiceUnavailable, "engine_unavailable", "poll engine not available")
		return
	}
	ids := s.engine.Switches()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, events.SwitchHex(id))
	}
	JSONResponse(w, http.StatusOK, out)
}

// blockResponse is the JSON representation of an active block.
type blockResponse struct {
	SwitchID  string    `json:"switch_id"`
	PortNo    uint32    `json:"port_no"`
	Host      string    `json:"host,omitempty"`
	BlockedAt time.Time `json:"blocked_at"`
	Sweeps    int       `json:"sweeps"`
	ExpiresIn *float64  `json:"expires_in_seconds,omitempty"`
}

// handleListBlocks returns the active drop rules.
// GET /api/v1/blocks
func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	policy := s.dispatcher.Policy()
	now := s.now()

	blocks := s.table.Blocks()
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].BlockedAt.Before(blocks[j].BlockedAt) })

	result := make([]blockResponse, 0, len(blocks))
	for _, b := range blocks {
		br := blockResponse{
			SwitchID:  events.SwitchHex(b.Key.Switch),
			PortNo:    b.Key.Port,
			Host:      s.hostLabel(b.Key),
			BlockedAt: b.BlockedAt,
			Sweeps:    b.Sweeps,
		}
		if !policy.Sweeps {
			left := max(policy.Duration-now.Sub(b.BlockedAt), 0).Seconds()
			br.ExpiresIn = &left
		}
		result = append(result, br)
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"count":  len(result),
		"policy": policy.String(),
		"blocks": result,
	})
}

// handleUnblock removes a drop rule ahead of its expiry.
// DELETE /api/v1/blocks/{switch}/{port}
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(r.PathValue("switch"), r.PathValue("port"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, "invalid_key", err.Error())
		return
	}

	if err := s.dispatcher.Unblock(r.Context(), key, s.now()); err != nil {
		switch {
		case errors.Is(err, mitigation.ErrNotBlocked):
			JSONError(w, http.StatusNotFound, "not_blocked", err.Error())
		case errors.Is(err, dataplane.ErrSwitchDisconnected):
			JSONError(w, http.StatusConflict, "switch_disconnected", err.Error())
		default:
			JSONError(w, http.StatusBadGateway, "dataplane_error", err.Error())
		}
		return
	}

	s.logger.Info("interface unblocked via API",
		"switch", events.SwitchHex(key.Switch),
		"port", key.Port,
		"remote", r.RemoteAddr)
	JSONResponse(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

func parseKey(sw, port string) (anomaly.Key, error) {
	id, err := dataplane.ParseSwitchID(sw)
	if err != nil {
		return anomaly.Key{}, err
	}
	p, err := strconv.ParseUint(port, 10, 32)
	if err != nil {
		return anomaly.Key{}, errors.New("port must be a decimal port number")
	}
	return anomaly.Key{Switch: id, Port: uint32(p)}, nil
}

func (s *Server) hostLabel(k anomaly.Key) string {
	if s.topoMap == nil {
		return ""
	}
	return s.topoMap.HostLabel(k.Switch, k.Port)
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/floodgate-sdn/floodgate/internal/dataplane"
	"github.com/floodgate-sdn/floodgate/internal/topology"
)

// handleTopologyTree returns the full topology tree.
// GET /api/v1/topology
func (s *Server) handleTopologyTree(w http.ResponseWriter, r *http.Request) {
	if s.topoMap == nil {
		JSONError(w, http.StatusServiceUnavailable, "topology_disabled", "topology mapping not available")
		return
	}
	JSONResponse(w, http.StatusOK, s.topoMap.Tree())
}

// handleTopologyStats returns topology summary statistics.
// GET /api/v1/topology/stats
func (s *Server) handleTopologyStats(w http.ResponseWriter, r *http.Request) {
	if s.topoMap == nil {
		JSONError(w, http.StatusServiceUnavailable, "topology_disabled", "topology mapping not available")
		return
	}
	JSONResponse(w, http.StatusOK, s.topoMap.Stats())
}

// handleTopologyPutHosts binds hosts and marks trunks. The body has the
// same shape as the hosts file.
// PUT /api/v1/topology/hosts
func (s *Server) handleTopologyPutHosts(w http.ResponseWriter, r *http.Request) {
	if s.topoMap == nil {
		JSONError(w, http.StatusServiceUnavailable, "topology_disabled", "topology mapping not available")
		return
	}
	var f topology.HostsFile
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		JSONError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := f.Validate(); err != nil {
		JSONError(w, http.StatusBadRequest, "invalid_hosts", err.Error())
		return
	}
	n, err := s.topoMap.Apply(&f, topology.SourceAPI)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "bind_failed", err.Error())
		return
	}
	JSONResponse(w, http.StatusOK, map[string]int{
		"hosts":  n,
		"trunks": len(f.Trunks),
	})
}

// handleTopologyUnbind removes a host binding.
// DELETE /api/v1/topology/hosts/{mac}
func (s *Server) handleTopologyUnbind(w http.ResponseWriter, r *http.Request) {
	if s.topoMap == nil {
		JSONError(w, http.StatusServiceUnavailable, "topology_disabled", "topology mapping not available")
		return
	}
	if !s.topoMap.UnbindHost(r.PathValue("mac")) {
		JSONError(w, http.StatusNotFound, "not_found", "host not bound")
		return
	}
	JSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTopologySetLabel sets a label on a switch or port.
// POST /api/v1/topology/label
func (s *Server) handleTopologySetLabel(w http.ResponseWriter, r *http.Request) {
	if s.topoMap == nil {
		JSONError(w, http.StatusServiceUnavailable, "topology_disabled", "topology mapping not available")
		return
	}
	var req struct {
		SwitchID string  `json:"switch_id"`
		PortNo   *uint32 `json:"port_no"`
		Label    string  `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	sw, err := dataplane.ParseSwitchID(req.SwitchID)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "invalid_switch", err.Error())
		return
	}
	if err := s.topoMap.SetLabel(sw, req.PortNo, req.Label); err != nil {
		JSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	JSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

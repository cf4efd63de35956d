package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/floodgate-sdn/floodgate/internal/dataplane"
	"github.com/floodgate-sdn/floodgate/internal/events"
	"github.com/floodgate-sdn/floodgate/internal/history"
)

// parseHistoryQuery reads switch, port, event, from, to and limit.
func parseHistoryQuery(q url.Values) (history.QueryParams, error) {
	var params history.QueryParams
	params.Event = q.Get("event")

	if v := q.Get("switch"); v != "" {
		id, err := dataplane.ParseSwitchID(v)
		if err != nil {
			return params, err
		}
		params.SwitchID = events.SwitchHex(id)
	}
	if v := q.Get("port"); v != "" {
		if params.SwitchID == "" {
			return params, errors.New("port filter requires switch")
		}
		p, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return params, errors.New("port must be a decimal port number")
		}
		port := uint32(p)
		params.Port = &port
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			params.Limit = n
		}
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.To = t
		}
	}
	return params, nil
}

// handleHistoryQuery searches the mitigation history.
// GET /api/v1/history?switch=&port=&event=&from=&to=&limit=
func (s *Server) handleHistoryQuery(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		JSONError(w, http.StatusServiceUnavailable, "history_disabled", "mitigation history not available")
		return
	}

	params, err := parseHistoryQuery(r.URL.Query())
	if err != nil {
		JSONError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	records, err := s.history.Query(params)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "query_error", err.Error())
		return
	}

	if records == nil {
		records = []history.Record{}
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"records": records,
	})
}

// handleHistoryExportCSV exports history records as CSV.
// GET /api/v1/history/export?switch=&port=&event=&from=&to=&limit=
func (s *Server) handleHistoryExportCSV(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		JSONError(w, http.StatusServiceUnavailable, "history_disabled", "mitigation history not available")
		return
	}

	params, err := parseHistoryQuery(r.URL.Query())
	if err != nil {
		JSONError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	records, err := s.history.Query(params)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "query_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=mitigation_history.csv")
	if err := history.WriteCSV(w, records); err != nil {
		s.logger.Error("failed to write CSV export", "error", err)
	}
}

// handleHistoryStats returns summary statistics about the history.
// GET /api/v1/history/stats
func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		JSONError(w, http.StatusServiceUnavailable, "history_disabled", "mitigation history not available")
		return
	}
	stats, err := s.history.Stats()
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "query_error", err.Error())
		return
	}
	JSONResponse(w, http.StatusOK, stats)
}

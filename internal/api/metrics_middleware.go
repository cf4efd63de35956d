package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/floodgate-sdn/floodgate/internal/metrics"
)

// streamRoute is held open for the life of a dashboard and stays out of the
// latency histogram.
const streamRoute = "/api/v1/events/stream"

// metricsMiddleware records request counts and latency labelled by the
// matched route pattern, so per-switch and per-port paths share one series.
type metricsMiddleware struct {
	next http.Handler
}

func newMetricsMiddleware(next http.Handler) http.Handler {
	return &metricsMiddleware{next: next}
}

func (m *metricsMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

	m.next.ServeHTTP(sw, r)

	// ServeMux records the matched pattern on the request it was given
	route := routeLabel(r.Pattern)
	metrics.APIRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
	if route != streamRoute {
		metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	}
}

// routeLabel strips the method from a mux pattern such as
// "DELETE /api/v1/blocks/{switch}/{port}". Requests that matched no route
// (404, 405) collapse into "unmatched".
func routeLabel(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

// statusWriter captures the HTTP status code.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

// Flush keeps the event stream working through the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

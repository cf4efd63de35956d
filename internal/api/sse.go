package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/floodgate-sdn/floodgate/internal/dataplane"
	"github.com/floodgate-sdn/floodgate/internal/events"
	"github.com/floodgate-sdn/floodgate/internal/metrics"
)

// replayDepth is how many recent frames a reconnecting client can catch up on.
const replayDepth = 256

// streamEvent is the data line of one stream frame.
type streamEvent struct {
	Summary   string       `json:"summary"`
	Interface string       `json:"interface,omitempty"`
	Event     events.Event `json:"event"`
}

// frame is one encoded event with its stream id.
type frame struct {
	id   uint64
	evt  events.Event
	data []byte
}

// streamFilter narrows a client to event types, one switch, and optionally
// one port on that switch.
type streamFilter struct {
	types []string
	sw    string // hex switch id, empty for all
	port  uint32 // 0 for all ports
}

func parseStreamFilter(q url.Values) (streamFilter, error) {
	f := streamFilter{types: q["type"]}
	if s := q.Get("switch"); s != "" {
		id, err := dataplane.ParseSwitchID(s)
		if err != nil {
			return f, err
		}
		f.sw = events.SwitchHex(id)
	}
	if p := q.Get("port"); p != "" {
		if f.sw == "" {
			return f, errors.New("port filter requires a switch")
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil || n == 0 {
			return f, errors.New("port must be a positive decimal port number")
		}
		f.port = uint32(n)
	}
	return f, nil
}

func (f streamFilter) matches(evt events.Event) bool {
	if !events.MatchesEvent(f.types, string(evt.Type)) {
		return false
	}
	if f.sw != "" && evt.SwitchID() != f.sw {
		return false
	}
	if f.port != 0 && (evt.Port == nil || evt.Port.PortNo != f.port) {
		// a purge covers every port of the switch
		return evt.Type == events.EventSwitchDisconnected
	}
	return true
}

// sseClient is a connected stream client with a buffered send channel.
type sseClient struct {
	send   chan frame
	filter streamFilter
}

// SSEHub fans bus events out to event stream clients. Every frame gets a
// monotonically increasing id, and the last replayDepth frames are kept so a
// client reconnecting with Last-Event-ID does not miss a block.
type SSEHub struct {
	bus     *events.Bus
	logger  *slog.Logger
	clients map[*sseClient]struct{}
	mu      sync.Mutex
	done    chan struct{}
	stop    sync.Once

	nextID uint64
	recent []frame // ring, oldest first once full
	head   int
}

// NewSSEHub creates a new stream hub.
func NewSSEHub(bus *events.Bus, logger *slog.Logger) *SSEHub {
	return &SSEHub{
		bus:     bus,
		logger:  logger,
		clients: make(map[*sseClient]struct{}),
		done:    make(chan struct{}),
	}
}

// Run subscribes to the bus and broadcasts until Stop.
func (h *SSEHub) Run() {
	ch := h.bus.Subscribe(500)

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(evt)
		case <-h.done:
			h.bus.Unsubscribe(ch)
			return
		}
	}
}

// Stop shuts down the hub and closes all client channels.
func (h *SSEHub) Stop() {
	h.stop.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		for client := range h.clients {
			h.drop(client)
		}
	})
}

// broadcast assigns evt the next stream id and sends it to every matching
// client. A client whose buffer is full is disconnected; it can resume from
// its last id.
func (h *SSEHub) broadcast(evt events.Event) {
	out := streamEvent{Summary: evt.Summary(), Event: evt}
	if evt.Port != nil {
		out.Interface = evt.Port.Interface()
	}
	data, err := json.Marshal(out)
	if err != nil {
		h.logger.Warn("encoding stream event", "event", string(evt.Type), "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	f := frame{id: h.nextID, evt: evt, data: data}
	h.remember(f)

	for client := range h.clients {
		if !client.filter.matches(evt) {
			continue
		}
		select {
		case client.send <- f:
		default:
			h.logger.Warn("event stream client too slow, disconnecting",
				"event", string(evt.Type), "id", f.id)
			h.drop(client)
		}
	}
}

func (h *SSEHub) remember(f frame) {
	if len(h.recent) < replayDepth {
		h.recent = append(h.recent, f)
		return
	}
	h.recent[h.head] = f
	h.head = (h.head + 1) % replayDepth
}

// since returns the remembered frames after id, oldest first.
func (h *SSEHub) since(id uint64) []frame {
	var out []frame
	for i := range h.recent {
		f := h.recent[(h.head+i)%len(h.recent)]
		if f.id > id {
			out = append(out, f)
		}
	}
	return out
}

// addClient registers c and queues the frames it missed after lastID. A
// lastID of zero means a fresh connection with nothing to replay.
func (h *SSEHub) addClient(c *sseClient, lastID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lastID > 0 {
		for _, f := range h.since(lastID) {
			if !c.filter.matches(f.evt) {
				continue
			}
			select {
			case c.send <- f:
			default:
			}
		}
	}
	h.clients[c] = struct{}{}
	metrics.SSEConnections.Inc()
}

func (h *SSEHub) removeClient(c *sseClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		h.drop(c)
	}
	h.mu.Unlock()
}

// drop must be called with mu held.
func (h *SSEHub) drop(c *sseClient) {
	close(c.send)
	delete(h.clients, c)
	metrics.SSEConnections.Dec()
}

// handleSSE streams bus events as Server-Sent Events. Query parameters
// "type" (repeatable, hook pattern syntax), "switch" and "port" filter the
// stream; a Last-Event-ID header resumes after that id.
// GET /api/v1/events/stream
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	filter, err := parseStreamFilter(r.URL.Query())
	if err != nil {
		JSONError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	lastID, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := &sseClient{send: make(chan frame, 256), filter: filter}
	s.sseHub.addClient(client, lastID)
	defer s.sseHub.removeClient(client)

	s.logger.Debug("event stream client connected",
		"remote", r.RemoteAddr, "switch", filter.sw, "port", filter.port, "resume_after", lastID)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-client.send:
			if !ok {
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", f.id, f.evt.Type, f.data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			s.logger.Debug("event stream client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}

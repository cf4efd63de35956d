package events

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMatchesEvent(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		event    EventType
		want     bool
	}{
		{"no patterns", nil, EventPortBlocked, true},
		{"exact", []string{"port.blocked"}, EventPortBlocked, true},
		{"exact other", []string{"port.blocked"}, EventPortUnblocked, false},
		{"star", []string{"*"}, EventSwitchConnected, true},
		{"port family", []string{"port.*"}, EventPortBlockFailed, true},
		{"port family excludes switches", []string{"port.*"}, EventSwitchDisconnected, false},
		{"mixed", []string{"port.blocked", "switch.*"}, EventSwitchDisconnected, true},
		{"bare family name", []string{"port"}, EventPortBlocked, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesEvent(tt.patterns, string(tt.event)); got != tt.want {
				t.Errorf("MatchesEvent(%v, %s) = %v, want %v", tt.patterns, tt.event, got, tt.want)
			}
		})
	}
}

func TestRouteSwitchFilter(t *testing.T) {
	d := NewDispatcher(nil, testLogger(), 1, time.Second)
	r := route{
		events:   []string{"port.*", "switch.*"},
		switches: d.switchFilter("edge", []string{"1", "00:00:00:00:00:00:00:ab", "bogus"}),
	}

	tests := []struct {
		name string
		evt  Event
		want bool
	}{
		{"short id", portEvent(EventPortBlocked, "0000000000000001", 1), true},
		{"colon id", portEvent(EventPortUnblocked, "00000000000000ab", 4), true},
		{"other switch", portEvent(EventPortBlocked, "0000000000000002", 1), false},
		{"switch payload", Event{Type: EventSwitchDisconnected, Switch: &SwitchData{SwitchID: "00000000000000ab"}}, true},
	}
	if len(r.switches) != 2 {
		t.Fatalf("filter = %v, want 2 valid ids", r.switches)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.matches(tt.evt); got != tt.want {
				t.Errorf("matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDispatcherRoutesBusEvents(t *testing.T) {
	var mu sync.Mutex
	var hooked []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hooked = append(hooked, r.Header.Get("X-Floodgate-Event")+" "+r.Header.Get("X-Floodgate-Interface"))
		mu.Unlock()
	}))
	defer server.Close()

	out := filepath.Join(t.TempDir(), "purges")
	bus := NewBus(100, testLogger())
	go bus.Start()
	defer bus.Stop()

	d := NewDispatcher(bus, testLogger(), 1, time.Second)
	d.AddWebhook(WebhookConfig{Name: "blocks", Events: []string{"port.blocked"}, URL: server.URL})
	d.AddScript(ScriptConfig{
		Name:     "purges",
		Events:   []string{"switch.disconnected"},
		Command:  `echo "$FLOODGATE_PURGED" >> ` + out,
		Switches: []string{"2"},
		Timeout:  5 * time.Second,
	})
	d.Start()

	bus.Publish(portEvent(EventPortSuspect, "0000000000000001", 1))
	bus.Publish(portEvent(EventPortBlocked, "0000000000000001", 1))
	bus.Publish(Event{Type: EventSwitchDisconnected, Switch: &SwitchData{SwitchID: "0000000000000001", Purged: []string{"0000000000000001/1"}}})
	bus.Publish(Event{Type: EventSwitchDisconnected, Switch: &SwitchData{SwitchID: "0000000000000002", Purged: []string{"0000000000000002/3"}}})

	deadline := time.After(2 * time.Second)
	for {
		data, _ := os.ReadFile(out)
		mu.Lock()
		n := len(hooked)
		mu.Unlock()
		if n > 0 && len(data) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("hooks not run: webhooks=%d script=%q", n, data)
		case <-time.After(10 * time.Millisecond):
		}
	}
	d.Stop()
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(hooked) != 1 || hooked[0] != "port.blocked 0000000000000001/1" {
		t.Errorf("webhook calls = %v", hooked)
	}
	data, _ := os.ReadFile(out)
	if got := strings.TrimSpace(string(data)); got != "0000000000000002/3" {
		t.Errorf("script output = %q", got)
	}
}

func TestDispatcherWithoutHooks(t *testing.T) {
	bus := NewBus(10, testLogger())
	d := NewDispatcher(bus, testLogger(), 1, time.Second)
	d.Start()
	d.Stop()
	if d.ch != nil {
		t.Error("dispatcher without hooks subscribed to the bus")
	}
}

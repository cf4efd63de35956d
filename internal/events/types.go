// Package events provides the event bus and hook dispatcher for floodgate.
package events

import (
	"fmt"
	"strconv"
	"time"
)

// EventType represents a mitigation or switch lifecycle event.
type EventType string

const (
	EventPortSuspect        EventType = "port.suspect"
	EventPortCleared        EventType = "port.cleared"
	EventPortBlocked        EventType = "port.blocked"
	EventPortBlockFailed    EventType = "port.block_failed"
	EventPortUnblocked      EventType = "port.unblocked"
	EventPortUnblockFailed  EventType = "port.unblock_failed"
	EventSwitchConnected    EventType = "switch.connected"
	EventSwitchDisconnected EventType = "switch.disconnected"
)

// Event is the core event payload passed through the event bus.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Port      *PortData   `json:"port,omitempty"`
	Switch    *SwitchData `json:"switch,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// PortData carries interface information in events.
type PortData struct {
	SwitchID          string    `json:"switch_id"`
	PortNo            uint32    `json:"port_no"`
	RxThroughput      float64   `json:"rx_throughput,omitempty"`
	AdaptiveThreshold float64   `json:"adaptive_threshold,omitempty"`
	Strikes           int       `json:"strikes,omitempty"`
	BlockedAt         time.Time `json:"blocked_at,omitzero"`
	BlockedSeconds    float64   `json:"blocked_seconds,omitempty"`
	Host              string    `json:"host,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// SwitchData carries switch lifecycle information in events.
type SwitchData struct {
	SwitchID string   `json:"switch_id"`
	Purged   []string `json:"purged,omitempty"`
}

// SwitchHex formats a datapath id the way events and the API carry it.
func SwitchHex(id uint64) string {
	return fmt.Sprintf("%016x", id)
}

// SwitchID returns the event's switch id, from either payload.
func (e *Event) SwitchID() string {
	switch {
	case e.Port != nil:
		return e.Port.SwitchID
	case e.Switch != nil:
		return e.Switch.SwitchID
	}
	return ""
}

// Mitigation reports whether the event records a dataplane action, its
// failure or a switch purge. Watch-list and connect events are advisory.
func (t EventType) Mitigation() bool {
	switch t {
	case EventPortBlocked, EventPortBlockFailed, EventPortUnblocked,
		EventPortUnblockFailed, EventSwitchDisconnected:
		return true
	}
	return false
}

// Failed reports whether the event records a dataplane action that did not
// take effect.
func (t EventType) Failed() bool {
	return t == EventPortBlockFailed || t == EventPortUnblockFailed
}

// Interface renders the port as "switch/port", the key format of the
// interface table and the API.
func (p *PortData) Interface() string {
	return p.SwitchID + "/" + strconv.FormatUint(uint64(p.PortNo), 10)
}

// Held returns how long the port was blocked, rounded to the second.
func (p *PortData) Held() time.Duration {
	return time.Duration(p.BlockedSeconds * float64(time.Second)).Round(time.Second)
}

// Summary renders a one-line description of the event for operators.
func (e *Event) Summary() string {
	if p := e.Port; p != nil {
		iface := p.Interface()
		if p.Host != "" {
			iface += " (" + p.Host + ")"
		}
		switch e.Type {
		case EventPortSuspect:
			return fmt.Sprintf("%s on watch list, rx %s", iface, rate(p.RxThroughput))
		case EventPortCleared:
			return iface + " cleared from watch list"
		case EventPortBlocked:
			if p.AdaptiveThreshold > 0 {
				return fmt.Sprintf("%s blocked, rx %s over %s", iface, rate(p.RxThroughput), rate(p.AdaptiveThreshold))
			}
			return fmt.Sprintf("%s blocked, rx %s", iface, rate(p.RxThroughput))
		case EventPortBlockFailed:
			return fmt.Sprintf("%s block failed: %s", iface, p.Error)
		case EventPortUnblocked:
			s := fmt.Sprintf("%s unblocked after %s", iface, p.Held())
			if e.Reason != "" {
				s += " (" + e.Reason + ")"
			}
			return s
		case EventPortUnblockFailed:
			return fmt.Sprintf("%s unblock failed, will retry: %s", iface, p.Error)
		}
		return iface + " " + string(e.Type)
	}
	if sw := e.Switch; sw != nil {
		switch e.Type {
		case EventSwitchConnected:
			return "switch " + sw.SwitchID + " connected"
		case EventSwitchDisconnected:
			return fmt.Sprintf("switch %s disconnected, %d interfaces purged", sw.SwitchID, len(sw.Purged))
		}
		return "switch " + sw.SwitchID + " " + string(e.Type)
	}
	return string(e.Type)
}

func rate(bytesPerSec float64) string {
	return strconv.FormatFloat(bytesPerSec, 'f', 0, 64) + " B/s"
}

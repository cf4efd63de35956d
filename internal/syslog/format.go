package syslog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/floodgate-sdn/floodgate/internal/events"
)

// sdID is the RFC 5424 SD-ID for floodgate parameters. 32473 is the
// enterprise number reserved for documentation.
const sdID = "floodgate@32473"

// record is an event rendered once for every output.
type record struct {
	sd   string // RFC 5424 STRUCTURED-DATA, "-" when the format carries none
	msg  string
	json bool // msg is a JSON document
}

// line is the record as a single text line for file and HTTP outputs.
func (r record) line() string {
	if r.sd == "-" {
		return r.msg
	}
	return r.sd + " " + r.msg
}

// sdParam is one PARAM-NAME="value" pair of structured data.
type sdParam struct {
	name, value string
}

// eventParams lists the interface or switch fields an event carries, in a
// fixed order shared by the structured data and CEF renderings.
func eventParams(evt events.Event) []sdParam {
	var ps []sdParam
	if p := evt.Port; p != nil {
		ps = append(ps,
			sdParam{"switch", p.SwitchID},
			sdParam{"port", strconv.FormatUint(uint64(p.PortNo), 10)},
			sdParam{"interface", p.Interface()})
		if p.Host != "" {
			ps = append(ps, sdParam{"host", p.Host})
		}
		if p.RxThroughput > 0 {
			ps = append(ps, sdParam{"rx", strconv.FormatFloat(p.RxThroughput, 'f', 0, 64)})
		}
		if p.AdaptiveThreshold > 0 {
			ps = append(ps, sdParam{"threshold", strconv.FormatFloat(p.AdaptiveThreshold, 'f', 0, 64)})
		}
		if p.Strikes > 0 {
			ps = append(ps, sdParam{"strikes", strconv.Itoa(p.Strikes)})
		}
		if p.BlockedSeconds > 0 {
			ps = append(ps, sdParam{"blocked_seconds", strconv.FormatFloat(p.BlockedSeconds, 'f', 1, 64)})
		}
		if p.Error != "" {
			ps = append(ps, sdParam{"error", p.Error})
		}
	}
	if sw := evt.Switch; sw != nil {
		ps = append(ps, sdParam{"switch", sw.SwitchID})
		if evt.Type == events.EventSwitchDisconnected {
			ps = append(ps, sdParam{"purged", strconv.Itoa(len(sw.Purged))})
		}
	}
	if evt.Reason != "" {
		ps = append(ps, sdParam{"reason", evt.Reason})
	}
	return ps
}

// structuredData renders evt as one RFC 5424 SD-ELEMENT.
func structuredData(evt events.Event) string {
	var b strings.Builder
	b.WriteString("[" + sdID)
	for _, p := range eventParams(evt) {
		b.WriteString(" " + p.name + `="` + sdEscape(p.value) + `"`)
	}
	b.WriteString("]")
	return b.String()
}

// sdEscape escapes the three characters RFC 5424 reserves in PARAM-VALUE.
func sdEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, `]`, `\]`).Replace(s)
}

// msgID is the RFC 5424 MSGID: the event type, which is at most 32
// printable characters.
func msgID(t events.EventType) string {
	return string(t)
}

// document is the flat JSON shape sent to log pipelines.
type document struct {
	Timestamp      time.Time `json:"@timestamp"`
	Event          string    `json:"event"`
	Summary        string    `json:"summary"`
	Mitigation     bool      `json:"mitigation"`
	SwitchID       string    `json:"switch_id,omitempty"`
	PortNo         uint32    `json:"port_no,omitempty"`
	Interface      string    `json:"interface,omitempty"`
	Host           string    `json:"host,omitempty"`
	RxThroughput   float64   `json:"rx_throughput,omitempty"`
	Threshold      float64   `json:"adaptive_threshold,omitempty"`
	Strikes        int       `json:"strikes,omitempty"`
	BlockedSeconds float64   `json:"blocked_seconds,omitempty"`
	Error          string    `json:"error,omitempty"`
	Purged         []string  `json:"purged,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

func formatJSON(evt events.Event) string {
	doc := document{
		Timestamp:  evt.Timestamp.UTC(),
		Event:      string(evt.Type),
		Summary:    evt.Summary(),
		Mitigation: evt.Type.Mitigation(),
		SwitchID:   evt.SwitchID(),
		Reason:     evt.Reason,
	}
	if p := evt.Port; p != nil {
		doc.PortNo = p.PortNo
		doc.Interface = p.Interface()
		doc.Host = p.Host
		doc.RxThroughput = p.RxThroughput
		doc.Threshold = p.AdaptiveThreshold
		doc.Strikes = p.Strikes
		doc.BlockedSeconds = p.BlockedSeconds
		doc.Error = p.Error
	}
	if sw := evt.Switch; sw != nil {
		doc.Purged = sw.Purged
	}
	data, _ := json.Marshal(doc)
	return string(data)
}

// cefNames are the CEF Name fields; the Signature ID is the event type.
var cefNames = map[events.EventType]string{
	events.EventPortSuspect:        "Interface Over Threshold",
	events.EventPortCleared:        "Interface Back Under Threshold",
	events.EventPortBlocked:        "Interface Blocked",
	events.EventPortBlockFailed:    "Interface Block Failed",
	events.EventPortUnblocked:      "Interface Unblocked",
	events.EventPortUnblockFailed:  "Interface Unblock Failed",
	events.EventSwitchConnected:    "Switch Connected",
	events.EventSwitchDisconnected: "Switch Disconnected",
}

// cefKeys maps event parameters onto ArcSight extension keys. Parameters
// without a key are carried as custom string fields.
var cefKeys = map[string]string{
	"switch": "deviceExternalId",
	"host":   "shost",
	"reason": "reason",
}

// formatCEF produces an ArcSight Common Event Format message:
// CEF:Version|Device Vendor|Device Product|Device Version|Signature ID|Name|Severity|Extension
func (f *Forwarder) formatCEF(evt events.Event) string {
	ext := []string{
		"rt=" + strconv.FormatInt(evt.Timestamp.UnixMilli(), 10),
		"dvchost=" + cefExtEscape(f.hostname),
		"msg=" + cefExtEscape(evt.Summary()),
	}
	custom := 0
	for _, p := range eventParams(evt) {
		if key, ok := cefKeys[p.name]; ok {
			ext = append(ext, key+"="+cefExtEscape(p.value))
			continue
		}
		// cs1..cs6 are the custom string slots
		if custom == 6 {
			continue
		}
		custom++
		ext = append(ext, fmt.Sprintf("cs%d=%s cs%dLabel=%s", custom, cefExtEscape(p.value), custom, p.name))
	}

	name, ok := cefNames[evt.Type]
	if !ok {
		name = string(evt.Type)
	}
	return fmt.Sprintf("CEF:0|%s|%s|%s|%s|%s|%d|%s",
		cefEscape(f.cfg.CEFDeviceVendor),
		cefEscape(f.cfg.CEFDeviceProduct),
		cefEscape(f.cfg.CEFDeviceVersion),
		cefEscape(string(evt.Type)),
		cefEscape(name),
		cefSeverity(evt.Type),
		strings.Join(ext, " "),
	)
}

// cefEscape escapes a CEF header field.
func cefEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `|`, `\|`).Replace(s)
}

// cefExtEscape escapes an extension value.
func cefExtEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `=`, `\=`, "\n", `\n`, "\r", `\r`).Replace(s)
}

// eventSeverity is the syslog severity of an event.
func eventSeverity(t events.EventType) int {
	switch {
	case t.Failed():
		return SeverityError
	case t == events.EventPortBlocked, t == events.EventSwitchDisconnected:
		return SeverityWarning
	case t == events.EventPortSuspect:
		return SeverityNotice
	default:
		return SeverityInfo
	}
}

// cefSeverity maps the syslog severity onto the CEF 0-10 scale.
func cefSeverity(t events.EventType) int {
	switch eventSeverity(t) {
	case SeverityError:
		return 8
	case SeverityWarning:
		return 6
	case SeverityNotice:
		return 4
	default:
		return 2
	}
}

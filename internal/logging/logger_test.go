package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"TRACE", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("info", "json", &buf)
	logger.Debug("hidden")
	logger.Info("port blocked", "switch", "0000000000000001", "port", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json output: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "port blocked" || rec["switch"] != "0000000000000001" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	logger = Setup("info", "text", &buf)
	logger.Info("port blocked", "port", 3)
	if !strings.Contains(buf.String(), "msg=\"port blocked\" port=3") {
		t.Errorf("text output = %q", buf.String())
	}
}

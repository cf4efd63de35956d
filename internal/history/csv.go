package history

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// CSVHeaders returns the CSV column headers for history records.
var CSVHeaders = []string{
	"id", "timestamp", "event", "switch_id", "port_no", "host",
	"rx_throughput", "adaptive_threshold", "blocked_seconds",
	"purged", "reason", "error",
}

// WriteCSV writes history records as CSV to the given writer.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(CSVHeaders); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}

	for _, r := range records {
		row := []string{
			strconv.FormatUint(r.ID, 10),
			r.Timestamp,
			r.Event,
			r.SwitchID,
			formatPort(r),
			r.Host,
			formatFloat(r.RxThroughput),
			formatFloat(r.AdaptiveThreshold),
			formatFloat(r.BlockedSeconds),
			strings.Join(r.Purged, " "),
			r.Reason,
			r.Error,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatPort(r Record) string {
	if r.PortKey() == "" {
		return ""
	}
	return strconv.FormatUint(uint64(r.PortNo), 10)
}

func formatFloat(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// Package macvendor resolves MAC addresses to OUI vendor names so host
// bindings in the topology can be told apart at a glance. The database is
// the macdb.json export ([{"macPrefix": ..., "vendorName": ...}]).
package macvendor

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Entry represents a single MAC vendor database record.
type Entry struct {
	MacPrefix  string `json:"macPrefix"`
	VendorName string `json:"vendorName"`
	Private    bool   `json:"private"`
	BlockType  string `json:"blockType"`
}

// DB is the in-memory MAC vendor database.
type DB struct {
	mu      sync.RWMutex
	vendors map[string]string // normalized prefix -> vendor name
}

// NewDB creates a new empty MAC vendor database.
func NewDB() *DB {
	return &DB{vendors: make(map[string]string)}
}

// LoadFile reads a macdb.json file into a new DB.
func LoadFile(path string) (*DB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vendor database: %w", err)
	}
	db := NewDB()
	if err := db.Load(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return db, nil
}

// Load replaces the database contents with the entries in data.
func (db *DB) Load(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing vendor database: %w", err)
	}

	vendors := make(map[string]string, len(entries))
	for _, e := range entries {
		prefix := normalize(e.MacPrefix)
		if prefix == "" || e.VendorName == "" {
			continue
		}
		vendors[prefix] = e.VendorName
	}

	db.mu.Lock()
	db.vendors = vendors
	db.mu.Unlock()
	return nil
}

// Lookup returns the vendor name for a MAC address, or "" if unknown.
// MA-S (36 bit) and MA-M (28 bit) assignments win over the MA-L prefix.
func (db *DB) Lookup(mac string) string {
	m := normalize(mac)
	if len(m) < 6 {
		return ""
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, n := range []int{9, 7, 6} {
		if n > len(m) {
			continue
		}
		if vendor, ok := db.vendors[m[:n]]; ok {
			return vendor
		}
	}
	return ""
}

// Count returns the number of vendor entries loaded.
func (db *DB) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors)
}

// normalize converts "00:00:0C", "00-00-0C" or "0000.0c" to lowercase hex
// without separators.
func normalize(s string) string {
	s = strings.NewReplacer(":", "", "-", "", ".", "").Replace(strings.TrimSpace(s))
	return strings.ToLower(s)
}

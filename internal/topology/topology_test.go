package topology

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func testDB(t *testing.T) *bolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testMap(t *testing.T) *Map {
	t.Helper()
	m, err := NewMap(testDB(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestBindHostBuildsTopology(t *testing.T) {
	m := testMap(t)

	if err := m.BindHost(1, 3, Host{MAC: "00:00:00:00:00:03", IP: "10.0.0.3", Name: "h3"}, SourceFile); err != nil {
		t.Fatal(err)
	}

	stats := m.Stats()
	if stats["switches"] != 1 || stats["ports"] != 1 || stats["hosts"] != 1 || stats["edge_ports"] != 1 {
		t.Errorf("stats = %v", stats)
	}

	tree := m.Tree()
	if len(tree) != 1 {
		t.Fatalf("tree has %d switches", len(tree))
	}
	if tree[0].ID != "0000000000000001" {
		t.Errorf("switch ID = %q", tree[0].ID)
	}
	port := tree[0].Ports["3"]
	if port == nil {
		t.Fatal("port 3 not found")
	}
	if len(port.Hosts) != 1 || port.Hosts[0].Name != "h3" || port.Hosts[0].Source != SourceFile {
		t.Errorf("hosts = %+v", port.Hosts[0])
	}
}

func TestBindHostRequiresMAC(t *testing.T) {
	m := testMap(t)
	if err := m.BindHost(1, 1, Host{Name: "nomac"}, SourceAPI); err == nil {
		t.Error("expected error for binding without mac")
	}
}

func TestIsEdgePort(t *testing.T) {
	m := testMap(t)
	m.BindHost(1, 1, Host{MAC: "aa:00:00:00:00:01"}, SourceFile)
	m.BindHost(1, 4, Host{MAC: "aa:00:00:00:00:04"}, SourceFile)
	m.MarkTrunk(1, 4, true)
	m.MarkTrunk(1, 5, true)

	tests := []struct {
		sw   uint64
		port uint32
		want bool
	}{
		{1, 1, true},
		{1, 2, false}, // nothing bound
		{1, 4, false}, // trunk with a host
		{1, 5, false}, // trunk
		{2, 1, false}, // unknown switch
	}
	for _, tt := range tests {
		if got := m.IsEdgePort(tt.sw, tt.port); got != tt.want {
			t.Errorf("IsEdgePort(%d, %d) = %v, want %v", tt.sw, tt.port, got, tt.want)
		}
	}
}

func TestHostMovesBetweenPorts(t *testing.T) {
	m := testMap(t)
	mac := "AA:BB:CC:DD:EE:FF"

	m.BindHost(1, 1, Host{MAC: mac, Name: "old"}, SourceAPI)
	m.BindHost(2, 7, Host{MAC: mac, Name: "new"}, SourceAPI)

	if m.IsEdgePort(1, 1) {
		t.Error("old port still edge after host moved")
	}
	if !m.IsEdgePort(2, 7) {
		t.Error("new port not edge")
	}
	if m.Stats()["hosts"] != 1 {
		t.Errorf("hosts = %d, want 1", m.Stats()["hosts"])
	}
	if got := m.HostLabel(2, 7); got != "new" {
		t.Errorf("label = %q", got)
	}
}

func TestRebindUpdatesHost(t *testing.T) {
	m := testMap(t)
	m.BindHost(1, 1, Host{MAC: "aa:00:00:00:00:01", IP: "10.0.0.10"}, SourceFile)
	m.BindHost(1, 1, Host{MAC: "aa:00:00:00:00:01", IP: "10.0.0.20"}, SourceAPI)

	port := m.Tree()[0].Ports["1"]
	if len(port.Hosts) != 1 {
		t.Fatalf("expected 1 host, got %d", len(port.Hosts))
	}
	if port.Hosts[0].IP != "10.0.0.20" || port.Hosts[0].Source != SourceAPI {
		t.Errorf("host = %+v", port.Hosts[0])
	}
	if got := m.HostLabel(1, 1); got != "aa:00:00:00:00:01" {
		t.Errorf("label without name = %q, want mac", got)
	}
}

func TestUnbindHost(t *testing.T) {
	m := testMap(t)
	m.BindHost(1, 1, Host{MAC: "aa:00:00:00:00:01"}, SourceAPI)

	if !m.UnbindHost("AA:00:00:00:00:01") {
		t.Fatal("UnbindHost returned false")
	}
	if m.IsEdgePort(1, 1) {
		t.Error("port still edge after unbind")
	}
	if m.UnbindHost("aa:00:00:00:00:01") {
		t.Error("second unbind should report false")
	}
}

func TestSwitchUpDown(t *testing.T) {
	m := testMap(t)
	m.BindHost(1, 1, Host{MAC: "aa:00:00:00:00:01"}, SourceFile)

	m.SwitchUp(1)
	m.SwitchUp(2)
	if got := m.Stats()["connected"]; got != 2 {
		t.Errorf("connected = %d, want 2", got)
	}

	m.SwitchDown(1)
	if got := m.Stats()["connected"]; got != 1 {
		t.Errorf("connected = %d, want 1", got)
	}
	if !m.IsEdgePort(1, 1) {
		t.Error("bindings must survive disconnect")
	}

	m.SwitchDown(99) // unknown, no-op
	if m.Stats()["switches"] != 2 {
		t.Errorf("switches = %d", m.Stats()["switches"])
	}
}

func TestSetLabel(t *testing.T) {
	m := testMap(t)
	m.BindHost(1, 1, Host{MAC: "aa:00:00:00:00:01"}, SourceFile)

	if err := m.SetLabel(1, nil, "Core Switch 1"); err != nil {
		t.Fatal(err)
	}
	port := uint32(1)
	if err := m.SetLabel(1, &port, "Server Room Port 1"); err != nil {
		t.Fatal(err)
	}

	tree := m.Tree()
	if tree[0].Label != "Core Switch 1" {
		t.Errorf("switch label = %q", tree[0].Label)
	}
	if tree[0].Ports["1"].Label != "Server Room Port 1" {
		t.Errorf("port label = %q", tree[0].Ports["1"].Label)
	}

	if err := m.SetLabel(42, nil, "x"); err == nil {
		t.Error("expected error for non-existent switch")
	}
	missing := uint32(9)
	if err := m.SetLabel(1, &missing, "x"); err == nil {
		t.Error("expected error for non-existent port")
	}
}

func TestPersistence(t *testing.T) {
	db := testDB(t)
	m1, err := NewMap(db, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	m1.BindHost(1, 1, Host{MAC: "aa:00:00:00:00:01"}, SourceFile)
	m1.BindHost(1, 2, Host{MAC: "aa:00:00:00:00:02"}, SourceFile)
	m1.MarkTrunk(1, 3, true)
	m1.SwitchUp(1)

	m2, err := NewMap(db, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	stats := m2.Stats()
	if stats["switches"] != 1 || stats["ports"] != 3 || stats["hosts"] != 2 || stats["trunks"] != 1 {
		t.Errorf("after reload: %v", stats)
	}
	if stats["connected"] != 0 {
		t.Error("connection state should not survive a reload")
	}
	if !m2.IsEdgePort(1, 2) {
		t.Error("edge port lost on reload")
	}
}

func TestLoadHostsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	content := `
hosts:
  - switch: "1"
    port: 1
    mac: "00:00:00:00:00:01"
    ip: 10.0.0.1
    name: h1
  - switch: "00:00:00:00:00:00:00:02"
    port: 2
    mac: "00:00:00:00:00:02"
trunks:
  - switch: "0x1"
    port: 4
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	f, err := LoadHostsFile(path)
	if err != nil {
		t.Fatalf("LoadHostsFile: %v", err)
	}
	if len(f.Hosts) != 2 || f.Hosts[0].Name != "h1" || f.Hosts[0].IP != "10.0.0.1" {
		t.Fatalf("hosts = %+v", f.Hosts)
	}

	m := testMap(t)
	n, err := m.Apply(f, SourceFile)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("applied = %d", n)
	}
	if !m.IsEdgePort(1, 1) || !m.IsEdgePort(2, 2) {
		t.Error("bindings not applied")
	}
	if m.IsEdgePort(1, 4) {
		t.Error("trunk reported as edge")
	}
}

func TestLoadHostsFileErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "hosts: [\n"},
		{"bad switch", "hosts:\n  - switch: sw1\n    port: 1\n    mac: aa\n"},
		{"missing mac", "hosts:\n  - switch: \"1\"\n    port: 1\n"},
		{"bad trunk", "trunks:\n  - switch: \"\"\n    port: 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			os.WriteFile(path, []byte(tt.content), 0644)
			if _, err := LoadHostsFile(path); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := LoadHostsFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

type vendorTable map[string]string

func (v vendorTable) Lookup(mac string) string { return v[mac[:8]] }

func TestBindHostTagsVendor(t *testing.T) {
	m := testMap(t)
	m.SetVendorLookup(vendorTable{"00:00:0c": "Cisco Systems, Inc"})

	m.BindHost(1, 1, Host{MAC: "00:00:0C:11:22:33"}, SourceAPI)
	m.BindHost(1, 2, Host{MAC: "aa:bb:cc:00:00:01"}, SourceAPI)

	ports := m.Tree()[0].Ports
	if got := ports["1"].Hosts[0].Vendor; got != "Cisco Systems, Inc" {
		t.Errorf("vendor = %q", got)
	}
	if got := ports["2"].Hosts[0].Vendor; got != "" {
		t.Errorf("unknown OUI vendor = %q", got)
	}
}

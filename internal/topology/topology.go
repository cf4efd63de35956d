// Package topology maintains the map of switches, ports and the hosts bound
// to them. A port with at least one bound host that is not an inter-switch
// trunk is an edge port; only edge ports are ever blocked. Bindings come
// from the hosts file and the admin API and survive restarts in BoltDB.
package topology

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketTopology = []byte("topology")

// Binding sources.
const (
	SourceFile = "file"
	SourceAPI  = "api"
)

// SwitchNode represents a datapath in the topology.
type SwitchNode struct {
	ID        string               `json:"id"`
	DPID      uint64               `json:"dpid"`
	Label     string               `json:"label,omitempty"`
	Connected bool                 `json:"connected"`
	FirstSeen time.Time            `json:"first_seen"`
	LastSeen  time.Time            `json:"last_seen"`
	Ports     map[string]*PortNode `json:"ports"`
}

// PortNode represents a physical port on a switch.
type PortNode struct {
	PortNo    uint32      `json:"port_no"`
	Label     string      `json:"label,omitempty"`
	Trunk     bool        `json:"trunk,omitempty"`
	FirstSeen time.Time   `json:"first_seen"`
	LastSeen  time.Time   `json:"last_seen"`
	Hosts     []*HostNode `json:"hosts"`
}

// HostNode represents a host bound to a port.
type HostNode struct {
	MAC       string    `json:"mac"`
	IP        string    `json:"ip,omitempty"`
	Name      string    `json:"name,omitempty"`
	Vendor    string    `json:"vendor,omitempty"`
	Source    string    `json:"source"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Host is the input for a binding.
type Host struct {
	MAC  string `json:"mac" yaml:"mac"`
	IP   string `json:"ip,omitempty" yaml:"ip"`
	Name string `json:"name,omitempty" yaml:"name"`
}

// VendorLookup resolves a MAC address to its OUI vendor.
type VendorLookup interface {
	Lookup(mac string) string
}

// Map holds the switch → port → host tree.
type Map struct {
	db       *bolt.DB
	logger   *slog.Logger
	mu       sync.RWMutex
	switches map[string]*SwitchNode // keyed by hex datapath id
	vendors  VendorLookup
	now      func() time.Time
}

// NewMap creates a new topology map backed by BoltDB.
func NewMap(db *bolt.DB, logger *slog.Logger) (*Map, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTopology)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating topology bucket: %w", err)
	}

	m := &Map{
		db:       db,
		logger:   logger,
		switches: make(map[string]*SwitchNode),
		now:      time.Now,
	}

	if err := m.loadAll(); err != nil {
		return nil, fmt.Errorf("loading topology: %w", err)
	}

	return m, nil
}

// SetVendorLookup enables vendor tagging of hosts bound from now on.
func (m *Map) SetVendorLookup(v VendorLookup) {
	m.mu.Lock()
	m.vendors = v
	m.mu.Unlock()
}

func switchKey(id uint64) string {
	return fmt.Sprintf("%016x", id)
}

func portKey(portNo uint32) string {
	return strconv.FormatUint(uint64(portNo), 10)
}

// nodeLocked returns the switch and port nodes, creating them as needed.
// Caller must hold m.mu.
func (m *Map) nodeLocked(sw uint64, portNo uint32, now time.Time) (*SwitchNode, *PortNode) {
	key := switchKey(sw)
	node, ok := m.switches[key]
	if !ok {
		node = &SwitchNode{
			ID:        key,
			DPID:      sw,
			FirstSeen: now,
			LastSeen:  now,
			Ports:     make(map[string]*PortNode),
		}
		m.switches[key] = node
	}
	port, ok := node.Ports[portKey(portNo)]
	if !ok {
		port = &PortNode{PortNo: portNo, FirstSeen: now, LastSeen: now}
		node.Ports[portKey(portNo)] = port
	}
	return node, port
}

// BindHost binds a host to a port. A MAC is bound to at most one port: a
// host seen on a new port is moved there.
func (m *Map) BindHost(sw uint64, portNo uint32, h Host, source string) error {
	mac := strings.ToLower(strings.TrimSpace(h.MAC))
	if mac == "" {
		return fmt.Errorf("host binding on %s/%d has no mac", switchKey(sw), portNo)
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	node, port := m.nodeLocked(sw, portNo, now)
	port.LastSeen = now

	var vendor string
	if m.vendors != nil {
		vendor = m.vendors.Lookup(mac)
	}

	if oldSw, moved := m.unbindLocked(mac, port); moved && oldSw != node {
		m.persist(oldSw)
	}

	found := false
	for _, hn := range port.Hosts {
		if hn.MAC == mac {
			hn.IP = h.IP
			hn.Name = h.Name
			hn.Vendor = vendor
			hn.Source = source
			hn.LastSeen = now
			found = true
			break
		}
	}
	if !found {
		port.Hosts = append(port.Hosts, &HostNode{
			MAC:       mac,
			IP:        h.IP,
			Name:      h.Name,
			Vendor:    vendor,
			Source:    source,
			FirstSeen: now,
			LastSeen:  now,
		})
	}

	m.persist(node)
	return nil
}

// unbindLocked removes mac from every port except keep and returns the
// switch it was removed from.
func (m *Map) unbindLocked(mac string, keep *PortNode) (*SwitchNode, bool) {
	for _, node := range m.switches {
		for _, port := range node.Ports {
			if port == keep {
				continue
			}
			for i, hn := range port.Hosts {
				if hn.MAC == mac {
					port.Hosts = append(port.Hosts[:i], port.Hosts[i+1:]...)
					return node, true
				}
			}
		}
	}
	return nil, false
}

// UnbindHost removes a host binding by MAC.
func (m *Map) UnbindHost(mac string) bool {
	mac = strings.ToLower(strings.TrimSpace(mac))

	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.unbindLocked(mac, nil)
	if ok {
		m.persist(node)
	}
	return ok
}

// MarkTrunk flags a port as an inter-switch link. Trunk ports are never
// edge ports, whatever hosts are bound to them.
func (m *Map) MarkTrunk(sw uint64, portNo uint32, trunk bool) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	node, port := m.nodeLocked(sw, portNo, now)
	port.Trunk = trunk
	port.LastSeen = now
	m.persist(node)
}

// IsEdgePort reports whether a host is bound to the port and it is not a trunk.
func (m *Map) IsEdgePort(sw uint64, portNo uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.switches[switchKey(sw)]
	if !ok {
		return false
	}
	port, ok := node.Ports[portKey(portNo)]
	if !ok {
		return false
	}
	return !port.Trunk && len(port.Hosts) > 0
}

// HostLabel names the host on a port: the first bound host's name, else its MAC.
func (m *Map) HostLabel(sw uint64, portNo uint32) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.switches[switchKey(sw)]
	if !ok {
		return ""
	}
	port, ok := node.Ports[portKey(portNo)]
	if !ok || len(port.Hosts) == 0 {
		return ""
	}
	if port.Hosts[0].Name != "" {
		return port.Hosts[0].Name
	}
	return port.Hosts[0].MAC
}

// SwitchUp records that a switch connected.
func (m *Map) SwitchUp(sw uint64) {
	m.setConnected(sw, true)
}

// SwitchDown records that a switch disconnected. Its bindings are kept: they
// describe cabling, not connection state.
func (m *Map) SwitchDown(sw uint64) {
	m.setConnected(sw, false)
}

func (m *Map) setConnected(sw uint64, up bool) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	key := switchKey(sw)
	node, ok := m.switches[key]
	if !ok {
		if !up {
			return
		}
		node = &SwitchNode{ID: key, DPID: sw, FirstSeen: now, Ports: make(map[string]*PortNode)}
		m.switches[key] = node
	}
	node.Connected = up
	node.LastSeen = now
	m.persist(node)
}

// SetLabel sets a friendly label for a switch, or for one of its ports when
// portNo is non-nil.
func (m *Map) SetLabel(sw uint64, portNo *uint32, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.switches[switchKey(sw)]
	if !ok {
		return fmt.Errorf("switch %s not found", switchKey(sw))
	}

	if portNo == nil {
		node.Label = label
	} else {
		port, ok := node.Ports[portKey(*portNo)]
		if !ok {
			return fmt.Errorf("port %d not found on switch %s", *portNo, switchKey(sw))
		}
		port.Label = label
	}

	m.persist(node)
	return nil
}

// Tree returns the full topology as a slice of switches sorted by id.
func (m *Map) Tree() []SwitchNode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]SwitchNode, 0, len(m.switches))
	for _, sw := range m.switches {
		cp := *sw
		cp.Ports = make(map[string]*PortNode, len(sw.Ports))
		for k, p := range sw.Ports {
			pCopy := *p
			pCopy.Hosts = make([]*HostNode, len(p.Hosts))
			for i, h := range p.Hosts {
				hCopy := *h
				pCopy.Hosts[i] = &hCopy
			}
			cp.Ports[k] = &pCopy
		}
		result = append(result, cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DPID < result[j].DPID
	})
	return result
}

// Stats returns summary statistics about the topology.
func (m *Map) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]int{
		"switches":   len(m.switches),
		"connected":  0,
		"ports":      0,
		"trunks":     0,
		"edge_ports": 0,
		"hosts":      0,
	}
	for _, sw := range m.switches {
		if sw.Connected {
			stats["connected"]++
		}
		stats["ports"] += len(sw.Ports)
		for _, p := range sw.Ports {
			stats["hosts"] += len(p.Hosts)
			switch {
			case p.Trunk:
				stats["trunks"]++
			case len(p.Hosts) > 0:
				stats["edge_ports"]++
			}
		}
	}
	return stats
}

// persist writes a switch node to BoltDB.
func (m *Map) persist(sw *SwitchNode) {
	data, err := json.Marshal(sw)
	if err != nil {
		m.logger.Error("failed to marshal topology node", "switch", sw.ID, "error", err)
		return
	}
	err = m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTopology)
		return b.Put([]byte(sw.ID), data)
	})
	if err != nil {
		m.logger.Error("failed to persist topology node", "switch", sw.ID, "error", err)
	}
}

// loadAll loads topology from BoltDB. Connection state is not restored.
func (m *Map) loadAll() error {
	return m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTopology)
		return b.ForEach(func(k, v []byte) error {
			var sw SwitchNode
			if err := json.Unmarshal(v, &sw); err != nil {
				m.logger.Warn("skipping corrupt topology record", "key", string(k), "error", err)
				return nil
			}
			if sw.Ports == nil {
				sw.Ports = make(map[string]*PortNode)
			}
			sw.Connected = false
			m.switches[string(k)] = &sw
			return nil
		})
	})
}

package topology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/floodgate-sdn/floodgate/internal/dataplane"
)

// HostsFile is the on-disk host binding list.
//
//	hosts:
//	  - switch: "1"
//	    port: 1
//	    mac: "00:00:00:00:00:01"
//	    ip: 10.0.0.1
//	    name: h1
//	trunks:
//	  - switch: "1"
//	    port: 4
type HostsFile struct {
	Hosts  []HostEntry `json:"hosts" yaml:"hosts"`
	Trunks []PortRef   `json:"trunks,omitempty" yaml:"trunks"`
}

// HostEntry binds one host to a switch port.
type HostEntry struct {
	Switch string `json:"switch" yaml:"switch"`
	Port   uint32 `json:"port" yaml:"port"`
	Host   `yaml:",inline"`
}

// PortRef names a switch port.
type PortRef struct {
	Switch string `json:"switch" yaml:"switch"`
	Port   uint32 `json:"port" yaml:"port"`
}

// LoadHostsFile reads and parses a YAML hosts file.
func LoadHostsFile(path string) (*HostsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading hosts file: %w", err)
	}

	var f HostsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing hosts file %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

// Validate checks switch ids and MACs.
func (f *HostsFile) Validate() error {
	for i, h := range f.Hosts {
		if _, err := dataplane.ParseSwitchID(h.Switch); err != nil {
			return fmt.Errorf("hosts[%d]: %w", i, err)
		}
		if h.MAC == "" {
			return fmt.Errorf("hosts[%d]: mac is required", i)
		}
	}
	for i, t := range f.Trunks {
		if _, err := dataplane.ParseSwitchID(t.Switch); err != nil {
			return fmt.Errorf("trunks[%d]: %w", i, err)
		}
	}
	return nil
}

// Apply binds every host and marks every trunk in f. It returns the number
// of host bindings applied.
func (m *Map) Apply(f *HostsFile, source string) (int, error) {
	n := 0
	for _, h := range f.Hosts {
		sw, err := dataplane.ParseSwitchID(h.Switch)
		if err != nil {
			return n, err
		}
		if err := m.BindHost(sw, h.Port, h.Host, source); err != nil {
			return n, err
		}
		n++
	}
	for _, t := range f.Trunks {
		sw, err := dataplane.ParseSwitchID(t.Switch)
		if err != nil {
			return n, err
		}
		m.MarkTrunk(sw, t.Port, true)
	}
	m.logger.Info("host bindings applied", "hosts", n, "trunks", len(f.Trunks), "source", source)
	return n, nil
}

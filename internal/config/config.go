// Package config handles TOML configuration parsing and validation for floodgate.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/floodgate-sdn/floodgate/internal/dataplane"
)

// Config is the top-level configuration for floodgate.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Detection  DetectionConfig  `toml:"detection"`
	Mitigation MitigationConfig `toml:"mitigation"`
	Poll       PollConfig       `toml:"poll"`
	Topology   TopologyConfig   `toml:"topology"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Hooks      HooksConfig      `toml:"hooks"`
	Syslog     SyslogConfig     `toml:"syslog"`
	API        APIConfig        `toml:"api"`
	Dataplane  DataplaneConfig  `toml:"dataplane"`
}

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	StateDB   string `toml:"state_db"`
}

// DetectionConfig holds the threshold model. Throughputs are bytes per second.
type DetectionConfig struct {
	BaseThreshold    float64 `toml:"base_threshold"`
	LowActivityFloor float64 `toml:"low_activity_floor"` // fraction of base_threshold
	StrikeThreshold  int     `toml:"strike_threshold"`
	AdaptiveMargin   float64 `toml:"adaptive_margin"`
	ActiveSetScope   string  `toml:"active_set_scope"`
}

// MitigationConfig holds drop rule settings.
type MitigationConfig struct {
	BlockDuration string `toml:"block_duration"`
	UnblockPolicy string `toml:"unblock_policy"` // "duration" or "sweeps"
	UnblockSweeps int    `toml:"unblock_sweeps"`
	DropPriority  int    `toml:"drop_priority"`
}

// PollConfig holds the counter polling cadence.
type PollConfig struct {
	Interval string `toml:"interval"`
}

// TopologyConfig holds host binding settings.
type TopologyConfig struct {
	Enabled   bool   `toml:"enabled"`
	HostsFile string `toml:"hosts_file"`
	VendorDB  string `toml:"vendor_db"` // macdb.json, optional
}

// TelemetryConfig holds per-tick export settings. Empty values disable a sink.
type TelemetryConfig struct {
	CSVPath     string `toml:"csv_path"`
	CSVAppend   bool   `toml:"csv_append"`
	NATSURL     string `toml:"nats_url"`
	NATSSubject string `toml:"nats_subject"`
}

// HooksConfig holds event hook settings.
type HooksConfig struct {
	EventBufferSize   int           `toml:"event_buffer_size"`
	ScriptConcurrency int           `toml:"script_concurrency"`
	ScriptTimeout     string        `toml:"script_timeout"`
	WebhookTimeout    string        `toml:"webhook_timeout"`
	Scripts           []ScriptHook  `toml:"script"`
	Webhooks          []WebhookHook `toml:"webhook"`
}

// ScriptHook defines a script hook.
type ScriptHook struct {
	Name     string   `toml:"name"`
	Events   []string `toml:"events"`
	Command  string   `toml:"command"`
	Timeout  string   `toml:"timeout"`
	Switches []string `toml:"switches"`
}

// WebhookHook defines a webhook hook.
type WebhookHook struct {
	Name         string            `toml:"name"`
	Events       []string          `toml:"events"`
	URL          string            `toml:"url"`
	Method       string            `toml:"method"`
	Headers      map[string]string `toml:"headers"`
	Timeout      string            `toml:"timeout"`
	Retries      int               `toml:"retries"`
	RetryBackoff string            `toml:"retry_backoff"`
	Secret       string            `toml:"secret"`
	Template     string            `toml:"template"`
}

// SyslogConfig holds SIEM forwarding settings. Each output is enabled by
// its own address, endpoint or path.
type SyslogConfig struct {
	Enabled  bool     `toml:"enabled"`
	Events   []string `toml:"events"`
	Format   string   `toml:"format"` // "rfc5424", "cef" or "json"
	Address  string   `toml:"address"`
	Protocol string   `toml:"protocol"`
	Facility int      `toml:"facility"`
	Tag      string   `toml:"tag"`

	CEFDeviceVendor  string `toml:"cef_device_vendor"`
	CEFDeviceProduct string `toml:"cef_device_product"`
	CEFDeviceVersion string `toml:"cef_device_version"`

	HTTPEnabled  bool              `toml:"http_enabled"`
	HTTPEndpoint string            `toml:"http_endpoint"`
	HTTPToken    string            `toml:"http_token"`
	HTTPInsecure bool              `toml:"http_insecure"`
	HTTPTimeout  string            `toml:"http_timeout"`
	HTTPHeaders  map[string]string `toml:"http_headers"`

	FileEnabled    bool   `toml:"file_enabled"`
	FilePath       string `toml:"file_path"`
	FileMaxSizeMB  int    `toml:"file_max_size_mb"`
	FileMaxBackups int    `toml:"file_max_backups"`
}

// APIConfig holds admin HTTP API settings.
type APIConfig struct {
	Enabled bool          `toml:"enabled"`
	Listen  string        `toml:"listen"`
	Auth    APIAuthConfig `toml:"auth"`
}

// APIAuthConfig holds auth settings.
type APIAuthConfig struct {
	AuthToken string       `toml:"auth_token"`
	Users     []UserConfig `toml:"users"`
}

// UserConfig holds an API user. Viewers may read; admins may also unblock
// ports and edit host bindings.
type UserConfig struct {
	Username     string `toml:"username"`
	PasswordHash string `toml:"password_hash"`
	Role         string `toml:"role"`
}

// DataplaneConfig selects the switch backend.
type DataplaneConfig struct {
	Mode     string            `toml:"mode"`
	SimStep  string            `toml:"sim_step"`
	Switches []SimSwitchConfig `toml:"switch"`
}

// SimSwitchConfig describes a simulated switch.
type SimSwitchConfig struct {
	ID    string          `toml:"id"`
	Ports []SimPortConfig `toml:"port"`

	DPID uint64 `toml:"-"` // parsed from ID by Load
}

// SimPortConfig describes a simulated port and its constant traffic rates.
type SimPortConfig struct {
	No     uint32  `toml:"no"`
	RxRate float64 `toml:"rx_rate"`
	TxRate float64 `toml:"tx_rate"`
}

// Load reads and parses a TOML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := &Config{}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	fillDefaults(cfg, &md)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in default values for unset fields.
func applyDefaults(cfg *Config) {
	fillDefaults(cfg, nil)
}

// fillDefaults is applyDefaults for a decoded file. Options where zero is a
// valid setting keep an explicit zero from the file.
func fillDefaults(cfg *Config, md *toml.MetaData) {
	unset := func(key ...string) bool {
		return md == nil || !md.IsDefined(key...)
	}

	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = DefaultLogFormat
	}
	if cfg.Server.StateDB == "" {
		cfg.Server.StateDB = DefaultStateDB
	}

	// Detection defaults
	if cfg.Detection.BaseThreshold == 0 && unset("detection", "base_threshold") {
		cfg.Detection.BaseThreshold = DefaultBaseThreshold
	}
	if cfg.Detection.LowActivityFloor == 0 && unset("detection", "low_activity_floor") {
		cfg.Detection.LowActivityFloor = DefaultLowActivityFloor
	}
	if cfg.Detection.StrikeThreshold == 0 && unset("detection", "strike_threshold") {
		cfg.Detection.StrikeThreshold = DefaultStrikeThreshold
	}
	if cfg.Detection.AdaptiveMargin == 0 && unset("detection", "adaptive_margin") {
		cfg.Detection.AdaptiveMargin = DefaultAdaptiveMargin
	}
	if cfg.Detection.ActiveSetScope == "" {
		cfg.Detection.ActiveSetScope = DefaultActiveSetScope
	}

	// Mitigation defaults
	if cfg.Mitigation.BlockDuration == "" {
		cfg.Mitigation.BlockDuration = DefaultBlockDuration.String()
	}
	if cfg.Mitigation.UnblockPolicy == "" {
		cfg.Mitigation.UnblockPolicy = DefaultUnblockPolicy
	}
	if cfg.Mitigation.UnblockSweeps == 0 && unset("mitigation", "unblock_sweeps") {
		cfg.Mitigation.UnblockSweeps = DefaultUnblockSweeps
	}
	if cfg.Mitigation.DropPriority == 0 && unset("mitigation", "drop_priority") {
		cfg.Mitigation.DropPriority = DefaultDropPriority
	}

	if cfg.Poll.Interval == "" {
		cfg.Poll.Interval = DefaultPollInterval.String()
	}

	if cfg.Telemetry.NATSSubject == "" {
		cfg.Telemetry.NATSSubject = DefaultNATSSubject
	}

	// Hooks defaults
	if cfg.Hooks.EventBufferSize == 0 {
		cfg.Hooks.EventBufferSize = DefaultEventBufferSize
	}
	if cfg.Hooks.ScriptConcurrency == 0 {
		cfg.Hooks.ScriptConcurrency = DefaultScriptConcurrency
	}
	if cfg.Hooks.ScriptTimeout == "" {
		cfg.Hooks.ScriptTimeout = DefaultScriptTimeout.String()
	}
	if cfg.Hooks.WebhookTimeout == "" {
		cfg.Hooks.WebhookTimeout = DefaultWebhookTimeout.String()
	}
	for i := range cfg.Hooks.Webhooks {
		if cfg.Hooks.Webhooks[i].Method == "" {
			cfg.Hooks.Webhooks[i].Method = "POST"
		}
		if cfg.Hooks.Webhooks[i].Retries == 0 {
			cfg.Hooks.Webhooks[i].Retries = DefaultWebhookRetries
		}
		if cfg.Hooks.Webhooks[i].RetryBackoff == "" {
			cfg.Hooks.Webhooks[i].RetryBackoff = DefaultWebhookBackoff.String()
		}
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
	}
	for i := range cfg.API.Auth.Users {
		if cfg.API.Auth.Users[i].Role == "" {
			cfg.API.Auth.Users[i].Role = "viewer"
		}
	}

	if cfg.Dataplane.Mode == "" {
		cfg.Dataplane.Mode = DefaultDataplaneMode
	}
	if cfg.Dataplane.SimStep == "" {
		cfg.Dataplane.SimStep = DefaultSimStep.String()
	}
}

// validate checks the configuration for errors and resolves switch ids.
func validate(cfg *Config) error {
	switch cfg.Server.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("server.log_format must be \"json\" or \"text\", got %q", cfg.Server.LogFormat)
	}

	// Detection
	d := cfg.Detection
	if d.BaseThreshold <= 0 {
		return fmt.Errorf("detection.base_threshold must be positive, got %v", d.BaseThreshold)
	}
	if d.LowActivityFloor < 0 || d.LowActivityFloor >= 1 {
		return fmt.Errorf("detection.low_activity_floor must be in [0, 1), got %v", d.LowActivityFloor)
	}
	if d.StrikeThreshold < 0 {
		return fmt.Errorf("detection.strike_threshold must not be negative, got %d", d.StrikeThreshold)
	}
	if d.AdaptiveMargin < 0 {
		return fmt.Errorf("detection.adaptive_margin must not be negative, got %v", d.AdaptiveMargin)
	}
	if d.ActiveSetScope != "global" && d.ActiveSetScope != "switch" {
		return fmt.Errorf("detection.active_set_scope must be \"global\" or \"switch\", got %q", d.ActiveSetScope)
	}

	// Mitigation
	switch cfg.Mitigation.UnblockPolicy {
	case "duration":
		dur, err := time.ParseDuration(cfg.Mitigation.BlockDuration)
		if err != nil {
			return fmt.Errorf("mitigation.block_duration: %w", err)
		}
		if dur <= 0 {
			return fmt.Errorf("mitigation.block_duration must be positive, got %s", dur)
		}
	case "sweeps":
		if cfg.Mitigation.UnblockSweeps < 0 {
			return fmt.Errorf("mitigation.unblock_sweeps must not be negative, got %d", cfg.Mitigation.UnblockSweeps)
		}
	default:
		return fmt.Errorf("mitigation.unblock_policy must be \"duration\" or \"sweeps\", got %q", cfg.Mitigation.UnblockPolicy)
	}
	if cfg.Mitigation.DropPriority < 1 || cfg.Mitigation.DropPriority > 0xffff {
		return fmt.Errorf("mitigation.drop_priority must be in [1, 65535], got %d", cfg.Mitigation.DropPriority)
	}

	if iv, err := time.ParseDuration(cfg.Poll.Interval); err != nil {
		return fmt.Errorf("poll.interval: %w", err)
	} else if iv <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", iv)
	}

	// Hooks
	if _, err := time.ParseDuration(cfg.Hooks.ScriptTimeout); err != nil {
		return fmt.Errorf("hooks.script_timeout: %w", err)
	}
	if _, err := time.ParseDuration(cfg.Hooks.WebhookTimeout); err != nil {
		return fmt.Errorf("hooks.webhook_timeout: %w", err)
	}
	for i, s := range cfg.Hooks.Scripts {
		if s.Command == "" {
			return fmt.Errorf("hooks.script[%d]: command is required", i)
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				return fmt.Errorf("hooks.script[%d].timeout: %w", i, err)
			}
		}
		for _, sw := range s.Switches {
			if _, err := dataplane.ParseSwitchID(sw); err != nil {
				return fmt.Errorf("hooks.script[%d].switches: %w", i, err)
			}
		}
	}
	for i, w := range cfg.Hooks.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("hooks.webhook[%d]: url is required", i)
		}
		if w.Template != "" && w.Template != "slack" && w.Template != "teams" {
			return fmt.Errorf("hooks.webhook[%d].template must be \"slack\", \"teams\" or empty, got %q", i, w.Template)
		}
		if w.Timeout != "" {
			if _, err := time.ParseDuration(w.Timeout); err != nil {
				return fmt.Errorf("hooks.webhook[%d].timeout: %w", i, err)
			}
		}
		if _, err := time.ParseDuration(w.RetryBackoff); err != nil {
			return fmt.Errorf("hooks.webhook[%d].retry_backoff: %w", i, err)
		}
	}

	// Syslog
	if sl := cfg.Syslog; sl.Enabled {
		switch sl.Format {
		case "", "rfc5424", "cef", "json":
		default:
			return fmt.Errorf("syslog.format must be \"rfc5424\", \"cef\" or \"json\", got %q", sl.Format)
		}
		switch sl.Protocol {
		case "", "udp", "tcp":
		default:
			return fmt.Errorf("syslog.protocol must be \"udp\" or \"tcp\", got %q", sl.Protocol)
		}
		if sl.Facility < 0 || sl.Facility > 23 {
			return fmt.Errorf("syslog.facility out of range: %d", sl.Facility)
		}
		if sl.HTTPTimeout != "" {
			if _, err := time.ParseDuration(sl.HTTPTimeout); err != nil {
				return fmt.Errorf("syslog.http_timeout: %w", err)
			}
		}
	}

	// API
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	for i, u := range cfg.API.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("api.auth.users[%d]: username and password_hash are required", i)
		}
		if u.Role != "admin" && u.Role != "viewer" {
			return fmt.Errorf("api.auth.users[%d].role must be \"admin\" or \"viewer\", got %q", i, u.Role)
		}
	}

	// Dataplane
	if cfg.Dataplane.Mode != "sim" {
		return fmt.Errorf("dataplane.mode must be \"sim\", got %q", cfg.Dataplane.Mode)
	}
	if _, err := time.ParseDuration(cfg.Dataplane.SimStep); err != nil {
		return fmt.Errorf("dataplane.sim_step: %w", err)
	}
	seen := make(map[uint64]bool)
	for i, sw := range cfg.Dataplane.Switches {
		id, err := dataplane.ParseSwitchID(sw.ID)
		if err != nil {
			return fmt.Errorf("dataplane.switch[%d]: %w", i, err)
		}
		if seen[id] {
			return fmt.Errorf("dataplane.switch[%d]: duplicate id %s", i, sw.ID)
		}
		seen[id] = true
		cfg.Dataplane.Switches[i].DPID = id
		for j, p := range sw.Ports {
			if p.No == 0 || dataplane.IsReservedPort(p.No) {
				return fmt.Errorf("dataplane.switch[%d].port[%d]: invalid port number %d", i, j, p.No)
			}
			if p.RxRate < 0 || p.TxRate < 0 {
				return fmt.Errorf("dataplane.switch[%d].port[%d]: rates must not be negative", i, j)
			}
		}
	}

	return nil
}

// ParseDuration is a helper for parsing Go-style duration strings. Values
// have already been validated by Load.
func ParseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

// PollInterval returns the parsed poll interval.
func (cfg *Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(cfg.Poll.Interval)
	if err != nil {
		return DefaultPollInterval
	}
	return d
}

// BlockDuration returns the parsed block duration.
func (cfg *Config) BlockDuration() time.Duration {
	d, err := time.ParseDuration(cfg.Mitigation.BlockDuration)
	if err != nil {
		return DefaultBlockDuration
	}
	return d
}

// SimStep returns the simulated dataplane clock step.
func (cfg *Config) SimStep() time.Duration {
	d, err := time.ParseDuration(cfg.Dataplane.SimStep)
	if err != nil {
		return DefaultSimStep
	}
	return d
}

// WebhookTimeout returns the default timeout for webhooks that set none.
func (cfg *Config) WebhookTimeout() time.Duration {
	return durationOr(cfg.Hooks.WebhookTimeout, DefaultWebhookTimeout)
}

// durationOr parses s, falling back to def when s is empty or invalid.
func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

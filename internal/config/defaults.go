package config

import "time"

// Default configuration values.
const (
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultStateDB           = "/var/lib/floodgate/state.db"
	DefaultBaseThreshold     = 300000.0
	DefaultLowActivityFloor  = 0.02
	DefaultStrikeThreshold   = 1
	DefaultAdaptiveMargin    = 0.1
	DefaultActiveSetScope    = "global"
	DefaultBlockDuration     = 30 * time.Second
	DefaultUnblockPolicy     = "duration"
	DefaultUnblockSweeps     = 4
	DefaultDropPriority      = 2
	DefaultPollInterval      = 2 * time.Second
	DefaultNATSSubject       = "floodgate.telemetry"
	DefaultEventBufferSize   = 10000
	DefaultScriptConcurrency = 4
	DefaultScriptTimeout     = 10 * time.Second
	DefaultWebhookTimeout    = 10 * time.Second
	DefaultWebhookRetries    = 3
	DefaultWebhookBackoff    = 2 * time.Second
	DefaultAPIListen         = "127.0.0.1:8068"
	DefaultDataplaneMode     = "sim"
	DefaultSimStep           = 100 * time.Millisecond
)

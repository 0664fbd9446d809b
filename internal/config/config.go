// Package config defines Carapace's root configuration record, loaded
// from a JSON5 file with environment-variable overrides for secrets
// (matching the teacher's internal/config/config.go convention: DSNs and
// tokens are json:"-" and only ever come from the environment).
package config

import "sync"

// Config is the root configuration for the Carapace broker.
type Config struct {
	RequestChannel  RequestChannelConfig  `json:"request_channel"`
	EventBus        EventBusConfig        `json:"event_bus"`
	EventDispatcher EventDispatcherConfig `json:"event_dispatcher"`
	Lifecycle       LifecycleConfig       `json:"lifecycle"`
	RateLimiter     RateLimiterConfig     `json:"rate_limiter"`
	MessageLimits   MessageLimitsConfig   `json:"message_limits"`
	Provisioner     ProvisionerConfig     `json:"provisioner"`
	Audit           AuditConfig           `json:"audit"`
	SessionStore    SessionStoreConfig    `json:"session_store"`
	Prompts         PromptsConfig         `json:"prompts,omitempty"`
	Cron            []CronScheduleConfig  `json:"cron,omitempty"`
	Telemetry       TelemetryConfig       `json:"telemetry,omitempty"`
	Gateway         GatewayConfig         `json:"gateway"`

	mu sync.RWMutex
}

// RequestChannelConfig configures the Request Channel (spec §4.9). Its
// bind address is not configured here: the server provisions it at
// startup under ProvisionerConfig.Dir for the internal "server" session
// id (spec §4.14 step 3), the same shared pair every spawned container
// mounts.
type RequestChannelConfig struct {
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// EventBusConfig configures the Event Bus (spec §4.10). See
// RequestChannelConfig's doc comment — the bind address is provisioned,
// not configured.
type EventBusConfig struct{}

// EventDispatcherConfig configures the Event Dispatcher (spec §4.11).
type EventDispatcherConfig struct {
	MaxSessionsPerGroup int                           `json:"max_sessions_per_group,omitempty"`
	Groups              map[string]GroupPolicyConfig  `json:"groups,omitempty"`
}

// GroupPolicyConfig is one configured group's session policy.
type GroupPolicyConfig struct {
	SessionPolicy string `json:"session_policy"` // "fresh" or "resume"
}

// LifecycleConfig configures the Container Lifecycle Manager (spec §4.12).
type LifecycleConfig struct {
	Image                string `json:"image"`
	APIMode              bool   `json:"api_mode,omitempty"`
	ShutdownTimeoutMs    int64  `json:"shutdown_timeout_ms,omitempty"`
	HealthCheckTimeoutMs int64  `json:"health_check_timeout_ms,omitempty"`
	// StateRoot is the parent of each group's mounted Claude-state
	// directory (<StateRoot>/<group>); SkillsDir is mounted read-only
	// into every container regardless of group.
	StateRoot string `json:"state_root,omitempty"`
	SkillsDir string `json:"skills_dir,omitempty"`
	// AllowedNetwork names the one container-runtime network spawned
	// containers attach to. Empty means network-disabled (spec §4.12's
	// default); a named network is the explicit opt-in allow-list.
	AllowedNetwork string `json:"allowed_network,omitempty"`
}

// RateLimiterConfig configures the Rate Limiter (spec §4.5).
type RateLimiterConfig struct {
	RequestsPerMinute float64                  `json:"requests_per_minute,omitempty"`
	BurstSize         float64                  `json:"burst_size,omitempty"`
	GroupOverrides    map[string]RateLimitRule `json:"group_overrides,omitempty"`
}

// RateLimitRule is one group's override of the default rate limit.
type RateLimitRule struct {
	RequestsPerMinute float64 `json:"requests_per_minute"`
	BurstSize         float64 `json:"burst_size"`
}

// MessageLimitsConfig configures the Message Limits guard (spec §4.7).
type MessageLimitsConfig struct {
	MaxRawBytes     int `json:"max_raw_bytes,omitempty"`
	MaxPayloadBytes int `json:"max_payload_bytes,omitempty"`
	MaxFieldBytes   int `json:"max_field_bytes,omitempty"`
	MaxJSONDepth    int `json:"max_json_depth,omitempty"`
}

// ProvisionerConfig configures the Socket Provisioner (spec §4.2).
type ProvisionerConfig struct {
	Dir string `json:"dir"` // e.g. "<root>/run/sockets"
}

// AuditConfig configures the Audit Log (spec §4.13).
type AuditConfig struct {
	Dir string `json:"dir"` // e.g. "<root>/data/audit"
}

// SessionStoreConfig configures the reference sqlite session store.
type SessionStoreConfig struct {
	Path string `json:"path"` // e.g. "<root>/data/sessions.sqlite"
}

// PromptsConfig configures the optional prompt-file watcher.
type PromptsConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Dir     string `json:"dir,omitempty"`
}

// CronScheduleConfig is one configured cron trigger.
type CronScheduleConfig struct {
	Group      string `json:"group"`
	Task       string `json:"task"`
	Expression string `json:"expression"`
}

// TelemetryConfig configures OpenTelemetry tracing export.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	ServiceName  string `json:"service_name,omitempty"`
}

// GatewayConfig holds broker-wide operational settings.
type GatewayConfig struct {
	LogFormat string `json:"log_format,omitempty"` // "json" (default) or "text"

	// AnthropicAPIKey and OAuthToken are secrets: never read from the
	// config file, only from environment variables (see applyEnvOverrides).
	AnthropicAPIKey string `json:"-"`
	OAuthToken      string `json:"-"`
}

// Lock/Unlock expose the hot-reload guard to callers that swap the live
// Config wholesale (matching the teacher's Config.mu pattern).
func (c *Config) Lock()    { c.mu.Lock() }
func (c *Config) Unlock()  { c.mu.Unlock() }
func (c *Config) RLock()   { c.mu.RLock() }
func (c *Config) RUnlock() { c.mu.RUnlock() }

package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults, matching the teacher's
// Default() convention of a fully-populated zero-touch starting point.
func Default() *Config {
	return &Config{
		RequestChannel: RequestChannelConfig{
			TimeoutMs: 30000,
		},
		EventBus: EventBusConfig{},
		EventDispatcher: EventDispatcherConfig{
			MaxSessionsPerGroup: 3,
			Groups:              map[string]GroupPolicyConfig{},
		},
		Lifecycle: LifecycleConfig{
			ShutdownTimeoutMs:    10000,
			HealthCheckTimeoutMs: 30000,
			StateRoot:            "data/claude-state",
			SkillsDir:            "skills",
		},
		RateLimiter: RateLimiterConfig{
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		MessageLimits: MessageLimitsConfig{
			MaxRawBytes:     1 << 20,
			MaxPayloadBytes: 256 << 10,
			MaxFieldBytes:   100 << 10,
			MaxJSONDepth:    64,
		},
		Provisioner: ProvisionerConfig{Dir: "run/sockets"},
		Audit:       AuditConfig{Dir: "data/audit"},
		SessionStore: SessionStoreConfig{
			Path: "data/sessions.sqlite",
		},
		Gateway: GatewayConfig{LogFormat: "json"},
	}
}

// Load reads config from a JSON5 file, then overlays environment
// variables. A missing file is not an error: callers get the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays secrets and a handful of deployment knobs
// from the environment. Env values always win over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CARAPACE_ANTHROPIC_API_KEY", &c.Gateway.AnthropicAPIKey)
	envStr("CARAPACE_OAUTH_TOKEN", &c.Gateway.OAuthToken)
	envStr("CARAPACE_SOCKET_DIR", &c.Provisioner.Dir)
	envStr("CARAPACE_SESSION_STORE_PATH", &c.SessionStore.Path)
	envStr("CARAPACE_AUDIT_DIR", &c.Audit.Dir)
	envStr("CARAPACE_CONTAINER_IMAGE", &c.Lifecycle.Image)
	envStr("CARAPACE_ALLOWED_NETWORK", &c.Lifecycle.AllowedNetwork)
	envStr("CARAPACE_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	envStr("CARAPACE_LOG_FORMAT", &c.Gateway.LogFormat)

	if v := os.Getenv("CARAPACE_API_MODE"); v != "" {
		c.Lifecycle.APIMode = v == "true" || v == "1"
	}
	if v := os.Getenv("CARAPACE_MAX_SESSIONS_PER_GROUP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.EventDispatcher.MaxSessionsPerGroup = n
		}
	}
}

// CredentialPrecedence reports whether the Anthropic API key or the OAuth
// token takes precedence when both are configured. Resolution decided per
// spec §9's open question: the API key wins, since API-mode containers
// (the broker's primary supported mode) require it and a stray OAuth
// token left over from interactive use should never silently override an
// operator's explicit key.
func (c *Config) CredentialPrecedence() (kind, value string) {
	if c.Gateway.AnthropicAPIKey != "" {
		return "api_key", c.Gateway.AnthropicAPIKey
	}
	return "oauth_token", c.Gateway.OAuthToken
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	require.NoError(t, err)
	require.Equal(t, 60.0, cfg.RateLimiter.RequestsPerMinute)
	require.Equal(t, 3, cfg.EventDispatcher.MaxSessionsPerGroup)
}

func TestLoadParsesJSON5WithCommentsAndTrailingCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
		// inline comment, tolerated by json5
		"lifecycle": {
			"image": "carapace/agent:latest",
			"api_mode": true,
		},
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "carapace/agent:latest", cfg.Lifecycle.Image)
	require.True(t, cfg.Lifecycle.APIMode)
}

func TestEnvOverrideWinsOverFileValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{"lifecycle":{"image":"from-file"}}`), 0o600))

	t.Setenv("CARAPACE_CONTAINER_IMAGE", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Lifecycle.Image)
}

func TestSecretsNeverComeFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{"gateway":{"log_format":"text"}}`), 0o600))

	t.Setenv("CARAPACE_ANTHROPIC_API_KEY", "")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Empty(t, cfg.Gateway.AnthropicAPIKey)
}

func TestCredentialPrecedenceFavorsAPIKey(t *testing.T) {
	cfg := Default()
	cfg.Gateway.AnthropicAPIKey = "sk-test"
	cfg.Gateway.OAuthToken = "oauth-test"

	kind, value := cfg.CredentialPrecedence()
	require.Equal(t, "api_key", kind)
	require.Equal(t, "sk-test", value)
}

func TestCredentialPrecedenceFallsBackToOAuth(t *testing.T) {
	cfg := Default()
	cfg.Gateway.OAuthToken = "oauth-test"

	kind, value := cfg.CredentialPrecedence()
	require.Equal(t, "oauth_token", kind)
	require.Equal(t, "oauth-test", value)
}

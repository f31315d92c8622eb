package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresSecrets(t *testing.T) {
	t.Setenv("STATE_SECRET", "")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.ErrorContains(t, err, "STATE_SECRET")

	t.Setenv("STATE_SECRET", "s")
	_, err = Load()
	require.ErrorContains(t, err, "JWT_SECRET")
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("STATE_SECRET", "state-secret")
	t.Setenv("JWT_SECRET", "jwt-secret")
	t.Setenv("BASE_URL", "https://connect.example.com/")
	t.Setenv("TOKEN_REFRESH_SKEW", "90s")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://staging.example.com")
	t.Setenv("GITHUB_CLIENT_ID", "gh-id")
	t.Setenv("GITHUB_CLIENT_SECRET", "gh-secret")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.ListenAddr)
	// Trailing slash is stripped so redirect URIs join cleanly.
	require.Equal(t, "https://connect.example.com", cfg.BaseURL)
	require.Equal(t, 90*time.Second, cfg.RefreshSkew)
	require.Equal(t, 10*time.Second, cfg.ExchangeTimeout)
	require.Equal(t, []string{"https://app.example.com", "https://staging.example.com"}, cfg.AllowedOrigins)
	require.Equal(t, OAuthClient{ClientID: "gh-id", ClientSecret: "gh-secret"}, cfg.OAuthClients["github"])
}

func TestLoad_BadDurationFallsBack(t *testing.T) {
	t.Setenv("STATE_SECRET", "s")
	t.Setenv("JWT_SECRET", "j")
	t.Setenv("TOOL_CACHE_TTL", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.ToolCacheTTL)
}

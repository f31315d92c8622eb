package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// OAuthClient holds the client credentials registered with one provider.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

// Config contains runtime configuration values. One instance is built at
// startup and handed to every component; nothing reads the environment after
// Load returns.
type Config struct {
	Environment string
	ListenAddr  string
	DataDir     string

	// BaseURL is the externally reachable origin of this service, used to
	// build OAuth redirect URIs.
	BaseURL string
	// DefaultReturnPath receives the post-callback redirect when the flow
	// state carries no return path of its own.
	DefaultReturnPath string

	// StateSecret signs the OAuth state token. StateTTL bounds how long an
	// issued state stays redeemable.
	StateSecret string
	StateTTL    time.Duration

	// JWTSecret signs login session tokens.
	JWTSecret string

	ExchangeTimeout time.Duration
	ProbeTimeout    time.Duration
	RefreshSkew     time.Duration
	ToolCacheTTL    time.Duration

	AllowedOrigins []string

	// OAuthClients maps provider key to registered client credentials.
	OAuthClients map[string]OAuthClient
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:       getEnv("APP_ENV", "development"),
		ListenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		DataDir:           getEnv("DATA_DIR", "data"),
		BaseURL:           strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),
		DefaultReturnPath: getEnv("DEFAULT_RETURN_PATH", "/settings/integrations"),
		StateSecret:       os.Getenv("STATE_SECRET"),
		StateTTL:          getDuration("STATE_TTL", 10*time.Minute),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		ExchangeTimeout:   getDuration("TOKEN_EXCHANGE_TIMEOUT", 10*time.Second),
		ProbeTimeout:      getDuration("HEALTH_PROBE_TIMEOUT", 5*time.Second),
		RefreshSkew:       getDuration("TOKEN_REFRESH_SKEW", 60*time.Second),
		ToolCacheTTL:      getDuration("TOOL_CACHE_TTL", 5*time.Minute),
		AllowedOrigins:    getList("ALLOWED_ORIGINS", nil),
		OAuthClients:      loadOAuthClients(),
	}

	if cfg.StateSecret == "" {
		return Config{}, fmt.Errorf("STATE_SECRET is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

// loadOAuthClients picks up <PROVIDER>_CLIENT_ID / <PROVIDER>_CLIENT_SECRET
// pairs for every known provider key.
func loadOAuthClients() map[string]OAuthClient {
	clients := make(map[string]OAuthClient)
	for _, key := range []string{"google", "github", "jira", "slack", "notion"} {
		prefix := strings.ToUpper(key)
		id := os.Getenv(prefix + "_CLIENT_ID")
		if id == "" {
			continue
		}
		clients[key] = OAuthClient{
			ClientID:     id,
			ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
		}
	}
	return clients
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func getList(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

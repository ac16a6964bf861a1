package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CHIRP"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "chirp.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultSessionIssuer     = "chirp-auth"
	defaultCookieName        = "chirp_session"
	defaultSessionTTLMinutes = 60 * 24
	defaultFeedPageSize      = 100
	defaultRateLimitMax      = 3
	defaultRateLimitWindow   = 60
	defaultRateLimitStore    = RateLimitStoreSQLite

	// RateLimitStoreSQLite keeps rate-limit windows in the shared database.
	RateLimitStoreSQLite = "sqlite"
	// RateLimitStoreMemory keeps rate-limit state in process memory.
	RateLimitStoreMemory = "memory"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	AllowedOrigins     []string
	DatabasePath       string
	LogLevel           string
	LogFormat          string
	SessionSecret      string
	SessionIssuer      string
	SessionCookieName  string
	SessionTTL         time.Duration
	FeedPageSize       int
	RateLimitMaxCount  int
	RateLimitWindow    time.Duration
	RateLimitStoreKind string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTLMinutes)
	configViper.SetDefault("feed.page_size", defaultFeedPageSize)
	configViper.SetDefault("ratelimit.max_count", defaultRateLimitMax)
	configViper.SetDefault("ratelimit.window_seconds", defaultRateLimitWindow)
	configViper.SetDefault("ratelimit.store", defaultRateLimitStore)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		AllowedOrigins:     splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		SessionSecret:      configViper.GetString("session.signing_secret"),
		SessionIssuer:      configViper.GetString("session.issuer"),
		SessionCookieName:  configViper.GetString("session.cookie_name"),
		SessionTTL:         time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		FeedPageSize:       configViper.GetInt("feed.page_size"),
		RateLimitMaxCount:  configViper.GetInt("ratelimit.max_count"),
		RateLimitWindow:    time.Duration(configViper.GetInt("ratelimit.window_seconds")) * time.Second,
		RateLimitStoreKind: strings.ToLower(strings.TrimSpace(configViper.GetString("ratelimit.store"))),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitOrigins accepts both list values and a single comma-separated env value.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(origin)
			if trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive")
	}
	if c.FeedPageSize <= 0 {
		return fmt.Errorf("feed.page_size must be positive")
	}
	if c.RateLimitMaxCount <= 0 {
		return fmt.Errorf("ratelimit.max_count must be positive")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("ratelimit.window_seconds must be positive")
	}
	switch c.RateLimitStoreKind {
	case RateLimitStoreSQLite, RateLimitStoreMemory:
	default:
		return fmt.Errorf("ratelimit.store must be %q or %q, got %q", RateLimitStoreSQLite, RateLimitStoreMemory, c.RateLimitStoreKind)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Realtime  RealtimeConfig  `json:"realtime,omitempty"`
	Cache     CacheConfig     `json:"cache,omitempty"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	Bot       BotConfig       `json:"bot,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS and websocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider  string   `json:"provider,omitempty"` // "builtin" (default) or "jwks"
	JWTSecret string   `json:"jwt_secret"`
	JWTExpiry Duration `json:"jwt_expiry,omitempty"`
	JWKSURL   string   `json:"jwks_url,omitempty"`
	Issuer    string   `json:"issuer,omitempty"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "murmur.db" or ":memory:"
}

// RealtimeConfig bounds websocket connections.
type RealtimeConfig struct {
	MaxMessageBytes int64   `json:"max_message_bytes,omitempty"`  // max inbound frame; default 64KB
	MaxContentBytes int     `json:"max_content_bytes,omitempty"`  // max message content; default 4KB
	MaxConnsPerUser int     `json:"max_conns_per_user,omitempty"` // default 10
	SendBuffer      int     `json:"send_buffer,omitempty"`        // queued outbound frames per connection; default 64
	FramesPerSecond float64 `json:"frames_per_second,omitempty"`  // default 30
	FrameBurst      int     `json:"frame_burst,omitempty"`        // default 50
}

// CacheConfig selects the identity cache.
type CacheConfig struct {
	Driver      string   `json:"driver,omitempty"` // "memory" (default) or "redis"
	URL         string   `json:"url,omitempty"`    // redis://host:6379/0
	IdentityTTL Duration `json:"identity_ttl,omitempty"`
	MaxEntries  int      `json:"max_entries,omitempty"` // memory driver only
}

// QueueConfig selects the background job queue.
type QueueConfig struct {
	Driver      string `json:"driver,omitempty"` // "local" (default) or "asynq"
	RedisURL    string `json:"redis_url,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
}

// BotConfig configures the automated responder.
type BotConfig struct {
	Enabled     bool     `json:"enabled,omitempty"`
	UserID      int64    `json:"user_id,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	APIURL      string   `json:"api_url,omitempty"`
	APIKey      string   `json:"api_key,omitempty"`
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	History     int      `json:"history,omitempty"` // messages of context sent to the provider
	Timeout     Duration `json:"timeout,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads a config file, overlays environment variables (including those
// from a .env file in the working directory), validates, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("MURMUR_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("MURMUR_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("MURMUR_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("MURMUR_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("MURMUR_REDIS_URL"); v != "" {
		c.Cache.URL = v
		c.Queue.RedisURL = v
	}
	if v := os.Getenv("MURMUR_BOT_API_KEY"); v != "" {
		c.Bot.APIKey = v
	}
	if v := os.Getenv("MURMUR_BOT_USER_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MURMUR_BOT_USER_ID: %w", err)
		}
		c.Bot.UserID = id
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// The HMAC secret also signs tokens minted at login, so builtin needs it.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	switch c.Auth.Provider {
	case "", "builtin":
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required when provider is jwks")
		}
	default:
		return fmt.Errorf("auth.provider %q is not supported", c.Auth.Provider)
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	switch c.Cache.Driver {
	case "", "memory":
	case "redis":
		if c.Cache.URL == "" {
			return fmt.Errorf("cache.url is required when driver is redis")
		}
	default:
		return fmt.Errorf("cache.driver %q is not supported", c.Cache.Driver)
	}
	switch c.Queue.Driver {
	case "", "local":
	case "asynq":
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("queue.redis_url is required when driver is asynq")
		}
	default:
		return fmt.Errorf("queue.driver %q is not supported", c.Queue.Driver)
	}
	if c.Bot.Enabled && c.Bot.APIKey == "" {
		return fmt.Errorf("bot.api_key is required when the bot is enabled")
	}
	if c.Bot.UserID < 0 {
		return fmt.Errorf("bot.user_id must be positive")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "murmur.db"
	}
	if c.Realtime.MaxMessageBytes == 0 {
		c.Realtime.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Realtime.MaxContentBytes == 0 {
		c.Realtime.MaxContentBytes = 4 * 1024
	}
	if c.Realtime.MaxConnsPerUser == 0 {
		c.Realtime.MaxConnsPerUser = 10
	}
	if c.Realtime.SendBuffer == 0 {
		c.Realtime.SendBuffer = 64
	}
	if c.Realtime.FramesPerSecond == 0 {
		c.Realtime.FramesPerSecond = 30
	}
	if c.Realtime.FrameBurst == 0 {
		c.Realtime.FrameBurst = 50
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.IdentityTTL.Duration == 0 {
		c.Cache.IdentityTTL.Duration = 5 * time.Minute
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "local"
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 4
	}
	if c.Bot.UserID == 0 {
		c.Bot.UserID = 999
	}
	if c.Bot.DisplayName == "" {
		c.Bot.DisplayName = "Chatbot"
	}
	if c.Bot.APIURL == "" {
		c.Bot.APIURL = "https://api.anthropic.com/"
	}
	if c.Bot.Model == "" {
		c.Bot.Model = "claude-sonnet-4-20250514"
	}
	if c.Bot.MaxTokens == 0 {
		c.Bot.MaxTokens = 1024
	}
	if c.Bot.History == 0 {
		c.Bot.History = 20
	}
	if c.Bot.Timeout.Duration == 0 {
		c.Bot.Timeout.Duration = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}

// Default returns a configuration with every default applied and the given secret.
func Default(secret string) *Config {
	cfg := &Config{
		Server: ServerConfig{Addr: ":8080"},
		Auth:   AuthConfig{JWTSecret: secret},
	}
	cfg.applyDefaults()
	return cfg
}

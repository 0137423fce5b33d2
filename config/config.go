// Package config loads the configuration from environment variables.
// A .env file is read first when present, which is handy in development;
// in production real environment variables are used.
//
// Config groups the settings by concern so callers carry one value instead
// of calling os.Getenv all over the code base.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every setting of the document server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Redis    RedisConfig
	Client   ClientConfig
	Feed     FeedConfig
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host     string
	Port     int
	Env      string // "development" enables the dev token endpoint and console logs
	LogLevel string
	// CORS origins, comma separated. Empty allows any origin.
	AllowedOrigins string
}

// DatabaseConfig holds the SQLite settings.
type DatabaseConfig struct {
	Path string // e.g. ./data/threadline.db
}

// JWTConfig holds the token signing settings.
type JWTConfig struct {
	Secret string // keep it secret
	Expiry time.Duration
}

// RedisConfig configures the optional change relay. An empty URL disables it.
type RedisConfig struct {
	URL     string
	Channel string
}

// FeedConfig tunes the WebSocket feed.
type FeedConfig struct {
	WriteLimit    int           // writes per window per user
	WriteWindow   time.Duration // counting window
	WriteCooldown time.Duration // penalty once the limit is hit
}

// ClientConfig tunes the client side read-state cache and conversation
// lists.
type ClientConfig struct {
	CoalesceWindow time.Duration // unread emissions are coalesced into this window
	SearchDebounce time.Duration // search text settles after this quiet period
	PageSize       int           // list pagination step
	UnreadPageCap  int           // unread counts are computed over at most this many messages
	NameCacheTTL   time.Duration // display name cache lifetime
}

// ClientDefaults returns the client settings used when nothing is
// configured.
func ClientDefaults() ClientConfig {
	return ClientConfig{
		CoalesceWindow: 300 * time.Millisecond,
		SearchDebounce: 250 * time.Millisecond,
		PageSize:       5,
		UnreadPageCap:  100,
		NameCacheTTL:   5 * time.Minute,
	}
}

// Load builds a Config from the environment. JWT_SECRET is required.
func Load() (*Config, error) {
	// a missing .env file is not an error
	_ = godotenv.Load()

	port, err := strconv.Atoi(getEnv("SERVER_PORT", "9090"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	jwtExpiry, err := time.ParseDuration(getEnv("JWT_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_EXPIRY: %w", err)
	}

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	writeLimit, err := strconv.Atoi(getEnv("FEED_WRITE_LIMIT", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid FEED_WRITE_LIMIT: %w", err)
	}

	writeWindow, err := time.ParseDuration(getEnv("FEED_WRITE_WINDOW", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid FEED_WRITE_WINDOW: %w", err)
	}

	writeCooldown, err := time.ParseDuration(getEnv("FEED_WRITE_COOLDOWN", "15s"))
	if err != nil {
		return nil, fmt.Errorf("invalid FEED_WRITE_COOLDOWN: %w", err)
	}

	client, err := loadClient()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           port,
			Env:            getEnv("APP_ENV", "production"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: getEnv("ALLOWED_ORIGINS", ""),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./data/threadline.db"),
		},
		JWT: JWTConfig{
			Secret: jwtSecret,
			Expiry: jwtExpiry,
		},
		Redis: RedisConfig{
			URL:     getEnv("REDIS_URL", ""),
			Channel: getEnv("REDIS_CHANNEL", "threadline:changes"),
		},
		Feed: FeedConfig{
			WriteLimit:    writeLimit,
			WriteWindow:   writeWindow,
			WriteCooldown: writeCooldown,
		},
		Client: client,
	}

	return cfg, nil
}

func loadClient() (ClientConfig, error) {
	c := ClientDefaults()
	var err error

	if c.CoalesceWindow, err = getDuration("CLIENT_COALESCE_WINDOW", c.CoalesceWindow); err != nil {
		return c, err
	}
	if c.SearchDebounce, err = getDuration("CLIENT_SEARCH_DEBOUNCE", c.SearchDebounce); err != nil {
		return c, err
	}
	if c.NameCacheTTL, err = getDuration("CLIENT_NAME_CACHE_TTL", c.NameCacheTTL); err != nil {
		return c, err
	}
	if c.PageSize, err = getInt("CLIENT_PAGE_SIZE", c.PageSize); err != nil {
		return c, err
	}
	if c.UnreadPageCap, err = getInt("CLIENT_UNREAD_PAGE_CAP", c.UnreadPageCap); err != nil {
		return c, err
	}

	if c.PageSize <= 0 {
		return c, fmt.Errorf("CLIENT_PAGE_SIZE must be positive")
	}
	if c.UnreadPageCap <= 0 {
		return c, fmt.Errorf("CLIENT_UNREAD_PAGE_CAP must be positive")
	}
	return c, nil
}

// Addr returns the listen address, e.g. "0.0.0.0:9090".
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Origins splits AllowedOrigins. Nil means any origin.
func (c *ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// IsDevelopment reports whether the server runs in development mode.
func (c *ServerConfig) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

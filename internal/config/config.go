// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Relay settings
	Relays []string // Websocket relay URLs the client publishes to and listens on

	// Ecash settings
	MintURL string // Cashu mint backing the trade wallet

	// Identity
	NostrSecretKey string // Hex-encoded secp256k1 secret key; generated if empty

	// Protocol settings
	TradeTimeout time.Duration // Bound on every response wait

	// Observability
	LogLevel    string
	LogFormat   string // "text" or "json"
	MetricsAddr string // Optional; serves /metrics when set
}

// DefaultRelays are public relays used when RELAYS is not set.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://relay.primal.net",
	"wss://relay.nostr.band",
	"wss://ftp.halifax.rwth-aachen.de/nostr",
	"wss://nostr.mom",
}

const (
	DefaultTradeTimeout = 10 * time.Second
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Relays:         getEnvList("RELAYS", DefaultRelays),
		MintURL:        os.Getenv("MINT_URL"),
		NostrSecretKey: os.Getenv("NOSTR_SECRET_KEY"), // Optional, generated if empty
		TradeTimeout:   time.Duration(getEnvInt64("TRADE_TIMEOUT_SEC", int64(DefaultTradeTimeout/time.Second))) * time.Second,
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", DefaultLogFormat),
		MetricsAddr:    os.Getenv("METRICS_ADDR"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions
func (c *Config) Validate() error {
	if len(c.Relays) == 0 {
		return fmt.Errorf("at least one relay is required")
	}
	for _, r := range c.Relays {
		if !strings.HasPrefix(r, "ws://") && !strings.HasPrefix(r, "wss://") {
			return fmt.Errorf("relay %q must be a ws:// or wss:// URL", r)
		}
	}
	if c.TradeTimeout <= 0 {
		return fmt.Errorf("TRADE_TIMEOUT_SEC must be positive")
	}
	if c.NostrSecretKey != "" && len(c.NostrSecretKey) != 64 {
		return fmt.Errorf("NOSTR_SECRET_KEY must be 64 hex characters")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

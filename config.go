package palindrom

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// DefaultPingInterval is used when Config.PingIntervalS is zero.
const DefaultPingInterval = 60 * time.Second

// Config holds the configuration for a Palindrom client.
type Config struct {
	// RemoteURL is the HTTP(S) URL used for the initial handshake and for
	// patches sent before the socket is open.
	// Fallback: PALINDROM_REMOTE_URL environment variable.
	RemoteURL string

	// UseWebSocket enables the socket upgrade after the handshake.
	// Fallback: PALINDROM_USE_WEBSOCKET environment variable.
	UseWebSocket bool

	// PingIntervalS is the heartbeat interval in seconds. Fractional values
	// are allowed. Zero selects DefaultPingInterval, a negative value
	// disables the heartbeat.
	// Fallback: PALINDROM_PING_INTERVAL_S environment variable.
	PingIntervalS float64
}

// resolveConfig fills empty fields from environment variables and validates required fields.
func resolveConfig(cfg Config) (Config, error) {
	if cfg.RemoteURL == "" {
		cfg.RemoteURL = os.Getenv("PALINDROM_REMOTE_URL")
	}
	if !cfg.UseWebSocket {
		if v := os.Getenv("PALINDROM_USE_WEBSOCKET"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return cfg, fmt.Errorf("PALINDROM_USE_WEBSOCKET: %w", err)
			}
			cfg.UseWebSocket = b
		}
	}
	if cfg.PingIntervalS == 0 {
		if v := os.Getenv("PALINDROM_PING_INTERVAL_S"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return cfg, fmt.Errorf("PALINDROM_PING_INTERVAL_S: %w", err)
			}
			cfg.PingIntervalS = f
		}
	}

	if cfg.RemoteURL == "" {
		return cfg, fmt.Errorf("RemoteURL is required (set in Config or PALINDROM_REMOTE_URL env)")
	}
	u, err := url.Parse(cfg.RemoteURL)
	if err != nil {
		return cfg, fmt.Errorf("parse RemoteURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return cfg, fmt.Errorf("RemoteURL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return cfg, fmt.Errorf("RemoteURL %q has no host", cfg.RemoteURL)
	}

	return cfg, nil
}

// pingInterval converts PingIntervalS to a duration. A zero result means
// the heartbeat is disabled.
func (c Config) pingInterval() time.Duration {
	switch {
	case c.PingIntervalS == 0:
		return DefaultPingInterval
	case c.PingIntervalS < 0:
		return 0
	}
	return time.Duration(c.PingIntervalS * float64(time.Second))
}

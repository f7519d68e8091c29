// Package config loads and validates parley configuration.
package config

import (
	"fmt"
	"time"
)

const (
	DefaultPort             = 7788
	DefaultRingTimeout      = 45 * time.Second
	DefaultConnectTimeout   = time.Minute
	DefaultTypingExpiry     = 3 * time.Second
	DefaultMaxParticipants  = 8
	DefaultMaxContentLength = 8000
	DefaultMaxPayload       = 1 << 20
	DefaultSendQueue        = 256
	DefaultBlobMaxBytes     = 25 << 20
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Port:       DefaultPort,
			Bind:       "loopback",
			Auth:       GatewayAuth{Mode: "jwt"},
			MaxPayload: DefaultMaxPayload,
			SendQueue:  DefaultSendQueue,
			RateLimit:  GatewayRateLimit{PerSecond: 20, Burst: 40},
		},
		Chat: ChatConfig{
			MaxContentLength: DefaultMaxContentLength,
		},
		Calls: CallsConfig{
			RingTimeoutSeconds:    int(DefaultRingTimeout / time.Second),
			ConnectTimeoutSeconds: int(DefaultConnectTimeout / time.Second),
			MaxParticipants:       DefaultMaxParticipants,
		},
		Typing: TypingConfig{
			ExpiryMillis: int(DefaultTypingExpiry / time.Millisecond),
		},
		Blob: BlobConfig{
			Store:    "local",
			MaxBytes: DefaultBlobMaxBytes,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleLevel: "info",
			ConsoleStyle: "pretty",
		},
	}
}

// RingTimeout returns the unanswered-call timeout.
func (c CallsConfig) RingTimeout() time.Duration {
	if c.RingTimeoutSeconds <= 0 {
		return DefaultRingTimeout
	}
	return time.Duration(c.RingTimeoutSeconds) * time.Second
}

// ConnectTimeout returns how long an answered call may take to connect.
func (c CallsConfig) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutSeconds <= 0 {
		return DefaultConnectTimeout
	}
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// Expiry returns how long a typing flag survives without a refresh.
func (c TypingConfig) Expiry() time.Duration {
	if c.ExpiryMillis <= 0 {
		return DefaultTypingExpiry
	}
	return time.Duration(c.ExpiryMillis) * time.Millisecond
}

// TTL returns the presence key lifetime.
func (c RedisConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

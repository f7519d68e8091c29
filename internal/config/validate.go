package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	// Gateway
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}

	validBinds := []string{"auto", "lan", "loopback", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		add("gateway.bind", "must be one of %v, got %q", validBinds, cfg.Gateway.Bind)
	}

	validAuthModes := []string{"jwt", "token"}
	if cfg.Gateway.Auth.Mode != "" && !slices.Contains(validAuthModes, cfg.Gateway.Auth.Mode) {
		add("gateway.auth.mode", "must be one of %v, got %q", validAuthModes, cfg.Gateway.Auth.Mode)
	}

	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		add("gateway.tls", "certPath and keyPath are required when TLS is enabled")
	}

	if cfg.Gateway.RateLimit.PerSecond < 0 {
		add("gateway.rateLimit.perSecond", "must not be negative, got %v", cfg.Gateway.RateLimit.PerSecond)
	}

	// Calls
	if cfg.Calls.RingTimeoutSeconds < 0 {
		add("calls.ringTimeoutSeconds", "must not be negative, got %d", cfg.Calls.RingTimeoutSeconds)
	}
	if cfg.Calls.ConnectTimeoutSeconds < 0 {
		add("calls.connectTimeoutSeconds", "must not be negative, got %d", cfg.Calls.ConnectTimeoutSeconds)
	}
	if cfg.Calls.MaxParticipants != 0 && cfg.Calls.MaxParticipants < 2 {
		add("calls.maxParticipants", "must be at least 2, got %d", cfg.Calls.MaxParticipants)
	}
	for i, s := range cfg.Calls.ICEServers {
		if len(s.URLs) == 0 {
			add(fmt.Sprintf("calls.iceServers.%d.urls", i), "at least one url is required")
		}
	}

	if cfg.Typing.ExpiryMillis < 0 {
		add("typing.expiryMillis", "must not be negative, got %d", cfg.Typing.ExpiryMillis)
	}

	// Blob store
	validBlobStores := []string{"local", "s3"}
	if cfg.Blob.Store != "" && !slices.Contains(validBlobStores, cfg.Blob.Store) {
		add("blob.store", "must be one of %v, got %q", validBlobStores, cfg.Blob.Store)
	}
	if cfg.Blob.Store == "s3" {
		if cfg.Blob.S3 == nil || cfg.Blob.S3.Bucket == "" {
			add("blob.s3.bucket", "bucket is required when blob.store is s3")
		} else if cfg.Blob.S3.Region == "" {
			add("blob.s3.region", "region is required when blob.store is s3")
		}
	}

	// Optional integrations
	if k := cfg.Events.Kafka; k != nil {
		if len(k.Brokers) == 0 {
			add("events.kafka.brokers", "at least one broker is required")
		}
		if k.Topic == "" {
			add("events.kafka.topic", "topic is required")
		}
	}
	if r := cfg.Presence.Redis; r != nil && r.Addr == "" {
		add("presence.redis.addr", "addr is required")
	}

	// Logging
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		add("logging.level", "must be one of %v, got %q", validLogLevels, cfg.Logging.Level)
	}
	if cfg.Logging.ConsoleLevel != "" && !slices.Contains(validLogLevels, cfg.Logging.ConsoleLevel) {
		add("logging.consoleLevel", "must be one of %v, got %q", validLogLevels, cfg.Logging.ConsoleLevel)
	}
	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		add("logging.consoleStyle", "must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle)
	}

	return issues
}

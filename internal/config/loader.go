package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so secrets can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Gateway.Auth.Secret = expandEnvVars(cfg.Gateway.Auth.Secret)
	cfg.Gateway.Auth.Token = expandEnvVars(cfg.Gateway.Auth.Token)
	if cfg.Presence.Redis != nil {
		cfg.Presence.Redis.Password = expandEnvVars(cfg.Presence.Redis.Password)
	}
	for i, s := range cfg.Calls.ICEServers {
		cfg.Calls.ICEServers[i].Credential = expandEnvVars(s.Credential)
	}
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// Parse builds a Config from a raw map as Load would from a file, without
// environment overrides.
func Parse(raw map[string]any) (Config, error) {
	cfg := Defaults()
	data, err := yaml.Marshal(raw)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = d.Gateway.Port
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = d.Gateway.Bind
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = d.Gateway.Auth.Mode
	}
	if cfg.Gateway.MaxPayload == 0 {
		cfg.Gateway.MaxPayload = d.Gateway.MaxPayload
	}
	if cfg.Gateway.SendQueue == 0 {
		cfg.Gateway.SendQueue = d.Gateway.SendQueue
	}
	if cfg.Chat.MaxContentLength == 0 {
		cfg.Chat.MaxContentLength = d.Chat.MaxContentLength
	}
	if cfg.Calls.RingTimeoutSeconds == 0 {
		cfg.Calls.RingTimeoutSeconds = d.Calls.RingTimeoutSeconds
	}
	if cfg.Calls.ConnectTimeoutSeconds == 0 {
		cfg.Calls.ConnectTimeoutSeconds = d.Calls.ConnectTimeoutSeconds
	}
	if cfg.Calls.MaxParticipants == 0 {
		cfg.Calls.MaxParticipants = d.Calls.MaxParticipants
	}
	if cfg.Typing.ExpiryMillis == 0 {
		cfg.Typing.ExpiryMillis = d.Typing.ExpiryMillis
	}
	if cfg.Blob.Store == "" {
		cfg.Blob.Store = d.Blob.Store
	}
	if cfg.Blob.MaxBytes == 0 {
		cfg.Blob.MaxBytes = d.Blob.MaxBytes
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = d.Metrics.Path
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.ConsoleLevel == "" {
		cfg.Logging.ConsoleLevel = d.Logging.ConsoleLevel
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = d.Logging.ConsoleStyle
	}
	if cfg.Presence.Redis != nil && cfg.Presence.Redis.Prefix == "" {
		cfg.Presence.Redis.Prefix = "parley"
	}
}

// applyEnvOverrides reads PARLEY_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARLEY_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("PARLEY_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("PARLEY_JWT_SECRET"); v != "" {
		cfg.Gateway.Auth.Secret = v
	}
	if v := os.Getenv("PARLEY_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}

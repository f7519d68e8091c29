package config

// Config is the root configuration for parley.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway,omitempty"`
	Storage  StorageConfig  `yaml:"storage,omitempty"`
	Chat     ChatConfig     `yaml:"chat,omitempty"`
	Calls    CallsConfig    `yaml:"calls,omitempty"`
	Typing   TypingConfig   `yaml:"typing,omitempty"`
	Blob     BlobConfig     `yaml:"blob,omitempty"`
	Events   EventsConfig   `yaml:"events,omitempty"`
	Presence PresenceConfig `yaml:"presence,omitempty"`
	Metrics  MetricsConfig  `yaml:"metrics,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int              `yaml:"port,omitempty"`
	Bind           string           `yaml:"bind,omitempty"` // "auto" | "lan" | "loopback" | "custom"
	CustomBindHost string           `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth      `yaml:"auth,omitempty"`
	TLS            GatewayTLS       `yaml:"tls,omitempty"`
	AllowedOrigins []string         `yaml:"allowedOrigins,omitempty"`
	MaxPayload     int              `yaml:"maxPayload,omitempty"` // bytes per inbound frame
	SendQueue      int              `yaml:"sendQueue,omitempty"`  // buffered outbound frames per connection
	RateLimit      GatewayRateLimit `yaml:"rateLimit,omitempty"`
}

// GatewayAuth configures how connecting users prove their identity.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "jwt" | "token"
	Secret   string `yaml:"secret,omitempty"`
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`
	Token    string `yaml:"token,omitempty"` // shared secret for "token" mode
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// GatewayRateLimit bounds inbound requests per connection.
type GatewayRateLimit struct {
	PerSecond float64 `yaml:"perSecond,omitempty"`
	Burst     int     `yaml:"burst,omitempty"`
}

// StorageConfig selects the sqlite database file.
type StorageConfig struct {
	Path string `yaml:"path,omitempty"` // empty means <data>/parley.db; ":memory:" for ephemeral
}

// ChatConfig bounds message contents and history paging.
type ChatConfig struct {
	MaxContentLength int `yaml:"maxContentLength,omitempty"`
	HistoryPageSize  int `yaml:"historyPageSize,omitempty"` // 0 returns full history
}

// CallsConfig configures the signaling engine.
type CallsConfig struct {
	RingTimeoutSeconds    int         `yaml:"ringTimeoutSeconds,omitempty"`
	ConnectTimeoutSeconds int         `yaml:"connectTimeoutSeconds,omitempty"` // answered but never connected
	MaxParticipants       int         `yaml:"maxParticipants,omitempty"`
	ICEServers            []ICEServer `yaml:"iceServers,omitempty"`
}

// ICEServer is a STUN/TURN endpoint advertised to clients.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// TypingConfig configures typing indicator expiry.
type TypingConfig struct {
	ExpiryMillis int `yaml:"expiryMillis,omitempty"`
}

// BlobConfig selects where message attachments are stored.
type BlobConfig struct {
	Store    string        `yaml:"store,omitempty"` // "local" | "s3"
	MaxBytes int64         `yaml:"maxBytes,omitempty"`
	Local    LocalBlobConf `yaml:"local,omitempty"`
	S3       *S3BlobConf   `yaml:"s3,omitempty"`
}

// LocalBlobConf stores attachments on disk and serves them under BaseURL.
type LocalBlobConf struct {
	Dir     string `yaml:"dir,omitempty"`
	BaseURL string `yaml:"baseUrl,omitempty"`
}

// S3BlobConf stores attachments in an S3 compatible bucket.
type S3BlobConf struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint,omitempty"` // MinIO and friends
	Prefix   string `yaml:"prefix,omitempty"`
	BaseURL  string `yaml:"baseUrl,omitempty"` // public URL prefix; defaults to the virtual-hosted bucket URL
}

// EventsConfig enables publishing lifecycle events to a broker.
type EventsConfig struct {
	Kafka *KafkaConfig `yaml:"kafka,omitempty"`
}

// KafkaConfig configures the Kafka event publisher.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// PresenceConfig enables mirroring online status to Redis.
type PresenceConfig struct {
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the Redis presence mirror.
type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password,omitempty"`
	DB         int    `yaml:"db,omitempty"`
	Prefix     string `yaml:"prefix,omitempty"`
	TTLSeconds int    `yaml:"ttlSeconds,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleLevel string `yaml:"consoleLevel,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}

package models

import "time"

// Config holds the application configuration
type Config struct {
	Environment string         `json:"environment" mapstructure:"environment"`
	LogLevel    string         `json:"log_level" mapstructure:"log_level"`
	Server      ServerConfig   `json:"server" mapstructure:"server"`
	Database    DatabaseConfig `json:"database" mapstructure:"database"`
	Vault       VaultConfig    `json:"vault" mapstructure:"vault"`
	Identity    IdentityConfig `json:"identity" mapstructure:"identity"`
	Broker      BrokerConfig   `json:"broker" mapstructure:"broker"`
	Reconnect   RetryConfig    `json:"reconnect" mapstructure:"reconnect"`
	Manager     ManagerConfig  `json:"manager" mapstructure:"manager"`
	Gateway     GatewayConfig  `json:"gateway" mapstructure:"gateway"`
	Tracing     TracingConfig  `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Addr            string        `json:"addr" mapstructure:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins" mapstructure:"allowed_origins"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

type VaultConfig struct {
	Secret string `json:"-" mapstructure:"secret"`
}

// IdentityConfig selects how bearer tokens are validated.
// Mode is "jwt" (local HS256 verification) or "remote".
type IdentityConfig struct {
	Mode               string        `json:"mode" mapstructure:"mode"`
	JWTSecret          string        `json:"-" mapstructure:"jwt_secret"`
	RequiredPermission string        `json:"required_permission" mapstructure:"required_permission"`
	RemoteURL          string        `json:"remote_url" mapstructure:"remote_url"`
	Timeout            time.Duration `json:"timeout" mapstructure:"timeout"`
}

// BrokerConfig selects the pub/sub backend. Mode is "memory" or "redis".
type BrokerConfig struct {
	Mode     string `json:"mode" mapstructure:"mode"`
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"-" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
	Topic    string `json:"topic" mapstructure:"topic"`
}

// RetryConfig holds reconnect backoff settings
type RetryConfig struct {
	InitialDelay time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" mapstructure:"max_delay"`
	Multiplier   float64       `json:"multiplier" mapstructure:"multiplier"`
	MaxAttempts  int           `json:"max_attempts" mapstructure:"max_attempts"`
	Jitter       bool          `json:"jitter" mapstructure:"jitter"`
}

type ManagerConfig struct {
	ConnectTimeout  time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	Workers         int           `json:"workers" mapstructure:"workers"`
	QueueSize       int           `json:"queue_size" mapstructure:"queue_size"`
	EventBuffer     int           `json:"event_buffer" mapstructure:"event_buffer"`
}

type GatewayConfig struct {
	SendBuffer      int           `json:"send_buffer" mapstructure:"send_buffer"`
	WriteTimeout    time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	MaxMessageBytes int64         `json:"max_message_bytes" mapstructure:"max_message_bytes"`
}

// TracingConfig holds OpenTelemetry exporter settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName    string  `json:"service_name" mapstructure:"service_name"`
	ServiceVersion string  `json:"service_version" mapstructure:"service_version"`
	OTLPEndpoint   string  `json:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" mapstructure:"sample_rate"`
	UseConsole     bool    `json:"use_console" mapstructure:"use_console"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}

// Package config loads the service configuration from an optional file,
// defaults and CHANNELGATE_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"channelgate/internal/constants"
	"channelgate/internal/models"
	"channelgate/internal/security"
)

var (
	ErrMissingDBPath      = models.ConfigError{Message: "missing database path"}
	ErrMissingVaultSecret = models.ConfigError{Message: "missing vault secret"}
	ErrMissingJWTSecret   = models.ConfigError{Message: "missing identity JWT secret"}
	ErrMissingIdentityURL = models.ConfigError{Message: "missing identity service URL"}
)

// Load reads path (JSON or YAML, by extension) if it is non-empty, then
// applies environment overrides and validates the result.
func Load(path string) (*models.Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if err := security.ValidateFilePath(path); err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg models.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	if err := validateSecurity(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", constants.DefaultEnvironment)
	v.SetDefault("log_level", constants.DefaultLogLevel)

	v.SetDefault("server.addr", constants.DefaultServerAddr)
	v.SetDefault("server.read_timeout", seconds(constants.DefaultServerReadTimeoutSec))
	v.SetDefault("server.write_timeout", seconds(constants.DefaultServerWriteTimeoutSec))
	v.SetDefault("server.idle_timeout", seconds(constants.DefaultServerIdleTimeoutSec))
	v.SetDefault("server.shutdown_timeout", seconds(constants.DefaultGracefulShutdownSec))
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.path", constants.DefaultDatabasePath)
	v.SetDefault("vault.secret", "")

	v.SetDefault("identity.mode", constants.DefaultIdentityMode)
	v.SetDefault("identity.jwt_secret", "")
	v.SetDefault("identity.required_permission", "")
	v.SetDefault("identity.remote_url", "")
	v.SetDefault("identity.timeout", constants.DefaultIdentityTimeout)

	v.SetDefault("broker.mode", constants.DefaultBrokerMode)
	v.SetDefault("broker.addr", "")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.db", 0)
	v.SetDefault("broker.topic", constants.DefaultBroadcastTopic)

	v.SetDefault("reconnect.initial_delay", constants.DefaultReconnectInitialDelay)
	v.SetDefault("reconnect.max_delay", constants.DefaultReconnectMaxDelay)
	v.SetDefault("reconnect.multiplier", constants.DefaultReconnectMultiplier)
	v.SetDefault("reconnect.max_attempts", constants.DefaultReconnectMaxAttempts)
	v.SetDefault("reconnect.jitter", false)

	v.SetDefault("manager.connect_timeout", constants.DefaultConnectTimeout)
	v.SetDefault("manager.shutdown_timeout", constants.DefaultAdapterShutdownTimeout)
	v.SetDefault("manager.workers", constants.DefaultDispatchWorkers)
	v.SetDefault("manager.queue_size", constants.DefaultDispatchQueueSize)
	v.SetDefault("manager.event_buffer", constants.DefaultEventBuffer)

	v.SetDefault("gateway.send_buffer", constants.DefaultClientSendBuffer)
	v.SetDefault("gateway.write_timeout", constants.DefaultClientWriteTimeout)
	v.SetDefault("gateway.max_message_bytes", constants.DefaultMaxClientMessageBytes)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "channelgate")
	v.SetDefault("tracing.service_version", "")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.use_console", false)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func isProduction(c *models.Config) bool {
	return c.Environment == constants.ProductionEnvValue
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if err := security.ValidateFilePath(c.Database.Path); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
	}

	if c.Vault.Secret == "" && !isProduction(c) {
		c.Vault.Secret = constants.DevVaultSecret
	}
	if c.Vault.Secret == "" {
		return ErrMissingVaultSecret
	}
	if len(c.Vault.Secret) < models.MinSecretLen {
		return models.ConfigError{Message: fmt.Sprintf("vault secret must be at least %d characters", models.MinSecretLen)}
	}

	switch c.Identity.Mode {
	case "jwt":
		if c.Identity.JWTSecret == "" {
			return ErrMissingJWTSecret
		}
	case "remote":
		if c.Identity.RemoteURL == "" {
			return ErrMissingIdentityURL
		}
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown identity mode %q", c.Identity.Mode)}
	}

	switch c.Broker.Mode {
	case "memory":
	case "redis":
		if c.Broker.Addr == "" {
			return models.ConfigError{Message: "redis broker requires broker.addr"}
		}
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown broker mode %q", c.Broker.Mode)}
	}

	if c.Reconnect.Multiplier < 1 {
		return models.ConfigError{Message: "reconnect.multiplier must be at least 1"}
	}
	if c.Reconnect.MaxAttempts < 0 {
		return models.ConfigError{Message: "reconnect.max_attempts must not be negative"}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing.sample_rate must be between 0 and 1"}
	}
	return nil
}

// validateSecurity applies the production-only checks.
func validateSecurity(c *models.Config) error {
	if !isProduction(c) {
		return nil
	}
	if c.Vault.Secret == constants.DevVaultSecret {
		return models.ConfigError{Message: "the development vault secret cannot be used in production; set " + constants.EnvVaultSecret}
	}
	if c.Identity.Mode == "jwt" && len(c.Identity.JWTSecret) < models.MinSecretLen {
		return models.ConfigError{Message: fmt.Sprintf("identity JWT secret must be at least %d characters in production; set %s", models.MinSecretLen, constants.EnvIdentitySecret)}
	}
	if len(c.Server.AllowedOrigins) == 0 {
		return models.ConfigError{Message: "server.allowed_origins is required in production"}
	}
	return nil
}

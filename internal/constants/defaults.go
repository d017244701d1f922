package constants

import "time"

// Default server configuration values
const (
	DefaultServerAddr            = ":8080"
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	DefaultDatabasePath          = "channelgate.db"
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 50
	DefaultMaxBackoffMs          = 500
	DefaultEnvironment           = "development"
	DefaultLogLevel              = "info"
	DefaultConfigPollInterval    = 5 * time.Second
	// DevVaultSecret is only accepted outside production.
	DevVaultSecret = "channelgate-development-vault-secret-0000"
)

// Reconnect backoff defaults
const (
	DefaultReconnectInitialDelay = time.Second
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultReconnectMultiplier   = 2.0
	DefaultReconnectMaxAttempts  = 10
)

// Manager defaults
const (
	DefaultConnectTimeout         = 30 * time.Second
	DefaultAdapterShutdownTimeout = 10 * time.Second
	DefaultDispatchWorkers        = 8
	DefaultDispatchQueueSize      = 256
	DefaultEventBuffer            = 256
	DefaultPersistQueueSize       = 1024
	DefaultPersistTimeout         = 5 * time.Second
)

// Gateway defaults
const (
	DefaultClientSendBuffer      = 64
	DefaultClientWriteTimeout    = 10 * time.Second
	DefaultMaxClientMessageBytes = 1 << 20
	DefaultBroadcastTopic        = "channelgate:broadcast"
	DefaultIdentityTimeout       = 5 * time.Second
	DefaultIdentityMode          = "jwt"
	DefaultBrokerMode            = "memory"
)

// Webhook ingress
const (
	WebhookSignatureHeader   = "X-Webhook-Hmac"
	DefaultMaxWebhookBytes   = 5 << 20
	DefaultMaxAdminBodyBytes = 1 << 20
)

// WebSocket close codes used to reject a client before any room join
const (
	CloseInvalidToken       = 4001
	CloseTokenExpired       = 4002
	CloseInsufficientPerms  = 4003
	CloseServiceUnavailable = 1013
)

// Circuit breaker defaults for remote collaborators
const (
	DefaultBreakerMaxFailures = 5
	DefaultBreakerTimeout     = 30 * time.Second
)

// Privacy settings
const (
	DefaultIDMaskLength = 4
)

// Environment variable names
const (
	EnvPrefix          = "CHANNELGATE"
	EnvVaultSecret     = "CHANNELGATE_VAULT_SECRET"
	EnvIdentitySecret  = "CHANNELGATE_IDENTITY_JWT_SECRET"
	ProductionEnvValue = "production"
)

// Log field names shared across components
const (
	LogFieldComponent      = "component"
	LogFieldChannelID      = "channel_id"
	LogFieldOrganizationID = "organization_id"
	LogFieldChannelType    = "channel_type"
	LogFieldConversationID = "conversation_id"
	LogFieldSessionID      = "session_id"
	LogFieldClientID       = "client_id"
	LogFieldUserID         = "user_id"
	LogFieldStatus         = "status"
	LogFieldAttempt        = "attempt"
	LogFieldDelay          = "delay"
	LogFieldEvent          = "event"
	LogFieldRoom           = "room"
	LogFieldInstanceID     = "instance_id"
	LogFieldExecutionID    = "execution_id"
)

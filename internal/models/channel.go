package models

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// ChannelType tags the platform an adapter talks to.
type ChannelType string

const (
	ChannelTypeWeb      ChannelType = "web"
	ChannelTypeTelegram ChannelType = "telegram"
	ChannelTypeDiscord  ChannelType = "discord"
	ChannelTypeMatrix   ChannelType = "matrix"
	ChannelTypeWhatsApp ChannelType = "whatsapp"
	ChannelTypeSignal   ChannelType = "signal"
)

// ChannelTypes lists every known channel type.
var ChannelTypes = []ChannelType{
	ChannelTypeWeb,
	ChannelTypeTelegram,
	ChannelTypeDiscord,
	ChannelTypeMatrix,
	ChannelTypeWhatsApp,
	ChannelTypeSignal,
}

// Valid reports whether t is a known channel type.
func (t ChannelType) Valid() bool {
	for _, known := range ChannelTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ConnectionStatus is the lifecycle state of an adapter connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// Credentials is the plaintext channel configuration. It only exists in memory
// between vault decryption and adapter initialization.
type Credentials map[string]string

// Get returns the value for key or an empty string.
func (c Credentials) Get(key string) string {
	if c == nil {
		return ""
	}
	return c[key]
}

// ChannelConfig binds one organization to one external platform account.
// EncryptedConfig holds a vault record and is never emitted in JSON.
type ChannelConfig struct {
	ChannelID        string           `json:"channelId"`
	OrganizationID   string           `json:"organizationId"`
	UserID           string           `json:"userId"`
	ChannelType      ChannelType      `json:"channelType"`
	ExternalID       string           `json:"externalId,omitempty"`
	EncryptedConfig  string           `json:"-"`
	WebhookURL       string           `json:"webhookUrl,omitempty"`
	WebhookSecret    string           `json:"-"`
	Active           bool             `json:"active"`
	Verified         bool             `json:"verified"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	LastError        string           `json:"lastError,omitempty"`
	MessageCount     int64            `json:"messageCount"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Validate checks the fields required to register the channel.
func (c ChannelConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ChannelID, validation.Required, validation.Length(1, 128)),
		validation.Field(&c.OrganizationID, validation.Required, validation.Length(1, 128)),
		validation.Field(&c.ChannelType, validation.Required, validation.By(validChannelType)),
		validation.Field(&c.WebhookURL, is.URL),
	)
}

func validChannelType(value interface{}) error {
	t, _ := value.(ChannelType)
	if !t.Valid() {
		return validation.NewError("validation_channel_type", "unknown channel type")
	}
	return nil
}

// ChannelStats are derived per adapter instance and never persisted.
type ChannelStats struct {
	MessagesReceived int64         `json:"messagesReceived"`
	MessagesSent     int64         `json:"messagesSent"`
	Errors           int64         `json:"errors"`
	Uptime           time.Duration `json:"uptime"`
}

package realtime

import (
	"encoding/json"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"channelgate/internal/models"
)

// Event names on the client wire.
const (
	EventConnected      = "connected"
	EventError          = "error"
	EventServerShutdown = "server.shutdown"

	EventSessionCreate  = "session.create"
	EventSessionCreated = "session.created"
	EventSessionJoin    = "session.join"
	EventSessionJoined  = "session.joined"
	EventSessionLeave   = "session.leave"
	EventSessionLeft    = "session.left"

	EventMessageSend     = "message.send"
	EventMessageReceived = "message.received"
	EventMessageSent     = "message.sent"

	EventSkillExecute   = "skill.execute"
	EventSkillStarted   = "skill.started"
	EventSkillProgress  = "skill.progress"
	EventSkillCompleted = "skill.completed"
	EventSkillError     = "skill.error"

	EventChannelStatus = "channel.status"
)

// Message roles carried by message.received.
const (
	RoleUser    = "user"
	RoleChannel = "channel"
	RoleAgent   = "assistant"
)

// message.sent statuses. A bound session whose outbound route failed is
// acknowledged as failed after the error event.
const (
	MessageStatusDelivered = "delivered"
	MessageStatusFailed    = "failed"
)

// Envelope is one frame on the client connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

type ConnectedPayload struct {
	ClientID       string `json:"clientId"`
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	InstanceID     string `json:"instanceId"`
}

type SessionCreateRequest struct {
	ChannelType models.ChannelType     `json:"channelType"`
	ChannelID   string                 `json:"channelId,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

func (r SessionCreateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ChannelType, validation.Required, validation.By(func(v interface{}) error {
			if t, _ := v.(models.ChannelType); !t.Valid() {
				return validation.NewError("validation_channel_type", "unknown channel type")
			}
			return nil
		})),
		validation.Field(&r.ChannelID, validation.Length(0, 128)),
	)
}

type SessionRef struct {
	SessionID string `json:"sessionId"`
}

func (r SessionRef) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.SessionID, validation.Required, validation.Length(1, 128)),
	)
}

type MessageSendRequest struct {
	SessionID   string         `json:"sessionId"`
	Content     string         `json:"content"`
	Attachments []models.Media `json:"attachments,omitempty"`
}

func (r MessageSendRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.SessionID, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.Content, validation.When(len(r.Attachments) == 0, validation.Required)),
	)
}

type MessageReceivedPayload struct {
	SessionID   string                  `json:"sessionId,omitempty"`
	MessageID   string                  `json:"messageId"`
	Role        string                  `json:"role"`
	Content     string                  `json:"content,omitempty"`
	Attachments []models.Media          `json:"attachments,omitempty"`
	UserID      string                  `json:"userId,omitempty"`
	ChannelID   string                  `json:"channelId,omitempty"`
	ChannelType models.ChannelType      `json:"channelType,omitempty"`
	Message     *models.InternalMessage `json:"message,omitempty"`
	Timestamp   time.Time               `json:"timestamp"`
}

type MessageSentPayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

type SkillExecuteRequest struct {
	SessionID string                 `json:"sessionId"`
	SkillName string                 `json:"skillName"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

func (r SkillExecuteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.SessionID, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.SkillName, validation.Required, validation.Length(1, 64)),
	)
}

type SkillEventPayload struct {
	SessionID   string      `json:"sessionId"`
	ExecutionID string      `json:"executionId"`
	SkillName   string      `json:"skillName"`
	Progress    interface{} `json:"progress,omitempty"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

type ChannelStatusPayload struct {
	ChannelID   string                  `json:"channelId"`
	ChannelType models.ChannelType      `json:"channelType"`
	Status      models.ConnectionStatus `json:"status"`
	Error       string                  `json:"error,omitempty"`
}

type ShutdownPayload struct {
	InstanceID string `json:"instanceId"`
	Reason     string `json:"reason"`
}

func encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

package types

const (
	APIBase          = "/api"
	EndpointSessions = "/sessions"
	EndpointSendText = "/sendText"
	EndpointSendFile = "/sendFile"
	EndpointSendImg  = "/sendImage"
	EndpointSendLoc  = "/sendLocation"
)

// Webhook event names.
const (
	EventMessage       = "message"
	EventMessageAny    = "message.any"
	EventSessionStatus = "session.status"
)

// Values of MessageData.Type.
const (
	MessageTypeChat     = "chat"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeVoice    = "ptt"
	MessageTypeDocument = "document"
	MessageTypeSticker  = "sticker"
	MessageTypeLocation = "location"
	MessageTypeVCard    = "vcard"
)

// Credential keys read from the channel configuration.
const (
	CredentialBaseURL = "baseUrl"
	CredentialAPIKey  = "apiKey"
	CredentialSession = "session"
)

const APIKeyHeader = "X-Api-Key"

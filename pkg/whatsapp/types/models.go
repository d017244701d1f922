package types

import (
	"encoding/json"
	"time"
)

// SessionStatus is the WAHA session state.
type SessionStatus string

const (
	SessionStatusStarting  SessionStatus = "STARTING"
	SessionStatusScanQR    SessionStatus = "SCAN_QR_CODE"
	SessionStatusWorking   SessionStatus = "WORKING"
	SessionStatusFailed    SessionStatus = "FAILED"
	SessionStatusStopped   SessionStatus = "STOPPED"
	SessionStatusLoggedOut SessionStatus = "LOGGED_OUT"
)

// Session represents a WhatsApp session
type Session struct {
	Name   string        `json:"name"`
	Status SessionStatus `json:"status"`
	Me     *struct {
		ID       string `json:"id"`
		PushName string `json:"pushName"`
	} `json:"me,omitempty"`
}

// WebhookEvent is the envelope WAHA posts for every event.
type WebhookEvent struct {
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Event     string          `json:"event"`
	Session   string          `json:"session"`
	Payload   json.RawMessage `json:"payload"`
}

// SessionStatusPayload is the payload of a session.status event.
type SessionStatusPayload struct {
	Name   string        `json:"name"`
	Status SessionStatus `json:"status"`
}

type MediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mimetype"`
	Filename string `json:"filename"`
	Error    any    `json:"error,omitempty"`
}

type LocationInfo struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Description string  `json:"description,omitempty"`
}

type ReplyInfo struct {
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
	Body        string `json:"body,omitempty"`
}

// MessageData carries engine-specific fields WAHA forwards untouched. Only
// the ones the gateway reads are declared.
type MessageData struct {
	NotifyName string `json:"notifyName,omitempty"`
	Type       string `json:"type,omitempty"`
}

// MessagePayload is the payload of a message event.
type MessagePayload struct {
	ID          string        `json:"id"`
	Timestamp   int64         `json:"timestamp"`
	From        string        `json:"from"`
	FromMe      bool          `json:"fromMe"`
	To          string        `json:"to"`
	Participant string        `json:"participant,omitempty"`
	Body        string        `json:"body"`
	HasMedia    bool          `json:"hasMedia"`
	Media       *MediaInfo    `json:"media,omitempty"`
	Location    *LocationInfo `json:"location,omitempty"`
	VCards      []string      `json:"vCards,omitempty"`
	ReplyTo     *ReplyInfo    `json:"replyTo,omitempty"`
	Data        MessageData   `json:"_data"`
}

// Time returns the message time.
func (p MessagePayload) Time() time.Time {
	if p.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(p.Timestamp, 0).UTC()
}

// SessionRequest names the session for start and stop calls.
type SessionRequest struct {
	Name string `json:"name"`
}

type SendTextRequest struct {
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
	Session string `json:"session"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// FileData describes a file by URL or base64 data.
type FileData struct {
	MimeType string `json:"mimetype"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
}

type SendFileRequest struct {
	ChatID  string   `json:"chatId"`
	File    FileData `json:"file"`
	Caption string   `json:"caption,omitempty"`
	Session string   `json:"session"`
	ReplyTo string   `json:"reply_to,omitempty"`
}

type SendLocationRequest struct {
	ChatID    string  `json:"chatId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Title     string  `json:"title,omitempty"`
	Session   string  `json:"session"`
	ReplyTo   string  `json:"reply_to,omitempty"`
}

// MessageResponse is the subset of the WAHA send response carrying the id.
// Depending on the engine the id is a plain string or an object.
type MessageResponse struct {
	ID json.RawMessage `json:"id"`
}

type messageKey struct {
	Serialized string `json:"_serialized"`
	ID         string `json:"id"`
}

// MessageID extracts the serialized message id.
func (r MessageResponse) MessageID() string {
	if len(r.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.ID, &s); err == nil {
		return s
	}
	var key messageKey
	if err := json.Unmarshal(r.ID, &key); err == nil {
		if key.Serialized != "" {
			return key.Serialized
		}
		return key.ID
	}
	return ""
}

// ErrorResponse represents error responses from WAHA API
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

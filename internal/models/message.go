package models

import "time"

// MessageType is the canonical content kind of a message.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
	MessageTypeSticker  MessageType = "sticker"
	MessageTypeLocation MessageType = "location"
	MessageTypeContact  MessageType = "contact"
)

// Media describes an attachment by URL or by raw bytes.
type Media struct {
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Width    *int   `json:"width,omitempty"`
	Height   *int   `json:"height,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type Contact struct {
	Name   string `json:"name"`
	Phone  string `json:"phone,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// InternalMessage is the canonical form of one inbound platform event. It is
// passed by value and must not be mutated after normalization.
type InternalMessage struct {
	MessageID        string            `json:"messageId"`
	ChannelType      ChannelType       `json:"channelType"`
	ChannelMessageID string            `json:"channelMessageId"`
	ConversationID   string            `json:"conversationId"`
	SenderID         string            `json:"senderId"`
	SenderName       string            `json:"senderName,omitempty"`
	SenderUsername   string            `json:"senderUsername,omitempty"`
	Type             MessageType       `json:"type"`
	Content          string            `json:"content"`
	Media            *Media            `json:"media,omitempty"`
	Location         *Location         `json:"location,omitempty"`
	Contact          *Contact          `json:"contact,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	ReplyTo          string            `json:"replyTo,omitempty"`
	ThreadID         string            `json:"threadId,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Button is an interactive element. Exactly one of Data or URL is set.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Embed carries rich-card fields for platforms that render them.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	ImageURL    string       `json:"imageUrl,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// OutgoingMessage is a platform-neutral send request.
type OutgoingMessage struct {
	RecipientID string      `json:"recipientId"`
	Type        MessageType `json:"type"`
	Content     string      `json:"content"`
	Media       *Media      `json:"media,omitempty"`
	Buttons     [][]Button  `json:"buttons,omitempty"`
	Embed       *Embed      `json:"embed,omitempty"`
	ReplyTo     string      `json:"replyTo,omitempty"`
	ThreadID    string      `json:"threadId,omitempty"`
}

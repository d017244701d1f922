package normalize

import (
	"time"

	"channelgate/internal/models"
)

// WebPayload is a message posted by an embedded web widget.
type WebPayload struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	SenderName     string         `json:"senderName,omitempty"`
	Content        string         `json:"content"`
	Attachments    []models.Media `json:"attachments,omitempty"`
	ReplyTo        string         `json:"replyTo,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

func Web(p WebPayload) (models.InternalMessage, bool) {
	if p.SenderID == "" || (p.Content == "" && len(p.Attachments) == 0) {
		return models.InternalMessage{}, false
	}
	msg := newMessage(models.ChannelTypeWeb)
	msg.ChannelMessageID = p.ID
	msg.ConversationID = p.ConversationID
	if msg.ConversationID == "" {
		msg.ConversationID = p.SenderID
	}
	msg.SenderID = p.SenderID
	msg.SenderName = p.SenderName
	msg.Content = p.Content
	msg.ReplyTo = p.ReplyTo
	msg.Timestamp = p.Timestamp.UTC()
	if len(p.Attachments) > 0 {
		media := p.Attachments[0]
		media.MimeType = MimeTypeFor(media.MimeType, media.Filename, "")
		msg.Type = TypeForMime(media.MimeType)
		msg.Media = &media
	}
	return msg, true
}

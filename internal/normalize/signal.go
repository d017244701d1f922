package normalize

import (
	"strconv"
	"time"

	"channelgate/internal/models"
	"channelgate/pkg/signal"
	sigtypes "channelgate/pkg/signal/types"
)

// Signal maps a received Signal data message. Only the first attachment is
// carried; the rest are listed in metadata by id.
func Signal(m sigtypes.SignalMessage) (models.InternalMessage, bool) {
	if m.Sender == "" {
		return models.InternalMessage{}, false
	}
	if m.Message == "" && len(m.Attachments) == 0 {
		return models.InternalMessage{}, false
	}
	msg := newMessage(models.ChannelTypeSignal)
	msg.ChannelMessageID = m.MessageID()
	msg.ConversationID = m.Sender
	if m.GroupID != "" {
		msg.ConversationID = m.GroupID
		msg.Metadata["group"] = "true"
	}
	msg.SenderID = m.Sender
	msg.SenderName = m.SenderName
	setMeta(&msg, "senderUuid", m.SenderUUID)
	msg.Timestamp = time.UnixMilli(m.Timestamp).UTC()
	msg.Content = m.Message
	if m.Quote != nil {
		msg.ReplyTo = sigtypes.SignalMessage{Timestamp: m.Quote.ID}.MessageID()
	}

	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		mimeType := MimeTypeFor(att.ContentType, att.Filename, "")
		msg.Type = TypeForMime(mimeType)
		msg.Media = &models.Media{
			MimeType: mimeType,
			Filename: att.Filename,
			Size:     att.Size,
			Width:    intPtr(att.Width),
			Height:   intPtr(att.Height),
		}
		if m.BaseURL != "" {
			msg.Media.URL = signal.AttachmentURL(m.BaseURL, att.ID)
		}
		setMeta(&msg, "attachmentId", att.ID)
		if len(m.Attachments) > 1 {
			for i, extra := range m.Attachments[1:] {
				msg.Metadata["attachmentId."+strconv.Itoa(i+1)] = extra.ID
			}
		}
	}
	return msg, true
}

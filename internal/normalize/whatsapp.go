package normalize

import (
	"strings"

	"channelgate/internal/constants"
	"channelgate/internal/models"
	watypes "channelgate/pkg/whatsapp/types"
)

// WhatsApp maps a WAHA message payload. Messages sent by the session itself
// are ignored.
func WhatsApp(p watypes.MessagePayload) (models.InternalMessage, bool) {
	if p.FromMe || p.From == "" {
		return models.InternalMessage{}, false
	}
	msg := newMessage(models.ChannelTypeWhatsApp)
	msg.ChannelMessageID = p.ID
	msg.ConversationID = p.From
	msg.SenderID = p.From
	if p.Participant != "" {
		msg.SenderID = p.Participant
	}
	msg.SenderName = p.Data.NotifyName
	msg.Timestamp = p.Time()
	msg.Content = p.Body
	if p.ReplyTo != nil {
		msg.ReplyTo = p.ReplyTo.ID
	}
	if strings.HasSuffix(p.From, "@g.us") {
		msg.Metadata["group"] = "true"
	}

	kind := p.Data.Type
	switch {
	case kind == watypes.MessageTypeLocation || (kind == "" && p.Location != nil):
		if p.Location == nil {
			return models.InternalMessage{}, false
		}
		msg.Type = models.MessageTypeLocation
		msg.Location = &models.Location{
			Latitude:  p.Location.Latitude,
			Longitude: p.Location.Longitude,
			Name:      p.Location.Description,
		}
		msg.Content = ""
	case kind == watypes.MessageTypeVCard || (kind == "" && len(p.VCards) > 0):
		if len(p.VCards) == 0 {
			return models.InternalMessage{}, false
		}
		contact := parseVCard(p.VCards[0])
		msg.Type = models.MessageTypeContact
		msg.Contact = &contact
		msg.Content = ""
	case p.HasMedia:
		msg.Type = whatsappMediaType(kind, p.Media)
		if p.Media != nil {
			msg.Media = &models.Media{
				URL:      p.Media.URL,
				MimeType: MimeTypeFor(p.Media.MimeType, p.Media.Filename, whatsappFallbackMime(msg.Type)),
				Filename: p.Media.Filename,
			}
		}
		if kind == watypes.MessageTypeVoice {
			msg.Metadata["voice"] = "true"
		}
		if msg.Media == nil && msg.Content == "" {
			return models.InternalMessage{}, false
		}
	case msg.Content == "":
		return models.InternalMessage{}, false
	}
	return msg, true
}

func whatsappMediaType(kind string, media *watypes.MediaInfo) models.MessageType {
	switch kind {
	case watypes.MessageTypeImage:
		return models.MessageTypeImage
	case watypes.MessageTypeVideo:
		return models.MessageTypeVideo
	case watypes.MessageTypeAudio, watypes.MessageTypeVoice:
		return models.MessageTypeAudio
	case watypes.MessageTypeSticker:
		return models.MessageTypeSticker
	case watypes.MessageTypeDocument:
		return models.MessageTypeDocument
	}
	if media != nil {
		return TypeForMime(MimeTypeFor(media.MimeType, media.Filename, ""))
	}
	return models.MessageTypeDocument
}

func whatsappFallbackMime(t models.MessageType) string {
	switch t {
	case models.MessageTypeImage:
		return constants.DefaultImageMimeType
	case models.MessageTypeVideo:
		return constants.DefaultVideoMimeType
	case models.MessageTypeAudio:
		return constants.DefaultAudioMimeType
	case models.MessageTypeSticker:
		return constants.DefaultStickerMimeType
	default:
		return ""
	}
}

// parseVCard reads the FN and first TEL lines of a vCard.
func parseVCard(card string) models.Contact {
	var c models.Contact
	for _, line := range strings.Split(strings.ReplaceAll(card, "\r\n", "\n"), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(key, ";")
		switch strings.ToUpper(name) {
		case "FN":
			c.Name = strings.TrimSpace(value)
		case "TEL":
			if c.Phone == "" {
				c.Phone = strings.TrimSpace(value)
			}
			for _, param := range strings.Split(key, ";") {
				if id, ok := strings.CutPrefix(param, "waid="); ok {
					c.UserID = id
				}
			}
		}
	}
	return c
}

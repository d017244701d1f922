package normalize

import (
	"github.com/bwmarrin/discordgo"

	"channelgate/internal/constants"
	"channelgate/internal/models"
)

// Discord maps a MESSAGE_CREATE event. Messages authored by bots, including
// our own, are ignored.
func Discord(m *discordgo.MessageCreate) (models.InternalMessage, bool) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return models.InternalMessage{}, false
	}
	msg := newMessage(models.ChannelTypeDiscord)
	msg.ChannelMessageID = m.ID
	msg.ConversationID = m.ChannelID
	msg.Timestamp = m.Timestamp.UTC()
	msg.Content = m.Content
	msg.SenderID = m.Author.ID
	msg.SenderUsername = m.Author.Username
	msg.SenderName = m.Author.GlobalName
	if m.Member != nil && m.Member.Nick != "" {
		msg.SenderName = m.Member.Nick
	}
	if msg.SenderName == "" {
		msg.SenderName = m.Author.Username
	}
	if m.MessageReference != nil {
		msg.ReplyTo = m.MessageReference.MessageID
	}
	if m.Thread != nil {
		msg.ThreadID = m.Thread.ID
	}
	setMeta(&msg, "guildId", m.GuildID)

	switch {
	case len(m.Attachments) > 0:
		att := m.Attachments[0]
		mimeType := MimeTypeFor(att.ContentType, att.Filename, "")
		msg.Type = TypeForMime(mimeType)
		msg.Media = &models.Media{
			URL:      att.URL,
			MimeType: mimeType,
			Filename: att.Filename,
			Size:     int64(att.Size),
			Width:    intPtr(att.Width),
			Height:   intPtr(att.Height),
		}
	case len(m.StickerItems) > 0:
		sticker := m.StickerItems[0]
		msg.Type = models.MessageTypeSticker
		if msg.Content == "" {
			msg.Content = sticker.Name
		}
		msg.Media = &models.Media{
			URL:      discordgo.EndpointCDN + "stickers/" + sticker.ID + stickerExt(sticker.FormatType),
			MimeType: stickerMime(sticker.FormatType),
			Filename: sticker.Name,
		}
	case msg.Content == "":
		return models.InternalMessage{}, false
	}
	return msg, true
}

func stickerExt(f discordgo.StickerFormat) string {
	switch f {
	case discordgo.StickerFormatTypeLottie:
		return ".json"
	default:
		return ".png"
	}
}

func stickerMime(f discordgo.StickerFormat) string {
	switch f {
	case discordgo.StickerFormatTypeLottie:
		return "application/json"
	case discordgo.StickerFormatTypePNG, discordgo.StickerFormatTypeAPNG:
		return "image/png"
	default:
		return constants.DefaultStickerMimeType
	}
}

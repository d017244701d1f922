package normalize

import (
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"channelgate/internal/constants"
	"channelgate/internal/models"
)

// TelegramPayload is a received message. Files are referenced by
// Metadata["fileId"] only; Bot API download URLs embed the bot token.
type TelegramPayload struct {
	Message *tgbotapi.Message
}

func Telegram(p TelegramPayload) (models.InternalMessage, bool) {
	m := p.Message
	if m == nil || m.Chat == nil {
		return models.InternalMessage{}, false
	}
	msg := newMessage(models.ChannelTypeTelegram)
	msg.ChannelMessageID = strconv.Itoa(m.MessageID)
	msg.ConversationID = strconv.FormatInt(m.Chat.ID, 10)
	msg.Timestamp = m.Time().UTC()
	msg.Content = m.Text
	if msg.Content == "" {
		msg.Content = m.Caption
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		msg.SenderUsername = m.From.UserName
	} else if m.SenderChat != nil {
		msg.SenderID = strconv.FormatInt(m.SenderChat.ID, 10)
		msg.SenderName = m.SenderChat.Title
	}
	if m.ReplyToMessage != nil {
		msg.ReplyTo = strconv.Itoa(m.ReplyToMessage.MessageID)
	}
	setMeta(&msg, "chatType", m.Chat.Type)
	setMeta(&msg, "chatTitle", m.Chat.Title)

	switch {
	case len(m.Photo) > 0:
		photo := m.Photo[len(m.Photo)-1]
		msg.Type = models.MessageTypeImage
		msg.Media = &models.Media{
			MimeType: constants.DefaultImageMimeType,
			Size:     int64(photo.FileSize),
			Width:    intPtr(photo.Width),
			Height:   intPtr(photo.Height),
		}
		setMeta(&msg, "fileId", photo.FileID)
	case m.Video != nil:
		msg.Type = models.MessageTypeVideo
		msg.Media = &models.Media{
			MimeType: MimeTypeFor(m.Video.MimeType, m.Video.FileName, constants.DefaultVideoMimeType),
			Filename: m.Video.FileName,
			Size:     int64(m.Video.FileSize),
			Width:    intPtr(m.Video.Width),
			Height:   intPtr(m.Video.Height),
		}
		setMeta(&msg, "fileId", m.Video.FileID)
	case m.Audio != nil:
		msg.Type = models.MessageTypeAudio
		msg.Media = &models.Media{
			MimeType: MimeTypeFor(m.Audio.MimeType, m.Audio.FileName, constants.DefaultAudioMimeType),
			Filename: m.Audio.FileName,
			Size:     int64(m.Audio.FileSize),
		}
		setMeta(&msg, "fileId", m.Audio.FileID)
	case m.Voice != nil:
		msg.Type = models.MessageTypeAudio
		msg.Media = &models.Media{
			MimeType: MimeTypeFor(m.Voice.MimeType, "", constants.DefaultAudioMimeType),
			Size:     int64(m.Voice.FileSize),
		}
		setMeta(&msg, "fileId", m.Voice.FileID)
		msg.Metadata["voice"] = "true"
	case m.Document != nil:
		msg.Type = models.MessageTypeDocument
		msg.Media = &models.Media{
			MimeType: MimeTypeFor(m.Document.MimeType, m.Document.FileName, ""),
			Filename: m.Document.FileName,
			Size:     int64(m.Document.FileSize),
		}
		setMeta(&msg, "fileId", m.Document.FileID)
	case m.Sticker != nil:
		msg.Type = models.MessageTypeSticker
		msg.Content = m.Sticker.Emoji
		msg.Media = &models.Media{
			MimeType: constants.DefaultStickerMimeType,
			Size:     int64(m.Sticker.FileSize),
			Width:    intPtr(m.Sticker.Width),
			Height:   intPtr(m.Sticker.Height),
		}
		setMeta(&msg, "fileId", m.Sticker.FileID)
	case m.Venue != nil:
		msg.Type = models.MessageTypeLocation
		msg.Location = &models.Location{
			Latitude:  m.Venue.Location.Latitude,
			Longitude: m.Venue.Location.Longitude,
			Name:      m.Venue.Title,
			Address:   m.Venue.Address,
		}
	case m.Location != nil:
		msg.Type = models.MessageTypeLocation
		msg.Location = &models.Location{Latitude: m.Location.Latitude, Longitude: m.Location.Longitude}
	case m.Contact != nil:
		msg.Type = models.MessageTypeContact
		msg.Contact = &models.Contact{
			Name:  strings.TrimSpace(m.Contact.FirstName + " " + m.Contact.LastName),
			Phone: m.Contact.PhoneNumber,
		}
		if m.Contact.UserID != 0 {
			msg.Contact.UserID = strconv.FormatInt(m.Contact.UserID, 10)
		}
	case msg.Content == "":
		return models.InternalMessage{}, false
	}
	return msg, true
}

package normalize

import (
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"

	"channelgate/internal/models"
)

// Matrix maps an m.room.message or m.sticker event. Edits (m.replace
// relations) and events whose content was not parsed are ignored.
func Matrix(evt *event.Event) (models.InternalMessage, bool) {
	if evt == nil {
		return models.InternalMessage{}, false
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content == nil {
		return models.InternalMessage{}, false
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return models.InternalMessage{}, false
	}

	msg := newMessage(models.ChannelTypeMatrix)
	msg.ChannelMessageID = evt.ID.String()
	msg.ConversationID = evt.RoomID.String()
	msg.SenderID = evt.Sender.String()
	if local, _, err := evt.Sender.Parse(); err == nil {
		msg.SenderUsername = local
	}
	msg.Timestamp = time.UnixMilli(evt.Timestamp).UTC()
	msg.Content = content.Body
	if content.RelatesTo != nil {
		msg.ReplyTo = content.RelatesTo.GetReplyTo().String()
		msg.ThreadID = content.RelatesTo.GetThreadParent().String()
	}

	if evt.Type == event.EventSticker {
		msg.Type = models.MessageTypeSticker
		msg.Media = matrixMedia(content, "image/png")
		return msg, true
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		if msg.Content == "" {
			return models.InternalMessage{}, false
		}
		setMeta(&msg, "msgtype", string(content.MsgType))
	case event.MsgImage:
		msg.Type = models.MessageTypeImage
		msg.Media = matrixMedia(content, "")
	case event.MsgVideo:
		msg.Type = models.MessageTypeVideo
		msg.Media = matrixMedia(content, "")
	case event.MsgAudio:
		msg.Type = models.MessageTypeAudio
		msg.Media = matrixMedia(content, "")
	case event.MsgFile:
		msg.Type = models.MessageTypeDocument
		msg.Media = matrixMedia(content, "")
	case event.MsgLocation:
		loc, ok := parseGeoURI(content.GeoURI)
		if !ok {
			return models.InternalMessage{}, false
		}
		loc.Name = content.Body
		msg.Type = models.MessageTypeLocation
		msg.Location = &loc
	default:
		return models.InternalMessage{}, false
	}
	return msg, true
}

func matrixMedia(content *event.MessageEventContent, fallback string) *models.Media {
	filename := content.FileName
	if filename == "" {
		filename = content.Body
	}
	media := &models.Media{
		URL:      string(content.URL),
		Filename: filename,
	}
	if content.File != nil && media.URL == "" {
		media.URL = string(content.File.URL)
	}
	mimeType := ""
	if content.Info != nil {
		mimeType = content.Info.MimeType
		media.Size = int64(content.Info.Size)
		media.Width = intPtr(content.Info.Width)
		media.Height = intPtr(content.Info.Height)
	}
	media.MimeType = MimeTypeFor(mimeType, filename, fallback)
	return media
}

// parseGeoURI parses "geo:lat,lng[;params]".
func parseGeoURI(uri string) (models.Location, bool) {
	rest, ok := strings.CutPrefix(uri, "geo:")
	if !ok {
		return models.Location{}, false
	}
	rest, _, _ = strings.Cut(rest, ";")
	latStr, lngStr, ok := strings.Cut(rest, ",")
	if !ok {
		return models.Location{}, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return models.Location{}, false
	}
	lngStr, _, _ = strings.Cut(lngStr, ",")
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngStr), 64)
	if err != nil {
		return models.Location{}, false
	}
	return models.Location{Latitude: lat, Longitude: lng}, true
}

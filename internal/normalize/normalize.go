// Package normalize maps native platform payloads to models.InternalMessage.
// Every function returns ok=false when the payload carries nothing the
// gateway can represent (service messages, reactions, own echoes).
package normalize

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"channelgate/internal/constants"
	"channelgate/internal/models"
)

func newMessage(channelType models.ChannelType) models.InternalMessage {
	return models.InternalMessage{
		MessageID:   uuid.NewString(),
		ChannelType: channelType,
		Type:        models.MessageTypeText,
		Metadata:    map[string]string{},
	}
}

// MimeTypeFor returns mimeType if set, otherwise the type registered for the
// file extension, otherwise fallback.
func MimeTypeFor(mimeType, filename, fallback string) string {
	if mimeType != "" {
		return mimeType
	}
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if mt, ok := constants.MimeTypes[ext]; ok {
			return mt
		}
	}
	if fallback != "" {
		return fallback
	}
	return constants.DefaultMimeType
}

// TypeForMime classifies an attachment by its MIME type.
func TypeForMime(mimeType string) models.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.MessageTypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return models.MessageTypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return models.MessageTypeAudio
	default:
		return models.MessageTypeDocument
	}
}

func intPtr(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}

func setMeta(msg *models.InternalMessage, key, value string) {
	if value != "" {
		msg.Metadata[key] = value
	}
}

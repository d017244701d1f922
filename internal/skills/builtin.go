package skills

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	apperrors "channelgate/internal/errors"
	"channelgate/internal/manager"
	"channelgate/internal/models"
)

// Channels is the slice of the channel manager the builtins use.
type Channels interface {
	Lookup(channelID string) (manager.ChannelInfo, bool)
	Channels(orgID string) []manager.ChannelInfo
	RouteOutbound(ctx context.Context, channelID string, msg models.OutgoingMessage) (string, error)
}

// RegisterBuiltins installs echo, channel.send and channel.status.
func RegisterBuiltins(r *Registry, channels Channels) {
	r.Register("echo", Echo)
	if channels != nil {
		r.Register("channel.send", ChannelSend(channels))
		r.Register("channel.status", ChannelStatus(channels))
	}
}

// Echo returns its params after reporting them as progress.
func Echo(ctx context.Context, call Call, progress ProgressFunc) (interface{}, error) {
	progress(map[string]interface{}{"received": len(call.Params)})
	return call.Params, nil
}

type sendParams struct {
	ChannelID   string
	RecipientID string
	Content     string
}

func (p sendParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ChannelID, validation.Required),
		validation.Field(&p.RecipientID, validation.Required),
		validation.Field(&p.Content, validation.Required),
	)
}

// ChannelSend routes a text message through one of the caller's channels.
// Params: channelId, recipientId, content.
func ChannelSend(channels Channels) Skill {
	return func(ctx context.Context, call Call, progress ProgressFunc) (interface{}, error) {
		p := sendParams{
			ChannelID:   stringParam(call, "channelId"),
			RecipientID: stringParam(call, "recipientId"),
			Content:     stringParam(call, "content"),
		}
		if err := p.Validate(); err != nil {
			return nil, apperrors.NewInvalidInputError(err)
		}
		info, ok := channels.Lookup(p.ChannelID)
		if !ok {
			return nil, apperrors.NewChannelNotFoundError(p.ChannelID)
		}
		if info.OrganizationID != call.OrganizationID {
			return nil, apperrors.NewForbiddenError("channel", p.ChannelID)
		}

		progress(map[string]interface{}{"stage": "routing", "channelId": p.ChannelID})
		id, err := channels.RouteOutbound(ctx, p.ChannelID, models.OutgoingMessage{
			RecipientID: p.RecipientID,
			Type:        models.MessageTypeText,
			Content:     p.Content,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"channelId": p.ChannelID, "messageId": id}, nil
	}
}

// ChannelStatus returns the caller's organization channel snapshot.
func ChannelStatus(channels Channels) Skill {
	return func(ctx context.Context, call Call, progress ProgressFunc) (interface{}, error) {
		return map[string]interface{}{"channels": channels.Channels(call.OrganizationID)}, nil
	}
}

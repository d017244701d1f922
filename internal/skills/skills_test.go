package skills

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "channelgate/internal/errors"
	"channelgate/internal/manager"
	"channelgate/internal/models"
)

type fakeChannels struct {
	infos []manager.ChannelInfo
	sent  []models.OutgoingMessage
	err   error
}

func (f *fakeChannels) Lookup(id string) (manager.ChannelInfo, bool) {
	for _, info := range f.infos {
		if info.ChannelID == id {
			return info, true
		}
	}
	return manager.ChannelInfo{}, false
}

func (f *fakeChannels) Channels(org string) []manager.ChannelInfo {
	var out []manager.ChannelInfo
	for _, info := range f.infos {
		if info.OrganizationID == org {
			out = append(out, info)
		}
	}
	return out
}

func (f *fakeChannels) RouteOutbound(ctx context.Context, id string, msg models.OutgoingMessage) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "ext-9", nil
}

func newFixture() (*Registry, *fakeChannels) {
	ch := &fakeChannels{infos: []manager.ChannelInfo{
		{ChannelID: "tg-1", OrganizationID: "org-1", ChannelType: models.ChannelTypeTelegram, Status: models.StatusConnected},
		{ChannelID: "dc-1", OrganizationID: "org-2", ChannelType: models.ChannelTypeDiscord},
	}}
	r := NewRegistry()
	RegisterBuiltins(r, ch)
	return r, ch
}

func TestRegistry_Names(t *testing.T) {
	r, _ := newFixture()
	assert.Equal(t, []string{"channel.send", "channel.status", "echo"}, r.Names())

	bare := NewRegistry()
	RegisterBuiltins(bare, nil)
	assert.Equal(t, []string{"echo"}, bare.Names())
}

func TestRegistry_UnknownSkill(t *testing.T) {
	r, _ := newFixture()
	_, err := r.Execute(context.Background(), Call{Name: "nope"}, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestEcho(t *testing.T) {
	r, _ := newFixture()
	var progress []interface{}
	out, err := r.Execute(context.Background(), Call{Name: "echo", Params: map[string]interface{}{"a": 1.0}}, func(p interface{}) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": 1.0}, out)
	assert.Len(t, progress, 1)
}

func TestChannelSend(t *testing.T) {
	tests := []struct {
		name   string
		org    string
		params map[string]interface{}
		want   apperrors.ErrorCode
	}{
		{"missing fields", "org-1", map[string]interface{}{"channelId": "tg-1"}, apperrors.ErrCodeInvalidInput},
		{"unknown channel", "org-1", map[string]interface{}{"channelId": "x", "recipientId": "1", "content": "hi"}, apperrors.ErrCodeChannelNotFound},
		{"other organization", "org-1", map[string]interface{}{"channelId": "dc-1", "recipientId": "1", "content": "hi"}, apperrors.ErrCodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ch := newFixture()
			_, err := r.Execute(context.Background(), Call{Name: "channel.send", OrganizationID: tt.org, Params: tt.params}, nil)
			assert.True(t, apperrors.HasCode(err, tt.want), "got %v", err)
			assert.Empty(t, ch.sent)
		})
	}

	t.Run("routes", func(t *testing.T) {
		r, ch := newFixture()
		out, err := r.Execute(context.Background(), Call{
			Name:           "channel.send",
			OrganizationID: "org-1",
			Params:         map[string]interface{}{"channelId": "tg-1", "recipientId": "42", "content": "hi"},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "ext-9", out.(map[string]interface{})["messageId"])
		require.Len(t, ch.sent, 1)
		assert.Equal(t, "42", ch.sent[0].RecipientID)
	})

	t.Run("send failure propagates", func(t *testing.T) {
		r, ch := newFixture()
		ch.err = apperrors.NewChannelNotConnectedError("tg-1", "error")
		_, err := r.Execute(context.Background(), Call{
			Name:           "channel.send",
			OrganizationID: "org-1",
			Params:         map[string]interface{}{"channelId": "tg-1", "recipientId": "42", "content": "hi"},
		}, nil)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeChannelNotConnected))
	})
}

func TestChannelStatus(t *testing.T) {
	r, _ := newFixture()
	out, err := r.Execute(context.Background(), Call{Name: "channel.status", OrganizationID: "org-1"}, nil)
	require.NoError(t, err)
	channels := out.(map[string]interface{})["channels"].([]manager.ChannelInfo)
	require.Len(t, channels, 1)
	assert.Equal(t, "tg-1", channels[0].ChannelID)
}

package whatsapp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channelgate/pkg/whatsapp/types"
)

const messageWebhook = `{
  "id": "evt_1",
  "event": "message",
  "session": "acme",
  "payload": {
    "id": "false_111@c.us_AAA",
    "timestamp": 1767225600,
    "from": "111@c.us",
    "fromMe": false,
    "to": "222@c.us",
    "body": "hi there",
    "hasMedia": true,
    "media": {"url": "http://waha/files/a.jpg", "mimetype": "image/jpeg", "filename": "a.jpg"},
    "replyTo": {"id": "orig-1"},
    "_data": {"notifyName": "Alice", "type": "image"}
  }
}`

func TestParseWebhook(t *testing.T) {
	event, err := ParseWebhook([]byte(messageWebhook))
	require.NoError(t, err)
	assert.Equal(t, types.EventMessage, event.Event)
	assert.Equal(t, "acme", event.Session)

	msg, err := DecodeMessage(event)
	require.NoError(t, err)
	assert.Equal(t, "111@c.us", msg.From)
	assert.True(t, msg.HasMedia)
	require.NotNil(t, msg.Media)
	assert.Equal(t, "image/jpeg", msg.Media.MimeType)
	assert.Equal(t, "Alice", msg.Data.NotifyName)
	assert.Equal(t, "orig-1", msg.ReplyTo.ID)
	assert.Equal(t, int64(1767225600), msg.Time().Unix())
}

func TestParseWebhook_Invalid(t *testing.T) {
	_, err := ParseWebhook([]byte(`not json`))
	assert.Error(t, err)
	_, err = ParseWebhook([]byte(`{"payload":{}}`))
	assert.Error(t, err)
}

func TestWebhookHandler_Dispatch(t *testing.T) {
	wh := NewWebhookHandler()
	var seen []string
	wh.RegisterEventHandler(types.EventMessage, func(ctx context.Context, e *types.WebhookEvent) error {
		seen = append(seen, e.Event)
		return nil
	})
	wh.RegisterEventHandler(types.EventSessionStatus, func(ctx context.Context, e *types.WebhookEvent) error {
		st, err := DecodeSessionStatus(e)
		require.NoError(t, err)
		seen = append(seen, string(st.Status))
		return nil
	})

	ctx := context.Background()
	require.NoError(t, wh.Handle(ctx, []byte(messageWebhook)))
	require.NoError(t, wh.Handle(ctx, []byte(`{"event":"session.status","payload":{"name":"acme","status":"STOPPED"}}`)))
	require.NoError(t, wh.Handle(ctx, []byte(`{"event":"presence.update","payload":{}}`)))

	assert.Equal(t, []string{"message", "STOPPED"}, seen)
}

func TestMessageResponse_MessageID(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"plain"`, "plain"},
		{`{"_serialized":"ser","id":"short"}`, "ser"},
		{`{"id":"short"}`, "short"},
		{``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, types.MessageResponse{ID: []byte(tt.raw)}.MessageID())
		})
	}
}

package web

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channelgate/internal/channel"
	"channelgate/internal/channel/channeltest"
	"channelgate/internal/models"
)

type recordingPusher struct {
	mu     sync.Mutex
	pushed []models.OutgoingMessage
	err    error
}

func (p *recordingPusher) Push(ctx context.Context, channelID string, msg models.OutgoingMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.pushed = append(p.pushed, msg)
	return channelID + "-out", nil
}

func TestWeb_PostedMessageIsNormalized(t *testing.T) {
	h := channeltest.New(t, Factory(&recordingPusher{}), nil)
	require.NoError(t, h.Adapter.Connect(context.Background()))

	body := `{"id":"w-1","senderId":"visitor-9","senderName":"Guest","content":"hello","timestamp":"2026-01-01T10:00:00+02:00"}`
	require.NoError(t, h.Adapter.(channel.WebhookReceiver).HandleWebhook(context.Background(), []byte(body)))

	msg := h.NextMessage(t)
	assert.Equal(t, models.ChannelTypeWeb, msg.ChannelType)
	assert.Equal(t, "visitor-9", msg.ConversationID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, 8, msg.Timestamp.Hour())
}

func TestWeb_SendPushes(t *testing.T) {
	p := &recordingPusher{}
	h := channeltest.New(t, Factory(p), nil)
	require.NoError(t, h.Adapter.Connect(context.Background()))

	id, err := h.Adapter.SendMessage(context.Background(), models.OutgoingMessage{RecipientID: "sess-1", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ch-1-out", id)
	require.Len(t, p.pushed, 1)
	assert.Equal(t, "sess-1", p.pushed[0].RecipientID)

	_, err = h.Adapter.SendMessage(context.Background(), models.OutgoingMessage{Content: "no target"})
	assert.Error(t, err)

	p.err = errors.New("gateway closed")
	_, err = h.Adapter.SendMessage(context.Background(), models.OutgoingMessage{RecipientID: "sess-1", Content: "hi"})
	assert.Error(t, err)
}

func TestWeb_InvalidBody(t *testing.T) {
	h := channeltest.New(t, Factory(&recordingPusher{}), nil)
	require.NoError(t, h.Adapter.Connect(context.Background()))
	err := h.Adapter.(channel.WebhookReceiver).HandleWebhook(context.Background(), []byte("{"))
	assert.Error(t, err)
}

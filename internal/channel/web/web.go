// Package web is the channel for embedded web widgets. It has no external
// platform: inbound messages are posted to the gateway and outbound messages
// are pushed to the widget's realtime session.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"channelgate/internal/channel"
	"channelgate/internal/models"
	"channelgate/internal/normalize"
)

// Pusher delivers an outbound message to connected web clients and returns
// the id assigned to it.
type Pusher interface {
	Push(ctx context.Context, channelID string, msg models.OutgoingMessage) (string, error)
}

func normalizeWeb(payload any) (models.InternalMessage, bool) {
	p, ok := payload.(normalize.WebPayload)
	if !ok {
		return models.InternalMessage{}, false
	}
	return normalize.Web(p)
}

// Variant builds web transports that push through p.
func Variant(p Pusher) channel.Variant {
	return channel.Variant{
		Type: models.ChannelTypeWeb,
		NewTransport: func(opts channel.Options) (channel.Transport, error) {
			if p == nil {
				return nil, errors.New("web channel requires a pusher")
			}
			return &transport{channelID: opts.ChannelID, pusher: p}, nil
		},
		Normalize: normalizeWeb,
	}
}

func Factory(p Pusher) channel.Factory { return Variant(p).Factory() }

type transport struct {
	channelID string
	pusher    Pusher

	mu      sync.Mutex
	handler channel.Handler
}

func (t *transport) Open(ctx context.Context, h channel.Handler) error {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
	return nil
}

func (t *transport) Close(ctx context.Context) error {
	t.mu.Lock()
	t.handler = nil
	t.mu.Unlock()
	return nil
}

// HandleWebhook accepts a JSON WebPayload posted by a widget backend.
func (t *transport) HandleWebhook(ctx context.Context, body []byte) error {
	var p normalize.WebPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("failed to decode web payload: %w", err)
	}
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return errors.New("web channel is not connected")
	}
	h.HandlePayload(p)
	return nil
}

func (t *transport) Send(ctx context.Context, msg models.OutgoingMessage) (string, error) {
	if msg.RecipientID == "" {
		return "", errors.New("web recipient session is required")
	}
	return t.pusher.Push(ctx, t.channelID, msg)
}

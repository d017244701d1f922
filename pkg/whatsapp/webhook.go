package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"channelgate/pkg/whatsapp/types"
)

// EventHandler handles the raw payload of one webhook event type.
type EventHandler func(ctx context.Context, event *types.WebhookEvent) error

// WebhookHandler routes decoded WAHA webhook events by event name.
type WebhookHandler struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{handlers: make(map[string]EventHandler)}
}

func (wh *WebhookHandler) RegisterEventHandler(eventType string, handler EventHandler) {
	wh.mu.Lock()
	defer wh.mu.Unlock()
	wh.handlers[eventType] = handler
}

// Handle decodes body and dispatches it. Events without a handler are
// ignored; WAHA sends many event types the gateway has no use for.
func (wh *WebhookHandler) Handle(ctx context.Context, body []byte) error {
	event, err := ParseWebhook(body)
	if err != nil {
		return err
	}
	wh.mu.RLock()
	handler, ok := wh.handlers[event.Event]
	wh.mu.RUnlock()
	if !ok {
		return nil
	}
	return handler(ctx, event)
}

func ParseWebhook(body []byte) (*types.WebhookEvent, error) {
	var event types.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}
	if event.Event == "" {
		return nil, fmt.Errorf("webhook event name is missing")
	}
	return &event, nil
}

func DecodeMessage(event *types.WebhookEvent) (types.MessagePayload, error) {
	var msg types.MessagePayload
	if err := json.Unmarshal(event.Payload, &msg); err != nil {
		return msg, fmt.Errorf("failed to unmarshal message payload: %w", err)
	}
	return msg, nil
}

func DecodeSessionStatus(event *types.WebhookEvent) (types.SessionStatusPayload, error) {
	var st types.SessionStatusPayload
	if err := json.Unmarshal(event.Payload, &st); err != nil {
		return st, fmt.Errorf("failed to unmarshal session status: %w", err)
	}
	return st, nil
}

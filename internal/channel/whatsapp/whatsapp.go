// Package whatsapp adapts a WAHA session to the channel contract. Inbound
// events arrive by webhook and are fed through HandleWebhook.
package whatsapp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"channelgate/internal/channel"
	"channelgate/internal/models"
	"channelgate/internal/normalize"
	"channelgate/internal/privacy"
	wa "channelgate/pkg/whatsapp"
	watypes "channelgate/pkg/whatsapp/types"
)

var Variant = channel.Variant{
	Type:         models.ChannelTypeWhatsApp,
	NewTransport: newTransport,
	Normalize: func(payload any) (models.InternalMessage, bool) {
		p, ok := payload.(watypes.MessagePayload)
		if !ok {
			return models.InternalMessage{}, false
		}
		return normalize.WhatsApp(p)
	},
}

func Factory() channel.Factory { return Variant.Factory() }

type transport struct {
	client  *wa.Client
	log     *logrus.Entry
	webhook *wa.WebhookHandler

	mu      sync.Mutex
	handler channel.Handler
}

func newTransport(opts channel.Options) (channel.Transport, error) {
	creds := opts.Credentials
	if err := channel.RequireCredentials(creds, watypes.CredentialBaseURL); err != nil {
		return nil, err
	}
	session := creds.Get(watypes.CredentialSession)
	if session == "" {
		session = opts.ExternalID
	}
	log := opts.Runtime.Component("whatsapp").WithFields(logrus.Fields{
		"channel_id": opts.ChannelID,
		"session":    privacy.MaskSessionName(session),
	})
	client, err := wa.NewClient(wa.Config{
		BaseURL: creds.Get(watypes.CredentialBaseURL),
		APIKey:  creds.Get(watypes.CredentialAPIKey),
		Session: session,
	})
	if err != nil {
		return nil, err
	}

	t := &transport{client: client, log: log, webhook: wa.NewWebhookHandler()}
	t.webhook.RegisterEventHandler(watypes.EventMessage, t.onMessage)
	t.webhook.RegisterEventHandler(watypes.EventSessionStatus, t.onSessionStatus)
	return t, nil
}

func (t *transport) Open(ctx context.Context, h channel.Handler) error {
	if err := t.client.StartSession(ctx); err != nil {
		return classify(err)
	}
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
	return nil
}

// Close detaches the handler. The WAHA session keeps running so other
// consumers of the same server are not affected.
func (t *transport) Close(ctx context.Context) error {
	t.mu.Lock()
	t.handler = nil
	t.mu.Unlock()
	return nil
}

func (t *transport) current() channel.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *transport) HandleWebhook(ctx context.Context, body []byte) error {
	if t.current() == nil {
		return errors.New("whatsapp channel is not connected")
	}
	return t.webhook.Handle(ctx, body)
}

func (t *transport) onMessage(ctx context.Context, event *watypes.WebhookEvent) error {
	if event.Session != "" && event.Session != t.client.Session() {
		return fmt.Errorf("webhook for session %q delivered to %q", event.Session, t.client.Session())
	}
	msg, err := wa.DecodeMessage(event)
	if err != nil {
		return err
	}
	if h := t.current(); h != nil {
		h.HandlePayload(msg)
	}
	return nil
}

func (t *transport) onSessionStatus(ctx context.Context, event *watypes.WebhookEvent) error {
	st, err := wa.DecodeSessionStatus(event)
	if err != nil {
		return err
	}
	h := t.current()
	if h == nil {
		return nil
	}
	t.log.WithField("status", st.Status).Info("WhatsApp session status changed")
	switch st.Status {
	case watypes.SessionStatusScanQR, watypes.SessionStatusLoggedOut:
		h.HandleDrop(channel.Terminal(fmt.Errorf("%w: status %s", wa.ErrNotAuthenticated, st.Status)))
	case watypes.SessionStatusStopped, watypes.SessionStatusFailed:
		h.HandleDrop(fmt.Errorf("whatsapp session %s", st.Status))
	}
	return nil
}

func (t *transport) Send(ctx context.Context, msg models.OutgoingMessage) (string, error) {
	if msg.RecipientID == "" {
		return "", errors.New("whatsapp chat id is required")
	}
	if msg.Type == models.MessageTypeLocation {
		lat, lng, title, err := parseLocation(msg.Content)
		if err != nil {
			return "", err
		}
		id, err := t.client.SendLocation(ctx, msg.RecipientID, lat, lng, title, msg.ReplyTo)
		return id, classify(err)
	}
	if msg.Media == nil {
		id, err := t.client.SendText(ctx, msg.RecipientID, msg.Content, msg.ReplyTo)
		return id, classify(err)
	}
	file := watypes.FileData{
		MimeType: normalize.MimeTypeFor(msg.Media.MimeType, msg.Media.Filename, ""),
		Filename: msg.Media.Filename,
		URL:      msg.Media.URL,
	}
	if len(msg.Media.Data) > 0 {
		file.URL = ""
		file.Data = base64.StdEncoding.EncodeToString(msg.Media.Data)
	}
	id, err := t.client.SendFile(ctx, msg.RecipientID, file, msg.Content, msg.ReplyTo)
	return id, classify(err)
}

// parseLocation reads "lat,lng" or "lat,lng,title".
func parseLocation(content string) (lat, lng float64, title string, err error) {
	parts := strings.SplitN(content, ",", 3)
	if len(parts) < 2 {
		return 0, 0, "", fmt.Errorf("location content must be \"lat,lng[,title]\", got %q", content)
	}
	if lat, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err != nil {
		return 0, 0, "", fmt.Errorf("invalid latitude: %w", err)
	}
	if lng, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err != nil {
		return 0, 0, "", fmt.Errorf("invalid longitude: %w", err)
	}
	if len(parts) == 3 {
		title = strings.TrimSpace(parts[2])
	}
	return lat, lng, title, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, wa.ErrNotAuthenticated) {
		return channel.Terminal(err)
	}
	var apiErr *wa.APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		return channel.Terminal(err)
	}
	return err
}

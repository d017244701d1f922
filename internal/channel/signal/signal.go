// Package signal adapts a signal-cli-rest-api account to the channel
// contract. Messages are received by polling.
package signal

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"channelgate/internal/channel"
	"channelgate/internal/models"
	"channelgate/internal/normalize"
	"channelgate/internal/privacy"
	"channelgate/pkg/constants"
	sig "channelgate/pkg/signal"
	sigtypes "channelgate/pkg/signal/types"
)

const (
	CredentialBaseURL   = "baseUrl"
	CredentialNumber    = "number"
	CredentialAuthToken = "authToken"

	maxAttachmentBytes = constants.MaxInlineAttachmentMB * constants.BytesPerMegabyte
)

var Variant = channel.Variant{
	Type:         models.ChannelTypeSignal,
	NewTransport: newTransport,
	Normalize: func(payload any) (models.InternalMessage, bool) {
		m, ok := payload.(sigtypes.SignalMessage)
		if !ok {
			return models.InternalMessage{}, false
		}
		return normalize.Signal(m)
	},
}

func Factory() channel.Factory { return Variant.Factory() }

type transport struct {
	client      *sig.Client
	log         *logrus.Entry
	pollTimeout int
	backoff     time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newTransport(opts channel.Options) (channel.Transport, error) {
	creds := opts.Credentials
	if err := channel.RequireCredentials(creds, CredentialBaseURL, CredentialNumber); err != nil {
		return nil, err
	}
	log := opts.Runtime.Component("signal").WithFields(logrus.Fields{
		"channel_id": opts.ChannelID,
		"number":     privacy.MaskPhoneNumber(creds.Get(CredentialNumber)),
	})
	client, err := sig.NewClient(sig.Config{
		BaseURL:   creds.Get(CredentialBaseURL),
		AuthToken: creds.Get(CredentialAuthToken),
		Number:    creds.Get(CredentialNumber),
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	return &transport{
		client:      client,
		log:         log,
		pollTimeout: constants.DefaultSignalPollTimeoutSec,
		backoff:     constants.SignalPollBackoffMs * time.Millisecond,
	}, nil
}

func (t *transport) Open(ctx context.Context, h channel.Handler) error {
	t.Close(ctx)

	if _, err := t.client.About(ctx); err != nil {
		return classify(err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.receive(loopCtx, h, done)
	return nil
}

func (t *transport) receive(ctx context.Context, h channel.Handler, done chan struct{}) {
	defer close(done)

	failures := 0
	for ctx.Err() == nil {
		messages, err := t.client.ReceiveMessages(ctx, t.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			err = classify(err)
			if channel.IsTerminal(err) {
				h.HandleDrop(err)
				return
			}
			failures++
			t.log.WithError(err).WithField("failures", failures).Warn("Signal poll failed")
			if failures >= constants.SignalMaxConsecutiveFailures {
				h.HandleDrop(err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.backoff):
			}
			continue
		}
		failures = 0
		for _, m := range messages {
			h.HandlePayload(m)
		}
	}
}

func (t *transport) Close(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *transport) Send(ctx context.Context, msg models.OutgoingMessage) (string, error) {
	if msg.RecipientID == "" {
		return "", errors.New("signal recipient is required")
	}
	var attachments []string
	if msg.Media != nil {
		att, err := encodeAttachment(msg.Media)
		if err != nil {
			return "", err
		}
		attachments = append(attachments, att)
	}
	var quote int64
	if msg.ReplyTo != "" {
		ts, err := strconv.ParseInt(msg.ReplyTo, 10, 64)
		if err != nil {
			return "", fmt.Errorf("signal reply target must be a message timestamp: %w", err)
		}
		quote = ts
	}
	// signal-cli resolves the quoted message by timestamp and author; the
	// recipient is the author for direct chats.
	author := ""
	if quote != 0 {
		author = msg.RecipientID
	}
	return t.client.SendMessage(ctx, msg.RecipientID, msg.Content, attachments, quote, author)
}

// encodeAttachment builds the data URI form signal-cli-rest-api accepts.
// Media given only by URL cannot be attached and is rejected.
func encodeAttachment(m *models.Media) (string, error) {
	if len(m.Data) == 0 {
		return "", errors.New("signal attachments must carry inline data")
	}
	if len(m.Data) > maxAttachmentBytes {
		return "", fmt.Errorf("attachment exceeds %d MB", constants.MaxInlineAttachmentMB)
	}
	mime := m.MimeType
	if mime == "" {
		sniff := m.Data
		if len(sniff) > constants.MimeDetectionBufferSize {
			sniff = sniff[:constants.MimeDetectionBufferSize]
		}
		mime = normalize.MimeTypeFor("", m.Filename, http.DetectContentType(sniff))
	}
	uri := "data:" + mime
	if m.Filename != "" {
		uri += ";filename=" + m.Filename
	}
	return uri + ";base64," + base64.StdEncoding.EncodeToString(m.Data), nil
}

func classify(err error) error {
	var apiErr *sig.APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		return channel.Terminal(err)
	}
	return err
}

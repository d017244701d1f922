// Package matrix adapts a Matrix account to the channel contract using the
// client-server sync API.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"channelgate/internal/channel"
	"channelgate/internal/models"
	"channelgate/internal/normalize"
)

const (
	CredentialHomeserver  = "homeserver"
	CredentialUserID      = "userId"
	CredentialAccessToken = "accessToken"
)

var Variant = channel.Variant{
	Type:         models.ChannelTypeMatrix,
	NewTransport: newTransport,
	Normalize: func(payload any) (models.InternalMessage, bool) {
		evt, ok := payload.(*event.Event)
		if !ok {
			return models.InternalMessage{}, false
		}
		return normalize.Matrix(evt)
	},
}

func Factory() channel.Factory { return Variant.Factory() }

type transport struct {
	homeserver string
	userID     id.UserID
	token      string
	log        *logrus.Entry

	mu     sync.Mutex
	client *mautrix.Client
	cancel context.CancelFunc
	done   chan struct{}
}

func newTransport(opts channel.Options) (channel.Transport, error) {
	creds := opts.Credentials
	if err := channel.RequireCredentials(creds, CredentialHomeserver, CredentialUserID, CredentialAccessToken); err != nil {
		return nil, err
	}
	return &transport{
		homeserver: creds.Get(CredentialHomeserver),
		userID:     id.UserID(creds.Get(CredentialUserID)),
		token:      creds.Get(CredentialAccessToken),
		log:        opts.Runtime.Component("matrix").WithField("channel_id", opts.ChannelID),
	}, nil
}

func (t *transport) Open(ctx context.Context, h channel.Handler) error {
	t.Close(ctx)

	client, err := mautrix.NewClient(t.homeserver, t.userID, t.token)
	if err != nil {
		return channel.Terminal(fmt.Errorf("creating matrix client: %w", err))
	}
	if _, err := client.Whoami(ctx); err != nil {
		return classify(err)
	}

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", client.Syncer)
	}
	syncer.OnSync(client.DontProcessOldEvents)
	forward := func(_ context.Context, evt *event.Event) {
		if evt.Sender == t.userID {
			return
		}
		h.HandlePayload(evt)
	}
	syncer.OnEventType(event.EventMessage, forward)
	syncer.OnEventType(event.EventSticker, forward)

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.mu.Lock()
	t.client, t.cancel, t.done = client, cancel, done
	t.mu.Unlock()

	go func() {
		defer close(done)
		err := client.SyncWithContext(loopCtx)
		if loopCtx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("matrix sync stopped")
		}
		h.HandleDrop(classify(err))
	}()
	return nil
}

func (t *transport) Close(ctx context.Context) error {
	t.mu.Lock()
	client, cancel, done := t.client, t.cancel, t.done
	t.client, t.cancel, t.done = nil, nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	client.StopSync()
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *transport) Send(ctx context.Context, msg models.OutgoingMessage) (string, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return "", errors.New("matrix client is not syncing")
	}
	if !strings.HasPrefix(msg.RecipientID, "!") {
		return "", fmt.Errorf("invalid matrix room id %q", msg.RecipientID)
	}

	content, err := t.buildContent(ctx, client, msg)
	if err != nil {
		return "", err
	}
	resp, err := client.SendMessageEvent(ctx, id.RoomID(msg.RecipientID), event.EventMessage, content)
	if err != nil {
		return "", classify(err)
	}
	return resp.EventID.String(), nil
}

func (t *transport) buildContent(ctx context.Context, client *mautrix.Client, msg models.OutgoingMessage) (*event.MessageEventContent, error) {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: msg.Content}

	if m := msg.Media; m != nil {
		uri := m.URL
		if len(m.Data) > 0 {
			up, err := client.UploadBytes(ctx, m.Data, m.MimeType)
			if err != nil {
				return nil, fmt.Errorf("uploading media: %w", err)
			}
			uri = up.ContentURI.String()
		}
		if strings.HasPrefix(uri, "mxc://") {
			content.MsgType = mediaMsgType(msg.Type)
			content.URL = id.ContentURIString(uri)
			content.FileName = m.Filename
			content.Info = &event.FileInfo{MimeType: m.MimeType, Size: int(m.Size)}
			if content.Body == "" {
				content.Body = m.Filename
			}
		} else if uri != "" {
			content.Body = strings.TrimSpace(content.Body + "\n" + uri)
		}
	}

	if msg.ThreadID != "" || msg.ReplyTo != "" {
		rel := &event.RelatesTo{}
		if msg.ThreadID != "" {
			rel.Type = event.RelThread
			rel.EventID = id.EventID(msg.ThreadID)
		}
		if msg.ReplyTo != "" {
			rel.InReplyTo = &event.InReplyTo{EventID: id.EventID(msg.ReplyTo)}
		}
		content.RelatesTo = rel
	}
	return content, nil
}

func mediaMsgType(t models.MessageType) event.MessageType {
	switch t {
	case models.MessageTypeImage, models.MessageTypeSticker:
		return event.MsgImage
	case models.MessageTypeVideo:
		return event.MsgVideo
	case models.MessageTypeAudio:
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

func classify(err error) error {
	if errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MForbidden) {
		return channel.Terminal(err)
	}
	return err
}

// Package discord adapts a Discord bot to the channel contract. The
// discordgo session's own reconnect loop is disabled; reconnects go through
// the adapter state machine.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"channelgate/internal/channel"
	"channelgate/internal/models"
	"channelgate/internal/normalize"
)

const CredentialBotToken = "botToken"

var Variant = channel.Variant{
	Type:         models.ChannelTypeDiscord,
	NewTransport: newTransport,
	Normalize: func(payload any) (models.InternalMessage, bool) {
		m, ok := payload.(*discordgo.MessageCreate)
		if !ok {
			return models.InternalMessage{}, false
		}
		return normalize.Discord(m)
	},
}

func Factory() channel.Factory { return Variant.Factory() }

// session is the subset of *discordgo.Session the transport drives.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var newSession = func(token string) (session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.ShouldReconnectOnError = false
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	return s, nil
}

type transport struct {
	token string
	log   *logrus.Entry

	mu      sync.Mutex
	session session
	remove  []func()
	closing bool
}

func newTransport(opts channel.Options) (channel.Transport, error) {
	if err := channel.RequireCredentials(opts.Credentials, CredentialBotToken); err != nil {
		return nil, err
	}
	return &transport{
		token: opts.Credentials.Get(CredentialBotToken),
		log:   opts.Runtime.Component("discord").WithField("channel_id", opts.ChannelID),
	}, nil
}

func (t *transport) Open(ctx context.Context, h channel.Handler) error {
	t.Close(ctx)

	s, err := newSession(t.token)
	if err != nil {
		return channel.Terminal(err)
	}

	removeMsg := s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		h.HandlePayload(m)
	})
	removeDisc := s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		t.mu.Lock()
		closing := t.closing || t.session != s
		t.mu.Unlock()
		if !closing {
			h.HandleDrop(errors.New("discord gateway disconnected"))
		}
	})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Open() }()
	select {
	case err = <-errCh:
	case <-ctx.Done():
		go func() {
			if <-errCh == nil {
				_ = s.Close()
			}
		}()
		return ctx.Err()
	}
	if err != nil {
		removeMsg()
		removeDisc()
		return classify(err)
	}

	t.mu.Lock()
	t.session = s
	t.remove = []func(){removeMsg, removeDisc}
	t.closing = false
	t.mu.Unlock()
	return nil
}

func (t *transport) Close(ctx context.Context) error {
	t.mu.Lock()
	s, remove := t.session, t.remove
	t.session, t.remove = nil, nil
	t.closing = true
	t.mu.Unlock()

	if s == nil {
		return nil
	}
	for _, fn := range remove {
		fn()
	}
	return s.Close()
}

func (t *transport) Send(ctx context.Context, msg models.OutgoingMessage) (string, error) {
	t.mu.Lock()
	s := t.session
	t.mu.Unlock()
	if s == nil {
		return "", errors.New("discord session is not open")
	}

	channelID := msg.RecipientID
	if msg.ThreadID != "" {
		channelID = msg.ThreadID
	}
	if channelID == "" {
		return "", errors.New("discord channel id is required")
	}

	sent, err := s.ChannelMessageSendComplex(channelID, buildMessageSend(msg), discordgo.WithContext(ctx))
	if err != nil {
		return "", classify(err)
	}
	return sent.ID, nil
}

func buildMessageSend(msg models.OutgoingMessage) *discordgo.MessageSend {
	send := &discordgo.MessageSend{Content: msg.Content}
	if msg.ReplyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo}
	}

	if msg.Embed != nil {
		send.Embeds = append(send.Embeds, buildEmbed(msg.Embed))
	}

	if m := msg.Media; m != nil {
		switch {
		case len(m.Data) > 0:
			name := m.Filename
			if name == "" {
				name = "attachment"
			}
			send.Files = append(send.Files, &discordgo.File{
				Name:        name,
				ContentType: m.MimeType,
				Reader:      bytes.NewReader(m.Data),
			})
		case m.URL != "" && msg.Type == models.MessageTypeImage && msg.Embed == nil:
			send.Embeds = append(send.Embeds, &discordgo.MessageEmbed{Image: &discordgo.MessageEmbedImage{URL: m.URL}})
		case m.URL != "":
			send.Content = strings.TrimSpace(send.Content + "\n" + m.URL)
		}
	}

	for _, row := range msg.Buttons {
		var components []discordgo.MessageComponent
		for _, b := range row {
			if b.URL != "" {
				components = append(components, discordgo.Button{Label: b.Text, Style: discordgo.LinkButton, URL: b.URL})
			} else {
				components = append(components, discordgo.Button{Label: b.Text, Style: discordgo.PrimaryButton, CustomID: b.Data})
			}
		}
		if len(components) > 0 {
			send.Components = append(send.Components, discordgo.ActionsRow{Components: components})
		}
	}
	return send
}

func buildEmbed(e *models.Embed) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		URL:         e.URL,
		Color:       e.Color,
	}
	if e.ImageURL != "" {
		embed.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
	}
	for _, f := range e.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return embed
}

// classify marks authentication failures as terminal: gateway close code
// 4004 or a 401 from the REST API.
func classify(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == 401 {
		return channel.Terminal(err)
	}
	if strings.Contains(err.Error(), "4004") {
		return channel.Terminal(fmt.Errorf("discord authentication failed: %w", err))
	}
	return err
}

// Package telegram adapts the Telegram Bot API to the channel contract.
// Updates are received by long polling getUpdates.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"channelgate/internal/channel"
	"channelgate/internal/models"
	"channelgate/internal/normalize"
)

const (
	CredentialBotToken    = "botToken"
	CredentialAPIEndpoint = "apiEndpoint"

	pollTimeoutSec         = 25
	maxConsecutiveFailures = 3
)

var Variant = channel.Variant{
	Type:         models.ChannelTypeTelegram,
	NewTransport: newTransport,
	Normalize: func(payload any) (models.InternalMessage, bool) {
		p, ok := payload.(normalize.TelegramPayload)
		if !ok {
			return models.InternalMessage{}, false
		}
		return normalize.Telegram(p)
	},
}

func Factory() channel.Factory { return Variant.Factory() }

type transport struct {
	token    string
	endpoint string
	log      *logrus.Entry
	pollWait time.Duration

	mu     sync.Mutex
	bot    *tgbotapi.BotAPI
	cancel context.CancelFunc
	done   chan struct{}
}

func newTransport(opts channel.Options) (channel.Transport, error) {
	if err := channel.RequireCredentials(opts.Credentials, CredentialBotToken); err != nil {
		return nil, err
	}
	endpoint := opts.Credentials.Get(CredentialAPIEndpoint)
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &transport{
		token:    opts.Credentials.Get(CredentialBotToken),
		endpoint: endpoint,
		log:      opts.Runtime.Component("telegram").WithField("channel_id", opts.ChannelID),
		pollWait: time.Second,
	}, nil
}

// ctxTransport binds every request to the receive loop's context, so Close
// aborts an in-flight long poll.
type ctxTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t ctxTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

func (t *transport) Open(ctx context.Context, h channel.Handler) error {
	t.Close(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	client := &http.Client{
		Timeout:   (pollTimeoutSec + 10) * time.Second,
		Transport: ctxTransport{ctx: loopCtx, base: http.DefaultTransport},
	}

	type result struct {
		bot *tgbotapi.BotAPI
		err error
	}
	ch := make(chan result, 1)
	go func() {
		bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, client)
		ch <- result{bot, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	if res.err != nil {
		cancel()
		return classify(res.err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.bot = res.bot
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	t.log.WithField("bot", res.bot.Self.UserName).Info("Telegram bot authorized")
	go t.receive(loopCtx, res.bot, h, done)
	return nil
}

func (t *transport) receive(ctx context.Context, bot *tgbotapi.BotAPI, h channel.Handler, done chan struct{}) {
	defer close(done)

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeoutSec
	failures := 0

	for ctx.Err() == nil {
		updates, err := bot.GetUpdates(cfg)
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
			t.log.WithError(err).WithField("failures", failures).Warn("Telegram poll failed")
			if failures >= maxConsecutiveFailures {
				h.HandleDrop(err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.pollWait):
			}
			continue
		}
		failures = 0

		for _, update := range updates {
			if update.UpdateID >= cfg.Offset {
				cfg.Offset = update.UpdateID + 1
			}
			msg := update.Message
			if msg == nil {
				msg = update.ChannelPost
			}
			if msg == nil {
				continue
			}
			h.HandlePayload(normalize.TelegramPayload{Message: msg})
		}
	}
}

func (t *transport) Close(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.bot, t.cancel, t.done = nil, nil, nil
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
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return "", errors.New("telegram bot is not connected")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c, err := buildChattable(msg)
	if err != nil {
		return "", err
	}
	sent, err := bot.Send(c)
	if err != nil {
		return "", classify(err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func buildChattable(msg models.OutgoingMessage) (tgbotapi.Chattable, error) {
	chatID, err := strconv.ParseInt(msg.RecipientID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q", msg.RecipientID)
	}
	replyTo := 0
	if msg.ReplyTo != "" {
		if replyTo, err = strconv.Atoi(msg.ReplyTo); err != nil {
			return nil, fmt.Errorf("invalid telegram reply id %q", msg.ReplyTo)
		}
	}
	markup := keyboard(msg.Buttons)

	if msg.Media == nil {
		m := tgbotapi.NewMessage(chatID, msg.Content)
		m.ReplyToMessageID = replyTo
		if markup != nil {
			m.ReplyMarkup = *markup
		}
		return m, nil
	}

	var file tgbotapi.RequestFileData
	if msg.Media.URL != "" {
		file = tgbotapi.FileURL(msg.Media.URL)
	} else {
		file = tgbotapi.FileBytes{Name: msg.Media.Filename, Bytes: msg.Media.Data}
	}

	var out tgbotapi.Chattable
	switch msg.Type {
	case models.MessageTypeImage:
		p := tgbotapi.NewPhoto(chatID, file)
		p.Caption = msg.Content
		p.ReplyToMessageID = replyTo
		if markup != nil {
			p.ReplyMarkup = *markup
		}
		out = p
	case models.MessageTypeVideo:
		v := tgbotapi.NewVideo(chatID, file)
		v.Caption = msg.Content
		v.ReplyToMessageID = replyTo
		out = v
	case models.MessageTypeAudio:
		a := tgbotapi.NewAudio(chatID, file)
		a.Caption = msg.Content
		a.ReplyToMessageID = replyTo
		out = a
	case models.MessageTypeSticker:
		s := tgbotapi.NewSticker(chatID, file)
		s.ReplyToMessageID = replyTo
		out = s
	default:
		d := tgbotapi.NewDocument(chatID, file)
		d.Caption = msg.Content
		d.ReplyToMessageID = replyTo
		if markup != nil {
			d.ReplyMarkup = *markup
		}
		out = d
	}
	return out, nil
}

func keyboard(rows [][]models.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	var kb [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		var buttons []tgbotapi.InlineKeyboardButton
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			} else {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
			}
		}
		if len(buttons) > 0 {
			kb = append(kb, tgbotapi.NewInlineKeyboardRow(buttons...))
		}
	}
	if len(kb) == 0 {
		return nil
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(kb...)
	return &markup
}

// classify marks revoked or invalid tokens as terminal.
func classify(err error) error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && (tgErr.Code == http.StatusUnauthorized || tgErr.Code == http.StatusForbidden) {
		return channel.Terminal(err)
	}
	return err
}

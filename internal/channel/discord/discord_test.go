package discord

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channelgate/internal/channel/channeltest"
	"channelgate/internal/models"
)

type fakeSession struct {
	mu       sync.Mutex
	openErr  error
	opens    int
	closes   int
	onMsg    func(*discordgo.Session, *discordgo.MessageCreate)
	onDisc   func(*discordgo.Session, *discordgo.Disconnect)
	lastSend *discordgo.MessageSend
	lastChan string
}

func (f *fakeSession) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return f.openErr
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closes++
	onDisc := f.onDisc
	f.mu.Unlock()
	if onDisc != nil {
		onDisc(nil, &discordgo.Disconnect{})
	}
	return nil
}

func (f *fakeSession) AddHandler(handler interface{}) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch h := handler.(type) {
	case func(*discordgo.Session, *discordgo.MessageCreate):
		f.onMsg = h
		return func() {
			f.mu.Lock()
			f.onMsg = nil
			f.mu.Unlock()
		}
	case func(*discordgo.Session, *discordgo.Disconnect):
		f.onDisc = h
		return func() {
			f.mu.Lock()
			f.onDisc = nil
			f.mu.Unlock()
		}
	}
	return func() {}
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastChan = channelID
	f.lastSend = data
	return &discordgo.Message{ID: "sent-1"}, nil
}

func (f *fakeSession) dispatch(m *discordgo.MessageCreate) {
	f.mu.Lock()
	h := f.onMsg
	f.mu.Unlock()
	h(nil, m)
}

func (f *fakeSession) disconnect() {
	f.mu.Lock()
	h := f.onDisc
	f.mu.Unlock()
	h(nil, &discordgo.Disconnect{})
}

func useFakeSession(t *testing.T, f *fakeSession) {
	prev := newSession
	newSession = func(string) (session, error) { return f, nil }
	t.Cleanup(func() { newSession = prev })
}

func TestDiscord_ReceiveAndSend(t *testing.T) {
	fake := &fakeSession{}
	useFakeSession(t, fake)
	h := channeltest.New(t, Factory(), models.Credentials{CredentialBotToken: "tok"})

	require.NoError(t, h.Adapter.Connect(context.Background()))
	fake.dispatch(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m1", ChannelID: "c1", Content: "hey", Timestamp: time.Now(),
		Author: &discordgo.User{ID: "u1", Username: "ada"},
	}})
	msg := h.NextMessage(t)
	assert.Equal(t, "hey", msg.Content)
	assert.Equal(t, "c1", msg.ConversationID)

	id, err := h.Adapter.SendMessage(context.Background(), models.OutgoingMessage{
		RecipientID: "c1",
		ThreadID:    "thread-9",
		Content:     "reply",
		ReplyTo:     "m1",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent-1", id)
	assert.Equal(t, "thread-9", fake.lastChan)
	assert.Equal(t, "m1", fake.lastSend.Reference.MessageID)
}

func TestDiscord_GatewayDisconnectSchedulesReconnect(t *testing.T) {
	fake := &fakeSession{}
	useFakeSession(t, fake)
	h := channeltest.New(t, Factory(), models.Credentials{CredentialBotToken: "tok"})
	require.NoError(t, h.Adapter.Connect(context.Background()))
	h.WaitStatus(t, models.StatusConnected)

	fake.disconnect()
	h.WaitStatus(t, models.StatusError)
	require.Eventually(t, func() bool { return h.Clock.Pending() == 1 }, time.Second, 5*time.Millisecond)

	h.Clock.Advance(time.Second)
	h.WaitStatus(t, models.StatusConnected)
}

func TestDiscord_AuthFailureIsTerminal(t *testing.T) {
	fake := &fakeSession{openErr: errors.New("websocket: close 4004: Authentication failed.")}
	useFakeSession(t, fake)
	h := channeltest.New(t, Factory(), models.Credentials{CredentialBotToken: "bad"})

	require.Error(t, h.Adapter.Connect(context.Background()))
	ev := h.WaitStatus(t, models.StatusError)
	assert.True(t, ev.Terminal)
	assert.Zero(t, h.Clock.Pending())
}

func TestBuildMessageSend(t *testing.T) {
	send := buildMessageSend(models.OutgoingMessage{
		Content: "report",
		Type:    models.MessageTypeDocument,
		Media:   &models.Media{Data: []byte("pdf-bytes"), Filename: "r.pdf", MimeType: "application/pdf"},
		Embed: &models.Embed{
			Title: "Status", Color: 0x00ff00, ImageURL: "https://x/i.png",
			Fields: []models.EmbedField{{Name: "Open", Value: "3", Inline: true}},
		},
		Buttons: [][]models.Button{{{Text: "Ack", Data: "ack"}, {Text: "Docs", URL: "https://x"}}},
	})

	require.Len(t, send.Files, 1)
	data, err := io.ReadAll(send.Files[0].Reader)
	require.NoError(t, err)
	assert.Equal(t, "pdf-bytes", string(data))
	assert.Equal(t, "r.pdf", send.Files[0].Name)

	require.Len(t, send.Embeds, 1)
	assert.Equal(t, "Status", send.Embeds[0].Title)
	assert.Equal(t, "https://x/i.png", send.Embeds[0].Image.URL)
	require.Len(t, send.Embeds[0].Fields, 1)

	require.Len(t, send.Components, 1)
	row := send.Components[0].(discordgo.ActionsRow)
	require.Len(t, row.Components, 2)
	assert.Equal(t, "ack", row.Components[0].(discordgo.Button).CustomID)
	assert.Equal(t, discordgo.LinkButton, row.Components[1].(discordgo.Button).Style)
}

func TestBuildMessageSend_MediaURL(t *testing.T) {
	img := buildMessageSend(models.OutgoingMessage{Type: models.MessageTypeImage, Media: &models.Media{URL: "https://x/cat.png"}})
	require.Len(t, img.Embeds, 1)
	assert.Equal(t, "https://x/cat.png", img.Embeds[0].Image.URL)

	doc := buildMessageSend(models.OutgoingMessage{Content: "see", Type: models.MessageTypeDocument, Media: &models.Media{URL: "https://x/a.pdf"}})
	assert.Equal(t, "see\nhttps://x/a.pdf", doc.Content)
}

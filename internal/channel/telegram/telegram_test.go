package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channelgate/internal/appctx"
	"channelgate/internal/channel"
	"channelgate/internal/channel/channeltest"
	"channelgate/internal/clock"
	apperrors "channelgate/internal/errors"
	"channelgate/internal/models"
)

type fakeBotAPI struct {
	mu       sync.Mutex
	token    string
	updates  []string
	sent     []map[string]string
	unauthed bool
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/bot"), "/")
	if len(parts) != 2 || parts[0] != f.token || f.unauthed {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
		return
	}
	_ = r.ParseForm()

	f.mu.Lock()
	defer f.mu.Unlock()
	switch parts[1] {
	case "getMe":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Gate","username":"gatebot"}}`))
	case "getUpdates":
		if len(f.updates) == 0 {
			// stand-in for the long poll
			time.Sleep(20 * time.Millisecond)
			_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
			return
		}
		u := f.updates[0]
		f.updates = f.updates[1:]
		_, _ = w.Write([]byte(`{"ok":true,"result":[` + u + `]}`))
	case "sendMessage", "sendPhoto":
		form := map[string]string{"method": parts[1]}
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		f.sent = append(f.sent, form)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":501,"date":1767225600,"chat":{"id":12345,"type":"private"}}}`))
	default:
		_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found: method"}`))
	}
}

func (f *fakeBotAPI) sentMessages() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.sent...)
}

func startBot(t *testing.T, api *fakeBotAPI) models.Credentials {
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	return models.Credentials{
		CredentialBotToken:    api.token,
		CredentialAPIEndpoint: server.URL + "/bot%s/%s",
	}
}

func TestTelegram_ReceiveAndSend(t *testing.T) {
	api := &fakeBotAPI{
		token: "123:abc",
		updates: []string{
			`{"update_id":10,"message":{"message_id":7,"date":1767225600,"text":"hello bot",
			  "chat":{"id":12345,"type":"private"},"from":{"id":12345,"is_bot":false,"first_name":"Ada","username":"ada"}}}`,
		},
	}
	h := channeltest.New(t, Factory(), startBot(t, api))

	require.NoError(t, h.Adapter.Connect(context.Background()))
	assert.Equal(t, models.StatusConnected, h.Adapter.Status())

	msg := h.NextMessage(t)
	assert.Equal(t, models.ChannelTypeTelegram, msg.ChannelType)
	assert.Equal(t, "hello bot", msg.Content)
	assert.Equal(t, "12345", msg.ConversationID)
	assert.Equal(t, "ada", msg.SenderUsername)

	id, err := h.Adapter.SendMessage(context.Background(), models.OutgoingMessage{
		RecipientID: "12345",
		Type:        models.MessageTypeText,
		Content:     "hi Ada",
		ReplyTo:     "7",
		Buttons:     [][]models.Button{{{Text: "Docs", URL: "https://example.com"}, {Text: "Ok", Data: "ok"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "501", id)

	sent := api.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "sendMessage", sent[0]["method"])
	assert.Equal(t, "hi Ada", sent[0]["text"])
	assert.Equal(t, "7", sent[0]["reply_to_message_id"])

	var markup struct {
		InlineKeyboard [][]map[string]string `json:"inline_keyboard"`
	}
	require.NoError(t, json.Unmarshal([]byte(sent[0]["reply_markup"]), &markup))
	require.Len(t, markup.InlineKeyboard, 1)
	assert.Equal(t, "https://example.com", markup.InlineKeyboard[0][0]["url"])
	assert.Equal(t, "ok", markup.InlineKeyboard[0][1]["callback_data"])
}

func TestTelegram_ReceivedMediaOmitsBotToken(t *testing.T) {
	api := &fakeBotAPI{
		token: "123:secret-token",
		updates: []string{
			`{"update_id":11,"message":{"message_id":8,"date":1767225600,"caption":"cat",
			  "chat":{"id":12345,"type":"private"},"from":{"id":12345,"is_bot":false,"first_name":"Ada"},
			  "photo":[{"file_id":"ph-1","file_unique_id":"u1","width":640,"height":480,"file_size":2048}]}}`,
		},
	}
	h := channeltest.New(t, Factory(), startBot(t, api))
	require.NoError(t, h.Adapter.Connect(context.Background()))

	msg := h.NextMessage(t)
	require.NotNil(t, msg.Media)
	assert.Equal(t, models.MessageTypeImage, msg.Type)
	assert.Equal(t, "ph-1", msg.Metadata["fileId"])
	assert.Empty(t, msg.Media.URL)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), api.token)
}

func TestTelegram_SendPhotoByURL(t *testing.T) {
	api := &fakeBotAPI{token: "123:abc"}
	h := channeltest.New(t, Factory(), startBot(t, api))
	require.NoError(t, h.Adapter.Connect(context.Background()))

	_, err := h.Adapter.SendMessage(context.Background(), models.OutgoingMessage{
		RecipientID: "12345",
		Type:        models.MessageTypeImage,
		Content:     "caption",
		Media:       &models.Media{URL: "https://example.com/cat.jpg"},
	})
	require.NoError(t, err)

	sent := api.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "sendPhoto", sent[0]["method"])
	assert.Equal(t, "https://example.com/cat.jpg", sent[0]["photo"])
	assert.Equal(t, "caption", sent[0]["caption"])
}

func TestTelegram_InvalidTokenIsTerminal(t *testing.T) {
	api := &fakeBotAPI{token: "123:abc", unauthed: true}
	h := channeltest.New(t, Factory(), startBot(t, api))

	err := h.Adapter.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeChannelConnection))

	ev := h.WaitStatus(t, models.StatusError)
	assert.True(t, ev.Terminal)
	assert.Zero(t, h.Clock.Pending(), "terminal failures must not schedule a reconnect")
}

func TestTelegram_InvalidChatID(t *testing.T) {
	_, err := buildChattable(models.OutgoingMessage{RecipientID: "not-a-number", Content: "x"})
	assert.Error(t, err)
}

func TestTelegram_MissingToken(t *testing.T) {
	a := Factory()()
	err := a.Initialize(channel.Options{
		ChannelID: "ch-1",
		Runtime:   appctx.NewForTest(clock.Real()),
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidConfig))
}

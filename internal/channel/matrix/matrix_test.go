package matrix

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

	"channelgate/internal/channel/channeltest"
	"channelgate/internal/models"
)

type fakeHomeserver struct {
	mu        sync.Mutex
	badToken  bool
	syncs     int
	pending   []string
	sentBody  map[string]any
	sentRooms []string
}

func (f *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if f.badToken {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errcode":"M_UNKNOWN_TOKEN","error":"Unknown access token"}`))
		return
	}
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/account/whoami"):
		_, _ = w.Write([]byte(`{"user_id":"@bot:example.org"}`))
	case strings.HasSuffix(path, "/filter"):
		_, _ = w.Write([]byte(`{"filter_id":"f1"}`))
	case strings.HasSuffix(path, "/sync"):
		f.mu.Lock()
		f.syncs++
		first := f.syncs == 1
		var events []string
		if !first {
			events, f.pending = f.pending, nil
		}
		f.mu.Unlock()
		if !first && len(events) == 0 {
			time.Sleep(20 * time.Millisecond)
		}
		_, _ = w.Write([]byte(`{"next_batch":"s` + time.Now().Format("150405.000000") + `","rooms":{"join":{"!room:example.org":{"timeline":{"events":[` + strings.Join(events, ",") + `]}}}}}`))
	case strings.Contains(path, "/send/m.room.message/"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.sentBody = body
		f.sentRooms = append(f.sentRooms, path)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"event_id":"$sent1"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errcode":"M_UNRECOGNIZED","error":"unknown"}`))
	}
}

func (f *fakeHomeserver) push(evt string) {
	f.mu.Lock()
	f.pending = append(f.pending, evt)
	f.mu.Unlock()
}

func startHomeserver(t *testing.T, hs *fakeHomeserver) models.Credentials {
	server := httptest.NewServer(hs)
	t.Cleanup(server.Close)
	return models.Credentials{
		CredentialHomeserver:  server.URL,
		CredentialUserID:      "@bot:example.org",
		CredentialAccessToken: "syt_token",
	}
}

func TestMatrix_ReceiveAndSend(t *testing.T) {
	hs := &fakeHomeserver{}
	h := channeltest.New(t, Factory(), startHomeserver(t, hs))
	require.NoError(t, h.Adapter.Connect(context.Background()))

	hs.push(`{"type":"m.room.message","event_id":"$own","sender":"@bot:example.org","origin_server_ts":1767225600000,
	  "content":{"msgtype":"m.text","body":"echo"}}`)
	hs.push(`{"type":"m.room.message","event_id":"$e1","sender":"@ada:example.org","origin_server_ts":1767225600000,
	  "content":{"msgtype":"m.text","body":"hello"}}`)

	msg := h.NextMessage(t)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "$e1", msg.ChannelMessageID)
	assert.Equal(t, "!room:example.org", msg.ConversationID)

	id, err := h.Adapter.SendMessage(context.Background(), models.OutgoingMessage{
		RecipientID: "!room:example.org",
		Content:     "hi",
		ReplyTo:     "$e1",
	})
	require.NoError(t, err)
	assert.Equal(t, "$sent1", id)

	hs.mu.Lock()
	body := hs.sentBody
	hs.mu.Unlock()
	assert.Equal(t, "m.text", body["msgtype"])
	assert.Equal(t, "hi", body["body"])
	rel := body["m.relates_to"].(map[string]any)
	assert.Equal(t, "$e1", rel["m.in_reply_to"].(map[string]any)["event_id"])
}

func TestMatrix_UnknownTokenIsTerminal(t *testing.T) {
	hs := &fakeHomeserver{badToken: true}
	h := channeltest.New(t, Factory(), startHomeserver(t, hs))

	require.Error(t, h.Adapter.Connect(context.Background()))
	ev := h.WaitStatus(t, models.StatusError)
	assert.True(t, ev.Terminal)
}

func TestMatrix_SendRejectsNonRoomRecipient(t *testing.T) {
	hs := &fakeHomeserver{}
	h := channeltest.New(t, Factory(), startHomeserver(t, hs))
	require.NoError(t, h.Adapter.Connect(context.Background()))

	_, err := h.Adapter.SendMessage(context.Background(), models.OutgoingMessage{RecipientID: "@ada:example.org", Content: "x"})
	assert.Error(t, err)
}

func TestBuildContent_MXCMediaInThread(t *testing.T) {
	tr := &transport{}
	content, err := tr.buildContent(context.Background(), nil, models.OutgoingMessage{
		Type:     models.MessageTypeImage,
		ThreadID: "$root",
		Media:    &models.Media{URL: "mxc://example.org/abc", Filename: "a.png", MimeType: "image/png", Size: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, "m.image", string(content.MsgType))
	assert.Equal(t, "a.png", content.Body)
	assert.Equal(t, "m.thread", string(content.RelatesTo.Type))
	assert.Equal(t, "$root", content.RelatesTo.EventID.String())
}

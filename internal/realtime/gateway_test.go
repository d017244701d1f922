package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"channelgate/internal/appctx"
	"channelgate/internal/broker"
	"channelgate/internal/channel"
	"channelgate/internal/clock"
	apperrors "channelgate/internal/errors"
	"channelgate/internal/identity"
	"channelgate/internal/manager"
	"channelgate/internal/models"
	"channelgate/internal/skills"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const tokenSecret = "gateway-test-secret"

type testGateway struct {
	gw     *Gateway
	srv    *httptest.Server
	issuer *identity.JWTValidator
}

type gatewayOpt func(*Options)

func newTestGateway(t *testing.T, b broker.Broker, opts ...gatewayOpt) *testGateway {
	t.Helper()
	v, err := identity.NewJWTValidator(tokenSecret)
	require.NoError(t, err)
	reg := skills.NewRegistry()
	skills.RegisterBuiltins(reg, nil)

	o := Options{Validator: v, Broker: b, Skills: reg}
	for _, opt := range opts {
		opt(&o)
	}
	gw := New(appctx.NewForTest(clock.Real()), o)
	require.NoError(t, gw.Start(context.Background()))
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Close(ctx)
		srv.Close()
	})
	return &testGateway{gw: gw, srv: srv, issuer: v}
}

func (tg *testGateway) token(t *testing.T, user, org string) string {
	t.Helper()
	tok, err := tg.issuer.Issue(identity.Identity{UserID: user, OrganizationID: org}, time.Hour)
	require.NoError(t, err)
	return tok
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	info ConnectedPayload
}

func (tg *testGateway) dial(t *testing.T, user, org string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(tg.srv.URL, "http")+"?token="+tg.token(t, user, org), nil)
	require.NoError(t, err)
	c := &testClient{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.CloseNow() })

	env := c.next()
	require.Equal(t, EventConnected, env.Event)
	require.NoError(t, json.Unmarshal(env.Data, &c.info))
	return c
}

func (c *testClient) send(event string, data interface{}) {
	c.t.Helper()
	raw, err := encode(event, data)
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, raw))
}

func (c *testClient) next() Envelope {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)
	var env Envelope
	require.NoError(c.t, json.Unmarshal(data, &env))
	return env
}

// waitFor skips frames until event arrives and decodes it into v.
func (c *testClient) waitFor(event string, v interface{}) {
	c.t.Helper()
	for {
		env := c.next()
		if env.Event != event {
			continue
		}
		if v != nil {
			require.NoError(c.t, json.Unmarshal(env.Data, v))
		}
		return
	}
}

// quiet asserts nothing arrives for a short while.
func (c *testClient) quiet() {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err == nil {
		c.t.Fatalf("unexpected frame %s", data)
	}
}

func (c *testClient) createSession(req SessionCreateRequest) models.Session {
	c.t.Helper()
	c.send(EventSessionCreate, req)
	for {
		// org members' announcements share the event name
		var s models.Session
		c.waitFor(EventSessionCreated, &s)
		if s.UserID == c.info.UserID {
			return s
		}
	}
}

func TestGateway_ConnectBindsRooms(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, "u-1", "org-1")

	assert.Equal(t, "u-1", c.info.UserID)
	assert.Equal(t, "org-1", c.info.OrganizationID)
	assert.Equal(t, tg.gw.rt.InstanceID, c.info.InstanceID)
	assert.NotEmpty(t, c.info.ClientID)

	require.NoError(t, tg.gw.BroadcastToUser(context.Background(), "u-1", "custom", map[string]string{"k": "user"}))
	c.waitFor("custom", nil)
	require.NoError(t, tg.gw.BroadcastToOrg(context.Background(), "org-1", "custom", map[string]string{"k": "org"}))
	c.waitFor("custom", nil)
	require.NoError(t, tg.gw.BroadcastAll(context.Background(), "custom", nil))
	c.waitFor("custom", nil)
	require.NoError(t, tg.gw.BroadcastToOrg(context.Background(), "org-2", "custom", nil))
	c.quiet()
}

type failingValidator struct{ err error }

func (f failingValidator) ValidateToken(context.Context, string) (*identity.Identity, error) {
	return nil, f.err
}

func TestGateway_AuthRejections(t *testing.T) {
	v, err := identity.NewJWTValidator(tokenSecret, identity.WithTimeFunc(func() time.Time { return time.Now().Add(-2 * time.Hour) }))
	require.NoError(t, err)
	expired, err := v.Issue(identity.Identity{UserID: "u", OrganizationID: "o"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name      string
		validator identity.Validator
		query     string
		wantCode  apperrors.ErrorCode
		wantClose websocket.StatusCode
	}{
		{"missing token", nil, "", apperrors.ErrCodeInvalidToken, 4001},
		{"garbage token", nil, "?token=nope", apperrors.ErrCodeInvalidToken, 4001},
		{"expired", nil, "?token=" + expired, apperrors.ErrCodeTokenExpired, 4002},
		{"forbidden", failingValidator{apperrors.NewAuthError(apperrors.ErrCodeInsufficientPermissions, "x")}, "?token=t", apperrors.ErrCodeInsufficientPermissions, 4003},
		{"identity down", failingValidator{errors.New("connection refused")}, "?token=t", apperrors.ErrCodeServiceUnavailable, 1013},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []gatewayOpt
			if tt.validator != nil {
				opts = append(opts, func(o *Options) { o.Validator = tt.validator })
			}
			tg := newTestGateway(t, nil, opts...)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(tg.srv.URL, "http")+tt.query, nil)
			require.NoError(t, err)
			defer conn.CloseNow()

			_, data, err := conn.Read(ctx)
			require.NoError(t, err)
			var env Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			assert.Equal(t, EventError, env.Event)
			var p ErrorPayload
			require.NoError(t, json.Unmarshal(env.Data, &p))
			assert.Equal(t, string(tt.wantCode), p.Code)

			_, _, err = conn.Read(ctx)
			assert.Equal(t, tt.wantClose, websocket.CloseStatus(err))
			assert.Empty(t, tg.gw.rooms.all(), "rejected clients never join rooms")
		})
	}
}

func TestGateway_SessionMessageFlow(t *testing.T) {
	tg := newTestGateway(t, nil)
	a := tg.dial(t, "u-a", "org-1")
	b := tg.dial(t, "u-b", "org-1")

	s := a.createSession(SessionCreateRequest{ChannelType: models.ChannelTypeWeb})
	require.NotEmpty(t, s.SessionID)
	assert.Equal(t, "org-1", s.OrganizationID)

	var announced models.Session
	b.waitFor(EventSessionCreated, &announced)
	assert.Equal(t, s.SessionID, announced.SessionID)

	b.send(EventSessionJoin, SessionRef{SessionID: s.SessionID})
	b.waitFor(EventSessionJoined, nil)
	b.send(EventSessionJoin, SessionRef{SessionID: s.SessionID})
	b.waitFor(EventSessionJoined, nil)

	a.send(EventMessageSend, MessageSendRequest{SessionID: s.SessionID, Content: "hello"})

	for _, c := range []*testClient{a, b} {
		var got MessageReceivedPayload
		c.waitFor(EventMessageReceived, &got)
		assert.Equal(t, s.SessionID, got.SessionID)
		assert.Equal(t, RoleUser, got.Role)
		assert.Equal(t, "hello", got.Content)
		assert.Equal(t, "u-a", got.UserID)
	}
	var sent MessageSentPayload
	a.waitFor(EventMessageSent, &sent)
	assert.Equal(t, MessageStatusDelivered, sent.Status)
	b.quiet()

	b.send(EventSessionLeave, SessionRef{SessionID: s.SessionID})
	b.waitFor(EventSessionLeft, nil)
	a.send(EventMessageSend, MessageSendRequest{SessionID: s.SessionID, Content: "again"})
	a.waitFor(EventMessageSent, nil)
	b.quiet()
}

func (tg *testGateway) hasSession(id string) bool {
	return tg.gw.session(id) != nil
}

func (tg *testGateway) sessionCount() int {
	tg.gw.sessMu.RLock()
	defer tg.gw.sessMu.RUnlock()
	return len(tg.gw.sessions)
}

func TestGateway_SessionEndsOnLeave(t *testing.T) {
	tg := newTestGateway(t, nil)
	a := tg.dial(t, "u-a", "org-1")
	b := tg.dial(t, "u-b", "org-1")

	solo := a.createSession(SessionCreateRequest{ChannelType: models.ChannelTypeWeb})
	require.True(t, tg.hasSession(solo.SessionID))
	a.send(EventSessionLeave, SessionRef{SessionID: solo.SessionID})
	a.waitFor(EventSessionLeft, nil)
	assert.False(t, tg.hasSession(solo.SessionID), "last member left")

	shared := a.createSession(SessionCreateRequest{ChannelType: models.ChannelTypeWeb})
	b.send(EventSessionJoin, SessionRef{SessionID: shared.SessionID})
	b.waitFor(EventSessionJoined, nil)
	b.send(EventSessionLeave, SessionRef{SessionID: shared.SessionID})
	b.waitFor(EventSessionLeft, nil)
	assert.True(t, tg.hasSession(shared.SessionID), "creator is still a member")

	b.send(EventSessionJoin, SessionRef{SessionID: shared.SessionID})
	b.waitFor(EventSessionJoined, nil)
	a.send(EventSessionLeave, SessionRef{SessionID: shared.SessionID})
	a.waitFor(EventSessionLeft, nil)
	assert.False(t, tg.hasSession(shared.SessionID), "creator left")
}

func TestGateway_SessionEndsOnDisconnect(t *testing.T) {
	tg := newTestGateway(t, nil)
	a := tg.dial(t, "u-a", "org-1")
	b := tg.dial(t, "u-b", "org-1")

	owned := b.createSession(SessionCreateRequest{ChannelType: models.ChannelTypeWeb})
	joined := a.createSession(SessionCreateRequest{ChannelType: models.ChannelTypeWeb})
	b.send(EventSessionJoin, SessionRef{SessionID: joined.SessionID})
	b.waitFor(EventSessionJoined, nil)
	require.Equal(t, 2, tg.sessionCount())

	require.NoError(t, b.conn.Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool { return !tg.hasSession(owned.SessionID) }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, tg.hasSession(joined.SessionID), "a still owns its session")

	require.NoError(t, a.conn.Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool { return tg.sessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_RequestErrors(t *testing.T) {
	tg := newTestGateway(t, nil)
	owner := tg.dial(t, "u-1", "org-1")
	outsider := tg.dial(t, "u-2", "org-2")
	s := owner.createSession(SessionCreateRequest{ChannelType: models.ChannelTypeWeb})

	tests := []struct {
		name  string
		event string
		data  interface{}
		want  apperrors.ErrorCode
	}{
		{"unknown event", "nope", nil, apperrors.ErrCodeInvalidInput},
		{"bad channel type", EventSessionCreate, SessionCreateRequest{ChannelType: "fax"}, apperrors.ErrCodeInvalidInput},
		{"missing session id", EventSessionJoin, SessionRef{}, apperrors.ErrCodeInvalidInput},
		{"empty message", EventMessageSend, MessageSendRequest{SessionID: s.SessionID}, apperrors.ErrCodeInvalidInput},
		{"foreign session join", EventSessionJoin, SessionRef{SessionID: s.SessionID}, apperrors.ErrCodeForbidden},
		{"foreign session send", EventMessageSend, MessageSendRequest{SessionID: s.SessionID, Content: "x"}, apperrors.ErrCodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outsider.send(tt.event, tt.data)
			var p ErrorPayload
			outsider.waitFor(EventError, &p)
			assert.Equal(t, string(tt.want), p.Code)
			assert.Equal(t, tt.event, p.Event)
		})
	}

	// unknown sessions may live on another instance
	outsider.send(EventSessionJoin, SessionRef{SessionID: "elsewhere"})
	outsider.waitFor(EventSessionJoined, nil)
}

func TestGateway_FanOutAcrossInstances(t *testing.T) {
	hub := broker.NewHub()
	one := newTestGateway(t, hub.Client())
	two := newTestGateway(t, hub.Client())

	a := one.dial(t, "u-a", "org-1")
	b := two.dial(t, "u-b", "org-1")

	s := a.createSession(SessionCreateRequest{ChannelType: models.ChannelTypeWeb})
	var announced models.Session
	b.waitFor(EventSessionCreated, &announced)
	assert.Equal(t, s.SessionID, announced.SessionID)

	b.send(EventSessionJoin, SessionRef{SessionID: s.SessionID})
	b.waitFor(EventSessionJoined, nil)

	require.NoError(t, one.gw.BroadcastToSession(context.Background(), s.SessionID, "ping", map[string]int{"n": 1}))
	b.waitFor("ping", nil)
	a.waitFor("ping", nil)
	a.quiet()

	a.send(EventMessageSend, MessageSendRequest{SessionID: s.SessionID, Content: "across"})
	var got MessageReceivedPayload
	b.waitFor(EventMessageReceived, &got)
	assert.Equal(t, "across", got.Content)
}

func TestGateway_BrokerOutageIsBestEffort(t *testing.T) {
	hub := broker.NewHub()
	tg := newTestGateway(t, hub.Client())
	c := tg.dial(t, "u-1", "org-1")

	hub.SetAvailable(false)
	require.NoError(t, tg.gw.BroadcastToOrg(context.Background(), "org-1", "local", nil))
	c.waitFor("local", nil)
	hub.SetAvailable(true)
}

func TestGateway_DuplicateFramesDropped(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, "u-1", "org-1")

	env, err := encode("dup", nil)
	require.NoError(t, err)
	raw, err := json.Marshal(frame{ID: "f-1", Origin: "other", Room: orgRoom("org-1"), Envelope: env})
	require.NoError(t, err)

	tg.gw.onFrame(raw)
	tg.gw.onFrame(raw)
	c.waitFor("dup", nil)
	c.quiet()

	own, err := json.Marshal(frame{ID: "f-2", Origin: tg.gw.rt.InstanceID, Room: orgRoom("org-1"), Envelope: env})
	require.NoError(t, err)
	tg.gw.onFrame(own)
	c.quiet()
}

func skillEvents(c *testClient, n int) []Envelope {
	var out []Envelope
	for len(out) < n {
		env := c.next()
		if strings.HasPrefix(env.Event, "skill.") {
			out = append(out, env)
		}
	}
	return out
}

func TestGateway_SkillExecution(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, "u-1", "org-1")
	s := c.createSession(SessionCreateRequest{ChannelType: models.ChannelTypeWeb})

	c.send(EventSkillExecute, SkillExecuteRequest{SessionID: s.SessionID, SkillName: "echo", Params: map[string]interface{}{"say": "hi"}})
	events := skillEvents(c, 3)
	assert.Equal(t, []string{EventSkillStarted, EventSkillProgress, EventSkillCompleted},
		[]string{events[0].Event, events[1].Event, events[2].Event})

	var done SkillEventPayload
	require.NoError(t, json.Unmarshal(events[2].Data, &done))
	assert.Equal(t, map[string]interface{}{"say": "hi"}, done.Result)
	assert.Equal(t, s.SessionID, done.SessionID)

	c.send(EventSkillExecute, SkillExecuteRequest{SessionID: s.SessionID, SkillName: "missing"})
	events = skillEvents(c, 2)
	assert.Equal(t, EventSkillStarted, events[0].Event)
	assert.Equal(t, EventSkillError, events[1].Event)
}

type panicSkills struct{}

func (panicSkills) Execute(context.Context, skills.Call, skills.ProgressFunc) (interface{}, error) {
	panic("boom")
}

func TestGateway_SkillPanicBecomesError(t *testing.T) {
	tg := newTestGateway(t, nil, func(o *Options) { o.Skills = panicSkills{} })
	c := tg.dial(t, "u-1", "org-1")
	s := c.createSession(SessionCreateRequest{ChannelType: models.ChannelTypeWeb})

	c.send(EventSkillExecute, SkillExecuteRequest{SessionID: s.SessionID, SkillName: "any"})
	events := skillEvents(c, 2)
	assert.Equal(t, EventSkillError, events[1].Event)
}

type fakeRouter struct {
	mu   sync.Mutex
	info manager.ChannelInfo
	sent []models.OutgoingMessage
	err  error
}

func (f *fakeRouter) Lookup(id string) (manager.ChannelInfo, bool) {
	return f.info, id == f.info.ChannelID
}

func (f *fakeRouter) RouteOutbound(ctx context.Context, id string, msg models.OutgoingMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "ext-1", nil
}

func TestGateway_RoutesBoundSessions(t *testing.T) {
	router := &fakeRouter{info: manager.ChannelInfo{ChannelID: "tg-1", OrganizationID: "org-1"}}
	tg := newTestGateway(t, nil, func(o *Options) { o.Router = router })
	c := tg.dial(t, "u-1", "org-1")

	s := c.createSession(SessionCreateRequest{
		ChannelType: models.ChannelTypeTelegram,
		ChannelID:   "tg-1",
		Context:     map[string]interface{}{"recipientId": "42"},
	})
	c.send(EventMessageSend, MessageSendRequest{SessionID: s.SessionID, Content: "to telegram"})
	var ok MessageSentPayload
	c.waitFor(EventMessageSent, &ok)
	assert.Equal(t, MessageStatusDelivered, ok.Status)

	router.mu.Lock()
	require.Len(t, router.sent, 1)
	assert.Equal(t, "42", router.sent[0].RecipientID)
	assert.Equal(t, "to telegram", router.sent[0].Content)
	router.err = apperrors.NewChannelNotConnectedError("tg-1", "error")
	router.mu.Unlock()

	c.send(EventMessageSend, MessageSendRequest{SessionID: s.SessionID, Content: "fails"})
	c.waitFor(EventMessageReceived, nil)
	var p ErrorPayload
	c.waitFor(EventError, &p)
	assert.Equal(t, string(apperrors.ErrCodeChannelNotConnected), p.Code)
	var failed MessageSentPayload
	c.waitFor(EventMessageSent, &failed)
	assert.Equal(t, MessageStatusFailed, failed.Status)
}

func TestGateway_SinkAndPush(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, "u-1", "org-1")
	ref := manager.ChannelRef{ChannelID: "ch-1", OrganizationID: "org-1", ChannelType: models.ChannelTypeTelegram}
	ctx := context.Background()

	tg.gw.OnChannelMessage(ctx, ref, models.InternalMessage{MessageID: "m-1", Content: "from telegram", ConversationID: "42"})
	var got MessageReceivedPayload
	c.waitFor(EventMessageReceived, &got)
	assert.Equal(t, RoleChannel, got.Role)
	assert.Equal(t, "ch-1", got.ChannelID)
	require.NotNil(t, got.Message)
	assert.Equal(t, "42", got.Message.ConversationID)

	tg.gw.OnChannelStatus(ctx, ref, channel.StatusEvent{Status: models.StatusError, Err: errors.New("token revoked")})
	var status ChannelStatusPayload
	c.waitFor(EventChannelStatus, &status)
	assert.Equal(t, models.StatusError, status.Status)
	assert.Equal(t, "token revoked", status.Error)

	s := c.createSession(SessionCreateRequest{ChannelType: models.ChannelTypeWeb, ChannelID: "web-1"})
	id, err := tg.gw.Push(ctx, "web-1", models.OutgoingMessage{RecipientID: s.SessionID, Content: "reply"})
	require.NoError(t, err)
	c.waitFor(EventMessageReceived, &got)
	assert.Equal(t, id, got.MessageID)
	assert.Equal(t, RoleAgent, got.Role)

	_, err = tg.gw.Push(ctx, "web-2", models.OutgoingMessage{RecipientID: s.SessionID, Content: "x"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
}

func TestGateway_DrainAndClose(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, "u-1", "org-1")

	tg.gw.Drain(context.Background())
	var p ShutdownPayload
	c.waitFor(EventServerShutdown, &p)
	assert.Equal(t, tg.gw.rt.InstanceID, p.InstanceID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(tg.srv.URL, "http")+"?token="+tg.token(t, "u-2", "org-1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, tg.gw.Close(ctx))
	_, _, err = c.conn.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	assert.Empty(t, tg.gw.rooms.all())
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"header", "Bearer abc", "", "abc"},
		{"lowercase scheme", "bearer abc", "", "abc"},
		{"other scheme", "Basic abc", "token=q", ""},
		{"query", "", "token=q", "q"},
		{"none", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws?"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, bearerToken(r))
		})
	}
}

func TestSeenSet(t *testing.T) {
	s := newSeenSet(2)
	assert.True(t, s.add("a"))
	assert.False(t, s.add("a"))
	assert.True(t, s.add("b"))
	assert.True(t, s.add("c"))
	assert.True(t, s.add("a"), "oldest id is evicted")
}

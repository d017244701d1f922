// Package realtime is the client-facing WebSocket gateway. It authenticates
// clients, binds them to rooms and fans room broadcasts out through a shared
// broker so clients on every instance receive them.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"channelgate/internal/appctx"
	"channelgate/internal/broker"
	"channelgate/internal/constants"
	apperrors "channelgate/internal/errors"
	"channelgate/internal/identity"
	"channelgate/internal/manager"
	"channelgate/internal/models"
	"channelgate/internal/privacy"
	"channelgate/internal/skills"
)

const seenFrames = 4096

// Router is the part of the channel manager the gateway routes through.
type Router interface {
	Lookup(channelID string) (manager.ChannelInfo, bool)
	RouteOutbound(ctx context.Context, channelID string, msg models.OutgoingMessage) (string, error)
}

type SkillExecutor interface {
	Execute(ctx context.Context, call skills.Call, progress skills.ProgressFunc) (interface{}, error)
}

type Options struct {
	Config         models.GatewayConfig
	Validator      identity.Validator
	Broker         broker.Broker
	Topic          string
	Router         Router
	Skills         SkillExecutor
	AllowedOrigins []string
	AuthTimeout    time.Duration
}

// frame is a broadcast as carried on the broker.
type frame struct {
	ID       string          `json:"id"`
	Origin   string          `json:"origin"`
	Room     string          `json:"room"`
	Exclude  string          `json:"exclude,omitempty"`
	Envelope json.RawMessage `json:"envelope"`
}

type Gateway struct {
	rt          *appctx.Runtime
	log         *logrus.Entry
	cfg         models.GatewayConfig
	validator   identity.Validator
	broker      broker.Broker
	topic       string
	router      Router
	skills      SkillExecutor
	origins     []string
	authTimeout time.Duration

	rooms *rooms
	seen  *seenSet

	sessMu   sync.RWMutex
	sessions map[string]*models.Session

	mu       sync.Mutex
	draining atomic.Bool
	closed   bool
	conns    sync.WaitGroup
	tasks    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(rt *appctx.Runtime, opts Options) *Gateway {
	cfg := opts.Config
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = constants.DefaultClientSendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = constants.DefaultClientWriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = constants.DefaultMaxClientMessageBytes
	}
	topic := opts.Topic
	if topic == "" {
		topic = constants.DefaultBroadcastTopic
	}
	authTimeout := opts.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = constants.DefaultIdentityTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		rt:          rt,
		log:         rt.Component("gateway"),
		cfg:         cfg,
		validator:   opts.Validator,
		broker:      opts.Broker,
		topic:       topic,
		router:      opts.Router,
		skills:      opts.Skills,
		origins:     opts.AllowedOrigins,
		authTimeout: authTimeout,
		rooms:       newRooms(),
		seen:        newSeenSet(seenFrames),
		sessions:    make(map[string]*models.Session),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to the broadcast topic. Without a broker the gateway
// only delivers locally.
func (g *Gateway) Start(ctx context.Context) error {
	if g.broker == nil {
		return nil
	}
	if err := g.broker.Subscribe(g.ctx, g.topic, g.onFrame); err != nil {
		return err
	}
	g.log.WithField("topic", g.topic).Info("Subscribed to broadcast topic")
	return nil
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.track() {
		http.Error(w, "gateway is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.conns.Done()

	// Server read and write timeouts must not apply to the upgraded socket.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.origins})
	if err != nil {
		g.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(g.cfg.MaxMessageBytes)

	id := uuid.NewString()
	c := newClient(id, conn, g.cfg.SendBuffer, g.cfg.WriteTimeout, g.log.WithField(constants.LogFieldClientID, id))

	ident, err := g.authenticate(r.Context(), bearerToken(r))
	if err != nil {
		g.reject(c, err)
		return
	}
	c.identity = ident
	c.log = c.log.WithFields(logrus.Fields{
		constants.LogFieldUserID:         privacy.MaskUserID(ident.UserID),
		constants.LogFieldOrganizationID: ident.OrganizationID,
	})
	c.setState(StateAuthenticated)

	g.rooms.add(c)
	g.rooms.join(c, orgRoom(ident.OrganizationID))
	g.rooms.join(c, userRoom(ident.UserID))
	g.rt.Metrics.ClientConnections.Inc()
	go c.writeLoop()

	c.emit(EventConnected, ConnectedPayload{
		ClientID:       c.id,
		UserID:         ident.UserID,
		OrganizationID: ident.OrganizationID,
		InstanceID:     g.rt.InstanceID,
	})
	c.setState(StateActive)
	c.log.Info("Client connected")

	g.readLoop(r.Context(), c)

	c.close(websocket.StatusNormalClosure, "")
	<-c.writeDone
	g.releaseSessions(c, g.rooms.remove(c))
	c.setState(StateDisconnected)
	g.rt.Metrics.ClientConnections.Dec()
	c.log.Info("Client disconnected")
}

func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.draining.Load() {
		return false
	}
	g.conns.Add(1)
	return true
}

func (g *Gateway) authenticate(ctx context.Context, token string) (*identity.Identity, error) {
	if g.validator == nil {
		return nil, apperrors.NewAuthError(apperrors.ErrCodeServiceUnavailable, "no identity validator configured")
	}
	if token == "" {
		return nil, apperrors.NewAuthError(apperrors.ErrCodeInvalidToken, "missing token")
	}
	ctx, cancel := context.WithTimeout(ctx, g.authTimeout)
	defer cancel()
	return g.validator.ValidateToken(ctx, token)
}

// reject tells the client why and closes with the matching code. The
// client is never added to a room.
func (g *Gateway) reject(c *client, err error) {
	code := apperrors.GetCode(err)
	switch code {
	case apperrors.ErrCodeInvalidToken, apperrors.ErrCodeTokenExpired, apperrors.ErrCodeInsufficientPermissions:
	default:
		code = apperrors.ErrCodeServiceUnavailable
	}
	g.rt.Metrics.AuthFailures.WithLabelValues(string(code)).Inc()
	c.log.WithField("error_code", code).Warn("Client authentication failed")

	if payload, encErr := encode(EventError, ErrorPayload{Code: string(code), Message: apperrors.GetUserMessage(err)}); encErr == nil {
		_ = c.write(payload)
	}
	_ = c.conn.Close(closeCodeFor(code), string(code))
	c.setState(StateDisconnected)
}

func closeCodeFor(code apperrors.ErrorCode) websocket.StatusCode {
	switch code {
	case apperrors.ErrCodeInvalidToken:
		return constants.CloseInvalidToken
	case apperrors.ErrCodeTokenExpired:
		return constants.CloseTokenExpired
	case apperrors.ErrCodeInsufficientPermissions:
		return constants.CloseInsufficientPerms
	}
	return constants.CloseServiceUnavailable
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func (g *Gateway) readLoop(ctx context.Context, c *client) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 {
				c.log.WithError(err).Debug("Client read ended")
			}
			return
		}
		if typ != websocket.MessageText {
			c.emitError(apperrors.New(apperrors.ErrCodeInvalidInput, "binary frames are not supported"), "")
			continue
		}
		g.handle(ctx, c, data)
	}
}

func (c *client) emit(event string, data interface{}) {
	payload, err := encode(event, data)
	if err != nil {
		c.log.WithError(err).WithField(constants.LogFieldEvent, event).Error("Failed to encode event")
		return
	}
	c.enqueue(payload)
}

func (c *client) emitError(err error, event string) {
	c.emit(EventError, ErrorPayload{
		Code:    string(apperrors.GetCode(err)),
		Message: apperrors.GetUserMessage(err),
		Event:   event,
	})
}

// BroadcastToOrg delivers to every client of the organization.
func (g *Gateway) BroadcastToOrg(ctx context.Context, orgID, event string, data interface{}) error {
	return g.broadcast(ctx, orgRoom(orgID), event, data, "")
}

func (g *Gateway) BroadcastToSession(ctx context.Context, sessionID, event string, data interface{}) error {
	return g.broadcast(ctx, sessionRoom(sessionID), event, data, "")
}

func (g *Gateway) BroadcastToUser(ctx context.Context, userID, event string, data interface{}) error {
	return g.broadcast(ctx, userRoom(userID), event, data, "")
}

// BroadcastAll delivers to every connected client on every instance.
func (g *Gateway) BroadcastAll(ctx context.Context, event string, data interface{}) error {
	return g.broadcast(ctx, "", event, data, "")
}

// broadcast delivers locally and then publishes. A failed publish is logged
// and counted; local delivery has already happened.
func (g *Gateway) broadcast(ctx context.Context, room, event string, data interface{}, exclude string) error {
	envelope, err := encode(event, data)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode broadcast")
	}
	g.deliver(room, envelope, exclude)

	if g.broker == nil {
		g.rt.Metrics.Broadcasts.WithLabelValues("local", "ok").Inc()
		return nil
	}
	f := frame{ID: uuid.NewString(), Origin: g.rt.InstanceID, Room: room, Exclude: exclude, Envelope: envelope}
	g.seen.add(f.ID)
	raw, err := json.Marshal(f)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode broadcast frame")
	}
	if err := g.broker.Publish(ctx, g.topic, raw); err != nil {
		g.rt.Metrics.Broadcasts.WithLabelValues("local", "publish_failed").Inc()
		apperrors.LogWarn(g.log.WithFields(logrus.Fields{constants.LogFieldRoom: room, constants.LogFieldEvent: event}), err, "Broadcast publish failed, delivered locally only")
		return nil
	}
	g.rt.Metrics.Broadcasts.WithLabelValues("local", "ok").Inc()
	return nil
}

func (g *Gateway) onFrame(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		g.log.WithError(err).Warn("Dropping malformed broadcast frame")
		return
	}
	if f.Origin == g.rt.InstanceID || !g.seen.add(f.ID) {
		return
	}
	g.deliver(f.Room, f.Envelope, f.Exclude)
	g.rt.Metrics.Broadcasts.WithLabelValues("remote", "ok").Inc()
}

func (g *Gateway) deliver(room string, envelope []byte, exclude string) {
	for _, c := range g.rooms.targets(room) {
		if c.id == exclude {
			continue
		}
		c.enqueue(envelope)
	}
}

// Drain stops accepting clients and tells every connected client the
// instance is going away.
func (g *Gateway) Drain(ctx context.Context) {
	g.guard("drain", func() {
		g.draining.Store(true)
		clients := g.rooms.all()
		for _, c := range clients {
			c.emit(EventServerShutdown, ShutdownPayload{InstanceID: g.rt.InstanceID, Reason: "shutdown"})
		}
		g.log.WithField("clients", len(clients)).Info("Gateway draining")
	})
}

// Close disconnects every client, stops running skills and then closes the
// broker. Each step runs even if an earlier one fails.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	var errs []string
	g.guard("close clients", func() {
		for _, c := range g.rooms.all() {
			c.close(websocket.StatusGoingAway, "server shutdown")
		}
		if !waitGroup(ctx, &g.conns) {
			errs = append(errs, "clients did not disconnect in time")
		}
	})
	g.guard("stop skills", func() {
		g.cancel()
		if !waitGroup(ctx, &g.tasks) {
			errs = append(errs, "skill executions did not stop in time")
		}
	})
	g.guard("close broker", func() {
		if g.broker == nil {
			return
		}
		if err := g.broker.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	})
	if len(errs) > 0 {
		return apperrors.New(apperrors.ErrCodeInternalError, fmt.Sprintf("gateway close: %s", strings.Join(errs, "; ")))
	}
	g.log.Info("Gateway closed")
	return nil
}

func (g *Gateway) guard(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.log.WithField("step", step).Errorf("Gateway shutdown step panicked: %v", r)
		}
	}()
	fn()
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

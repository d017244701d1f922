package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"channelgate/internal/channel"
	"channelgate/internal/constants"
	apperrors "channelgate/internal/errors"
	"channelgate/internal/manager"
	"channelgate/internal/models"
	"channelgate/internal/skills"
)

type validatable interface{ Validate() error }

func (g *Gateway) handle(ctx context.Context, c *client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		c.emitError(apperrors.New(apperrors.ErrCodeInvalidInput, "malformed envelope").WithUserMessage("Malformed envelope"), "")
		return
	}

	var err error
	switch env.Event {
	case EventSessionCreate:
		err = g.sessionCreate(ctx, c, env.Data)
	case EventSessionJoin:
		err = g.sessionJoin(c, env.Data)
	case EventSessionLeave:
		err = g.sessionLeave(c, env.Data)
	case EventMessageSend:
		err = g.messageSend(ctx, c, env.Data)
	case EventSkillExecute:
		err = g.skillExecute(c, env.Data)
	default:
		err = apperrors.New(apperrors.ErrCodeInvalidInput, "unknown event").
			WithUserMessage(fmt.Sprintf("Unknown event %q", env.Event))
	}
	if err != nil {
		c.log.WithError(err).WithField(constants.LogFieldEvent, env.Event).Debug("Client request failed")
		c.emitError(err, env.Event)
	}
}

func decode(data json.RawMessage, v validatable) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.NewInvalidInputError(err)
	}
	if err := v.Validate(); err != nil {
		return apperrors.NewInvalidInputError(err)
	}
	return nil
}

func (g *Gateway) session(id string) *models.Session {
	g.sessMu.RLock()
	defer g.sessMu.RUnlock()
	return g.sessions[id]
}

// authorize refuses sessions known to belong to another organization.
// Unknown ids may be owned by another instance and are allowed.
func (g *Gateway) authorize(c *client, sessionID string) (*models.Session, error) {
	s := g.session(sessionID)
	if s != nil && s.OrganizationID != c.identity.OrganizationID {
		return nil, apperrors.NewForbiddenError("session", sessionID)
	}
	return s, nil
}

func (g *Gateway) touch(s *models.Session) {
	if s == nil {
		return
	}
	g.sessMu.Lock()
	s.LastActivity = g.rt.Clock.Now()
	g.sessMu.Unlock()
}

func (g *Gateway) sessionCreate(ctx context.Context, c *client, data json.RawMessage) error {
	var req SessionCreateRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	now := g.rt.Clock.Now()
	s := &models.Session{
		SessionID:       uuid.NewString(),
		OrganizationID:  c.identity.OrganizationID,
		UserID:          c.identity.UserID,
		ChannelType:     req.ChannelType,
		ChannelID:       req.ChannelID,
		Context:         req.Context,
		Active:          true,
		CreatedAt:       now,
		LastActivity:    now,
		CreatorClientID: c.id,
	}
	g.sessMu.Lock()
	g.sessions[s.SessionID] = s
	view := *s
	g.sessMu.Unlock()

	g.rooms.join(c, sessionRoom(s.SessionID))
	c.emit(EventSessionCreated, view)
	c.log.WithField(constants.LogFieldSessionID, s.SessionID).Debug("Session created")
	return g.broadcast(ctx, orgRoom(s.OrganizationID), EventSessionCreated, view, c.id)
}

func (g *Gateway) sessionJoin(c *client, data json.RawMessage) error {
	var req SessionRef
	if err := decode(data, &req); err != nil {
		return err
	}
	s, err := g.authorize(c, req.SessionID)
	if err != nil {
		return err
	}
	g.rooms.join(c, sessionRoom(req.SessionID))
	g.touch(s)
	c.emit(EventSessionJoined, req)
	return nil
}

func (g *Gateway) sessionLeave(c *client, data json.RawMessage) error {
	var req SessionRef
	if err := decode(data, &req); err != nil {
		return err
	}
	_, empty := g.rooms.leave(c, sessionRoom(req.SessionID))
	g.endSession(c, req.SessionID, empty)
	c.emit(EventSessionLeft, req)
	return nil
}

// endSession destroys a local session once its room is empty or its
// creator has left.
func (g *Gateway) endSession(c *client, sessionID string, empty bool) {
	g.sessMu.Lock()
	s, ok := g.sessions[sessionID]
	if !ok || (!empty && s.CreatorClientID != c.id) {
		g.sessMu.Unlock()
		return
	}
	s.Active = false
	delete(g.sessions, sessionID)
	g.sessMu.Unlock()
	c.log.WithField(constants.LogFieldSessionID, sessionID).Debug("Session ended")
}

// releaseSessions ends every session created by c and every session whose
// room c left empty on disconnect.
func (g *Gateway) releaseSessions(c *client, emptied []string) {
	gone := make(map[string]struct{}, len(emptied))
	for _, room := range emptied {
		if id, ok := strings.CutPrefix(room, sessionPrefix); ok {
			gone[id] = struct{}{}
		}
	}
	g.sessMu.Lock()
	var ended int
	for id, s := range g.sessions {
		if _, ok := gone[id]; ok || s.CreatorClientID == c.id {
			s.Active = false
			delete(g.sessions, id)
			ended++
		}
	}
	g.sessMu.Unlock()
	if ended > 0 {
		c.log.WithField("sessions", ended).Debug("Sessions ended on disconnect")
	}
}

func (g *Gateway) messageSend(ctx context.Context, c *client, data json.RawMessage) error {
	var req MessageSendRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	s, err := g.authorize(c, req.SessionID)
	if err != nil {
		return err
	}
	g.touch(s)

	received := MessageReceivedPayload{
		SessionID:   req.SessionID,
		MessageID:   uuid.NewString(),
		Role:        RoleUser,
		Content:     req.Content,
		Attachments: req.Attachments,
		UserID:      c.identity.UserID,
		Timestamp:   g.rt.Clock.Now().UTC(),
	}
	if err := g.broadcast(ctx, sessionRoom(req.SessionID), EventMessageReceived, received, ""); err != nil {
		return err
	}

	status := MessageStatusDelivered
	if err := g.routeSessionMessage(ctx, c, s, req); err != nil {
		c.emitError(err, EventMessageSend)
		status = MessageStatusFailed
	}

	c.emit(EventMessageSent, MessageSentPayload{SessionID: req.SessionID, MessageID: received.MessageID, Status: status})
	return nil
}

// routeSessionMessage forwards a client message to the session's external
// channel when the session names one and a recipient.
func (g *Gateway) routeSessionMessage(ctx context.Context, c *client, s *models.Session, req MessageSendRequest) error {
	if s == nil || g.router == nil || s.ChannelType == models.ChannelTypeWeb || s.ChannelID == "" {
		return nil
	}
	recipient := s.ContextString("recipientId")
	if recipient == "" {
		return nil
	}
	info, ok := g.router.Lookup(s.ChannelID)
	if !ok {
		return apperrors.NewChannelNotFoundError(s.ChannelID)
	}
	if info.OrganizationID != c.identity.OrganizationID {
		return apperrors.NewForbiddenError("channel", s.ChannelID)
	}

	msg := models.OutgoingMessage{RecipientID: recipient, Type: models.MessageTypeText, Content: req.Content}
	if len(req.Attachments) > 0 {
		media := req.Attachments[0]
		msg.Media = &media
	}
	_, err := g.router.RouteOutbound(ctx, s.ChannelID, msg)
	return err
}

func (g *Gateway) skillExecute(c *client, data json.RawMessage) error {
	if g.skills == nil {
		return apperrors.New(apperrors.ErrCodeServiceUnavailable, "skills are not enabled").WithUserMessage("Skills are not enabled")
	}
	var req SkillExecuteRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	s, err := g.authorize(c, req.SessionID)
	if err != nil {
		return err
	}
	g.touch(s)

	call := skills.Call{
		ExecutionID:    uuid.NewString(),
		Name:           req.SkillName,
		SessionID:      req.SessionID,
		UserID:         c.identity.UserID,
		OrganizationID: c.identity.OrganizationID,
		Params:         req.Params,
	}
	g.tasks.Add(1)
	go g.runSkill(call)
	return nil
}

// runSkill emits started, progress and exactly one terminal event for the
// execution, in that order, from this goroutine.
func (g *Gateway) runSkill(call skills.Call) {
	defer g.tasks.Done()
	ctx := g.ctx
	log := g.log.WithFields(logrus.Fields{
		constants.LogFieldSessionID:   call.SessionID,
		constants.LogFieldExecutionID: call.ExecutionID,
	})
	event := func(e string, p SkillEventPayload) {
		p.SessionID = call.SessionID
		p.ExecutionID = call.ExecutionID
		p.SkillName = call.Name
		p.Timestamp = g.rt.Clock.Now().UTC()
		if err := g.broadcast(ctx, sessionRoom(call.SessionID), e, p, ""); err != nil {
			log.WithError(err).Warn("Skill event broadcast failed")
		}
	}

	event(EventSkillStarted, SkillEventPayload{})

	var (
		mu       sync.Mutex
		finished bool
	)
	progress := func(v interface{}) {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		event(EventSkillProgress, SkillEventPayload{Progress: v})
	}

	result, err := g.execute(ctx, call, progress)

	mu.Lock()
	finished = true
	mu.Unlock()

	if err != nil {
		g.rt.Metrics.SkillExecutions.WithLabelValues(call.Name, "error").Inc()
		event(EventSkillError, SkillEventPayload{Error: apperrors.GetUserMessage(err)})
		return
	}
	g.rt.Metrics.SkillExecutions.WithLabelValues(call.Name, "ok").Inc()
	event(EventSkillCompleted, SkillEventPayload{Result: result})
}

func (g *Gateway) execute(ctx context.Context, call skills.Call, progress skills.ProgressFunc) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrCodeInternalError, fmt.Sprintf("skill panicked: %v", r)).
				WithUserMessage("Skill failed")
		}
	}()
	return g.skills.Execute(ctx, call, progress)
}

// OnChannelMessage forwards an adapter message to the channel's organization.
func (g *Gateway) OnChannelMessage(ctx context.Context, ref manager.ChannelRef, msg models.InternalMessage) {
	payload := MessageReceivedPayload{
		MessageID:   msg.MessageID,
		Role:        RoleChannel,
		Content:     msg.Content,
		ChannelID:   ref.ChannelID,
		ChannelType: ref.ChannelType,
		Message:     &msg,
		Timestamp:   msg.Timestamp,
	}
	if err := g.BroadcastToOrg(ctx, ref.OrganizationID, EventMessageReceived, payload); err != nil {
		g.log.WithError(err).WithField(constants.LogFieldChannelID, ref.ChannelID).Warn("Channel message broadcast failed")
	}
}

func (g *Gateway) OnChannelStatus(ctx context.Context, ref manager.ChannelRef, ev channel.StatusEvent) {
	payload := ChannelStatusPayload{
		ChannelID:   ref.ChannelID,
		ChannelType: ref.ChannelType,
		Status:      ev.Status,
	}
	if ev.Err != nil {
		payload.Error = ev.Detail()
	}
	if err := g.BroadcastToOrg(ctx, ref.OrganizationID, EventChannelStatus, payload); err != nil {
		g.log.WithError(err).WithField(constants.LogFieldChannelID, ref.ChannelID).Warn("Channel status broadcast failed")
	}
}

// Push delivers an outbound web-channel message to the session named by
// the recipient id.
func (g *Gateway) Push(ctx context.Context, channelID string, msg models.OutgoingMessage) (string, error) {
	if s := g.session(msg.RecipientID); s != nil && s.ChannelID != "" && s.ChannelID != channelID {
		return "", apperrors.NewForbiddenError("session", msg.RecipientID)
	}
	payload := MessageReceivedPayload{
		SessionID:   msg.RecipientID,
		MessageID:   uuid.NewString(),
		Role:        RoleAgent,
		Content:     msg.Content,
		ChannelID:   channelID,
		ChannelType: models.ChannelTypeWeb,
		Timestamp:   g.rt.Clock.Now().UTC(),
	}
	if msg.Media != nil {
		payload.Attachments = []models.Media{*msg.Media}
	}
	if err := g.BroadcastToSession(ctx, msg.RecipientID, EventMessageReceived, payload); err != nil {
		return "", err
	}
	return payload.MessageID, nil
}

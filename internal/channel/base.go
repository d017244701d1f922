package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"channelgate/internal/constants"
	apperrors "channelgate/internal/errors"
	"channelgate/internal/metrics"
	"channelgate/internal/models"
	"channelgate/internal/retry"
)

// Handler receives events from a transport.
type Handler interface {
	// HandlePayload receives one native inbound payload.
	HandlePayload(payload any)
	// HandleDrop reports loss of an established connection. Wrap err with
	// Terminal when the platform ended the session for good.
	HandleDrop(err error)
}

// Transport is the opaque per-platform capability. ctx passed to Open bounds
// the connection attempt only; long-running receive loops must use their
// own context released by Close. Open may be called again after a drop and
// Close must tolerate being called on a transport that is not open.
type Transport interface {
	Open(ctx context.Context, h Handler) error
	Close(ctx context.Context) error
	Send(ctx context.Context, msg models.OutgoingMessage) (string, error)
}

// WebhookTransport is implemented by transports fed over HTTP.
type WebhookTransport interface {
	HandleWebhook(ctx context.Context, body []byte) error
}

// NormalizeFunc maps a native payload to the canonical message. ok=false
// means the payload has no mapping and must be dropped.
type NormalizeFunc func(payload any) (models.InternalMessage, bool)

// Variant describes one platform: how to build its transport from the
// adapter options and how to normalize its payloads.
type Variant struct {
	Type         models.ChannelType
	NewTransport func(opts Options) (Transport, error)
	Normalize    NormalizeFunc
}

// Factory returns a Factory producing Base adapters for v.
func (v Variant) Factory() Factory {
	return func() Adapter { return NewBase(v) }
}

// Base implements Adapter for every variant.
type Base struct {
	variant Variant

	opts      Options
	log       *logrus.Entry
	metrics   *metrics.Metrics
	transport Transport
	sm        *StateMachine

	// opMu serializes connection attempts and teardown.
	opMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	dialCancel  context.CancelFunc
	connectedAt time.Time

	received atomic.Int64
	sent     atomic.Int64
	errs     atomic.Int64
}

func NewBase(v Variant) *Base {
	return &Base{variant: v}
}

func (b *Base) Type() models.ChannelType { return b.variant.Type }

// Transport returns the underlying platform transport.
func (b *Base) Transport() Transport { return b.transport }

func (b *Base) Initialize(opts Options) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return apperrors.New(apperrors.ErrCodeInvalidConfig, "adapter already initialized")
	}
	if opts.Runtime == nil {
		return apperrors.New(apperrors.ErrCodeInvalidConfig, "adapter requires a runtime")
	}
	if opts.ChannelID == "" {
		return apperrors.NewValidationError("channelId", "required")
	}
	if opts.Reconnect.MaxAttempts <= 0 {
		opts.Reconnect = retry.DefaultReconnectConfig()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = constants.DefaultConnectTimeout
	}

	transport, err := b.variant.NewTransport(opts)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig,
			fmt.Sprintf("invalid %s channel configuration", b.variant.Type))
	}

	b.opts = opts
	b.transport = transport
	b.metrics = opts.Runtime.Metrics
	b.sm = NewStateMachine(retry.NewPolicy(opts.Reconnect), opts.Runtime.Clock)
	b.log = opts.Runtime.Component("adapter").WithFields(logrus.Fields{
		constants.LogFieldChannelID:      opts.ChannelID,
		constants.LogFieldOrganizationID: opts.OrganizationID,
		constants.LogFieldChannelType:    b.variant.Type,
	})
	b.initialized = true
	return nil
}

func (b *Base) ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

func (b *Base) Connect(ctx context.Context) error {
	if !b.ready() {
		return apperrors.New(apperrors.ErrCodeInvalidConfig, "adapter not initialized")
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()

	switch state := b.sm.State(); state {
	case models.StatusConnected, models.StatusConnecting:
		b.log.WithField(constants.LogFieldStatus, state).Debug("Connect ignored, adapter already active")
		return nil
	}

	gen := b.sm.Invalidate()
	b.sm.ResetAttempts()
	return b.dialLocked(ctx, gen)
}

func (b *Base) dialLocked(ctx context.Context, gen uint64) error {
	b.transition(models.StatusConnecting, nil, b.sm.Attempts(), false)

	dialCtx, cancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
	b.mu.Lock()
	b.dialCancel = cancel
	b.mu.Unlock()

	err := b.transport.Open(dialCtx, &handler{b: b, gen: gen})

	b.mu.Lock()
	b.dialCancel = nil
	b.mu.Unlock()
	cancel()

	if err != nil {
		b.errs.Add(1)
		b.metrics.AdapterErrors.WithLabelValues(string(b.variant.Type)).Inc()
		connErr := apperrors.NewChannelConnectionError(string(b.variant.Type), err)
		if IsTerminal(err) {
			connErr.Retryable = false
			b.transition(models.StatusError, connErr, b.sm.Attempts(), true)
			apperrors.LogError(b.log, connErr, "Connection rejected, not retrying")
			return connErr
		}
		b.transition(models.StatusError, connErr, b.sm.Attempts(), false)
		apperrors.LogWarn(b.log, connErr, "Connection attempt failed")
		b.scheduleReconnect(gen)
		return connErr
	}

	b.sm.ResetAttempts()
	b.mu.Lock()
	b.connectedAt = b.opts.Runtime.Clock.Now()
	b.mu.Unlock()
	b.transition(models.StatusConnected, nil, 0, false)
	return nil
}

func (b *Base) scheduleReconnect(gen uint64) {
	d := b.sm.ScheduleRetry(gen, func() { b.retry(gen) })
	switch {
	case d.Stale:
		return
	case d.Exhausted:
		err := fmt.Errorf("reconnect attempts exhausted after %d attempts", d.Attempt)
		b.log.WithField(constants.LogFieldAttempt, d.Attempt).Error("Reconnect attempts exhausted, giving up")
		b.emitStatus(StatusEvent{
			Previous: models.StatusError,
			Status:   models.StatusError,
			Err:      err,
			Attempt:  d.Attempt,
			Terminal: true,
		})
	default:
		b.metrics.ReconnectAttempts.WithLabelValues(string(b.variant.Type)).Inc()
		b.log.WithFields(logrus.Fields{
			constants.LogFieldAttempt: d.Attempt,
			constants.LogFieldDelay:   d.Delay.String(),
		}).Info("Reconnect scheduled")
	}
}

func (b *Base) retry(gen uint64) {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	if b.sm.Generation() != gen || b.sm.State() != models.StatusError {
		return
	}
	_ = b.dialLocked(context.Background(), gen)
}

func (b *Base) drop(gen uint64, cause error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	if b.sm.Generation() != gen || b.sm.State() != models.StatusConnected {
		return
	}

	if IsTerminal(cause) {
		b.sm.Invalidate()
		if err := b.transport.Close(context.Background()); err != nil {
			b.log.WithError(err).Debug("Transport close after logout failed")
		}
		b.log.WithError(cause).Warn("Platform ended the session, not reconnecting")
		b.transition(models.StatusDisconnected, cause, 0, true)
		return
	}

	b.errs.Add(1)
	b.metrics.AdapterErrors.WithLabelValues(string(b.variant.Type)).Inc()
	b.log.WithError(cause).Warn("Connection lost")
	b.transition(models.StatusError, cause, b.sm.Attempts(), false)
	b.scheduleReconnect(gen)
}

func (b *Base) Disconnect(ctx context.Context) {
	if !b.ready() {
		return
	}

	b.sm.Invalidate()
	b.mu.Lock()
	if b.dialCancel != nil {
		b.dialCancel()
	}
	b.mu.Unlock()

	b.opMu.Lock()
	defer b.opMu.Unlock()

	if b.sm.State() == models.StatusDisconnected {
		return
	}
	if err := b.transport.Close(ctx); err != nil {
		b.log.WithError(err).Warn("Transport close failed")
	}
	b.transition(models.StatusDisconnected, nil, 0, false)
}

func (b *Base) SendMessage(ctx context.Context, msg models.OutgoingMessage) (string, error) {
	if !b.ready() {
		return "", apperrors.NewNotConnectedError(string(b.variant.Type), string(models.StatusDisconnected))
	}
	if state := b.sm.State(); state != models.StatusConnected {
		return "", apperrors.NewNotConnectedError(string(b.variant.Type), string(state))
	}

	id, err := b.transport.Send(ctx, msg)
	if err != nil {
		b.errs.Add(1)
		b.metrics.MessagesSent.WithLabelValues(string(b.variant.Type), "error").Inc()
		return "", apperrors.NewSendError(string(b.variant.Type), err)
	}
	b.sent.Add(1)
	b.metrics.MessagesSent.WithLabelValues(string(b.variant.Type), "ok").Inc()
	return id, nil
}

// HandleWebhook forwards a pushed platform event to the transport.
func (b *Base) HandleWebhook(ctx context.Context, body []byte) error {
	if !b.ready() {
		return apperrors.NewNotConnectedError(string(b.variant.Type), string(models.StatusDisconnected))
	}
	wt, ok := b.transport.(WebhookTransport)
	if !ok {
		return apperrors.New(apperrors.ErrCodeInvalidInput,
			fmt.Sprintf("%s channels do not accept webhooks", b.variant.Type))
	}
	return wt.HandleWebhook(ctx, body)
}

func (b *Base) Status() models.ConnectionStatus {
	if !b.ready() {
		return models.StatusDisconnected
	}
	return b.sm.State()
}

func (b *Base) Stats() models.ChannelStats {
	stats := models.ChannelStats{
		MessagesReceived: b.received.Load(),
		MessagesSent:     b.sent.Load(),
		Errors:           b.errs.Load(),
	}
	if b.Status() == models.StatusConnected {
		b.mu.Lock()
		stats.Uptime = b.opts.Runtime.Clock.Now().Sub(b.connectedAt)
		b.mu.Unlock()
	}
	return stats
}

// RetryPending reports whether a reconnect timer is armed.
func (b *Base) RetryPending() bool {
	return b.ready() && b.sm.RetryPending()
}

func (b *Base) transition(to models.ConnectionStatus, cause error, attempt int, terminal bool) {
	from, changed, err := b.sm.Transition(to)
	if err != nil {
		b.log.WithError(err).Error("Rejected state transition")
		return
	}
	if !changed {
		return
	}
	b.log.WithFields(logrus.Fields{
		"from":                   from,
		constants.LogFieldStatus: to,
	}).Info("Connection status changed")
	b.metrics.StatusChanges.WithLabelValues(string(b.variant.Type), string(to)).Inc()
	b.emitStatus(StatusEvent{
		Previous: from,
		Status:   to,
		Err:      cause,
		Attempt:  attempt,
		Terminal: terminal,
	})
}

func (b *Base) emitStatus(ev StatusEvent) {
	if b.opts.Statuses == nil {
		return
	}
	ev.Instance = b.opts.Instance
	ev.ChannelID = b.opts.ChannelID
	ev.OrganizationID = b.opts.OrganizationID
	ev.ChannelType = b.variant.Type
	ev.At = b.opts.Runtime.Clock.Now()
	select {
	case b.opts.Statuses <- ev:
	case <-b.opts.Done:
	}
}

func (b *Base) emitMessage(msg models.InternalMessage) {
	if b.opts.Messages == nil {
		return
	}
	ev := MessageEvent{
		Instance:       b.opts.Instance,
		ChannelID:      b.opts.ChannelID,
		OrganizationID: b.opts.OrganizationID,
		Message:        msg,
	}
	select {
	case b.opts.Messages <- ev:
	case <-b.opts.Done:
	}
}

// handler binds transport callbacks to the generation that opened them, so
// events from a superseded connection are ignored.
type handler struct {
	b   *Base
	gen uint64
}

func (h *handler) HandlePayload(payload any) {
	b := h.b
	if b.sm.Generation() != h.gen {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.errs.Add(1)
			b.metrics.AdapterErrors.WithLabelValues(string(b.variant.Type)).Inc()
			b.log.WithField("panic", r).Error("Recovered from panic while handling inbound payload")
			go b.drop(h.gen, fmt.Errorf("adapter fault: %v", r))
		}
	}()

	msg, ok := b.variant.Normalize(payload)
	if !ok {
		b.metrics.MessagesDropped.WithLabelValues(string(b.variant.Type)).Inc()
		b.log.WithField("payload_type", fmt.Sprintf("%T", payload)).Warn("Dropping inbound payload without canonical mapping")
		return
	}
	b.received.Add(1)
	b.metrics.MessagesReceived.WithLabelValues(string(b.variant.Type)).Inc()
	b.emitMessage(msg)
}

func (h *handler) HandleDrop(err error) {
	if h.b.sm.Generation() != h.gen {
		return
	}
	if err == nil {
		err = errors.New("connection closed by platform")
	}
	go h.b.drop(h.gen, err)
}

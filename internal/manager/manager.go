// Package manager is the channel registry. It owns every adapter, drains
// their events, persists status and counters, and forwards messages and
// status changes to a Sink.
package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"channelgate/internal/appctx"
	"channelgate/internal/channel"
	"channelgate/internal/constants"
	apperrors "channelgate/internal/errors"
	"channelgate/internal/models"
	"channelgate/internal/retry"
	"channelgate/internal/tracing"
)

// Key identifies a registration. A channel id belongs to at most one
// organization at a time.
type Key struct {
	OrganizationID string
	ChannelID      string
}

// ChannelRef names the channel an event came from.
type ChannelRef struct {
	ChannelID      string
	OrganizationID string
	ChannelType    models.ChannelType
}

// Sink receives adapter output. Calls for one conversation are sequential.
type Sink interface {
	OnChannelMessage(ctx context.Context, ref ChannelRef, msg models.InternalMessage)
	OnChannelStatus(ctx context.Context, ref ChannelRef, ev channel.StatusEvent)
}

type Store interface {
	ListActive(ctx context.Context) ([]*models.ChannelConfig, error)
	UpdateStatus(ctx context.Context, channelID string, status models.ConnectionStatus, lastError string) error
	IncrementMessageCount(ctx context.Context, channelID string, n int64) error
	Deactivate(ctx context.Context, channelID string) error
	Delete(ctx context.Context, channelID string) error
}

type Decrypter interface {
	Decrypt(record string) (models.Credentials, error)
}

type Options struct {
	Config    models.ManagerConfig
	Reconnect retry.BackoffConfig
	Factories map[models.ChannelType]channel.Factory
	Store     Store
	Vault     Decrypter
}

// ChannelInfo is a point-in-time view of one registered channel.
type ChannelInfo struct {
	ChannelID      string                  `json:"channelId"`
	OrganizationID string                  `json:"organizationId"`
	ChannelType    models.ChannelType      `json:"channelType"`
	Status         models.ConnectionStatus `json:"status"`
	Stats          models.ChannelStats     `json:"stats"`
	RegisteredAt   time.Time               `json:"registeredAt"`
}

// UnregisterOptions selects what happens to the stored row.
type UnregisterOptions struct {
	Delete     bool
	Deactivate bool
}

type entry struct {
	key           Key
	channelType   models.ChannelType
	instance      string
	webhookSecret string
	adapter       channel.Adapter
	registeredAt  time.Time
}

type Manager struct {
	rt        *appctx.Runtime
	log       *logrus.Entry
	tracer    oteltrace.Tracer
	cfg       models.ManagerConfig
	reconnect retry.BackoffConfig
	factories map[models.ChannelType]channel.Factory
	store     Store
	vault     Decrypter
	locks     *keyLock

	mu        sync.RWMutex
	closing   bool
	entries   map[Key]*entry
	byChannel map[string]Key
	sink      Sink

	messages    chan channel.MessageEvent
	statuses    chan channel.StatusEvent
	done        chan struct{}
	persist     chan persistJob
	persistStop chan struct{}
	dispatcher  *dispatcher

	ctx       context.Context
	cancel    context.CancelFunc
	loops     sync.WaitGroup
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(rt *appctx.Runtime, opts Options) *Manager {
	cfg := opts.Config
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = constants.DefaultConnectTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = constants.DefaultAdapterShutdownTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = constants.DefaultDispatchWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = constants.DefaultDispatchQueueSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = constants.DefaultEventBuffer
	}
	reconnect := opts.Reconnect
	if reconnect.InitialDelay <= 0 {
		reconnect = retry.DefaultReconnectConfig()
	}

	log := rt.Component("manager")
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		rt:          rt,
		log:         log,
		tracer:      rt.Tracer("manager"),
		cfg:         cfg,
		reconnect:   reconnect,
		factories:   opts.Factories,
		store:       opts.Store,
		vault:       opts.Vault,
		locks:       newKeyLock(),
		entries:     make(map[Key]*entry),
		byChannel:   make(map[string]Key),
		sink:        nopSink{},
		messages:    make(chan channel.MessageEvent, cfg.EventBuffer),
		statuses:    make(chan channel.StatusEvent, cfg.EventBuffer),
		done:        make(chan struct{}),
		persist:     make(chan persistJob, constants.DefaultPersistQueueSize),
		persistStop: make(chan struct{}),
		dispatcher:  newDispatcher(cfg.Workers, cfg.QueueSize, log),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetSink installs the receiver of adapter output. Call before Start.
func (m *Manager) SetSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil {
		s = nopSink{}
	}
	m.sink = s
}

func (m *Manager) currentSink() Sink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sink
}

// Start launches the event loops, the dispatcher and the persistence writer.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.dispatcher.start(m.ctx)
		m.loops.Add(2)
		go m.statusLoop()
		go m.messageLoop()
		m.wg.Add(1)
		go m.persistLoop()
	})
}

// RegisterChannel builds, initializes and connects an adapter for cfg. It is
// a no-op when the channel is already registered to the same organization.
// A failed first connect is logged and left to the adapter's reconnect
// policy.
func (m *Manager) RegisterChannel(ctx context.Context, cfg models.ChannelConfig) error {
	ctx, span := tracing.StartSpan(ctx, m.tracer, "manager.RegisterChannel",
		tracing.ChannelAttributes(cfg.ChannelID, cfg.ChannelType)...)
	defer span.End()

	if err := cfg.Validate(); err != nil {
		return apperrors.NewInvalidInputError(err)
	}
	key := Key{OrganizationID: cfg.OrganizationID, ChannelID: cfg.ChannelID}
	log := m.log.WithFields(logrus.Fields{
		constants.LogFieldChannelID:      cfg.ChannelID,
		constants.LogFieldOrganizationID: cfg.OrganizationID,
		constants.LogFieldChannelType:    cfg.ChannelType,
	})

	unlock := m.locks.Lock(cfg.ChannelID)
	defer unlock()

	m.mu.RLock()
	closing := m.closing
	existing, taken := m.byChannel[cfg.ChannelID]
	m.mu.RUnlock()
	if closing {
		return errShutDown()
	}
	if taken {
		if existing == key {
			log.Debug("Channel already registered")
			return nil
		}
		return apperrors.New(apperrors.ErrCodeChannelConflict, "channel is registered to another organization").
			WithContext("channel_id", cfg.ChannelID)
	}

	factory, ok := m.factories[cfg.ChannelType]
	if !ok {
		return apperrors.NewUnsupportedChannelError(string(cfg.ChannelType))
	}

	creds := models.Credentials{}
	if cfg.EncryptedConfig != "" {
		if m.vault == nil {
			return apperrors.New(apperrors.ErrCodeInvalidConfig, "channel has encrypted credentials but no vault is configured")
		}
		var err error
		if creds, err = m.vault.Decrypt(cfg.EncryptedConfig); err != nil {
			tracing.RecordError(ctx, err)
			return err
		}
	}

	e := &entry{
		key:           key,
		channelType:   cfg.ChannelType,
		instance:      uuid.NewString(),
		webhookSecret: cfg.WebhookSecret,
		adapter:       factory(),
		registeredAt:  m.rt.Clock.Now(),
	}
	if err := e.adapter.Initialize(channel.Options{
		Instance:       e.instance,
		ChannelID:      cfg.ChannelID,
		OrganizationID: cfg.OrganizationID,
		ExternalID:     cfg.ExternalID,
		Credentials:    creds,
		Reconnect:      m.reconnect,
		ConnectTimeout: m.cfg.ConnectTimeout,
		Runtime:        m.rt,
		Messages:       m.messages,
		Statuses:       m.statuses,
		Done:           m.done,
	}); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		e.adapter.Disconnect(ctx)
		return errShutDown()
	}
	m.entries[key] = e
	m.byChannel[cfg.ChannelID] = key
	m.mu.Unlock()
	m.rt.Metrics.ActiveChannels.Inc()
	log.Info("Channel registered")

	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := e.adapter.Connect(connectCtx); err != nil {
		tracing.RecordError(ctx, err)
		apperrors.LogWarn(log, err, "Initial connect failed, adapter will retry")
	}
	return nil
}

// UnregisterChannel disconnects and removes the channel, then records the
// final status or removes the stored row as opts ask.
func (m *Manager) UnregisterChannel(ctx context.Context, channelID string, opts UnregisterOptions) error {
	unlock := m.locks.Lock(channelID)
	defer unlock()

	m.mu.Lock()
	key, ok := m.byChannel[channelID]
	e := m.entries[key]
	if ok {
		delete(m.byChannel, channelID)
		delete(m.entries, key)
	}
	m.mu.Unlock()
	if !ok {
		return apperrors.NewChannelNotFoundError(channelID)
	}
	m.rt.Metrics.ActiveChannels.Dec()

	e.adapter.Disconnect(ctx)
	ref := ChannelRef{ChannelID: channelID, OrganizationID: key.OrganizationID, ChannelType: e.channelType}
	m.currentSink().OnChannelStatus(ctx, ref, channel.StatusEvent{
		Instance:       e.instance,
		ChannelID:      channelID,
		OrganizationID: key.OrganizationID,
		ChannelType:    e.channelType,
		Status:         models.StatusDisconnected,
		At:             m.rt.Clock.Now(),
	})

	log := m.log.WithFields(logrus.Fields{
		constants.LogFieldChannelID:      channelID,
		constants.LogFieldOrganizationID: key.OrganizationID,
	})
	log.Info("Channel unregistered")

	if m.store == nil {
		return nil
	}
	switch {
	case opts.Delete:
		if err := m.store.Delete(ctx, channelID); err != nil {
			return apperrors.NewDatabaseError("delete channel", err)
		}
		return nil
	case opts.Deactivate:
		if err := m.store.Deactivate(ctx, channelID); err != nil {
			return apperrors.NewDatabaseError("deactivate channel", err)
		}
	}
	m.enqueueWait(ctx, persistJob{kind: persistStatus, channelID: channelID, status: models.StatusDisconnected})
	return nil
}

// RouteOutbound sends msg through the channel's adapter. It does not retry.
func (m *Manager) RouteOutbound(ctx context.Context, channelID string, msg models.OutgoingMessage) (string, error) {
	ctx, span := tracing.StartSpan(ctx, m.tracer, "manager.RouteOutbound", tracing.ChannelAttributes(channelID, "")...)
	defer span.End()

	e, ok := m.lookup(channelID)
	if !ok {
		return "", apperrors.NewChannelNotFoundError(channelID)
	}
	if status := e.adapter.Status(); status != models.StatusConnected {
		return "", apperrors.NewChannelNotConnectedError(channelID, string(status))
	}
	id, err := e.adapter.SendMessage(ctx, msg)
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", err
	}
	return id, nil
}

// Lookup returns the current view of a registered channel.
func (m *Manager) Lookup(channelID string) (ChannelInfo, bool) {
	e, ok := m.lookup(channelID)
	if !ok {
		return ChannelInfo{}, false
	}
	return e.info(), true
}

// Channels lists the organization's registered channels by id.
func (m *Manager) Channels(orgID string) []ChannelInfo {
	m.mu.RLock()
	out := make([]ChannelInfo, 0)
	for key, e := range m.entries {
		if key.OrganizationID == orgID {
			out = append(out, e.info())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// LoadActive registers every active stored channel and returns how many
// were registered. Individual failures are logged and skipped.
func (m *Manager) LoadActive(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	cfgs, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, apperrors.NewDatabaseError("list active channels", err)
	}
	loaded := 0
	for _, cfg := range cfgs {
		if err := m.RegisterChannel(ctx, *cfg); err != nil {
			apperrors.LogError(m.log.WithField(constants.LogFieldChannelID, cfg.ChannelID), err, "Failed to load stored channel")
			continue
		}
		loaded++
	}
	m.log.WithFields(logrus.Fields{"loaded": loaded, "stored": len(cfgs)}).Info("Loaded active channels")
	return loaded, nil
}

// DeliverWebhook hands a pushed platform event to the channel's adapter.
func (m *Manager) DeliverWebhook(ctx context.Context, channelID string, body []byte) error {
	e, ok := m.lookup(channelID)
	if !ok {
		return apperrors.NewChannelNotFoundError(channelID)
	}
	receiver, ok := e.adapter.(channel.WebhookReceiver)
	if !ok {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "channel does not accept webhooks")
	}
	return receiver.HandleWebhook(ctx, body)
}

// WebhookSecret returns the secret webhook requests for channelID are
// signed with.
func (m *Manager) WebhookSecret(channelID string) (string, bool) {
	e, ok := m.lookup(channelID)
	if !ok {
		return "", false
	}
	return e.webhookSecret, true
}

// Shutdown disconnects every adapter concurrently, bounded by the shutdown
// timeout, then stops the loops and flushes pending writes.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		err = m.shutdown(ctx)
	})
	return err
}

func errShutDown() error {
	return apperrors.New(apperrors.ErrCodeServiceUnavailable, "channel manager is shut down")
}

func (m *Manager) shutdown(ctx context.Context) error {
	// Registrations that have not inserted by now are refused.
	m.mu.Lock()
	m.closing = true
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()

	var pending sync.Map
	g, gctx := errgroup.WithContext(tctx)
	for _, e := range entries {
		e := e
		pending.Store(e.key.ChannelID, struct{}{})
		g.Go(func() error {
			e.adapter.Disconnect(gctx)
			pending.Delete(e.key.ChannelID)
			return nil
		})
	}
	waited := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(waited)
	}()

	var shutdownErr error
	select {
	case <-waited:
	case <-tctx.Done():
		var stragglers []string
		pending.Range(func(k, _ interface{}) bool {
			stragglers = append(stragglers, k.(string))
			return true
		})
		m.log.WithField("channels", stragglers).Warn("Adapters did not disconnect in time, abandoning them")
		shutdownErr = apperrors.NewTimeoutError("adapter shutdown", m.cfg.ShutdownTimeout.String())
	}

	close(m.done)
	m.loops.Wait()
	m.dispatcher.shutdown()
	close(m.persistStop)
	m.wg.Wait()
	m.cancel()

	m.mu.Lock()
	m.entries = make(map[Key]*entry)
	m.byChannel = make(map[string]Key)
	m.mu.Unlock()
	m.rt.Metrics.ActiveChannels.Set(0)
	m.log.WithField("channels", len(entries)).Info("Channel manager stopped")
	return shutdownErr
}

func (m *Manager) lookup(channelID string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.byChannel[channelID]
	if !ok {
		return nil, false
	}
	e, ok := m.entries[key]
	return e, ok
}

// current returns the entry only if it is still the registration that
// produced an event.
func (m *Manager) current(channelID, instance string) (*entry, bool) {
	e, ok := m.lookup(channelID)
	if !ok || e.instance != instance {
		return nil, false
	}
	return e, true
}

func (e *entry) info() ChannelInfo {
	return ChannelInfo{
		ChannelID:      e.key.ChannelID,
		OrganizationID: e.key.OrganizationID,
		ChannelType:    e.channelType,
		Status:         e.adapter.Status(),
		Stats:          e.adapter.Stats(),
		RegisteredAt:   e.registeredAt,
	}
}

func (e *entry) ref() ChannelRef {
	return ChannelRef{ChannelID: e.key.ChannelID, OrganizationID: e.key.OrganizationID, ChannelType: e.channelType}
}

type nopSink struct{}

func (nopSink) OnChannelMessage(context.Context, ChannelRef, models.InternalMessage) {}
func (nopSink) OnChannelStatus(context.Context, ChannelRef, channel.StatusEvent)     {}

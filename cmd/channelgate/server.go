package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"channelgate/internal/appctx"
	"channelgate/internal/constants"
	apperrors "channelgate/internal/errors"
	"channelgate/internal/identity"
	"channelgate/internal/manager"
	"channelgate/internal/middleware"
	"channelgate/internal/models"
	"channelgate/internal/store"
	"channelgate/internal/tracing"
)

const healthCheckTimeout = 2 * time.Second

// channelAdmin is the part of the channel manager the HTTP surface drives.
type channelAdmin interface {
	RegisterChannel(ctx context.Context, cfg models.ChannelConfig) error
	UnregisterChannel(ctx context.Context, channelID string, opts manager.UnregisterOptions) error
	Lookup(channelID string) (manager.ChannelInfo, bool)
	Channels(orgID string) []manager.ChannelInfo
	DeliverWebhook(ctx context.Context, channelID string, body []byte) error
	WebhookSecret(channelID string) (string, bool)
}

type channelStore interface {
	Create(ctx context.Context, cfg *models.ChannelConfig) error
	Delete(ctx context.Context, channelID string) error
	Ping(ctx context.Context) error
}

type credentialSealer interface {
	Encrypt(creds models.Credentials) (string, error)
}

type ServerDeps struct {
	Channels   channelAdmin
	Store      channelStore
	Vault      credentialSealer
	Validator  identity.Validator
	Realtime   http.Handler
	Production bool
}

type Server struct {
	rt     *appctx.Runtime
	router *mux.Router
	log    *logrus.Entry
	deps   ServerDeps
}

func NewServer(rt *appctx.Runtime, deps ServerDeps) *Server {
	s := &Server{
		rt:     rt,
		router: mux.NewRouter(),
		log:    rt.Component("http"),
		deps:   deps,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.rt))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.rt.Metrics.Handler()).Methods(http.MethodGet)
	if s.deps.Realtime != nil {
		s.router.Handle("/ws", s.deps.Realtime).Methods(http.MethodGet)
	}

	webhooks := s.router.PathPrefix("/webhook").Subrouter()
	webhooks.HandleFunc("/whatsapp/{channelId}", s.handleWhatsAppWebhook()).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/channels", s.authenticated(s.handleCreateChannel)).Methods(http.MethodPost)
	api.HandleFunc("/channels", s.authenticated(s.handleListChannels)).Methods(http.MethodGet)
	api.HandleFunc("/channels/{channelId}", s.authenticated(s.handleDeleteChannel)).Methods(http.MethodDelete)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]interface{}{
			"status":     "healthy",
			"version":    Version,
			"instanceId": s.rt.InstanceID,
		}
		if s.deps.Store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := s.deps.Store.Ping(ctx); err != nil {
				apperrors.LogWarn(s.log, err, "Health check failed")
				status = http.StatusServiceUnavailable
				body["status"] = "unhealthy"
				body["database"] = "unreachable"
			}
		}
		writeJSON(w, status, body)
	}
}

func (s *Server) handleWhatsAppWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := mux.Vars(r)["channelId"]
		info, ok := s.deps.Channels.Lookup(channelID)
		if !ok || info.ChannelType != models.ChannelTypeWhatsApp {
			s.writeError(w, r, apperrors.NewChannelNotFoundError(channelID))
			return
		}
		secret, _ := s.deps.Channels.WebhookSecret(channelID)

		body, err := verifySignature(r, secret, s.deps.Production)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				constants.LogFieldChannelID: channelID,
				"remote_addr":               middleware.ClientIP(r),
			}).Warnf("Rejected webhook: %v", err)
			s.writeError(w, r, apperrors.NewAuthError(apperrors.ErrCodeInvalidToken, err.Error()))
			return
		}

		if err := s.deps.Channels.DeliverWebhook(r.Context(), channelID, body); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type authedHandler func(w http.ResponseWriter, r *http.Request, id *identity.Identity)

// authenticated resolves the bearer token before calling next.
func (s *Server) authenticated(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			err := apperrors.NewAuthError(apperrors.ErrCodeInvalidToken, "missing bearer token")
			s.rt.Metrics.AuthFailures.WithLabelValues(string(apperrors.ErrCodeInvalidToken)).Inc()
			s.writeError(w, r, err)
			return
		}
		id, err := s.deps.Validator.ValidateToken(r.Context(), token)
		if err != nil {
			s.rt.Metrics.AuthFailures.WithLabelValues(string(apperrors.GetCode(err))).Inc()
			s.writeError(w, r, err)
			return
		}
		next(w, r, id)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

type createChannelRequest struct {
	ChannelID   string             `json:"channelId"`
	ChannelType models.ChannelType `json:"channelType"`
	ExternalID  string             `json:"externalId"`
	WebhookURL  string             `json:"webhookUrl"`
	Credentials models.Credentials `json:"credentials"`
}

type createChannelResponse struct {
	Channel       manager.ChannelInfo `json:"channel"`
	WebhookSecret string              `json:"webhookSecret"`
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request, id *identity.Identity) {
	var req createChannelRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, constants.DefaultMaxAdminBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, apperrors.NewInvalidInputError(err))
		return
	}

	ctx := r.Context()
	now := s.rt.Clock.Now()
	cfg := models.ChannelConfig{
		ChannelID:        req.ChannelID,
		OrganizationID:   id.OrganizationID,
		UserID:           id.UserID,
		ChannelType:      req.ChannelType,
		ExternalID:       req.ExternalID,
		WebhookURL:       req.WebhookURL,
		Active:           true,
		ConnectionStatus: models.StatusDisconnected,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if cfg.ChannelID == "" {
		cfg.ChannelID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		s.writeError(w, r, apperrors.NewInvalidInputError(err))
		return
	}
	if existing, ok := s.deps.Channels.Lookup(cfg.ChannelID); ok {
		err := apperrors.New(apperrors.ErrCodeChannelConflict, "channel is already registered").
			WithContext("channel_id", existing.ChannelID)
		s.writeError(w, r, err)
		return
	}

	secret, err := newWebhookSecret()
	if err != nil {
		s.writeError(w, r, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to generate webhook secret"))
		return
	}
	cfg.WebhookSecret = secret

	if len(req.Credentials) > 0 {
		record, err := s.deps.Vault.Encrypt(req.Credentials)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		cfg.EncryptedConfig = record
	}

	if err := s.deps.Store.Create(ctx, &cfg); err != nil {
		if errors.Is(err, store.ErrExists) {
			err = apperrors.Wrap(err, apperrors.ErrCodeChannelConflict, "channel already exists")
		} else {
			err = apperrors.NewDatabaseError("create channel", err)
		}
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Channels.RegisterChannel(ctx, cfg); err != nil {
		if delErr := s.deps.Store.Delete(ctx, cfg.ChannelID); delErr != nil {
			apperrors.LogError(s.log.WithField(constants.LogFieldChannelID, cfg.ChannelID), delErr, "Failed to roll back stored channel")
		}
		s.writeError(w, r, err)
		return
	}

	info, _ := s.deps.Channels.Lookup(cfg.ChannelID)
	s.log.WithFields(logrus.Fields{
		constants.LogFieldChannelID:      cfg.ChannelID,
		constants.LogFieldOrganizationID: cfg.OrganizationID,
		constants.LogFieldChannelType:    cfg.ChannelType,
	}).Info("Channel created")
	writeJSON(w, http.StatusCreated, createChannelResponse{Channel: info, WebhookSecret: secret})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request, id *identity.Identity) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels": s.deps.Channels.Channels(id.OrganizationID),
	})
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request, id *identity.Identity) {
	channelID := mux.Vars(r)["channelId"]
	info, ok := s.deps.Channels.Lookup(channelID)
	if !ok {
		s.writeError(w, r, apperrors.NewChannelNotFoundError(channelID))
		return
	}
	if info.OrganizationID != id.OrganizationID {
		s.writeError(w, r, apperrors.NewForbiddenError("channel", channelID))
		return
	}

	opts := manager.UnregisterOptions{Deactivate: true}
	if r.URL.Query().Get("hard") == "true" {
		opts = manager.UnregisterOptions{Delete: true}
	}
	if err := s.deps.Channels.UnregisterChannel(r.Context(), channelID, opts); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	log := s.log.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		apperrors.LogError(log, err, "Request failed")
	} else {
		apperrors.LogWarn(log, err, "Request rejected")
	}
	writeJSON(w, status, apperrors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

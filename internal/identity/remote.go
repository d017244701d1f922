package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "channelgate/internal/errors"
	"channelgate/pkg/circuitbreaker"
	pkgconstants "channelgate/pkg/constants"
)

// RemoteValidator asks an external identity service to validate tokens.
// The service answers POST {url} with {"token": "..."} and an Identity body.
type RemoteValidator struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	log     *logrus.Entry
}

type RemoteConfig struct {
	URL         string
	Timeout     time.Duration
	MaxFailures uint32
	OpenTimeout time.Duration
	Logger      *logrus.Entry
}

func NewRemoteValidator(cfg RemoteConfig) (*RemoteValidator, error) {
	if cfg.URL == "" {
		return nil, apperrors.NewConfigError("identity.remote_url", "identity service URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = pkgconstants.DefaultHTTPTimeoutSec * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RemoteValidator{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.NewWithConfig("identity", circuitbreaker.Config{
			MaxFailures: cfg.MaxFailures,
			Timeout:     cfg.OpenTimeout,
			Logger:      log,
		}),
		log: log,
	}, nil
}

func (v *RemoteValidator) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, apperrors.NewAuthError(apperrors.ErrCodeInvalidToken, "missing token")
	}

	var (
		id       *Identity
		rejected error
	)
	err := v.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		id, rejected, err = v.call(ctx, token)
		return err
	})
	switch {
	case circuitbreaker.IsCircuitBreakerError(err):
		return nil, apperrors.NewAuthError(apperrors.ErrCodeServiceUnavailable, "identity service circuit open")
	case err != nil:
		v.log.WithError(err).Warn("Identity service call failed")
		return nil, apperrors.NewAuthError(apperrors.ErrCodeServiceUnavailable, "identity service unavailable")
	case rejected != nil:
		return nil, rejected
	}
	return id, nil
}

// call returns a rejection for a definitive answer about the token and an
// error only when the service itself misbehaved, so rejections never trip
// the breaker.
func (v *RemoteValidator) call(ctx context.Context, token string) (*Identity, error, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, apperrors.NewAuthError(apperrors.ErrCodeInvalidToken, "rejected by identity service"), nil
	case http.StatusForbidden:
		return nil, apperrors.NewAuthError(apperrors.ErrCodeInsufficientPermissions, "rejected by identity service"), nil
	default:
		return nil, nil, fmt.Errorf("identity service returned status %d", resp.StatusCode)
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, nil, fmt.Errorf("decode identity: %w", err)
	}
	if id.UserID == "" || id.OrganizationID == "" {
		return nil, apperrors.NewAuthError(apperrors.ErrCodeInvalidToken, "identity lacks userId or organizationId"), nil
	}
	return &id, nil, nil
}

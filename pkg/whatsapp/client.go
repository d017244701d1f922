// Package whatsapp is a small REST client for a WAHA (WhatsApp HTTP API)
// server: session lifecycle, outbound sends and webhook decoding.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"channelgate/pkg/circuitbreaker"
	"channelgate/pkg/constants"
	"channelgate/pkg/whatsapp/types"
)

// ErrNotAuthenticated is returned when the session needs a QR scan or was
// logged out. Reconnecting will not help until an operator pairs it again.
var ErrNotAuthenticated = errors.New("whatsapp session is not authenticated")

type Config struct {
	BaseURL    string
	APIKey     string
	Session    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Breaker    *circuitbreaker.CircuitBreaker
}

type Client struct {
	baseURL string
	apiKey  string
	session string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("whatsapp base URL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid whatsapp base URL %q", cfg.BaseURL)
	}
	if cfg.Session == "" {
		cfg.Session = "default"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = time.Duration(constants.DefaultWhatsAppTimeoutMs) * time.Millisecond
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = circuitbreaker.New("waha:"+cfg.Session, constants.DefaultBreakerMaxFailures,
			time.Duration(constants.DefaultBreakerTimeoutSec)*time.Second)
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		session: cfg.Session,
		http:    httpClient,
		breaker: breaker,
	}, nil
}

// Session returns the WAHA session name this client drives.
func (c *Client) Session() string { return c.session }

// StartSession starts the session and fails with ErrNotAuthenticated when
// WAHA reports it needs pairing.
func (c *Client) StartSession(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, types.EndpointSessions+"/start", types.SessionRequest{Name: c.session}, nil)
	var apiErr *APIError
	// WAHA answers 422 when the session is already running.
	if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity) {
		return err
	}
	status, err := c.SessionStatus(ctx)
	if err != nil {
		return err
	}
	switch status.Status {
	case types.SessionStatusScanQR, types.SessionStatusLoggedOut:
		return fmt.Errorf("%w: status %s", ErrNotAuthenticated, status.Status)
	case types.SessionStatusFailed:
		return fmt.Errorf("whatsapp session %s failed", c.session)
	}
	return nil
}

func (c *Client) SessionStatus(ctx context.Context) (*types.Session, error) {
	var session types.Session
	if err := c.do(ctx, http.MethodGet, types.EndpointSessions+"/"+url.PathEscape(c.session), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// SendText sends a text message and returns the platform message id.
func (c *Client) SendText(ctx context.Context, chatID, text, replyTo string) (string, error) {
	req := types.SendTextRequest{ChatID: chatID, Text: text, Session: c.session, ReplyTo: replyTo}
	var resp types.MessageResponse
	if err := c.do(ctx, http.MethodPost, types.EndpointSendText, req, &resp); err != nil {
		return "", err
	}
	return resp.MessageID(), nil
}

// SendFile sends a file by URL or inline base64 data.
func (c *Client) SendFile(ctx context.Context, chatID string, file types.FileData, caption, replyTo string) (string, error) {
	endpoint := types.EndpointSendFile
	if strings.HasPrefix(file.MimeType, "image/") {
		endpoint = types.EndpointSendImg
	}
	req := types.SendFileRequest{ChatID: chatID, File: file, Caption: caption, Session: c.session, ReplyTo: replyTo}
	var resp types.MessageResponse
	if err := c.do(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return "", err
	}
	return resp.MessageID(), nil
}

func (c *Client) SendLocation(ctx context.Context, chatID string, lat, lng float64, title, replyTo string) (string, error) {
	req := types.SendLocationRequest{ChatID: chatID, Latitude: lat, Longitude: lng, Title: title, Session: c.session, ReplyTo: replyTo}
	var resp types.MessageResponse
	if err := c.do(ctx, http.MethodPost, types.EndpointSendLoc, req, &resp); err != nil {
		return "", err
	}
	return resp.MessageID(), nil
}

// APIError is a non-2xx answer from WAHA.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("waha request failed with status %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+types.APIBase+endpoint, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set(types.APIKeyHeader, c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
			var errResp types.ErrorResponse
			if json.Unmarshal(raw, &errResp) == nil {
				if errResp.Message != "" {
					apiErr.Message = errResp.Message
				} else if errResp.Error != "" {
					apiErr.Message = errResp.Error
				}
			}
			return apiErr
		}
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

// Package signal is a REST client for signal-cli-rest-api.
package signal

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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"channelgate/pkg/circuitbreaker"
	"channelgate/pkg/constants"
	"channelgate/pkg/signal/types"
)

type Config struct {
	BaseURL    string
	AuthToken  string
	Number     string
	HTTPClient *http.Client
	Breaker    *circuitbreaker.CircuitBreaker
	Logger     *logrus.Entry
}

type Client struct {
	baseURL   string
	authToken string
	number    string
	client    *http.Client
	breaker   *circuitbreaker.CircuitBreaker
	logger    *logrus.Entry
	mu        sync.Mutex // signal-cli does not tolerate concurrent receive and send
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("signal base URL is required")
	}
	if u, err := url.Parse(cfg.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid signal base URL %q", cfg.BaseURL)
	}
	if cfg.Number == "" {
		return nil, errors.New("signal account number is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: constants.DefaultSignalHTTPTimeoutSec * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = logrus.NewEntry(l)
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = circuitbreaker.NewWithConfig("signal", circuitbreaker.Config{
			MaxFailures: constants.DefaultBreakerMaxFailures,
			Timeout:     constants.DefaultBreakerTimeoutSec * time.Second,
			Logger:      logger,
		})
	}
	return &Client{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		number:    cfg.Number,
		client:    httpClient,
		breaker:   breaker,
		logger:    logger,
	}, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// SendMessage sends text with optional base64 attachments, quoting
// quoteTimestamp when non-zero. The returned id is the send timestamp.
func (c *Client) SendMessage(ctx context.Context, recipient, message string, base64Attachments []string, quoteTimestamp int64, quoteAuthor string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload := types.SendMessageRequest{
		Message:           message,
		Number:            c.number,
		Recipients:        []string{recipient},
		Base64Attachments: base64Attachments,
		QuoteTimestamp:    quoteTimestamp,
		QuoteAuthor:       quoteAuthor,
	}
	var result types.SendResponse
	if err := c.do(ctx, http.MethodPost, "/v2/send", payload, &result); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", result.Timestamp.Int64()), nil
}

// ReceiveMessages long-polls for new messages. Envelopes without a data
// message (receipts, typing) are skipped.
func (c *Client) ReceiveMessages(ctx context.Context, timeoutSeconds int) ([]types.SignalMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	endpoint := "/v1/receive/" + url.PathEscape(c.number)
	if timeoutSeconds > 0 {
		endpoint += fmt.Sprintf("?timeout=%d", timeoutSeconds)
	}
	c.logger.WithField("timeout", timeoutSeconds).Debug("Polling Signal messages")

	var messages []types.RestMessage
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &messages); err != nil {
		return nil, err
	}

	result := make([]types.SignalMessage, 0, len(messages))
	for _, msg := range messages {
		env := msg.Envelope
		if env.DataMessage == nil || env.DataMessage.Reaction != nil {
			continue
		}
		sender := env.SourceNumber
		if sender == "" {
			sender = env.Source
		}
		sm := types.SignalMessage{
			Timestamp:   env.Timestamp,
			Sender:      sender,
			SenderUUID:  env.SourceUUID,
			SenderName:  env.SourceName,
			Message:     env.DataMessage.Message,
			Attachments: env.DataMessage.Attachments,
			Quote:       env.DataMessage.Quote,
			BaseURL:     c.baseURL,
		}
		if env.DataMessage.GroupInfo != nil {
			sm.GroupID = env.DataMessage.GroupInfo.GroupID
		}
		result = append(result, sm)
	}
	return result, nil
}

// About checks the server is reachable and speaks the v1 and v2 APIs.
func (c *Client) About(ctx context.Context) (*types.AboutResponse, error) {
	var about types.AboutResponse
	if err := c.do(ctx, http.MethodGet, "/v1/about", nil, &about); err != nil {
		return nil, err
	}
	hasV1, hasV2 := false, false
	for _, v := range about.Versions {
		switch v {
		case "v1":
			hasV1 = true
		case "v2":
			hasV2 = true
		}
	}
	if !hasV1 || !hasV2 {
		return &about, fmt.Errorf("signal-cli-rest-api service does not support required API versions (v1, v2)")
	}
	return &about, nil
}

// APIError is a non-2xx answer from signal-cli-rest-api.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("signal API error: status %d, body: %s", e.StatusCode, e.Body)
}

// AttachmentURL is where an inbound attachment can be fetched.
func AttachmentURL(baseURL, attachmentID string) string {
	return strings.TrimSuffix(baseURL, "/") + "/v1/attachments/" + url.PathEscape(attachmentID)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

// Package channel defines the adapter contract every platform variant
// satisfies, the connection state machine that governs it, and Base, the
// shared adapter that composes a platform transport with both.
package channel

import (
	"context"
	"errors"
	"time"

	"channelgate/internal/appctx"
	"channelgate/internal/models"
	"channelgate/internal/retry"
)

// Adapter owns one external platform connection.
type Adapter interface {
	Type() models.ChannelType
	Initialize(opts Options) error
	// Connect is a no-op on an adapter that is connected or connecting.
	Connect(ctx context.Context) error
	// Disconnect is idempotent and cancels any pending reconnect.
	Disconnect(ctx context.Context)
	SendMessage(ctx context.Context, msg models.OutgoingMessage) (string, error)
	Status() models.ConnectionStatus
	Stats() models.ChannelStats
}

// Factory builds an uninitialized adapter for one channel type.
type Factory func() Adapter

// WebhookReceiver is implemented by adapters whose platform pushes events
// over HTTP.
type WebhookReceiver interface {
	HandleWebhook(ctx context.Context, body []byte) error
}

// Options configures an adapter. Messages and Statuses are owned by the
// caller and drained continuously; sends block until the event is taken or
// Done is closed.
type Options struct {
	Instance       string
	ChannelID      string
	OrganizationID string
	ExternalID     string
	Credentials    models.Credentials
	Reconnect      retry.BackoffConfig
	ConnectTimeout time.Duration
	Runtime        *appctx.Runtime

	Messages chan<- MessageEvent
	Statuses chan<- StatusEvent
	Done     <-chan struct{}
}

// MessageEvent carries one normalized inbound message.
type MessageEvent struct {
	Instance       string
	ChannelID      string
	OrganizationID string
	Message        models.InternalMessage
}

// StatusEvent reports a connection state change. Terminal is set when the
// adapter will not reconnect on its own.
type StatusEvent struct {
	Instance       string
	ChannelID      string
	OrganizationID string
	ChannelType    models.ChannelType
	Previous       models.ConnectionStatus
	Status         models.ConnectionStatus
	Err            error
	Attempt        int
	Terminal       bool
	At             time.Time
}

// Detail returns the error text, if any.
func (e StatusEvent) Detail() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as non-recoverable (logout, revoked credentials). The
// adapter does not reconnect after a terminal failure.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// Package channeltest drives a real adapter against a stubbed platform in
// variant tests.
package channeltest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"channelgate/internal/appctx"
	"channelgate/internal/channel"
	"channelgate/internal/clock"
	"channelgate/internal/models"
	"channelgate/internal/retry"
)

const waitTimeout = 5 * time.Second

type Harness struct {
	Adapter  channel.Adapter
	Runtime  *appctx.Runtime
	Clock    *clock.Fake
	Messages chan channel.MessageEvent
	Statuses chan channel.StatusEvent

	done chan struct{}
}

// New initializes an adapter from factory with creds. The adapter is
// disconnected on test cleanup.
func New(t *testing.T, factory channel.Factory, creds models.Credentials) *Harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := &Harness{
		Adapter:  factory(),
		Runtime:  appctx.NewForTest(clk),
		Clock:    clk,
		Messages: make(chan channel.MessageEvent, 64),
		Statuses: make(chan channel.StatusEvent, 64),
		done:     make(chan struct{}),
	}
	cfg := retry.DefaultReconnectConfig()
	cfg.MaxAttempts = 2
	err := h.Adapter.Initialize(channel.Options{
		Instance:       "inst-1",
		ChannelID:      "ch-1",
		OrganizationID: "org-1",
		Credentials:    creds,
		Reconnect:      cfg,
		ConnectTimeout: waitTimeout,
		Runtime:        h.Runtime,
		Messages:       h.Messages,
		Statuses:       h.Statuses,
		Done:           h.done,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		h.Adapter.Disconnect(context.Background())
		close(h.done)
	})
	return h
}

// NextMessage waits for the next inbound message.
func (h *Harness) NextMessage(t *testing.T) models.InternalMessage {
	t.Helper()
	select {
	case ev := <-h.Messages:
		return ev.Message
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for inbound message")
		return models.InternalMessage{}
	}
}

// WaitStatus consumes status events until one reports want.
func (h *Harness) WaitStatus(t *testing.T, want models.ConnectionStatus) channel.StatusEvent {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-h.Statuses:
			if ev.Status == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s, adapter is %s", want, h.Adapter.Status())
			return channel.StatusEvent{}
		}
	}
}

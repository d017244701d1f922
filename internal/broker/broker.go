// Package broker carries gateway broadcasts between instances.
package broker

import "context"

// Handler receives one published payload. Handlers for a subscription are
// called sequentially.
type Handler func(payload []byte)

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers every payload published on topic until ctx is done
	// or the broker is closed.
	Subscribe(ctx context.Context, topic string, h Handler) error
	Close() error
}

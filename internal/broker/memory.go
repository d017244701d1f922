package broker

import (
	"context"
	"errors"
	"sync"

	apperrors "channelgate/internal/errors"
)

const memoryBuffer = 256

var errUnavailable = errors.New("memory broker unavailable")

// Hub is an in-process topic space. Several Memory brokers attached to one
// Hub behave like gateways sharing a real broker.
type Hub struct {
	mu          sync.RWMutex
	subs        map[string]map[*subscription]struct{}
	unavailable bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscription]struct{})}
}

// SetAvailable simulates a broker outage. While unavailable, Publish and
// Subscribe fail and nothing is delivered.
func (h *Hub) SetAvailable(ok bool) {
	h.mu.Lock()
	h.unavailable = !ok
	h.mu.Unlock()
}

// Client returns a broker bound to the hub. Closing it removes only its own
// subscriptions.
func (h *Hub) Client() *Memory {
	return &Memory{hub: h, own: make(map[*subscription]struct{}), done: make(chan struct{})}
}

func (h *Hub) publish(topic string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.unavailable {
		return errUnavailable
	}
	for s := range h.subs[topic] {
		frame := append([]byte(nil), payload...)
		select {
		case s.ch <- frame:
		default:
			// slow subscriber; at-least-once does not cover overflow
		}
	}
	return nil
}

func (h *Hub) add(s *subscription) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unavailable {
		return errUnavailable
	}
	if h.subs[s.topic] == nil {
		h.subs[s.topic] = make(map[*subscription]struct{})
	}
	h.subs[s.topic][s] = struct{}{}
	return nil
}

func (h *Hub) remove(s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[s.topic], s)
	if len(h.subs[s.topic]) == 0 {
		delete(h.subs, s.topic)
	}
}

type subscription struct {
	topic string
	ch    chan []byte
}

// Memory is a Broker backed by a Hub.
type Memory struct {
	hub *Hub

	mu     sync.Mutex
	own    map[*subscription]struct{}
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewMemory returns a broker on a private hub.
func NewMemory() *Memory {
	return NewHub().Client()
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewBrokerError("publish", err)
	}
	if m.isClosed() {
		return apperrors.NewBrokerError("publish", errors.New("broker closed"))
	}
	if err := m.hub.publish(topic, payload); err != nil {
		return apperrors.NewBrokerError("publish", err)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string, h Handler) error {
	s := &subscription{topic: topic, ch: make(chan []byte, memoryBuffer)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return apperrors.NewBrokerError("subscribe", errors.New("broker closed"))
	}
	if err := m.hub.add(s); err != nil {
		m.mu.Unlock()
		return apperrors.NewBrokerError("subscribe", err)
	}
	m.own[s] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.drop(s)
		for {
			select {
			case frame := <-s.ch:
				h(frame)
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()
	return nil
}

func (m *Memory) drop(s *subscription) {
	m.hub.remove(s)
	m.mu.Lock()
	delete(m.own, s)
	m.mu.Unlock()
}

func (m *Memory) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

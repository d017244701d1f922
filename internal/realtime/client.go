package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"channelgate/internal/identity"
)

// ClientState is the lifecycle of one connection.
type ClientState int32

const (
	StateConnecting ClientState = iota
	StateAuthenticated
	StateActive
	StateDisconnected
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

type client struct {
	id       string
	conn     *websocket.Conn
	identity *identity.Identity
	log      *logrus.Entry
	timeout  time.Duration

	state atomic.Int32
	send  chan []byte

	closeOnce   sync.Once
	quit        chan struct{}
	writeDone   chan struct{}
	closeCode   websocket.StatusCode
	closeReason string
}

func newClient(id string, conn *websocket.Conn, buffer int, timeout time.Duration, log *logrus.Entry) *client {
	return &client{
		id:        id,
		conn:      conn,
		log:       log,
		timeout:   timeout,
		send:      make(chan []byte, buffer),
		quit:      make(chan struct{}),
		writeDone: make(chan struct{}),
	}
}

func (c *client) State() ClientState { return ClientState(c.state.Load()) }

func (c *client) setState(s ClientState) { c.state.Store(int32(s)) }

// enqueue queues a frame without blocking. A client whose buffer is full is
// disconnected.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("Client send buffer full, disconnecting")
		c.close(websocket.StatusPolicyViolation, "slow consumer")
		return false
	}
}

// close flushes queued frames and then closes the connection with code.
func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.quit)
	})
}

func (c *client) writeLoop() {
	defer close(c.writeDone)
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.log.WithError(err).Debug("Client write failed")
				c.closeOnce.Do(func() { close(c.quit) })
				_ = c.conn.CloseNow()
				return
			}
		case <-c.quit:
			c.flush()
			_ = c.conn.Close(c.closeCode, c.closeReason)
			return
		}
	}
}

func (c *client) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

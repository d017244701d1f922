package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	apperrors "channelgate/internal/errors"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis is a Broker over redis pub/sub.
type Redis struct {
	client *redis.Client
	log    *logrus.Entry

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewRedis(ctx context.Context, cfg RedisConfig, log *logrus.Entry) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.NewBrokerError("connect", err)
	}
	return &Redis{client: client, log: log, subs: make(map[*redis.PubSub]struct{})}, nil
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return apperrors.NewBrokerError("publish", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string, h Handler) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return apperrors.NewBrokerError("subscribe", errors.New("broker closed"))
	}
	r.mu.Unlock()

	ps := r.client.Subscribe(ctx, topic)
	// wait for the subscription to be confirmed so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return apperrors.NewBrokerError("subscribe", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ps.Close()
		return apperrors.NewBrokerError("subscribe", errors.New("broker closed"))
	}
	r.subs[ps] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.release(ps)
		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h([]byte(msg.Payload))
			case <-ctx.Done():
				return
			}
		}
	}()
	r.log.WithField("topic", topic).Debug("Subscribed")
	return nil
}

func (r *Redis) release(ps *redis.PubSub) {
	r.mu.Lock()
	_, ok := r.subs[ps]
	delete(r.subs, ps)
	r.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[*redis.PubSub]struct{})
	r.mu.Unlock()

	for ps := range subs {
		_ = ps.Close()
	}
	r.wg.Wait()
	return r.client.Close()
}

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jonasrmichel/jms-doodle-poll/pkg/config"
)

// registryKey is the Redis set holding every registered channel address.
// Claiming an address is an SADD, so a second registration of the same
// address fails deterministically even across processes.
const registryKey = "doodle:channels"

// subscriptionBuffer bounds inbound delivery per channel.
const subscriptionBuffer = 64

// Redis implements Transport on top of Redis pub/sub. A channel address
// maps to a pub/sub channel; PUBLISH reports the receiver count, and a
// count of zero is surfaced as ErrChannelNotFound.
type Redis struct {
	client      *redis.Client
	logger      *zap.Logger
	sendTimeout time.Duration

	mu     sync.Mutex
	subs   map[string]*redisSubscription
	closed bool
}

// NewRedis connects to the broker and verifies it is reachable.
func NewRedis(cfg *config.BrokerConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to broker at %s: %w", cfg.Addr, err)
	}

	return &Redis{
		client:      client,
		logger:      logger,
		sendTimeout: cfg.SendTimeout,
		subs:        make(map[string]*redisSubscription),
	}, nil
}

// RegisterChannel claims the address and begins receiving on it.
func (r *Redis) RegisterChannel(ctx context.Context, address string) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	added, err := r.client.SAdd(ctx, registryKey, address).Result()
	if err != nil {
		return nil, fmt.Errorf("claiming channel %s: %w", address, err)
	}
	if added == 0 {
		return nil, ErrChannelExists
	}

	pubsub := r.client.Subscribe(ctx, address)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		r.client.SRem(context.Background(), registryKey, address)
		return nil, fmt.Errorf("subscribing to channel %s: %w", address, err)
	}

	sub := &redisSubscription{
		transport: r,
		address:   address,
		pubsub:    pubsub,
		messages:  make(chan []byte, subscriptionBuffer),
	}
	go sub.pump()

	r.mu.Lock()
	r.subs[address] = sub
	r.mu.Unlock()

	r.logger.Debug("Channel registered", zap.String("address", address))
	return sub, nil
}

// Send publishes the payload to the named channel. The publish is
// bounded by the configured send timeout so a stalled broker connection
// cannot block a broadcast.
func (r *Redis) Send(ctx context.Context, address string, payload []byte) error {
	ctx, cancel := r.sendContext(ctx)
	defer cancel()

	receivers, err := r.client.Publish(ctx, address, payload).Result()
	if err != nil {
		return fmt.Errorf("publishing to channel %s: %w", address, err)
	}
	if receivers == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// sendContext derives the per-publish deadline. A non-positive timeout
// leaves the caller's context untouched.
func (r *Redis) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.sendTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.sendTimeout)
}

// ResetRegistry clears the channel registry. Administration-time only:
// a crashed peer leaves its address claimed until the registry is reset.
func (r *Redis) ResetRegistry(ctx context.Context) error {
	if err := r.client.Del(ctx, registryKey).Err(); err != nil {
		return fmt.Errorf("clearing channel registry: %w", err)
	}
	return nil
}

// Close releases all subscriptions and the broker connection.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redisSubscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return r.client.Close()
}

func (r *Redis) release(sub *redisSubscription) {
	r.mu.Lock()
	delete(r.subs, sub.address)
	r.mu.Unlock()

	if err := r.client.SRem(context.Background(), registryKey, sub.address).Err(); err != nil {
		r.logger.Warn("Failed to release channel claim",
			zap.String("address", sub.address),
			zap.Error(err))
	}
}

type redisSubscription struct {
	transport *Redis
	address   string
	pubsub    *redis.PubSub
	messages  chan []byte
	closeOnce sync.Once
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
		s.transport.release(s)
	})
	return err
}

// pump moves payloads from the pub/sub connection to the subscription
// channel until the subscription is closed.
func (s *redisSubscription) pump() {
	defer close(s.messages)
	for msg := range s.pubsub.Channel() {
		s.messages <- []byte(msg.Payload)
	}
}

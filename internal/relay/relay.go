// Package relay forwards fan-out events between server processes over
// Redis pub/sub so clients connected to different nodes see the same
// broadcasts.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const DefaultChannel = "collab:events"

const publishTimeout = 2 * time.Second

type Kind string

const (
	KindRoom Kind = "room"
	KindUser Kind = "user"
	KindAll  Kind = "all"
	// KindCache carries no message. Key is a cache key prefix every node
	// drops from its local cache.
	KindCache Kind = "cache"
)

// Target names the local audience an envelope is delivered to.
type Target struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key,omitempty"`
}

type Envelope struct {
	Origin  string          `json:"origin"`
	Target  Target          `json:"target"`
	Message json.RawMessage `json:"message"`
}

// DeliverFunc hands a remote message to the local fan-out.
type DeliverFunc func(target Target, message json.RawMessage)

type RedisRelay struct {
	log     *zap.Logger
	client  *redis.Client
	channel string
	nodeId  string
	breaker *gobreaker.CircuitBreaker
}

func NewRedisRelay(logger *zap.Logger, client *redis.Client, channel string) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}

	r := &RedisRelay{
		log:     logger,
		client:  client,
		channel: channel,
		nodeId:  uuid.NewString(),
	}

	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "relay-publish",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("relay breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return r
}

func (r *RedisRelay) NodeId() string {
	return r.nodeId
}

// Publish sends message to every other node. Failures are logged and
// swallowed; while the breaker is open publishing is skipped outright.
func (r *RedisRelay) Publish(ctx context.Context, target Target, message []byte) {
	raw, err := json.Marshal(Envelope{
		Origin:  r.nodeId,
		Target:  target,
		Message: message,
	})
	if err != nil {
		r.log.Error("marshal relay envelope", zap.Error(err))
		return
	}

	_, err = r.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()

		return nil, r.client.Publish(ctx, r.channel, raw).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.log.Debug("relay publish skipped", zap.Error(err))
			return
		}
		r.log.Error("relay publish", zap.String("channel", r.channel), zap.Error(err))
	}
}

// Run subscribes to the relay channel and delivers envelopes from other
// nodes until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, deliver DeliverFunc) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed so no message published
	// after Run starts is missed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %q: %w", r.channel, err)
	}

	r.log.Info("relay subscribed", zap.String("channel", r.channel), zap.String("node_id", r.nodeId))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Payload, deliver)
		}
	}
}

func (r *RedisRelay) handle(payload string, deliver DeliverFunc) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("invalid relay envelope", zap.Error(err))
		return
	}

	if env.Origin == r.nodeId {
		return
	}

	deliver(env.Target, env.Message)
}

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBroker fans change events out across server nodes via Redis Pub/Sub.
type RedisBroker struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewRedisBroker creates a broker on an existing client.
func NewRedisBroker(rdb *redis.Client, log *zap.Logger) *RedisBroker {
	return &RedisBroker{rdb: rdb, log: logging.OrNop(log)}
}

// Publish serializes the event as JSON and publishes it on channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, event models.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed so that no event
// published after Subscribe returns is missed.
func (b *RedisBroker) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channels...)
	if len(channels) > 0 {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("subscribe %v: %w", channels, err)
		}
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan Message, subscriptionBuffer),
		done: make(chan struct{}),
		log:  b.log,
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Message
	done chan struct{}
	log  *zap.Logger
	once sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel(redis.WithChannelSize(subscriptionBuffer)) {
		var ev models.ChangeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.log.Warn("dropping malformed realtime payload", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		select {
		case s.out <- Message{Channel: msg.Channel, Event: ev}:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Events() <-chan Message { return s.out }

func (s *redisSubscription) Add(ctx context.Context, channels ...string) error {
	return s.ps.Subscribe(ctx, channels...)
}

func (s *redisSubscription) Remove(ctx context.Context, channels ...string) error {
	return s.ps.Unsubscribe(ctx, channels...)
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

package realtime

import (
	"context"
	"sync"

	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/models"

	"go.uber.org/zap"
)

// LocalBroker is an in-process broker for single-node deployments and tests.
type LocalBroker struct {
	mu   sync.RWMutex
	subs map[string]map[*localSubscription]struct{}
	log  *zap.Logger
}

// NewLocalBroker creates an empty broker.
func NewLocalBroker(log *zap.Logger) *LocalBroker {
	return &LocalBroker{
		subs: make(map[string]map[*localSubscription]struct{}),
		log:  logging.OrNop(log),
	}
}

// Publish never blocks; a subscriber whose buffer is full misses the event.
func (b *LocalBroker) Publish(_ context.Context, channel string, event models.ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[channel] {
		select {
		case sub.out <- Message{Channel: channel, Event: event}:
		default:
			b.log.Warn("realtime subscriber is full, dropping event",
				zap.String("channel", channel), zap.String("table", event.Table))
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	sub := &localSubscription{
		broker:   b,
		out:      make(chan Message, subscriptionBuffer),
		channels: make(map[string]struct{}),
	}
	if err := sub.Add(ctx, channels...); err != nil {
		return nil, err
	}
	return sub, nil
}

// Subscribers returns how many subscriptions listen on channel.
func (b *LocalBroker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

type localSubscription struct {
	broker   *LocalBroker
	out      chan Message
	channels map[string]struct{}
	closed   bool
}

func (s *localSubscription) Events() <-chan Message { return s.out }

func (s *localSubscription) Add(_ context.Context, channels ...string) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, ch := range channels {
		if b.subs[ch] == nil {
			b.subs[ch] = make(map[*localSubscription]struct{})
		}
		b.subs[ch][s] = struct{}{}
		s.channels[ch] = struct{}{}
	}
	return nil
}

func (s *localSubscription) Remove(_ context.Context, channels ...string) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range channels {
		s.detach(ch)
	}
	return nil
}

// detach must be called with the broker lock held.
func (s *localSubscription) detach(ch string) {
	b := s.broker
	delete(b.subs[ch], s)
	if len(b.subs[ch]) == 0 {
		delete(b.subs, ch)
	}
	delete(s.channels, ch)
}

func (s *localSubscription) Close() error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for ch := range s.channels {
		s.detach(ch)
	}
	close(s.out)
	return nil
}

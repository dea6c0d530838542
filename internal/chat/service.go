// Package chat is the per-call text chat: a server side service that
// validates and stores messages, and a client side feed that merges pushed
// and polled messages into one ordered, de-duplicated list.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"meetzap/backend/internal/config"
	"meetzap/backend/internal/localization"
	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/metrics"
	"meetzap/backend/internal/models"
	"meetzap/backend/internal/realtime"
	"meetzap/backend/internal/storage"

	"go.uber.org/zap"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message is too long")
	ErrNoCall         = errors.New("message has no call id")
)

// Source lists the newest messages of a call, oldest first.
type Source interface {
	List(ctx context.Context, callID string, limit int) ([]models.ChatMessage, error)
}

type Service struct {
	store  storage.ChatStore
	broker realtime.Broker
	loc    *localization.Localizer
	log    *zap.Logger
	maxLen int
}

func NewService(store storage.ChatStore, broker realtime.Broker, loc *localization.Localizer, log *zap.Logger) *Service {
	return &Service{
		store:  store,
		broker: broker,
		loc:    loc,
		log:    logging.OrNop(log),
		maxLen: config.ChatMaxLength,
	}
}

// Send trims and validates msg, fills a missing sender name, stores it and
// publishes it on the call's chat channel.
func (s *Service) Send(ctx context.Context, msg *models.ChatMessage) error {
	msg.Text = strings.TrimSpace(msg.Text)
	switch {
	case msg.SessionID == "":
		return ErrNoCall
	case msg.Text == "":
		return ErrEmptyMessage
	case utf8.RuneCountInString(msg.Text) > s.maxLen:
		return fmt.Errorf("%w: limit is %d characters", ErrMessageTooLong, s.maxLen)
	}
	msg.SenderName = strings.TrimSpace(msg.SenderName)
	if msg.SenderName == "" {
		msg.SenderName = s.loc.GetString(localization.LangFrom(ctx), localization.KeyAnonymousSender)
	}

	if err := s.store.SaveChatMessage(ctx, msg); err != nil {
		return fmt.Errorf("save chat message: %w", err)
	}
	metrics.ChatMessagesTotal.Inc()

	if s.broker != nil {
		err := realtime.PublishRow(ctx, s.broker, models.ChatChannel(msg.SessionID), models.TableChat, models.ChangeInsert, msg)
		if err != nil {
			s.log.Warn("publish chat message failed", zap.Uint("message_id", msg.ID), zap.Error(err))
		}
	}
	return nil
}

// List returns the newest limit messages of a call, oldest first.
func (s *Service) List(ctx context.Context, callID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > config.ChatFetchLimit {
		limit = config.ChatFetchLimit
	}
	return s.store.ListChatMessages(ctx, callID, limit)
}

// Package storage persists sessions, signals, chat messages and users in
// PostgreSQL (via gorm) and keeps token revocations and preferences in Redis.
package storage

import (
	"context"
	"errors"
	"time"

	"meetzap/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSessionEnded is returned when mutating a session that already ended.
	ErrSessionEnded = errors.New("session already ended")
	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("already exists")
)

// SessionStore is the Session Record Manager's persistence.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// FindActiveSessionForUser returns nil, nil when the user has none.
	FindActiveSessionForUser(ctx context.Context, userID string) (*models.Session, error)
	// ListWaitingSessions returns unpaired waiting sessions active since
	// freshSince, oldest heartbeat first.
	ListWaitingSessions(ctx context.Context, freshSince time.Time, limit int) ([]models.Session, error)
	// ClaimSession pairs id with partner under callID only if id is still
	// waiting, unpaired and fresh. It reports whether the row was claimed.
	ClaimSession(ctx context.Context, id string, partner *models.Session, callID string, now, freshSince time.Time) (bool, error)
	// ReleaseSession resets id to waiting only if it is paired with
	// partnerSessionID. It reports whether the row changed.
	ReleaseSession(ctx context.Context, id, partnerSessionID string, now time.Time) (bool, error)
	// ResetToWaiting clears the partner and, if skipUserID is set, appends
	// it to the skip list.
	ResetToWaiting(ctx context.Context, id string, now time.Time, skipUserID string) (*models.Session, error)
	EndSession(ctx context.Context, id string) (*models.Session, error)
	TouchSession(ctx context.Context, id string, now time.Time) (*models.Session, error)
	// EndStaleSessions ends active sessions whose heartbeat is older than
	// before and returns them as they were before ending. A session that
	// heartbeats or gets claimed concurrently is not ended.
	EndStaleSessions(ctx context.Context, before time.Time) ([]models.Session, error)
	CountOnline(ctx context.Context, freshSince time.Time) (int64, error)
	ListSessions(ctx context.Context, status models.SessionStatus, limit int) ([]models.Session, error)
}

// SignalStore persists call-setup signals.
type SignalStore interface {
	SaveSignal(ctx context.Context, sig *models.Signal) error
	// ListSignals returns signals to toSessionID within callID with an id
	// greater than afterID, in arrival order.
	ListSignals(ctx context.Context, toSessionID, callID, afterID string, limit int) ([]models.Signal, error)
}

// ChatStore persists chat messages.
type ChatStore interface {
	SaveChatMessage(ctx context.Context, msg *models.ChatMessage) error
	// ListChatMessages returns the newest limit messages, oldest first.
	ListChatMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
}

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// TokenStore tracks revoked token ids until they would have expired anyway.
type TokenStore interface {
	RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Storage is everything the server needs from persistence.
type Storage interface {
	SessionStore
	SignalStore
	ChatStore
	UserStore
	TokenStore
}

// Service implements Storage on PostgreSQL and Redis.
type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client) *Service {
	return &Service{
		DB:    db,
		Redis: rdb,
	}
}

// Migrate creates or updates the tables.
func (s *Service) Migrate() error {
	return s.DB.AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.Signal{},
		&models.ChatMessage{},
	)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}

package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	StatusWaiting  SessionStatus = "waiting"
	StatusChatting SessionStatus = "chatting"
	StatusEnded    SessionStatus = "ended"
)

// ErrInvalidStatus is returned for any status outside the canonical set.
var ErrInvalidStatus = errors.New("invalid session status")

// ParseSessionStatus validates a status coming from outside the process.
// Legacy values such as "matched" or "inactive" are rejected.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch st := SessionStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusWaiting, StatusChatting, StatusEnded:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Active reports whether the session still takes part in search or chat.
func (s SessionStatus) Active() bool {
	return s == StatusWaiting || s == StatusChatting
}

// Session is one user's active search/chat attempt.
type Session struct {
	ID     string        `gorm:"primaryKey" json:"id"`
	UserID string        `gorm:"not null;index:idx_session_user_status" json:"user_id"`
	Status SessionStatus `gorm:"type:text;not null;index:idx_session_user_status;index:idx_session_scan" json:"status"`

	// PartnerUserID and PartnerSessionID are back-references only.
	PartnerUserID    *string `json:"partner_user_id"`
	PartnerSessionID *string `gorm:"index" json:"partner_session_id"`
	// CallID is minted for each pairing and written on both rows, so a
	// session that skips and rematches starts a fresh chat and signal scope.
	CallID *string `gorm:"index" json:"call_id"`

	Filters `gorm:"embedded"`

	// SkippedUserIDs holds users this session skipped; they are not offered again.
	SkippedUserIDs pq.StringArray `gorm:"type:text[]" json:"skipped_user_ids,omitempty"`

	LastActive time.Time `gorm:"not null;index:idx_session_scan" json:"last_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName keeps the table name used by the web client.
func (Session) TableName() string {
	return "user_sessions"
}

// BeforeCreate assigns a UUID when the ID is empty.
func (s *Session) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return
}

// HasPartner reports whether a partner reference is set.
func (s *Session) HasPartner() bool {
	return s.PartnerSessionID != nil && *s.PartnerSessionID != ""
}

// PartnerSession returns the partner session id or "".
func (s *Session) PartnerSession() string {
	if s.PartnerSessionID == nil {
		return ""
	}
	return *s.PartnerSessionID
}

// Call returns the current call id or "".
func (s *Session) Call() string {
	if s.CallID == nil {
		return ""
	}
	return *s.CallID
}

// Fresh reports whether the heartbeat is within the window.
func (s *Session) Fresh(now time.Time, window time.Duration) bool {
	return now.Sub(s.LastActive) <= window
}

// CheckInvariant verifies the status/partner pairing.
func (s *Session) CheckInvariant() error {
	switch s.Status {
	case StatusChatting:
		if !s.HasPartner() || s.PartnerUserID == nil {
			return fmt.Errorf("session %s is chatting without a partner", s.ID)
		}
		if s.Call() == "" {
			return fmt.Errorf("session %s is chatting without a call id", s.ID)
		}
	case StatusWaiting, StatusEnded:
		if s.HasPartner() {
			return fmt.Errorf("session %s is %s with partner %s", s.ID, s.Status, s.PartnerSession())
		}
		if s.Call() != "" {
			return fmt.Errorf("session %s is %s with call %s", s.ID, s.Status, s.Call())
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, s.Status)
	}
	return nil
}

// Skipped reports whether userID is in the skip list.
func (s *Session) Skipped(userID string) bool {
	for _, id := range s.SkippedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

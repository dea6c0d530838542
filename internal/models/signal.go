package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SignalType is the kind of call-setup message.
type SignalType string

const (
	SignalOffer  SignalType = "offer"
	SignalAnswer SignalType = "answer"
	SignalICE    SignalType = "ice"
)

// ErrInvalidSignal is returned for signals that fail boundary validation.
var ErrInvalidSignal = errors.New("invalid signal")

// ParseSignalType validates a signal type.
func ParseSignalType(s string) (SignalType, error) {
	switch t := SignalType(s); t {
	case SignalOffer, SignalAnswer, SignalICE:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, s)
	}
}

// Signal is an append-only directional call-setup record. IDs are ULIDs, so
// ordering by ID is arrival order.
type Signal struct {
	ID            string         `gorm:"primaryKey" json:"id"`
	FromSessionID string         `gorm:"not null;index" json:"from_session_id"`
	ToSessionID   string         `gorm:"not null;index:idx_signal_to" json:"to_session_id"`
	// CallID is set by the server from the sender's current call.
	CallID        string         `gorm:"not null;default:'';index:idx_signal_to" json:"call_id"`
	Type          SignalType     `gorm:"type:text;not null" json:"type"`
	Payload       datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	CreatedAt     time.Time      `json:"created_at"`
}

// TableName keeps the table name used by the web client.
func (Signal) TableName() string {
	return "video_signals"
}

// BeforeCreate assigns a ULID when the ID is empty.
func (s *Signal) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == "" {
		s.ID = ulid.Make().String()
	}
	return
}

// Validate checks addressing, type and that the payload is a JSON object.
func (s *Signal) Validate() error {
	if s.FromSessionID == "" || s.ToSessionID == "" {
		return fmt.Errorf("%w: from and to are required", ErrInvalidSignal)
	}
	if s.FromSessionID == s.ToSessionID {
		return fmt.Errorf("%w: signal addressed to its sender", ErrInvalidSignal)
	}
	if _, err := ParseSignalType(string(s.Type)); err != nil {
		return err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(s.Payload, &obj); err != nil {
		return fmt.Errorf("%w: payload is not a JSON object: %v", ErrInvalidSignal, err)
	}
	return nil
}

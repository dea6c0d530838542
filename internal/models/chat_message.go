package models

import (
	"time"
)

// ChatMessage is a text message sent during a call. SessionID holds the call
// id both sessions carry while paired, so a thread never outlives its call.
type ChatMessage struct {
	// ID is assigned by the database and is what clients dedupe on.
	ID         uint      `gorm:"primaryKey" json:"id"`
	SessionID  string    `gorm:"not null;index:idx_chat_session_created" json:"session_id"`
	SenderID   string    `gorm:"not null" json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Text       string    `gorm:"type:text;not null" json:"message"`
	CreatedAt  time.Time `gorm:"index:idx_chat_session_created" json:"created_date"`
}

package models

import (
	"encoding/json"
	"fmt"
)

// ChangeType is the kind of row change pushed over the realtime feed.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
)

const (
	TableSessions = "user_sessions"
	TableSignals  = "video_signals"
	TableChat     = "chat_messages"
)

// ChangeEvent is one row change delivered to realtime subscribers.
type ChangeEvent struct {
	Table string          `json:"table"`
	Type  ChangeType      `json:"type"`
	Row   json.RawMessage `json:"new"`
}

// NewChangeEvent marshals row into a ChangeEvent.
func NewChangeEvent(table string, typ ChangeType, row any) (ChangeEvent, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("marshal %s row: %w", table, err)
	}
	return ChangeEvent{Table: table, Type: typ, Row: raw}, nil
}

// SessionChannel, SignalChannel and ChatChannel name the realtime channels
// filtered by the column a subscriber cares about.
func SessionChannel(sessionID string) string { return "session:" + sessionID }
func SignalChannel(toSessionID string) string { return "signal:" + toSessionID }
func ChatChannel(callID string) string { return "chat:" + callID }

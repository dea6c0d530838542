package chathub

import "meetzap/backend/internal/models"

// Command types sent by clients.
const (
	CmdWatch     = "watch"
	CmdHeartbeat = "heartbeat"
	CmdSignal    = "signal"
	CmdChat      = "chat"
)

// Frame types sent to clients.
const (
	FrameEvent   = "event"
	FrameSession = "session"
	FrameAck     = "ack"
	FrameError   = "error"
)

// Command is a client to server frame. Ref is echoed back in the reply so the
// client can match acks and errors to requests.
type Command struct {
	Type      string              `json:"type"`
	Ref       string              `json:"ref,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Signal    *models.Signal      `json:"signal,omitempty"`
	Message   *models.ChatMessage `json:"message,omitempty"`
}

// Frame is a server to client frame.
type Frame struct {
	Type    string              `json:"type"`
	Ref     string              `json:"ref,omitempty"`
	Channel string              `json:"channel,omitempty"`
	Event   *models.ChangeEvent `json:"event,omitempty"`
	Session *models.Session     `json:"session,omitempty"`
	Error   string              `json:"error,omitempty"`
}

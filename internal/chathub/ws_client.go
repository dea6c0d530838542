package chathub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"meetzap/backend/internal/localization"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// SDP offers with many candidates run to a few kilobytes.
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
	commandTimeout = 10 * time.Second
)

// WebSocketClient implements Client over a gorilla/websocket connection.
type WebSocketClient struct {
	UserID string
	Conn   *websocket.Conn
	Hub    *ManagerService
	Send   chan Frame

	mu        sync.Mutex
	sessionID string
	base      context.Context
	closeOnce sync.Once
}

// NewWebSocketClient wraps an upgraded connection. lang is the negotiated
// language used for messages produced on the client's behalf.
func NewWebSocketClient(hub *ManagerService, conn *websocket.Conn, userID, lang string) *WebSocketClient {
	return &WebSocketClient{
		UserID: userID,
		Conn:   conn,
		Hub:    hub,
		Send:   make(chan Frame, sendBuffer),
		base:   localization.WithLang(context.Background(), lang),
	}
}

func (c *WebSocketClient) GetUserID() string            { return c.UserID }
func (c *WebSocketClient) GetSendChannel() chan<- Frame { return c.Send }

func (c *WebSocketClient) GetSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *WebSocketClient) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// Run starts the pumps.
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close closes Send, which makes writePump send a close frame and exit.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() { close(c.Send) })
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.Warn("websocket read failed", zap.String("user_id", c.UserID), zap.Error(err))
			}
			break
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.Hub.log.Debug("undecodable frame", zap.String("user_id", c.UserID), zap.Error(err))
			c.Hub.Handle(c.base, c, Command{Type: "invalid"})
			continue
		}

		ctx, cancel := context.WithTimeout(c.base, commandTimeout)
		c.Hub.Handle(ctx, c, cmd)
		cancel()
	}
}

// writePump writes one JSON frame per WebSocket message and keeps the
// connection alive with pings.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(frame); err != nil {
				c.Hub.log.Debug("websocket write failed", zap.String("user_id", c.UserID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

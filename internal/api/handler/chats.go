package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"meetzap/backend/internal/models"

	"github.com/gin-gonic/gin"
)

type chatRequest struct {
	SessionID  string `json:"session_id" binding:"required"`
	Text       string `json:"message"`
	SenderName string `json:"sender_name"`
}

// SendChatMessage posts into call :id. The sender's session must be in that
// call right now.
func (h *Handler) SendChatMessage(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	sess, err := h.ownSession(c, req.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	callID := c.Param("id")
	if sess.Status != models.StatusChatting || sess.Call() == "" || sess.Call() != callID {
		h.fail(c, errForbidden)
		return
	}

	msg := &models.ChatMessage{
		SessionID:  callID,
		SenderID:   currentUser(c).ID,
		SenderName: req.SenderName,
		Text:       req.Text,
	}
	if err := h.Chat.Send(c.Request.Context(), msg); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ListChatMessages returns the newest messages of call :id, oldest first.
// The caller's session must be in that call right now.
func (h *Handler) ListChatMessages(c *gin.Context) {
	sess, err := h.ownSession(c, c.Query("session_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	callID := c.Param("id")
	if sess.Call() == "" || sess.Call() != callID {
		h.fail(c, errForbidden)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			h.fail(c, fmt.Errorf("%w: limit %q", errBadRequest, raw))
			return
		}
	}
	msgs, err := h.Chat.List(c.Request.Context(), callID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	c.JSON(http.StatusOK, msgs)
}

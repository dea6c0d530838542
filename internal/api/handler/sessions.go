package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"meetzap/backend/internal/models"
	"meetzap/backend/internal/preferences"

	"github.com/gin-gonic/gin"
)

// sessionView is a session plus, while chatting, its partner.
type sessionView struct {
	Session     *models.Session `json:"session"`
	Partner     *models.Session `json:"partner,omitempty"`
	PartnerName string          `json:"partner_name,omitempty"`
	CallID      string          `json:"call_id,omitempty"`
	Caller      bool            `json:"caller,omitempty"`
}

func (h *Handler) view(c *gin.Context, sess *models.Session) (sessionView, error) {
	v := sessionView{Session: sess}
	partner, err := h.Match.CheckIfMatched(c.Request.Context(), sess.ID)
	if err != nil || partner == nil {
		return v, err
	}
	v.Partner = partner
	v.PartnerName = h.Match.PartnerName(c.Request.Context(), partner.UserID)
	v.CallID = sess.Call()
	v.Caller = models.IsCaller(sess.ID, partner.ID)
	return v, nil
}

func (h *Handler) respondSession(c *gin.Context, status int, sess *models.Session) {
	v, err := h.view(c, sess)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(status, v)
}

// CreateSession returns the caller's live session or starts a new one. The
// body holds filters; missing fields come from the stored preferences.
func (h *Handler) CreateSession(c *gin.Context) {
	var req models.Filters
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	user := currentUser(c)
	stored, err := h.Prefs.Load(c.Request.Context(), user.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	sess, err := h.Match.GetOrCreateSession(c.Request.Context(), user.ID, preferences.Resolve(stored, req))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondSession(c, http.StatusOK, sess)
}

func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.ownSession(c, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondSession(c, http.StatusOK, sess)
}

func (h *Handler) Search(c *gin.Context) {
	if _, err := h.ownSession(c, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	sess, err := h.Match.Search(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondSession(c, http.StatusOK, sess)
}

func (h *Handler) Skip(c *gin.Context) {
	if _, err := h.ownSession(c, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	sess, err := h.Match.SkipAndFindNext(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondSession(c, http.StatusOK, sess)
}

func (h *Handler) Leave(c *gin.Context) {
	if _, err := h.ownSession(c, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Match.LeaveQueue(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Heartbeat(c *gin.Context) {
	if _, err := h.ownSession(c, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	sess, err := h.Match.Heartbeat(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondSession(c, http.StatusOK, sess)
}

func (h *Handler) CountOnline(c *gin.Context) {
	n, err := h.Match.CountOnline(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": n})
}

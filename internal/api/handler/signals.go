package handler

import (
	"fmt"
	"net/http"

	"meetzap/backend/internal/models"
	"meetzap/backend/internal/signaling"

	"github.com/gin-gonic/gin"
)

// SendSignal relays a signal from one of the caller's sessions to that
// session's current partner.
func (h *Handler) SendSignal(c *gin.Context) {
	var sig models.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	sess, err := h.ownSession(c, sig.FromSessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := signaling.Bind(sess, &sig); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Signals.SendSignal(c.Request.Context(), &sig); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sig)
}

// PendingSignals returns signals addressed to ?to= in its current call after
// the ?after= id. A ?call= that is no longer current gets an empty list.
func (h *Handler) PendingSignals(c *gin.Context) {
	sess, err := h.ownSession(c, c.Query("to"))
	if err != nil {
		h.fail(c, err)
		return
	}
	var sigs []models.Signal
	if want := c.Query("call"); want == "" || want == sess.Call() {
		sigs, err = h.Signals.Pending(c.Request.Context(), sess.ID, sess.Call(), c.Query("after"))
		if err != nil {
			h.fail(c, err)
			return
		}
	}
	if sigs == nil {
		sigs = []models.Signal{}
	}
	c.JSON(http.StatusOK, sigs)
}

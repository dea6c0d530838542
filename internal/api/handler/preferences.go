package handler

import (
	"fmt"
	"net/http"
	"strings"

	"meetzap/backend/internal/models"

	"github.com/gin-gonic/gin"
)

func (h *Handler) GetPreferences(c *gin.Context) {
	prefs, err := h.Prefs.Load(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

// PutPreferences replaces the stored preferences. Partial filters are
// accepted; they are only validated when a session is created from them.
func (h *Handler) PutPreferences(c *gin.Context) {
	var prefs models.Preferences
	if err := c.ShouldBindJSON(&prefs); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	prefs.Filters = prefs.Filters.Normalize()
	prefs.DisplayName = strings.TrimSpace(prefs.DisplayName)

	if err := h.Prefs.Save(c.Request.Context(), currentUser(c).ID, prefs); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

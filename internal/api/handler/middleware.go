package handler

import (
	"errors"
	"net/http"
	"time"

	"meetzap/backend/internal/auth"
	"meetzap/backend/internal/chat"
	"meetzap/backend/internal/localization"
	"meetzap/backend/internal/matchmaker"
	"meetzap/backend/internal/models"
	"meetzap/backend/internal/preferences"
	"meetzap/backend/internal/signaling"
	"meetzap/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ctxUser  = "user"
	ctxToken = "token"
	ctxLang  = "lang"
)

var (
	errForbidden  = errors.New("forbidden")
	errBadRequest = errors.New("bad request")
)

// RequestLogger logs one line per request.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Language negotiates the response language from Accept-Language and puts
// it on the request context for the services.
func (h *Handler) Language() gin.HandlerFunc {
	return func(c *gin.Context) {
		lang := h.Loc.Match(c.GetHeader("Accept-Language"))
		c.Set(ctxLang, lang)
		c.Request = c.Request.WithContext(localization.WithLang(c.Request.Context(), lang))
		c.Next()
	}
}

// RequireAuth accepts the token as a bearer header or, for WebSocket
// upgrades from browsers, as ?token=.
func (h *Handler) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			h.fail(c, auth.ErrUnauthenticated)
			return
		}
		user, err := h.Auth.CurrentUser(c.Request.Context(), token)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.Set(ctxUser, user)
		c.Set(ctxToken, token)
		c.Next()
	}
}

func currentUser(c *gin.Context) *models.User {
	return c.MustGet(ctxUser).(*models.User)
}

func lang(c *gin.Context) string {
	return c.GetString(ctxLang)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden), errors.Is(err, signaling.ErrNotPaired):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrEmailTaken),
		errors.Is(err, matchmaker.ErrAlreadyClaimed),
		errors.Is(err, matchmaker.ErrPartialConnect),
		errors.Is(err, storage.ErrSessionEnded),
		errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, auth.ErrInvalidSignUp),
		errors.Is(err, models.ErrInvalidFilters),
		errors.Is(err, models.ErrInvalidSignal),
		errors.Is(err, models.ErrInvalidStatus),
		errors.Is(err, matchmaker.ErrSelfMatch),
		errors.Is(err, preferences.ErrInvalidUserID),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrMessageTooLong),
		errors.Is(err, chat.ErrNoCall):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail aborts with the status err maps to. Internal errors are logged and
// answered with the localized retry message only.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		h.Log.Error("request failed",
			zap.String("method", c.Request.Method), zap.String("path", c.FullPath()), zap.Error(err))
		msg = h.Loc.GetString(lang(c), localization.KeyGenericRetry)
	case http.StatusUnauthorized:
		if errors.Is(err, auth.ErrUnauthenticated) {
			msg = h.Loc.GetString(lang(c), localization.KeyUnauthenticated)
		}
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// ownSession loads a session and checks it belongs to the caller.
func (h *Handler) ownSession(c *gin.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, errBadRequest
	}
	sess, err := h.Match.Session(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != currentUser(c).ID {
		return nil, errForbidden
	}
	return sess, nil
}

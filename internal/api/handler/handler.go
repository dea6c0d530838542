// Package handler exposes the matchmaking, signaling and chat services over
// HTTP and the WebSocket hub.
package handler

import (
	"net/http"

	"meetzap/backend/internal/auth"
	"meetzap/backend/internal/chat"
	"meetzap/backend/internal/chathub"
	"meetzap/backend/internal/localization"
	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/matchmaker"
	"meetzap/backend/internal/preferences"
	"meetzap/backend/internal/signaling"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler holds the services behind the routes.
type Handler struct {
	Hub     *chathub.ManagerService
	Auth    *auth.Service
	Match   *matchmaker.Service
	Signals *signaling.Relay
	Chat    *chat.Service
	Prefs   preferences.Repository
	Loc     *localization.Localizer
	Log     *zap.Logger
}

func NewHandler(hub *chathub.ManagerService, authSvc *auth.Service, match *matchmaker.Service, signals *signaling.Relay,
	chatSvc *chat.Service, prefs preferences.Repository, loc *localization.Localizer, log *zap.Logger) *Handler {
	return &Handler{
		Hub:     hub,
		Auth:    authSvc,
		Match:   match,
		Signals: signals,
		Chat:    chatSvc,
		Prefs:   prefs,
		Loc:     loc,
		Log:     logging.OrNop(log),
	}
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", h.Language())

	api.POST("/auth/signup", h.SignUp)
	api.POST("/auth/signin", h.SignIn)

	private := api.Group("/", h.RequireAuth())
	private.POST("/auth/signout", h.SignOut)
	private.GET("/auth/me", h.Me)

	private.GET("/preferences", h.GetPreferences)
	private.PUT("/preferences", h.PutPreferences)

	private.POST("/sessions", h.CreateSession)
	private.GET("/sessions/online", h.CountOnline)
	private.GET("/sessions/:id", h.GetSession)
	private.POST("/sessions/:id/search", h.Search)
	private.POST("/sessions/:id/skip", h.Skip)
	private.POST("/sessions/:id/leave", h.Leave)
	private.POST("/sessions/:id/heartbeat", h.Heartbeat)

	private.POST("/signals", h.SendSignal)
	private.GET("/signals", h.PendingSignals)

	private.POST("/chats/:id/messages", h.SendChatMessage)
	private.GET("/chats/:id/messages", h.ListChatMessages)

	if h.Hub != nil {
		private.GET("/ws", h.ServeWebSocket)
	}
}

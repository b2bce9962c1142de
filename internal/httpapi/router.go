// Package httpapi is the Gin HTTP surface: the `/api/v1` business
// endpoints plus `/health`, `/metrics`, and the WebSocket upgrade. It holds
// no state of its own — every handler is a thin adapter over
// internal/messaging.Service, internal/store.Store, and
// internal/wsrelay.Manager, each constructed once in cmd/server and
// passed in here.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/streamspace-dev/chatrelay/internal/apperr"
	"github.com/streamspace-dev/chatrelay/internal/config"
	"github.com/streamspace-dev/chatrelay/internal/messaging"
	"github.com/streamspace-dev/chatrelay/internal/metrics"
	"github.com/streamspace-dev/chatrelay/internal/middleware"
	"github.com/streamspace-dev/chatrelay/internal/store"
	"github.com/streamspace-dev/chatrelay/internal/wsrelay"
)

const version = "1.0.0"

// Deps bundles everything a handler might need to reach.
type Deps struct {
	Config   config.Config
	Store    store.Store
	Service  *messaging.Service
	Manager  *wsrelay.Manager
	Authr    *wsrelay.Authenticator
	Metrics  *metrics.Registry
	Log      zerolog.Logger
}

// NewRouter builds the full middleware chain and route table:
// recovery and request-id first, then security/compression/size
// concerns, then the error-translation middleware that turns
// apperr.AppError into the JSON {detail} shape, then the per-IP rate
// limiter. The error translator wraps every route handler, so it sees
// each c.Error a handler attaches.
func NewRouter(d Deps) *gin.Engine {
	if d.Config.Environment != config.EnvDev {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(apperr.Recovery(d.Log))
	r.Use(middleware.RequestID())
	r.Use(middleware.StructuredLogger())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.AllowedHTTPMethods())
	r.Use(middleware.DisallowedHTTPMethods())
	r.Use(middleware.NewInputValidator().Middleware())
	r.Use(middleware.Gzip(middleware.DefaultCompression))
	r.Use(middleware.DefaultSizeLimiter())
	timeoutCfg := middleware.DefaultTimeoutConfig()
	timeoutCfg.ExcludedPaths = []string{"/ws/"}
	r.Use(middleware.Timeout(timeoutCfg))
	r.Use(apperr.Middleware(d.Log))

	rl := middleware.NewRateLimiter(20, 40)
	r.Use(rl.Middleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Metrics.Gatherer(), promhttp.HandlerOpts{})))
	r.GET("/ws/:userId", newWSHandler(d))

	h := &handlers{d: d}

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})

	authed := api.Group("")
	authed.Use(RequireAuth(d.Authr))

	authed.GET("/whoami", h.whoami)

	authed.GET("/conversations", h.listConversations)
	authed.POST("/conversations", h.createConversation)
	authed.GET("/conversations/:id", h.getConversation)
	authed.PUT("/conversations/:id", h.updateConversation)
	authed.POST("/conversations/:id/members", h.addMember)

	authed.GET("/conversations/:id/messages", h.listMessages)
	authed.POST("/conversations/:id/messages", h.sendMessage)
	authed.POST("/conversations/:id/messages/:messageId/read", h.markRead)
	authed.POST("/conversations/:id/mark_all_read", h.markAllRead)
	authed.POST("/conversations/:id/messages/:messageId/reactions", h.setReaction)
	authed.POST("/conversations/:id/typing", h.typing)

	authed.POST("/user/status", h.setStatus)

	authed.POST("/maintenance/recompute_unread", h.recomputeUnread)

	admin := authed.Group("/maintenance")
	admin.Use(RequireAdmin(d.Config))
	admin.POST("/find_inconsistencies", h.findInconsistencies)
	admin.POST("/repair_all_unread_counts", h.repairAllUnread)

	return r
}

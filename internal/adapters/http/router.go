// Package http is the local control API driven by the UI.
package http

import (
	"github.com/dkeye/PeerCall/internal/app/call"
	"github.com/dkeye/PeerCall/internal/config"
	"github.com/dkeye/PeerCall/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Controller is the call machine as seen by the API.
type Controller interface {
	Snapshot() call.Snapshot
	ToggleCallMode() (bool, error)
	EndCurrentCall() error
	NextPartner() error
	ToggleMute() (bool, error)
	ToggleVideo() (bool, error)
	RatePartner(value int) error
	SetFilters(f domain.QueueFilters) error
	Teardown() error
}

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, ctrl Controller, hub *EventHub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PeerCallSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{ctrl: ctrl}
	limiter := NewRateLimiter(cfg.Control.RateLimit, cfg.Control.RateInterval)

	origins := NewOriginPolicy(cfg.Control.AllowedOrigins)
	hub.CheckOrigin(origins.Allow)

	api := r.Group("/api", OriginMiddleware(origins))
	api.GET("/call/state", h.state)
	api.GET("/call/filters", h.filters)
	api.GET("/ws/events", hub.Handle)

	cmd := api.Group("/call", JSONOnlyMiddleware(), RateLimitMiddleware(limiter))
	cmd.POST("/mode", h.toggleMode)
	cmd.POST("/end", h.end)
	cmd.POST("/next", h.next)
	cmd.POST("/mute", h.toggleMute)
	cmd.POST("/video", h.toggleVideo)
	cmd.POST("/rate", h.rate)
	cmd.POST("/filters", h.setFilters)
	cmd.POST("/teardown", h.teardown)

	return r
}

package server

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"portfolio-session-server/internal/auth"
	"portfolio-session-server/internal/handler"
	"portfolio-session-server/internal/hub"
	"portfolio-session-server/internal/middleware"
)

type Deps struct {
	Sessions    handler.Sessions
	Hub         *hub.Hub
	TokenConfig auth.TokenConfig
	// Limiter is optional; nil disables rate limiting.
	Limiter *middleware.RateLimiter
	Logger  *zap.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	wsHub := deps.Hub
	if wsHub == nil {
		wsHub = hub.New(log)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))

	sessionHandler := &handler.SessionHandler{Sessions: deps.Sessions}
	r.GET("/ping", sessionHandler.Ping)

	limited := r.Group("/")
	if deps.Limiter != nil {
		limited.Use(middleware.RateLimitMiddleware(deps.Limiter))
	}

	wsHandler := &handler.WebSocketHandler{Hub: wsHub, Sessions: deps.Sessions, TokenConfig: deps.TokenConfig}
	limited.GET("/ws", wsHandler.Serve)

	protected := limited.Group("/")
	protected.Use(middleware.RequireAPIKey(deps.TokenConfig))
	protected.POST("/login", sessionHandler.Login)
	protected.POST("/submit-2fa", sessionHandler.SubmitTwoFactor)
	protected.GET("/refresh/:sessionId", sessionHandler.Refresh)
	protected.GET("/session/:sessionId", sessionHandler.Get)
	protected.DELETE("/session/:sessionId", sessionHandler.Close)
	protected.GET("/status", sessionHandler.Status)

	return r
}

package server

import (
	"chat-realtime/internal/auth"

	"github.com/gin-gonic/gin"
)

type Router struct {
	engine   *gin.Engine
	handlers *Handlers
	resolver *auth.Resolver
}

func NewRouter(handlers *Handlers, resolver *auth.Resolver) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Router{
		engine:   engine,
		handlers: handlers,
		resolver: resolver,
	}
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/health", r.handlers.HandleHealth)

	api := r.engine.Group("/api/v1")
	api.GET("/ws", WSAuth(r.resolver), r.handlers.HandleWebSocket)

	// Cluster-internal surface: the message pipeline's HTTP callback and the
	// operator debug view.
	internal := r.engine.Group("/internal/v1")
	internal.POST("/broadcast", r.handlers.HandleBroadcast)
	internal.GET("/debug/fanout", r.handlers.HandleSnapshot)
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

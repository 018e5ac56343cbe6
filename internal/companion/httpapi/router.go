package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/rhao5556-beep/peiban-sub000/pkg/security/auth/jwt"
)

// Register wires C12's routes onto engine, mirroring the reference router's
// Group-nesting shape (internal/rag/router/router.go) but scoped to the
// companion core's flatter, unversioned surface (§6 names no /v1 prefix).
func Register(engine *gin.Engine, h *Handler, authenticator *jwt.JWT) {
	logger.Info("Registering companion routes...")

	engine.POST("/auth/token", h.IssueToken)

	protected := engine.Group("/")
	protected.Use(authMiddleware(authenticator))
	{
		protected.POST("/sse/message", h.StreamMessage)
		protected.GET("/memories/:id", h.GetMemory)
		protected.DELETE("/memories", h.DeleteMemories)
		protected.GET("/affinity/", h.GetAffinity)
		protected.GET("/affinity/history", h.GetAffinityHistory)
		protected.GET("/graph/", h.GetGraph)
	}

	logger.Info("HTTP routes registered")
}

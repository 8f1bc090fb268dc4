package api

import (
	"github.com/gin-gonic/gin"

	"github.com/13ty/agor-sub000/internal/common/logger"
)

// SetupRoutes mounts the REST API under /api/v1. Everything except the
// token exchange requires a user access token.
func SetupRoutes(router *gin.Engine, deps Deps, log *logger.Logger) *Handler {
	handler := NewHandler(deps, log)

	v1group := router.Group("/api/v1")
	v1group.POST("/auth/token", handler.IssueToken)

	authed := v1group.Group("")
	authed.Use(RequireUser(deps.Issuer))
	{
		authed.POST("/users", handler.CreateUser)
		authed.GET("/users", handler.ListUsers)
		authed.GET("/users/:id", handler.GetUser)

		authed.POST("/repos", handler.RegisterRepo)
		authed.GET("/repos", handler.ListRepos)
		authed.GET("/repos/:id", handler.GetRepo)

		authed.POST("/worktrees", handler.CreateWorktree)
		authed.GET("/worktrees", handler.ListWorktrees)
		authed.GET("/worktrees/:id", handler.GetWorktree)
		authed.PATCH("/worktrees/:id", handler.UpdateWorktree)
		authed.GET("/worktrees/:id/owners", handler.ListWorktreeOwners)
		authed.POST("/worktrees/:id/owners", handler.AddWorktreeOwner)
		authed.DELETE("/worktrees/:id/owners/:userId", handler.RemoveWorktreeOwner)
		authed.GET("/worktrees/:id/sessions", handler.ListWorktreeSessions)

		authed.POST("/sessions", handler.CreateSession)
		authed.GET("/sessions/:id", handler.GetSession)
		authed.PATCH("/sessions/:id", handler.UpdateSession)
		authed.POST("/sessions/:id/prompts", handler.CreatePrompt)
		authed.POST("/sessions/:id/stop", handler.StopSession)
		authed.GET("/sessions/:id/tasks", handler.ListSessionTasks)
		authed.GET("/sessions/:id/messages", handler.ListSessionMessages)
		authed.POST("/sessions/:id/permissions/resolve", handler.ResolvePermission)

		authed.PUT("/credentials/:key", handler.SetCredential)
		authed.GET("/credentials", handler.ListCredentials)
		authed.DELETE("/credentials/:key", handler.DeleteCredential)
	}

	return handler
}

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
	"github.com/13ty/agor-sub000/internal/session"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

// CreateWorktree checks out a new worktree owned by the caller.
// POST /api/v1/worktrees
func (h *Handler) CreateWorktree(c *gin.Context) {
	claims := CallerClaims(c)

	var req v1.CreateWorktreeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	wt, err := h.worktrees.Create(c.Request.Context(), claims.UserID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wt)
}

// ListWorktrees returns the worktrees visible to the caller.
// GET /api/v1/worktrees
func (h *Handler) ListWorktrees(c *gin.Context) {
	claims := CallerClaims(c)

	all, err := h.store.ListWorktrees(c.Request.Context())
	if err != nil {
		respondError(c, apperrors.Internal("list worktrees", err))
		return
	}

	visible := make([]*v1.Worktree, 0, len(all))
	for _, wt := range all {
		ok, err := h.kernel.CanView(c.Request.Context(), claims.UserID, wt)
		if err != nil {
			respondError(c, err)
			return
		}
		if ok {
			visible = append(visible, wt)
		}
	}
	c.JSON(http.StatusOK, visible)
}

// GetWorktree returns one worktree if the caller may view it.
// GET /api/v1/worktrees/:id
func (h *Handler) GetWorktree(c *gin.Context) {
	claims := CallerClaims(c)
	id := c.Param("id")

	wt, err := h.store.GetWorktree(c.Request.Context(), id)
	if err != nil {
		respondError(c, apperrors.NotFound("worktree", id))
		return
	}
	ok, err := h.kernel.CanView(c.Request.Context(), claims.UserID, wt)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		respondError(c, apperrors.Forbidden("insufficient permission on worktree"))
		return
	}
	c.JSON(http.StatusOK, wt)
}

// UpdateWorktree patches others_can or archives the worktree. Owner only.
// PATCH /api/v1/worktrees/:id
func (h *Handler) UpdateWorktree(c *gin.Context) {
	claims := CallerClaims(c)
	id := c.Param("id")

	var req v1.UpdateWorktreeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	actx, err := h.kernel.AuthorizeWorktree(c.Request.Context(), claims.UserID, id, v1.PermissionAll)
	if err != nil {
		respondError(c, err)
		return
	}
	wt := actx.Worktree

	if req.Archived != nil && *req.Archived && !wt.Archived {
		if err := h.worktrees.Archive(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}
		wt.Archived = true
	}
	if req.OthersCan != nil {
		wt.OthersCan = *req.OthersCan
		wt.UpdatedAt = time.Now().UTC()
		if err := h.store.UpdateWorktree(c.Request.Context(), wt); err != nil {
			respondError(c, apperrors.Internal("update worktree", err))
			return
		}
	}
	c.JSON(http.StatusOK, wt)
}

// AddWorktreeOwner adds an owner. Owner only.
// POST /api/v1/worktrees/:id/owners
func (h *Handler) AddWorktreeOwner(c *gin.Context) {
	claims := CallerClaims(c)
	id := c.Param("id")

	var req AddOwnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	if _, err := h.kernel.AuthorizeWorktree(c.Request.Context(), claims.UserID, id, v1.PermissionAll); err != nil {
		respondError(c, err)
		return
	}
	if _, err := h.store.GetUser(c.Request.Context(), req.UserID); err != nil {
		respondError(c, apperrors.NotFound("user", req.UserID))
		return
	}
	if err := h.worktrees.AddOwner(c.Request.Context(), id, req.UserID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveWorktreeOwner drops an owner. Owner only.
// DELETE /api/v1/worktrees/:id/owners/:userId
func (h *Handler) RemoveWorktreeOwner(c *gin.Context) {
	claims := CallerClaims(c)
	id := c.Param("id")

	if _, err := h.kernel.AuthorizeWorktree(c.Request.Context(), claims.UserID, id, v1.PermissionAll); err != nil {
		respondError(c, err)
		return
	}
	if err := h.worktrees.RemoveOwner(c.Request.Context(), id, c.Param("userId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListWorktreeOwners returns the owner user ids.
// GET /api/v1/worktrees/:id/owners
func (h *Handler) ListWorktreeOwners(c *gin.Context) {
	claims := CallerClaims(c)
	id := c.Param("id")

	wt, err := h.store.GetWorktree(c.Request.Context(), id)
	if err != nil {
		respondError(c, apperrors.NotFound("worktree", id))
		return
	}
	ok, err := h.kernel.CanView(c.Request.Context(), claims.UserID, wt)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		respondError(c, apperrors.Forbidden("insufficient permission on worktree"))
		return
	}

	owners, err := h.store.ListWorktreeOwners(c.Request.Context(), id)
	if err != nil {
		respondError(c, apperrors.Internal("list owners", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"owners": owners})
}

// ListWorktreeSessions returns the sessions on a worktree.
// GET /api/v1/worktrees/:id/sessions
func (h *Handler) ListWorktreeSessions(c *gin.Context) {
	claims := CallerClaims(c)
	id := c.Param("id")

	wt, err := h.store.GetWorktree(c.Request.Context(), id)
	if err != nil {
		respondError(c, apperrors.NotFound("worktree", id))
		return
	}
	ok, err := h.kernel.CanView(c.Request.Context(), claims.UserID, wt)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		respondError(c, apperrors.Forbidden("insufficient permission on worktree"))
		return
	}

	sessions, err := h.store.ListSessions(c.Request.Context(), session.ListSessionsOptions{WorktreeID: id})
	if err != nil {
		respondError(c, apperrors.Internal("list sessions", err))
		return
	}
	c.JSON(http.StatusOK, sessions)
}

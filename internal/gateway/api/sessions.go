package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

// CreateSession binds a new agent conversation to a worktree. The
// session inherits the creator's unix username; both are immutable.
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	claims := CallerClaims(c)

	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}
	if !req.AgenticTool.Valid() {
		respondError(c, apperrors.InvalidInput("unknown agentic tool"))
		return
	}

	actx, err := h.kernel.AuthorizeWorktree(c.Request.Context(), claims.UserID, req.WorktreeID, v1.PermissionAll)
	if err != nil {
		respondError(c, err)
		return
	}
	if actx.Worktree.Archived {
		respondError(c, apperrors.Conflict("worktree is archived"))
		return
	}

	creator, err := h.store.GetUser(c.Request.Context(), claims.UserID)
	if err != nil {
		respondError(c, apperrors.NotFound("user", claims.UserID))
		return
	}

	now := time.Now().UTC()
	sess := &v1.Session{
		ID:             uuid.New().String(),
		WorktreeID:     req.WorktreeID,
		CreatedBy:      creator.ID,
		UnixUsername:   creator.UnixUsername,
		AgenticTool:    req.AgenticTool,
		Status:         v1.SessionStatusIdle,
		ReadyForPrompt: true,
		Title:          req.Title,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.store.CreateSession(c.Request.Context(), sess); err != nil {
		respondError(c, apperrors.Internal("create session", err))
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// GetSession returns one session. View rank required.
// GET /api/v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	claims := CallerClaims(c)

	actx, err := h.kernel.AuthorizeSession(c.Request.Context(), claims.UserID, c.Param("id"), v1.PermissionView)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, actx.Session)
}

// UpdateSession patches mutable session fields. Owner rank required;
// execution identity is immutable and status is orchestrator-owned.
// PATCH /api/v1/sessions/:id
func (h *Handler) UpdateSession(c *gin.Context) {
	claims := CallerClaims(c)
	id := c.Param("id")

	var req v1.UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}
	if req.Status != nil {
		respondError(c, apperrors.InvalidInput("status is managed by the orchestrator"))
		return
	}

	actx, err := h.kernel.AuthorizeSessionPatch(c.Request.Context(), claims.UserID, id, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	sess := actx.Session

	if req.ReadyForPrompt != nil {
		if *req.ReadyForPrompt && sess.Status == v1.SessionStatusStopping {
			respondError(c, apperrors.Conflict("a stopping session cannot be re-armed"))
			return
		}
		sess.ReadyForPrompt = *req.ReadyForPrompt
	}
	if req.Title != nil {
		sess.Title = *req.Title
	}
	if req.Archived != nil {
		sess.Archived = *req.Archived
	}
	sess.UpdatedAt = time.Now().UTC()

	if err := h.store.UpdateSession(c.Request.Context(), sess); err != nil {
		respondError(c, apperrors.Internal("update session", err))
		return
	}

	// Re-arming may release a queued prompt.
	if req.ReadyForPrompt != nil && *req.ReadyForPrompt {
		h.runner.Dispatch(c.Request.Context(), sess.ID)
	}
	c.JSON(http.StatusOK, sess)
}

// CreatePrompt queues a prompt and starts it when the session is free.
// Prompt rank required. POST /api/v1/sessions/:id/prompts
func (h *Handler) CreatePrompt(c *gin.Context) {
	claims := CallerClaims(c)

	var req v1.CreatePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	actx, err := h.kernel.AuthorizePrompt(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	task, err := h.runner.CreatePrompt(c.Request.Context(), actx.Session, req.Prompt, req.PermissionMode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

// StopSession stops the session's active task via the stop protocol.
// Prompt rank required. POST /api/v1/sessions/:id/stop
func (h *Handler) StopSession(c *gin.Context) {
	claims := CallerClaims(c)

	actx, err := h.kernel.AuthorizePrompt(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	task, err := h.runner.StopActiveTask(c.Request.Context(), actx.Session)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListSessionTasks returns the session's tasks in sequence order.
// GET /api/v1/sessions/:id/tasks
func (h *Handler) ListSessionTasks(c *gin.Context) {
	claims := CallerClaims(c)
	id := c.Param("id")

	if _, err := h.kernel.AuthorizeSession(c.Request.Context(), claims.UserID, id, v1.PermissionView); err != nil {
		respondError(c, err)
		return
	}

	tasks, err := h.store.ListTasks(c.Request.Context(), id)
	if err != nil {
		respondError(c, apperrors.Internal("list tasks", err))
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// ListSessionMessages returns the session transcript.
// GET /api/v1/sessions/:id/messages
func (h *Handler) ListSessionMessages(c *gin.Context) {
	claims := CallerClaims(c)
	id := c.Param("id")

	if _, err := h.kernel.AuthorizeSession(c.Request.Context(), claims.UserID, id, v1.PermissionView); err != nil {
		respondError(c, err)
		return
	}

	if taskID := c.Query("task_id"); taskID != "" {
		messages, err := h.store.ListMessages(c.Request.Context(), taskID)
		if err != nil {
			respondError(c, apperrors.Internal("list messages", err))
			return
		}
		c.JSON(http.StatusOK, messages)
		return
	}

	messages, err := h.store.ListSessionMessages(c.Request.Context(), id)
	if err != nil {
		respondError(c, apperrors.Internal("list messages", err))
		return
	}
	c.JSON(http.StatusOK, messages)
}

// ResolvePermission applies a human decision to a pending tool approval.
// Prompt rank required. POST /api/v1/sessions/:id/permissions/resolve
func (h *Handler) ResolvePermission(c *gin.Context) {
	claims := CallerClaims(c)
	id := c.Param("id")

	var req ResolvePermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	if _, err := h.kernel.AuthorizePrompt(c.Request.Context(), claims.UserID, id); err != nil {
		respondError(c, err)
		return
	}

	scope := req.Scope
	if scope == "" {
		scope = v1.ScopeOnce
	}
	err := h.runner.ResolvePermission(c.Request.Context(), id, v1.PermissionResolvedParams{
		RequestID: req.RequestID,
		TaskID:    req.TaskID,
		Allow:     req.Allow,
		Reason:    req.Reason,
		Remember:  req.Remember,
		Scope:     scope,
		DecidedBy: claims.UserID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

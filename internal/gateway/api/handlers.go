// Package api is the daemon's REST surface: users, repos, worktrees,
// sessions, prompts, and credentials. Authorization decisions are
// delegated to the auth kernel; handlers only translate HTTP.
package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/auth"
	"github.com/13ty/agor-sub000/internal/common/config"
	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/credentials"
	"github.com/13ty/agor-sub000/internal/orchestrator/runner"
	"github.com/13ty/agor-sub000/internal/session"
	"github.com/13ty/agor-sub000/internal/unixenv"
	"github.com/13ty/agor-sub000/internal/worktree"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

// Handler holds the services the REST surface fronts.
type Handler struct {
	store     session.Store
	kernel    *auth.Kernel
	runner    *runner.Service
	worktrees *worktree.Manager
	unix      *unixenv.Manager
	creds     *credentials.Store
	issuer    *auth.TokenIssuer
	authCfg   *config.AuthConfig
	execCfg   *config.ExecutionConfig
	paths     *config.PathsConfig
	logger    *logger.Logger
}

// Deps wires the handler's collaborators.
type Deps struct {
	Store     session.Store
	Kernel    *auth.Kernel
	Runner    *runner.Service
	Worktrees *worktree.Manager
	Unix      *unixenv.Manager
	Creds     *credentials.Store
	Issuer    *auth.TokenIssuer
	AuthCfg   *config.AuthConfig
	ExecCfg   *config.ExecutionConfig
	Paths     *config.PathsConfig
}

// NewHandler creates the REST handler.
func NewHandler(deps Deps, log *logger.Logger) *Handler {
	return &Handler{
		store:     deps.Store,
		kernel:    deps.Kernel,
		runner:    deps.Runner,
		worktrees: deps.Worktrees,
		unix:      deps.Unix,
		creds:     deps.Creds,
		issuer:    deps.Issuer,
		authCfg:   deps.AuthCfg,
		execCfg:   deps.ExecCfg,
		paths:     deps.Paths,
		logger:    log.WithFields(zap.String("component", "api")),
	}
}

// respondError maps application errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if errors.Is(err, session.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// IssueToken exchanges the daemon's shared secret for a user access
// token. POST /api/v1/auth/token
func (h *Handler) IssueToken(c *gin.Context) {
	secret := c.GetHeader("X-Agor-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.authCfg.Secret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
		return
	}

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	if _, err := h.store.GetUser(c.Request.Context(), req.UserID); err != nil {
		respondError(c, apperrors.NotFound("user", req.UserID))
		return
	}

	token, err := h.issuer.IssueUserToken("", req.UserID)
	if err != nil {
		respondError(c, apperrors.Internal("issue token", err))
		return
	}
	c.JSON(http.StatusOK, TokenResponse{Token: token})
}

// CreateUser registers an operator. With unix isolation on and a
// unix_username present, the matching unix account is provisioned.
// POST /api/v1/users
func (h *Handler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	now := time.Now().UTC()
	user := &v1.User{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Email:     req.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.UnixUsername != "" {
		if !unixenv.ValidUsername(req.UnixUsername) {
			respondError(c, apperrors.InvalidInput("invalid unix username"))
			return
		}
		user.UnixUsername = &req.UnixUsername
	}

	if err := h.store.CreateUser(c.Request.Context(), user); err != nil {
		respondError(c, apperrors.Internal("create user", err))
		return
	}

	if user.UnixUsername != nil && h.execCfg.RunAsUnixUser {
		if err := h.unix.EnsureUser(c.Request.Context(), *user.UnixUsername, h.paths.HomeBase); err != nil {
			respondError(c, apperrors.CommandFailed("provision unix user", err))
			return
		}
		if err := h.unix.SetupWorktreesDir(c.Request.Context(), *user.UnixUsername, h.paths.HomeBase); err != nil {
			respondError(c, apperrors.CommandFailed("setup worktrees dir", err))
			return
		}
	}

	c.JSON(http.StatusCreated, user)
}

// ListUsers returns all operators. GET /api/v1/users
func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.store.ListUsers(c.Request.Context())
	if err != nil {
		respondError(c, apperrors.Internal("list users", err))
		return
	}
	c.JSON(http.StatusOK, users)
}

// GetUser returns one operator. GET /api/v1/users/:id
func (h *Handler) GetUser(c *gin.Context) {
	user, err := h.store.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, apperrors.NotFound("user", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, user)
}

// RegisterRepo records an existing local clone. POST /api/v1/repos
func (h *Handler) RegisterRepo(c *gin.Context) {
	var req RegisterRepoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	repo, err := h.worktrees.RegisterRepo(c.Request.Context(), req.Slug, req.LocalPath)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, repo)
}

// ListRepos returns all registered repos. GET /api/v1/repos
func (h *Handler) ListRepos(c *gin.Context) {
	repos, err := h.store.ListRepos(c.Request.Context())
	if err != nil {
		respondError(c, apperrors.Internal("list repos", err))
		return
	}
	c.JSON(http.StatusOK, repos)
}

// GetRepo returns one repo. GET /api/v1/repos/:id
func (h *Handler) GetRepo(c *gin.Context) {
	repo, err := h.store.GetRepo(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, apperrors.NotFound("repo", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, repo)
}

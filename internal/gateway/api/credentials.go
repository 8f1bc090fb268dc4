package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
)

// SetCredential stores an encrypted API key for the calling user.
// PUT /api/v1/credentials/:key
func (h *Handler) SetCredential(c *gin.Context) {
	claims := CallerClaims(c)

	var req SetCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	if err := h.creds.Set(c.Request.Context(), claims.UserID, c.Param("key"), req.Value); err != nil {
		respondError(c, apperrors.Internal("store credential", err))
		return
	}
	c.Status(http.StatusNoContent)
}

// ListCredentials returns the key names the caller has stored. Values
// are never returned over HTTP.
// GET /api/v1/credentials
func (h *Handler) ListCredentials(c *gin.Context) {
	claims := CallerClaims(c)

	keys, err := h.creds.ListKeys(c.Request.Context(), claims.UserID)
	if err != nil {
		respondError(c, apperrors.Internal("list credentials", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// DeleteCredential removes a stored key.
// DELETE /api/v1/credentials/:key
func (h *Handler) DeleteCredential(c *gin.Context) {
	claims := CallerClaims(c)

	if err := h.creds.Delete(c.Request.Context(), claims.UserID, c.Param("key")); err != nil {
		respondError(c, apperrors.Internal("delete credential", err))
		return
	}
	c.Status(http.StatusNoContent)
}

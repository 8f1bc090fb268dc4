// Package auth issues session tokens and runs the authorization hook
// pipeline in front of every state-changing session operation.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/13ty/agor-sub000/internal/common/config"
	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
)

// Role distinguishes human callers from executor processes.
type Role string

const (
	RoleUser    Role = "user"
	RoleService Role = "service"
)

// Claims is the signed payload of a session token.
type Claims struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Role      Role   `json:"role"`
	ExpiresAt int64  `json:"exp"`
}

// TokenIssuer signs and verifies session tokens with HMAC-SHA256.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	serviceTTL time.Duration
	now        func() time.Time
}

// NewTokenIssuer builds an issuer from the auth config section.
func NewTokenIssuer(cfg *config.AuthConfig) *TokenIssuer {
	return &TokenIssuer{
		secret:     []byte(cfg.Secret),
		accessTTL:  cfg.AccessTokenTTLDuration(),
		serviceTTL: cfg.ServiceTokenTTLDuration(),
		now:        time.Now,
	}
}

// IssueUserToken signs a token for a human caller.
func (t *TokenIssuer) IssueUserToken(sessionID, userID string) (string, error) {
	return t.issue(sessionID, userID, RoleUser, t.accessTTL)
}

// IssueServiceToken signs the token handed to a spawned executor. It is the
// sole authority the executor uses to authenticate back to the daemon.
func (t *TokenIssuer) IssueServiceToken(sessionID, userID string) (string, error) {
	return t.issue(sessionID, userID, RoleService, t.serviceTTL)
}

func (t *TokenIssuer) issue(sessionID, userID string, role Role, ttl time.Duration) (string, error) {
	claims := Claims{
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		ExpiresAt: t.now().Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", apperrors.Internal("marshal token claims", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + t.sign(encoded), nil
}

// Verify checks the signature and expiry and returns the claims.
func (t *TokenIssuer) Verify(token string) (*Claims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, apperrors.Unauthenticated("malformed token")
	}
	if !hmac.Equal([]byte(sig), []byte(t.sign(encoded))) {
		return nil, apperrors.Unauthenticated("invalid token signature")
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperrors.Unauthenticated("malformed token payload")
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, apperrors.Unauthenticated("malformed token claims")
	}
	if t.now().Unix() >= claims.ExpiresAt {
		return nil, apperrors.Unauthenticated("token expired")
	}
	if claims.Role != RoleUser && claims.Role != RoleService {
		return nil, apperrors.Unauthenticated("unknown token role")
	}
	return &claims, nil
}

func (t *TokenIssuer) sign(encoded string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"inloop/internal/common/cache"
	pkgerrors "inloop/pkg/errors"
	"inloop/pkg/utils/contextkey"
	"inloop/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleStudent = "student"
	RoleStaff   = "staff"

	userIDContextKey     = "user_id"
	userRoleContextKey   = "user_role"
	userGroupsContextKey = "user_groups"

	revokedTokenKeyPrefix = "auth:revoked:"
)

// Principal is the authenticated caller.
type Principal struct {
	ID     int64
	Role   string
	Groups []string
}

// IsStaff reports whether the principal may use staff endpoints.
func (p Principal) IsStaff() bool {
	return strings.EqualFold(p.Role, RoleStaff)
}

type tokenClaims struct {
	Role   string   `json:"role"`
	Groups []string `json:"groups"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens issued by the accounts front end.
type Authenticator struct {
	secret  []byte
	issuer  string
	revoked cache.BasicOps
}

// NewAuthenticator creates an authenticator. revoked may be nil; when set,
// tokens whose hash is stored under auth:revoked:<sha256> are rejected.
func NewAuthenticator(secret, issuer string, revoked cache.BasicOps) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, revoked: revoked}
}

// Authenticate parses raw and returns its principal.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (Principal, error) {
	if raw == "" || len(a.secret) == 0 {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if a.revoked != nil {
		val, err := a.revoked.Get(ctx, revokedTokenKeyPrefix+hashToken(raw))
		if err == nil && val != "" {
			return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
		}
	}
	role := claims.Role
	if role == "" {
		role = RoleStudent
	}
	return Principal{ID: userID, Role: role, Groups: claims.Groups}, nil
}

// RequireAuth rejects requests without a valid bearer token. With roles,
// the principal must also hold one of them.
func RequireAuth(auth *Authenticator, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth == nil {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "auth unavailable")
			return
		}
		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			// Browsers cannot set headers on websocket upgrades.
			token = c.Query("access_token")
		}
		principal, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		if len(roles) > 0 && !hasRole(principal.Role, roles) {
			response.AbortWithErrorCode(c, pkgerrors.PermissionDenied, "insufficient role")
			return
		}

		c.Set(userIDContextKey, principal.ID)
		c.Set(userRoleContextKey, principal.Role)
		c.Set(userGroupsContextKey, principal.Groups)
		ctx := context.WithValue(c.Request.Context(), contextkey.UserID, principal.ID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// PrincipalFrom returns the principal stored by RequireAuth.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	id, ok := c.Get(userIDContextKey)
	if !ok {
		return Principal{}, false
	}
	p := Principal{ID: id.(int64)}
	if role, ok := c.Get(userRoleContextKey); ok {
		p.Role, _ = role.(string)
	}
	if groups, ok := c.Get(userGroupsContextKey); ok {
		p.Groups, _ = groups.([]string)
	}
	return p, true
}

func extractBearerToken(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hasRole(role string, allowed []string) bool {
	for _, item := range allowed {
		if strings.EqualFold(role, item) {
			return true
		}
	}
	return false
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/Dhoini/Billing-orchestrator/pkg/res"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ContextKey тип для ключей контекста во избежание коллизий.
type ContextKey string

// ContextUserIDKey ключ для хранения ID пользователя в контексте gin
const ContextUserIDKey ContextKey = "userID"

const (
	// ContextUserEmailKey email из claims, может быть пустым
	ContextUserEmailKey = "userEmail"
	authHeaderPrefix    = "Bearer "
)

type TokenValidator interface {
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims sub содержит id клиента, scope список через пробел
type TokenClaims struct {
	UserEmail string `json:"email"`
	Scope     string `json:"scope"`
	jwt.RegisteredClaims
}

type JWTMiddleware struct {
	log       *logger.Logger
	validator TokenValidator
}

func NewJWTMiddleware(log *logger.Logger, validator TokenValidator) *JWTMiddleware {
	return &JWTMiddleware{
		log:       log,
		validator: validator,
	}
}

// RequireAuth проверяет токен; при заданных scopes нужен хотя бы один из них
func (m *JWTMiddleware) RequireAuth(requiredScopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, authHeaderPrefix) {
			m.handleAuthError(c, http.StatusUnauthorized, "Missing authorization token")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, authHeaderPrefix)
		claims, err := m.validator.Validate(tokenString)
		if err != nil {
			m.log.Debugw("Token validation failed", "path", c.Request.URL.Path, "error", err)
			m.handleAuthError(c, http.StatusUnauthorized, "Invalid authorization token")
			return
		}

		if !hasRequiredScope(claims.Scope, requiredScopes) {
			m.handleAuthError(c, http.StatusForbidden, "Insufficient token permissions")
			return
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			m.handleAuthError(c, http.StatusUnauthorized, "User ID (sub) missing in token")
			return
		}

		c.Set(string(ContextUserIDKey), userID)
		c.Set(ContextUserEmailKey, claims.UserEmail)
		m.log.Debugw("User authenticated", "userID", userID, "path", c.Request.URL.Path)
		c.Next()
	}
}

// UserID id клиента, выставленный RequireAuth
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(string(ContextUserIDKey))
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func hasRequiredScope(tokenScope string, requiredScopes []string) bool {
	if len(requiredScopes) == 0 {
		return true
	}
	for _, have := range strings.Fields(tokenScope) {
		for _, want := range requiredScopes {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (m *JWTMiddleware) handleAuthError(c *gin.Context, status int, message string) {
	m.log.Warnw("HTTP authentication failed", "path", c.Request.URL.Path, "status", status, "reason", message)
	res.Error(c, status, res.ErrorResponse{Error: message, ErrorCode: "unauthenticated"})
}

// DefaultTokenValidator HMAC-валидатор с общим секретом
type DefaultTokenValidator struct {
	Secret []byte
}

func (v *DefaultTokenValidator) Validate(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.Secret, nil
	})

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, errors.New("malformed token")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, errors.New("invalid token signature")
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, errors.New("token expired")
		default:
			return nil, fmt.Errorf("invalid token: %w", err)
		}
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}

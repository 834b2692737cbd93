package router

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys set by the auth middleware.
const (
	CtxKeyAuthSubject = "auth_subject"
	CtxKeyAuthMethod  = "auth_method"
)

// Auth methods recorded in the context.
const (
	AuthMethodAPIKey    = "api_key"
	AuthMethodBearer    = "bearer"
	AuthMethodAnonymous = "anonymous"
)

const (
	apiKeyHeader       = "X-DRAGONFLY-API-KEY"
	apiKeyHeaderLegacy = "X-API-Key"
	jwtAudience        = "authenticated"
)

// AuthMiddleware verifies the two accepted credentials: a shared API key
// (constant-time compare) and an HS256 bearer token with the authenticated
// audience.
type AuthMiddleware struct {
	apiKey    string
	jwtSecret []byte
}

func NewAuthMiddleware(apiKey, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{apiKey: apiKey, jwtSecret: []byte(jwtSecret)}
}

// Require rejects unauthenticated requests with a 401.
func (a *AuthMiddleware) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject, method, err := a.authenticate(c)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="dragonfly"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Set(CtxKeyAuthSubject, subject)
		c.Set(CtxKeyAuthMethod, method)
		c.Next()
	}
}

// Optional authenticates when credentials are present and proceeds
// anonymously otherwise. Presented-but-invalid credentials still fail.
func (a *AuthMiddleware) Optional() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.credentialsPresented(c) {
			c.Set(CtxKeyAuthSubject, "")
			c.Set(CtxKeyAuthMethod, AuthMethodAnonymous)
			c.Next()
			return
		}
		subject, method, err := a.authenticate(c)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="dragonfly"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Set(CtxKeyAuthSubject, subject)
		c.Set(CtxKeyAuthMethod, method)
		c.Next()
	}
}

func (a *AuthMiddleware) credentialsPresented(c *gin.Context) bool {
	return c.GetHeader(apiKeyHeader) != "" ||
		c.GetHeader(apiKeyHeaderLegacy) != "" ||
		c.GetHeader("Authorization") != ""
}

func (a *AuthMiddleware) authenticate(c *gin.Context) (subject, method string, err error) {
	if key := presentedAPIKey(c); key != "" {
		if a.apiKey == "" {
			return "", "", errors.New("api key auth not configured")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) != 1 {
			return "", "", errors.New("api key mismatch")
		}
		return "api-key", AuthMethodAPIKey, nil
	}

	raw, err := extractBearer(c.GetHeader("Authorization"))
	if err != nil {
		return "", "", err
	}
	sub, err := a.verifyJWT(raw)
	if err != nil {
		return "", "", err
	}
	return sub, AuthMethodBearer, nil
}

func presentedAPIKey(c *gin.Context) string {
	if key := c.GetHeader(apiKeyHeader); key != "" {
		return key
	}
	return c.GetHeader(apiKeyHeaderLegacy)
}

func (a *AuthMiddleware) verifyJWT(raw string) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", errors.New("bearer auth not configured")
	}
	token, err := jwt.Parse(raw,
		func(t *jwt.Token) (any, error) { return a.jwtSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(jwtAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("token subject: %w", err)
	}
	return sub, nil
}

func extractBearer(headerValue string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(headerValue, prefix) {
		return "", errors.New("missing or incorrect Authorization header format")
	}
	token := strings.TrimPrefix(headerValue, prefix)
	if token == "" {
		return "", errors.New("missing token in Authorization header")
	}
	return token, nil
}

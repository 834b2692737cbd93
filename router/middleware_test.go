package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonfly-ops/dragonfly/metrics"
	"github.com/dragonfly-ops/dragonfly/wscutils"
)

func testRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) { c.JSON(200, gin.H{"pong": true}) })
	return r
}

func TestTraceEchoesIncomingHeader(t *testing.T) {
	r := testRouter(Trace())
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set(wscutils.TraceIDHeader, "caller-trace")
	r.ServeHTTP(w, req)

	assert.Equal(t, "caller-trace", w.Header().Get(wscutils.TraceIDHeader))
}

func TestTraceMintsWhenAbsent(t *testing.T) {
	r := testRouter(Trace())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))

	assert.NotEmpty(t, w.Header().Get(wscutils.TraceIDHeader))
}

func TestIdentityHeaders(t *testing.T) {
	r := testRouter(IdentityHeaders("dev", "abc12345"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))

	assert.Equal(t, "dev", w.Header().Get("X-Dragonfly-Env"))
	assert.Equal(t, "abc12345", w.Header().Get("X-Dragonfly-SHA-Short"))
}

func TestMetricsMiddlewareCounts(t *testing.T) {
	m := metrics.New("test")
	r := testRouter(Metrics(m))
	r.GET("/boom", func(c *gin.Context) { c.JSON(500, gin.H{}) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/ping", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/boom", nil))

	assert.Equal(t, int64(2), m.RequestsTotal())
	assert.Equal(t, int64(1), m.ErrorsTotal())
}

func signedToken(t *testing.T, secret, audience string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"aud": audience,
		"exp": expires.Unix(),
	})
	raw, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func authRouter(a *AuthMiddleware, required bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	mw := a.Optional()
	if required {
		mw = a.Require()
	}
	r.GET("/secure", mw, func(c *gin.Context) {
		c.JSON(200, gin.H{
			"subject": c.GetString(CtxKeyAuthSubject),
			"method":  c.GetString(CtxKeyAuthMethod),
		})
	})
	return r
}

func TestAuthAPIKey(t *testing.T) {
	a := NewAuthMiddleware("secret-key", "")
	r := authRouter(a, true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/secure", nil)
	req.Header.Set("X-DRAGONFLY-API-KEY", "secret-key")
	r.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)

	// Legacy header is accepted too.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/secure", nil)
	req.Header.Set("X-API-Key", "secret-key")
	r.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/secure", nil)
	req.Header.Set("X-DRAGONFLY-API-KEY", "wrong-key")
	r.ServeHTTP(w, req)
	assert.Equal(t, 401, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestAuthBearerToken(t *testing.T) {
	const secret = "jwt-secret"
	a := NewAuthMiddleware("", secret)
	r := authRouter(a, true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, secret, "authenticated", time.Now().Add(time.Hour)))
	r.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "user-1")

	// Expired token.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, secret, "authenticated", time.Now().Add(-time.Hour)))
	r.ServeHTTP(w, req)
	assert.Equal(t, 401, w.Code)

	// Wrong audience.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, secret, "other", time.Now().Add(time.Hour)))
	r.ServeHTTP(w, req)
	assert.Equal(t, 401, w.Code)

	// Malformed token.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/secure", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	r.ServeHTTP(w, req)
	assert.Equal(t, 401, w.Code)
}

func TestAuthOptional(t *testing.T) {
	a := NewAuthMiddleware("secret-key", "")
	r := authRouter(a, false)

	// No credentials: anonymous context.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/secure", nil))
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), AuthMethodAnonymous)

	// Presented-but-invalid credentials still fail.
	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/secure", nil)
	req.Header.Set("X-DRAGONFLY-API-KEY", "wrong")
	r.ServeHTTP(w, req)
	assert.Equal(t, 401, w.Code)
}

func TestCORSAllowlist(t *testing.T) {
	r := testRouter(CORS([]string{"https://app.example.com"}, false))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	r.ServeHTTP(w, req)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSEmptyAllowlistDeniesAll(t *testing.T) {
	r := testRouter(CORS(nil, false))
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreviewDomains(t *testing.T) {
	r := testRouter(CORS(nil, true))
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "https://dragonfly-pr-42.onrender.com")
	r.ServeHTTP(w, req)
	assert.Equal(t, "https://dragonfly-pr-42.onrender.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	r := testRouter(CORS([]string{"https://app.example.com"}, false))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

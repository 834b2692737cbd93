package router

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// previewOriginRe permits deploy-preview domains in prod, e.g.
// https://dragonfly-pr-42.onrender.com.
var previewOriginRe = regexp.MustCompile(`^https://dragonfly-[a-z0-9-]+\.onrender\.com$`)

// CORS applies the configured allowlist. An empty allowlist denies every
// cross-origin request. allowPreview additionally accepts preview domains.
func CORS(origins []string, allowPreview bool) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed[origin] || (allowPreview && previewOriginRe.MatchString(origin))) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Trace-ID, X-DRAGONFLY-API-KEY, X-API-Key")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

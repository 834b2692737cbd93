package websvc

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dragonfly-ops/dragonfly/config"
	"github.com/dragonfly-ops/dragonfly/router"
	"github.com/dragonfly-ops/dragonfly/service"
	"github.com/dragonfly-ops/dragonfly/wscutils"
)

// RegisterRoutes wires the full HTTP surface onto the service's engine.
// Middleware order is trace, identity, metrics, logging, then per-group
// auth.
func RegisterRoutes(s *service.Service) {
	s.Router.Use(
		router.Trace(),
		router.IdentityHeaders(s.Config.ActiveEnv, s.Config.ShaShort()),
		router.Metrics(s.Metrics),
		router.LogRequest(router.NewLogHarbourAdapter(s.Logger)),
		router.CORS(s.Config.CORSOrigins, s.Config.ActiveEnv == config.EnvProd),
	)

	auth := router.NewAuthMiddleware(s.Config.APIKey, s.Config.JWTSecret)

	// Public surface.
	s.RegisterRoute(http.MethodGet, "/", HandleRoot)
	s.RegisterRoute(http.MethodGet, "/whoami", HandleWhoami)
	s.RegisterRoute(http.MethodGet, "/health", guarded(s, HandleHealth))
	s.RegisterRoute(http.MethodGet, "/api/health", guarded(s, HandleHealth))
	s.RegisterRoute(http.MethodGet, "/readyz", HandleReady)
	s.RegisterRoute(http.MethodGet, "/api/ready", HandleReady)
	s.RegisterRoute(http.MethodGet, "/api/version", HandleVersion)
	s.Router.GET("/metrics", s.Metrics.PrometheusHandler())

	// Authenticated surface.
	api := s.CreateGroup("/api", auth.Require())
	api.RegisterRoute(http.MethodGet, "/metrics", guarded(s, HandleMetrics))

	intake := s.CreateGroup("/api/v1/intake", auth.Require())
	intake.RegisterRoute(http.MethodGet, "/batches", guarded(s, HandleListBatches))
	intake.RegisterRoute(http.MethodGet, "/batches/:id", HandleGetBatch)
	intake.RegisterRoute(http.MethodGet, "/batches/:id/status", HandleBatchStatus)
	intake.RegisterRoute(http.MethodGet, "/batches/:id/errors", HandleBatchErrors)
	intake.RegisterRoute(http.MethodGet, "/state", guarded(s, HandleIntakeState))
	intake.RegisterRoute(http.MethodPost, "/upload", HandleUpload)

	ops := s.CreateGroup("/api/v1/ops", auth.Require())
	ops.RegisterRoute(http.MethodPost, "/guardian/run", HandleGuardianRun)

	views := s.CreateGroup("/api/v1/views", auth.Require())
	views.RegisterRoute(http.MethodGet, "/:name", guarded(s, HandleFetchView))
}

// guarded adapts a service handler and wraps it in the degrade guard so an
// unexpected panic becomes a degraded envelope instead of a 5xx.
func guarded(s *service.Service, handler service.HandlerFunc) service.HandlerFunc {
	inner := wscutils.DegradeGuard(func(c *gin.Context) {
		handler(c, s)
	})
	return func(c *gin.Context, _ *service.Service) {
		inner(c)
	}
}

// Package websvc holds the HTTP handlers. Every UI-facing endpoint answers
// with the standard envelope; UI-critical ones run under the degrade guard
// so the dashboard never sees a 5xx.
package websvc

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dragonfly-ops/dragonfly/db"
	"github.com/dragonfly-ops/dragonfly/service"
	"github.com/dragonfly-ops/dragonfly/wscutils"
)

const (
	serviceName = "dragonfly-api"
	version     = "1.0.0"
)

// RequiredViews are the relations the readiness probe insists on.
var RequiredViews = []string{
	"ops.ingest_batches",
	"ops.intake_logs",
	"ops.v_system_health",
	"ops.v_intake_monitor",
}

// HandleRoot answers the service banner. Never 503s.
func HandleRoot(c *gin.Context, s *service.Service) {
	wscutils.SendOK(c, gin.H{
		"service_name": serviceName,
		"env":          s.Config.ActiveEnv,
		"sha_short":    s.Config.ShaShort(),
		"version":      version,
	})
}

// HandleWhoami reports process identity. The DSN identity never carries the
// password.
func HandleWhoami(c *gin.Context, s *service.Service) {
	hostname, _ := os.Hostname()
	identity := ""
	if safe, err := db.SanitizeDSN(s.Config.DatabaseURL); err == nil && !safe.IsZero() {
		identity = safe.Identity()
	}
	wscutils.SendOK(c, gin.H{
		"service_name":   serviceName,
		"hostname":       hostname,
		"pid":            os.Getpid(),
		"listening_port": s.Config.Port,
		"database_ready": s.DBState.Ready(),
		"dsn_identity":   identity,
	})
}

// HandleHealth is pure liveness; it must not touch the database.
func HandleHealth(c *gin.Context, s *service.Service) {
	wscutils.SendOK(c, gin.H{
		"status":      "ok",
		"environment": s.Config.ActiveEnv,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReady runs the full readiness checks. Failures report a
// category-only reason, never internals.
func HandleReady(c *gin.Context, s *service.Service) {
	ready := s.DBState.Ready()

	if ready {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if ok, _ := db.CheckDBReady(ctx, s.Handle, s.DBState, 2*time.Second); !ok {
			ready = false
		} else if missing, err := s.Store.SchemaCheck(ctx, RequiredViews); err != nil || len(missing) > 0 {
			ready = false
		} else if s.Data != nil && !s.Data.CheckCredential(ctx) {
			ready = false
		}
	}

	if !ready {
		resp := wscutils.NewDegradedResponse(c, "not_ready", gin.H{
			"ready":          false,
			"failure_reason": "not_ready",
		})
		wscutils.SendEnvelope(c, http.StatusServiceUnavailable, resp)
		return
	}
	wscutils.SendOK(c, gin.H{"ready": true})
}

// HandleVersion reports build identity.
func HandleVersion(c *gin.Context, s *service.Service) {
	wscutils.SendOK(c, gin.H{
		"git_sha":     s.Config.ShaShort(),
		"environment": s.Config.ActiveEnv,
		"service":     serviceName,
		"version":     version,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleMetrics composes the in-memory counters with cheap DB reads. A dead
// database empties the DB-derived sections instead of failing the endpoint.
func HandleMetrics(c *gin.Context, s *service.Service) {
	snapshot := s.Metrics.Snapshot()

	dbSection := gin.H{}
	if s.DBState.Ready() {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if stats := s.Store.PoolStats(); stats != nil {
			dbSection["pool"] = stats
		}
		if depth, err := s.Store.QueueDepth(ctx); err == nil {
			dbSection["queue_depth"] = depth
		}
		if workers, err := s.Store.WorkerHeartbeats(ctx); err == nil {
			dbSection["workers"] = workers
		}
		if health, err := s.Store.SystemHealth(ctx); err == nil {
			dbSection["system_health"] = health
		}
	}

	wscutils.SendOK(c, gin.H{
		"counters": snapshot,
		"database": dbSection,
	})
}

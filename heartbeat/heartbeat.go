// Package heartbeat emits periodic worker liveness signals to the log and
// the worker registry. Beat is cheap enough to call on every loop
// iteration; internal rate limits decide when anything actually fires.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/dragonfly-ops/dragonfly/store"
)

// Worker statuses.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
)

const (
	DefaultLogInterval = 60 * time.Second
	DefaultDBInterval  = 30 * time.Second
)

// Heartbeat tracks one worker process. Registry write failures are warned
// and never abort the worker.
type Heartbeat struct {
	mu sync.Mutex

	workerID   string
	workerType string
	status     string
	startedAt  time.Time

	jobsProcessed int64
	errorsCount   int64

	logInterval time.Duration
	dbInterval  time.Duration
	lastLog     time.Time
	lastDB      time.Time

	registry Registry
	logger   *logharbour.Logger

	now func() time.Time
}

// Registry is the persistence surface for heartbeats; *store.Store
// implements it.
type Registry interface {
	RecordWorkerHeartbeat(ctx context.Context, hb store.WorkerHeartbeat) error
}

// New builds a heartbeat for a worker. workerType names the process kind
// ("ingest", "api"); the worker id gets a UUID suffix so restarts register
// as distinct workers.
func New(workerType string, registry Registry, lg *logharbour.Logger) *Heartbeat {
	now := time.Now().UTC()
	return &Heartbeat{
		workerID:    fmt.Sprintf("%s-%s", workerType, uuid.NewString()[:8]),
		workerType:  workerType,
		status:      StatusStarting,
		startedAt:   now,
		logInterval: DefaultLogInterval,
		dbInterval:  DefaultDBInterval,
		registry:    registry,
		logger:      lg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WorkerID returns the generated worker identity.
func (h *Heartbeat) WorkerID() string {
	return h.workerID
}

// SetStatus transitions the worker status and forces the next Beat to fire.
func (h *Heartbeat) SetStatus(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.lastLog = time.Time{}
	h.lastDB = time.Time{}
}

// JobDone counts one processed job; failed marks it as an error too.
func (h *Heartbeat) JobDone(failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobsProcessed++
	if failed {
		h.errorsCount++
	}
}

// Beat emits the heartbeat, subject to the rate limits.
func (h *Heartbeat) Beat(ctx context.Context) {
	h.mu.Lock()
	now := h.now()
	doLog := now.Sub(h.lastLog) >= h.logInterval
	doDB := now.Sub(h.lastDB) >= h.dbInterval
	if doLog {
		h.lastLog = now
	}
	if doDB {
		h.lastDB = now
	}
	snapshot := store.WorkerHeartbeat{
		WorkerID:      h.workerID,
		WorkerType:    h.workerType,
		Status:        h.status,
		JobsProcessed: h.jobsProcessed,
		ErrorsCount:   h.errorsCount,
	}
	uptime := now.Sub(h.startedAt)
	h.mu.Unlock()

	if doLog {
		h.logger.WithModule("heartbeat").Info().LogActivity("worker alive", map[string]any{
			"worker_id":      snapshot.WorkerID,
			"status":         snapshot.Status,
			"uptime_seconds": int64(uptime.Seconds()),
			"jobs_processed": snapshot.JobsProcessed,
			"errors_count":   snapshot.ErrorsCount,
		})
	}
	if doDB && h.registry != nil {
		if err := h.registry.RecordWorkerHeartbeat(ctx, snapshot); err != nil {
			h.logger.WithModule("heartbeat").Warn().LogActivity("registry write failed", map[string]any{
				"worker_id": snapshot.WorkerID,
				"error":     err.Error(),
			})
		}
	}
}

// Stop records the terminal status and flushes one final beat.
func (h *Heartbeat) Stop(ctx context.Context) {
	h.SetStatus(StatusStopped)
	h.Beat(ctx)
}

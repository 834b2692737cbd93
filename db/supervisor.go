package db

import (
	"context"
	"sync"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
)

const (
	supervisorIdleSleep    = 60 * time.Second
	supervisorRetrySleep   = 1 * time.Second
	defaultSafetyMargin    = 5 * time.Second
	supervisorMaxWaitSlice = 60 * time.Second
)

// Supervisor is the API-process background task that re-attempts pool
// initialization after a failed boot. Its single discipline: never open a
// connection while now < next_retry_ts - safety_margin. During a pooler
// lockout that means sitting quietly for 15+ minutes, which is the point.
type Supervisor struct {
	state   *State
	logger  *logharbour.Logger
	connect func(ctx context.Context) error

	safetyMargin time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewSupervisor wires a supervisor over the readiness state. connect is the
// pool initializer; it must update the state via MarkConnected/MarkFailed.
func NewSupervisor(state *State, connect func(ctx context.Context) error, lg *logharbour.Logger) *Supervisor {
	return &Supervisor{
		state:        state,
		logger:       lg,
		connect:      connect,
		safetyMargin: defaultSafetyMargin,
	}
}

// Start launches the supervisor loop. Calling Start on a running supervisor
// is a no-op.
func (sv *Supervisor) Start(ctx context.Context) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	sv.cancel = cancel
	sv.done = make(chan struct{})
	sv.running = true
	sv.state.SetSupervisorRunning(true)
	go sv.loop(runCtx)
}

// Stop cancels the loop and waits for it to exit.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	if !sv.running {
		sv.mu.Unlock()
		return
	}
	cancel := sv.cancel
	done := sv.done
	sv.running = false
	sv.mu.Unlock()

	cancel()
	<-done
	sv.state.SetSupervisorRunning(false)
}

func (sv *Supervisor) loop(ctx context.Context) {
	defer close(sv.done)
	log := sv.logger.WithModule("db.supervisor")
	log.Info().LogActivity("database supervisor started", nil)

	for {
		if ctx.Err() != nil {
			return
		}

		if sv.state.Ready() {
			if !sleepCtx(ctx, supervisorIdleSleep) {
				return
			}
			continue
		}

		retryIn, scheduled := sv.state.NextRetryIn()
		if scheduled && retryIn > sv.safetyMargin {
			wait := retryIn
			if wait > supervisorMaxWaitSlice {
				wait = supervisorMaxWaitSlice
			}
			// Logged once per wait slice; lockout windows produce a handful
			// of these lines, not a flood.
			log.Info().LogActivity("waiting out backoff window", map[string]any{
				"retry_in_sec": int(retryIn.Seconds()),
				"class":        string(sv.state.LastErrorClass()),
			})
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		if !scheduled && sv.state.LastErrorClass() == ClassNoConfig {
			// Nothing to retry against. Re-check occasionally in case the
			// config is fixed and the process restarted into a new env.
			if !sleepCtx(ctx, supervisorIdleSleep) {
				return
			}
			continue
		}

		if err := sv.connect(ctx); err != nil {
			log.Warn().LogActivity("supervisor reconnect attempt failed", map[string]any{
				"class": string(sv.state.LastErrorClass()),
			})
		} else {
			log.Info().LogActivity("supervisor reconnected database", nil)
		}
		if !sleepCtx(ctx, supervisorRetrySleep) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

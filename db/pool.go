package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/remiges-tech/logharbour/logharbour"
)

// ErrNoConfig is returned by InitPool when no DSN is configured. Callers
// treat it as a degraded-boot signal, not a failure.
var ErrNoConfig = errors.New("no database url configured")

const (
	defaultMinConns    = 2
	defaultMaxConns    = 10
	defaultInitTries   = 6
	defaultWallBudget  = 60 * time.Second
	defaultProbePeriod = 2 * time.Second
)

// Handle is the process-wide slot for the connection pool. The pool may not
// exist at boot (degraded API start) and may be created later by the
// supervisor, so everything that needs a pool goes through Get and copes
// with nil.
type Handle struct {
	mu   sync.RWMutex
	pool *pgxpool.Pool
}

// Get returns the current pool, or nil when the database is unavailable.
func (h *Handle) Get() *pgxpool.Pool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pool
}

func (h *Handle) set(p *pgxpool.Pool) {
	h.mu.Lock()
	old := h.pool
	h.pool = p
	h.mu.Unlock()
	if old != nil && old != p {
		old.Close()
	}
}

// Close releases the pool during shutdown.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pool != nil {
		h.pool.Close()
		h.pool = nil
	}
}

// PoolConfig controls initial pool creation.
type PoolConfig struct {
	DSN        string
	AppName    string
	MinConns   int32
	MaxConns   int32
	MaxTries   int
	WallBudget time.Duration
}

// appNameRe strips everything that is not alphanumeric or underscore from
// the application name. Spaces and shell-significant characters in
// application_name have broken pooler argument parsing before; this rule is
// load-bearing.
var appNameRe = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// SanitizeAppName reduces a proposed application name to the safe character
// set. An empty result falls back to "dragonfly".
func SanitizeAppName(name string) string {
	cleaned := appNameRe.ReplaceAllString(name, "_")
	cleaned = regexp.MustCompile(`_+`).ReplaceAllString(cleaned, "_")
	for len(cleaned) > 0 && cleaned[0] == '_' {
		cleaned = cleaned[1:]
	}
	for len(cleaned) > 0 && cleaned[len(cleaned)-1] == '_' {
		cleaned = cleaned[:len(cleaned)-1]
	}
	if cleaned == "" {
		return "dragonfly"
	}
	return cleaned
}

// InitPool attempts to connect and verify a pool within a bounded number of
// attempts and a wall-clock budget. On success it stores the pool in the
// handle and calls MarkConnected; on exhaustion it calls MarkFailed with the
// final error's class and a class-appropriate retry delay.
//
// Auth and lockout classes stop the attempt loop immediately: hammering a
// pooler that has refused a login is exactly how lockouts escalate.
func InitPool(ctx context.Context, cfg PoolConfig, state *State, handle *Handle, lg *logharbour.Logger) error {
	log := lg.WithModule("db")

	safe, err := SanitizeDSN(cfg.DSN)
	if err != nil {
		state.MarkNoConfig()
		log.Warn().LogActivity("database url rejected by sanitizer", map[string]any{
			"error": err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrNoConfig, err)
	}
	if safe.IsZero() {
		state.MarkNoConfig()
		log.Warn().LogActivity("no database url configured, continuing without database", nil)
		return ErrNoConfig
	}

	if cfg.MinConns == 0 {
		cfg.MinConns = defaultMinConns
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = defaultMaxConns
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = defaultInitTries
	}
	if cfg.WallBudget == 0 {
		cfg.WallBudget = defaultWallBudget
	}

	deadline := time.Now().Add(cfg.WallBudget)
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < cfg.MaxTries && time.Now().Before(deadline); attempt++ {
		pool, err := openPool(ctx, safe, cfg)
		if err == nil {
			handle.set(pool)
			state.MarkConnected(time.Since(start))
			log.Info().LogActivity("database pool ready", map[string]any{
				"identity":    safe.Identity(),
				"duration_ms": time.Since(start).Milliseconds(),
				"attempts":    attempt + 1,
			})
			return nil
		}
		lastErr = err

		class := Classify(err)
		log.Warn().LogActivity("database connect attempt failed", map[string]any{
			"attempt":  attempt + 1,
			"class":    string(class),
			"identity": safe.Identity(),
		})
		if IsFatalClass(class) {
			break
		}

		delay := jitter(500*time.Millisecond*(1<<attempt), 0.20)
		if remaining := time.Until(deadline); delay > remaining {
			delay = remaining
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = cfg.MaxTries
		case <-time.After(delay):
		}
	}

	class := Classify(lastErr)
	// Prior failed cycles escalate the network/other backoff; MarkFailed
	// increments the counter after the delay is computed.
	retryIn := RetryDelay(class, state.ConsecutiveFailures())
	state.MarkFailed(lastErr, class, retryIn)
	log.Error(lastErr).LogActivity("database pool initialization exhausted", map[string]any{
		"class":          string(class),
		"identity":       safe.Identity(),
		"next_retry_sec": int(retryIn.Seconds()),
	})
	log.Info().LogActivity(state.OperatorStatus(), nil)
	return fmt.Errorf("database init failed (%s): %w", class, lastErr)
}

func openPool(ctx context.Context, safe SafeDSN, cfg PoolConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(safe.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	pc.MinConns = cfg.MinConns
	pc.MaxConns = cfg.MaxConns
	pc.ConnConfig.RuntimeParams["application_name"] = SanitizeAppName(cfg.AppName)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}

	// Verify with a trivial round trip before declaring victory.
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var one int
	if err := pool.QueryRow(probeCtx, "SELECT 1").Scan(&one); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// CheckDBReady runs the readiness probe: a SELECT 1 bounded by timeout
// (default 2s). It updates the healthy flag on the state but does not change
// ready semantics.
func CheckDBReady(ctx context.Context, handle *Handle, state *State, timeout time.Duration) (bool, string) {
	if timeout == 0 {
		timeout = defaultProbePeriod
	}
	pool := handle.Get()
	if pool == nil {
		state.SetHealthy(false)
		return false, "pool not initialized"
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var one int
	if err := pool.QueryRow(probeCtx, "SELECT 1").Scan(&one); err != nil {
		state.SetHealthy(false)
		return false, fmt.Sprintf("probe failed: %s", Classify(err))
	}
	state.SetHealthy(true)
	return true, "ok"
}

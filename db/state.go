// Package db owns everything between the process and PostgreSQL: DSN
// sanitation, the process-wide readiness state machine, failure
// classification with class-specific backoff, pool initialization, and the
// API-side reconnect supervisor.
package db

import (
	"fmt"
	"sync"
	"time"
)

// ErrorClass is a closed enumeration of database failure classes. It is
// produced only by Classify and consumed by the backoff policy and the
// process exit policy.
type ErrorClass string

const (
	ClassAuthFailure ErrorClass = "auth_failure"
	ClassNetwork     ErrorClass = "network"
	ClassLockout     ErrorClass = "lockout"
	ClassNoConfig    ErrorClass = "no_config"
	ClassOther       ErrorClass = "other"
)

// ProcessRole determines the exit policy on fatal connection failures:
// workers exit with ExitAuthLockout so they stop feeding a lockout spiral,
// the API stays up and serves degraded responses.
type ProcessRole string

const (
	RoleAPI    ProcessRole = "API"
	RoleWorker ProcessRole = "WORKER"
)

// ExitAuthLockout is the process exit code for a fatal auth or lockout
// failure in a worker. Distinct from 1 so orchestrators can tell a
// kill-switch exit from a generic crash.
const ExitAuthLockout = 78

const maxStoredErrorLen = 500

// State is the process-wide database readiness state machine. One instance
// per process, injected into everything that needs to observe or mutate
// readiness. All mutation goes through MarkConnected, MarkFailed and
// MarkNoConfig; reads take the same lock so observers always see a
// consistent struct.
type State struct {
	mu sync.Mutex

	role ProcessRole

	ready       bool
	healthy     bool
	initialized bool

	lastError      string
	lastErrorClass ErrorClass

	lastAttempt         time.Time
	nextRetry           time.Time
	initAttempts        int
	consecutiveFailures int
	initDuration        time.Duration

	supervisorRunning bool

	nowFn func() time.Time
}

// NewState creates the readiness state for a process with the given role.
func NewState(role ProcessRole) *State {
	return &State{role: role, nowFn: time.Now}
}

// Role returns the process role this state was created with.
func (s *State) Role() ProcessRole {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// MarkConnected records a successful pool initialization. It clears every
// error field, zeroes the consecutive failure counter and removes any
// scheduled retry.
func (s *State) MarkConnected(initDuration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = true
	s.healthy = true
	s.initialized = true
	s.lastError = ""
	s.lastErrorClass = ""
	s.consecutiveFailures = 0
	s.nextRetry = time.Time{}
	s.lastAttempt = s.nowFn()
	s.initDuration = initDuration
}

// MarkFailed records a failed connection attempt. The error text is truncated
// to 500 characters before storage, and the next retry deadline is set to
// now + nextRetryDelay.
func (s *State) MarkFailed(err error, class ErrorClass, nextRetryDelay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	s.healthy = false
	s.initialized = true
	s.lastError = truncate(errString(err), maxStoredErrorLen)
	s.lastErrorClass = class
	s.consecutiveFailures++
	s.initAttempts++
	s.lastAttempt = s.nowFn()
	s.nextRetry = s.nowFn().Add(nextRetryDelay)
}

// MarkNoConfig records that no usable DSN is configured. No retry is
// scheduled; the supervisor has nothing to reconnect to until configuration
// changes.
func (s *State) MarkNoConfig() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	s.healthy = false
	s.initialized = true
	s.lastError = "no database configuration"
	s.lastErrorClass = ClassNoConfig
	s.nextRetry = time.Time{}
}

// SetHealthy updates the liveness probe result without touching ready
// semantics. A failing SELECT 1 on an otherwise-ready pool flips healthy,
// not ready.
func (s *State) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// SetSupervisorRunning flags whether the reconnect supervisor loop is active.
func (s *State) SetSupervisorRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supervisorRunning = running
}

// Ready reports whether the pool is initialized and usable.
func (s *State) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// ConsecutiveFailures returns the number of failed connection attempts since
// the last success. The backoff policy takes it as the attempt index.
func (s *State) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

// LastErrorClass returns the class of the most recent failure, or the empty
// string when connected.
func (s *State) LastErrorClass() ErrorClass {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrorClass
}

// NextRetryIn returns the time remaining until the next scheduled connection
// attempt, clamped at zero. ok is false when no retry is scheduled (either
// connected or no_config).
func (s *State) NextRetryIn() (d time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextRetry.IsZero() {
		return 0, false
	}
	d = s.nextRetry.Sub(s.nowFn())
	if d < 0 {
		d = 0
	}
	return d, true
}

// OperatorStatus formats the single-line status used in logs:
// [DB] READY=<bool> [reason=<class>] [next_retry_in=<s>s]
func (s *State) OperatorStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := fmt.Sprintf("[DB] READY=%v", s.ready)
	if !s.ready && s.lastErrorClass != "" {
		line += fmt.Sprintf(" reason=%s", s.lastErrorClass)
	}
	if !s.nextRetry.IsZero() {
		in := s.nextRetry.Sub(s.nowFn())
		if in < 0 {
			in = 0
		}
		line += fmt.Sprintf(" next_retry_in=%ds", int(in.Seconds()))
	}
	return line
}

// Metadata returns the readiness fields as a map for JSON responses.
func (s *State) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := map[string]any{
		"ready":                s.ready,
		"healthy":              s.healthy,
		"initialized":          s.initialized,
		"process_role":         string(s.role),
		"init_attempts":        s.initAttempts,
		"consecutive_failures": s.consecutiveFailures,
		"supervisor_running":   s.supervisorRunning,
	}
	if s.lastError != "" {
		m["last_error"] = s.lastError
	}
	if s.lastErrorClass != "" {
		m["last_error_class"] = string(s.lastErrorClass)
	}
	if !s.lastAttempt.IsZero() {
		m["last_attempt_ts"] = s.lastAttempt.UTC().Format(time.RFC3339)
	}
	if s.initDuration > 0 {
		m["init_duration_ms"] = s.initDuration.Milliseconds()
	}
	if !s.nextRetry.IsZero() {
		m["next_retry_ts"] = s.nextRetry.UTC().Format(time.RFC3339)
		in := s.nextRetry.Sub(s.nowFn())
		if in < 0 {
			in = 0
		}
		m["next_retry_in_seconds"] = int(in.Seconds())
	}
	return m
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

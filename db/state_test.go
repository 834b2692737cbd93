package db

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMarkConnectedClearsFailure(t *testing.T) {
	s := NewState(RoleAPI)

	s.MarkFailed(errors.New("connection refused"), ClassNetwork, 10*time.Second)
	s.MarkFailed(errors.New("connection refused"), ClassNetwork, 10*time.Second)
	assert.False(t, s.Ready())

	s.MarkConnected(1 * time.Second)

	assert.True(t, s.Ready())
	assert.Empty(t, s.LastErrorClass())
	_, scheduled := s.NextRetryIn()
	assert.False(t, scheduled)

	m := s.Metadata()
	assert.Equal(t, 0, m["consecutive_failures"])
	assert.NotContains(t, m, "last_error")
	assert.NotContains(t, m, "next_retry_ts")
}

func TestStateMarkFailedTruncatesError(t *testing.T) {
	s := NewState(RoleAPI)
	long := strings.Repeat("x", 2000)

	s.MarkFailed(errors.New(long), ClassOther, time.Minute)

	m := s.Metadata()
	stored, ok := m["last_error"].(string)
	require.True(t, ok)
	assert.Len(t, stored, 500)
}

func TestStateConsecutiveFailuresMonotonic(t *testing.T) {
	s := NewState(RoleWorker)
	for i := 1; i <= 4; i++ {
		s.MarkFailed(errors.New("boom"), ClassOther, time.Minute)
		assert.Equal(t, i, s.Metadata()["consecutive_failures"])
	}
	s.MarkConnected(0)
	assert.Equal(t, 0, s.Metadata()["consecutive_failures"])
}

func TestStateNextRetryIn(t *testing.T) {
	s := NewState(RoleAPI)
	s.MarkFailed(errors.New("server_login_retry"), ClassLockout, 15*time.Minute)

	d, scheduled := s.NextRetryIn()
	require.True(t, scheduled)
	assert.InDelta(t, (15 * time.Minute).Seconds(), d.Seconds(), 1)
}

func TestStateMarkNoConfig(t *testing.T) {
	s := NewState(RoleAPI)
	s.MarkNoConfig()

	assert.False(t, s.Ready())
	assert.Equal(t, ClassNoConfig, s.LastErrorClass())
	_, scheduled := s.NextRetryIn()
	assert.False(t, scheduled, "no_config schedules no retry")
}

func TestOperatorStatus(t *testing.T) {
	s := NewState(RoleAPI)
	s.MarkConnected(0)
	assert.Equal(t, "[DB] READY=true", s.OperatorStatus())

	s.MarkFailed(errors.New("server_login_retry"), ClassLockout, 900*time.Second)
	line := s.OperatorStatus()
	assert.Contains(t, line, "READY=false")
	assert.Contains(t, line, "reason=lockout")
	assert.Contains(t, line, "next_retry_in=")
}

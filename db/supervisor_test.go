package db

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logharbour.Logger {
	return logharbour.NewLogger(logharbour.NewLoggerContext(logharbour.DefaultPriority), "test", log.Writer())
}

func TestSupervisorHonorsBackoffWindow(t *testing.T) {
	state := NewState(RoleAPI)
	state.MarkFailed(errors.New("connection refused"), ClassNetwork, 300*time.Millisecond)

	var attempts atomic.Int32
	connect := func(ctx context.Context) error {
		attempts.Add(1)
		state.MarkConnected(0)
		return nil
	}

	sv := NewSupervisor(state, connect, testLogger())
	sv.safetyMargin = 50 * time.Millisecond

	sv.Start(context.Background())
	defer sv.Stop()

	// Inside the window minus the safety margin: zero attempts.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), attempts.Load(), "supervisor connected before backoff expired")

	// After the window: exactly one attempt, then idle.
	require.Eventually(t, func() bool { return attempts.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
	assert.True(t, state.Ready())
}

func TestSupervisorRetriesUntilConnected(t *testing.T) {
	state := NewState(RoleAPI)
	state.MarkFailed(errors.New("connection refused"), ClassNetwork, 0)

	var attempts atomic.Int32
	connect := func(ctx context.Context) error {
		n := attempts.Add(1)
		if n < 3 {
			state.MarkFailed(errors.New("connection refused"), ClassNetwork, 20*time.Millisecond)
			return errors.New("connection refused")
		}
		state.MarkConnected(0)
		return nil
	}

	sv := NewSupervisor(state, connect, testLogger())
	sv.safetyMargin = 5 * time.Millisecond
	sv.Start(context.Background())
	defer sv.Stop()

	require.Eventually(t, func() bool { return state.Ready() }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestSupervisorStartIdempotentAndStops(t *testing.T) {
	state := NewState(RoleAPI)
	state.MarkConnected(0)

	sv := NewSupervisor(state, func(ctx context.Context) error { return nil }, testLogger())
	sv.Start(context.Background())
	sv.Start(context.Background()) // second Start is a no-op

	assert.True(t, state.Metadata()["supervisor_running"].(bool))

	done := make(chan struct{})
	go func() {
		sv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, state.Metadata()["supervisor_running"].(bool))

	// Stop on a stopped supervisor is safe.
	sv.Stop()
}

func TestSupervisorNoConfigDoesNotConnect(t *testing.T) {
	state := NewState(RoleAPI)
	state.MarkNoConfig()

	var attempts atomic.Int32
	sv := NewSupervisor(state, func(ctx context.Context) error {
		attempts.Add(1)
		return nil
	}, testLogger())
	sv.Start(context.Background())
	defer sv.Stop()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), attempts.Load())
}

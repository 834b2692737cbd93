package heartbeat

import (
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonfly-ops/dragonfly/store"
)

type fakeRegistry struct {
	writes []store.WorkerHeartbeat
	err    error
}

func (f *fakeRegistry) RecordWorkerHeartbeat(_ context.Context, hb store.WorkerHeartbeat) error {
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, hb)
	return nil
}

func testLogger() *logharbour.Logger {
	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	return logharbour.NewLogger(lctx, "test", log.Writer())
}

func TestWorkerIDHasTypePrefixAndSuffix(t *testing.T) {
	h := New("ingest", nil, testLogger())
	assert.True(t, strings.HasPrefix(h.WorkerID(), "ingest-"))
	assert.Greater(t, len(h.WorkerID()), len("ingest-"))

	h2 := New("ingest", nil, testLogger())
	assert.NotEqual(t, h.WorkerID(), h2.WorkerID(), "restarts register as distinct workers")
}

func TestBeatRateLimitsRegistryWrites(t *testing.T) {
	reg := &fakeRegistry{}
	h := New("ingest", reg, testLogger())

	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return clock }
	ctx := context.Background()

	h.Beat(ctx)
	require.Len(t, reg.writes, 1, "first beat always writes")

	// Beats inside the interval do nothing.
	clock = clock.Add(10 * time.Second)
	h.Beat(ctx)
	clock = clock.Add(10 * time.Second)
	h.Beat(ctx)
	assert.Len(t, reg.writes, 1)

	// Past the interval a write fires again.
	clock = clock.Add(15 * time.Second)
	h.Beat(ctx)
	assert.Len(t, reg.writes, 2)
}

func TestBeatCarriesCounters(t *testing.T) {
	reg := &fakeRegistry{}
	h := New("ingest", reg, testLogger())
	h.SetStatus(StatusRunning)
	h.JobDone(false)
	h.JobDone(false)
	h.JobDone(true)

	h.Beat(context.Background())
	require.Len(t, reg.writes, 1)
	hb := reg.writes[0]
	assert.Equal(t, StatusRunning, hb.Status)
	assert.Equal(t, int64(3), hb.JobsProcessed)
	assert.Equal(t, int64(1), hb.ErrorsCount)
}

func TestRegistryFailureIsWarnOnly(t *testing.T) {
	reg := &fakeRegistry{err: errors.New("permission denied for function record_worker_heartbeat")}
	h := New("ingest", reg, testLogger())

	assert.NotPanics(t, func() { h.Beat(context.Background()) })
}

func TestStopFlushesFinalStatus(t *testing.T) {
	reg := &fakeRegistry{}
	h := New("ingest", reg, testLogger())
	h.Beat(context.Background())
	require.Len(t, reg.writes, 1)

	// Stop resets the rate limiter, so the terminal beat writes even though
	// the interval has not elapsed.
	h.Stop(context.Background())
	require.Len(t, reg.writes, 2)
	assert.Equal(t, StatusStopped, reg.writes[1].Status)
}

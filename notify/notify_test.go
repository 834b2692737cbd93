package notify

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logharbour.Logger {
	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	return logharbour.NewLogger(lctx, "test", log.Writer())
}

func TestDiscordSend(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, testLogger())
	require.NoError(t, d.Send(context.Background(), "guardian", "3 batches marked failed"))
	assert.Contains(t, got["content"], "guardian")
	assert.Contains(t, got["content"], "3 batches marked failed")
}

func TestDiscordSendNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, testLogger())
	err := d.Send(context.Background(), "guardian", "alert")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := NewLogNotifier(testLogger())
	require.NoError(t, n.Send(context.Background(), "guardian", "alert"))
}

func TestFromConfig(t *testing.T) {
	lg := testLogger()
	_, isDiscord := FromConfig("https://discord.example/webhook", lg).(*Discord)
	assert.True(t, isDiscord)
	_, isLog := FromConfig("", lg).(*LogNotifier)
	assert.True(t, isLog)
}

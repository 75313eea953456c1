package webhookd_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wforce/wforced/internal/filtering"
	"github.com/wforce/wforced/internal/webhookd"
)

type received struct {
	mu    sync.Mutex
	calls []map[string]any
	sigs  []string
}

func (r *received) add(body map[string]any, sig string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, body)
	r.sigs = append(r.sigs, sig)
}

func (r *received) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.calls)
}

func newTestServer(t *testing.T, rec *received) (url string) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(body, &m))

		rec.add(m, req.Header.Get("X-Wforce-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	return srv.URL
}

func TestRunner_notifyMatchingEvent(t *testing.T) {
	rec := &received{}
	url := newTestServer(t, rec)

	r := webhookd.NewRunner(slog.Default())
	require.NoError(t, r.SetHooks([]webhookd.Config{
		{ID: "hook1", URL: url, Secret: "s3cr3t", Events: []string{webhookd.EventAddBL}},
	}))

	r.Notify(context.Background(), webhookd.EventAddBL, map[string]any{"key": "alice"})

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, webhookd.EventAddBL, rec.calls[0]["event"])
	assert.NotEmpty(t, rec.sigs[0])
}

func TestRunner_notifySkipsNonMatchingEvent(t *testing.T) {
	rec := &received{}
	url := newTestServer(t, rec)

	r := webhookd.NewRunner(slog.Default())
	require.NoError(t, r.SetHooks([]webhookd.Config{
		{ID: "hook1", URL: url, Events: []string{webhookd.EventDelBL}},
	}))

	r.Notify(context.Background(), webhookd.EventAddBL, map[string]any{"key": "alice"})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.len())
}

func TestRunner_listHookWiring(t *testing.T) {
	rec := &received{}
	url := newTestServer(t, rec)

	r := webhookd.NewRunner(slog.Default())
	require.NoError(t, r.SetHooks([]webhookd.Config{{ID: "hook1", URL: url}}))

	store, err := filtering.New(&filtering.Config{
		Logger:   slog.Default(),
		Name:     "denylist",
		KeySpace: filtering.KeySpaceLogin,
		Hook:     r.ListHook("denylist"),
	})
	require.NoError(t, err)

	require.NoError(t, store.Add(t.Context(), "alice", "brute", 0, false))

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, webhookd.EventAddBL, rec.calls[0]["event"])
	data, _ := rec.calls[0]["data"].(map[string]any)
	assert.Equal(t, "alice", data["key"])
}

func TestRunner_noHooksIsNoop(t *testing.T) {
	r := webhookd.NewRunner(slog.Default())
	r.Notify(context.Background(), webhookd.EventAddBL, nil)
}

func TestConfig_invalidRejected(t *testing.T) {
	r := webhookd.NewRunner(slog.Default())
	assert.Error(t, r.SetHooks([]webhookd.Config{{URL: "http://example.com"}}))
	assert.Error(t, r.SetHooks([]webhookd.Config{{ID: "h1"}}))
}

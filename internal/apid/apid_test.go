package apid_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wforce/wforced/internal/apid"
	"github.com/wforce/wforced/internal/filtering"
	"github.com/wforce/wforced/internal/policy"
	"github.com/wforce/wforced/internal/stats"
)

const allowScript = `
function allow(ev) {
    if (ev.login === "blocked") {
        return {status: "fail", message: "denied"};
    }
    return {status: "ok"};
}
function report(ev) {}
function reset(key) {}
`

func freeAddr(t *testing.T) (addr string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr = ln.Addr().String()
	require.NoError(t, ln.Close())

	return addr
}

func startTestServer(t *testing.T, password string) (addr string) {
	t.Helper()

	statsReg := stats.NewRegistry(slog.Default())
	listsReg := filtering.NewRegistry()

	store, err := filtering.New(&filtering.Config{Logger: slog.Default(), Name: "denylist", KeySpace: filtering.KeySpaceLogin})
	require.NoError(t, err)
	require.NoError(t, listsReg.Register(store))

	pool, err := policy.NewPool(&policy.Config{Logger: slog.Default(), Script: allowScript, PoolSize: 1})
	require.NoError(t, err)

	addr = freeAddr(t)

	srv, err := apid.New(&apid.Config{
		Logger:   slog.Default(),
		Addr:     addr,
		Password: password,
		Stats:    statsReg,
		Lists:    listsReg,
		Policy:   pool,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = srv.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)

	return addr
}

func doJSON(t *testing.T, method, url string, body any, basicAuthPass string) (resp *http.Response) {
	t.Helper()

	var r *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	if basicAuthPass != "" {
		req.SetBasicAuth("ignored", basicAuthPass)
	}

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)

	return resp
}

func TestServer_allowEndToEnd(t *testing.T) {
	addr := startTestServer(t, "")

	resp := doJSON(t, http.MethodPost, "http://"+addr+"/?command=allow", map[string]any{"login": "alice"}, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "ok", decoded["status"])

	resp2 := doJSON(t, http.MethodPost, "http://"+addr+"/?command=allow", map[string]any{"login": "blocked"}, "")
	defer resp2.Body.Close()

	var decoded2 map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&decoded2))
	assert.Equal(t, "fail", decoded2["status"])

	resp3 := doJSON(t, http.MethodGet, "http://"+addr+"/?command=ping", nil, "")
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestServer_basicAuthRejectsWrongPassword(t *testing.T) {
	addr := startTestServer(t, "s3cret")

	resp := doJSON(t, http.MethodGet, "http://"+addr+"/?command=ping", nil, "wrong")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2 := doJSON(t, http.MethodGet, "http://"+addr+"/?command=ping", nil, "s3cret")
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestServer_addAndGetBLEntry(t *testing.T) {
	addr := startTestServer(t, "")

	resp := doJSON(t, http.MethodPost, "http://"+addr+"/?command=addBLEntry", map[string]any{
		"store": "denylist", "key": "alice", "reason": "brute",
	}, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2 := doJSON(t, http.MethodGet, "http://"+addr+"/?command=getBL&store=denylist", nil, "")
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&decoded))

	entries, ok := decoded["bl_entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)

	entry, ok := entries[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", entry["key"])
}

func TestServer_getDBStats(t *testing.T) {
	addr := startTestServer(t, "")

	resp := doJSON(t, http.MethodPost, "http://"+addr+"/?command=getDBStats", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_stats(t *testing.T) {
	addr := startTestServer(t, "")

	resp := doJSON(t, http.MethodGet, "http://"+addr+"/?command=stats", nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Contains(t, decoded, "commandstats")
	assert.Contains(t, decoded, "uptime")
}

func TestServer_syncDone(t *testing.T) {
	addr := startTestServer(t, "")

	resp := doJSON(t, http.MethodGet, "http://"+addr+"/?command=syncDone", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

package stats_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wforce/wforced/internal/stats"
)

func newTestDB(t *testing.T, now *time.Time) (db *stats.DB) {
	t.Helper()

	cfg := &stats.Config{
		Logger: slog.Default(),
		Name:   "test",
		Fields: []stats.FieldConfig{
			{Name: "attempts", Kind: stats.KindInt},
			{Name: "distinct_ips", Kind: stats.KindHLL, Precision: 8},
			{Name: "logins", Kind: stats.KindCountMin},
		},
		NumWindows: 3,
		WindowSize: time.Second,
		Clock:      func() time.Time { return *now },
	}

	db, err := stats.New(cfg)
	require.NoError(t, err)

	return db
}

func TestDB_addGet(t *testing.T) {
	now := time.Unix(0, 0)
	db := newTestDB(t, &now)

	require.NoError(t, db.AddInt("1.2.3.4", "attempts", 1))
	require.NoError(t, db.AddInt("1.2.3.4", "attempts", 1))

	n, err := db.Get("1.2.3.4", "attempts")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	cur, err := db.GetCurrent("1.2.3.4", "attempts")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur)
}

func TestDB_windowExpiry(t *testing.T) {
	now := time.Unix(0, 0)
	db := newTestDB(t, &now)

	require.NoError(t, db.AddInt("1.2.3.4", "attempts", 1))

	now = now.Add(10 * time.Second)

	n, err := db.Get("1.2.3.4", "attempts")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDB_resetAndResetField(t *testing.T) {
	now := time.Unix(0, 0)
	db := newTestDB(t, &now)

	require.NoError(t, db.AddInt("k", "attempts", 3))
	require.NoError(t, db.ResetField("k", "attempts"))

	n, err := db.Get("k", "attempts")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, db.AddInt("k", "attempts", 3))
	db.Reset("k")

	n, err = db.Get("k", "attempts")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDB_countMinAndHLL(t *testing.T) {
	now := time.Unix(0, 0)
	db := newTestDB(t, &now)

	require.NoError(t, db.AddString("k", "logins", "alice"))
	require.NoError(t, db.AddString("k", "logins", "alice"))

	n, err := db.GetString("k", "logins", "alice")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(2))

	for i := range 100 {
		require.NoError(t, db.AddString("k", "distinct_ips", string(rune('a'+i%26))))
	}

	card, err := db.Get("k", "distinct_ips")
	require.NoError(t, err)
	assert.InDelta(t, 26, card, 15)
}

func TestDB_v4PrefixCanonicalisation(t *testing.T) {
	now := time.Unix(0, 0)
	cfg := &stats.Config{
		Logger:      slog.Default(),
		Name:        "prefix",
		Fields:      []stats.FieldConfig{{Name: "attempts", Kind: stats.KindInt}},
		NumWindows:  1,
		WindowSize:  time.Second,
		V4PrefixLen: 24,
		Clock:       func() time.Time { return now },
	}

	db, err := stats.New(cfg)
	require.NoError(t, err)

	require.NoError(t, db.AddInt("10.0.0.1", "attempts", 1))
	require.NoError(t, db.AddInt("10.0.0.254", "attempts", 1))

	n, err := db.Get("10.0.0.77", "attempts")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDB_maxSizeEviction(t *testing.T) {
	now := time.Unix(0, 0)
	cfg := &stats.Config{
		Logger:     slog.Default(),
		Name:       "evict",
		Fields:     []stats.FieldConfig{{Name: "attempts", Kind: stats.KindInt}},
		NumWindows: 1,
		WindowSize: time.Second,
		MaxSize:    2,
		Clock:      func() time.Time { return now },
	}

	db, err := stats.New(cfg)
	require.NoError(t, err)

	require.NoError(t, db.AddInt("a", "attempts", 1))
	require.NoError(t, db.AddInt("b", "attempts", 1))
	require.NoError(t, db.AddInt("c", "attempts", 1))

	assert.Equal(t, 2, db.Size())

	n, err := db.Get("a", "attempts")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDB_replicationHook(t *testing.T) {
	now := time.Unix(0, 0)
	cfg := &stats.Config{
		Logger:     slog.Default(),
		Name:       "repl",
		Fields:     []stats.FieldConfig{{Name: "attempts", Kind: stats.KindInt}},
		NumWindows: 1,
		WindowSize: time.Second,
		Clock:      func() time.Time { return now },
	}

	var got stats.Mutation

	cfg.ReplicationHook = func(m stats.Mutation) { got = m }

	db, err := stats.New(cfg)
	require.NoError(t, err)

	require.NoError(t, db.AddInt("k", "attempts", 7))

	assert.Equal(t, "repl", got.DB)
	assert.Equal(t, "add_int", got.Op)
	assert.Equal(t, "k", got.Key)
	assert.Equal(t, int64(7), got.N)
}

func TestDB_dumpRestore(t *testing.T) {
	now := time.Unix(0, 0)
	src := newTestDB(t, &now)

	require.NoError(t, src.AddInt("k", "attempts", 4))

	entries, err := src.StartDump()
	require.NoError(t, err)
	src.EndDump()

	require.NotEmpty(t, entries)

	dst := newTestDB(t, &now)
	for _, e := range entries {
		require.NoError(t, dst.RestoreEntry(e))
	}

	n, err := dst.Get("k", "attempts")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestDB_startExpireThreadShutdown(t *testing.T) {
	now := time.Unix(0, 0)
	db := newTestDB(t, &now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db.StartExpireThread(ctx, 10*time.Millisecond)

	require.NoError(t, db.Shutdown(context.Background()))
}

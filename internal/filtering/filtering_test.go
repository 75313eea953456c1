package filtering_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wforce/wforced/internal/filtering"
)

func newTestStore(t *testing.T, ks filtering.KeySpace, now *time.Time) (s *filtering.Store) {
	t.Helper()

	cfg := &filtering.Config{
		Logger:   slog.Default(),
		Name:     "test",
		KeySpace: ks,
		Clock:    func() time.Time { return *now },
	}

	s, err := filtering.New(cfg)
	require.NoError(t, err)

	return s
}

func TestStore_addGetDel(t *testing.T) {
	now := time.Unix(0, 0)
	s := newTestStore(t, filtering.KeySpaceLogin, &now)

	ctx := t.Context()

	require.NoError(t, s.Add(ctx, "alice", "brute force", time.Minute, false))

	e, ok := s.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "brute force", e.Reason)

	require.NoError(t, s.Del(ctx, "alice", false))

	_, ok = s.Get("alice")
	assert.False(t, ok)
}

func TestStore_expiry(t *testing.T) {
	now := time.Unix(0, 0)
	s := newTestStore(t, filtering.KeySpaceLogin, &now)

	ctx := t.Context()
	require.NoError(t, s.Add(ctx, "alice", "", time.Minute, false))

	_, ok := s.Get("alice")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)

	// Get doesn't sweep by itself: an expired entry is still returned until
	// the background sweep removes it, since expiry clean-up is the sweep's
	// job.
	_, ok = s.Get("alice")
	assert.True(t, ok)
}

func TestStore_expireThreadRemoves(t *testing.T) {
	now := time.Unix(0, 0)
	s := newTestStore(t, filtering.KeySpaceLogin, &now)

	var gotExpire bool

	cfg := &filtering.Config{
		Logger:   slog.Default(),
		Name:     "expiring",
		KeySpace: filtering.KeySpaceLogin,
		Clock:    func() time.Time { return now },
		Hook: func(ev filtering.Event) {
			if ev.Kind == filtering.EventExpire {
				gotExpire = true
			}
		},
	}

	s, err := filtering.New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Add(ctx, "bob", "", 10*time.Millisecond, false))

	now = now.Add(20 * time.Millisecond)

	s.StartExpireThread(ctx)
	defer func() { require.NoError(t, s.Shutdown(ctx)) }()

	require.Eventually(t, func() bool {
		_, ok := s.Get("bob")

		return !ok && gotExpire
	}, 3*time.Second, time.Millisecond)
}

func TestStore_ipLongestPrefixMatch(t *testing.T) {
	now := time.Unix(0, 0)
	s := newTestStore(t, filtering.KeySpaceIP, &now)

	ctx := t.Context()
	require.NoError(t, s.Add(ctx, "10.0.0.0/8", "wide net", 0, false))
	require.NoError(t, s.Add(ctx, "10.1.2.0/24", "narrow net", 0, false))

	e, ok := s.Lookup("10.1.2.55")
	require.True(t, ok)
	assert.Equal(t, "narrow net", e.Reason)

	e, ok = s.Lookup("10.9.9.9")
	require.True(t, ok)
	assert.Equal(t, "wide net", e.Reason)

	_, ok = s.Lookup("192.168.1.1")
	assert.False(t, ok)
}

func TestStore_ipExactAddress(t *testing.T) {
	now := time.Unix(0, 0)
	s := newTestStore(t, filtering.KeySpaceIP, &now)

	ctx := t.Context()
	require.NoError(t, s.Add(ctx, "1.2.3.4", "single host", 0, false))

	_, ok := s.Lookup("1.2.3.5")
	assert.False(t, ok)

	e, ok := s.Lookup("1.2.3.4")
	require.True(t, ok)
	assert.Equal(t, "single host", e.Reason)
}

func TestStore_applyRemote(t *testing.T) {
	now := time.Unix(0, 0)
	s := newTestStore(t, filtering.KeySpaceLogin, &now)

	ctx := t.Context()
	err := s.ApplyRemote(ctx, filtering.Event{
		Kind:     filtering.EventAdd,
		KeySpace: filtering.KeySpaceLogin,
		Entry:    filtering.Entry{Key: "carol", Reason: "remote"},
	})
	require.NoError(t, err)

	e, ok := s.Get("carol")
	require.True(t, ok)
	assert.Equal(t, "remote", e.Reason)

	err = s.ApplyRemote(ctx, filtering.Event{
		Kind:     filtering.EventDel,
		KeySpace: filtering.KeySpaceLogin,
		Entry:    filtering.Entry{Key: "carol"},
	})
	require.NoError(t, err)

	_, ok = s.Get("carol")
	assert.False(t, ok)
}

func TestStore_allAndSize(t *testing.T) {
	now := time.Unix(0, 0)
	s := newTestStore(t, filtering.KeySpaceLogin, &now)

	ctx := t.Context()
	require.NoError(t, s.Add(ctx, "a", "", 0, false))
	require.NoError(t, s.Add(ctx, "b", "", 0, false))

	assert.Equal(t, 2, s.Size())
	assert.Len(t, s.All(), 2)
}

func TestBBoltPersister_roundTrip(t *testing.T) {
	dir := t.TempDir()

	p, err := filtering.NewBBoltPersister(filepath.Join(dir, "list.db"), "main")
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Close()) }()

	ctx := t.Context()
	e := filtering.Entry{Key: "alice", Reason: "brute", Expiry: time.Unix(1000, 0)}

	require.NoError(t, p.Put(ctx, filtering.KeySpaceLogin, "alice", e))

	entries, err := p.LoadAll(ctx, filtering.KeySpaceLogin)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Key)
	assert.Equal(t, "brute", entries[0].Reason)
	assert.True(t, entries[0].Expiry.Equal(time.Unix(1000, 0)))

	require.NoError(t, p.Delete(ctx, filtering.KeySpaceLogin, "alice"))

	entries, err = p.LoadAll(ctx, filtering.KeySpaceLogin)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_loadPersisted(t *testing.T) {
	dir := t.TempDir()

	persist, err := filtering.NewBBoltPersister(filepath.Join(dir, "list.db"), "main")
	require.NoError(t, err)
	defer func() { require.NoError(t, persist.Close()) }()

	now := time.Unix(0, 0)

	ctx := t.Context()
	require.NoError(t, persist.Put(ctx, filtering.KeySpaceLogin, "dave", filtering.Entry{
		Key:    "dave",
		Reason: "persisted",
	}))

	cfg := &filtering.Config{
		Logger:    slog.Default(),
		Name:      "loaded",
		KeySpace:  filtering.KeySpaceLogin,
		Persister: persist,
		Clock:     func() time.Time { return now },
	}

	s, err := filtering.New(cfg)
	require.NoError(t, err)

	require.NoError(t, s.LoadPersisted(ctx))

	e, ok := s.Get("dave")
	require.True(t, ok)
	assert.Equal(t, "persisted", e.Reason)
}

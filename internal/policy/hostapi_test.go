package policy_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wforce/wforced/internal/filtering"
	"github.com/wforce/wforced/internal/policy"
	"github.com/wforce/wforced/internal/stats"
	"github.com/wforce/wforced/internal/wfevent"
)

const hostAPIScript = `
function allow(ev) {
    var present = wf.blCheck("denylist", ev.login);
    if (present) {
        return {status: "fail", message: "denied"};
    }
    wf.statAddInt("db", ev.login, "attempts", 1);
    return {status: "ok"};
}
`

func newTestRegistries(t *testing.T) (*stats.Registry, *filtering.Registry) {
	t.Helper()

	statsReg := stats.NewRegistry(slog.Default())
	db, err := stats.New(&stats.Config{
		Logger:     slog.Default(),
		Name:       "db",
		Fields:     []stats.FieldConfig{{Name: "attempts", Kind: stats.KindInt}},
		NumWindows: 1,
		WindowSize: time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, statsReg.Register(db))

	listsReg := filtering.NewRegistry()
	denylist, err := filtering.New(&filtering.Config{Logger: slog.Default(), Name: "denylist", KeySpace: filtering.KeySpaceLogin})
	require.NoError(t, err)
	require.NoError(t, listsReg.Register(denylist))

	return statsReg, listsReg
}

func TestRegistryHostAPI_statAndBLAccess(t *testing.T) {
	statsReg, listsReg := newTestRegistries(t)

	hostAPI := policy.RegistryHostAPI(slog.Default(), statsReg, listsReg)
	rt, err := policy.NewRuntime(slog.Default(), hostAPIScript, hostAPI)
	require.NoError(t, err)

	d, err := rt.Allow(t.Context(), &wfevent.Event{Login: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "ok", d.Status)

	db, ok := statsReg.Get("db")
	require.True(t, ok)

	n, err := db.Get("alice", "attempts")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, listsReg.ApplyRemote(t.Context(), "denylist", filtering.Event{
		Kind:  filtering.EventAdd,
		Entry: filtering.Entry{Key: "alice", Reason: "brute"},
	}))

	d, err = rt.Allow(t.Context(), &wfevent.Event{Login: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "fail", d.Status)
}

package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/wforce/wforced/internal/filtering"
	"github.com/wforce/wforced/internal/stats"
)

// RegistryHostAPI builds a [HostAPI] that exposes the stats and list-store
// registries to policy scripts as the global "wf" object, e.g.:
//
//	wf.statGet("db", ev.remote, "attempts")
//	wf.blCheck("ip_blacklist", ev.remote)
//	wf.blAdd("ip_blacklist", ev.remote, "too many failures", 3600)
func RegistryHostAPI(logger *slog.Logger, statsReg *stats.Registry, listsReg *filtering.Registry) (api HostAPI) {
	api.Log = func(msg string) {
		logger.Info(msg, "source", "policy-script")
	}

	api.Globals = map[string]any{
		"wf": &wfObject{logger: logger, statsReg: statsReg, listsReg: listsReg},
	}

	return api
}

// wfObject is exported to scripts as the "wf" global; its methods are bound
// as plain functions since goja invokes exported Go methods like any other
// callable when the value set via Runtime.Set is a struct instance.
type wfObject struct {
	logger   *slog.Logger
	statsReg *stats.Registry
	listsReg *filtering.Registry
}

// StatAddInt increments field in db's current window for key by n.
func (w *wfObject) StatAddInt(db, key, field string, n int64) (err error) {
	d, ok := w.statsReg.Get(db)
	if !ok {
		return nil
	}

	return d.AddInt(key, field, n)
}

// StatGet returns the summed value of field across db's live windows for
// key.
func (w *wfObject) StatGet(db, key, field string) (n int64) {
	d, ok := w.statsReg.Get(db)
	if !ok {
		return 0
	}

	n, _ = d.Get(key, field)

	return n
}

// BlCheck reports whether key is present in the named list store.  Scripts
// call it as wf.blCheck.
func (w *wfObject) BlCheck(store, key string) (present bool) {
	s, ok := w.listsReg.Get(store)
	if !ok {
		return false
	}

	_, present = s.Lookup(key)

	return present
}

// BlAdd adds key to the named list store for ttlSeconds (0 meaning no
// expiry).  Scripts call it as wf.blAdd.
func (w *wfObject) BlAdd(store, key, reason string, ttlSeconds int) (err error) {
	s, ok := w.listsReg.Get(store)
	if !ok {
		return nil
	}

	return s.Add(context.Background(), key, reason, time.Duration(ttlSeconds)*time.Second, false)
}

// BLDel removes key from the named list store.
func (w *wfObject) BLDel(store, key string) (err error) {
	s, ok := w.listsReg.Get(store)
	if !ok {
		return nil
	}

	return s.Del(context.Background(), key, false)
}

package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/renameio/v2/maybe"
)

// snapshotPerm is the file mode used for on-disk stats snapshots.
const snapshotPerm = 0o640

// Registry is a named collection of [DB] instances, e.g. one per tracked
// metric family ("login-failures", "report-window", …), shared across the
// API, policy, and replication layers so they all refer to DBs by a common
// name instead of passing *DB references around individually.
type Registry struct {
	logger *slog.Logger

	mu  sync.RWMutex
	dbs map[string]*DB
}

// NewRegistry returns an empty *Registry.
func NewRegistry(logger *slog.Logger) (reg *Registry) {
	return &Registry{logger: logger, dbs: make(map[string]*DB)}
}

// Register adds db under its own [DB.Name], failing if that name is already
// taken.
func (reg *Registry) Register(db *DB) (err error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	name := db.Name()
	if _, ok := reg.dbs[name]; ok {
		return fmt.Errorf("stats: registry: db %q already registered", name)
	}

	reg.dbs[name] = db

	return nil
}

// Get returns the DB named name, or ok=false if there is none.
func (reg *Registry) Get(name string) (db *DB, ok bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	db, ok = reg.dbs[name]

	return db, ok
}

// Names returns the names of every registered DB, in no particular order.
func (reg *Registry) Names() (names []string) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	names = make([]string, 0, len(reg.dbs))
	for name := range reg.dbs {
		names = append(names, name)
	}

	return names
}

// Apply applies a remotely-received [Mutation] to the DB it targets.
// Mutations produced locally are not fed back through Apply; this is solely
// the ingress path for mutations arriving from cluster siblings.
func (reg *Registry) Apply(m Mutation) (err error) {
	db, ok := reg.Get(m.DB)
	if !ok {
		return fmt.Errorf("stats: registry: apply: unknown db %q", m.DB)
	}

	switch m.Op {
	case "add_int":
		return db.AddInt(m.Key, m.Field, m.N)
	case "add_string":
		return db.AddString(m.Key, m.Field, m.Str)
	case "add_string_int":
		return db.AddStringInt(m.Key, m.Field, m.Str, m.N)
	case "sub_int":
		return db.SubInt(m.Key, m.Field, m.N)
	case "reset":
		db.Reset(m.Key)

		return nil
	case "reset_field":
		return db.ResetField(m.Key, m.Field)
	default:
		return fmt.Errorf("stats: registry: apply: unknown op %q", m.Op)
	}
}

// StartExpireThreads starts the expiry sweep on every registered DB.
func (reg *Registry) StartExpireThreads(ctx context.Context, interval time.Duration) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	for _, db := range reg.dbs {
		db.StartExpireThread(ctx, interval)
	}
}

// Shutdown stops every registered DB's expiry sweep.
func (reg *Registry) Shutdown(ctx context.Context) (err error) {
	reg.mu.RLock()
	dbs := make([]*DB, 0, len(reg.dbs))
	for _, db := range reg.dbs {
		dbs = append(dbs, db)
	}
	reg.mu.RUnlock()

	var errs []error
	for _, db := range dbs {
		if serr := db.Shutdown(ctx); serr != nil {
			errs = append(errs, serr)
		}
	}

	return errors.Join(errs...)
}

// FullDump returns every registered DB's [DB.StartDump] output, keyed by DB
// name, for use as the body of a cluster bulk-sync round.
func (reg *Registry) FullDump() (dump map[string][]DumpEntry, err error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	dump = make(map[string][]DumpEntry, len(reg.dbs))
	for name, db := range reg.dbs {
		entries, derr := db.StartDump()
		if derr != nil {
			return nil, fmt.Errorf("stats: registry: dumping %q: %w", name, derr)
		}

		dump[name] = entries
	}

	return dump, nil
}

// RestoreFullDump applies a [Registry.FullDump] snapshot, e.g. one received
// from a sibling during a bulk-sync round.  Entries for unknown DB names are
// skipped and logged rather than treated as an error, since siblings may run
// a superset of this node's configured DBs during a rolling upgrade.
func (reg *Registry) RestoreFullDump(ctx context.Context, dump map[string][]DumpEntry) {
	for name, entries := range dump {
		db, ok := reg.Get(name)
		if !ok {
			reg.logger.WarnContext(ctx, "full dump for unknown db", "db", name)

			continue
		}

		for _, e := range entries {
			if err := db.RestoreEntry(e); err != nil {
				reg.logger.WarnContext(ctx, "restoring entry", "db", name, "key", e.Key, "err", err)
			}
		}
	}
}

// SaveTo writes reg's current contents to path as JSON, atomically replacing
// any previous snapshot.  Intended for restart recovery, not for cluster
// sync, which uses [Registry.FullDump] directly.
func (reg *Registry) SaveTo(path string) (err error) {
	dump, err := reg.FullDump()
	if err != nil {
		return fmt.Errorf("stats: registry: snapshot: dumping: %w", err)
	}

	b, err := json.Marshal(dump)
	if err != nil {
		return fmt.Errorf("stats: registry: snapshot: encoding: %w", err)
	}

	if err = maybe.WriteFile(path, b, snapshotPerm); err != nil {
		return fmt.Errorf("stats: registry: snapshot: writing %s: %w", path, err)
	}

	return nil
}

// LoadFrom restores reg's contents from a snapshot previously written by
// [Registry.SaveTo].  A missing file is not an error: it just means no
// snapshot was ever taken.
func (reg *Registry) LoadFrom(ctx context.Context, path string) (err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("stats: registry: snapshot: reading %s: %w", path, err)
	}

	var dump map[string][]DumpEntry
	if err = json.Unmarshal(b, &dump); err != nil {
		return fmt.Errorf("stats: registry: snapshot: decoding %s: %w", path, err)
	}

	reg.RestoreFullDump(ctx, dump)

	return nil
}

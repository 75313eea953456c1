// Package stats implements the sliding-window, multi-field statistics
// engine: per-key counters, cardinality sketches, and frequency sketches
// kept over a rolling set of time windows, with optional replication
// fan-out and disk persistence of their state.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/wforce/wforced/internal/aghalg"
)

// defaultMaxSize is the soft cap on the number of distinct keys a DB holds
// before least-recently-modified entries start being evicted to make room.
const defaultMaxSize = 524288

// defaultSweepInterval is how often the expiry goroutine re-checks the
// ring's windows for keys that have gone fully idle.
const defaultSweepInterval = 30 * time.Second

// FieldConfig describes one named field of a DB: what kind of aggregator it
// holds and that aggregator's tuning parameters.  A DB's field set is fixed
// at construction time.
type FieldConfig struct {
	// Name is the field's identifier, e.g. "logins" or "distinct_ips".
	Name string

	// Kind selects the aggregator variant backing the field.
	Kind Kind

	// Precision configures a [KindHLL] field's register count.  Ignored for
	// other kinds.
	Precision uint8

	// Eps and Gamma configure a [KindCountMin] field's width and depth.
	// Ignored for other kinds.
	Eps, Gamma float64
}

// Config configures a [DB].
type Config struct {
	// Logger is used for all diagnostic output.  It must not be nil.
	Logger *slog.Logger

	// Name identifies the DB, e.g. for registration in a [Registry] and in
	// replication messages.
	Name string

	// Fields lists the fields every key carries.  It must be non-empty and
	// have unique, non-empty names.
	Fields []FieldConfig

	// NumWindows is how many time buckets the ring for each key/field
	// holds.  Must be >= 1.
	NumWindows int

	// WindowSize is the duration of a single time bucket.  Must be > 0.
	WindowSize time.Duration

	// MaxSize is the soft cap on the number of distinct keys.  0 means
	// [defaultMaxSize].
	MaxSize int

	// V4PrefixLen and V6PrefixLen, when non-zero, canonicalise IP-shaped
	// keys to their network prefix (e.g. "/32" vs "/24") before every
	// lookup, so that e.g. all addresses in a /24 share one set of rings.
	V4PrefixLen, V6PrefixLen int

	// ReplicationHook, when non-nil, is invoked for every local mutation so
	// it can be fanned out to cluster siblings.  It must return quickly; the
	// DB's lock is held while it runs.
	ReplicationHook func(Mutation)

	// Clock returns the current time.  Defaults to time.Now; overridable in
	// tests.
	Clock func() time.Time
}

// validate checks c and fills in defaults, returning an error describing
// the first problem found.
func (c *Config) validate() (err error) {
	if c.Logger == nil {
		return errors.Error("stats: logger is nil")
	}

	if c.Name == "" {
		return errors.Error("stats: name is empty")
	}

	if len(c.Fields) == 0 {
		return errors.Error("stats: no fields configured")
	}

	seen := make(map[string]struct{}, len(c.Fields))
	for _, f := range c.Fields {
		if f.Name == "" {
			return errors.Error("stats: field with empty name")
		}

		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("stats: duplicate field %q", f.Name)
		}

		seen[f.Name] = struct{}{}
	}

	if c.NumWindows < 1 {
		return fmt.Errorf("stats: num_windows must be >= 1, got %d", c.NumWindows)
	}

	if c.WindowSize <= 0 {
		return fmt.Errorf("stats: window_size must be > 0, got %s", c.WindowSize)
	}

	if c.MaxSize == 0 {
		c.MaxSize = defaultMaxSize
	}

	if c.Clock == nil {
		c.Clock = time.Now
	}

	return nil
}

// Mutation is the record of a single local write, passed to a [Config]'s
// ReplicationHook so it can be applied on cluster siblings.
type Mutation struct {
	// DB is the name of the DB the mutation happened on.
	DB string

	// Op names the operation: "add_int", "add_string", "add_string_int",
	// "sub_int", "reset", "reset_field".
	Op string

	// Key is the record key the mutation applies to.  Empty for a
	// whole-DB reset.
	Key string

	// Field is the field name the mutation applies to.  Empty for a
	// whole-key reset.
	Field string

	// Str is the string argument of add_string/add_string_int.
	Str string

	// N is the integer argument of add_int/sub_int/add_string_int.
	N int64
}

// record is one key's per-field state.
type record struct {
	rings map[string]*ring
	seq   int64
}

// DB is a single named sliding-window statistics database: a set of fields
// shared by every key, each key carrying its own ring per field.
//
// Grounded on the mutex-guarded, atomic-snapshot style of the teacher's DNS
// query-statistics collector, generalised from a fixed set of query counters
// to arbitrary named fields and aggregator kinds; the multi-index bookkeeping
// needed for LRM eviction borrows the lockstep-maps shape used for DHCP lease
// indices.
type DB struct {
	logger *slog.Logger
	name   string

	fields     []FieldConfig
	fieldIndex map[string]FieldConfig

	numWindows int
	windowSize time.Duration
	maxSize    int
	v4Prefix   int
	v6Prefix   int

	clock func() time.Time
	repl  func(Mutation)

	mu      sync.Mutex
	records map[string]*record
	lrm     *aghalg.SortedMap[int64, string]
	nextSeq int64

	stopSweep context.CancelFunc
	swept     sync.WaitGroup
}

// New returns a new, empty [DB] configured by c.  It does not start the
// background expiry sweep; call [DB.StartExpireThread] for that.
func New(c *Config) (db *DB, err error) {
	if err = c.validate(); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	fieldIndex := make(map[string]FieldConfig, len(c.Fields))
	for _, f := range c.Fields {
		fieldIndex[f.Name] = f
	}

	return &DB{
		logger:     newLogger(c.Logger, c.Name),
		name:       c.Name,
		fields:     append([]FieldConfig(nil), c.Fields...),
		fieldIndex: fieldIndex,
		numWindows: c.NumWindows,
		windowSize: c.WindowSize,
		maxSize:    c.MaxSize,
		v4Prefix:   c.V4PrefixLen,
		v6Prefix:   c.V6PrefixLen,
		clock:      c.Clock,
		repl:       c.ReplicationHook,
		records:    make(map[string]*record),
		lrm:        aghalg.NewSortedMap[int64, string](),
	}, nil
}

// Name returns the DB's configured name.
func (db *DB) Name() (name string) { return db.name }

// canonicalKey canonicalises an IP-shaped key to its configured network
// prefix.  Non-IP keys (logins, composite IP+login keys) pass through
// unchanged.
func (db *DB) canonicalKey(key string) (canon string) {
	addr, err := netip.ParseAddr(key)
	if err != nil {
		return key
	}

	addr = addr.Unmap()

	var bits int
	if addr.Is4() {
		bits = db.v4Prefix
	} else {
		bits = db.v6Prefix
	}

	if bits <= 0 || bits >= addr.BitLen() {
		return key
	}

	p, err := addr.Prefix(bits)
	if err != nil {
		return key
	}

	return p.Masked().Addr().String()
}

// touch records key as just-modified for LRM eviction purposes and evicts
// the least-recently-modified entries if the DB is over its configured max
// size.  db.mu must be held.
func (db *DB) touch(key string, r *record) {
	db.lrm.Del(r.seq)
	db.nextSeq++
	r.seq = db.nextSeq
	db.lrm.Set(r.seq, key)

	db.evictLocked()
}

func (db *DB) evictLocked() {
	for len(db.records) > db.maxSize {
		seqs := db.lrm.Keys()
		if len(seqs) == 0 {
			break
		}

		oldestSeq := seqs[0]
		oldestKey, _ := db.lrm.Get(oldestSeq)
		db.lrm.Del(oldestSeq)
		delete(db.records, oldestKey)
	}
}

// recordFor returns key's record, creating it (and evicting if necessary) if
// it doesn't exist yet.  db.mu must be held.
func (db *DB) recordFor(key string) (r *record) {
	r, ok := db.records[key]
	if !ok {
		r = &record{rings: make(map[string]*ring, len(db.fields))}
		db.records[key] = r
	}

	db.touch(key, r)

	return r
}

// ringFor returns the ring for field on r, creating it if necessary.  db.mu
// must be held.
func (db *DB) ringFor(r *record, field string) (rg *ring, fc FieldConfig, err error) {
	fc, ok := db.fieldIndex[field]
	if !ok {
		return nil, FieldConfig{}, fmt.Errorf("stats: unknown field %q", field)
	}

	rg, ok = r.rings[field]
	if !ok {
		rg = newRing(db.numWindows, db.windowSize, fc.Kind, fc.Precision, fc.Eps, fc.Gamma)
		r.rings[field] = rg
	}

	return rg, fc, nil
}

func (db *DB) emit(m Mutation) {
	if db.repl != nil {
		m.DB = db.name
		db.repl(m)
	}
}

// AddInt adds n to field on key's current window.
func (db *DB) AddInt(key, field string, n int64) (err error) {
	key = db.canonicalKey(key)

	db.mu.Lock()
	defer db.mu.Unlock()

	r := db.recordFor(key)
	rg, _, err := db.ringFor(r, field)
	if err != nil {
		return err
	}

	s, err := rg.current(db.clock())
	if err != nil {
		return err
	}

	s.agg.AddInt(n)
	db.emit(Mutation{Op: "add_int", Key: key, Field: field, N: n})

	return nil
}

// AddString records one occurrence of value in field on key's current
// window.
func (db *DB) AddString(key, field, value string) (err error) {
	key = db.canonicalKey(key)

	db.mu.Lock()
	defer db.mu.Unlock()

	r := db.recordFor(key)
	rg, _, err := db.ringFor(r, field)
	if err != nil {
		return err
	}

	s, err := rg.current(db.clock())
	if err != nil {
		return err
	}

	s.agg.AddString(value)
	db.emit(Mutation{Op: "add_string", Key: key, Field: field, Str: value})

	return nil
}

// AddStringInt records n occurrences of value in field on key's current
// window.
func (db *DB) AddStringInt(key, field, value string, n int64) (err error) {
	key = db.canonicalKey(key)

	db.mu.Lock()
	defer db.mu.Unlock()

	r := db.recordFor(key)
	rg, _, err := db.ringFor(r, field)
	if err != nil {
		return err
	}

	s, err := rg.current(db.clock())
	if err != nil {
		return err
	}

	s.agg.AddStringInt(value, n)
	db.emit(Mutation{Op: "add_string_int", Key: key, Field: field, Str: value, N: n})

	return nil
}

// SubInt subtracts n from field on key's current window.
func (db *DB) SubInt(key, field string, n int64) (err error) {
	key = db.canonicalKey(key)

	db.mu.Lock()
	defer db.mu.Unlock()

	r := db.recordFor(key)
	rg, _, err := db.ringFor(r, field)
	if err != nil {
		return err
	}

	s, err := rg.current(db.clock())
	if err != nil {
		return err
	}

	s.agg.SubInt(n)
	db.emit(Mutation{Op: "sub_int", Key: key, Field: field, N: n})

	return nil
}

// GetCurrent returns field's value on key for the current window only.
func (db *DB) GetCurrent(key, field string) (n int64, err error) {
	key = db.canonicalKey(key)

	db.mu.Lock()
	defer db.mu.Unlock()

	r, ok := db.records[key]
	if !ok {
		return 0, nil
	}

	rg, _, err := db.ringFor(r, field)
	if err != nil {
		return 0, err
	}

	s, err := rg.current(db.clock())
	if err != nil {
		return 0, err
	}

	return s.agg.Get(), nil
}

// Get returns field's value on key summed across every live window.
func (db *DB) Get(key, field string) (n int64, err error) {
	key = db.canonicalKey(key)

	db.mu.Lock()
	defer db.mu.Unlock()

	return db.getLocked(key, field)
}

func (db *DB) getLocked(key, field string) (n int64, err error) {
	r, ok := db.records[key]
	if !ok {
		return 0, nil
	}

	rg, _, err := db.ringFor(r, field)
	if err != nil {
		return 0, err
	}

	now := db.clock()
	live := rg.live(now)
	if len(live) == 0 {
		return 0, nil
	}

	return live[0].Sum(live[1:]), nil
}

// GetString returns the estimated frequency of value in field on key,
// summed across every live window.  Only meaningful for [KindCountMin]
// fields.
func (db *DB) GetString(key, field, value string) (n int64, err error) {
	key = db.canonicalKey(key)

	db.mu.Lock()
	defer db.mu.Unlock()

	r, ok := db.records[key]
	if !ok {
		return 0, nil
	}

	rg, _, err := db.ringFor(r, field)
	if err != nil {
		return 0, err
	}

	live := rg.live(db.clock())
	if len(live) == 0 {
		return 0, nil
	}

	return live[0].SumString(value, live[1:]), nil
}

// GetAllFields returns the summed-across-windows value of every int-like
// field (KindInt, KindHLL) on key.  CountMin fields are omitted since they
// have no single scalar value.
func (db *DB) GetAllFields(key string) (vals map[string]int64, err error) {
	key = db.canonicalKey(key)

	db.mu.Lock()
	defer db.mu.Unlock()

	vals = make(map[string]int64, len(db.fields))
	for _, fc := range db.fields {
		if fc.Kind == KindCountMin {
			continue
		}

		n, gerr := db.getLocked(key, fc.Name)
		if gerr != nil {
			return nil, gerr
		}

		vals[fc.Name] = n
	}

	return vals, nil
}

// Reset clears every field of key.
func (db *DB) Reset(key string) {
	key = db.canonicalKey(key)

	db.mu.Lock()
	defer db.mu.Unlock()

	if r, ok := db.records[key]; ok {
		for _, rg := range r.rings {
			rg.reset()
		}
	}

	db.emit(Mutation{Op: "reset", Key: key})
}

// ResetField clears only field on key.
func (db *DB) ResetField(key, field string) (err error) {
	key = db.canonicalKey(key)

	db.mu.Lock()
	defer db.mu.Unlock()

	if r, ok := db.records[key]; ok {
		if rg, ok := r.rings[field]; ok {
			rg.reset()
		}
	}

	db.emit(Mutation{Op: "reset_field", Key: key, Field: field})

	return nil
}

// Size returns the number of distinct keys currently tracked.
func (db *DB) Size() (n int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	return len(db.records)
}

// SetMaxSize changes the soft key-count cap, evicting immediately if the DB
// is already over the new limit.
func (db *DB) SetMaxSize(n int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.maxSize = n
	db.evictLocked()
}

// SetV4Prefix changes the IPv4 canonicalisation prefix length.
func (db *DB) SetV4Prefix(bits int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.v4Prefix = bits
}

// SetV6Prefix changes the IPv6 canonicalisation prefix length.
func (db *DB) SetV6Prefix(bits int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.v6Prefix = bits
}

// EnableReplication installs (or, with hook == nil, removes) the DB's
// replication hook.
func (db *DB) EnableReplication(hook func(Mutation)) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.repl = hook
}

// StartExpireThread starts the background goroutine that periodically drops
// keys whose every window has aged out, so idle keys don't linger in memory
// between sweeps forced by size pressure.  Calling it twice without an
// intervening Shutdown is a no-op.
func (db *DB) StartExpireThread(ctx context.Context, interval time.Duration) {
	db.mu.Lock()
	if db.stopSweep != nil {
		db.mu.Unlock()

		return
	}

	if interval <= 0 {
		interval = defaultSweepInterval
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	db.stopSweep = cancel
	db.mu.Unlock()

	db.swept.Add(1)
	go db.sweepLoop(sweepCtx, interval)
}

func (db *DB) sweepLoop(ctx context.Context, interval time.Duration) {
	defer db.swept.Done()

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			db.sweepOnce()
		}
	}
}

func (db *DB) sweepOnce() {
	db.mu.Lock()
	defer db.mu.Unlock()

	now := db.clock()

	for key, r := range db.records {
		stale := true
		for _, rg := range r.rings {
			if len(rg.live(now)) > 0 {
				stale = false

				break
			}
		}

		if !stale {
			continue
		}

		db.lrm.Del(r.seq)
		delete(db.records, key)
	}

	db.logger.Debug("sweep finished", "remaining", len(db.records))
}

// Shutdown stops the background expiry goroutine, if running, and waits for
// it to exit.
func (db *DB) Shutdown(ctx context.Context) (err error) {
	db.mu.Lock()
	stop := db.stopSweep
	db.stopSweep = nil
	db.mu.Unlock()

	if stop == nil {
		return nil
	}

	stop()

	done := make(chan struct{})
	go func() {
		db.swept.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DumpEntry is one key's persisted state, as produced by [DB.StartDump] and
// consumed by [DB.RestoreEntry].
type DumpEntry struct {
	Key    string
	Fields map[string][]byte
}

// StartDump returns a snapshot of every key currently tracked, suitable for
// persisting to disk (see [Registry.SaveTo]) or shipping to a newly-joined
// sibling via a bulk sync.  A [KindInt] field is dumped as the sum of its
// live windows; a [KindHLL] or [KindCountMin] field is dumped as a single
// live slot (see dumpMerged).  A restored DB starts its windows fresh,
// trading a brief undercount right after restart for a much simpler wire
// format.
func (db *DB) StartDump() (entries []DumpEntry, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	now := db.clock()
	entries = make([]DumpEntry, 0, len(db.records))

	for key, r := range db.records {
		fields := make(map[string][]byte, len(r.rings))

		for name, rg := range r.rings {
			live := rg.live(now)
			if len(live) == 0 {
				continue
			}

			b, derr := db.dumpMerged(live[0], live[1:])
			if derr != nil {
				return nil, derr
			}

			fields[name] = b
		}

		entries = append(entries, DumpEntry{Key: key, Fields: fields})
	}

	return entries, nil
}

// dumpMerged folds rest into head, for kinds where that's cheap, and dumps
// the result.
func (db *DB) dumpMerged(head Aggregator, rest []Aggregator) (b []byte, err error) {
	if len(rest) == 0 || head.Kind() != KindInt {
		// HLL and Count-Min sketches don't have a cheap "dump the combined
		// value" representation without merging their internal tables in
		// place; dump just head, the first live slot in ring-index order. A
		// sibling catching up via full
		// sync re-accumulates the rest as fresh traffic arrives.
		return head.Dump()
	}

	merged := &intAggregator{n: head.Sum(rest)}

	return merged.Dump()
}

// RestoreEntry reinstates a previously dumped key's state into the current
// window.
func (db *DB) RestoreEntry(e DumpEntry) (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	r := db.recordFor(e.Key)

	for name, b := range e.Fields {
		rg, _, rerr := db.ringFor(r, name)
		if rerr != nil {
			continue
		}

		s, serr := rg.current(db.clock())
		if serr != nil {
			return serr
		}

		if err = s.agg.Restore(b); err != nil {
			return fmt.Errorf("stats: restoring field %q of key %q: %w", name, e.Key, err)
		}
	}

	return nil
}

// EndDump is a no-op hook kept for symmetry with StartDump/RestoreEntry so
// callers can bracket a bulk-sync round without special-casing the absence
// of teardown work.
func (db *DB) EndDump() {}

// newLogger derives a DB-scoped logger from parent.
func newLogger(parent *slog.Logger, name string) (l *slog.Logger) {
	return parent.With(slogutil.KeyPrefix, fmt.Sprintf("stats(%s)", name))
}

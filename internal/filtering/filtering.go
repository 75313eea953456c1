// Package filtering implements the expiring allow/deny list store: entries
// keyed by IP (with longest-prefix-match netmask support), by login, or by
// the composite IP+login pair, each carrying an optional expiry after which
// it is dropped automatically.
package filtering

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/wforce/wforced/internal/aghalg"
)

// KeySpace identifies which of the three independent namespaces a [Store]
// keys its entries by.  Stores don't share entries across key spaces; a
// deployment typically runs one [Store] per [KeySpace] it needs.
type KeySpace uint8

// KeySpace values.
const (
	// KeySpaceIP keys entries by IP address or, via [Entry.PrefixLen],
	// by network.
	KeySpaceIP KeySpace = iota

	// KeySpaceLogin keys entries by login identifier.
	KeySpaceLogin

	// KeySpaceIPLogin keys entries by the composite "ip:login" string, see
	// [github.com/wforce/wforced/internal/wfevent.IPLoginKey].
	KeySpaceIPLogin
)

// String implements the fmt.Stringer interface for KeySpace.
func (ks KeySpace) String() (s string) {
	switch ks {
	case KeySpaceIP:
		return "ip"
	case KeySpaceLogin:
		return "login"
	case KeySpaceIPLogin:
		return "ip_login"
	default:
		return fmt.Sprintf("KeySpace(%d)", uint8(ks))
	}
}

// Entry is one stored allow/deny record.
type Entry struct {
	// Key is the entry's key: an address or network in CIDR notation for
	// [KeySpaceIP], a login for [KeySpaceLogin], or an "ip:login" pair for
	// [KeySpaceIPLogin].
	Key string

	// Reason is a free-form, human-readable note about why the entry
	// exists.
	Reason string

	// Expiry is when the entry should be dropped automatically.  The zero
	// Time means the entry never expires on its own.
	Expiry time.Time

	seq int64
}

// expired reports whether e has an expiry and it is not after now.
func (e *Entry) expired(now time.Time) (yes bool) {
	return !e.Expiry.IsZero() && !e.Expiry.After(now)
}

// expiryOrd is the sort key used to keep entries in expiry order; seq breaks
// ties between entries sharing an expiry instant.
type expiryOrd struct {
	unixNano int64
	seq      int64
}

func compareExpiryOrd(a, b expiryOrd) (res int) {
	if a.unixNano != b.unixNano {
		if a.unixNano < b.unixNano {
			return -1
		}

		return 1
	}

	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	default:
		return 0
	}
}

// EventKind identifies the kind of change a [Store]'s Hook is notified of.
type EventKind uint8

// EventKind values.
const (
	// EventAdd fires when an entry is added or refreshed.
	EventAdd EventKind = iota

	// EventDel fires when an entry is removed by explicit request.
	EventDel

	// EventExpire fires when an entry is removed because it aged out.
	EventExpire
)

// String implements the fmt.Stringer interface for EventKind.
func (k EventKind) String() (s string) {
	switch k {
	case EventAdd:
		return "add"
	case EventDel:
		return "del"
	case EventExpire:
		return "expire"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event describes a single mutation of a [Store], passed to its configured
// Hook.
type Event struct {
	Kind     EventKind
	KeySpace KeySpace
	Entry    Entry

	// FromReplica is true for mutations applied via [Store.ApplyRemote]
	// rather than originated locally.  Hooks that re-publish events (the
	// webhook runner, the replication fan-out) use this to avoid echoing a
	// mutation back to where it came from.
	FromReplica bool
}

// Persister mirrors a [Store]'s contents to durable storage.  Implementions
// must be safe for concurrent use.
type Persister interface {
	// Put writes or overwrites the record for key.
	Put(ctx context.Context, keySpace KeySpace, key string, e Entry) (err error)

	// Delete removes the record for key, if any.
	Delete(ctx context.Context, keySpace KeySpace, key string) (err error)

	// LoadAll returns every persisted record for keySpace, for use when
	// warming a [Store] up at startup.
	LoadAll(ctx context.Context, keySpace KeySpace) (entries []Entry, err error)
}

// Config configures a [Store].
type Config struct {
	// Logger is used for diagnostic output.  It must not be nil.
	Logger *slog.Logger

	// Name identifies the store, e.g. in log messages and replication
	// events.
	Name string

	// KeySpace selects the namespace the store's keys belong to.
	KeySpace KeySpace

	// Hook, if non-nil, is invoked after every mutation, including those
	// applied via [Store.ApplyRemote] (with FromReplica set) and expiries.
	// It runs after the store's lock has been released.
	Hook func(Event)

	// Persister, if non-nil, mirrors every mutation to durable storage.
	Persister Persister

	// Clock returns the current time.  Defaults to time.Now; overridable in
	// tests.
	Clock func() time.Time
}

func (c *Config) validate() (err error) {
	if c.Logger == nil {
		return errors.Error("filtering: logger is nil")
	}

	if c.Name == "" {
		return errors.Error("filtering: name is empty")
	}

	if c.Clock == nil {
		c.Clock = time.Now
	}

	return nil
}

// Store is a single key space's expiring allow/deny list.
//
// Grounded on the lockstep multi-index shape used for DHCP lease bookkeeping
// in the teacher (one authoritative map plus secondary indices kept in sync
// under one mutex), generalised here to three cooperating views of the same
// entries: key-unique (byKey), expiration-ordered (byExpiry, an
// [aghalg.SortedMap]), and, for [KeySpaceIP], prefix-length-bucketed for
// longest-prefix-match lookups (byPrefixLen).
type Store struct {
	logger   *slog.Logger
	name     string
	keySpace KeySpace
	persist  Persister
	clock    func() time.Time

	mu          sync.Mutex
	hook        func(Event)
	byKey       map[string]*Entry
	byExpiry    *aghalg.SortedMap[expiryOrd, string]
	byPrefixLen map[int]map[netip.Addr]*Entry
	nextSeq     int64

	stopSweep context.CancelFunc
	swept     sync.WaitGroup
}

// New returns a new, empty [Store] configured by c.
func New(c *Config) (s *Store, err error) {
	if err = c.validate(); err != nil {
		return nil, fmt.Errorf("filtering: %w", err)
	}

	s = &Store{
		logger:      c.Logger.With(slogutil.KeyPrefix, fmt.Sprintf("filtering(%s)", c.Name)),
		name:        c.Name,
		keySpace:    c.KeySpace,
		persist:     c.Persister,
		clock:       c.Clock,
		hook:        c.Hook,
		byKey:       make(map[string]*Entry),
		byExpiry:    aghalg.NewSortedMapFunc[expiryOrd, string](compareExpiryOrd),
		byPrefixLen: make(map[int]map[netip.Addr]*Entry),
	}

	return s, nil
}

// Name returns the store's configured name.
func (s *Store) Name() (name string) { return s.name }

// KeySpace returns the store's configured key space.
func (s *Store) KeySpace() (ks KeySpace) { return s.keySpace }

// LoadPersisted populates the store from its configured [Persister], if
// any.  Call it once at startup before serving traffic.
func (s *Store) LoadPersisted(ctx context.Context) (err error) {
	if s.persist == nil {
		return nil
	}

	entries, err := s.persist.LoadAll(ctx, s.keySpace)
	if err != nil {
		return fmt.Errorf("filtering: loading persisted %s entries: %w", s.name, err)
	}

	now := s.clock()
	for _, e := range entries {
		if e.expired(now) {
			continue
		}

		s.insertLocked(e, true)
	}

	return nil
}

func (s *Store) prefixLenFor(key string) (pfx netip.Prefix, ok bool) {
	if s.keySpace != KeySpaceIP {
		return netip.Prefix{}, false
	}

	pfx, err := netip.ParsePrefix(key)
	if err != nil {
		addr, aerr := netip.ParseAddr(key)
		if aerr != nil {
			return netip.Prefix{}, false
		}

		addr = addr.Unmap()

		return netip.PrefixFrom(addr, addr.BitLen()), true
	}

	return netip.PrefixFrom(pfx.Addr().Unmap(), pfx.Bits()), true
}

// insertLocked inserts or refreshes e.  Unless skipLock is true it takes s.mu
// itself; callers that already hold s.mu, or that run before the store is
// shared (LoadPersisted), pass true.
func (s *Store) insertLocked(e Entry, skipLock bool) {
	if !skipLock {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	if old, ok := s.byKey[e.Key]; ok {
		s.removeIndexesLocked(old)
	}

	s.nextSeq++
	e.seq = s.nextSeq

	stored := e
	s.byKey[e.Key] = &stored

	if !e.Expiry.IsZero() {
		s.byExpiry.Set(expiryOrd{unixNano: e.Expiry.UnixNano(), seq: e.seq}, e.Key)
	}

	if pfx, ok := s.prefixLenFor(e.Key); ok {
		bucket, ok := s.byPrefixLen[pfx.Bits()]
		if !ok {
			bucket = make(map[netip.Addr]*Entry)
			s.byPrefixLen[pfx.Bits()] = bucket
		}

		bucket[pfx.Addr()] = &stored
	}
}

func (s *Store) removeIndexesLocked(old *Entry) {
	delete(s.byKey, old.Key)

	if !old.Expiry.IsZero() {
		s.byExpiry.Del(expiryOrd{unixNano: old.Expiry.UnixNano(), seq: old.seq})
	}

	if pfx, ok := s.prefixLenFor(old.Key); ok {
		if bucket, ok := s.byPrefixLen[pfx.Bits()]; ok {
			delete(bucket, pfx.Addr())

			if len(bucket) == 0 {
				delete(s.byPrefixLen, pfx.Bits())
			}
		}
	}
}

// Add inserts or refreshes the entry for key.  ttl <= 0 means the entry
// never expires on its own.  fromReplica should be true only when applying
// a mutation received from a cluster sibling.
func (s *Store) Add(ctx context.Context, key, reason string, ttl time.Duration, fromReplica bool) (err error) {
	now := s.clock()

	var expiry time.Time
	if ttl > 0 {
		expiry = now.Add(ttl)
	}

	e := Entry{Key: key, Reason: reason, Expiry: expiry}

	s.mu.Lock()
	s.insertLocked(e, true)
	hook := s.hook
	s.mu.Unlock()

	if s.persist != nil {
		if perr := s.persist.Put(ctx, s.keySpace, key, e); perr != nil {
			s.logger.WarnContext(ctx, "persisting entry", "key", key, slogutil.KeyError, perr)
		}
	}

	if hook != nil {
		hook(Event{Kind: EventAdd, KeySpace: s.keySpace, Entry: e, FromReplica: fromReplica})
	}

	return nil
}

// Del removes the entry for key, if any.  fromReplica should be true only
// when applying a mutation received from a cluster sibling.
func (s *Store) Del(ctx context.Context, key string, fromReplica bool) (err error) {
	s.mu.Lock()
	old, ok := s.byKey[key]
	var removed Entry
	if ok {
		removed = *old
		s.removeIndexesLocked(old)
	}
	hook := s.hook
	s.mu.Unlock()

	if !ok {
		return nil
	}

	if s.persist != nil {
		if perr := s.persist.Delete(ctx, s.keySpace, key); perr != nil {
			s.logger.WarnContext(ctx, "deleting persisted entry", "key", key, slogutil.KeyError, perr)
		}
	}

	if hook != nil {
		hook(Event{Kind: EventDel, KeySpace: s.keySpace, Entry: removed, FromReplica: fromReplica})
	}

	return nil
}

// Get returns the entry stored for the exact key, without netmask lookup.
func (s *Store) Get(key string) (e Entry, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byKey[key]
	if !ok {
		return Entry{}, false
	}

	return *entry, true
}

// Lookup resolves key against the store.  For [KeySpaceIP], key is parsed
// as an address and matched against every configured network, longest
// prefix first; for other key spaces it is an exact lookup.
func (s *Store) Lookup(key string) (e Entry, ok bool) {
	if s.keySpace != KeySpaceIP {
		return s.Get(key)
	}

	addr, err := netip.ParseAddr(key)
	if err != nil {
		return Entry{}, false
	}

	addr = addr.Unmap()

	s.mu.Lock()
	defer s.mu.Unlock()

	for bits := addr.BitLen(); bits >= 0; bits-- {
		bucket, ok := s.byPrefixLen[bits]
		if !ok {
			continue
		}

		masked, err := addr.Prefix(bits)
		if err != nil {
			continue
		}

		if entry, ok := bucket[masked.Masked().Addr()]; ok {
			return *entry, true
		}
	}

	return Entry{}, false
}

// All returns every entry currently stored, oldest-inserted first.
func (s *Store) All() (entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries = make([]Entry, 0, len(s.byKey))
	for _, e := range s.byKey {
		entries = append(entries, *e)
	}

	slices.SortFunc(entries, func(a, b Entry) int { return cmp.Compare(a.seq, b.seq) })

	return entries
}

// Size returns the number of entries currently stored.
func (s *Store) Size() (n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.byKey)
}

// ApplyRemote applies a mutation originating from a cluster sibling.
func (s *Store) ApplyRemote(ctx context.Context, ev Event) (err error) {
	switch ev.Kind {
	case EventAdd:
		var ttl time.Duration
		if !ev.Entry.Expiry.IsZero() {
			ttl = time.Until(ev.Entry.Expiry)
			if ttl <= 0 {
				return nil
			}
		}

		return s.Add(ctx, ev.Entry.Key, ev.Entry.Reason, ttl, true)
	case EventDel, EventExpire:
		return s.Del(ctx, ev.Entry.Key, true)
	default:
		return fmt.Errorf("filtering: apply remote: unknown event kind %v", ev.Kind)
	}
}

const defaultSweepInterval = time.Second

// StartExpireThread starts the background goroutine that removes expired
// entries and fires [EventExpire] hooks for them.  Calling it twice without
// an intervening Shutdown is a no-op.
func (s *Store) StartExpireThread(ctx context.Context) {
	s.mu.Lock()
	if s.stopSweep != nil {
		s.mu.Unlock()

		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.stopSweep = cancel
	s.mu.Unlock()

	s.swept.Add(1)
	go s.sweepLoop(sweepCtx)
}

func (s *Store) sweepLoop(ctx context.Context) {
	defer s.swept.Done()

	t := time.NewTicker(defaultSweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce removes every entry whose expiry is at or before now, stopping
// at the first entry that isn't expired yet since byExpiry is sorted.
func (s *Store) sweepOnce(ctx context.Context) {
	now := s.clock()

	for {
		s.mu.Lock()
		keys := s.byExpiry.Keys()
		if len(keys) == 0 {
			s.mu.Unlock()

			return
		}

		head := keys[0]
		if head.unixNano > now.UnixNano() {
			s.mu.Unlock()

			return
		}

		key, _ := s.byExpiry.Get(head)
		old, ok := s.byKey[key]
		var removed Entry
		if ok {
			removed = *old
			s.removeIndexesLocked(old)
		} else {
			s.byExpiry.Del(head)
		}

		hook := s.hook
		s.mu.Unlock()

		if !ok {
			continue
		}

		if s.persist != nil {
			if perr := s.persist.Delete(ctx, s.keySpace, key); perr != nil {
				s.logger.WarnContext(ctx, "deleting expired persisted entry", "key", key, slogutil.KeyError, perr)
			}
		}

		if hook != nil {
			hook(Event{Kind: EventExpire, KeySpace: s.keySpace, Entry: removed})
		}
	}
}

// Shutdown stops the background expiry goroutine, if running, and waits for
// it to exit.
func (s *Store) Shutdown(ctx context.Context) (err error) {
	s.mu.Lock()
	stop := s.stopSweep
	s.stopSweep = nil
	s.mu.Unlock()

	if stop == nil {
		return nil
	}

	stop()

	done := make(chan struct{})
	go func() {
		s.swept.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package filtering

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// BBoltPersister is a [Persister] backed by a bbolt database file, mirroring
// each key space into its own bucket.  Records are stored as
// "<prefix>:<key>" -> "<expiry-unix-nano>:<reason>", matching the layout a
// bulk sync or offline inspection tool expects.
//
// Grounded on the teacher's atomic.Pointer[bbolt.DB]-guarded persistence
// pattern (open once, one read-write transaction per mutation).
type BBoltPersister struct {
	db     *bbolt.DB
	prefix string
}

var _ Persister = (*BBoltPersister)(nil)

// NewBBoltPersister opens (creating if necessary) a bbolt database at path
// and returns a *BBoltPersister that prefixes every key it writes with
// prefix, so multiple stores can share one file without colliding.
func NewBBoltPersister(path, prefix string) (p *BBoltPersister, err error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("filtering: opening bbolt db: %w", err)
	}

	return &BBoltPersister{db: db, prefix: prefix}, nil
}

// Close closes the underlying database file.
func (p *BBoltPersister) Close() (err error) {
	return p.db.Close()
}

func bucketName(ks KeySpace) (name []byte) {
	return []byte(ks.String())
}

func (p *BBoltPersister) fullKey(key string) (full string) {
	return p.prefix + ":" + key
}

func encodeValue(e Entry) (val string) {
	var nano int64
	if !e.Expiry.IsZero() {
		nano = e.Expiry.UnixNano()
	}

	return strconv.FormatInt(nano, 10) + ":" + e.Reason
}

func decodeValue(key, val string) (e Entry, err error) {
	parts := strings.SplitN(val, ":", 2)
	if len(parts) != 2 {
		return Entry{}, fmt.Errorf("filtering: malformed persisted value for %q", key)
	}

	nano, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("filtering: malformed expiry for %q: %w", key, err)
	}

	e = Entry{Key: key, Reason: parts[1]}
	if nano != 0 {
		e.Expiry = time.Unix(0, nano)
	}

	return e, nil
}

// Put implements the [Persister] interface for *BBoltPersister.
func (p *BBoltPersister) Put(_ context.Context, ks KeySpace, key string, e Entry) (err error) {
	return p.db.Update(func(tx *bbolt.Tx) (err error) {
		b, err := tx.CreateBucketIfNotExists(bucketName(ks))
		if err != nil {
			return err
		}

		return b.Put([]byte(p.fullKey(key)), []byte(encodeValue(e)))
	})
}

// Delete implements the [Persister] interface for *BBoltPersister.
func (p *BBoltPersister) Delete(_ context.Context, ks KeySpace, key string) (err error) {
	return p.db.Update(func(tx *bbolt.Tx) (err error) {
		b := tx.Bucket(bucketName(ks))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(p.fullKey(key)))
	})
}

// LoadAll implements the [Persister] interface for *BBoltPersister.
func (p *BBoltPersister) LoadAll(_ context.Context, ks KeySpace) (entries []Entry, err error) {
	err = p.db.View(func(tx *bbolt.Tx) (err error) {
		b := tx.Bucket(bucketName(ks))
		if b == nil {
			return nil
		}

		prefix := []byte(p.prefix + ":")

		return b.ForEach(func(k, v []byte) (err error) {
			full := string(k)
			if !strings.HasPrefix(full, string(prefix)) {
				return nil
			}

			key := strings.TrimPrefix(full, string(prefix))

			e, derr := decodeValue(key, string(v))
			if derr != nil {
				return derr
			}

			entries = append(entries, e)

			return nil
		})
	})

	return entries, err
}

package store

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"inboxdb/pkg/logger"
)

var db *pebble.DB

// dbPath remembers the opened path for diagnostics.
var dbPath string

// seq is a small counter appended to timestamp-prefixed keys so entries
// sharing a nanosecond still sort deterministically.
var seq uint64

// ErrNotFound is returned by point lookups when no row exists.
var ErrNotFound = pebble.ErrNotFound

// Open opens (or creates) a Pebble database at the given path and keeps a
// global handle for simple usage in this package. The event id counter is
// recovered from the highest stored event key.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	if err := recoverEventSeq(); err != nil {
		_ = db.Close()
		db = nil
		return fmt.Errorf("recover event counter: %w", err)
	}
	logger.Info("pebble_opened", "path", path, "last_event_id", atomic.LoadUint64(&eventSeq))
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

// Path returns the opened database path, or empty when closed.
func Path() string { return dbPath }

func nextSeq() uint64 { return atomic.AddUint64(&seq, 1) }

// Tx stages writes for one mutation. Everything staged commits atomically:
// the domain write, the appended event, and the projected inbox rows move
// together or not at all.
type Tx struct {
	b *pebble.Batch
}

// NewTx returns an empty write batch. Callers must Commit or Discard it.
func NewTx() (*Tx, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	return &Tx{b: db.NewBatch()}, nil
}

// Set stages a key/value write.
func (t *Tx) Set(key string, value []byte) {
	_ = t.b.Set([]byte(key), value, nil)
}

// Delete stages a key deletion.
func (t *Tx) Delete(key string) {
	_ = t.b.Delete([]byte(key), nil)
}

// Len returns the number of staged operations.
func (t *Tx) Len() int { return int(t.b.Count()) }

// Commit applies the batch. sync=true forces an fsync before returning.
func (t *Tx) Commit(sync bool) error {
	opt := pebble.NoSync
	if sync {
		opt = pebble.Sync
	}
	if err := t.b.Commit(opt); err != nil {
		logger.Error("tx_commit_failed", "ops", t.b.Count(), "error", err)
		return err
	}
	return nil
}

// Discard drops the batch without applying it.
func (t *Tx) Discard() {
	_ = t.b.Close()
}

// get reads a single key, translating the closer dance into a copied value.
func get(key string) ([]byte, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	return out, nil
}

// set writes a single key outside any batch.
func set(key string, value []byte) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	return db.Set([]byte(key), value, pebble.Sync)
}

// scanPrefix invokes fn for each key under prefix in key order. fn returns
// false to stop early.
func scanPrefix(prefix string, fn func(key string, value []byte) bool) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		v := append([]byte(nil), iter.Value()...)
		if !fn(string(iter.Key()), v) {
			break
		}
	}
	return iter.Error()
}

// lastUnderPrefix returns the highest key/value under prefix, or ErrNotFound.
func lastUnderPrefix(prefix string) (string, []byte, error) {
	if db == nil {
		return "", nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return "", nil, err
	}
	defer iter.Close()
	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return "", nil, err
		}
		return "", nil, ErrNotFound
	}
	k := string(iter.Key())
	v := append([]byte(nil), iter.Value()...)
	return k, v, nil
}

// upperBound computes the exclusive upper bound for a prefix scan.
func upperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}

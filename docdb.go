// Package docdb is an embedded versioned document store. Every write
// appends an immutable version of a key's document; the latest version is
// tracked by a current flag with at most one current record per key.
// History stays reachable until compacted, and any historical version can
// be made current again without rewriting it.
package docdb

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/marbdq/docdb/internal/ledger"
	"github.com/marbdq/docdb/internal/ledger/filelog"
	"github.com/marbdq/docdb/internal/ledger/pebbleledger"
)

type DB struct {
	mu     sync.RWMutex
	led    ledger.Ledger
	cfg    *Config
	log    zerolog.Logger
	closed bool
}

type Closer func() error

func NullCloser() error { return nil }

// Open creates or loads a store at path with the configured backend.
// The returned Closer flushes and releases the backend; it must be called
// exactly once.
func Open(path string, cfgs ...*Config) (*DB, Closer, error) {
	var cfg Config
	if len(cfgs) > 0 && cfgs[0] != nil {
		cfg = *cfgs[0]
	}
	cfg.applyDefaults()

	var (
		led ledger.Ledger
		err error
	)

	switch cfg.Backend {
	case Pebble:
		led, err = pebbleledger.Open(path)
	case FileLog:
		led, err = filelog.Open(path, filelog.Options{
			Strategy:             filelog.Strategy(cfg.PersistenceStrategy),
			AsyncFlushInterval:   cfg.AsyncPersistenceIntervals,
			TruncateFileWhenOpen: cfg.TruncateFileWhenOpen,
			Logger:               *cfg.Logger,
		})
	default:
		err = errors.Errorf("unknown backend %q", cfg.Backend)
	}

	if err != nil {
		return nil, NullCloser, err
	}

	db := &DB{led: led, cfg: &cfg, log: *cfg.Logger}

	return db, db.close, nil
}

func (db *DB) close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrDatabaseAlreadyClosed
	}

	db.closed = true

	return db.led.Close()
}

func (db *DB) guard(ctx context.Context) error {
	if db.closed {
		return ErrDatabaseAlreadyClosed
	}

	return ctx.Err()
}

// Get returns the current version of key. Absence is reported as
// ErrKeyNotFound, checked with errors.Is; it is a result, not a failure.
func (db *DB) Get(ctx context.Context, key string) (*Document, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if err := db.guard(ctx); err != nil {
		return nil, err
	}

	tx, err := db.led.Begin(false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Commit() }()

	return db.getCurrent(tx, key)
}

func (db *DB) getCurrent(tx ledger.Tx, key string) (*Document, error) {
	recs, err := tx.Select(ledger.Current(key))
	if err != nil {
		return nil, err
	}

	rec := db.resolveCurrent(key, recs)
	if rec == nil {
		return nil, errors.Wrapf(ErrKeyNotFound, "%s", key)
	}

	return newDocument(key, rec.Payload), nil
}

// resolveCurrent picks the single current record. More than one means a
// prior concurrency bug; reads prefer the highest id and report it.
func (db *DB) resolveCurrent(key string, recs []ledger.Record) *ledger.Record {
	if len(recs) == 0 {
		return nil
	}

	if len(recs) > 1 {
		db.log.Warn().
			Str("key", key).
			Int("count", len(recs)).
			Msg("more than one current record found, preferring highest id")
	}

	return &recs[len(recs)-1]
}

// MGet returns the current versions of the given keys in input order.
// Absent keys are omitted, never null-padded.
func (db *DB) MGet(ctx context.Context, keys ...string) ([]*Document, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if err := db.guard(ctx); err != nil {
		return nil, err
	}

	tx, err := db.led.Begin(false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Commit() }()

	result := make([]*Document, 0, len(keys))
	for _, key := range keys {
		doc, err := db.getCurrent(tx, key)
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				continue
			}

			return nil, err
		}

		result = append(result, doc)
	}

	return result, nil
}

// Has reports whether key holds a current record.
func (db *DB) Has(ctx context.Context, key string) bool {
	_, err := db.Get(ctx, key)
	return err == nil
}

// Set appends doc as the new current version of key. Demoting the old
// current record and appending the new one are one ledger transaction;
// a failure rolls both back.
func (db *DB) Set(ctx context.Context, key string, doc interface{}) error {
	if key == "" {
		return ErrEmptyKey
	}

	payload, err := serializeDocument(doc)
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.guard(ctx); err != nil {
		return err
	}

	tx, err := db.led.Begin(true)
	if err != nil {
		return err
	}

	if err := demoteAndAppend(tx, key, payload); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrap(err, rbErr.Error())
		}

		return errors.Wrap(err, "db write failed. rolled back")
	}

	return tx.Commit()
}

func demoteAndAppend(tx ledger.Tx, key string, payload []byte) error {
	if err := tx.UpdateFlag(ledger.Current(key), false); err != nil {
		return err
	}

	if _, err := tx.Append(key, payload, true); err != nil {
		return err
	}

	return nil
}

// MSet applies Set for every pair in order. The ledger is committed every
// BatchCommitSize entries plus once at the end; a failed entry aborts the
// open batch uncommitted, so no key is ever left with two current records.
func (db *DB) MSet(ctx context.Context, pairs []Pair) error {
	payloads := make([][]byte, len(pairs))
	for i, pair := range pairs {
		if pair.Key == "" {
			return ErrEmptyKey
		}

		payload, err := serializeDocument(pair.Doc)
		if err != nil {
			return errors.Wrapf(err, "pair #%d (%s)", i, pair.Key)
		}

		payloads[i] = payload
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.guard(ctx); err != nil {
		return err
	}

	tx, err := db.led.Begin(true)
	if err != nil {
		return err
	}

	counter := 0
	for i, pair := range pairs {
		if err := demoteAndAppend(tx, pair.Key, payloads[i]); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return errors.Wrap(err, rbErr.Error())
			}

			return errors.Wrapf(err, "batch write failed at pair #%d (%s). batch rolled back", i, pair.Key)
		}

		counter++
		if counter >= db.cfg.BatchCommitSize {
			if err := tx.Commit(); err != nil {
				return err
			}

			tx, err = db.led.Begin(true)
			if err != nil {
				return err
			}

			counter = 0
		}
	}

	return tx.Commit()
}

// Versions returns every record ever written under key, ordered by id
// ascending, each tagged with whether it is the live version. Unknown
// keys yield an empty history.
func (db *DB) Versions(ctx context.Context, key string) ([]Version, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if err := db.guard(ctx); err != nil {
		return nil, err
	}

	tx, err := db.led.Begin(false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Commit() }()

	recs, err := tx.Select(ledger.Filter{Key: key})
	if err != nil {
		return nil, err
	}

	versions := make([]Version, len(recs))
	for i, rec := range recs {
		versions[i] = Version{
			ID:      rec.ID,
			Doc:     newDocument(key, rec.Payload),
			Current: rec.Current,
		}
	}

	return versions, nil
}

// Revert makes the historical record id current again. It reassigns
// currency to an existing record, never appends, so the resulting state
// stays visible in Versions. ErrVersionNotFound when id is not part of
// key's history.
func (db *DB) Revert(ctx context.Context, key string, id uint64) error {
	if key == "" {
		return ErrEmptyKey
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.guard(ctx); err != nil {
		return err
	}

	tx, err := db.led.Begin(true)
	if err != nil {
		return err
	}

	if err := db.revertInTx(tx, key, id); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrap(err, rbErr.Error())
		}

		return err
	}

	return tx.Commit()
}

func (db *DB) revertInTx(tx ledger.Tx, key string, id uint64) error {
	recs, err := tx.Select(ledger.ByID(key, id))
	if err != nil {
		return err
	}

	if len(recs) == 0 {
		return errors.Wrapf(ErrVersionNotFound, "version %d of key %s", id, key)
	}

	if recs[0].Current {
		return nil
	}

	if err := tx.UpdateFlag(ledger.Current(key), false); err != nil {
		return err
	}

	return tx.UpdateFlag(ledger.ByID(key, id), true)
}

// Keys returns all distinct keys holding a current record, sorted for a
// stable order at call time.
func (db *DB) Keys(ctx context.Context) ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if err := db.guard(ctx); err != nil {
		return nil, err
	}

	tx, err := db.led.Begin(false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Commit() }()

	recs, err := tx.Select(ledger.Current(""))
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		if _, ok := seen[rec.Key]; ok {
			db.log.Warn().Str("key", rec.Key).Msg("more than one current record found")
			continue
		}

		seen[rec.Key] = struct{}{}
		keys = append(keys, rec.Key)
	}

	sort.Strings(keys)

	return keys, nil
}

// Info reports the live key count and the backend size metric.
func (db *DB) Info(ctx context.Context) (Info, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if err := db.guard(ctx); err != nil {
		return Info{}, err
	}

	tx, err := db.led.Begin(false)
	if err != nil {
		return Info{}, err
	}
	defer func() { _ = tx.Commit() }()

	count, err := tx.Count(ledger.Current(""))
	if err != nil {
		return Info{}, err
	}

	size, err := db.led.SizeMetric()
	if err != nil {
		return Info{}, err
	}

	return Info{Keys: count, DiskSize: size}, nil
}

// Count returns the number of live keys, 0 on a closed or failing store.
func (db *DB) Count() int {
	info, err := db.Info(context.Background())
	if err != nil {
		return 0
	}

	return info.Keys
}

// Compact permanently deletes every non-current record, scoped to the
// given keys or store-wide when none are given. Current records are never
// touched. Irreversible: a compacted version id can no longer be
// reverted to.
func (db *DB) Compact(ctx context.Context, keys ...string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.guard(ctx); err != nil {
		return err
	}

	tx, err := db.led.Begin(true)
	if err != nil {
		return err
	}

	filters := []ledger.Filter{ledger.Superseded("")}
	if len(keys) > 0 {
		filters = filters[:0]
		for _, key := range keys {
			filters = append(filters, ledger.Superseded(key))
		}
	}

	for _, f := range filters {
		if err := tx.Delete(f); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return errors.Wrap(err, rbErr.Error())
			}

			return errors.Wrap(err, "compaction failed. rolled back")
		}
	}

	return tx.Commit()
}

// FlushAll destroys every record for every key and reinitializes the
// store to its first-creation state.
func (db *DB) FlushAll(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.guard(ctx); err != nil {
		return err
	}

	tx, err := db.led.Begin(true)
	if err != nil {
		return err
	}

	if err := tx.DropAll(); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrap(err, rbErr.Error())
		}

		return errors.Wrap(err, "flush failed. rolled back")
	}

	return tx.Commit()
}

// Delete soft-deletes key: the current record is demoted without
// appending anything, so the key leaves the key space while its history
// stays reachable through Versions and restorable through Revert.
func (db *DB) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.guard(ctx); err != nil {
		return err
	}

	tx, err := db.led.Begin(true)
	if err != nil {
		return err
	}

	if err := tx.UpdateFlag(ledger.Current(key), false); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrap(err, rbErr.Error())
		}

		return errors.Wrap(err, "delete failed. rolled back")
	}

	return tx.Commit()
}

// Package filelog implements the ledger over an in-memory record index
// backed by an optional append-only command file. Opening with the
// InMemory path keeps everything in memory and reports no size metric.
package filelog

import (
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tidwall/btree"

	"github.com/marbdq/docdb/internal/ledger"
)

const InMemory = ":memory:"

type Strategy string

const (
	Sync  Strategy = "sync"
	Async Strategy = "async"
)

var ErrLedgerClosed = errors.New("ledger already closed")
var ErrTxDone = errors.New("transaction already committed or rolled back")
var ErrTxReadOnly = errors.New("transaction is read only")

const castPanic = "how could an index item not be of type *record"

type record struct {
	id      uint64
	key     string
	payload []byte
	current bool
}

func byKeyAndID(a, b interface{}) bool {
	ra, ok1 := a.(*record)
	rb, ok2 := b.(*record)
	if !ok1 || !ok2 {
		panic(castPanic)
	}

	if ra.key != rb.key {
		return ra.key < rb.key
	}

	return ra.id < rb.id
}

// Options control durability of the command file. The zero value means
// synchronous persistence.
type Options struct {
	Strategy             Strategy
	AsyncFlushInterval   time.Duration
	TruncateFileWhenOpen bool
	Logger               zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.Strategy == "" {
		o.Strategy = Sync
	}

	if o.Strategy == Async && o.AsyncFlushInterval == 0 {
		o.AsyncFlushInterval = 1 * time.Second
	}
}

// Ledger keeps the authoritative record state in a btree ordered by key
// then id, plus a current-pointer map used to enumerate the key space.
// Record flags are the source of truth; the map is only an index.
type Ledger struct {
	mu     sync.RWMutex
	recs   *btree.BTree
	cur    map[string]uint64
	nextID uint64
	p      *persistence
	opts   Options
	stopCh chan struct{}
	log    zerolog.Logger
	closed bool
}

// Open loads the command file at path, replaying it into memory, and
// truncates a torn tail left by a crash mid-append. The InMemory path
// skips persistence entirely.
func Open(path string, opts Options) (*Ledger, error) {
	opts.applyDefaults()

	l := &Ledger{
		recs:   btree.NewNonConcurrent(byKeyAndID),
		cur:    make(map[string]uint64),
		nextID: 1,
		opts:   opts,
		stopCh: make(chan struct{}, 1),
		log:    opts.Logger,
	}

	if path != InMemory {
		p, err := newPersistence(path, opts.Strategy, opts.TruncateFileWhenOpen)
		if err != nil {
			return nil, err
		}
		l.p = p

		if err := p.load(func(cmd deserializable) error {
			return cmd.deserialize(l)
		}); err != nil {
			_ = p.close()
			return nil, err
		}

		if opts.Strategy == Async {
			go l.asyncFlush(opts.AsyncFlushInterval)
		}
	}

	return l, nil
}

func (l *Ledger) asyncFlush(d time.Duration) {
	t := time.NewTicker(d)

	for {
		select {
		case <-l.stopCh:
			t.Stop()
			return
		case <-t.C:
			l.mu.Lock()
			if l.closed {
				l.mu.Unlock()
				return
			}
			if err := l.p.sync(); err != nil {
				l.log.Error().Err(err).Msg("async flush failed")
			}
			l.mu.Unlock()
		}
	}
}

func (l *Ledger) Begin(writable bool) (ledger.Tx, error) {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()

	if closed {
		return nil, ErrLedgerClosed
	}

	return &Tx{l: l, writable: writable}, nil
}

func (l *Ledger) SizeMetric() (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return 0, ErrLedgerClosed
	}

	if l.p == nil {
		return -1, nil
	}

	return l.p.sizeBytes()
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLedgerClosed
	}

	close(l.stopCh)
	l.closed = true
	l.recs = nil
	l.cur = nil

	if l.p != nil {
		return l.p.close()
	}

	return nil
}

// replay state transitions, shared by the parser callbacks and Tx writes

func (l *Ledger) applyAppend(id uint64, key string, payload []byte, current bool) {
	rec := &record{id: id, key: key, payload: payload, current: current}
	l.recs.Set(rec)

	if current {
		l.cur[key] = id
	}

	if id >= l.nextID {
		l.nextID = id + 1
	}
}

func (l *Ledger) applyFlag(key string, id uint64, current bool) error {
	found := l.recs.Get(&record{key: key, id: id})
	if found == nil {
		return errors.Wrapf(ErrCommandInvalid, "no record %d under key %q to flag", id, key)
	}

	rec, ok := found.(*record)
	if !ok {
		panic(castPanic)
	}

	rec.current = current
	if current {
		l.cur[key] = id
	} else if l.cur[key] == id {
		delete(l.cur, key)
	}

	return nil
}

// ascendKey visits every record of key in id order.
func (l *Ledger) ascendKey(key string, it func(rec *record) bool) {
	l.recs.Ascend(&record{key: key, id: 0}, func(i interface{}) bool {
		rec, ok := i.(*record)
		if !ok {
			panic(castPanic)
		}

		if rec.key != key {
			return false
		}

		return it(rec)
	})
}

func (l *Ledger) collect(f ledger.Filter) []*record {
	var result []*record

	it := func(i interface{}) bool {
		rec, ok := i.(*record)
		if !ok {
			panic(castPanic)
		}

		if f.Match(&ledger.Record{ID: rec.id, Key: rec.key, Payload: rec.payload, Current: rec.current}) {
			result = append(result, rec)
		}

		return true
	}

	if f.Key != "" {
		l.ascendKey(f.Key, func(rec *record) bool {
			return it(rec)
		})
	} else {
		l.recs.Ascend(nil, it)
	}

	return result
}

// rewriteUnderLock serializes the surviving records to a temp file and
// swaps it over the command file. Used after deletions so that reclaimed
// records actually free disk space.
func (l *Ledger) rewriteUnderLock() error {
	rs := &respSerializer{}

	var serr error
	l.recs.Ascend(nil, func(i interface{}) bool {
		rec, ok := i.(*record)
		if !ok {
			panic(castPanic)
		}

		cmd := &appendCmd{id: rec.id, key: rec.key, payload: rec.payload, current: rec.current}
		if err := cmd.serialize(rs); err != nil {
			serr = err
			return false
		}

		return true
	})

	if serr != nil {
		return serr
	}

	return l.p.writeAndSwap(rs)
}

// Tx applies mutations to the in-memory state immediately and keeps an
// undo log; Commit persists the pending command stream, Rollback replays
// the undo log. A failed Commit also rolls the memory state back, so the
// ledger never exposes a half-applied transition.
type Tx struct {
	l        *Ledger
	writable bool
	undo     []func()
	cmds     []serializable
	rewrite  bool
	done     bool
}

func (tx *Tx) guardWrite() error {
	if tx.done {
		return ErrTxDone
	}

	if !tx.writable {
		return ErrTxReadOnly
	}

	if tx.l.closed {
		return ErrLedgerClosed
	}

	return nil
}

func (tx *Tx) Append(key string, payload []byte, current bool) (uint64, error) {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()

	if err := tx.guardWrite(); err != nil {
		return 0, err
	}

	l := tx.l
	id := l.nextID
	prevNext := l.nextID
	prevCur, hadCur := l.cur[key]

	cp := make([]byte, len(payload))
	copy(cp, payload)
	l.applyAppend(id, key, cp, current)

	tx.undo = append(tx.undo, func() {
		l.recs.Delete(&record{key: key, id: id})
		if hadCur {
			l.cur[key] = prevCur
		} else {
			delete(l.cur, key)
		}
		l.nextID = prevNext
	})

	tx.cmds = append(tx.cmds, &appendCmd{id: id, key: key, payload: cp, current: current})

	return id, nil
}

func (tx *Tx) UpdateFlag(f ledger.Filter, current bool) error {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()

	if err := tx.guardWrite(); err != nil {
		return err
	}

	l := tx.l
	for _, rec := range l.collect(f) {
		if rec.current == current {
			continue
		}

		rec := rec
		prev := rec.current
		prevCur, hadCur := l.cur[rec.key]

		if err := l.applyFlag(rec.key, rec.id, current); err != nil {
			return err
		}

		tx.undo = append(tx.undo, func() {
			rec.current = prev
			if hadCur {
				l.cur[rec.key] = prevCur
			} else {
				delete(l.cur, rec.key)
			}
		})

		tx.cmds = append(tx.cmds, &flagCmd{key: rec.key, id: rec.id, current: current})
	}

	return nil
}

func (tx *Tx) Select(f ledger.Filter) ([]ledger.Record, error) {
	tx.l.mu.RLock()
	defer tx.l.mu.RUnlock()

	if tx.done {
		return nil, ErrTxDone
	}

	if tx.l.closed {
		return nil, ErrLedgerClosed
	}

	var result []ledger.Record
	for _, rec := range tx.l.collect(f) {
		out := ledger.Record{ID: rec.id, Key: rec.key, Current: rec.current}
		if err := copier.Copy(&out.Payload, &rec.payload); err != nil {
			return nil, errors.Wrap(err, "could not copy record payload")
		}

		result = append(result, out)
	}

	return result, nil
}

func (tx *Tx) Delete(f ledger.Filter) error {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()

	if err := tx.guardWrite(); err != nil {
		return err
	}

	l := tx.l
	for _, rec := range l.collect(f) {
		rec := rec
		l.recs.Delete(&record{key: rec.key, id: rec.id})
		if l.cur[rec.key] == rec.id {
			delete(l.cur, rec.key)
		}

		tx.undo = append(tx.undo, func() {
			l.recs.Set(rec)
			if rec.current {
				l.cur[rec.key] = rec.id
			}
		})
	}

	tx.rewrite = true

	return nil
}

func (tx *Tx) Count(f ledger.Filter) (int, error) {
	tx.l.mu.RLock()
	defer tx.l.mu.RUnlock()

	if tx.done {
		return 0, ErrTxDone
	}

	if tx.l.closed {
		return 0, ErrLedgerClosed
	}

	if f.Key == "" && f.ID == nil && f.Current != nil && *f.Current {
		return len(tx.l.cur), nil
	}

	return len(tx.l.collect(f)), nil
}

func (tx *Tx) DropAll() error {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()

	if err := tx.guardWrite(); err != nil {
		return err
	}

	l := tx.l
	prevRecs := l.recs
	prevCur := l.cur
	prevNext := l.nextID

	l.recs = btree.NewNonConcurrent(byKeyAndID)
	l.cur = make(map[string]uint64)
	l.nextID = 1

	tx.undo = append(tx.undo, func() {
		l.recs = prevRecs
		l.cur = prevCur
		l.nextID = prevNext
	})

	tx.rewrite = true

	return nil
}

func (tx *Tx) Commit() error {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}

	if tx.l.p != nil && tx.writable {
		var err error
		if tx.rewrite {
			err = tx.l.rewriteUnderLock()
		} else if len(tx.cmds) > 0 {
			err = tx.l.p.save(tx.cmds)
		}

		if err != nil {
			tx.rollbackUnderLock()
			return errors.Wrap(err, "ledger commit failed. rolled back")
		}
	}

	tx.undo = nil
	tx.cmds = nil
	tx.done = true

	return nil
}

func (tx *Tx) Rollback() error {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}

	tx.rollbackUnderLock()

	return nil
}

func (tx *Tx) rollbackUnderLock() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}

	tx.undo = nil
	tx.cmds = nil
	tx.done = true
}

// Package pebbleledger implements the ledger over cockroachdb/pebble.
//
// Keyspace layout: record payloads live under "r" + len(key) + key + id,
// the current pointer of a key under "c" + len(key) + key, and the last
// assigned id under "m/seq". The current flag is derived from the pointer,
// so a two-current state is unrepresentable on disk; demote and append
// ride in one indexed batch committed with pebble.Sync, which is what
// makes a set transition all-or-nothing across crashes.
package pebbleledger

import (
	"encoding/binary"
	"io"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/marbdq/docdb/internal/ledger"
)

var ErrLedgerClosed = errors.New("ledger already closed")
var ErrTxDone = errors.New("transaction already committed or rolled back")
var ErrTxReadOnly = errors.New("transaction is read only")
var ErrStorageFailed = errors.New("storage error")

var seqKey = []byte("m/seq")

type Ledger struct {
	mu     sync.Mutex
	db     *pebble.DB
	nextID uint64
	closed bool
}

func Open(path string) (*Ledger, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 * 1024 * 1024),
		MemTableSize: 16 * 1024 * 1024,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(ErrStorageFailed, "could not open pebble at %s: %s", path, err.Error())
	}

	l := &Ledger{db: db, nextID: 1}

	v, closer, err := db.Get(seqKey)
	if err == nil {
		l.nextID = binary.BigEndian.Uint64(v) + 1
		_ = closer.Close()
	} else if err != pebble.ErrNotFound {
		_ = db.Close()
		return nil, errors.Wrapf(ErrStorageFailed, "could not read sequence: %s", err.Error())
	}

	return l, nil
}

func (l *Ledger) Begin(writable bool) (ledger.Tx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLedgerClosed
	}

	tx := &Tx{l: l, writable: writable, startID: l.nextID}
	if writable {
		tx.b = l.db.NewIndexedBatch()
	}

	return tx, nil
}

func (l *Ledger) SizeMetric() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLedgerClosed
	}

	return int64(l.db.Metrics().DiskSpaceUsage()), nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLedgerClosed
	}

	l.closed = true

	return l.db.Close()
}

// key encoding

func recKey(key string, id uint64) []byte {
	k := recPrefix(key)
	return binary.BigEndian.AppendUint64(k, id)
}

func recPrefix(key string) []byte {
	k := make([]byte, 0, 5+len(key)+8)
	k = append(k, 'r')
	k = binary.BigEndian.AppendUint32(k, uint32(len(key)))
	return append(k, key...)
}

func recPrefixEnd(key string) []byte {
	k := recPrefix(key)
	for i := 0; i < 9; i++ {
		k = append(k, 0xff)
	}
	return k
}

func curKey(key string) []byte {
	k := make([]byte, 0, 5+len(key))
	k = append(k, 'c')
	k = binary.BigEndian.AppendUint32(k, uint32(len(key)))
	return append(k, key...)
}

// decodeRecKey splits a record key back into document key and id.
func decodeRecKey(k []byte) (string, uint64) {
	klen := binary.BigEndian.Uint32(k[1:5])
	key := string(k[5 : 5+klen])
	id := binary.BigEndian.Uint64(k[5+klen:])
	return key, id
}

func decodeCurKey(k []byte) string {
	klen := binary.BigEndian.Uint32(k[1:5])
	return string(k[5 : 5+klen])
}

func sortByID(recs []ledger.Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}

type Tx struct {
	l        *Ledger
	b        *pebble.Batch
	writable bool
	startID  uint64
	done     bool
}

// reader abstracts db vs indexed batch for reads inside a transaction.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func (tx *Tx) reader() reader {
	if tx.b != nil {
		return tx.b
	}

	return tx.l.db
}

func (tx *Tx) guardWrite() error {
	if tx.done {
		return ErrTxDone
	}

	if !tx.writable {
		return ErrTxReadOnly
	}

	return nil
}

func (tx *Tx) Append(key string, payload []byte, current bool) (uint64, error) {
	if err := tx.guardWrite(); err != nil {
		return 0, err
	}

	tx.l.mu.Lock()
	id := tx.l.nextID
	tx.l.nextID++
	tx.l.mu.Unlock()

	if err := tx.b.Set(recKey(key, id), payload, nil); err != nil {
		return 0, errors.Wrapf(ErrStorageFailed, "could not append record: %s", err.Error())
	}

	if current {
		if err := tx.b.Set(curKey(key), binary.BigEndian.AppendUint64(nil, id), nil); err != nil {
			return 0, errors.Wrapf(ErrStorageFailed, "could not point current at %d: %s", id, err.Error())
		}
	}

	if err := tx.b.Set(seqKey, binary.BigEndian.AppendUint64(nil, id), nil); err != nil {
		return 0, errors.Wrapf(ErrStorageFailed, "could not persist sequence: %s", err.Error())
	}

	return id, nil
}

// currentID reads the current pointer of key; ok is false when the key
// has no current record.
func (tx *Tx) currentID(key string) (uint64, bool, error) {
	v, closer, err := tx.reader().Get(curKey(key))
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(ErrStorageFailed, "could not read current pointer of %q: %s", key, err.Error())
	}

	id := binary.BigEndian.Uint64(v)
	_ = closer.Close()

	return id, true, nil
}

func (tx *Tx) UpdateFlag(f ledger.Filter, current bool) error {
	if err := tx.guardWrite(); err != nil {
		return err
	}

	recs, err := tx.Select(f)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		if rec.Current == current {
			continue
		}

		if current {
			if err := tx.b.Set(curKey(rec.Key), binary.BigEndian.AppendUint64(nil, rec.ID), nil); err != nil {
				return errors.Wrapf(ErrStorageFailed, "could not promote record %d: %s", rec.ID, err.Error())
			}
		} else {
			if err := tx.b.Delete(curKey(rec.Key), nil); err != nil {
				return errors.Wrapf(ErrStorageFailed, "could not demote record %d: %s", rec.ID, err.Error())
			}
		}
	}

	return nil
}

func (tx *Tx) Select(f ledger.Filter) ([]ledger.Record, error) {
	if tx.done {
		return nil, ErrTxDone
	}

	if f.Key != "" {
		return tx.selectKey(f)
	}

	return tx.selectAll(f)
}

func (tx *Tx) selectKey(f ledger.Filter) ([]ledger.Record, error) {
	curID, hasCur, err := tx.currentID(f.Key)
	if err != nil {
		return nil, err
	}

	// current-only lookup resolves through the pointer, no scan
	if f.Current != nil && *f.Current && f.ID == nil {
		if !hasCur {
			return nil, nil
		}

		rec, err := tx.getRecord(f.Key, curID, true)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, errors.Wrapf(ErrStorageFailed, "current pointer of %q names missing record %d", f.Key, curID)
		}

		return []ledger.Record{*rec}, nil
	}

	if f.ID != nil {
		rec, err := tx.getRecord(f.Key, *f.ID, hasCur && curID == *f.ID)
		if err != nil || rec == nil {
			return nil, err
		}
		if f.Current != nil && rec.Current != *f.Current {
			return nil, nil
		}

		return []ledger.Record{*rec}, nil
	}

	iter, err := tx.reader().NewIter(&pebble.IterOptions{
		LowerBound: recPrefix(f.Key),
		UpperBound: recPrefixEnd(f.Key),
	})
	if err != nil {
		return nil, errors.Wrapf(ErrStorageFailed, "could not iterate key %q: %s", f.Key, err.Error())
	}
	defer iter.Close()

	var result []ledger.Record
	for iter.First(); iter.Valid(); iter.Next() {
		_, id := decodeRecKey(iter.Key())
		rec := ledger.Record{
			ID:      id,
			Key:     f.Key,
			Payload: append([]byte(nil), iter.Value()...),
			Current: hasCur && id == curID,
		}

		if f.Match(&rec) {
			result = append(result, rec)
		}
	}

	return result, iter.Error()
}

func (tx *Tx) selectAll(f ledger.Filter) ([]ledger.Record, error) {
	// all-current scans ride the pointer space directly
	if f.Current != nil && *f.Current && f.ID == nil {
		iter, err := tx.reader().NewIter(&pebble.IterOptions{
			LowerBound: []byte{'c'},
			UpperBound: []byte{'d'},
		})
		if err != nil {
			return nil, errors.Wrapf(ErrStorageFailed, "could not iterate current pointers: %s", err.Error())
		}
		defer iter.Close()

		var result []ledger.Record
		for iter.First(); iter.Valid(); iter.Next() {
			key := decodeCurKey(iter.Key())
			id := binary.BigEndian.Uint64(iter.Value())

			rec, err := tx.getRecord(key, id, true)
			if err != nil {
				return nil, err
			}
			if rec == nil {
				return nil, errors.Wrapf(ErrStorageFailed, "current pointer of %q names missing record %d", key, id)
			}

			result = append(result, *rec)
		}

		if err := iter.Error(); err != nil {
			return nil, err
		}

		sortByID(result)

		return result, nil
	}

	iter, err := tx.reader().NewIter(&pebble.IterOptions{
		LowerBound: []byte{'r'},
		UpperBound: []byte{'s'},
	})
	if err != nil {
		return nil, errors.Wrapf(ErrStorageFailed, "could not iterate records: %s", err.Error())
	}
	defer iter.Close()

	curs := make(map[string]uint64)

	var result []ledger.Record
	for iter.First(); iter.Valid(); iter.Next() {
		key, id := decodeRecKey(iter.Key())

		curID, ok := curs[key]
		if !ok {
			var hasCur bool
			curID, hasCur, err = tx.currentID(key)
			if err != nil {
				return nil, err
			}
			if !hasCur {
				curID = 0
			}
			curs[key] = curID
		}

		rec := ledger.Record{
			ID:      id,
			Key:     key,
			Payload: append([]byte(nil), iter.Value()...),
			Current: curID == id,
		}

		if f.Match(&rec) {
			result = append(result, rec)
		}
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	sortByID(result)

	return result, nil
}

func (tx *Tx) getRecord(key string, id uint64, current bool) (*ledger.Record, error) {
	v, closer, err := tx.reader().Get(recKey(key, id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(ErrStorageFailed, "could not read record %d of %q: %s", id, key, err.Error())
	}

	payload := append([]byte(nil), v...)
	_ = closer.Close()

	return &ledger.Record{ID: id, Key: key, Payload: payload, Current: current}, nil
}

func (tx *Tx) Delete(f ledger.Filter) error {
	if err := tx.guardWrite(); err != nil {
		return err
	}

	recs, err := tx.Select(f)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		if err := tx.b.Delete(recKey(rec.Key, rec.ID), nil); err != nil {
			return errors.Wrapf(ErrStorageFailed, "could not delete record %d of %q: %s", rec.ID, rec.Key, err.Error())
		}

		if rec.Current {
			if err := tx.b.Delete(curKey(rec.Key), nil); err != nil {
				return errors.Wrapf(ErrStorageFailed, "could not drop current pointer of %q: %s", rec.Key, err.Error())
			}
		}
	}

	return nil
}

func (tx *Tx) Count(f ledger.Filter) (int, error) {
	recs, err := tx.Select(f)
	if err != nil {
		return 0, err
	}

	return len(recs), nil
}

func (tx *Tx) DropAll() error {
	if err := tx.guardWrite(); err != nil {
		return err
	}

	if err := tx.b.DeleteRange([]byte{'c'}, []byte{'d'}, nil); err != nil {
		return errors.Wrapf(ErrStorageFailed, "could not drop current pointers: %s", err.Error())
	}

	if err := tx.b.DeleteRange([]byte{'r'}, []byte{'s'}, nil); err != nil {
		return errors.Wrapf(ErrStorageFailed, "could not drop records: %s", err.Error())
	}

	if err := tx.b.Delete(seqKey, nil); err != nil {
		return errors.Wrapf(ErrStorageFailed, "could not reset sequence: %s", err.Error())
	}

	tx.l.mu.Lock()
	tx.l.nextID = 1
	tx.l.mu.Unlock()

	return nil
}

func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}

	tx.done = true

	if tx.b == nil {
		return nil
	}

	if err := tx.b.Commit(pebble.Sync); err != nil {
		tx.l.mu.Lock()
		tx.l.nextID = tx.startID
		tx.l.mu.Unlock()

		_ = tx.b.Close()
		return errors.Wrapf(ErrStorageFailed, "batch commit failed: %s", err.Error())
	}

	return tx.b.Close()
}

func (tx *Tx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}

	tx.done = true

	if tx.b == nil {
		return nil
	}

	tx.l.mu.Lock()
	tx.l.nextID = tx.startID
	tx.l.mu.Unlock()

	return tx.b.Close()
}

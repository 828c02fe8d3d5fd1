// Package ledger defines the durable record store the document store is
// built on: an ordered append log with point lookups by key and a
// current-version flag per record. Backends implement these interfaces;
// selection happens at store construction.
package ledger

// Record is one stored version of a document. ID is assigned by the ledger
// on append and is monotone per store; Payload is immutable once written,
// only Current ever changes afterwards.
type Record struct {
	ID      uint64
	Key     string
	Payload []byte
	Current bool
}

// Filter selects records by key, id and/or current flag. The zero value
// matches every record.
type Filter struct {
	Key     string
	ID      *uint64
	Current *bool
}

// Match reports whether rec satisfies the filter.
func (f Filter) Match(rec *Record) bool {
	if f.Key != "" && rec.Key != f.Key {
		return false
	}

	if f.ID != nil && rec.ID != *f.ID {
		return false
	}

	if f.Current != nil && rec.Current != *f.Current {
		return false
	}

	return true
}

// Current returns a filter for the current record of key, or for all
// current records when key is empty.
func Current(key string) Filter {
	cur := true
	return Filter{Key: key, Current: &cur}
}

// Superseded returns a filter for the non-current records of key, or for
// all non-current records when key is empty.
func Superseded(key string) Filter {
	cur := false
	return Filter{Key: key, Current: &cur}
}

// ByID returns a filter for a single record in a key's history.
func ByID(key string, id uint64) Filter {
	return Filter{Key: key, ID: &id}
}

// Tx is a single atomic unit of ledger work. Writes become durable on
// Commit; Rollback discards them. A failed Commit leaves the ledger as if
// the transaction never ran.
type Tx interface {
	// Append adds a new record and returns its id.
	Append(key string, payload []byte, current bool) (uint64, error)

	// UpdateFlag sets the current flag on every record matching f.
	UpdateFlag(f Filter, current bool) error

	// Select returns matching records ordered by id ascending within
	// each key; cross-key order is backend defined.
	Select(f Filter) ([]Record, error)

	// Delete removes matching records permanently.
	Delete(f Filter) error

	// Count reports the number of matching records.
	Count(f Filter) (int, error)

	// DropAll removes every record and resets the id sequence.
	DropAll() error

	Commit() error
	Rollback() error
}

// Ledger is a durable ordered record store. Implementations serialize
// writable transactions internally; the store additionally serializes
// writers at its own level.
type Ledger interface {
	Begin(writable bool) (Tx, error)

	// SizeMetric reports backend storage size in bytes, or -1 when the
	// backend has no meaningful size (purely in-memory).
	SizeMetric() (int64, error)

	Close() error
}

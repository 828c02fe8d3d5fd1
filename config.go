package docdb

import (
	"time"

	"github.com/rs/zerolog"
)

type Backend string

const (
	// FileLog keeps records in memory behind an append-only command
	// file; the InMemory path skips the file entirely.
	FileLog Backend = "filelog"

	// Pebble stores records in a cockroachdb/pebble keyspace.
	Pebble Backend = "pebble"
)

type PersistenceStrategy string

const (
	Sync  PersistenceStrategy = "sync"
	Async PersistenceStrategy = "async"
)

// InMemory as a path makes the FileLog backend purely in-memory.
const InMemory = ":memory:"

const defaultBatchCommitSize = 1000

var defaultPersistenceIntervals = 1 * time.Second

// Config is applied once, at Open. There is no process-wide default path
// or ambient connection state; everything a store needs arrives here.
type Config struct {
	Backend                   Backend
	PersistenceStrategy       PersistenceStrategy
	AsyncPersistenceIntervals time.Duration
	TruncateFileWhenOpen      bool

	// BatchCommitSize bounds how many MSet entries ride in one ledger
	// commit. Defaults to 1000.
	BatchCommitSize int

	// Logger receives invariant violation warnings and async flush
	// failures. Defaults to a no-op logger.
	Logger *zerolog.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.Backend == "" {
		cfg.Backend = FileLog
	}

	if cfg.PersistenceStrategy == "" {
		cfg.PersistenceStrategy = Sync
	} else if cfg.PersistenceStrategy == Async && cfg.AsyncPersistenceIntervals == 0 {
		cfg.AsyncPersistenceIntervals = defaultPersistenceIntervals
	}

	if cfg.BatchCommitSize <= 0 {
		cfg.BatchCommitSize = defaultBatchCommitSize
	}

	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
}

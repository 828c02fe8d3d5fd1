package docdb_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/marbdq/docdb"
)

var testBackends = []docdb.Backend{docdb.FileLog, docdb.Pebble}

func openTestDB(t *testing.T, backend docdb.Backend, cfgs ...*docdb.Config) (*docdb.DB, docdb.Closer) {
	t.Helper()

	var cfg *docdb.Config
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	} else {
		cfg = &docdb.Config{}
	}
	cfg.Backend = backend

	path := filepath.Join(t.TempDir(), "db0.db")
	if backend == docdb.Pebble {
		path = t.TempDir()
	}

	db, closer, err := docdb.Open(path, cfg)
	if err != nil {
		t.Fatal(err)
	}

	return db, closer
}

func mustClose(t *testing.T, closer docdb.Closer) {
	t.Helper()

	if err := closer(); err != nil {
		t.Errorf("ERROR: %v", err)
	}
}

func seedSomeProducts(t *testing.T, db *docdb.DB) {
	t.Helper()

	ctx := context.Background()

	if err := db.Set(ctx, "product:2", docdb.M{
		"100": "foobar2",
		"baz": 2,
		"foo": "bar",
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.Set(ctx, "product:88", docdb.M{
		"100": "foobar-88",
		"baz": 88,
		"foo": "bar/88",
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.Set(ctx, "product:10", docdb.M{
		"baz12": 123.879,
		"foo":   "bar5674",
	}); err != nil {
		t.Fatal(err)
	}
}

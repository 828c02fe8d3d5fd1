package docdb_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marbdq/docdb"
)

func TestDB_SetAndGet(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(string(backend), func(t *testing.T) {
			db, closer := openTestDB(t, backend)
			defer mustClose(t, closer)

			ctx := context.Background()

			require.NoError(t, db.Set(ctx, "text", "testing"))
			require.NoError(t, db.Set(ctx, "number", 1))
			require.NoError(t, db.Set(ctx, "document", docdb.M{"key": "value"}))

			text, err := db.Get(ctx, "text")
			require.NoError(t, err)
			assert.Equal(t, `"testing"`, text.RawString())
			assert.Equal(t, "text", text.Key())

			var s string
			require.NoError(t, text.Unmarshal(&s))
			assert.Equal(t, "testing", s)

			number, err := db.Get(ctx, "number")
			require.NoError(t, err)

			var n int
			require.NoError(t, number.Unmarshal(&n))
			assert.Equal(t, 1, n)

			doc, err := db.Get(ctx, "document")
			require.NoError(t, err)
			assert.Equal(t, `{"key":"value"}`, doc.RawString())
			assert.Equal(t, "value", doc.StringOrDefault("key", ""))
		})
	}
}

func TestDB_GetMissingKey(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(string(backend), func(t *testing.T) {
			db, closer := openTestDB(t, backend)
			defer mustClose(t, closer)

			ctx := context.Background()

			doc, err := db.Get(ctx, "nope")
			require.Error(t, err)
			assert.Nil(t, doc)
			assert.True(t, errors.Is(err, docdb.ErrKeyNotFound))
			assert.False(t, db.Has(ctx, "nope"))
		})
	}
}

func TestDB_GetIsIdempotent(t *testing.T) {
	db, closer := openTestDB(t, docdb.FileLog)
	defer mustClose(t, closer)

	ctx := context.Background()

	require.NoError(t, db.Set(ctx, "user:1", docdb.M{"name": "alice"}))

	first, err := db.Get(ctx, "user:1")
	require.NoError(t, err)

	second, err := db.Get(ctx, "user:1")
	require.NoError(t, err)

	assert.Equal(t, first.RawString(), second.RawString())
	assert.Equal(t, first.Key(), second.Key())
}

func TestDB_SetSupersedesAndKeepsHistory(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(string(backend), func(t *testing.T) {
			db, closer := openTestDB(t, backend)
			defer mustClose(t, closer)

			ctx := context.Background()

			require.NoError(t, db.Set(ctx, "a", docdb.M{"x": 1}))
			require.NoError(t, db.Set(ctx, "a", docdb.M{"x": 2}))

			doc, err := db.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, `{"x":2}`, doc.RawString())

			versions, err := db.Versions(ctx, "a")
			require.NoError(t, err)
			require.Len(t, versions, 2)

			assert.Equal(t, `{"x":1}`, versions[0].Doc.RawString())
			assert.False(t, versions[0].Current)
			assert.Equal(t, `{"x":2}`, versions[1].Doc.RawString())
			assert.True(t, versions[1].Current)
			assert.Equal(t, versions[0].ID+1, versions[1].ID)
		})
	}
}

func TestDB_EmptyKeyRejected(t *testing.T) {
	db, closer := openTestDB(t, docdb.FileLog)
	defer mustClose(t, closer)

	ctx := context.Background()

	err := db.Set(ctx, "", "anything")
	assert.True(t, errors.Is(err, docdb.ErrEmptyKey))

	err = db.MSet(ctx, []docdb.Pair{{Key: "", Doc: 1}})
	assert.True(t, errors.Is(err, docdb.ErrEmptyKey))
}

func TestDB_UnserializableDocument(t *testing.T) {
	db, closer := openTestDB(t, docdb.FileLog)
	defer mustClose(t, closer)

	ctx := context.Background()

	err := db.Set(ctx, "bad", func() {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, docdb.ErrMarshalFailed))

	// the failed write must not have left a partial record behind
	versions, err := db.Versions(ctx, "bad")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestDB_OperationsAfterClose(t *testing.T) {
	db, closer := openTestDB(t, docdb.FileLog)
	require.NoError(t, closer())

	ctx := context.Background()

	_, err := db.Get(ctx, "any")
	assert.True(t, errors.Is(err, docdb.ErrDatabaseAlreadyClosed))

	err = db.Set(ctx, "any", 1)
	assert.True(t, errors.Is(err, docdb.ErrDatabaseAlreadyClosed))

	assert.True(t, errors.Is(closer(), docdb.ErrDatabaseAlreadyClosed))
}

func TestDB_CanceledContext(t *testing.T) {
	db, closer := openTestDB(t, docdb.FileLog)
	defer mustClose(t, closer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := db.Get(ctx, "any")
	assert.True(t, errors.Is(err, context.Canceled))

	err = db.Set(ctx, "any", 1)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDB_SoftDelete(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(string(backend), func(t *testing.T) {
			db, closer := openTestDB(t, backend)
			defer mustClose(t, closer)

			ctx := context.Background()

			require.NoError(t, db.Set(ctx, "doomed", docdb.M{"v": 1}))
			require.NoError(t, db.Set(ctx, "doomed", docdb.M{"v": 2}))
			require.NoError(t, db.Set(ctx, "stays", docdb.M{"v": 1}))

			require.NoError(t, db.Delete(ctx, "doomed"))

			_, err := db.Get(ctx, "doomed")
			assert.True(t, errors.Is(err, docdb.ErrKeyNotFound))

			keys, err := db.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"stays"}, keys)

			// history survives a soft delete and can be promoted back
			versions, err := db.Versions(ctx, "doomed")
			require.NoError(t, err)
			require.Len(t, versions, 2)
			for _, v := range versions {
				assert.False(t, v.Current)
			}

			require.NoError(t, db.Revert(ctx, "doomed", versions[1].ID))

			doc, err := db.Get(ctx, "doomed")
			require.NoError(t, err)
			assert.Equal(t, `{"v":2}`, doc.RawString())
		})
	}
}

func TestOpen_RejectsUnknownBackend(t *testing.T) {
	_, closer, err := docdb.Open(
		filepath.Join(t.TempDir(), "db0.db"),
		&docdb.Config{Backend: docdb.Backend("frobnicator")},
	)
	require.Error(t, err)
	require.NoError(t, closer())
}

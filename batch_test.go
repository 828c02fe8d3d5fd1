package docdb_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marbdq/docdb"
)

func TestDB_MSet(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(string(backend), func(t *testing.T) {
			db, closer := openTestDB(t, backend)
			defer mustClose(t, closer)

			ctx := context.Background()

			err := db.MSet(ctx, []docdb.Pair{
				{Key: "one", Doc: docdb.M{"key": 1}},
				{Key: "two", Doc: docdb.M{"key": 2}},
				{Key: "three", Doc: docdb.M{"key": 3}},
			})
			require.NoError(t, err)

			keys, err := db.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"one", "three", "two"}, keys)

			two, err := db.Get(ctx, "two")
			require.NoError(t, err)
			assert.Equal(t, 2, two.IntOrDefault("key", 0))
		})
	}
}

func TestDB_MSetSameKeyInOneBatch(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(string(backend), func(t *testing.T) {
			db, closer := openTestDB(t, backend)
			defer mustClose(t, closer)

			ctx := context.Background()

			err := db.MSet(ctx, []docdb.Pair{
				{Key: "k1", Doc: docdb.M{"v": 1}},
				{Key: "k2", Doc: docdb.M{"v": 2}},
				{Key: "k1", Doc: docdb.M{"v": 3}},
			})
			require.NoError(t, err)

			k1, err := db.Get(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, `{"v":3}`, k1.RawString())

			k2, err := db.Get(ctx, "k2")
			require.NoError(t, err)
			assert.Equal(t, `{"v":2}`, k2.RawString())

			// the batch must not drop or reorder same-key updates
			versions, err := db.Versions(ctx, "k1")
			require.NoError(t, err)
			require.Len(t, versions, 2)
			assert.Equal(t, `{"v":1}`, versions[0].Doc.RawString())
			assert.False(t, versions[0].Current)
			assert.Equal(t, `{"v":3}`, versions[1].Doc.RawString())
			assert.True(t, versions[1].Current)
		})
	}
}

func TestDB_MSetSpansCommitBatches(t *testing.T) {
	db, closer := openTestDB(t, docdb.FileLog, &docdb.Config{BatchCommitSize: 3})
	defer mustClose(t, closer)

	ctx := context.Background()

	var pairs []docdb.Pair
	for i := 0; i < 10; i++ {
		pairs = append(pairs, docdb.Pair{
			Key: fmt.Sprintf("item:%d", i),
			Doc: docdb.M{"n": i},
		})
	}
	// same key straddling a commit boundary
	pairs = append(pairs, docdb.Pair{Key: "item:0", Doc: docdb.M{"n": 100}})

	require.NoError(t, db.MSet(ctx, pairs))

	info, err := db.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, info.Keys)

	item0, err := db.Get(ctx, "item:0")
	require.NoError(t, err)
	assert.Equal(t, 100, item0.IntOrDefault("n", 0))

	versions, err := db.Versions(ctx, "item:0")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.True(t, versions[1].Current)
}

func TestDB_MGet(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(string(backend), func(t *testing.T) {
			db, closer := openTestDB(t, backend)
			defer mustClose(t, closer)

			ctx := context.Background()

			require.NoError(t, db.Set(ctx, "a", docdb.M{"v": "a"}))
			require.NoError(t, db.Set(ctx, "b", docdb.M{"v": "b"}))

			docs, err := db.MGet(ctx, "a", "b")
			require.NoError(t, err)
			require.Len(t, docs, 2)
			assert.Equal(t, "a", docs[0].Key())
			assert.Equal(t, "b", docs[1].Key())
		})
	}
}

func TestDB_MGetOmitsAbsentKeys(t *testing.T) {
	db, closer := openTestDB(t, docdb.FileLog)
	defer mustClose(t, closer)

	ctx := context.Background()

	require.NoError(t, db.Set(ctx, "a", docdb.M{"v": 1}))

	docs, err := db.MGet(ctx, "a", "b")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].Key())
}

func TestDB_MSetFailureLeavesNoPartialState(t *testing.T) {
	db, closer := openTestDB(t, docdb.FileLog)
	defer mustClose(t, closer)

	ctx := context.Background()

	err := db.MSet(ctx, []docdb.Pair{
		{Key: "good", Doc: docdb.M{"v": 1}},
		{Key: "bad", Doc: func() {}},
	})
	require.Error(t, err)

	// serialization happens before anything touches the ledger
	assert.Equal(t, 0, db.Count())
}

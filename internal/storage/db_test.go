package storage

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testDB runs the shared test suite against a DB implementation.
func testDB(t *testing.T, db DB) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, db.Put([]byte("key1"), []byte("value1")))
		val, err := db.Get([]byte("key1"))
		require.NoError(t, err)
		require.Equal(t, []byte("value1"), val)
	})

	t.Run("GetNonexistent", func(t *testing.T) {
		_, err := db.Get([]byte("nonexistent"))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Has", func(t *testing.T) {
		require.NoError(t, db.Put([]byte("exists"), []byte("yes")))
		ok, err := db.Has([]byte("exists"))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = db.Has([]byte("missing"))
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("Overwrite", func(t *testing.T) {
		db.Put([]byte("ow"), []byte("first"))
		db.Put([]byte("ow"), []byte("second"))
		val, err := db.Get([]byte("ow"))
		require.NoError(t, err)
		require.Equal(t, []byte("second"), val)
	})

	t.Run("Delete", func(t *testing.T) {
		db.Put([]byte("del"), []byte("value"))
		require.NoError(t, db.Delete([]byte("del")))
		_, err := db.Get([]byte("del"))
		require.ErrorIs(t, err, ErrNotFound)

		// Deleting a nonexistent key should not error.
		require.NoError(t, db.Delete([]byte("never-existed")))
	})

	t.Run("EmptyValue", func(t *testing.T) {
		require.NoError(t, db.Put([]byte("empty"), []byte{}))
		val, err := db.Get([]byte("empty"))
		require.NoError(t, err)
		require.Len(t, val, 0)
	})

	t.Run("ValueIsCopied", func(t *testing.T) {
		v := []byte("original")
		db.Put([]byte("copy"), v)
		v[0] = 'X'
		got, _ := db.Get([]byte("copy"))
		require.Equal(t, []byte("original"), got)
	})

	t.Run("ForEach", func(t *testing.T) {
		db.Put([]byte("prefix/b"), []byte("2"))
		db.Put([]byte("prefix/a"), []byte("1"))
		db.Put([]byte("prefix/c"), []byte("3"))
		db.Put([]byte("other/x"), []byte("4"))

		var keys []string
		err := db.ForEach([]byte("prefix/"), func(key, value []byte) error {
			keys = append(keys, string(key))
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, []string{"prefix/a", "prefix/b", "prefix/c"}, keys)

		var count int
		err = db.ForEach([]byte("nonexistent/"), func(key, value []byte) error {
			count++
			return nil
		})
		require.NoError(t, err)
		require.Zero(t, count)
	})

	t.Run("ForEachStopEarly", func(t *testing.T) {
		stop := errors.New("stop")
		var count int
		err := db.ForEach([]byte("prefix/"), func(key, value []byte) error {
			count++
			return stop
		})
		require.ErrorIs(t, err, stop)
		require.Equal(t, 1, count)
	})

	t.Run("Batch", func(t *testing.T) {
		db.Put([]byte("batch/old"), []byte("gone"))

		b := NewBatch(db)
		require.NoError(t, b.Put([]byte("batch/1"), []byte("one")))
		require.NoError(t, b.Put([]byte("batch/2"), []byte{}))
		require.NoError(t, b.Delete([]byte("batch/old")))

		ok, _ := db.Has([]byte("batch/1"))
		require.False(t, ok, "batch writes must not be visible before Commit")

		require.NoError(t, b.Commit())
		got, err := db.Get([]byte("batch/1"))
		require.NoError(t, err)
		require.Equal(t, []byte("one"), got)
		ok, _ = db.Has([]byte("batch/2"))
		require.True(t, ok, "empty value in a batch is a put, not a delete")
		ok, _ = db.Has([]byte("batch/old"))
		require.False(t, ok)
	})
}

func TestMemoryDB(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	testDB(t, db)
}

func TestBadgerDB(t *testing.T) {
	db, err := NewBadger(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	testDB(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	testDB(t, db)
}

// nonBatchDB hides the Batcher implementation of the wrapped DB.
type nonBatchDB struct{ DB }

func TestReplayBatch(t *testing.T) {
	testDB(t, nonBatchDB{NewMemory()})
}

func TestPersistence(t *testing.T) {
	open := map[string]func(string) (DB, error){
		"badger":  func(p string) (DB, error) { return NewBadger(p) },
		"leveldb": func(p string) (DB, error) { return NewLevelDB(p) },
	}
	for name, openFn := range open {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()

			db1, err := openFn(dir)
			require.NoError(t, err)
			require.NoError(t, db1.Put([]byte("persist"), []byte("data")))
			require.NoError(t, db1.Close())

			db2, err := openFn(dir)
			require.NoError(t, err)
			defer db2.Close()

			val, err := db2.Get([]byte("persist"))
			require.NoError(t, err)
			require.True(t, bytes.Equal(val, []byte("data")))
		})
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{"memory", "badger", "leveldb"} {
		db, err := Open(backend, filepath.Join(dir, backend))
		require.NoError(t, err, backend)
		require.NoError(t, db.Put([]byte("k"), []byte(fmt.Sprint(backend))))
		require.NoError(t, db.Close())
	}

	_, err := Open("sqlite", dir)
	require.Error(t, err)
}

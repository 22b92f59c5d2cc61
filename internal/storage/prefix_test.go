package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrefixDB_Suite(t *testing.T) {
	testDB(t, NewPrefixDB(NewMemory(), []byte("suite/")))
}

func TestPrefixDB_Isolation(t *testing.T) {
	inner := NewMemory()
	chainDB := NewPrefixDB(inner, []byte("c/"))
	trustDB := NewPrefixDB(inner, []byte("t/"))

	require.NoError(t, chainDB.Put([]byte("key"), []byte("chain")))
	require.NoError(t, trustDB.Put([]byte("key"), []byte("trust")))

	got, err := chainDB.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, "chain", string(got))

	got, err = trustDB.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, "trust", string(got))

	raw, err := inner.Get([]byte("t/key"))
	require.NoError(t, err)
	require.Equal(t, "trust", string(raw))

	ok, _ := chainDB.Has([]byte("t/key"))
	require.False(t, ok, "namespace must not see raw keys of another namespace")
}

func TestPrefixDB_ForEachStripsPrefix(t *testing.T) {
	db := NewPrefixDB(NewMemory(), []byte("pre/"))
	db.Put([]byte("h/1"), []byte("a"))
	db.Put([]byte("h/2"), []byte("b"))
	db.Put([]byte("b/x"), []byte("c"))

	var keys []string
	require.NoError(t, db.ForEach([]byte("h/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	require.Equal(t, []string{"h/1", "h/2"}, keys)
}

func TestPrefixDB_Batch(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("ns/"))

	b := db.NewBatch()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	require.NoError(t, b.Commit())

	for i := 0; i < 3; i++ {
		ok, _ := inner.Has([]byte(fmt.Sprintf("ns/k%d", i)))
		require.True(t, ok)
	}
}

func TestPrefixDB_DeleteAll(t *testing.T) {
	inner := NewMemory()
	dbA := NewPrefixDB(inner, []byte("a/"))
	dbB := NewPrefixDB(inner, []byte("b/"))

	dbA.Put([]byte("k1"), []byte("v1"))
	dbA.Put([]byte("k2"), []byte("v2"))
	dbB.Put([]byte("k1"), []byte("other"))

	require.NoError(t, dbA.DeleteAll())

	ok, _ := dbA.Has([]byte("k1"))
	require.False(t, ok)
	got, err := dbB.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, "other", string(got))

	require.NoError(t, NewPrefixDB(inner, []byte("empty/")).DeleteAll())
}

func TestPrefixDB_CloseIsNoop(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("x/"))
	db.Put([]byte("key"), []byte("val"))

	require.NoError(t, db.Close())
	got, err := inner.Get([]byte("x/key"))
	require.NoError(t, err)
	require.Equal(t, "val", string(got))
}

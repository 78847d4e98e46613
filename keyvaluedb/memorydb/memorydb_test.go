package memorydb

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corechain-org/corechain/keyvaluedb"
)

type testValue struct {
	Height uint32
	Data   []byte
}

func isEmpty(t *testing.T, db *MemoryDB) bool {
	empty, err := keyvaluedb.IsEmpty(db)
	require.NoError(t, err)
	return empty
}

func TestMemDB_TestIsEmpty(t *testing.T) {
	db := New()
	require.True(t, isEmpty(t, db))
	require.True(t, db.Empty())
	require.NoError(t, db.Write([]byte("foo"), "test"))
	require.False(t, isEmpty(t, db))
	require.False(t, db.Empty())
	empty, err := keyvaluedb.IsEmpty(nil)
	require.ErrorContains(t, err, "db is nil")
	require.True(t, empty)
}

func TestMemDB_WriteReadDelete(t *testing.T) {
	db := New()
	v := &testValue{Height: 1, Data: []byte{0xAA}}
	require.NoError(t, db.Write([]byte("k"), v))
	var back testValue
	found, err := db.Read([]byte("k"), &back)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, v, &back)

	require.NoError(t, db.Delete([]byte("k")))
	found, err = db.Read([]byte("k"), &back)
	require.NoError(t, err)
	require.False(t, found)
}

func TestMemDB_TestInvalidWriteAndRead(t *testing.T) {
	db := New()
	var v *testValue
	require.ErrorIs(t, db.Write([]byte("k"), v), keyvaluedb.ErrValueIsNil)
	require.ErrorIs(t, db.Write([]byte(""), 1), keyvaluedb.ErrInvalidKey)
	found, err := db.Read(nil, &testValue{})
	require.ErrorIs(t, err, keyvaluedb.ErrInvalidKey)
	require.False(t, found)
	require.ErrorIs(t, db.Delete(nil), keyvaluedb.ErrInvalidKey)
}

func TestMemDB_WithEncoding(t *testing.T) {
	db := New(WithEncoding(json.Marshal, json.Unmarshal))
	require.NoError(t, db.Write([]byte("k"), map[string]int{"a": 1}))
	var m map[string]int
	found, err := db.Read([]byte("k"), &m)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, m["a"])
}

func TestMemDB_WithLimit(t *testing.T) {
	db := New(WithLimit(2))
	require.NoError(t, db.Write([]byte("a"), 1))
	require.NoError(t, db.Write([]byte("b"), 2))
	require.ErrorIs(t, db.Write([]byte("c"), 3), ErrDiskFull)
	// overwriting existing key is fine
	require.NoError(t, db.Write([]byte("a"), 4))

	tx, err := db.StartTx()
	require.NoError(t, err)
	require.ErrorIs(t, tx.Write([]byte("c"), 3), ErrDiskFull)
	require.NoError(t, tx.Rollback())
}

func TestMemDB_Iterators(t *testing.T) {
	db := New()
	for i, k := range []string{"b1", "a1", "c1", "b2"} {
		require.NoError(t, db.Write([]byte(k), i))
	}
	it := db.First()
	var keys []string
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Close())
	require.Equal(t, []string{"a1", "b1", "b2", "c1"}, keys)

	it = db.Last()
	keys = nil
	for ; it.Valid(); it.Prev() {
		keys = append(keys, string(it.Key()))
	}
	require.Equal(t, []string{"c1", "b2", "b1", "a1"}, keys)
	require.Nil(t, it.Key())

	it = db.Find([]byte("b"))
	require.Equal(t, []byte("b1"), it.Key())
	var v int
	require.NoError(t, it.Value(&v))
	require.Equal(t, 0, v)

	it = db.Find([]byte("x"))
	require.False(t, it.Valid())
	require.Error(t, it.Value(&v))

	it = New().First()
	require.False(t, it.Valid())
}

func TestMemDB_Tx(t *testing.T) {
	db := New()
	require.NoError(t, db.Write([]byte("a"), "1"))
	tx, err := db.StartTx()
	require.NoError(t, err)
	require.NoError(t, tx.Write([]byte("b"), "2"))
	require.NoError(t, tx.Delete([]byte("a")))
	var s string
	found, err := tx.Read([]byte("b"), &s)
	require.NoError(t, err)
	require.True(t, found)
	// not visible in db before commit
	found, err = db.Read([]byte("b"), &s)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, tx.Commit())
	found, err = db.Read([]byte("a"), &s)
	require.NoError(t, err)
	require.False(t, found)
	found, err = db.Read([]byte("b"), &s)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", s)

	// closed tx
	require.Error(t, tx.Commit())
	require.Error(t, tx.Write([]byte("c"), "3"))
	_, err = tx.Read([]byte("c"), &s)
	require.Error(t, err)
}

func TestMemDB_TxRollback(t *testing.T) {
	db := New()
	tx, err := db.StartTx()
	require.NoError(t, err)
	require.NoError(t, tx.Write([]byte("b"), "2"))
	require.NoError(t, tx.Rollback())
	require.True(t, db.Empty())
}

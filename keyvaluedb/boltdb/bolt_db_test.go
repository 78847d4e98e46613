package boltdb

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/keyvaluedb"
)

type testValue struct {
	Height uint32
	Data   []byte
}

func initBoltDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func isEmpty(t *testing.T, db *BoltDB) bool {
	empty, err := keyvaluedb.IsEmpty(db)
	require.NoError(t, err)
	return empty
}

func TestBoltDB_InvalidPath(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "no", "such", "dir", "test.db"))
	require.Error(t, err)
	require.Nil(t, db)
}

func TestBoltDB_WriteReadDelete(t *testing.T) {
	db := initBoltDB(t)
	require.True(t, isEmpty(t, db))

	v := &testValue{Height: 7, Data: []byte{1, 2, 3}}
	require.NoError(t, db.Write([]byte("a"), v))
	require.False(t, isEmpty(t, db))

	var back testValue
	found, err := db.Read([]byte("a"), &back)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, v, &back)

	found, err = db.Read([]byte("b"), &back)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, db.Delete([]byte("a")))
	found, err = db.Read([]byte("a"), &back)
	require.NoError(t, err)
	require.False(t, found)
	require.True(t, isEmpty(t, db))
}

func TestBoltDB_InvalidInput(t *testing.T) {
	db := initBoltDB(t)
	var v *testValue
	require.ErrorIs(t, db.Write([]byte("a"), v), keyvaluedb.ErrValueIsNil)
	require.ErrorIs(t, db.Write(nil, &testValue{}), keyvaluedb.ErrInvalidKey)
	_, err := db.Read(nil, &testValue{})
	require.ErrorIs(t, err, keyvaluedb.ErrInvalidKey)
	require.ErrorIs(t, db.Delete([]byte{}), keyvaluedb.ErrInvalidKey)
}

func TestBoltDB_Iterators(t *testing.T) {
	db := initBoltDB(t)
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
	require.NoError(t, it.Close())
	require.Equal(t, []string{"c1", "b2", "b1", "a1"}, keys)

	it = db.Find([]byte("b"))
	require.True(t, it.Valid())
	require.Equal(t, []byte("b1"), it.Key())
	var v int
	require.NoError(t, it.Value(&v))
	require.Equal(t, 0, v)
	require.NoError(t, it.Close())
	require.False(t, it.Valid())
	require.Error(t, it.Value(&v))
	// double close is fine
	require.NoError(t, it.Close())

	it = db.Find([]byte("d"))
	require.False(t, it.Valid())
	require.NoError(t, it.Close())

	keys2, err := keyvaluedb.Keys(db, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("b1"), []byte("b2")}, keys2)
}

func TestBoltDB_Persistence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "test.db")
	db, err := New(file)
	require.NoError(t, err)
	require.Equal(t, file, db.Path())
	require.NoError(t, db.Write([]byte("k"), "value"))
	require.NoError(t, db.Close())

	db, err = New(file)
	require.NoError(t, err)
	defer db.Close()
	var s string
	found, err := db.Read([]byte("k"), &s)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "value", s)
}

func TestBoltDB_ReadDecodeError(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "test.db"), WithCodec(json.Marshal, cbor.Unmarshal))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Write([]byte("k"), "not cbor"))
	var s string
	found, err := db.Read([]byte("k"), &s)
	require.ErrorContains(t, err, "bolt db read")
	require.True(t, found)
}

func TestBoltDB_Options(t *testing.T) {
	file := filepath.Join(t.TempDir(), "test.db")
	_, err := New(file, WithBucket(""))
	require.EqualError(t, err, "bucket name is empty")

	blocks, err := New(file, WithBucket("blocks"), WithCodec(json.Marshal, json.Unmarshal))
	require.NoError(t, err)
	require.NoError(t, blocks.Write([]byte("k"), &testValue{Height: 1}))
	require.NoError(t, blocks.Close())

	// data of the other bucket is not visible
	db, err := New(file)
	require.NoError(t, err)
	require.True(t, isEmpty(t, db))

	// file is locked by the open DB
	_, err = New(file, WithOpenTimeout(10*time.Millisecond))
	require.ErrorContains(t, err, "open database")
	require.NoError(t, db.Close())

	blocks, err = New(file, WithBucket("blocks"), WithCodec(json.Marshal, json.Unmarshal))
	require.NoError(t, err)
	defer blocks.Close()
	v := &testValue{}
	found, err := blocks.Read([]byte("k"), v)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 1, v.Height)
}

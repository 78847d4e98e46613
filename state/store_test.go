package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corechain-org/corechain/keyvaluedb/memorydb"
)

var dbPrefix = []byte{0x10}

func mustGet(t *testing.T, s *Store, key string) string {
	t.Helper()
	v, err := s.Get([]byte(key))
	require.NoError(t, err)
	return string(v)
}

func requireNotFound(t *testing.T, s *Store, key string) {
	t.Helper()
	_, err := s.Get([]byte(key))
	require.ErrorIs(t, err, ErrNotFound)
}

func commit(t *testing.T, db *memorydb.MemoryDB, s *Store) *Diff {
	t.Helper()
	tx, err := db.StartTx()
	require.NoError(t, err)
	diff, err := s.Finalize(tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return diff
}

func TestStore_GetSetDel(t *testing.T) {
	s := NewStore(memorydb.New(), dbPrefix)
	requireNotFound(t, s, "a")
	require.NoError(t, s.Set([]byte("a"), []byte("1")))
	require.Equal(t, "1", mustGet(t, s, "a"))
	ok, err := s.Has([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Del([]byte("a")))
	requireNotFound(t, s, "a")
	ok, err = s.Has([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	require.Error(t, s.Set(nil, []byte{1}))
	require.Error(t, s.Del(nil))
}

func TestStore_SubStoresArePrefixed(t *testing.T) {
	s := NewStore(memorydb.New(), dbPrefix)
	s1 := s.GetStore(1, []byte{0})
	s2 := s.GetStore(2, []byte{0})
	require.NoError(t, s1.Set([]byte("k"), []byte("one")))
	require.NoError(t, s2.Set([]byte("k"), []byte("two")))
	require.Equal(t, "one", mustGet(t, s1, "k"))
	require.Equal(t, "two", mustGet(t, s2, "k"))
	require.Equal(t, []byte{0x10, 0, 0, 0, 1, 0}, s1.Prefix())

	// sub-stores share the snapshot stack
	id := s.CreateSnapshot()
	require.NoError(t, s1.Set([]byte("k"), []byte("changed")))
	require.NoError(t, s.RestoreSnapshot(id))
	require.Equal(t, "one", mustGet(t, s1, "k"))
}

func TestStore_WithSchema(t *testing.T) {
	type account struct {
		_       struct{} `cbor:",toarray"`
		Balance uint64
		Nonce   uint64
	}
	s := NewStore(memorydb.New(), dbPrefix)
	require.NoError(t, s.SetWithSchema([]byte("acc"), &account{Balance: 100, Nonce: 2}))
	var acc account
	require.NoError(t, s.GetWithSchema([]byte("acc"), &acc))
	require.EqualValues(t, 100, acc.Balance)
	require.EqualValues(t, 2, acc.Nonce)
	require.ErrorIs(t, s.GetWithSchema([]byte("x"), &acc), ErrNotFound)

	require.NoError(t, s.Set([]byte("bad"), []byte{0xff}))
	require.ErrorContains(t, s.GetWithSchema([]byte("bad"), &acc), "decoding value of key")
}

func TestStore_Snapshots(t *testing.T) {
	s := NewStore(memorydb.New(), dbPrefix)
	require.NoError(t, s.Set([]byte("a"), []byte("0")))

	outer := s.CreateSnapshot()
	require.NoError(t, s.Set([]byte("a"), []byte("1")))
	inner := s.CreateSnapshot()
	require.NoError(t, s.Set([]byte("a"), []byte("2")))
	require.NoError(t, s.Del([]byte("b")))
	require.Equal(t, "2", mustGet(t, s, "a"))

	// restoring inner snapshot keeps writes made between outer and inner
	require.NoError(t, s.RestoreSnapshot(inner))
	require.Equal(t, "1", mustGet(t, s, "a"))

	require.NoError(t, s.RestoreSnapshot(outer))
	require.Equal(t, "0", mustGet(t, s, "a"))

	// snapshots were dropped by restore
	require.ErrorIs(t, s.RestoreSnapshot(outer), ErrInvalidSnapshot)
	require.ErrorIs(t, s.ReleaseSnapshot(0), ErrInvalidSnapshot)
}

func TestStore_RestoreOuterDiscardsNested(t *testing.T) {
	s := NewStore(memorydb.New(), dbPrefix)
	outer := s.CreateSnapshot()
	require.NoError(t, s.Set([]byte("a"), []byte("1")))
	s.CreateSnapshot()
	require.NoError(t, s.Set([]byte("b"), []byte("2")))
	require.NoError(t, s.RestoreSnapshot(outer))
	requireNotFound(t, s, "a")
	requireNotFound(t, s, "b")
}

func TestStore_SiblingSnapshots(t *testing.T) {
	s := NewStore(memorydb.New(), dbPrefix)
	block := s.CreateSnapshot()

	// first transaction succeeds and its snapshot is released
	tx1 := s.CreateSnapshot()
	require.NoError(t, s.Set([]byte("tx1"), []byte("ok")))
	require.NoError(t, s.ReleaseSnapshot(tx1))

	// second transaction (sibling of the first) fails and is restored
	tx2 := s.CreateSnapshot()
	require.NotEqual(t, tx1, tx2)
	require.ErrorIs(t, s.RestoreSnapshot(tx1), ErrInvalidSnapshot)
	require.NoError(t, s.Set([]byte("tx2"), []byte("fail")))
	require.NoError(t, s.RestoreSnapshot(tx2))

	// restoring the sibling must not discard writes of the first transaction
	require.Equal(t, "ok", mustGet(t, s, "tx1"))
	requireNotFound(t, s, "tx2")

	require.NoError(t, s.ReleaseSnapshot(block))
	require.Equal(t, "ok", mustGet(t, s, "tx1"))
}

func TestStore_StaleSnapshotID(t *testing.T) {
	db := memorydb.New()
	s := NewStore(db, dbPrefix)
	a := s.CreateSnapshot()
	require.NoError(t, s.Set([]byte("a"), []byte("1")))
	require.NoError(t, s.ReleaseSnapshot(a))

	b := s.CreateSnapshot()
	require.NoError(t, s.Set([]byte("b"), []byte("2")))
	// released snapshot must not resolve to the snapshot created after it
	require.ErrorIs(t, s.RestoreSnapshot(a), ErrInvalidSnapshot)
	require.ErrorIs(t, s.ReleaseSnapshot(a), ErrInvalidSnapshot)
	require.Equal(t, "1", mustGet(t, s, "a"))
	require.Equal(t, "2", mustGet(t, s, "b"))

	require.NoError(t, s.RestoreSnapshot(b))
	requireNotFound(t, s, "b")
	require.ErrorIs(t, s.RestoreSnapshot(b), ErrInvalidSnapshot)

	// snapshots don't outlive Finalize
	c := s.CreateSnapshot()
	commit(t, db, s)
	require.ErrorIs(t, s.RestoreSnapshot(c), ErrInvalidSnapshot)
	require.Greater(t, s.CreateSnapshot(), c)
}

func TestStore_Iterate(t *testing.T) {
	db := memorydb.New()
	s := NewStore(db, dbPrefix)
	sub := s.GetStore(1, nil)
	for _, k := range []string{"a1", "a2", "b1", "b2", "c1"} {
		require.NoError(t, sub.Set([]byte(k), []byte(k)))
	}
	// other module's data is not visible
	require.NoError(t, s.GetStore(2, nil).Set([]byte("a3"), []byte("x")))
	commit(t, db, s)

	// pending changes on top of committed data
	require.NoError(t, sub.Del([]byte("a2")))
	require.NoError(t, sub.Set([]byte("a3"), []byte("a3")))

	kvs, err := sub.Iterate(IterateOptions{Gte: []byte("a"), Lte: []byte("b1")})
	require.NoError(t, err)
	var keys []string
	for _, kv := range kvs {
		keys = append(keys, string(kv.Key))
		require.Equal(t, kv.Key, kv.Value)
	}
	require.Equal(t, []string{"a1", "a3", "b1"}, keys)

	kvs, err = sub.Iterate(IterateOptions{Reverse: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, "c1", string(kvs[0].Key))
	require.Equal(t, "b2", string(kvs[1].Key))
}

func TestStore_FinalizeAndRevertDiff(t *testing.T) {
	db := memorydb.New()
	s := NewStore(db, dbPrefix)
	require.NoError(t, s.Set([]byte("keep"), []byte("1")))
	require.NoError(t, s.Set([]byte("update"), []byte("1")))
	require.NoError(t, s.Set([]byte("delete"), []byte("1")))
	diff := commit(t, db, s)
	require.Len(t, diff.Added, 3)
	rootBefore, err := s.CalculateRoot()
	require.NoError(t, err)

	require.NoError(t, s.Set([]byte("update"), []byte("2")))
	require.NoError(t, s.Set([]byte("keep"), []byte("1")))
	require.NoError(t, s.Del([]byte("delete")))
	require.NoError(t, s.Del([]byte("never-existed")))
	require.NoError(t, s.Set([]byte("new"), []byte("1")))
	diff = commit(t, db, s)
	require.Equal(t, [][]byte{append([]byte{0x10}, "new"...)}, diff.Added)
	require.Len(t, diff.Updated, 1)
	require.Len(t, diff.Deleted, 1)

	// new store over the committed db sees the changes
	s = NewStore(db, dbPrefix)
	require.Equal(t, "2", mustGet(t, s, "update"))
	requireNotFound(t, s, "delete")
	rootAfter, err := s.CalculateRoot()
	require.NoError(t, err)
	require.NotEqual(t, rootBefore, rootAfter)

	tx, err := db.StartTx()
	require.NoError(t, err)
	require.NoError(t, RevertDiff(tx, diff))
	require.NoError(t, tx.Commit())

	s = NewStore(db, dbPrefix)
	require.Equal(t, "1", mustGet(t, s, "update"))
	require.Equal(t, "1", mustGet(t, s, "delete"))
	requireNotFound(t, s, "new")
	root, err := s.CalculateRoot()
	require.NoError(t, err)
	require.Equal(t, rootBefore, root)
}

func TestStore_CalculateRootIncludesPendingWrites(t *testing.T) {
	db := memorydb.New()
	s := NewStore(db, dbPrefix)
	empty, err := s.CalculateRoot()
	require.NoError(t, err)
	require.NoError(t, s.Set([]byte("a"), []byte("1")))
	r1, err := s.CalculateRoot()
	require.NoError(t, err)
	require.NotEqual(t, empty, r1)

	// same content committed gives the same root
	commit(t, db, s)
	r2, err := NewStore(db, dbPrefix).CalculateRoot()
	require.NoError(t, err)
	require.Equal(t, r1, r2)
}

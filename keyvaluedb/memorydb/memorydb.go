package memorydb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/keyvaluedb"
)

var ErrDiskFull = errors.New("write failed, disk is full")

type (
	EncodeFn func(v any) ([]byte, error)
	DecodeFn func(data []byte, v any) error

	MemoryDB struct {
		db      map[string][]byte
		encoder EncodeFn
		decoder DecodeFn
		limit   int
		lock    sync.RWMutex
	}

	Option func(db *MemoryDB)
)

/*
WithLimit sets the maximum number of keys the DB may hold, writes above
the limit fail with ErrDiskFull. Useful to test "disk full" scenarios.
*/
func WithLimit(limit int) Option {
	return func(db *MemoryDB) {
		db.limit = limit
	}
}

// WithEncoding overrides the default (CBOR) value encoding.
func WithEncoding(enc EncodeFn, dec DecodeFn) Option {
	return func(db *MemoryDB) {
		db.encoder = enc
		db.decoder = dec
	}
}

// New creates a new key value db which keeps data in memory.
func New(opts ...Option) *MemoryDB {
	db := &MemoryDB{
		db:      make(map[string][]byte),
		encoder: cbor.Marshal,
		decoder: cbor.Unmarshal,
	}
	for _, o := range opts {
		o(db)
	}
	return db
}

// Empty returns true if no values are stored in db
func (db *MemoryDB) Empty() bool {
	db.lock.RLock()
	defer db.lock.RUnlock()
	return len(db.db) == 0
}

// Read retrieves the given key if it's present in the key-value store.
func (db *MemoryDB) Read(key []byte, value any) (bool, error) {
	if err := keyvaluedb.CheckKeyAndValue(key, value); err != nil {
		return false, err
	}
	db.lock.RLock()
	defer db.lock.RUnlock()

	data, ok := db.db[string(key)]
	if !ok {
		return false, nil
	}
	if err := db.decoder(data, value); err != nil {
		return true, fmt.Errorf("decoding value of key %X: %w", key, err)
	}
	return true, nil
}

// Write inserts the given value into the key-value store.
func (db *MemoryDB) Write(key []byte, value any) error {
	if err := keyvaluedb.CheckKeyAndValue(key, value); err != nil {
		return err
	}
	b, err := db.encoder(value)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	db.lock.Lock()
	defer db.lock.Unlock()
	return db.put(db.db, key, b)
}

func (db *MemoryDB) put(m map[string][]byte, key, value []byte) error {
	if _, ok := m[string(key)]; !ok && db.limit > 0 && len(m) >= db.limit {
		return ErrDiskFull
	}
	m[string(key)] = value
	return nil
}

// Delete removes the key from the key-value store.
func (db *MemoryDB) Delete(key []byte) error {
	if err := keyvaluedb.CheckKey(key); err != nil {
		return err
	}
	db.lock.Lock()
	defer db.lock.Unlock()
	delete(db.db, string(key))
	return nil
}

// First returns iterator positioned to the first element in DB
func (db *MemoryDB) First() keyvaluedb.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()
	it := newIterator(db.db, db.decoder)
	it.first()
	return it
}

// Last returns iterator positioned to the last element in DB
func (db *MemoryDB) Last() keyvaluedb.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()
	it := newIterator(db.db, db.decoder)
	it.last()
	return it
}

// Find returns iterator positioned to the first key >= key
func (db *MemoryDB) Find(key []byte) keyvaluedb.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()
	it := newIterator(db.db, db.decoder)
	it.seek(key)
	return it
}

func (db *MemoryDB) StartTx() (keyvaluedb.DBTransaction, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()
	if db.db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	return newMapTx(db), nil
}

func (db *MemoryDB) Close() error {
	return nil
}

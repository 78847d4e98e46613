package boltdb

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

/*
Itr holds a read-only bolt transaction open until Close is called.
*/
type Itr struct {
	tx      *bolt.Tx
	cursor  *bolt.Cursor
	decoder DecodeFn
	key     []byte
	value   []byte
	err     error
}

func NewIterator(db *bolt.DB, bucket []byte, d DecodeFn) *Itr {
	tx, err := db.Begin(false)
	if err != nil {
		return &Itr{err: err}
	}
	return &Itr{
		tx:      tx,
		cursor:  tx.Bucket(bucket).Cursor(),
		decoder: d,
	}
}

func (it *Itr) first() {
	if it.cursor != nil {
		it.key, it.value = it.cursor.First()
	}
}

func (it *Itr) last() {
	if it.cursor != nil {
		it.key, it.value = it.cursor.Last()
	}
}

func (it *Itr) seek(key []byte) {
	if it.cursor != nil {
		it.key, it.value = it.cursor.Seek(key)
	}
}

func (it *Itr) Next() {
	if !it.Valid() {
		return
	}
	it.key, it.value = it.cursor.Next()
}

func (it *Itr) Prev() {
	if !it.Valid() {
		return
	}
	it.key, it.value = it.cursor.Prev()
}

func (it *Itr) Valid() bool {
	return it.key != nil
}

func (it *Itr) Key() []byte {
	return it.key
}

func (it *Itr) Value(v any) error {
	if !it.Valid() {
		if it.err != nil {
			return fmt.Errorf("iterator invalid: %w", it.err)
		}
		return fmt.Errorf("iterator invalid")
	}
	return it.decoder(it.value, v)
}

func (it *Itr) Close() error {
	it.key, it.value = nil, nil
	if it.tx == nil {
		return nil
	}
	tx := it.tx
	it.tx, it.cursor = nil, nil
	return tx.Rollback()
}

package boltdb

import (
	bolt "go.etcd.io/bbolt"

	"github.com/corechain-org/corechain/keyvaluedb"
)

// Tx operates on the bucket of the DB inside a Bolt transaction.
type Tx struct {
	tx  *bolt.Tx
	b   *bolt.Bucket
	enc EncodeFn
	dec DecodeFn
}

func (t *Tx) Read(key []byte, v any) (bool, error) {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return false, err
	}
	if data := t.b.Get(key); data != nil {
		return true, t.dec(data, v)
	}
	return false, nil
}

func (t *Tx) Write(key []byte, v any) error {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return err
	}
	data, err := t.enc(v)
	if err != nil {
		return err
	}
	return t.b.Put(key, data)
}

func (t *Tx) Delete(key []byte) error {
	if err := keyvaluedb.CheckKey(key); err != nil {
		return err
	}
	return t.b.Delete(key)
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

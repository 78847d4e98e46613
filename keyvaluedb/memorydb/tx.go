package memorydb

import (
	"errors"
	"fmt"
	"maps"

	"github.com/corechain-org/corechain/keyvaluedb"
)

var errTxClosed = errors.New("memdb tx is closed")

// Tx buffers the changes in a copy of the DB content, Commit swaps the copy in.
type Tx struct {
	mem  *MemoryDB
	data map[string][]byte // nil once the tx is completed
}

func newMapTx(m *MemoryDB) *Tx {
	return &Tx{mem: m, data: maps.Clone(m.db)}
}

func (t *Tx) Read(key []byte, v any) (bool, error) {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return false, err
	}
	if t.data == nil {
		return false, errTxClosed
	}
	raw, ok := t.data[string(key)]
	if !ok {
		return false, nil
	}
	return true, t.mem.decoder(raw, v)
}

func (t *Tx) Write(key []byte, v any) error {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return err
	}
	if t.data == nil {
		return errTxClosed
	}
	raw, err := t.mem.encoder(v)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	return t.mem.put(t.data, key, raw)
}

func (t *Tx) Delete(key []byte) error {
	if err := keyvaluedb.CheckKey(key); err != nil {
		return err
	}
	if t.data == nil {
		return errTxClosed
	}
	delete(t.data, string(key))
	return nil
}

func (t *Tx) Commit() error {
	if t.data == nil {
		return errTxClosed
	}
	t.mem.lock.Lock()
	t.mem.db, t.data = t.data, nil
	t.mem.lock.Unlock()
	return nil
}

func (t *Tx) Rollback() error {
	t.data = nil
	return nil
}

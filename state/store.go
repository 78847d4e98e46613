package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/keyvaluedb"
	"github.com/corechain-org/corechain/tree/smt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidSnapshot = errors.New("invalid snapshot id")
)

type (
	// Backend is the durable storage the Store reads committed state from.
	Backend interface {
		keyvaluedb.Reader
		keyvaluedb.Iterable
	}

	/*
		Store is a key/value overlay over the durable backend. Writes are kept in
		memory in a stack of layers until Finalize is called. CreateSnapshot pushes
		a new layer, RestoreSnapshot discards the layer (and everything above it).

		Store returned by GetStore shares the layer stack with its parent, so a
		snapshot created on any of them covers all the sub-stores.

		Store is not safe for concurrent use, the block processing owns it.
	*/
	Store struct {
		db     Backend
		layers *layers
		prefix []byte
	}

	// layers is the write overlay, every layer but the first one is a snapshot.
	layers struct {
		stack []layer
		// generation of the last created snapshot, snapshot IDs are never reused
		generation int
	}

	layer struct {
		id      int
		entries map[string]*entry
	}

	entry struct {
		value   []byte
		deleted bool
	}

	// IterateOptions bounds are relative to the store prefix and inclusive.
	IterateOptions struct {
		Gte     []byte
		Lte     []byte
		Limit   int
		Reverse bool
	}

	KV struct {
		_     struct{} `cbor:",toarray"`
		Key   []byte
		Value []byte
	}

	// Diff records the changes Finalize wrote into the backend, previous values
	// are kept so that the changes can be reverted.
	Diff struct {
		_       struct{} `cbor:",toarray"`
		Added   [][]byte
		Updated []KV
		Deleted []KV
	}
)

// NewStore returns the root store for keys starting with "prefix" in the db.
func NewStore(db Backend, prefix []byte) *Store {
	return &Store{
		db:     db,
		prefix: slices.Clone(prefix),
		layers: newLayers(),
	}
}

/*
GetStore returns sub-store for the module, keys are prefixed with the
module ID and the store prefix.
*/
func (s *Store) GetStore(moduleID uint32, storePrefix []byte) *Store {
	p := binary.BigEndian.AppendUint32(slices.Clone(s.prefix), moduleID)
	return &Store{
		db:     s.db,
		layers: s.layers,
		prefix: append(p, storePrefix...),
	}
}

func (s *Store) Prefix() []byte {
	return slices.Clone(s.prefix)
}

// Get returns ErrNotFound when the key doesn't exist.
func (s *Store) Get(key []byte) ([]byte, error) {
	fullKey := s.fullKey(key)
	if e := s.layers.get(fullKey); e != nil {
		if e.deleted {
			return nil, fmt.Errorf("key %X: %w", key, ErrNotFound)
		}
		return slices.Clone(e.value), nil
	}
	if s.db == nil {
		return nil, fmt.Errorf("key %X: %w", key, ErrNotFound)
	}
	var value []byte
	found, err := s.db.Read(fullKey, &value)
	if err != nil {
		return nil, fmt.Errorf("reading key %X: %w", key, err)
	}
	if !found {
		return nil, fmt.Errorf("key %X: %w", key, ErrNotFound)
	}
	return value, nil
}

// GetWithSchema decodes the CBOR encoded value into v.
func (s *Store) GetWithSchema(key []byte, v any) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding value of key %X: %w", key, err)
	}
	return nil
}

func (s *Store) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (s *Store) Set(key, value []byte) error {
	if len(key) == 0 {
		return keyvaluedb.ErrInvalidKey
	}
	s.layers.top()[string(s.fullKey(key))] = &entry{value: slices.Clone(value)}
	return nil
}

// SetWithSchema stores CBOR encoding of v.
func (s *Store) SetWithSchema(key []byte, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding value of key %X: %w", key, err)
	}
	return s.Set(key, data)
}

func (s *Store) Del(key []byte) error {
	if len(key) == 0 {
		return keyvaluedb.ErrInvalidKey
	}
	s.layers.top()[string(s.fullKey(key))] = &entry{deleted: true}
	return nil
}

/*
Iterate returns key-value pairs of the store in the range [Gte, Lte] in
ascending (or descending when Reverse is set) key order. Keys are returned
without the store prefix.
*/
func (s *Store) Iterate(opts IterateOptions) ([]KV, error) {
	items, err := s.collect(opts.Gte, opts.Lte)
	if err != nil {
		return nil, err
	}
	keys := slices.Sorted(maps.Keys(items))
	if opts.Reverse {
		slices.Reverse(keys)
	}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}
	res := make([]KV, len(keys))
	for i, k := range keys {
		res[i] = KV{Key: []byte(k)[len(s.prefix):], Value: items[k]}
	}
	return res, nil
}

// collect returns merged (backend + layers) content of the range, keyed by full key.
func (s *Store) collect(gte, lte []byte) (map[string][]byte, error) {
	start := s.fullKey(gte)
	var end []byte
	if lte != nil {
		end = s.fullKey(lte)
	}
	inRange := func(key []byte) bool {
		return bytes.HasPrefix(key, s.prefix) && bytes.Compare(key, start) >= 0 && (end == nil || bytes.Compare(key, end) <= 0)
	}

	items := make(map[string][]byte)
	if s.db != nil {
		if err := func() (err error) {
			it := s.db.Find(start)
			defer func() { err = errors.Join(err, it.Close()) }()
			for ; it.Valid() && inRange(it.Key()); it.Next() {
				var value []byte
				if err := it.Value(&value); err != nil {
					return fmt.Errorf("reading value of key %X: %w", it.Key(), err)
				}
				items[string(it.Key())] = value
			}
			return nil
		}(); err != nil {
			return nil, err
		}
	}
	for _, l := range s.layers.stack {
		for k, e := range l.entries {
			if !inRange([]byte(k)) {
				continue
			}
			if e.deleted {
				delete(items, k)
			} else {
				items[k] = e.value
			}
		}
	}
	return items, nil
}

/*
CreateSnapshot returns id of the new snapshot. Restoring the snapshot
discards all the writes made after it was created. IDs are unique for the
lifetime of the store, released or restored snapshot ID stays invalid.
*/
func (s *Store) CreateSnapshot() int {
	s.layers.generation++
	s.layers.stack = append(s.layers.stack, layer{id: s.layers.generation, entries: map[string]*entry{}})
	return s.layers.generation
}

// RestoreSnapshot discards writes made after snapshot "id" (including nested snapshots) was created.
func (s *Store) RestoreSnapshot(id int) error {
	pos, err := s.layers.position(id)
	if err != nil {
		return err
	}
	clear(s.layers.stack[pos:])
	s.layers.stack = s.layers.stack[:pos]
	return nil
}

// ReleaseSnapshot keeps the writes made after snapshot "id" was created but
// releases the snapshot (and nested ones), it can't be restored anymore.
func (s *Store) ReleaseSnapshot(id int) error {
	pos, err := s.layers.position(id)
	if err != nil {
		return err
	}
	below := s.layers.stack[pos-1].entries
	for _, l := range s.layers.stack[pos:] {
		maps.Copy(below, l.entries)
	}
	clear(s.layers.stack[pos:])
	s.layers.stack = s.layers.stack[:pos]
	return nil
}

/*
CalculateRoot returns root hash of the sparse Merkle tree over the whole
key space of the store (committed state plus pending writes).
*/
func (s *Store) CalculateRoot() ([]byte, error) {
	items, err := s.collect(nil, nil)
	if err != nil {
		return nil, err
	}
	data := make([]smt.Data, 0, len(items))
	for k, v := range items {
		kh := sha256.Sum256([]byte(k))
		vh := sha256.Sum256(v)
		data = append(data, smt.KeyValue{K: kh[:], V: vh[:]})
	}
	tree, err := smt.New(sha256.New(), sha256.Size, data)
	if err != nil {
		return nil, fmt.Errorf("building state tree: %w", err)
	}
	return tree.GetRootHash(), nil
}

/*
Finalize writes pending changes into the db transaction and resets the
overlay. Returned diff can be used to revert the changes with RevertDiff.
*/
func (s *Store) Finalize(tx keyvaluedb.DBTransaction) (*Diff, error) {
	merged := map[string]*entry{}
	for _, l := range s.layers.stack {
		maps.Copy(merged, l.entries)
	}
	diff := &Diff{}
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		key := []byte(k)
		e := merged[k]
		var prev []byte
		found, err := tx.Read(key, &prev)
		if err != nil {
			return nil, fmt.Errorf("reading previous value of %X: %w", key, err)
		}
		switch {
		case e.deleted && !found:
			continue
		case e.deleted:
			if err := tx.Delete(key); err != nil {
				return nil, fmt.Errorf("deleting key %X: %w", key, err)
			}
			diff.Deleted = append(diff.Deleted, KV{Key: key, Value: prev})
			continue
		case found && bytes.Equal(prev, e.value):
			continue
		case found:
			diff.Updated = append(diff.Updated, KV{Key: key, Value: prev})
		default:
			diff.Added = append(diff.Added, key)
		}
		if err := tx.Write(key, e.value); err != nil {
			return nil, fmt.Errorf("writing key %X: %w", key, err)
		}
	}
	s.layers.reset()
	return diff, nil
}

// RevertDiff undoes the changes recorded in the diff.
func RevertDiff(tx keyvaluedb.Writer, diff *Diff) error {
	for _, key := range diff.Added {
		if err := tx.Delete(key); err != nil {
			return fmt.Errorf("deleting key %X: %w", key, err)
		}
	}
	for _, kv := range slices.Concat(diff.Updated, diff.Deleted) {
		if err := tx.Write(kv.Key, kv.Value); err != nil {
			return fmt.Errorf("restoring key %X: %w", kv.Key, err)
		}
	}
	return nil
}

func (s *Store) fullKey(key []byte) []byte {
	return append(slices.Clone(s.prefix), key...)
}

func newLayers() *layers {
	l := &layers{}
	l.reset()
	return l
}

// reset drops all the snapshots, the generation keeps growing.
func (l *layers) reset() {
	l.stack = []layer{{entries: map[string]*entry{}}}
}

func (l *layers) top() map[string]*entry {
	return l.stack[len(l.stack)-1].entries
}

func (l *layers) get(key []byte) *entry {
	for i := len(l.stack) - 1; i >= 0; i-- {
		if e, ok := l.stack[i].entries[string(key)]; ok {
			return e
		}
	}
	return nil
}

// position returns the index of the live snapshot "id" in the stack.
func (l *layers) position(id int) (int, error) {
	if id > 0 {
		for i := len(l.stack) - 1; i > 0; i-- {
			if l.stack[i].id == id {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %d is not an active snapshot", ErrInvalidSnapshot, id)
}

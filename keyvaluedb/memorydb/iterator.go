package memorydb

import (
	"bytes"
	"errors"
	"maps"
	"slices"
)

type entry struct {
	key   []byte
	value []byte
}

// Itr iterates over a snapshot of the DB taken when the iterator was created.
type Itr struct {
	entries []entry
	pos     int // -1 when not valid
	decoder DecodeFn
}

func newIterator(db map[string][]byte, d DecodeFn) *Itr {
	keys := slices.Sorted(maps.Keys(db))
	entries := make([]entry, len(keys))
	for i, k := range keys {
		entries[i] = entry{key: []byte(k), value: db[k]}
	}
	return &Itr{entries: entries, pos: -1, decoder: d}
}

func (it *Itr) Valid() bool { return it.pos >= 0 && it.pos < len(it.entries) }

func (it *Itr) Next() { it.move(1) }

func (it *Itr) Prev() { it.move(-1) }

func (it *Itr) move(step int) {
	if !it.Valid() {
		return
	}
	if it.pos += step; !it.Valid() {
		it.pos = -1
	}
}

func (it *Itr) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.entries[it.pos].key
}

func (it *Itr) Value(v any) error {
	if !it.Valid() {
		return errors.New("iterator invalid")
	}
	return it.decoder(it.entries[it.pos].value, v)
}

func (it *Itr) Close() error { return nil }

func (it *Itr) first() { it.setPos(0) }

func (it *Itr) last() { it.setPos(len(it.entries) - 1) }

// seek positions the iterator to the first key >= "key".
func (it *Itr) seek(key []byte) {
	idx, _ := slices.BinarySearchFunc(it.entries, key, func(e entry, k []byte) int { return bytes.Compare(e.key, k) })
	it.setPos(idx)
}

func (it *Itr) setPos(pos int) {
	it.pos = -1
	if pos >= 0 && pos < len(it.entries) {
		it.pos = pos
	}
}

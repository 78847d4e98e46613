/*
Package smt implements a sparse Merkle tree with fixed length keys.

Subtrees containing a single leaf are collapsed into the leaf, so the depth of
the tree depends on the number of leaves rather than on the key length.
*/
package smt

import (
	"bytes"
	"errors"
	"fmt"
	"hash"
	"slices"
)

const bitsInByte = 8

var (
	ErrInvalidKeyLength = errors.New("invalid key length")
	ErrDuplicateKey     = errors.New("duplicate key")
	ErrKeyNotFound      = errors.New("key not found")
)

var (
	leafPrefix  = []byte{0}
	innerPrefix = []byte{1}
)

type (
	SMT struct {
		keyLength int
		hasher    hash.Hash
		root      *node
		zeroHash  []byte
	}

	Data interface {
		Key() []byte
		Value() []byte
	}

	node struct {
		left  *node
		right *node
		hash  []byte
		data  Data // present in leaf nodes
	}
)

// New creates a new sparse merkle tree. Keys of all the data items must be keyLength bytes.
func New(hasher hash.Hash, keyLength int, data []Data) (*SMT, error) {
	sorted := slices.Clone(data)
	for _, d := range sorted {
		if len(d.Key()) != keyLength {
			return nil, fmt.Errorf("%w: key %X, expected length %d", ErrInvalidKeyLength, d.Key(), keyLength)
		}
	}
	slices.SortFunc(sorted, func(a, b Data) int { return bytes.Compare(a.Key(), b.Key()) })
	for i := 1; i < len(sorted); i++ {
		if bytes.Equal(sorted[i-1].Key(), sorted[i].Key()) {
			return nil, fmt.Errorf("%w: %X", ErrDuplicateKey, sorted[i].Key())
		}
	}
	s := &SMT{
		keyLength: keyLength,
		hasher:    hasher,
		zeroHash:  make([]byte, hasher.Size()),
	}
	s.root = s.build(0, sorted)
	return s, nil
}

// GetRootHash returns the root hash of the tree, zero hash for an empty tree.
func (s *SMT) GetRootHash() []byte {
	return bytes.Clone(s.root.hash)
}

/*
GetAuthPath returns sibling hashes from the root down to the leaf holding the key.
*/
func (s *SMT) GetAuthPath(key []byte) ([][]byte, error) {
	if len(key) != s.keyLength {
		return nil, ErrInvalidKeyLength
	}
	var path [][]byte
	n := s.root
	for depth := 0; n.data == nil; depth++ {
		if n.left == nil && n.right == nil {
			return nil, ErrKeyNotFound
		}
		if IsBitSet(key, depth) {
			path = append(path, n.left.hash)
			n = n.right
		} else {
			path = append(path, n.right.hash)
			n = n.left
		}
	}
	if !bytes.Equal(n.data.Key(), key) {
		return nil, ErrKeyNotFound
	}
	return path, nil
}

// CalculatePathRoot computes the root hash from the leaf and its authentication path.
func CalculatePathRoot(hasher hash.Hash, key, value []byte, path [][]byte) []byte {
	h := leafHash(hasher, key, value)
	for depth := len(path) - 1; depth >= 0; depth-- {
		if IsBitSet(key, depth) {
			h = innerHash(hasher, path[depth], h)
		} else {
			h = innerHash(hasher, h, path[depth])
		}
	}
	return h
}

func (s *SMT) build(depth int, data []Data) *node {
	switch len(data) {
	case 0:
		return &node{hash: s.zeroHash}
	case 1:
		return &node{data: data[0], hash: leafHash(s.hasher, data[0].Key(), data[0].Value())}
	}
	// data is sorted so items with the bit unset come first
	split, _ := slices.BinarySearchFunc(data, true, func(d Data, _ bool) int {
		if IsBitSet(d.Key(), depth) {
			return 0
		}
		return -1
	})
	n := &node{
		left:  s.build(depth+1, data[:split]),
		right: s.build(depth+1, data[split:]),
	}
	n.hash = innerHash(s.hasher, n.left.hash, n.right.hash)
	return n
}

func leafHash(hasher hash.Hash, key, value []byte) []byte {
	hasher.Reset()
	hasher.Write(leafPrefix)
	hasher.Write(key)
	hasher.Write(value)
	h := hasher.Sum(nil)
	hasher.Reset()
	return h
}

func innerHash(hasher hash.Hash, left, right []byte) []byte {
	hasher.Reset()
	hasher.Write(innerPrefix)
	hasher.Write(left)
	hasher.Write(right)
	h := hasher.Sum(nil)
	hasher.Reset()
	return h
}

// IsBitSet returns true when the bit at bitPosition (MSB first) is set.
func IsBitSet(bytes []byte, bitPosition int) bool {
	byteIndex := bitPosition / bitsInByte
	bitIndexInByte := bitPosition % bitsInByte
	return bytes[byteIndex]&byte(1<<(7-bitIndexInByte)) != 0
}

// KeyValue is a simple Data implementation.
type KeyValue struct {
	K []byte
	V []byte
}

func (kv KeyValue) Key() []byte   { return kv.K }
func (kv KeyValue) Value() []byte { return kv.V }

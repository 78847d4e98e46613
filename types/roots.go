package types

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/corechain-org/corechain/tree/smt"
)

type leaf struct {
	key   []byte
	value []byte
}

func (l leaf) Key() []byte   { return l.key }
func (l leaf) Value() []byte { return l.value }

// TransactionRoot returns root hash of the tree of transaction IDs, value of a
// leaf is the position of the transaction in the block.
func TransactionRoot(txs []*Transaction) ([]byte, error) {
	data := make([]smt.Data, len(txs))
	for i, tx := range txs {
		id, err := tx.ID()
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		data[i] = leaf{key: id, value: binary.BigEndian.AppendUint32(nil, uint32(i))}
	}
	return rootHash(sha256.Size, data)
}

func AssetRoot(assets BlockAssets) ([]byte, error) {
	data := make([]smt.Data, len(assets))
	for i, a := range assets {
		data[i] = a
	}
	return rootHash(sha256.Size, data)
}

func EventRoot(events []*Event) ([]byte, error) {
	data := make([]smt.Data, len(events))
	for i, e := range events {
		data[i] = e
	}
	return rootHash(EventRootKeyLength, data)
}

func rootHash(keyLength int, data []smt.Data) ([]byte, error) {
	tree, err := smt.New(sha256.New(), keyLength, data)
	if err != nil {
		return nil, err
	}
	return tree.GetRootHash(), nil
}

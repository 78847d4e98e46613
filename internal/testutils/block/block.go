package testblock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corechain-org/corechain/types"
)

type Option func(*types.Block)

func WithTransactions(txs ...*types.Transaction) Option {
	return func(b *types.Block) {
		b.Transactions = append(b.Transactions, txs...)
	}
}

func WithTimestamp(ts uint64) Option {
	return func(b *types.Block) {
		b.Header.Timestamp = ts
	}
}

func WithGenerator(address []byte) Option {
	return func(b *types.Block) {
		b.Header.GeneratorAddress = address
	}
}

func WithAsset(module string, data []byte) Option {
	return func(b *types.Block) {
		b.Assets.SetAsset(module, data)
	}
}

// Genesis returns unsigned block at height 0 with roots of the content filled in.
func Genesis(t testing.TB, opts ...Option) *types.Block {
	t.Helper()
	b := &types.Block{
		Header: &types.BlockHeader{
			Version:          types.BlockVersion,
			PreviousBlockID:  make([]byte, 32),
			GeneratorAddress: make([]byte, 20),
			AggregateCommit:  &types.AggregateCommit{},
		},
	}
	return build(t, b, opts)
}

// Next returns unsigned child block of "parent", one second after the parent.
func Next(t testing.TB, parent *types.Block, opts ...Option) *types.Block {
	t.Helper()
	parentID, err := parent.ID()
	require.NoError(t, err)
	b := &types.Block{
		Header: &types.BlockHeader{
			Version:          types.BlockVersion,
			Height:           parent.Height() + 1,
			PreviousBlockID:  parentID,
			Timestamp:        parent.Header.Timestamp + 1,
			GeneratorAddress: parent.Header.GeneratorAddress,
			AggregateCommit:  &types.AggregateCommit{Height: parent.Header.AggregateCommit.Height},
		},
	}
	return build(t, b, opts)
}

// Chain returns "count" blocks following the genesis block, genesis is the first item.
func Chain(t testing.TB, count int) []*types.Block {
	t.Helper()
	blocks := []*types.Block{Genesis(t)}
	for i := 0; i < count; i++ {
		blocks = append(blocks, Next(t, blocks[i]))
	}
	return blocks
}

func build(t testing.TB, b *types.Block, opts []Option) *types.Block {
	for _, o := range opts {
		o(b)
	}
	require.NoError(t, b.SetRoots())
	return b
}

package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/chain"
	"github.com/corechain-org/corechain/types"
)

type (
	/*
		ChainAPI is the JSON-RPC service of the chain, register it with namespace
		"chain" (methods are then called as "chain_getBlock" etc).
	*/
	ChainAPI struct {
		chain      Chain
		txBuf      TxBuffer
		opts       *Options
		updMetrics func(ctx context.Context, method string, start time.Time, apiErr error)
	}

	TransactionAndHeight struct {
		Transaction *types.Transaction `json:"transaction"`
		Height      uint64             `json:"height,string"`
	}

	Options struct {
		maxGetBlocksBatchSize uint64
	}

	Option func(*Options)
)

const defaultMaxGetBlocksBatchSize = 100

// ErrTxSubmissionDisabled is returned when the node has no transaction buffer.
var ErrTxSubmissionDisabled = errors.New("transaction submission is disabled")

// WithMaxGetBlocksBatchSize sets the max number of blocks returned by a single GetBlocks call.
func WithMaxGetBlocksBatchSize(size uint64) Option {
	return func(o *Options) {
		o.maxGetBlocksBatchSize = size
	}
}

/*
NewChainAPI creates the JSON-RPC service of the chain. When "txBuf" is nil
SendTransaction fails with ErrTxSubmissionDisabled.
*/
func NewChainAPI(c Chain, txBuf TxBuffer, obs Observability, opts ...Option) *ChainAPI {
	o := &Options{maxGetBlocksBatchSize: defaultMaxGetBlocksBatchSize}
	for _, opt := range opts {
		opt(o)
	}
	return &ChainAPI{
		chain:      c,
		txBuf:      txBuf,
		opts:       o,
		updMetrics: metricsUpdater(obs.Meter(metricsScopeJRPCAPI), obs.Logger()),
	}
}

// GetHeight returns the height of the tip of the chain.
func (s *ChainAPI) GetHeight(ctx context.Context) (_ uint64, rErr error) {
	defer func(start time.Time) { s.updMetrics(ctx, "getHeight", start, rErr) }(time.Now())
	b := s.chain.LastBlock()
	if b == nil {
		return 0, chain.ErrEmptyChain
	}
	return b.Height(), nil
}

// GetFinalizedHeight returns the height up to which the blocks are final.
func (s *ChainAPI) GetFinalizedHeight(ctx context.Context) uint64 {
	defer func(start time.Time) { s.updMetrics(ctx, "getFinalizedHeight", start, nil) }(time.Now())
	return s.chain.FinalizedHeight()
}

// GetBlock returns the block at the given height, nil when there is no such block.
func (s *ChainAPI) GetBlock(ctx context.Context, height uint64) (_ *types.Block, rErr error) {
	defer func(start time.Time) { s.updMetrics(ctx, "getBlock", start, rErr) }(time.Now())
	b, err := s.chain.GetBlockByHeight(height)
	if err != nil {
		if errors.Is(err, chain.ErrBlockNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load block: %w", err)
	}
	return b, nil
}

/*
GetBlocks returns up to "count" blocks starting from height "from". The number
of blocks returned is limited by the max batch size option.
*/
func (s *ChainAPI) GetBlocks(ctx context.Context, from, count uint64) (_ []*types.Block, rErr error) {
	defer func(start time.Time) { s.updMetrics(ctx, "getBlocks", start, rErr) }(time.Now())
	if count == 0 {
		return nil, errors.New("block count must be greater than zero")
	}
	count = min(count, s.opts.maxGetBlocksBatchSize)
	tip := s.chain.LastBlock()
	if tip == nil {
		return nil, chain.ErrEmptyChain
	}
	var blocks []*types.Block
	for h := from; h <= tip.Height() && uint64(len(blocks)) < count; h++ {
		b, err := s.chain.GetBlockByHeight(h)
		if err != nil {
			return nil, fmt.Errorf("failed to load block %d: %w", h, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// GetEvents returns the events emitted by the block at the given height.
func (s *ChainAPI) GetEvents(ctx context.Context, height uint64) (_ []*types.Event, rErr error) {
	defer func(start time.Time) { s.updMetrics(ctx, "getEvents", start, rErr) }(time.Now())
	return s.chain.GetEvents(height)
}

// GetTransaction returns the transaction and the height of the block which includes it, nil when not found.
func (s *ChainAPI) GetTransaction(ctx context.Context, txID types.Bytes) (_ *TransactionAndHeight, rErr error) {
	defer func(start time.Time) { s.updMetrics(ctx, "getTransaction", start, rErr) }(time.Now())
	tx, height, err := s.chain.GetTransactionByID(txID)
	if err != nil {
		if errors.Is(err, chain.ErrTransactionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return &TransactionAndHeight{Transaction: tx, Height: height}, nil
}

// SendTransaction adds the CBOR encoded transaction into the transaction buffer, returns the transaction ID.
func (s *ChainAPI) SendTransaction(ctx context.Context, txBytes types.Bytes) (_ types.Bytes, rErr error) {
	defer func(start time.Time) { s.updMetrics(ctx, "sendTransaction", start, rErr) }(time.Now())
	if s.txBuf == nil {
		return nil, ErrTxSubmissionDisabled
	}
	tx := &types.Transaction{}
	if err := cbor.Unmarshal(txBytes, tx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	if err := tx.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	id, err := s.txBuf.Add(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to add transaction into the buffer: %w", err)
	}
	return id, nil
}

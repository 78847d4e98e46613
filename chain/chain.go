package chain

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/corechain-org/corechain/keyvaluedb"
	"github.com/corechain-org/corechain/logger"
	"github.com/corechain-org/corechain/state"
	"github.com/corechain-org/corechain/types"
)

var (
	ErrBlockNotFound       = errors.New("block not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrEmptyChain          = errors.New("chain is empty")
	ErrRemoveFinalized     = errors.New("can't remove finalized block")
)

const (
	prefixBlock     = 0x01
	prefixHeight    = 0x02
	prefixEvents    = 0x03
	prefixDiff      = 0x04
	prefixFinalized = 0x05
	prefixTxIndex   = 0x06
	prefixTip       = 0x07
	prefixState     = 0x10
)

type (
	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}

	/*
		Chain is the persistent storage of blocks, their events and the state
		diffs of unfinalized blocks. State of the state machine is stored in the
		same DB (see NewStateStore) so that block and state are committed in the
		same DB transaction.
	*/
	Chain struct {
		db  keyvaluedb.KeyValueDB
		log *slog.Logger

		mu        sync.RWMutex
		lastBlock *types.Block
		finalized uint64
	}

	// txLocation is the value of the transaction index.
	txLocation struct {
		_      struct{} `cbor:",toarray"`
		Height uint64
		Index  uint32
	}
)

func New(db keyvaluedb.KeyValueDB, observe Observability) (*Chain, error) {
	if db == nil {
		return nil, errors.New("chain database is nil")
	}
	c := &Chain{db: db, log: observe.Logger()}
	if err := c.load(); err != nil {
		return nil, fmt.Errorf("loading chain: %w", err)
	}
	if err := c.initMetrics(observe.Meter("chain")); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return c, nil
}

func (c *Chain) load() error {
	var tip uint64
	found, err := c.db.Read([]byte{prefixTip}, &tip)
	if err != nil {
		return fmt.Errorf("reading tip height: %w", err)
	}
	if !found {
		return nil
	}
	if c.lastBlock, err = c.blockByHeight(c.db, tip); err != nil {
		return fmt.Errorf("reading tip: %w", err)
	}
	if _, err := c.db.Read([]byte{prefixFinalized}, &c.finalized); err != nil {
		return fmt.Errorf("reading finalized height: %w", err)
	}
	c.log.Debug(fmt.Sprintf("loaded chain, tip %d, finalized %d", tip, c.finalized))
	return nil
}

func (c *Chain) initMetrics(m metric.Meter) error {
	_, err := m.Int64ObservableGauge("height",
		metric.WithDescription("Height of the last block in the chain."),
		metric.WithUnit("{block}"),
		metric.WithInt64Callback(func(ctx context.Context, io metric.Int64Observer) error {
			io.Observe(int64(c.LastBlock().Height())) // #nosec G115 height doesn't exceed int64
			return nil
		}))
	if err != nil {
		return fmt.Errorf("creating height gauge: %w", err)
	}
	_, err = m.Int64ObservableGauge("height.finalized",
		metric.WithDescription("Finalized height of the chain."),
		metric.WithUnit("{block}"),
		metric.WithInt64Callback(func(ctx context.Context, io metric.Int64Observer) error {
			io.Observe(int64(c.FinalizedHeight())) // #nosec G115 height doesn't exceed int64
			return nil
		}))
	if err != nil {
		return fmt.Errorf("creating finalized height gauge: %w", err)
	}
	return nil
}

// NewStateStore returns the root state store backed by the chain DB.
func (c *Chain) NewStateStore() *state.Store {
	return state.NewStore(c.db, []byte{prefixState})
}

/*
NewMemoryStateStore returns state store with the same key layout as the state
store of the chain but without backing database, ie state root calculated
over it matches the root calculated over the chain's state.
*/
func NewMemoryStateStore() *state.Store {
	return state.NewStore(nil, []byte{prefixState})
}

// LastBlock returns nil when the chain is empty.
func (c *Chain) LastBlock() *types.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastBlock
}

func (c *Chain) FinalizedHeight() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finalized
}

/*
SaveBlock commits the block, its events, the pending changes of the state
"store" and the finalized height in one DB transaction. Block must extend
the current tip. Finalized height never decreases, state diffs of the
finalized blocks are pruned as they can't be reverted anymore.
*/
func (c *Chain) SaveBlock(block *types.Block, events []*types.Event, store *state.Store, finalizedHeight uint64) (rErr error) {
	if block == nil || block.Header == nil {
		return types.ErrBlockHeaderIsNil
	}
	id, err := block.ID()
	if err != nil {
		return fmt.Errorf("block ID: %w", err)
	}
	height := block.Header.Height

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastBlock != nil {
		if height != c.lastBlock.Height()+1 {
			return fmt.Errorf("block %X height %d doesn't extend the tip %d", id, height, c.lastBlock.Height())
		}
		tipID, err := c.lastBlock.ID()
		if err != nil {
			return fmt.Errorf("tip ID: %w", err)
		}
		if !bytes.Equal(tipID, block.Header.PreviousBlockID) {
			return fmt.Errorf("block %X previous block ID %X doesn't match tip %X", id, block.Header.PreviousBlockID, tipID)
		}
	}
	finalizedHeight = min(max(finalizedHeight, c.finalized), height)
	prunable, err := c.diffsToPrune(finalizedHeight)
	if err != nil {
		return err
	}

	tx, err := c.db.StartTx()
	if err != nil {
		return fmt.Errorf("starting DB transaction: %w", err)
	}
	defer func() {
		if rErr != nil {
			rErr = errors.Join(rErr, tx.Rollback())
		}
	}()

	diff, err := store.Finalize(tx)
	if err != nil {
		return fmt.Errorf("finalizing state: %w", err)
	}
	if err := tx.Write(blockKey(id), block); err != nil {
		return fmt.Errorf("writing block: %w", err)
	}
	if err := tx.Write(heightKey(prefixHeight, height), types.Bytes(id)); err != nil {
		return fmt.Errorf("writing height index: %w", err)
	}
	if err := tx.Write(heightKey(prefixEvents, height), events); err != nil {
		return fmt.Errorf("writing events: %w", err)
	}
	if height > finalizedHeight {
		if err := tx.Write(heightKey(prefixDiff, height), diff); err != nil {
			return fmt.Errorf("writing state diff: %w", err)
		}
	}
	for i, trx := range block.Transactions {
		txID, err := trx.ID()
		if err != nil {
			return fmt.Errorf("transaction %d ID: %w", i, err)
		}
		if err := tx.Write(txIndexKey(txID), &txLocation{Height: height, Index: uint32(i)}); err != nil { // #nosec G115 tx count is bounded by block size
			return fmt.Errorf("writing transaction index: %w", err)
		}
	}
	for _, key := range prunable {
		if err := tx.Delete(key); err != nil {
			return fmt.Errorf("pruning state diff: %w", err)
		}
	}
	if err := tx.Write([]byte{prefixFinalized}, finalizedHeight); err != nil {
		return fmt.Errorf("writing finalized height: %w", err)
	}
	if err := tx.Write([]byte{prefixTip}, height); err != nil {
		return fmt.Errorf("writing tip height: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing block %X: %w", id, err)
	}

	c.lastBlock = block
	c.finalized = finalizedHeight
	return nil
}

// diffsToPrune returns keys of the stored state diffs at or below finalized height.
func (c *Chain) diffsToPrune(finalized uint64) ([][]byte, error) {
	keys, err := keyvaluedb.Keys(c.db, []byte{prefixDiff})
	if err != nil {
		return nil, fmt.Errorf("reading state diff keys: %w", err)
	}
	for i, key := range keys {
		if binary.BigEndian.Uint64(key[1:]) > finalized {
			return keys[:i], nil
		}
	}
	return keys, nil
}

/*
RemoveBlock deletes the last block and reverts its state changes, the parent
becomes the new tip. Returns the removed block and its events. Finalized
blocks can't be removed.
*/
func (c *Chain) RemoveBlock() (_ *types.Block, _ []*types.Event, rErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	block := c.lastBlock
	if block == nil {
		return nil, nil, ErrEmptyChain
	}
	height := block.Height()
	if height <= c.finalized {
		return nil, nil, fmt.Errorf("%w: height %d, finalized height %d", ErrRemoveFinalized, height, c.finalized)
	}
	id, err := block.ID()
	if err != nil {
		return nil, nil, fmt.Errorf("block ID: %w", err)
	}
	parent, err := c.blockByHeight(c.db, height-1)
	if err != nil {
		return nil, nil, fmt.Errorf("reading parent block: %w", err)
	}
	events, err := c.events(height)
	if err != nil {
		return nil, nil, err
	}

	tx, err := c.db.StartTx()
	if err != nil {
		return nil, nil, fmt.Errorf("starting DB transaction: %w", err)
	}
	defer func() {
		if rErr != nil {
			rErr = errors.Join(rErr, tx.Rollback())
		}
	}()

	diff := &state.Diff{}
	found, err := tx.Read(heightKey(prefixDiff, height), diff)
	if err != nil {
		return nil, nil, fmt.Errorf("reading state diff: %w", err)
	}
	if !found {
		return nil, nil, fmt.Errorf("state diff of height %d not found", height)
	}
	if err := state.RevertDiff(tx, diff); err != nil {
		return nil, nil, fmt.Errorf("reverting state diff: %w", err)
	}
	for _, trx := range block.Transactions {
		txID, err := trx.ID()
		if err != nil {
			return nil, nil, fmt.Errorf("transaction ID: %w", err)
		}
		if err := tx.Delete(txIndexKey(txID)); err != nil {
			return nil, nil, fmt.Errorf("deleting transaction index: %w", err)
		}
	}
	for _, key := range [][]byte{blockKey(id), heightKey(prefixHeight, height), heightKey(prefixEvents, height), heightKey(prefixDiff, height)} {
		if err := tx.Delete(key); err != nil {
			return nil, nil, fmt.Errorf("deleting key %X: %w", key, err)
		}
	}
	if err := tx.Write([]byte{prefixTip}, height-1); err != nil {
		return nil, nil, fmt.Errorf("writing tip height: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing removal of block %X: %w", id, err)
	}

	c.lastBlock = parent
	c.log.Debug(fmt.Sprintf("removed block %X", id), logger.Height(height))
	return block, events, nil
}

func (c *Chain) GetBlockByID(id []byte) (*types.Block, error) {
	b := &types.Block{}
	found, err := c.db.Read(blockKey(id), b)
	if err != nil {
		return nil, fmt.Errorf("reading block %X: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("block %X: %w", id, ErrBlockNotFound)
	}
	return b, nil
}

func (c *Chain) GetBlockByHeight(height uint64) (*types.Block, error) {
	return c.blockByHeight(c.db, height)
}

func (c *Chain) blockByHeight(db keyvaluedb.Reader, height uint64) (*types.Block, error) {
	var id types.Bytes
	found, err := db.Read(heightKey(prefixHeight, height), &id)
	if err != nil {
		return nil, fmt.Errorf("reading height index: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("block at height %d: %w", height, ErrBlockNotFound)
	}
	b := &types.Block{}
	if found, err = db.Read(blockKey(id), b); err != nil {
		return nil, fmt.Errorf("reading block %X: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("block %X at height %d: %w", id, height, ErrBlockNotFound)
	}
	return b, nil
}

// GetBlockHeadersByHeightBetween returns headers of the heights [from, to] in ascending order.
func (c *Chain) GetBlockHeadersByHeightBetween(from, to uint64) ([]*types.BlockHeader, error) {
	if from > to {
		return nil, fmt.Errorf("invalid height range [%d, %d]", from, to)
	}
	headers := make([]*types.BlockHeader, 0, min(to-from+1, 1024))
	for h := from; h <= to; h++ {
		b, err := c.blockByHeight(c.db, h)
		if err != nil {
			return nil, err
		}
		headers = append(headers, b.Header)
		if h == ^uint64(0) {
			break
		}
	}
	return headers, nil
}

/*
GetBlocksFromID returns up to "limit" blocks following the block "id" in
ascending height order.
*/
func (c *Chain) GetBlocksFromID(id []byte, limit int) ([]*types.Block, error) {
	from, err := c.GetBlockByID(id)
	if err != nil {
		return nil, err
	}
	tip := c.LastBlock().Height()
	var blocks []*types.Block
	for h := from.Height() + 1; h <= tip && len(blocks) < limit; h++ {
		b, err := c.blockByHeight(c.db, h)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

/*
GetHighestCommonBlockID returns the ID of the highest block of the local
chain among "ids", nil when none of the blocks is in the chain.
*/
func (c *Chain) GetHighestCommonBlockID(ids [][]byte) ([]byte, error) {
	var (
		best       []byte
		bestHeight uint64
	)
	for _, id := range ids {
		b, err := c.GetBlockByID(id)
		if err != nil {
			if errors.Is(err, ErrBlockNotFound) {
				continue
			}
			return nil, err
		}
		if best == nil || b.Height() > bestHeight {
			best, bestHeight = id, b.Height()
		}
	}
	return best, nil
}

func (c *Chain) GetEvents(height uint64) ([]*types.Event, error) {
	return c.events(height)
}

func (c *Chain) events(height uint64) ([]*types.Event, error) {
	var events []*types.Event
	found, err := c.db.Read(heightKey(prefixEvents, height), &events)
	if err != nil {
		return nil, fmt.Errorf("reading events of height %d: %w", height, err)
	}
	if !found {
		return nil, fmt.Errorf("events of height %d: %w", height, ErrBlockNotFound)
	}
	return events, nil
}

// GetTransactionByID returns the transaction and the height of the block it was included in.
func (c *Chain) GetTransactionByID(id []byte) (*types.Transaction, uint64, error) {
	loc := &txLocation{}
	found, err := c.db.Read(txIndexKey(id), loc)
	if err != nil {
		return nil, 0, fmt.Errorf("reading transaction index: %w", err)
	}
	if !found {
		return nil, 0, fmt.Errorf("transaction %X: %w", id, ErrTransactionNotFound)
	}
	b, err := c.blockByHeight(c.db, loc.Height)
	if err != nil {
		return nil, 0, err
	}
	if int(loc.Index) >= len(b.Transactions) {
		return nil, 0, fmt.Errorf("transaction index %d out of range in block at height %d", loc.Index, loc.Height)
	}
	return b.Transactions[loc.Index], loc.Height, nil
}

func blockKey(id []byte) []byte {
	return append([]byte{prefixBlock}, id...)
}

func heightKey(prefix byte, height uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefix}, height)
}

func txIndexKey(id []byte) []byte {
	return append([]byte{prefixTxIndex}, id...)
}

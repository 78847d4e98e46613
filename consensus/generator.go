package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corechain-org/corechain/bft"
	"github.com/corechain-org/corechain/consensus/event"
	"github.com/corechain-org/corechain/logger"
	"github.com/corechain-org/corechain/observability"
	"github.com/corechain-org/corechain/state"
	"github.com/corechain-org/corechain/statemachine"
	"github.com/corechain-org/corechain/types"
)

const (
	generateInterval = time.Second
	// batch size when searching the chain for the last block generated by the node
	generatedSearchBatch = 100
)

var errNotGenerator = errors.New("node is not the generator of the slot")

func (c *Consensus) generatorLoop(ctx context.Context) error {
	ticker := time.NewTicker(generateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b, err := c.generate(ctx)
			switch {
			case err == nil:
				c.log.InfoContext(ctx, fmt.Sprintf("generated block with %d transactions", len(b.Transactions)), logger.Height(b.Height()))
			case errors.Is(err, errNotGenerator), errors.Is(err, ErrBusy):
			default:
				c.log.WarnContext(ctx, "generating block", logger.Error(err))
			}
		}
	}
}

/*
generate creates, executes and broadcasts a block when the current slot
belongs to the node and there is no block in the slot yet.
*/
func (c *Consensus) generate(ctx context.Context) (_ *types.Block, rErr error) {
	if c.conf.generator == nil {
		return nil, errNotGenerator
	}
	if !c.status.CompareAndSwap(int32(StatusIdle), int32(StatusExecuting)) {
		return nil, ErrBusy
	}
	defer c.status.Store(int32(StatusIdle))

	now := c.now()
	tip := c.chain.LastBlock()
	if c.slots.SlotNumber(now) <= c.slots.SlotNumber(tip.Header.Timestamp) {
		return nil, errNotGenerator
	}
	generator, err := c.bftView.GetGeneratorAtTimestamp(tip.Height()+1, c.slots, now)
	if err != nil {
		return nil, fmt.Errorf("reading generator of the slot: %w", err)
	}
	if !bytes.Equal(generator.Address, c.conf.generator.address) {
		return nil, errNotGenerator
	}

	ctx, span := c.tracer.Start(ctx, "consensus.generate", trace.WithNewRoot(), trace.WithAttributes(observability.Height(tip.Height()+1)))
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
			c.sendEvent(ctx, event.Error, rErr)
		}
		span.End()
	}()

	block, err := c.buildBlock(ctx, tip, now)
	if err != nil {
		return nil, fmt.Errorf("building block: %w", err)
	}
	if err := c.executeBlock(ctx, block, now, true); err != nil {
		return nil, fmt.Errorf("executing generated block: %w", err)
	}
	height := block.Height()
	c.generatedHeight = &height
	c.sendEvent(ctx, event.BlockGenerated, block)
	return block, nil
}

/*
buildBlock assembles signed block on top of the tip. Transactions which don't
verify or which are invalid in the context of the block are dropped.
*/
func (c *Consensus) buildBlock(ctx context.Context, tip *types.Block, timestamp uint64) (*types.Block, error) {
	tipID, err := tip.ID()
	if err != nil {
		return nil, fmt.Errorf("tip block ID: %w", err)
	}
	heights, err := c.bftView.GetBFTHeights()
	if err != nil {
		return nil, fmt.Errorf("reading BFT heights: %w", err)
	}
	ac, err := c.commitPool.SelectAggregateCommit(ctx)
	if err != nil {
		return nil, fmt.Errorf("selecting aggregate commit: %w", err)
	}
	maxGenerated, err := c.maxHeightGenerated(tip.Height())
	if err != nil {
		return nil, err
	}
	block := &types.Block{
		Header: &types.BlockHeader{
			Version:            types.BlockVersion,
			Height:             tip.Height() + 1,
			PreviousBlockID:    tipID,
			Timestamp:          timestamp,
			GeneratorAddress:   c.conf.generator.address,
			MaxHeightGenerated: maxGenerated,
			MaxHeightPrevoted:  heights.MaxHeightPrevoted,
			AggregateCommit:    ac,
		},
		Assets: types.BlockAssets{},
	}

	store := c.chain.NewStateStore()
	contextStore := map[string]any{}
	params := statemachine.BlockContextParams{
		Logger:       c.log,
		ChainID:      c.chainID,
		Header:       block.Header,
		Assets:       block.Assets,
		Store:        store,
		EventQueue:   state.NewEventQueue(block.Height()),
		ContextStore: contextStore,
	}
	if err := c.sm.BeforeExecuteBlock(statemachine.NewBlockContext(params)); err != nil {
		return nil, fmt.Errorf("before transactions execute: %w", err)
	}
	block.Transactions = c.selectTransactions(ctx, statemachine.NewBlockContext(params))

	params.Transactions = block.Transactions
	if err := c.sm.AfterExecuteBlock(statemachine.NewBlockContext(params)); err != nil {
		return nil, fmt.Errorf("after transactions execute: %w", err)
	}
	if err := c.setRoots(block, store, params.EventQueue.GetEvents()); err != nil {
		return nil, err
	}
	if err := block.Header.Sign(c.conf.generator.signer, c.chainID); err != nil {
		return nil, fmt.Errorf("signing block: %w", err)
	}
	return block, nil
}

// selectTransactions executes transactions from the buffer, the ones which can be included are returned.
func (c *Consensus) selectTransactions(ctx context.Context, bctx *statemachine.BlockContext) []*types.Transaction {
	if c.conf.txBuffer == nil || c.conf.maxTransactions == 0 {
		return nil
	}
	var selected []*types.Transaction
	for _, tx := range c.conf.txBuffer.RemoveUpTo(ctx, c.conf.maxTransactions) {
		txCtx := bctx.CreateTransactionContext(tx)
		if vr := c.sm.VerifyTransaction(txCtx); vr.Status != statemachine.VerifyOK {
			c.log.DebugContext(ctx, fmt.Sprintf("dropping transaction, verification result %s", vr.Status), logger.Error(vr.Err), logger.Data(tx))
			continue
		}
		res, err := c.sm.ExecuteTransaction(txCtx)
		if err != nil || res == statemachine.TxResultInvalid {
			c.log.DebugContext(ctx, "dropping invalid transaction", logger.Error(err), logger.Data(tx))
			continue
		}
		selected = append(selected, tx)
	}
	return selected
}

func (c *Consensus) setRoots(block *types.Block, store *state.Store, events []*types.Event) (err error) {
	if err = block.SetRoots(); err != nil {
		return fmt.Errorf("calculating content roots: %w", err)
	}
	h := block.Header
	if h.EventRoot, err = types.EventRoot(events); err != nil {
		return fmt.Errorf("calculating event root: %w", err)
	}
	if h.StateRoot, err = store.CalculateRoot(); err != nil {
		return fmt.Errorf("calculating state root: %w", err)
	}
	params, err := c.bftMethod.GetBFTParameters(bft.ModuleStore(store), h.Height+1)
	if err != nil {
		return fmt.Errorf("reading BFT parameters of the next height: %w", err)
	}
	h.ValidatorsHash = params.ValidatorsHash
	return nil
}

/*
maxHeightGenerated returns the height of the last block in the chain
generated by the node, searching down from "tip" when not known yet. Genesis
height is returned when the node hasn't generated any block.
*/
func (c *Consensus) maxHeightGenerated(tip uint64) (uint64, error) {
	if c.generatedHeight != nil {
		return *c.generatedHeight, nil
	}
	genesis := c.genesis.Height()
	for to := tip; to > genesis; {
		from := max(genesis+1, to-min(to, generatedSearchBatch-1))
		headers, err := c.chain.GetBlockHeadersByHeightBetween(from, to)
		if err != nil {
			return 0, fmt.Errorf("reading block headers: %w", err)
		}
		for i := len(headers) - 1; i >= 0; i-- {
			if bytes.Equal(headers[i].GeneratorAddress, c.conf.generator.address) {
				height := headers[i].Height
				c.generatedHeight = &height
				return height, nil
			}
		}
		to = from - 1
	}
	c.generatedHeight = &genesis
	return genesis, nil
}

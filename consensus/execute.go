package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corechain-org/corechain/bft"
	"github.com/corechain-org/corechain/consensus/commitpool"
	"github.com/corechain-org/corechain/consensus/event"
	"github.com/corechain-org/corechain/logger"
	"github.com/corechain-org/corechain/observability"
	"github.com/corechain-org/corechain/state"
	"github.com/corechain-org/corechain/statemachine"
	"github.com/corechain-org/corechain/types"
)

// verifyAndExecute verifies the block against the tip and executes it.
func (c *Consensus) verifyAndExecute(ctx context.Context, block *types.Block, receivedAt uint64, broadcast bool) error {
	c.status.Store(int32(StatusValidating))
	if err := c.verifyBlock(ctx, block); err != nil {
		return err
	}
	c.status.Store(int32(StatusExecuting))
	return c.executeBlock(ctx, block, receivedAt, broadcast)
}

/*
verifyBlock checks the block in the context of the current tip. Block must be
statically valid.
*/
func (c *Consensus) verifyBlock(ctx context.Context, block *types.Block) error {
	invalid := func(format string, a ...any) error {
		return &InvalidBlockError{BlockID: blockID(block), Err: fmt.Errorf(format, a...)}
	}
	h := block.Header
	tip := c.chain.LastBlock()
	tipID, err := tip.ID()
	if err != nil {
		return fmt.Errorf("tip block ID: %w", err)
	}

	if slot, current := c.slots.SlotNumber(h.Timestamp), c.slots.SlotNumber(c.now()); slot > current {
		return invalid("timestamp %d is in a future slot %d, current slot is %d", h.Timestamp, slot, current)
	}
	if slot, prev := c.slots.SlotNumber(h.Timestamp), c.slots.SlotNumber(tip.Header.Timestamp); slot <= prev {
		return invalid("timestamp %d is in slot %d, expected slot after the previous block's slot %d", h.Timestamp, slot, prev)
	}
	if h.Height != tip.Height()+1 {
		return invalid("invalid height %d, expected %d", h.Height, tip.Height()+1)
	}
	if !bytes.Equal(h.PreviousBlockID, tipID) {
		return invalid("invalid previous block ID %X, expected %X", h.PreviousBlockID, tipID)
	}

	generator, err := c.bftView.GetGeneratorAtTimestamp(h.Height, c.slots, h.Timestamp)
	if err != nil {
		return fmt.Errorf("reading generator of the slot: %w", err)
	}
	if !bytes.Equal(h.GeneratorAddress, generator.Address) {
		return invalid("invalid generator %X, expected %X", h.GeneratorAddress, generator.Address)
	}

	heights, err := c.bftView.GetBFTHeights()
	if err != nil {
		return fmt.Errorf("reading BFT heights: %w", err)
	}
	if h.MaxHeightPrevoted != heights.MaxHeightPrevoted {
		return invalid("invalid maxHeightPrevoted %d, expected %d", h.MaxHeightPrevoted, heights.MaxHeightPrevoted)
	}
	contradicting, err := c.bftView.IsHeaderContradictingChain(h)
	if err != nil {
		return fmt.Errorf("checking contradicting headers: %w", err)
	}
	if contradicting {
		return invalid("header contradicts the chain (maxHeightGenerated %d)", h.MaxHeightGenerated)
	}

	if err := h.VerifySignature(generator.GeneratorKey, c.chainID); err != nil {
		return invalid("invalid signature: %w", err)
	}
	if err := c.commitPool.VerifyAggregateCommit(ctx, h.AggregateCommit); err != nil {
		return invalid("invalid aggregate commit: %w", err)
	}
	return nil
}

/*
executeBlock executes the (verified) block on top of the tip, checks the
execution result against the header and stores the block.
*/
func (c *Consensus) executeBlock(ctx context.Context, block *types.Block, receivedAt uint64, broadcast bool) (rErr error) {
	ctx, span := c.tracer.Start(ctx, "consensus.executeBlock", trace.WithAttributes(observability.Height(block.Height())))
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
		}
		span.End()
	}()

	prevHeights, err := c.bftView.GetBFTHeights()
	if err != nil {
		return fmt.Errorf("reading BFT heights: %w", err)
	}

	store := c.chain.NewStateStore()
	bctx := c.newBlockContext(block, store)
	if err := c.sm.VerifyAssets(bctx); err != nil {
		return &InvalidBlockError{BlockID: blockID(block), Err: fmt.Errorf("verifying assets: %w", err)}
	}
	if err := c.sm.ExecuteBlock(bctx); err != nil {
		return &InvalidBlockError{BlockID: blockID(block), Err: err}
	}
	events := bctx.EventQueue().GetEvents()
	if err := c.verifyResult(block, store, events); err != nil {
		return err
	}

	heights, err := c.bftMethod.GetBFTHeights(bft.ModuleStore(store))
	if err != nil {
		return fmt.Errorf("reading BFT heights: %w", err)
	}
	if err := c.chain.SaveBlock(block, events, store, heights.MaxHeightPrecommitted); err != nil {
		return fmt.Errorf("saving block: %w", err)
	}
	c.tipReceivedAt = receivedAt
	c.txInBlocks.Add(ctx, int64(len(block.Transactions)))
	c.log.DebugContext(ctx, fmt.Sprintf("executed block with %d transactions, finalized height %d", len(block.Transactions), c.chain.FinalizedHeight()), logger.Height(block.Height()), logger.BlockID(blockID(block)))
	c.sendEvent(ctx, event.BlockExecuted, block)

	if broadcast {
		if err := c.network.BroadcastBlock(ctx, block); err != nil {
			c.log.WarnContext(ctx, "broadcasting block", logger.Error(err), logger.Height(block.Height()))
		}
	}
	if err := c.certify(ctx, prevHeights.MaxHeightPrecommitted, heights.MaxHeightPrecommitted); err != nil {
		c.log.WarnContext(ctx, "certifying blocks", logger.Error(err), logger.Height(block.Height()))
	}
	return nil
}

func (c *Consensus) newBlockContext(block *types.Block, store *state.Store) *statemachine.BlockContext {
	return statemachine.NewBlockContext(statemachine.BlockContextParams{
		Logger:       c.log,
		ChainID:      c.chainID,
		Header:       block.Header,
		Assets:       block.Assets,
		Transactions: block.Transactions,
		Store:        store,
		EventQueue:   state.NewEventQueue(block.Height()),
	})
}

// verifyResult compares the roots of the execution result with the roots in the header.
func (c *Consensus) verifyResult(block *types.Block, store *state.Store, events []*types.Event) error {
	h := block.Header
	eventRoot, err := types.EventRoot(events)
	if err != nil {
		return fmt.Errorf("calculating event root: %w", err)
	}
	if !bytes.Equal(eventRoot, h.EventRoot) {
		return &InvalidBlockError{BlockID: blockID(block), Err: fmt.Errorf("invalid event root %X, expected %X", h.EventRoot, eventRoot)}
	}
	stateRoot, err := store.CalculateRoot()
	if err != nil {
		return fmt.Errorf("calculating state root: %w", err)
	}
	if !bytes.Equal(stateRoot, h.StateRoot) {
		return &InvalidBlockError{BlockID: blockID(block), Err: fmt.Errorf("invalid state root %X, expected %X", h.StateRoot, stateRoot)}
	}
	params, err := c.bftMethod.GetBFTParameters(bft.ModuleStore(store), h.Height+1)
	if err != nil {
		return fmt.Errorf("reading BFT parameters of the next height: %w", err)
	}
	if !bytes.Equal(params.ValidatorsHash, h.ValidatorsHash) {
		return &InvalidBlockError{BlockID: blockID(block), Err: fmt.Errorf("invalid validators hash %X, expected %X", h.ValidatorsHash, params.ValidatorsHash)}
	}
	return nil
}

// revertBlock deletes the tip of the chain.
func (c *Consensus) revertBlock(ctx context.Context) (*types.Block, error) {
	block, _, err := c.chain.RemoveBlock()
	if err != nil {
		return nil, err
	}
	c.tipReceivedAt = c.chain.LastBlock().Header.Timestamp
	c.generatedHeight = nil
	c.log.DebugContext(ctx, "reverted block", logger.Height(block.Height()), logger.BlockID(blockID(block)))
	c.sendEvent(ctx, event.BlockReverted, block)
	return block, nil
}

/*
certify creates single commits for the heights which got precommitted by the
last block, for the heights where this node is an active validator.
*/
func (c *Consensus) certify(ctx context.Context, from, to uint64) error {
	if c.conf.generator == nil {
		return nil
	}
	var errs []error
	for height := max(from+1, c.genesis.Height()+1); height <= to; height++ {
		params, err := c.bftView.GetBFTParameters(height)
		if err != nil {
			errs = append(errs, fmt.Errorf("reading BFT parameters of height %d: %w", height, err))
			continue
		}
		if v, _ := params.Validator(c.conf.generator.address); v == nil {
			continue
		}
		b, err := c.chain.GetBlockByHeight(height)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.CertifySingleCommit(ctx, b.Header); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CertifySingleCommit signs the header with the node's BLS key and adds the commit to the pool.
func (c *Consensus) CertifySingleCommit(ctx context.Context, header *types.BlockHeader) error {
	if c.conf.generator == nil {
		return errors.New("node is not a validator")
	}
	commit, err := commitpool.NewSingleCommit(c.chainID, header, c.conf.generator.address, c.conf.generator.blsKey)
	if err != nil {
		return fmt.Errorf("creating commit for height %d: %w", header.Height, err)
	}
	if err := c.commitPool.AddCommit(ctx, commit, true); err != nil {
		return fmt.Errorf("adding commit for height %d: %w", header.Height, err)
	}
	return nil
}

/*
blockExecutor executes the blocks of the synchronizer, the blocks are not
broadcast. The status stays StatusSyncing so that a block on a preferred
chain can cancel the synchronization at any point.
*/
type blockExecutor struct {
	c *Consensus
}

func (e *blockExecutor) ExecuteBlock(ctx context.Context, block *types.Block) error {
	if err := block.IsValid(); err != nil {
		return &InvalidBlockError{BlockID: blockID(block), Err: err}
	}
	if err := e.c.verifyBlock(ctx, block); err != nil {
		return err
	}
	return e.c.executeBlock(ctx, block, e.c.now(), false)
}

func (e *blockExecutor) RevertBlock(ctx context.Context) (*types.Block, error) {
	return e.c.revertBlock(ctx)
}

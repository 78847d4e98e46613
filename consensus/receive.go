package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/consensus/event"
	"github.com/corechain-org/corechain/consensus/forkchoice"
	"github.com/corechain-org/corechain/consensus/synchronizer"
	"github.com/corechain-org/corechain/logger"
	"github.com/corechain-org/corechain/observability"
	"github.com/corechain-org/corechain/types"
	"github.com/corechain-org/corechain/util"
)

/*
OnBlockReceive processes block (CBOR encoded) received from the peer. Only
one block is processed at a time, when the consensus is busy ErrBusy is
returned. When the consensus is synchronizing and the received block is on
a chain with higher maxHeightPrevoted the synchronization is cancelled.
*/
func (c *Consensus) OnBlockReceive(ctx context.Context, data []byte, peerID peer.ID) (rErr error) {
	receivedAt := c.now()
	if !c.status.CompareAndSwap(int32(StatusIdle), int32(StatusValidating)) {
		c.onBusy(ctx, data)
		return ErrBusy
	}
	defer c.status.Store(int32(StatusIdle))

	ctx, span := c.tracer.Start(ctx, "consensus.OnBlockReceive", trace.WithNewRoot(), trace.WithAttributes(observability.PeerID("peer", peerID)), trace.WithSpanKind(trace.SpanKindServer))
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
			c.sendEvent(ctx, event.Error, rErr)
		}
		span.End()
	}()

	block := &types.Block{}
	if err := cbor.Unmarshal(data, block); err != nil {
		c.network.ApplyPenalty(peerID, penaltyBan)
		return fmt.Errorf("decoding block received from %s: %w", peerID, err)
	}
	if err := block.IsValid(); err != nil {
		c.network.ApplyPenalty(peerID, penaltyBan)
		return fmt.Errorf("invalid block received from %s: %w", peerID, err)
	}
	span.SetAttributes(observability.Height(block.Height()))
	return c.handleBlock(ctx, block, peerID, receivedAt)
}

// onBusy cancels the running synchronization when the block is on a preferred chain.
func (c *Consensus) onBusy(ctx context.Context, data []byte) {
	if c.Status() != StatusSyncing {
		return
	}
	block := &types.Block{}
	if err := cbor.Unmarshal(data, block); err != nil || block.Header == nil {
		return
	}
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if c.syncBlock != nil && block.Header.MaxHeightPrevoted > c.syncBlock.MaxHeightPrevoted {
		c.log.InfoContext(ctx, fmt.Sprintf("cancelling synchronization, received block with maxHeightPrevoted %d > %d", block.Header.MaxHeightPrevoted, c.syncBlock.MaxHeightPrevoted))
		c.syncCancel()
	}
}

func (c *Consensus) handleBlock(ctx context.Context, block *types.Block, peerID peer.ID, receivedAt uint64) (rErr error) {
	tip := c.chain.LastBlock()
	status := forkchoice.Classify(forkchoice.Input{
		Tip:                tip.Header,
		TipReceivedAt:      c.tipReceivedAt,
		Incoming:           block.Header,
		IncomingReceivedAt: receivedAt,
		FinalizedHeight:    c.chain.FinalizedHeight(),
		Slots:              c.slots,
	})
	c.forkCnt.Add(ctx, 1, metric.WithAttributes(attribute.String("fork", status.String())))
	defer func(start time.Time) { c.recordBlock(ctx, status, start, rErr) }(time.Now())
	c.log.DebugContext(ctx, fmt.Sprintf("received block, fork status %s", status), logger.Height(block.Height()), logger.Peer(peerID))

	switch status {
	case forkchoice.IdenticalBlock, forkchoice.Discard:
		return nil
	case forkchoice.DoubleForging:
		c.sendForkEvent(ctx, status, tip, block)
		return nil
	case forkchoice.DifferentChain:
		c.sendForkEvent(ctx, status, tip, block)
		return c.synchronize(ctx, block, peerID)
	case forkchoice.TieBreak:
		return c.tieBreak(ctx, tip, block, peerID, receivedAt)
	case forkchoice.ValidBlock:
		if err := c.verifyAndExecute(ctx, block, receivedAt, true); err != nil {
			return c.penalizeInvalid(peerID, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownForkStatus, status)
	}
}

/*
tieBreak replaces the tip with the sibling block. When the sibling turns out
to be invalid the previous tip is executed again.
*/
func (c *Consensus) tieBreak(ctx context.Context, tip, block *types.Block, peerID peer.ID, receivedAt uint64) error {
	c.sendForkEvent(ctx, forkchoice.TieBreak, tip, block)
	c.sendForkEvent(ctx, forkchoice.TieBreak, block, tip)
	if err := block.IsValid(); err != nil {
		return c.penalizeInvalid(peerID, &InvalidBlockError{BlockID: blockID(block), Err: err})
	}

	prevReceivedAt := c.tipReceivedAt
	if _, err := c.revertBlock(ctx); err != nil {
		return fmt.Errorf("tie break, deleting the tip: %w", err)
	}
	err := c.verifyAndExecute(ctx, block, receivedAt, true)
	if err == nil {
		return nil
	}
	c.log.WarnContext(ctx, "tie break block is invalid, restoring the previous tip", logger.Error(err), logger.Height(tip.Height()))
	if rErr := c.verifyAndExecute(ctx, tip, prevReceivedAt, false); rErr != nil {
		return fmt.Errorf("restoring the previous tip after failed tie break (%w): %w", err, rErr)
	}
	return c.penalizeInvalid(peerID, err)
}

/*
synchronize runs the synchronizer with the peer. When the peer misbehaves (or
the sync fails otherwise) synchronization is retried once with another peer.
*/
func (c *Consensus) synchronize(ctx context.Context, block *types.Block, peerID peer.ID) error {
	c.status.Store(int32(StatusSyncing))
	syncCtx, cancel := context.WithCancel(ctx)
	c.syncMu.Lock()
	c.syncBlock, c.syncCancel = block.Header, cancel
	c.syncMu.Unlock()
	defer func() {
		c.syncMu.Lock()
		c.syncBlock, c.syncCancel = nil, nil
		c.syncMu.Unlock()
		cancel()
	}()

	c.sendEvent(ctx, event.SyncStarted, block.Height())
	var err error
	for attempt := range 2 {
		if err = c.synchronizer.Run(syncCtx, block, peerID); err == nil {
			c.log.InfoContext(ctx, "synchronized", logger.Height(c.chain.LastBlock().Height()), logger.Peer(peerID))
			c.sendEvent(ctx, event.SyncFinished, c.chain.LastBlock().Height())
			return nil
		}

		var penaltyErr *synchronizer.ApplyPenaltyAndRestartError
		var restartErr *synchronizer.RestartError
		var abortErr *synchronizer.AbortError
		switch {
		case errors.As(err, &penaltyErr):
			c.log.WarnContext(ctx, "synchronization failed, penalizing peer", logger.Error(err), logger.Peer(penaltyErr.PeerID))
			c.network.ApplyPenalty(penaltyErr.PeerID, penaltyBan)
			next, ok := c.otherPeer(penaltyErr.PeerID)
			if !ok {
				return fmt.Errorf("no peer to restart synchronization with: %w", err)
			}
			peerID = next
		case errors.As(err, &restartErr):
			c.log.InfoContext(ctx, fmt.Sprintf("restarting synchronization (attempt %d)", attempt+1), logger.Error(err), logger.Peer(peerID))
		case errors.As(err, &abortErr):
			c.log.InfoContext(ctx, "synchronization aborted", logger.Error(err), logger.Peer(peerID))
			c.sendEvent(ctx, event.SyncFinished, c.chain.LastBlock().Height())
			return nil
		default:
			return fmt.Errorf("synchronizing with %s: %w", peerID, err)
		}
	}
	c.sendEvent(ctx, event.SyncFinished, c.chain.LastBlock().Height())
	return fmt.Errorf("synchronization failed: %w", err)
}

// otherPeer returns random connected peer other than "exclude".
func (c *Consensus) otherPeer(exclude peer.ID) (peer.ID, bool) {
	for _, id := range util.ShuffleSliceCopy(c.network.ConnectedPeers()) {
		if id != exclude {
			return id, true
		}
	}
	return "", false
}

// penalizeInvalid applies the penalty when the error is caused by the content of the block.
func (c *Consensus) penalizeInvalid(peerID peer.ID, err error) error {
	if ibe := (*InvalidBlockError)(nil); errors.As(err, &ibe) && peerID != "" {
		c.network.ApplyPenalty(peerID, penaltyBan)
	}
	return err
}

func (c *Consensus) sendForkEvent(ctx context.Context, status forkchoice.Status, tip, block *types.Block) {
	c.sendEvent(ctx, event.ForkDetected, &event.Fork{
		Status: status.String(),
		Tip:    blockID(tip),
		Block:  blockID(block),
		Height: block.Height(),
	})
}

func blockID(b *types.Block) []byte {
	id, _ := b.ID()
	return id
}

package synchronizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/corechain-org/corechain/logger"
	"github.com/corechain-org/corechain/observability"
	"github.com/corechain-org/corechain/types"
)

const (
	defaultMaxSearchDepth = 1000
	defaultIDsPerRequest  = 10
)

type (
	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}

	Chain interface {
		LastBlock() *types.Block
		FinalizedHeight() uint64
		GetBlockByID(id []byte) (*types.Block, error)
		GetBlockHeadersByHeightBetween(from, to uint64) ([]*types.BlockHeader, error)
	}

	// Network is the request/response API of the peers.
	Network interface {
		GetLastBlock(ctx context.Context, peerID peer.ID) (*types.Block, error)
		// GetHighestCommonBlock returns the highest of the "ids" the peer has in its chain, nil when none.
		GetHighestCommonBlock(ctx context.Context, peerID peer.ID, ids [][]byte) ([]byte, error)
		// GetBlocksFromID returns a batch of blocks following the block "id" in the peer's chain.
		GetBlocksFromID(ctx context.Context, peerID peer.ID, id []byte) ([]*types.Block, error)
	}

	/*
		BlockExecutor modifies the local chain on behalf of the synchronizer.
		ExecuteBlock must validate and execute the block without broadcasting it,
		RevertBlock deletes the tip of the chain.
	*/
	BlockExecutor interface {
		ExecuteBlock(ctx context.Context, block *types.Block) error
		RevertBlock(ctx context.Context) (*types.Block, error)
	}

	/*
		Synchronizer switches the local chain to the chain of a peer when the peer
		is on a different, preferred, chain.
	*/
	Synchronizer struct {
		chain    Chain
		executor BlockExecutor
		network  Network
		log      *slog.Logger
		tracer   trace.Tracer

		maxSearchDepth uint64
		idsPerRequest  uint64

		syncCnt metric.Int64Counter
		syncDur metric.Float64Histogram
	}

	Option func(*Synchronizer)
)

// WithMaxSearchDepth sets how many blocks below the tip are searched for the common block.
func WithMaxSearchDepth(depth uint64) Option {
	return func(s *Synchronizer) {
		s.maxSearchDepth = depth
	}
}

// WithIDsPerRequest sets how many block IDs are sent to the peer in one common block request.
func WithIDsPerRequest(count uint64) Option {
	return func(s *Synchronizer) {
		s.idsPerRequest = count
	}
}

func New(chain Chain, executor BlockExecutor, network Network, observe Observability, opts ...Option) (*Synchronizer, error) {
	switch {
	case chain == nil:
		return nil, errors.New("chain is nil")
	case executor == nil:
		return nil, errors.New("block executor is nil")
	case network == nil:
		return nil, errors.New("network is nil")
	}
	s := &Synchronizer{
		chain:          chain,
		executor:       executor,
		network:        network,
		log:            observe.Logger(),
		tracer:         observe.Tracer("synchronizer"),
		maxSearchDepth: defaultMaxSearchDepth,
		idsPerRequest:  defaultIDsPerRequest,
	}
	for _, o := range opts {
		o(s)
	}
	if s.idsPerRequest == 0 {
		return nil, errors.New("IDs per request must be greater than zero")
	}
	if err := s.initMetrics(observe.Meter("synchronizer")); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return s, nil
}

func (s *Synchronizer) initMetrics(m metric.Meter) (err error) {
	s.syncCnt, err = m.Int64Counter("count", metric.WithDescription("Number of synchronizations, status attribute is the outcome"))
	if err != nil {
		return fmt.Errorf("creating sync counter: %w", err)
	}
	s.syncDur, err = m.Float64Histogram("duration",
		metric.WithDescription("How long the synchronization took"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.4, 0.8, 1.6, 3.2, 6.4, 12.8, 25.6))
	if err != nil {
		return fmt.Errorf("creating sync duration histogram: %w", err)
	}
	return nil
}

/*
Run synchronizes the local chain with the chain of the peer "peerID" which
sent the "block". The local blocks above the common block are reverted and the
blocks of the peer are executed instead. If the peer's chain turns out to be
invalid (or not preferred over the original chain) the original chain is
restored.

Returned *ApplyPenaltyAndRestartError, *RestartError and *AbortError mean the
local chain is in its original state (or extended with the peer's chain when
the error is nil), any other error means the chain couldn't be restored.
*/
func (s *Synchronizer) Run(ctx context.Context, block *types.Block, peerID peer.ID) (rErr error) {
	syncID := uuid.New()
	ctx, span := s.tracer.Start(ctx, "Synchronizer.Run", trace.WithAttributes(
		attribute.String("sync_id", syncID.String()),
		observability.PeerID("peer", peerID),
		observability.Height(block.Height())))
	defer func(start time.Time) {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
		}
		s.syncCnt.Add(ctx, 1, metric.WithAttributes(observability.ErrStatus(rErr)))
		s.syncDur.Record(ctx, time.Since(start).Seconds())
		span.End()
	}(time.Now())

	log := s.log.With(slog.String("sync_id", syncID.String()), logger.Peer(peerID))
	log.InfoContext(ctx, "starting synchronization", logger.Height(block.Height()))

	target, err := s.network.GetLastBlock(ctx, peerID)
	if err != nil {
		return s.requestError(ctx, peerID, "requesting last block", err)
	}
	if target == nil || target.Header == nil {
		return &ApplyPenaltyAndRestartError{PeerID: peerID, Reason: "peer returned no last block"}
	}
	if err := target.IsValid(); err != nil {
		return &ApplyPenaltyAndRestartError{PeerID: peerID, Reason: fmt.Sprintf("invalid last block: %v", err)}
	}

	common, err := s.findCommonBlock(ctx, peerID)
	if err != nil {
		return err
	}
	if finalized := s.chain.FinalizedHeight(); common.Height() < finalized {
		return &ApplyPenaltyAndRestartError{
			PeerID: peerID,
			Reason: fmt.Sprintf("common block height %d is below the finalized height %d", common.Height(), finalized),
		}
	}
	log.DebugContext(ctx, "found common block", logger.Height(common.Height()))

	blocks, err := s.fetchBlocks(ctx, peerID, common)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return &ApplyPenaltyAndRestartError{PeerID: peerID, Reason: "peer didn't return any block"}
	}

	origTip := s.chain.LastBlock()
	reverted, err := s.revertTo(ctx, common.Height())
	if err != nil {
		if rErr := s.restore(ctx, common.Height(), reverted); rErr != nil {
			return fmt.Errorf("reverting to the common block: %w", errors.Join(err, rErr))
		}
		return &RestartError{Reason: fmt.Sprintf("reverting to the common block: %v", err)}
	}
	log.DebugContext(ctx, fmt.Sprintf("reverted %d blocks", len(reverted)))

	fail := func(err error) error {
		if rErr := s.restore(ctx, common.Height(), reverted); rErr != nil {
			return fmt.Errorf("restoring the original chain after %q: %w", err.Error(), rErr)
		}
		return err
	}

	for len(blocks) > 0 {
		for _, b := range blocks {
			if err := ctx.Err(); err != nil {
				return fail(&AbortError{Reason: err.Error()})
			}
			if err := s.executor.ExecuteBlock(ctx, b); err != nil {
				id, _ := b.ID()
				return fail(&ApplyPenaltyAndRestartError{
					PeerID: peerID,
					Reason: fmt.Sprintf("executing block %X at height %d: %v", id, b.Height(), err),
				})
			}
		}
		last := blocks[len(blocks)-1]
		if last.Height() >= target.Height() {
			break
		}
		if blocks, err = s.fetchBlocks(ctx, peerID, last); err != nil {
			return fail(err)
		}
	}

	newTip := s.chain.LastBlock()
	if !isPreferred(newTip.Header, origTip.Header) {
		return fail(&ApplyPenaltyAndRestartError{
			PeerID: peerID,
			Reason: fmt.Sprintf("new tip at height %d (prevoted %d) is not preferred over the previous tip at height %d (prevoted %d)",
				newTip.Height(), newTip.Header.MaxHeightPrevoted, origTip.Height(), origTip.Header.MaxHeightPrevoted),
		})
	}
	log.InfoContext(ctx, fmt.Sprintf("synchronized from height %d to %d, common block at height %d", origTip.Height(), newTip.Height(), common.Height()))
	return nil
}

/*
findCommonBlock sends IDs of the local blocks to the peer in descending height
order until the peer reports a block it has or the search depth is exhausted.
*/
func (s *Synchronizer) findCommonBlock(ctx context.Context, peerID peer.ID) (*types.Block, error) {
	tip := s.chain.LastBlock().Height()
	lowest := uint64(0)
	if tip > s.maxSearchDepth {
		lowest = tip - s.maxSearchDepth
	}

	for top := tip; ; {
		from := lowest
		if top-lowest >= s.idsPerRequest {
			from = top - s.idsPerRequest + 1
		}
		headers, err := s.chain.GetBlockHeadersByHeightBetween(from, top)
		if err != nil {
			return nil, fmt.Errorf("loading headers [%d, %d]: %w", from, top, err)
		}
		ids := make([][]byte, 0, len(headers))
		for _, h := range slices.Backward(headers) {
			id, err := h.ID()
			if err != nil {
				return nil, fmt.Errorf("block ID at height %d: %w", h.Height, err)
			}
			ids = append(ids, id)
		}

		id, err := s.network.GetHighestCommonBlock(ctx, peerID, ids)
		if err != nil {
			return nil, s.requestError(ctx, peerID, "requesting highest common block", err)
		}
		if id != nil {
			if !slices.ContainsFunc(ids, func(v []byte) bool { return bytes.Equal(v, id) }) {
				return nil, &ApplyPenaltyAndRestartError{PeerID: peerID, Reason: fmt.Sprintf("peer returned common block %X which wasn't requested", id)}
			}
			return s.chain.GetBlockByID(id)
		}
		if from == lowest {
			return nil, &ApplyPenaltyAndRestartError{
				PeerID: peerID,
				Reason: fmt.Sprintf("no common block in the height range [%d, %d]", lowest, tip),
			}
		}
		top = from - 1
	}
}

// fetchBlocks requests the blocks following "parent" and checks they form a chain.
func (s *Synchronizer) fetchBlocks(ctx context.Context, peerID peer.ID, parent *types.Block) ([]*types.Block, error) {
	prevID, err := parent.ID()
	if err != nil {
		return nil, fmt.Errorf("block ID: %w", err)
	}
	blocks, err := s.network.GetBlocksFromID(ctx, peerID, prevID)
	if err != nil {
		return nil, s.requestError(ctx, peerID, "requesting blocks", err)
	}
	prevHeight := parent.Height()
	for _, b := range blocks {
		if b == nil || b.Header == nil {
			return nil, &ApplyPenaltyAndRestartError{PeerID: peerID, Reason: fmt.Sprintf("empty block after height %d", prevHeight)}
		}
		if b.Height() != prevHeight+1 {
			return nil, &ApplyPenaltyAndRestartError{PeerID: peerID, Reason: fmt.Sprintf("expected block at height %d, got %d", prevHeight+1, b.Height())}
		}
		if !bytes.Equal(b.Header.PreviousBlockID, prevID) {
			return nil, &ApplyPenaltyAndRestartError{
				PeerID: peerID,
				Reason: fmt.Sprintf("block at height %d has previous block ID %X, expected %X", b.Height(), b.Header.PreviousBlockID, prevID),
			}
		}
		if prevID, err = b.ID(); err != nil {
			return nil, &ApplyPenaltyAndRestartError{PeerID: peerID, Reason: fmt.Sprintf("block ID at height %d: %v", b.Height(), err)}
		}
		prevHeight = b.Height()
	}
	return blocks, nil
}

// revertTo deletes blocks above "height", returned blocks are in descending height order.
func (s *Synchronizer) revertTo(ctx context.Context, height uint64) ([]*types.Block, error) {
	var reverted []*types.Block
	for s.chain.LastBlock().Height() > height {
		b, err := s.executor.RevertBlock(ctx)
		if err != nil {
			return reverted, fmt.Errorf("reverting block at height %d: %w", s.chain.LastBlock().Height(), err)
		}
		reverted = append(reverted, b)
	}
	return reverted, nil
}

/*
restore reverts the chain to "height" and executes the "reverted" blocks again.
Restoring is not interrupted by the cancellation of the synchronization.

When the executed blocks of the new chain got finalized above "height" the
original chain can't be restored, the chain is reverted to the finalized
height instead.
*/
func (s *Synchronizer) restore(ctx context.Context, height uint64, reverted []*types.Block) error {
	ctx = context.WithoutCancel(ctx)
	if finalized := s.chain.FinalizedHeight(); finalized > height {
		s.log.WarnContext(ctx, fmt.Sprintf("new chain is finalized at height %d, original chain is not restored", finalized))
		_, err := s.revertTo(ctx, finalized)
		return err
	}
	if _, err := s.revertTo(ctx, height); err != nil {
		return err
	}
	for _, b := range slices.Backward(reverted) {
		if err := s.executor.ExecuteBlock(ctx, b); err != nil {
			return fmt.Errorf("executing reverted block at height %d: %w", b.Height(), err)
		}
	}
	s.log.InfoContext(ctx, fmt.Sprintf("restored the original chain, tip at height %d", s.chain.LastBlock().Height()))
	return nil
}

func (s *Synchronizer) requestError(ctx context.Context, peerID peer.ID, msg string, err error) error {
	if ctx.Err() != nil {
		return &AbortError{Reason: fmt.Sprintf("%s: %v", msg, ctx.Err())}
	}
	return &RestartError{Reason: fmt.Sprintf("%s from %s: %v", msg, peerID, err)}
}

// isPreferred returns true when the chain of "a" is preferred over the chain of "b".
func isPreferred(a, b *types.BlockHeader) bool {
	if a.MaxHeightPrevoted != b.MaxHeightPrevoted {
		return a.MaxHeightPrevoted > b.MaxHeightPrevoted
	}
	return a.Height > b.Height
}

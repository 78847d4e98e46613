package commitpool

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/corechain-org/corechain/bft"
	"github.com/corechain-org/corechain/crypto/bls"
	"github.com/corechain-org/corechain/logger"
	"github.com/corechain-org/corechain/observability"
	"github.com/corechain-org/corechain/types"
)

const (
	// number of heights below maxHeightPrecommitted for which commits are accepted
	defaultCommitRange = 100
	defaultBlockTime   = 10 * time.Second
)

type (
	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}

	// Chain is the read access to the local chain.
	Chain interface {
		GetBlockByHeight(height uint64) (*types.Block, error)
		LastBlock() *types.Block
		FinalizedHeight() uint64
	}

	// BFT gives access to the BFT state of the last committed block.
	BFT interface {
		GetBFTHeights() (bft.Heights, error)
		GetBFTParameters(height uint64) (*bft.Parameters, error)
		NextHeightBFTParameters(height uint64) (uint64, error)
	}

	Network interface {
		GossipCommits(ctx context.Context, commits []*types.SingleCommit) error
	}

	/*
		CommitPool collects single commits of the validators and aggregates them
		into aggregate commits once the certificate threshold is reached.

		Commits are grouped by height, a validator may have only one commit per
		height. Commits are kept until their height is below the removal height.
	*/
	CommitPool struct {
		chainID  types.Bytes
		chain    Chain
		bftState BFT
		network  Network
		log      *slog.Logger
		tracer   trace.Tracer

		blockTime        time.Duration
		commitRange      uint64
		minCertifyHeight uint64

		mu sync.Mutex
		// commits by height and validator address
		nonGossipedLocal map[uint64]map[string]*types.SingleCommit
		nonGossiped      map[uint64]map[string]*types.SingleCommit
		gossiped         map[uint64]map[string]*types.SingleCommit

		addedCnt   metric.Int64Counter
		aggregated metric.Int64Counter
	}

	Option func(*CommitPool)
)

// WithBlockTime sets the block time, the pool job runs at half of the block time.
func WithBlockTime(d time.Duration) Option {
	return func(cp *CommitPool) {
		cp.blockTime = d
	}
}

/*
WithMinCertifyHeight sets the lowest height which is certified with aggregate
commits, commits for lower heights are not accepted.
*/
func WithMinCertifyHeight(height uint64) Option {
	return func(cp *CommitPool) {
		cp.minCertifyHeight = height
	}
}

// WithCommitRange sets how many heights below maxHeightPrecommitted commits are accepted for.
func WithCommitRange(heights uint64) Option {
	return func(cp *CommitPool) {
		cp.commitRange = heights
	}
}

func New(chainID []byte, chain Chain, bftState BFT, network Network, observe Observability, opts ...Option) (*CommitPool, error) {
	switch {
	case len(chainID) == 0:
		return nil, errors.New("chain ID is empty")
	case chain == nil:
		return nil, errors.New("chain is nil")
	case bftState == nil:
		return nil, errors.New("BFT state is nil")
	case network == nil:
		return nil, errors.New("network is nil")
	}
	cp := &CommitPool{
		chainID:          chainID,
		chain:            chain,
		bftState:         bftState,
		network:          network,
		log:              observe.Logger(),
		tracer:           observe.Tracer("commitpool"),
		blockTime:        defaultBlockTime,
		commitRange:      defaultCommitRange,
		nonGossipedLocal: make(map[uint64]map[string]*types.SingleCommit),
		nonGossiped:      make(map[uint64]map[string]*types.SingleCommit),
		gossiped:         make(map[uint64]map[string]*types.SingleCommit),
	}
	for _, o := range opts {
		o(cp)
	}
	if cp.blockTime <= 0 {
		return nil, fmt.Errorf("invalid block time %s", cp.blockTime)
	}
	if err := cp.initMetrics(observe.Meter("commitpool")); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return cp, nil
}

func (cp *CommitPool) initMetrics(m metric.Meter) (err error) {
	_, err = m.Int64ObservableGauge("size",
		metric.WithDescription("Number of single commits in the pool."),
		metric.WithUnit("{commit}"),
		metric.WithInt64Callback(func(ctx context.Context, io metric.Int64Observer) error {
			cp.mu.Lock()
			defer cp.mu.Unlock()
			io.Observe(int64(count(cp.nonGossipedLocal)), metric.WithAttributes(attribute.String("kind", "local")))
			io.Observe(int64(count(cp.nonGossiped)), metric.WithAttributes(attribute.String("kind", "received")))
			io.Observe(int64(count(cp.gossiped)), metric.WithAttributes(attribute.String("kind", "gossiped")))
			return nil
		}))
	if err != nil {
		return fmt.Errorf("creating pool size gauge: %w", err)
	}
	cp.addedCnt, err = m.Int64Counter("commit.added", metric.WithDescription("Number of single commits offered to the pool"), metric.WithUnit("{commit}"))
	if err != nil {
		return fmt.Errorf("creating counter for added commits: %w", err)
	}
	cp.aggregated, err = m.Int64Counter("aggregate", metric.WithDescription("Number of aggregate commits created"))
	if err != nil {
		return fmt.Errorf("creating counter for aggregate commits: %w", err)
	}
	return nil
}

/*
AddCommit validates the commit and adds it into the pool. Duplicates are
ignored. Commit for a height which already has a commit of the same validator
for a different block is rejected with ConflictingCommitError.
*/
func (cp *CommitPool) AddCommit(ctx context.Context, commit *types.SingleCommit, isLocal bool) (rErr error) {
	defer func() {
		cp.addedCnt.Add(ctx, 1, metric.WithAttributes(attribute.Bool("local", isLocal), observability.ErrStatus(rErr)))
	}()
	if err := commit.IsValid(); err != nil {
		return fmt.Errorf("invalid commit: %w", err)
	}

	if dup, err := cp.existing(commit); dup || err != nil {
		return err
	}
	// validation reads the storage and verifies signature so it's done without holding the lock
	if err := cp.validateCommit(commit); err != nil {
		return fmt.Errorf("validating commit of %X for height %d: %w", commit.ValidatorAddress, commit.Height, err)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if dup, err := cp.existingLocked(commit); dup || err != nil {
		return err
	}
	target := cp.nonGossiped
	if isLocal {
		target = cp.nonGossipedLocal
	}
	add(target, commit)
	cp.log.DebugContext(ctx, fmt.Sprintf("added commit of %X for block %X", commit.ValidatorAddress, commit.BlockID), logger.Height(commit.Height))
	return nil
}

func (cp *CommitPool) existing(commit *types.SingleCommit) (bool, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.existingLocked(commit)
}

// existingLocked returns true when the same commit is already in the pool.
func (cp *CommitPool) existingLocked(commit *types.SingleCommit) (bool, error) {
	for _, m := range []map[uint64]map[string]*types.SingleCommit{cp.nonGossipedLocal, cp.nonGossiped, cp.gossiped} {
		c, ok := m[commit.Height][string(commit.ValidatorAddress)]
		if !ok {
			continue
		}
		if !bytes.Equal(c.BlockID, commit.BlockID) {
			return false, &ConflictingCommitError{Existing: c, Received: commit}
		}
		return true, nil
	}
	return false, nil
}

func (cp *CommitPool) validateCommit(commit *types.SingleCommit) error {
	removalHeight, err := cp.maxRemovalHeight()
	if err != nil {
		return err
	}
	if commit.Height <= removalHeight {
		return fmt.Errorf("height is not above the removal height %d", removalHeight)
	}

	heights, err := cp.bftState.GetBFTHeights()
	if err != nil {
		return fmt.Errorf("reading BFT heights: %w", err)
	}
	inRange := commit.Height <= heights.MaxHeightPrecommitted && commit.Height+cp.commitRange >= heights.MaxHeightPrecommitted
	if !inRange {
		// commits certifying a change of the validator set are accepted regardless of the range
		next, err := cp.bftState.NextHeightBFTParameters(commit.Height)
		if err != nil && !errors.Is(err, bft.ErrParametersNotFound) {
			return fmt.Errorf("reading BFT parameters: %w", err)
		}
		if err != nil || next != commit.Height+1 {
			return fmt.Errorf("height is not in the valid range (max height precommitted %d)", heights.MaxHeightPrecommitted)
		}
	}

	block, err := cp.chain.GetBlockByHeight(commit.Height)
	if err != nil {
		return fmt.Errorf("reading block: %w", err)
	}
	cert, err := types.NewCertificate(block.Header)
	if err != nil {
		return fmt.Errorf("creating certificate: %w", err)
	}
	if !bytes.Equal(cert.BlockID, commit.BlockID) {
		return fmt.Errorf("block ID %X doesn't match block %X of the chain", commit.BlockID, cert.BlockID)
	}

	params, err := cp.bftState.GetBFTParameters(commit.Height)
	if err != nil {
		return fmt.Errorf("reading BFT parameters: %w", err)
	}
	validator, _ := params.Validator(commit.ValidatorAddress)
	if validator == nil || validator.BFTWeight == 0 {
		return errors.New("not an active validator")
	}
	return verifySingleCommit(cp.chainID, cert, validator, commit.CertificateSignature)
}

/*
maxRemovalHeight returns the height at and below which commits are not needed
anymore: the height certified by the finalized block.
*/
func (cp *CommitPool) maxRemovalHeight() (uint64, error) {
	finalized, err := cp.chain.GetBlockByHeight(cp.chain.FinalizedHeight())
	if err != nil {
		return 0, fmt.Errorf("reading finalized block: %w", err)
	}
	h := finalized.Header.AggregateCommit.Height
	if cp.minCertifyHeight > 0 {
		h = max(h, cp.minCertifyHeight-1)
	}
	return h, nil
}

/*
SelectAggregateCommit returns aggregate commit for the highest height (not
above maxHeightPrecommitted and not crossing a change of the BFT parameters)
which has enough commits to reach the certificate threshold. When no height
qualifies empty commit for maxHeightCertified is returned.
*/
func (cp *CommitPool) SelectAggregateCommit(ctx context.Context) (*types.AggregateCommit, error) {
	_, span := cp.tracer.Start(ctx, "CommitPool.SelectAggregateCommit")
	defer span.End()

	heights, err := cp.bftState.GetBFTHeights()
	if err != nil {
		return nil, fmt.Errorf("reading BFT heights: %w", err)
	}
	upper, err := cp.heightUpperBound(heights)
	if err != nil {
		return nil, err
	}

	for h := upper; h > heights.MaxHeightCertified; h-- {
		commits := cp.commitsAt(h)
		if len(commits) == 0 {
			continue
		}
		params, err := cp.bftState.GetBFTParameters(h)
		if err != nil {
			return nil, fmt.Errorf("reading BFT parameters of height %d: %w", h, err)
		}
		bitmap, sigs, weight, err := cp.collect(params, commits)
		if err != nil {
			return nil, fmt.Errorf("collecting commits of height %d: %w", h, err)
		}
		if weight.CmpUint64(params.CertificateThreshold) < 0 {
			continue
		}
		sig, err := bls.AggregateSignatures(sigs...)
		if err != nil {
			return nil, fmt.Errorf("aggregating signatures of height %d: %w", h, err)
		}
		cp.aggregated.Add(ctx, 1)
		cp.log.DebugContext(ctx, fmt.Sprintf("aggregated %d commits, weight %s", len(sigs), weight.Dec()), logger.Height(h))
		return &types.AggregateCommit{Height: h, AggregationBits: bitmap, CertificateSignature: sig}, nil
	}
	return &types.AggregateCommit{Height: heights.MaxHeightCertified}, nil
}

/*
collect returns aggregation bitmap, signatures (in validator order) and total
weight of the commits. Weight is summed the same way VerifyAggregateCommit does.
*/
func (cp *CommitPool) collect(params *bft.Parameters, commits []*types.SingleCommit) ([]byte, [][]byte, *uint256.Int, error) {
	bitmap := types.NewBitmap(len(params.Validators))
	var sigs [][]byte
	for i, v := range params.Validators {
		idx := slices.IndexFunc(commits, func(c *types.SingleCommit) bool { return bytes.Equal(c.ValidatorAddress, v.Address) })
		if idx < 0 || v.BFTWeight == 0 {
			continue
		}
		types.SetBit(bitmap, i)
		sigs = append(sigs, commits[idx].CertificateSignature)
	}
	weight, err := params.AggregateWeight(bitmap)
	if err != nil {
		return nil, nil, nil, err
	}
	return bitmap, sigs, weight, nil
}

/*
heightUpperBound returns the highest height an aggregate commit may certify:
commits must not skip a change of the BFT parameters.
*/
func (cp *CommitPool) heightUpperBound(heights bft.Heights) (uint64, error) {
	next, err := cp.bftState.NextHeightBFTParameters(heights.MaxHeightCertified + 1)
	switch {
	case errors.Is(err, bft.ErrParametersNotFound):
		return heights.MaxHeightPrecommitted, nil
	case err != nil:
		return 0, fmt.Errorf("reading BFT parameters: %w", err)
	default:
		return min(next-1, heights.MaxHeightPrecommitted), nil
	}
}

/*
VerifyAggregateCommit checks the aggregate commit of a block header against
the BFT state of the current tip. Empty commit must refer to
maxHeightCertified, non-empty commit must certify a height above it, the
signers must reach the certificate threshold and the aggregate signature
must be valid.
*/
func (cp *CommitPool) VerifyAggregateCommit(ctx context.Context, ac *types.AggregateCommit) error {
	_, span := cp.tracer.Start(ctx, "CommitPool.VerifyAggregateCommit")
	defer span.End()

	if err := ac.IsValid(); err != nil {
		return err
	}
	heights, err := cp.bftState.GetBFTHeights()
	if err != nil {
		return fmt.Errorf("reading BFT heights: %w", err)
	}
	if ac.IsEmpty() {
		if ac.Height != heights.MaxHeightCertified {
			return fmt.Errorf("empty aggregate commit height %d, expected %d", ac.Height, heights.MaxHeightCertified)
		}
		return nil
	}
	if ac.Height <= heights.MaxHeightCertified {
		return fmt.Errorf("aggregate commit height %d is not above max height certified %d", ac.Height, heights.MaxHeightCertified)
	}
	if ac.Height > heights.MaxHeightPrecommitted {
		return fmt.Errorf("aggregate commit height %d is above max height precommitted %d", ac.Height, heights.MaxHeightPrecommitted)
	}
	upper, err := cp.heightUpperBound(heights)
	if err != nil {
		return err
	}
	if ac.Height > upper {
		return fmt.Errorf("aggregate commit height %d skips change of the BFT parameters at height %d", ac.Height, upper+1)
	}

	block, err := cp.chain.GetBlockByHeight(ac.Height)
	if err != nil {
		return fmt.Errorf("reading certified block: %w", err)
	}
	cert, err := types.NewCertificate(block.Header)
	if err != nil {
		return fmt.Errorf("creating certificate: %w", err)
	}
	params, err := cp.bftState.GetBFTParameters(ac.Height)
	if err != nil {
		return fmt.Errorf("reading BFT parameters: %w", err)
	}
	weight, err := params.AggregateWeight(ac.AggregationBits)
	if err != nil {
		return err
	}
	if weight.CmpUint64(params.CertificateThreshold) < 0 {
		return fmt.Errorf("aggregate commit weight %s is below the certificate threshold %d", weight.Dec(), params.CertificateThreshold)
	}
	return verifyAggregateCommit(cp.chainID, cert, params, ac)
}

/*
Run executes the pool job every half block time until ctx is cancelled: the
non-gossiped commits are broadcast and the commits not needed anymore are
dropped.
*/
func (cp *CommitPool) Run(ctx context.Context) error {
	ticker := time.NewTicker(cp.blockTime / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := cp.job(ctx); err != nil {
				cp.log.WarnContext(ctx, "commit pool job", logger.Error(err))
			}
		}
	}
}

func (cp *CommitPool) job(ctx context.Context) error {
	ctx, span := cp.tracer.Start(ctx, "CommitPool.job")
	defer span.End()

	removalHeight, err := cp.maxRemovalHeight()
	if err != nil {
		return err
	}
	heights, err := cp.bftState.GetBFTHeights()
	if err != nil {
		return fmt.Errorf("reading BFT heights: %w", err)
	}
	deleteHeight := removalHeight
	if heights.MaxHeightPrecommitted > cp.commitRange {
		deleteHeight = min(removalHeight, heights.MaxHeightPrecommitted-cp.commitRange)
	}
	cp.cleanup(deleteHeight)

	params, err := cp.bftState.GetBFTParameters(cp.chain.LastBlock().Height() + 1)
	if err != nil {
		return fmt.Errorf("reading BFT parameters: %w", err)
	}
	selected := cp.selectForGossip(2 * len(params.Validators))
	if len(selected) == 0 {
		return nil
	}
	if err := cp.network.GossipCommits(ctx, selected); err != nil {
		return fmt.Errorf("gossiping commits: %w", err)
	}
	cp.markGossiped(selected)
	return nil
}

// cleanup drops commits at or below the height.
func (cp *CommitPool) cleanup(height uint64) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, m := range []map[uint64]map[string]*types.SingleCommit{cp.nonGossipedLocal, cp.nonGossiped, cp.gossiped} {
		maps.DeleteFunc(m, func(h uint64, _ map[string]*types.SingleCommit) bool { return h <= height })
	}
}

// selectForGossip returns up to "limit" non-gossiped commits, local ones first, lower heights first.
func (cp *CommitPool) selectForGossip(limit int) []*types.SingleCommit {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	selected := sorted(cp.nonGossipedLocal)
	if len(selected) < limit {
		selected = append(selected, sorted(cp.nonGossiped)...)
	}
	return selected[:min(limit, len(selected))]
}

func (cp *CommitPool) markGossiped(commits []*types.SingleCommit) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, c := range commits {
		for _, m := range []map[uint64]map[string]*types.SingleCommit{cp.nonGossipedLocal, cp.nonGossiped} {
			if hm, ok := m[c.Height]; ok {
				delete(hm, string(c.ValidatorAddress))
				if len(hm) == 0 {
					delete(m, c.Height)
				}
			}
		}
		add(cp.gossiped, c)
	}
}

// commitsAt returns all the commits of the height.
func (cp *CommitPool) commitsAt(height uint64) []*types.SingleCommit {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	var res []*types.SingleCommit
	for _, m := range []map[uint64]map[string]*types.SingleCommit{cp.nonGossipedLocal, cp.nonGossiped, cp.gossiped} {
		res = slices.AppendSeq(res, maps.Values(m[height]))
	}
	return res
}

func add(m map[uint64]map[string]*types.SingleCommit, c *types.SingleCommit) {
	hm, ok := m[c.Height]
	if !ok {
		hm = make(map[string]*types.SingleCommit)
		m[c.Height] = hm
	}
	hm[string(c.ValidatorAddress)] = c
}

func sorted(m map[uint64]map[string]*types.SingleCommit) []*types.SingleCommit {
	var res []*types.SingleCommit
	for _, hm := range m {
		res = slices.AppendSeq(res, maps.Values(hm))
	}
	slices.SortFunc(res, compareCommits)
	return res
}

func count(m map[uint64]map[string]*types.SingleCommit) (cnt int) {
	for _, hm := range m {
		cnt += len(hm)
	}
	return cnt
}

func compareCommits(a, b *types.SingleCommit) int {
	if c := cmp.Compare(a.Height, b.Height); c != 0 {
		return c
	}
	return bytes.Compare(a.ValidatorAddress, b.ValidatorAddress)
}

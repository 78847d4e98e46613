package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/corechain-org/corechain/bft"
	"github.com/corechain-org/corechain/chain"
	"github.com/corechain-org/corechain/consensus/commitpool"
	"github.com/corechain-org/corechain/consensus/event"
	"github.com/corechain-org/corechain/consensus/forkchoice"
	"github.com/corechain-org/corechain/consensus/synchronizer"
	"github.com/corechain-org/corechain/logger"
	"github.com/corechain-org/corechain/network"
	"github.com/corechain-org/corechain/observability"
	"github.com/corechain-org/corechain/statemachine"
	"github.com/corechain-org/corechain/types"
)

// penalty score which gets the peer banned
const penaltyBan = 100

var (
	ErrBusy              = errors.New("consensus is busy")
	ErrUnknownForkStatus = errors.New("unknown fork status")
)

// Status of the block processing.
type Status int32

const (
	StatusIdle Status = iota
	StatusValidating
	StatusExecuting
	StatusSyncing
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusValidating:
		return "Validating"
	case StatusExecuting:
		return "Executing"
	case StatusSyncing:
		return "Syncing"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

type (
	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}

	Network interface {
		synchronizer.Network
		commitpool.Network
		BroadcastBlock(ctx context.Context, block *types.Block) error
		ApplyPenalty(peerID peer.ID, score int)
		ConnectedPeers() []peer.ID
		ReceivedChannel() <-chan any
	}

	TxBuffer interface {
		RemoveUpTo(ctx context.Context, limit int) []*types.Transaction
	}

	/*
		Consensus validates, executes and stores the blocks of the chain. Blocks
		received from the peers are classified with the fork choice rule, on a
		different chain the synchronizer switches to the chain of the peer.
		Validator nodes generate blocks in their slots and certify the finalized
		blocks with single commits.

		Only one block is processed at a time, the status of the processing is
		held in "status".
	*/
	Consensus struct {
		chainID      types.Bytes
		genesis      *types.Block
		conf         *configuration
		slots        forkchoice.Slots
		sm           *statemachine.StateMachine
		bftMethod    bft.Method
		bftView      *bft.View
		chain        *chain.Chain
		network      Network
		commitPool   *commitpool.CommitPool
		synchronizer *synchronizer.Synchronizer
		log          *slog.Logger
		tracer       trace.Tracer

		status atomic.Int32
		// unix timestamp of when the tip was received
		tipReceivedAt uint64
		// last height this node generated block for, nil when not known yet
		generatedHeight *uint64

		syncMu     sync.Mutex
		syncBlock  *types.BlockHeader
		syncCancel context.CancelFunc

		workers      *semaphore.Weighted
		eventCh      chan event.Event
		eventHandler event.Handler

		blockCnt   metric.Int64Counter
		blockDur   metric.Float64Histogram
		forkCnt    metric.Int64Counter
		txInBlocks metric.Int64Counter
	}
)

/*
New creates consensus for the chain described by the "genesis" block. Modules
of the state machine must be initialized (and the bft module registered as a
system module) before calling New.

When the chain is empty the genesis block is executed and stored, otherwise
the genesis block of the chain must match "genesis".
*/
func New(
	chainID []byte,
	genesis *types.Block,
	sm *statemachine.StateMachine,
	bftModule *bft.Module,
	chainStore *chain.Chain,
	network Network,
	observe Observability,
	opts ...Option,
) (*Consensus, error) {
	conf, err := loadConfiguration(chainID, genesis, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	switch {
	case sm == nil:
		return nil, errors.New("state machine is nil")
	case bftModule == nil:
		return nil, errors.New("bft module is nil")
	case chainStore == nil:
		return nil, errors.New("chain is nil")
	case network == nil:
		return nil, errors.New("network is nil")
	}

	c := &Consensus{
		chainID:      chainID,
		genesis:      genesis,
		conf:         conf,
		slots:        forkchoice.Slots{GenesisTimestamp: genesis.Header.Timestamp, BlockTime: conf.blockTime},
		sm:           sm,
		bftMethod:    bftModule.Method(),
		chain:        chainStore,
		network:      network,
		log:          observe.Logger(),
		tracer:       observe.Tracer("consensus"),
		workers:      semaphore.NewWeighted(defaultBlockWorkers),
		eventHandler: conf.eventHandler,
	}
	c.bftView = bft.NewView(c.bftMethod, func() bft.Reader { return bft.ModuleStore(chainStore.NewStateStore()) })
	if c.eventHandler != nil {
		c.eventCh = make(chan event.Event, conf.eventChCapacity)
	}

	if c.commitPool, err = commitpool.New(chainID, chainStore, c.bftView, network, observe,
		commitpool.WithBlockTime(time.Duration(conf.blockTime)*time.Second),
		commitpool.WithMinCertifyHeight(max(conf.minCertifyHeight, genesis.Height()+1)),
	); err != nil {
		return nil, fmt.Errorf("creating commit pool: %w", err)
	}
	if c.synchronizer, err = synchronizer.New(chainStore, &blockExecutor{c: c}, network, observe,
		synchronizer.WithMaxSearchDepth(conf.maxSearchDepth),
	); err != nil {
		return nil, fmt.Errorf("creating synchronizer: %w", err)
	}
	if err := c.initMetrics(observe.Meter("consensus")); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	if err := c.initChain(); err != nil {
		return nil, fmt.Errorf("initializing chain: %w", err)
	}
	c.tipReceivedAt = c.chain.LastBlock().Header.Timestamp
	return c, nil
}

func (c *Consensus) initMetrics(m metric.Meter) (err error) {
	if c.blockCnt, err = m.Int64Counter("block.count", metric.WithDescription("Number of blocks processed"), metric.WithUnit("{block}")); err != nil {
		return fmt.Errorf("creating block counter: %w", err)
	}
	if c.blockDur, err = m.Float64Histogram("block.duration",
		metric.WithDescription("How long it took to process received block"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5)); err != nil {
		return fmt.Errorf("creating block duration histogram: %w", err)
	}
	if c.forkCnt, err = m.Int64Counter("fork.status", metric.WithDescription("Fork choice result of the received blocks"), metric.WithUnit("{block}")); err != nil {
		return fmt.Errorf("creating fork status counter: %w", err)
	}
	if c.txInBlocks, err = m.Int64Counter("block.tx.count", metric.WithDescription("Number of transactions in the executed blocks"), metric.WithUnit("{transaction}")); err != nil {
		return fmt.Errorf("creating transaction counter: %w", err)
	}
	if _, err = m.Int64ObservableGauge("status",
		metric.WithDescription("Status of the block processing: 0 idle, 1 validating, 2 executing, 3 syncing"),
		metric.WithInt64Callback(func(ctx context.Context, io metric.Int64Observer) error {
			io.Observe(int64(c.status.Load()))
			return nil
		})); err != nil {
		return fmt.Errorf("creating status gauge: %w", err)
	}
	return nil
}

// Status returns the current status of the block processing.
func (c *Consensus) Status() Status {
	return Status(c.status.Load())
}

func (c *Consensus) CommitPool() *commitpool.CommitPool { return c.commitPool }

// BFT gives read access to the BFT state of the chain.
func (c *Consensus) BFT() *bft.View { return c.bftView }

func (c *Consensus) Slots() forkchoice.Slots { return c.slots }

/*
Run processes messages received from the network, generates blocks (on a
validator node) and runs the commit pool job until ctx is cancelled.
*/
func (c *Consensus) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if c.eventHandler == nil {
			return nil // do not cancel the group!
		}
		return c.eventHandlerLoop(ctx)
	})

	g.Go(func() error {
		return c.commitPool.Run(ctx)
	})

	g.Go(func() error {
		if c.conf.generator == nil {
			return nil
		}
		return c.generatorLoop(ctx)
	})

	g.Go(func() error {
		err := c.receiveLoop(ctx)
		c.log.DebugContext(ctx, "consensus receive loop exit", logger.Error(err))
		return err
	})

	return g.Wait()
}

func (c *Consensus) receiveLoop(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.network.ReceivedChannel():
			if !ok {
				return errors.New("network received channel is closed")
			}
			switch mt := msg.(type) {
			case *network.BlockMessage:
				if !c.workers.TryAcquire(1) {
					c.log.DebugContext(ctx, "too many blocks in processing, dropping block", logger.Peer(mt.From))
					continue
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer c.workers.Release(1)
					if err := c.OnBlockReceive(ctx, mt.Data, mt.From); err != nil && !errors.Is(err, ErrBusy) {
						c.log.WarnContext(ctx, "processing received block", logger.Error(err), logger.Peer(mt.From))
					}
				}()
			case *network.CommitsMessage:
				c.onCommitsReceive(ctx, mt)
			default:
				c.log.WarnContext(ctx, fmt.Sprintf("unknown message: %T", mt))
			}
		}
	}
}

func (c *Consensus) onCommitsReceive(ctx context.Context, msg *network.CommitsMessage) {
	for _, commit := range msg.Commits {
		err := c.commitPool.AddCommit(ctx, commit, false)
		var conflict *commitpool.ConflictingCommitError
		switch {
		case err == nil:
		case errors.As(err, &conflict):
			c.log.WarnContext(ctx, "conflicting commits", logger.Error(err), logger.Peer(msg.From))
			c.sendEvent(ctx, event.CommitConflict, conflict)
			c.sendEvent(ctx, event.ForkDetected, &event.Fork{
				Status: forkchoice.DoubleForging.String(),
				Block:  conflict.Received.BlockID,
				Tip:    conflict.Existing.BlockID,
				Height: conflict.Received.Height,
			})
		default:
			c.log.DebugContext(ctx, "rejected commit", logger.Error(err), logger.Peer(msg.From))
		}
	}
}

// sendEvent queues the event for the event handler, the event is dropped when ctx is done.
func (c *Consensus) sendEvent(ctx context.Context, eventType event.Type, content any) {
	if c.eventHandler == nil {
		return
	}
	select {
	case c.eventCh <- event.Event{EventType: eventType, Content: content}:
	case <-ctx.Done():
	}
}

// eventHandlerLoop forwards events produced by the consensus to the configured eventHandler.
func (c *Consensus) eventHandlerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-c.eventCh:
			c.eventHandler(&e)
		}
	}
}

func (c *Consensus) now() uint64 {
	return uint64(max(c.conf.now().Unix(), 0)) // #nosec G115 negative values are clamped
}

func (c *Consensus) statusAttr() attribute.KeyValue {
	return attribute.String("status", c.Status().String())
}

func (c *Consensus) recordBlock(ctx context.Context, status forkchoice.Status, start time.Time, err error) {
	attrs := attribute.NewSet(attribute.String("fork", status.String()), observability.ErrStatus(err))
	c.blockCnt.Add(ctx, 1, metric.WithAttributeSet(attrs))
	c.blockDur.Record(ctx, time.Since(start).Seconds(), metric.WithAttributeSet(attrs))
}

package consensus

import (
	"context"
	"crypto/sha256"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/corechain-org/corechain/bft"
	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/chain"
	"github.com/corechain-org/corechain/consensus/event"
	"github.com/corechain-org/corechain/consensus/forkchoice"
	"github.com/corechain-org/corechain/crypto"
	test "github.com/corechain-org/corechain/internal/testutils"
	testbft "github.com/corechain-org/corechain/internal/testutils/bft"
	testobserve "github.com/corechain-org/corechain/internal/testutils/observability"
	testtransaction "github.com/corechain-org/corechain/internal/testutils/transaction"
	"github.com/corechain-org/corechain/keyvaluedb/memorydb"
	"github.com/corechain-org/corechain/modules/auth"
	"github.com/corechain-org/corechain/modules/token"
	"github.com/corechain-org/corechain/statemachine"
	"github.com/corechain-org/corechain/txbuffer"
	"github.com/corechain-org/corechain/types"
)

const (
	genesisTimestamp uint64 = 1_700_000_000
	blockTime        uint64 = 10
)

type mockNetwork struct {
	mu        sync.Mutex
	penalties map[peer.ID]int
	broadcast []*types.Block
	peers     []peer.ID
	// chain of the peers for the synchronizer requests
	source *chain.Chain
	// serves the block batches instead of "source" when set
	getBlocks func(ctx context.Context, peerID peer.ID, id []byte) ([]*types.Block, error)
	// peers the last block was requested from
	lastBlockRequests []peer.ID
	received          chan any
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{penalties: map[peer.ID]int{}, received: make(chan any, 10)}
}

func (n *mockNetwork) GetLastBlock(ctx context.Context, peerID peer.ID) (*types.Block, error) {
	n.mu.Lock()
	n.lastBlockRequests = append(n.lastBlockRequests, peerID)
	n.mu.Unlock()
	if n.source == nil {
		return nil, errors.New("peer not available")
	}
	return n.source.LastBlock(), nil
}

func (n *mockNetwork) GetHighestCommonBlock(ctx context.Context, peerID peer.ID, ids [][]byte) ([]byte, error) {
	if n.source == nil {
		return nil, errors.New("peer not available")
	}
	return n.source.GetHighestCommonBlockID(ids)
}

func (n *mockNetwork) GetBlocksFromID(ctx context.Context, peerID peer.ID, id []byte) ([]*types.Block, error) {
	if n.getBlocks != nil {
		return n.getBlocks(ctx, peerID, id)
	}
	if n.source == nil {
		return nil, errors.New("peer not available")
	}
	return n.source.GetBlocksFromID(id, 3)
}

func (n *mockNetwork) GossipCommits(ctx context.Context, commits []*types.SingleCommit) error {
	return nil
}

func (n *mockNetwork) BroadcastBlock(ctx context.Context, block *types.Block) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcast = append(n.broadcast, block)
	return nil
}

func (n *mockNetwork) ApplyPenalty(peerID peer.ID, score int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.penalties[peerID] += score
}

func (n *mockNetwork) ConnectedPeers() []peer.ID { return n.peers }

func (n *mockNetwork) ReceivedChannel() <-chan any { return n.received }

func (n *mockNetwork) penalty(id peer.ID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.penalties[id]
}

type testNode struct {
	*Consensus
	id        peer.ID
	net       *mockNetwork
	validator *testbft.Validator
	txBuf     *txbuffer.TxBuffer
}

// events returns the events sent by the node so far.
func (n *testNode) events() []event.Event {
	var res []event.Event
	for {
		select {
		case e := <-n.eventCh:
			res = append(res, e)
		default:
			return res
		}
	}
}

func (n *testNode) tip(t *testing.T) []byte {
	t.Helper()
	id, err := n.chain.LastBlock().ID()
	require.NoError(t, err)
	return id
}

type testChain struct {
	t      *testing.T
	nodes  []*testNode
	now    atomic.Uint64
	slot   uint64
	sender *crypto.InMemorySecp256K1Signer
}

func newStateMachine(t *testing.T) (*statemachine.StateMachine, *bft.Module) {
	t.Helper()
	bftModule := bft.NewModule()
	sm, err := statemachine.New(testobserve.NOPObservability(),
		statemachine.WithSystemModules(bftModule, auth.NewModule()),
		statemachine.WithModules(token.NewModule()),
	)
	require.NoError(t, err)
	require.NoError(t, sm.Init(&statemachine.GenesisConfig{ChainID: testbft.ChainID, BlockTime: uint32(blockTime)}, nil, nil))
	return sm, bftModule
}

/*
newTestChain creates a validator node for every validator, all the nodes
start from the same genesis block. The "sender" account has tokens.
*/
func newTestChain(t *testing.T, validatorCount int) *testChain {
	tc := &testChain{t: t}
	tc.now.Store(genesisTimestamp)
	validators := testbft.NewValidators(t, validatorCount, 1)
	threshold := uint64(validatorCount*2/3 + 1)

	var err error
	tc.sender, err = crypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	verifier, err := tc.sender.Verifier()
	require.NoError(t, err)
	pubKey, err := verifier.MarshalPublicKey()
	require.NoError(t, err)
	tokenAsset, err := cbor.Marshal(&token.GenesisAsset{Accounts: []*token.GenesisAccount{{Address: crypto.AddressFromPublicKey(pubKey), Amount: 1000}}})
	require.NoError(t, err)

	assets := types.BlockAssets{}
	assets.SetAsset(bft.ModuleName, testbft.GenesisAsset(t, validators, threshold, threshold))
	assets.SetAsset(token.ModuleName, tokenAsset)
	sm, _ := newStateMachine(t)
	genesis, err := CreateGenesisBlock(sm, testbft.ChainID, GenesisParams{Timestamp: genesisTimestamp, Assets: assets}, testobserve.NOPObservability().Logger())
	require.NoError(t, err)

	for i, v := range validators {
		tc.nodes = append(tc.nodes, tc.newNode(genesis, v, peer.ID(string(rune('A'+i)))))
	}
	return tc
}

func (tc *testChain) newNode(genesis *types.Block, v *testbft.Validator, id peer.ID) *testNode {
	t := tc.t
	obs := testobserve.Default(t)
	sm, bftModule := newStateMachine(t)
	chainStore, err := chain.New(memorydb.New(), obs)
	require.NoError(t, err)
	txBuf, err := txbuffer.New(10, obs)
	require.NoError(t, err)
	net := newMockNetwork()
	c, err := New(testbft.ChainID, genesis, sm, bftModule, chainStore, net, obs,
		WithBlockTime(blockTime),
		WithGenerator(v.Signer, v.BLS),
		WithTxBuffer(txBuf),
		WithEventHandler(func(e *event.Event) {}, 100),
		WithClock(func() time.Time { return time.Unix(int64(tc.now.Load()), 0) }),
	)
	require.NoError(t, err)
	return &testNode{Consensus: c, id: id, net: net, validator: v, txBuf: txBuf}
}

/*
generate advances the clock slot by slot until one of the "candidates" (all
the nodes when empty) is the generator of the slot and returns the block it
generated.
*/
func (tc *testChain) generate(candidates ...*testNode) (*testNode, *types.Block) {
	tc.t.Helper()
	if len(candidates) == 0 {
		candidates = tc.nodes
	}
	for range 10 * len(tc.nodes) {
		tc.slot++
		tc.now.Store(tc.nodes[0].slots.SlotTime(tc.slot) + 1)
		for _, n := range candidates {
			b, err := n.generate(context.Background())
			if errors.Is(err, errNotGenerator) {
				continue
			}
			require.NoError(tc.t, err)
			return n, b
		}
	}
	tc.t.Fatalf("no block generated up to slot %d", tc.slot)
	return nil, nil
}

func (tc *testChain) deliver(from *testNode, b *types.Block, to ...*testNode) {
	tc.t.Helper()
	data, err := cbor.Marshal(b)
	require.NoError(tc.t, err)
	for _, n := range to {
		if n == from {
			continue
		}
		require.NoError(tc.t, n.OnBlockReceive(context.Background(), data, from.id))
	}
}

/*
addBlocks generates "count" blocks by the "nodes" (all the nodes when empty)
and delivers the blocks to all of them.
*/
func (tc *testChain) addBlocks(count int, nodes ...*testNode) *types.Block {
	tc.t.Helper()
	if len(nodes) == 0 {
		nodes = tc.nodes
	}
	var b *types.Block
	for range count {
		var gen *testNode
		gen, b = tc.generate(nodes...)
		tc.deliver(gen, b, nodes...)
	}
	return b
}

func (tc *testChain) node(address []byte) *testNode {
	for _, n := range tc.nodes {
		if slices.Equal(n.conf.generator.address, address) {
			return n
		}
	}
	return nil
}

func Test_New(t *testing.T) {
	sm, bftModule := newStateMachine(t)
	obs := testobserve.NOPObservability()
	chainStore, err := chain.New(memorydb.New(), obs)
	require.NoError(t, err)
	genesis := &types.Block{Header: &types.BlockHeader{}}

	_, err = New(nil, genesis, sm, bftModule, chainStore, newMockNetwork(), obs)
	require.ErrorIs(t, err, ErrChainIDIsEmpty)
	_, err = New(testbft.ChainID, nil, sm, bftModule, chainStore, newMockNetwork(), obs)
	require.ErrorIs(t, err, ErrGenesisIsNil)
	_, err = New(testbft.ChainID, genesis, nil, bftModule, chainStore, newMockNetwork(), obs)
	require.EqualError(t, err, "state machine is nil")
	_, err = New(testbft.ChainID, genesis, sm, bftModule, chainStore, nil, obs)
	require.EqualError(t, err, "network is nil")
	_, err = New(testbft.ChainID, genesis, sm, bftModule, chainStore, newMockNetwork(), obs, WithBlockTime(0))
	require.EqualError(t, err, "invalid configuration: block time must be greater than zero")
}

func Test_genesis(t *testing.T) {
	tc := newTestChain(t, 4)
	genesisID := tc.nodes[0].tip(t)
	for _, n := range tc.nodes[1:] {
		require.Equal(t, genesisID, n.tip(t))
		require.Zero(t, n.chain.FinalizedHeight())
	}

	// node restart with different genesis fails
	sm, bftModule := newStateMachine(t)
	hdr := *tc.nodes[0].genesis.Header
	hdr.Timestamp++
	other := &types.Block{Header: &hdr, Assets: tc.nodes[0].genesis.Assets}
	_, err := New(testbft.ChainID, other, sm, bftModule, tc.nodes[0].chain, newMockNetwork(), testobserve.NOPObservability())
	require.ErrorContains(t, err, "genesis block mismatch")
}

func Test_ValidBlock(t *testing.T) {
	tc := newTestChain(t, 4)
	tc.addBlocks(10)
	for _, n := range tc.nodes {
		require.EqualValues(t, 10, n.chain.LastBlock().Height())
		n.events()
	}

	// transaction is submitted to the next generator
	tc.now.Store(tc.nodes[0].slots.SlotTime(tc.slot+1) + 1)
	next, err := tc.nodes[0].bftView.GetGeneratorAtTimestamp(11, tc.nodes[0].slots, tc.now.Load())
	require.NoError(t, err)
	recipient := test.RandomBytes(crypto.AddressLength)
	params, err := cbor.Marshal(&token.TransferParams{Recipient: recipient, Amount: 100})
	require.NoError(t, err)
	tx := testtransaction.NewTransaction(t, testtransaction.WithSigner(tc.sender), testtransaction.WithFee(2), testtransaction.WithParams(params), testtransaction.WithChainID(testbft.ChainID))
	_, err = tc.node(next.Address).txBuf.Add(context.Background(), tx)
	require.NoError(t, err)

	gen, b := tc.generate()
	require.Equal(t, next.Address, gen.conf.generator.address)
	require.EqualValues(t, 11, b.Height())
	require.Len(t, b.Transactions, 1)
	require.Contains(t, gen.net.broadcast, b)
	tc.deliver(gen, b, tc.nodes...)

	blockID, err := b.ID()
	require.NoError(t, err)
	for _, n := range tc.nodes {
		require.Equal(t, blockID, n.tip(t))
		require.Zero(t, n.net.penalty(gen.id))
		acc, err := token.GetAccount(token.AccountStore(n.chain.NewStateStore()), recipient)
		require.NoError(t, err)
		require.EqualValues(t, 100, acc.Amount)
		if n != gen {
			events := n.events()
			require.Len(t, events, 1)
			require.Equal(t, event.BlockExecuted, events[0].EventType)
		}
	}
	require.Greater(t, tc.nodes[0].chain.FinalizedHeight(), uint64(0))

	txFromChain, height, err := tc.nodes[1].chain.GetTransactionByID(must(tx.ID()))
	require.NoError(t, err)
	require.EqualValues(t, 11, height)
	require.Equal(t, tx, txFromChain)
}

func Test_Discard(t *testing.T) {
	tc := newTestChain(t, 4)
	tc.addBlocks(10)
	n := tc.nodes[1]
	tip := n.tip(t)
	finalized := n.chain.FinalizedHeight()
	require.Greater(t, finalized, uint64(0))

	old, err := tc.nodes[0].chain.GetBlockByHeight(finalized)
	require.NoError(t, err)
	data, err := cbor.Marshal(old)
	require.NoError(t, err)
	require.NoError(t, n.OnBlockReceive(context.Background(), data, tc.nodes[0].id))
	require.Equal(t, tip, n.tip(t))
	require.Zero(t, n.net.penalty(tc.nodes[0].id))
}

func Test_DoubleForging(t *testing.T) {
	tc := newTestChain(t, 4)
	tc.addBlocks(5)
	gen, b := tc.generate()
	tc.deliver(gen, b, tc.nodes...)

	follower := tc.nodes[0]
	if follower == gen {
		follower = tc.nodes[1]
	}
	tip := follower.tip(t)
	follower.events()

	// the same generator signs another block in the same slot
	hdr := *b.Header
	hdr.Timestamp++
	other := &types.Block{Header: &hdr, Transactions: b.Transactions, Assets: b.Assets}
	require.NoError(t, other.Header.Sign(gen.validator.Signer, testbft.ChainID))
	data, err := cbor.Marshal(other)
	require.NoError(t, err)

	require.NoError(t, follower.OnBlockReceive(context.Background(), data, gen.id))
	require.Equal(t, tip, follower.tip(t), "double forged block must not be executed")
	events := follower.events()
	require.Len(t, events, 1)
	require.Equal(t, event.ForkDetected, events[0].EventType)
	require.Equal(t, forkchoice.DoubleForging.String(), events[0].Content.(*event.Fork).Status)
}

func Test_EventRootMismatch(t *testing.T) {
	tc := newTestChain(t, 4)
	tc.addBlocks(3)
	gen, b := tc.generate()

	follower := tc.nodes[0]
	if follower == gen {
		follower = tc.nodes[1]
	}
	tip := follower.tip(t)
	hdr := *b.Header
	hdr.EventRoot = test.RandomBytes(sha256.Size)
	require.NoError(t, hdr.Sign(gen.validator.Signer, testbft.ChainID))
	invalid := &types.Block{Header: &hdr, Transactions: b.Transactions, Assets: b.Assets}
	invalidID, err := invalid.ID()
	require.NoError(t, err)
	data, err := cbor.Marshal(invalid)
	require.NoError(t, err)

	err = follower.OnBlockReceive(context.Background(), data, gen.id)
	var ibe *InvalidBlockError
	require.ErrorAs(t, err, &ibe)
	require.Equal(t, invalidID, ibe.BlockID)
	require.ErrorContains(t, err, "invalid event root")
	require.Equal(t, tip, follower.tip(t))
	require.Equal(t, penaltyBan, follower.net.penalty(gen.id))

	// the valid block is still accepted
	tc.deliver(gen, b, follower)
	require.EqualValues(t, 4, follower.chain.LastBlock().Height())
}

func Test_OnBlockReceive_invalidInput(t *testing.T) {
	tc := newTestChain(t, 4)
	n := tc.nodes[0]
	const sender = peer.ID("X")

	t.Run("malformed bytes", func(t *testing.T) {
		require.ErrorContains(t, n.OnBlockReceive(context.Background(), []byte{0xff, 0x01}, sender), "decoding block received from")
		require.Equal(t, penaltyBan, n.net.penalty(sender))
	})

	t.Run("busy", func(t *testing.T) {
		n.status.Store(int32(StatusSyncing))
		defer n.status.Store(int32(StatusIdle))
		require.ErrorIs(t, n.OnBlockReceive(context.Background(), []byte{1}, "Y"), ErrBusy)
		require.Zero(t, n.net.penalty("Y"))
	})
}

func Test_verifyBlock(t *testing.T) {
	tc := newTestChain(t, 4)
	gen, b := tc.generate()
	other := tc.nodes[0]
	if other == gen {
		other = tc.nodes[1]
	}
	wrongSigner, err := crypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	require.NoError(t, other.verifyBlock(context.Background(), b))

	tests := []struct {
		name   string
		modify func(h *types.BlockHeader)
		signer crypto.Signer
		errMsg string
	}{
		{
			name:   "timestamp in future slot",
			modify: func(h *types.BlockHeader) { h.Timestamp = tc.now.Load() + blockTime },
			errMsg: "is in a future slot",
		},
		{
			name:   "timestamp in the slot of the previous block",
			modify: func(h *types.BlockHeader) { h.Timestamp = genesisTimestamp + 1 },
			errMsg: "expected slot after the previous block's slot",
		},
		{
			name:   "height",
			modify: func(h *types.BlockHeader) { h.Height = 2 },
			errMsg: "invalid height 2, expected 1",
		},
		{
			name:   "previous block ID",
			modify: func(h *types.BlockHeader) { h.PreviousBlockID = test.RandomBytes(sha256.Size) },
			errMsg: "invalid previous block ID",
		},
		{
			name:   "generator",
			modify: func(h *types.BlockHeader) { h.GeneratorAddress = other.conf.generator.address },
			errMsg: "invalid generator",
		},
		{
			name:   "max height prevoted",
			modify: func(h *types.BlockHeader) { h.MaxHeightPrevoted = 5 },
			errMsg: "invalid maxHeightPrevoted 5, expected 0",
		},
		{
			name:   "signature",
			modify: func(h *types.BlockHeader) {},
			signer: wrongSigner,
			errMsg: "invalid signature",
		},
		{
			name:   "aggregate commit regresses",
			modify: func(h *types.BlockHeader) { h.AggregateCommit = &types.AggregateCommit{Height: 3} },
			errMsg: "invalid aggregate commit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := *b.Header
			tt.modify(&hdr)
			signer := tt.signer
			if signer == nil {
				signer = gen.validator.Signer
			}
			require.NoError(t, hdr.Sign(signer, testbft.ChainID))
			invalid := &types.Block{Header: &hdr, Transactions: b.Transactions, Assets: b.Assets}

			err := other.verifyBlock(context.Background(), invalid)
			var ibe *InvalidBlockError
			require.ErrorAs(t, err, &ibe)
			require.Equal(t, blockID(invalid), ibe.BlockID)
			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func Test_DifferentChain_synchronize(t *testing.T) {
	tc := newTestChain(t, 4)
	tc.addBlocks(4)

	lagging := tc.nodes[3]
	active := tc.nodes[:3]
	// the lagging node was away while the others kept generating
	last := tc.addBlocks(6, active...)
	source := active[0]
	require.Equal(t, blockID(last), source.tip(t))
	require.EqualValues(t, 4, lagging.chain.LastBlock().Height())
	lagging.net.source = source.chain
	lagging.events()

	tc.deliver(source, last, lagging)
	require.Equal(t, source.tip(t), lagging.tip(t))
	require.Zero(t, lagging.net.penalty(source.id))
	require.Equal(t, StatusIdle, lagging.Status())

	var got []event.Type
	for _, e := range lagging.events() {
		got = append(got, e.EventType)
	}
	require.GreaterOrEqual(t, len(got), 3)
	require.Equal(t, event.ForkDetected, got[0])
	require.Equal(t, event.SyncStarted, got[1])
	require.Equal(t, event.SyncFinished, got[len(got)-1])
}

func Test_DifferentChain_peerUnavailable(t *testing.T) {
	tc := newTestChain(t, 4)
	tc.addBlocks(2)
	lagging, peerNode := tc.nodes[0], tc.nodes[1]
	last := tc.addBlocks(4, tc.nodes[1:]...)
	tip := lagging.tip(t)

	// the peer doesn't respond, sync is restarted once without penalty
	data, err := cbor.Marshal(last)
	require.NoError(t, err)
	err = lagging.OnBlockReceive(context.Background(), data, peerNode.id)
	require.ErrorContains(t, err, "synchronization failed")
	require.Equal(t, tip, lagging.tip(t))
	require.Zero(t, lagging.net.penalty(peerNode.id))
	require.Equal(t, StatusIdle, lagging.Status())
}

func Test_DifferentChain_preferredBlockCancelsSync(t *testing.T) {
	tc := newTestChain(t, 4)
	tc.addBlocks(4)
	lagging := tc.nodes[3]
	last := tc.addBlocks(6, tc.nodes[:3]...)
	source := tc.nodes[0]
	lagging.net.source = source.chain
	tip := lagging.tip(t)

	// block of a chain with higher maxHeightPrevoted than the synchronized chain
	hdr := *last.Header
	hdr.MaxHeightPrevoted++
	preferred, err := cbor.Marshal(&types.Block{Header: &hdr})
	require.NoError(t, err)

	requests := 0
	lagging.net.getBlocks = func(ctx context.Context, peerID peer.ID, id []byte) ([]*types.Block, error) {
		requests++
		if requests == 2 {
			// first batch is executed by now
			require.Equal(t, StatusSyncing, lagging.Status())
			require.EqualValues(t, 7, lagging.chain.LastBlock().Height())
			require.NoError(t, ctx.Err())
			require.ErrorIs(t, lagging.OnBlockReceive(context.Background(), preferred, "Z"), ErrBusy)
			require.ErrorIs(t, ctx.Err(), context.Canceled)
		}
		return source.chain.GetBlocksFromID(id, 3)
	}
	lagging.events()

	tc.deliver(source, last, lagging)
	require.Equal(t, 2, requests)
	// blocks of the second batch are not executed, the original chain is
	// restored unless the replayed blocks got finalized
	require.LessOrEqual(t, lagging.chain.LastBlock().Height(), uint64(7))
	if lagging.chain.FinalizedHeight() <= 4 {
		require.Equal(t, tip, lagging.tip(t))
	}
	require.Zero(t, lagging.net.penalty(source.id))
	require.Len(t, lagging.net.lastBlockRequests, 1, "cancelled sync must not be restarted")
	require.Equal(t, StatusIdle, lagging.Status())
	events := lagging.events()
	require.Equal(t, event.SyncFinished, events[len(events)-1].EventType)
}

func Test_synchronize_retry(t *testing.T) {
	tests := []struct {
		name string
		// index of the nodes which are connected peers of the lagging node
		peers []int
		// peers which serve a batch with a gap
		badPeers []int
		// sync is cancelled by a preferred block while fetching blocks
		cancel       bool
		wantErr      string
		wantRequests int
		wantSynced   bool
	}{
		{
			name:         "penalized peer is replaced by another peer",
			peers:        []int{0, 1},
			badPeers:     []int{0},
			wantRequests: 2,
			wantSynced:   true,
		},
		{
			name:         "no other peer",
			peers:        []int{0},
			badPeers:     []int{0},
			wantErr:      "no peer to restart synchronization with",
			wantRequests: 1,
		},
		{
			name:         "retried only once",
			peers:        []int{0, 1, 2},
			badPeers:     []int{0, 1, 2},
			wantErr:      "synchronization failed",
			wantRequests: 2,
		},
		{
			name:         "aborted sync is not retried",
			peers:        []int{0, 1},
			cancel:       true,
			wantRequests: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestChain(t, 4)
			tc.addBlocks(2)
			lagging := tc.nodes[3]
			last := tc.addBlocks(6, tc.nodes[:3]...)
			source := tc.nodes[0]
			tip := lagging.tip(t)

			bad := map[peer.ID]bool{}
			for _, i := range tt.badPeers {
				bad[tc.nodes[i].id] = true
			}
			for _, i := range tt.peers {
				lagging.net.peers = append(lagging.net.peers, tc.nodes[i].id)
			}
			hdr := *last.Header
			hdr.MaxHeightPrevoted++
			preferred, err := cbor.Marshal(&types.Block{Header: &hdr})
			require.NoError(t, err)

			lagging.net.source = source.chain
			lagging.net.getBlocks = func(ctx context.Context, peerID peer.ID, id []byte) ([]*types.Block, error) {
				if tt.cancel {
					require.ErrorIs(t, lagging.OnBlockReceive(context.Background(), preferred, "Z"), ErrBusy)
					return nil, errors.New("peer not responding")
				}
				blocks, err := source.chain.GetBlocksFromID(id, 3)
				if bad[peerID] && len(blocks) > 1 {
					return blocks[1:], err
				}
				return blocks, err
			}

			data, err := cbor.Marshal(last)
			require.NoError(t, err)
			err = lagging.OnBlockReceive(context.Background(), data, source.id)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			require.Len(t, lagging.net.lastBlockRequests, tt.wantRequests)
			require.Equal(t, source.id, lagging.net.lastBlockRequests[0])
			for i, id := range lagging.net.lastBlockRequests {
				if bad[id] {
					require.Equal(t, penaltyBan, lagging.net.penalty(id))
				} else {
					require.Zero(t, lagging.net.penalty(id))
				}
				if i > 0 {
					require.NotEqual(t, lagging.net.lastBlockRequests[i-1], id, "sync must be restarted with another peer")
				}
			}
			if tt.wantSynced {
				require.Equal(t, source.tip(t), lagging.tip(t))
			} else {
				require.Equal(t, tip, lagging.tip(t))
			}
			require.Equal(t, StatusIdle, lagging.Status())
		})
	}
}

/*
tieBreakBlocks returns sibling blocks where "early" is in an earlier slot than
"late", and the node which received neither of them.
*/
func tieBreakBlocks(t *testing.T, tc *testChain) (earlyGen *testNode, early *types.Block, lateGen *testNode, late *types.Block, follower *testNode) {
	t.Helper()
	earlyGen, early = tc.generate()
	var others []*testNode
	for _, n := range tc.nodes {
		if n != earlyGen {
			others = append(others, n)
		}
	}
	lateGen, late = tc.generate(others...)
	require.Equal(t, early.Header.PreviousBlockID, late.Header.PreviousBlockID)
	require.Less(t, early.Header.Timestamp, late.Header.Timestamp)
	for _, n := range others {
		if n != lateGen {
			return earlyGen, early, lateGen, late, n
		}
	}
	t.Fatal("no follower node")
	return
}

func Test_TieBreak(t *testing.T) {
	tests := []struct {
		name string
		// the sibling block is signed by its generator but has invalid event root
		invalid bool
	}{
		{name: "sibling replaces the tip"},
		{name: "invalid sibling, previous tip is restored", invalid: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestChain(t, 4)
			tc.addBlocks(3)
			earlyGen, early, lateGen, late, follower := tieBreakBlocks(t, tc)
			tc.deliver(lateGen, late, follower)
			require.Equal(t, blockID(late), follower.tip(t))
			broadcast := len(follower.net.broadcast)
			require.Equal(t, blockID(late), blockID(follower.net.broadcast[broadcast-1]))
			follower.events()

			sibling := early
			if tt.invalid {
				hdr := *early.Header
				hdr.EventRoot = test.RandomBytes(sha256.Size)
				require.NoError(t, hdr.Sign(earlyGen.validator.Signer, testbft.ChainID))
				sibling = &types.Block{Header: &hdr, Transactions: early.Transactions, Assets: early.Assets}
			}
			data, err := cbor.Marshal(sibling)
			require.NoError(t, err)
			err = follower.OnBlockReceive(context.Background(), data, earlyGen.id)

			events := follower.events()
			require.GreaterOrEqual(t, len(events), 4)
			for i, ids := range [][2][]byte{{blockID(late), blockID(sibling)}, {blockID(sibling), blockID(late)}} {
				require.Equal(t, event.ForkDetected, events[i].EventType)
				fork := events[i].Content.(*event.Fork)
				require.Equal(t, forkchoice.TieBreak.String(), fork.Status)
				require.Equal(t, ids[0], fork.Tip)
				require.Equal(t, ids[1], fork.Block)
			}
			require.Equal(t, event.BlockReverted, events[2].EventType)
			require.Equal(t, blockID(late), blockID(events[2].Content.(*types.Block)))
			require.Equal(t, event.BlockExecuted, events[3].EventType)

			if !tt.invalid {
				require.NoError(t, err)
				require.Equal(t, blockID(early), follower.tip(t))
				require.Equal(t, blockID(early), blockID(events[3].Content.(*types.Block)))
				require.Len(t, follower.net.broadcast, broadcast+1)
				require.Equal(t, blockID(early), blockID(follower.net.broadcast[broadcast]))
				require.Zero(t, follower.net.penalty(earlyGen.id))
				return
			}
			var ibe *InvalidBlockError
			require.ErrorAs(t, err, &ibe)
			require.ErrorContains(t, err, "invalid event root")
			require.Equal(t, blockID(late), follower.tip(t))
			require.Equal(t, blockID(late), blockID(events[3].Content.(*types.Block)))
			require.Len(t, follower.net.broadcast, broadcast, "restored tip must not be broadcast again")
			require.Equal(t, penaltyBan, follower.net.penalty(earlyGen.id))
		})
	}
}

func Test_sendEvent_cancelledContext(t *testing.T) {
	tc := newTestChain(t, 1)
	n := tc.nodes[0]
	for len(n.eventCh) < cap(n.eventCh) {
		n.eventCh <- event.Event{EventType: event.Error}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.sendEvent(ctx, event.BlockExecuted, nil)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sendEvent blocked on full event channel")
	}
	require.Len(t, n.eventCh, cap(n.eventCh))
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

package bft

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/consensus/forkchoice"
	"github.com/corechain-org/corechain/crypto"
	"github.com/corechain-org/corechain/crypto/bls"
	testobserve "github.com/corechain-org/corechain/internal/testutils/observability"
	"github.com/corechain-org/corechain/keyvaluedb/memorydb"
	"github.com/corechain-org/corechain/state"
	"github.com/corechain-org/corechain/statemachine"
	"github.com/corechain-org/corechain/types"
)

func newValidators(t *testing.T, count int, weight uint64) []*Validator {
	t.Helper()
	var vs []*Validator
	for range count {
		signer, err := crypto.NewInMemorySecp256K1Signer()
		require.NoError(t, err)
		v, err := signer.Verifier()
		require.NoError(t, err)
		genKey, err := v.MarshalPublicKey()
		require.NoError(t, err)
		blsKey, err := bls.GenerateKey().PublicKey().Bytes()
		require.NoError(t, err)
		vs = append(vs, &Validator{
			Address:      crypto.AddressFromPublicKey(genKey),
			BFTWeight:    weight,
			BLSKey:       blsKey,
			GeneratorKey: genKey,
		})
	}
	return vs
}

// initGenesis returns bft module store initialized with genesis at height 0.
func initGenesis(t *testing.T, m *Module, validators []*Validator, precommit, certificate uint64) *state.Store {
	t.Helper()
	asset, err := cbor.Marshal(GenesisAsset{Validators: validators, PrecommitThreshold: precommit, CertificateThreshold: certificate})
	require.NoError(t, err)
	var assets types.BlockAssets
	assets.SetAsset(ModuleName, asset)

	root := state.NewStore(memorydb.New(), []byte{0x10})
	ctx := statemachine.NewGenesisBlockContext(statemachine.GenesisBlockContextParams{
		Logger:     testobserve.NOPObservability().Logger(),
		Header:     &types.BlockHeader{Height: 0},
		Assets:     assets,
		Store:      root,
		EventQueue: state.NewEventQueue(0),
	})
	require.NoError(t, m.InitGenesisState(ctx))
	return ModuleStore(root)
}

func TestNewParameters(t *testing.T) {
	vs := newValidators(t, 4, 10)

	p, err := NewParameters(vs, 30, 27)
	require.NoError(t, err)
	require.EqualValues(t, 27, p.PrevoteThreshold) // floor(2*40/3)+1
	require.NoError(t, p.IsValid())
	for i := 1; i < len(p.Validators); i++ {
		require.Less(t, string(p.Validators[i-1].Address), string(p.Validators[i].Address))
	}
	total, err := p.TotalWeight()
	require.NoError(t, err)
	require.EqualValues(t, 40, total.Uint64())

	// order of the input must not change the hash
	reversed := []*Validator{vs[3], vs[2], vs[1], vs[0]}
	p2, err := NewParameters(reversed, 30, 27)
	require.NoError(t, err)
	require.Equal(t, p.ValidatorsHash, p2.ValidatorsHash)

	p3, err := NewParameters(vs, 30, 28)
	require.NoError(t, err)
	require.NotEqual(t, p.ValidatorsHash, p3.ValidatorsHash, "certificate threshold is part of the hash")

	_, err = NewParameters(nil, 1, 1)
	require.EqualError(t, err, "validator set is empty")
	_, err = NewParameters([]*Validator{vs[0], vs[0]}, 15, 15)
	require.ErrorContains(t, err, "duplicate validator address")
	_, err = NewParameters(vs, 13, 30)
	require.EqualError(t, err, "precommit threshold 13 must be greater than one third of the total weight 40")
	_, err = NewParameters(vs, 30, 41)
	require.EqualError(t, err, "certificate threshold 41 must not be greater than the total weight 40")
	_, err = NewParameters(newValidators(t, 2, 0), 1, 1)
	require.EqualError(t, err, "total BFT weight is zero")

	p.ValidatorsHash = []byte{1}
	require.ErrorContains(t, p.IsValid(), "validators hash mismatch")
}

func TestParameters_AggregateWeight(t *testing.T) {
	vs := newValidators(t, 10, 5)
	vs[3].BFTWeight = 7
	p, err := NewParameters(vs, 40, 40)
	require.NoError(t, err)

	bitmap := types.NewBitmap(10)
	w, err := p.AggregateWeight(bitmap)
	require.NoError(t, err)
	require.True(t, w.IsZero())

	_, idx := p.Validator(vs[3].Address)
	types.SetBit(bitmap, idx)
	types.SetBit(bitmap, (idx+1)%10)
	w, err = p.AggregateWeight(bitmap)
	require.NoError(t, err)
	require.EqualValues(t, 12, w.Uint64())

	types.SetBit(bitmap, 12)
	_, err = p.AggregateWeight(bitmap)
	require.EqualError(t, err, "aggregation bit 12 is set but there are only 10 validators")

	_, err = p.AggregateWeight([]byte{0xff})
	require.EqualError(t, err, "aggregation bitmap length 1, expected 2")
}

func TestModule_genesis(t *testing.T) {
	m := NewModule()
	require.EqualValues(t, 0, m.ID())
	require.Equal(t, "bft", m.Name())

	vs := newValidators(t, 4, 1)
	store := initGenesis(t, m, vs, 3, 3)

	heights, err := m.Method().GetBFTHeights(store)
	require.NoError(t, err)
	require.Equal(t, Heights{}, heights)

	_, err = m.Method().GetBFTParameters(store, 0)
	require.ErrorIs(t, err, ErrParametersNotFound)
	p, err := m.Method().GetBFTParameters(store, 1)
	require.NoError(t, err)
	require.Len(t, p.Validators, 4)
	p100, err := m.Method().GetBFTParameters(store, 100)
	require.NoError(t, err)
	require.Equal(t, p, p100)

	votes, err := m.Method().GetVotes(store)
	require.NoError(t, err)
	require.Len(t, votes.ActiveValidatorsVoteInfo, 4)
	for _, vi := range votes.ActiveValidatorsVoteInfo {
		require.EqualValues(t, 1, vi.MinActiveHeight)
		require.EqualValues(t, 0, vi.LargestHeightPrecommit)
	}

	t.Run("missing asset", func(t *testing.T) {
		ctx := statemachine.NewGenesisBlockContext(statemachine.GenesisBlockContextParams{
			Header: &types.BlockHeader{},
			Store:  state.NewStore(nil, nil),
		})
		require.EqualError(t, NewModule().InitGenesisState(ctx), "genesis block has no bft asset")
	})
}

func TestModule_Init(t *testing.T) {
	m := NewModule()
	require.NoError(t, m.Init(&statemachine.InitArgs{}))
	require.Equal(t, 3*defaultBatchSize, m.method.maxLength())
	require.NoError(t, m.Init(&statemachine.InitArgs{ModuleConfig: []byte(`{"batchSize": 4}`)}))
	require.Equal(t, 12, m.method.maxLength())
	require.ErrorContains(t, m.Init(&statemachine.InitArgs{ModuleConfig: []byte(`{"batchSize": -1}`)}), "invalid batch size -1")
	require.ErrorContains(t, m.Init(&statemachine.InitArgs{ModuleConfig: []byte(`{`)}), "decoding bft module config")
}

// chain generates block headers round-robin by the validators and applies them to the BFT state.
type chain struct {
	t         *testing.T
	m         *Module
	store     *state.Store
	params    *Parameters
	height    uint64
	generated map[string]uint64
}

func newChain(t *testing.T, validators int) *chain {
	m := NewModule()
	vs := newValidators(t, validators, 1)
	threshold := uint64(validators*2/3 + 1)
	store := initGenesis(t, m, vs, threshold, threshold)
	params, err := m.Method().GetBFTParameters(store, 1)
	require.NoError(t, err)
	return &chain{t: t, m: m, store: store, params: params, generated: map[string]uint64{}}
}

func (c *chain) nextHeader(generator int) *types.BlockHeader {
	addr := c.params.Validators[generator].Address
	heights, err := c.m.Method().GetBFTHeights(c.store)
	require.NoError(c.t, err)
	return &types.BlockHeader{
		Height:             c.height + 1,
		GeneratorAddress:   addr,
		MaxHeightGenerated: c.generated[string(addr)],
		MaxHeightPrevoted:  heights.MaxHeightPrevoted,
		AggregateCommit:    &types.AggregateCommit{Height: heights.MaxHeightCertified},
	}
}

func (c *chain) apply(h *types.BlockHeader) Heights {
	require.NoError(c.t, c.m.method.applyHeader(c.store, h))
	c.height = h.Height
	c.generated[string(h.GeneratorAddress)] = h.Height
	heights, err := c.m.Method().GetBFTHeights(c.store)
	require.NoError(c.t, err)
	return heights
}

func TestVotes_heightsProgress(t *testing.T) {
	c := newChain(t, 4)

	expected := []Heights{
		{MaxHeightPrevoted: 0, MaxHeightPrecommitted: 0},
		{MaxHeightPrevoted: 0, MaxHeightPrecommitted: 0},
		{MaxHeightPrevoted: 1, MaxHeightPrecommitted: 0},
		{MaxHeightPrevoted: 2, MaxHeightPrecommitted: 0},
		{MaxHeightPrevoted: 3, MaxHeightPrecommitted: 0},
		{MaxHeightPrevoted: 4, MaxHeightPrecommitted: 1},
	}
	for i, want := range expected {
		got := c.apply(c.nextHeader(i % 4))
		require.Equal(t, want, got, "after block %d", i+1)
	}

	// the heights never decrease and prevoted stays ahead of precommitted
	prev := expected[len(expected)-1]
	for i := len(expected); i < 40; i++ {
		got := c.apply(c.nextHeader(i % 4))
		require.GreaterOrEqual(t, got.MaxHeightPrevoted, prev.MaxHeightPrevoted)
		require.GreaterOrEqual(t, got.MaxHeightPrecommitted, prev.MaxHeightPrecommitted)
		require.GreaterOrEqual(t, got.MaxHeightPrevoted, got.MaxHeightPrecommitted)
		require.Less(t, got.MaxHeightPrevoted, c.height)
		prev = got
	}
	// steady state: every block prevotes and precommits
	require.EqualValues(t, c.height-2, prev.MaxHeightPrevoted)
	require.EqualValues(t, c.height-5, prev.MaxHeightPrecommitted)
}

func TestVotes_maxHeightCertified(t *testing.T) {
	c := newChain(t, 4)
	for i := range 6 {
		c.apply(c.nextHeader(i % 4))
	}
	h := c.nextHeader(2)
	h.AggregateCommit = &types.AggregateCommit{Height: 1, AggregationBits: []byte{0xe0}, CertificateSignature: []byte{1}}
	require.EqualValues(t, 1, c.apply(h).MaxHeightCertified)

	// empty commit doesn't change certified height
	h = c.nextHeader(3)
	h.AggregateCommit = &types.AggregateCommit{Height: 1}
	require.EqualValues(t, 1, c.apply(h).MaxHeightCertified)
}

func TestVotes_blockInfosBounded(t *testing.T) {
	c := newChain(t, 4)
	require.NoError(t, c.m.Init(&statemachine.InitArgs{ModuleConfig: []byte(`{"batchSize": 4}`)}))
	for i := range 30 {
		c.apply(c.nextHeader(i % 4))
	}
	votes, err := c.m.Method().GetVotes(c.store)
	require.NoError(t, err)
	require.Len(t, votes.BlockBFTInfos, 12)
	require.EqualValues(t, 30, votes.BlockBFTInfos[0].Height)
	require.EqualValues(t, 19, votes.BlockBFTInfos[11].Height)
}

func TestMethod_IsHeaderContradictingChain(t *testing.T) {
	c := newChain(t, 4)
	for i := range 8 {
		c.apply(c.nextHeader(i % 4))
	}

	// honest next block of validator 0
	h := c.nextHeader(0)
	contradicting, err := c.m.Method().IsHeaderContradictingChain(c.store, h)
	require.NoError(t, err)
	require.False(t, contradicting)

	// validator 0 claims it hasn't generated anything (disjointness violation)
	h.MaxHeightGenerated = 0
	contradicting, err = c.m.Method().IsHeaderContradictingChain(c.store, h)
	require.NoError(t, err)
	require.True(t, contradicting)

	// second block at the same height and same prevoted as validator's previous block
	h = c.nextHeader(0)
	h.Height = c.generated[string(h.GeneratorAddress)]
	votes, err := c.m.Method().GetVotes(c.store)
	require.NoError(t, err)
	h.MaxHeightPrevoted = votes.BlockBFTInfos[c.height-h.Height].MaxHeightPrevoted
	contradicting, err = c.m.Method().IsHeaderContradictingChain(c.store, h)
	require.NoError(t, err)
	require.True(t, contradicting)

	// generator not in the recent chain
	h.GeneratorAddress = make([]byte, 20)
	contradicting, err = c.m.Method().IsHeaderContradictingChain(c.store, h)
	require.NoError(t, err)
	require.False(t, contradicting)
}

func TestMethod_ImpliesMaximalPrevotes(t *testing.T) {
	c := newChain(t, 4)
	for i := range 8 {
		c.apply(c.nextHeader(i % 4))
	}
	method := c.m.Method()

	h := c.nextHeader(0)
	ok, err := method.ImpliesMaximalPrevotes(c.store, h)
	require.NoError(t, err)
	require.True(t, ok)

	h.MaxHeightGenerated = h.Height
	ok, err = method.ImpliesMaximalPrevotes(c.store, h)
	require.NoError(t, err)
	require.False(t, ok)

	// points to a block of another generator
	h.MaxHeightGenerated = h.Height - 1
	ok, err = method.ImpliesMaximalPrevotes(c.store, h)
	require.NoError(t, err)
	require.False(t, ok)

	// beyond the stored block infos
	h.MaxHeightGenerated = 0
	h.Height = 10_000
	ok, err = method.ImpliesMaximalPrevotes(c.store, h)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMethod_SetBFTParameters(t *testing.T) {
	m := NewModule()
	vs := newValidators(t, 4, 1)
	store := initGenesis(t, m, vs, 3, 3)
	method := m.Method()

	next, err := method.NextHeightBFTParameters(store, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, next)
	_, err = method.NextHeightBFTParameters(store, 1)
	require.ErrorIs(t, err, ErrParametersNotFound)

	// replace one validator starting from height 20
	newSet := append(newValidators(t, 1, 1), vs[1:]...)
	p, err := NewParameters(newSet, 3, 3)
	require.NoError(t, err)
	require.NoError(t, method.SetBFTParameters(store, 20, p))

	next, err = method.NextHeightBFTParameters(store, 1)
	require.NoError(t, err)
	require.EqualValues(t, 20, next)

	p19, err := method.GetBFTParameters(store, 19)
	require.NoError(t, err)
	require.NotEqual(t, p.ValidatorsHash, p19.ValidatorsHash)
	p20, err := method.GetBFTParameters(store, 20)
	require.NoError(t, err)
	require.Equal(t, p.ValidatorsHash, p20.ValidatorsHash)

	votes, err := method.GetVotes(store)
	require.NoError(t, err)
	require.Len(t, votes.ActiveValidatorsVoteInfo, 4)
	for _, vi := range votes.ActiveValidatorsVoteInfo {
		if string(vi.Address) == string(newSet[0].Address) {
			require.EqualValues(t, 20, vi.MinActiveHeight)
			require.EqualValues(t, 19, vi.LargestHeightPrecommit)
		} else {
			require.EqualValues(t, 1, vi.MinActiveHeight)
		}
	}

	p.ValidatorsHash = nil
	require.ErrorContains(t, method.SetBFTParameters(store, 30, p), "invalid BFT parameters")
}

func TestMethod_pruneParams(t *testing.T) {
	c := newChain(t, 4)
	require.NoError(t, c.m.Init(&statemachine.InitArgs{ModuleConfig: []byte(`{"batchSize": 1}`)}))
	p, err := NewParameters(c.params.Validators, 3, 3)
	require.NoError(t, err)
	require.NoError(t, c.m.Method().SetBFTParameters(c.store, 5, p))

	for i := range 9 {
		c.apply(c.nextHeader(i % 4))
	}
	h := c.nextHeader(1)
	h.AggregateCommit = &types.AggregateCommit{Height: 6, AggregationBits: []byte{0xf0}, CertificateSignature: []byte{1}}
	c.apply(h)
	// parameters of height 1 are not needed anymore
	_, err = c.m.Method().GetBFTParameters(c.store, 4)
	require.ErrorIs(t, err, ErrParametersNotFound)
	_, err = c.m.Method().GetBFTParameters(c.store, 5)
	require.NoError(t, err)
}

func TestMethod_GetGeneratorAtTimestamp(t *testing.T) {
	m := NewModule()
	store := initGenesis(t, m, newValidators(t, 3, 1), 2, 2)
	p, err := m.Method().GetBFTParameters(store, 1)
	require.NoError(t, err)
	slots := forkchoice.Slots{GenesisTimestamp: 100, BlockTime: 10}

	for i, ts := range []uint64{100, 110, 125, 130, 149} {
		v, err := m.Method().GetGeneratorAtTimestamp(store, 1, slots, ts)
		require.NoError(t, err)
		require.Equal(t, p.Validators[(ts-100)/10%3].Address, v.Address, "case %d", i)
	}
}

func Test_areDistinctHeadersContradicting(t *testing.T) {
	gen := []byte{1}
	info := func(height, mhg, mhp uint64) *BlockBFTInfo {
		return &BlockBFTInfo{Height: height, GeneratorAddress: gen, MaxHeightGenerated: mhg, MaxHeightPrevoted: mhp}
	}
	require.False(t, areDistinctHeadersContradicting(info(10, 5, 8), info(14, 10, 9)))
	require.True(t, areDistinctHeadersContradicting(info(10, 5, 8), info(10, 5, 8)), "same height and prevoted")
	require.True(t, areDistinctHeadersContradicting(info(10, 5, 8), info(14, 9, 9)), "disjointness")
	require.True(t, areDistinctHeadersContradicting(info(14, 10, 9), info(10, 5, 8)), "order of the arguments doesn't matter")
	require.False(t, areDistinctHeadersContradicting(info(10, 5, 8), &BlockBFTInfo{Height: 10, GeneratorAddress: []byte{2}}))
}

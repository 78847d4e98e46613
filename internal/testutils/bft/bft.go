package testbft

import (
	"bytes"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corechain-org/corechain/bft"
	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/chain"
	"github.com/corechain-org/corechain/crypto"
	"github.com/corechain-org/corechain/crypto/bls"
	testblock "github.com/corechain-org/corechain/internal/testutils/block"
	testobserve "github.com/corechain-org/corechain/internal/testutils/observability"
	"github.com/corechain-org/corechain/keyvaluedb/memorydb"
	"github.com/corechain-org/corechain/state"
	"github.com/corechain-org/corechain/statemachine"
	"github.com/corechain-org/corechain/types"
)

var ChainID = []byte{0, 0, 0, 1}

// Validator holds the keys of a validator.
type Validator struct {
	Signer *crypto.InMemorySecp256K1Signer
	BLS    *bls.SecretKey
	Info   *bft.Validator
}

func (v *Validator) Address() []byte { return v.Info.Address }

// NewValidators returns validators sorted by address.
func NewValidators(t testing.TB, count int, weight uint64) []*Validator {
	t.Helper()
	vs := make([]*Validator, 0, count)
	for range count {
		signer, err := crypto.NewInMemorySecp256K1Signer()
		require.NoError(t, err)
		verifier, err := signer.Verifier()
		require.NoError(t, err)
		pubKey, err := verifier.MarshalPublicKey()
		require.NoError(t, err)
		blsKey := bls.GenerateKey()
		blsPub, err := blsKey.PublicKey().Bytes()
		require.NoError(t, err)
		vs = append(vs, &Validator{
			Signer: signer,
			BLS:    blsKey,
			Info: &bft.Validator{
				Address:      crypto.AddressFromPublicKey(pubKey),
				BFTWeight:    weight,
				BLSKey:       blsPub,
				GeneratorKey: pubKey,
			},
		})
	}
	slices.SortFunc(vs, func(a, b *Validator) int { return bytes.Compare(a.Address(), b.Address()) })
	return vs
}

func Infos(vs []*Validator) []*bft.Validator {
	infos := make([]*bft.Validator, len(vs))
	for i, v := range vs {
		infos[i] = v.Info
	}
	return infos
}

func GenesisAsset(t testing.TB, vs []*Validator, precommit, certificate uint64) []byte {
	t.Helper()
	data, err := cbor.Marshal(&bft.GenesisAsset{Validators: Infos(vs), PrecommitThreshold: precommit, CertificateThreshold: certificate})
	require.NoError(t, err)
	return data
}

/*
Chain builds a chain of (no state roots) blocks generated round-robin
by the validators. Only the BFT module is executed so the BFT state of the
chain evolves as the votes are cast.
*/
type Chain struct {
	t          testing.TB
	Chain      *chain.Chain
	Module     *bft.Module
	View       *bft.View
	Validators []*Validator
	generated  map[string]uint64
}

// NewChain creates chain with the genesis block at height 0, thresholds are 2/3 of the validator count + 1.
func NewChain(t testing.TB, validators []*Validator) *Chain {
	t.Helper()
	c, err := chain.New(memorydb.New(), testobserve.NOPObservability())
	require.NoError(t, err)
	threshold := uint64(len(validators)*2/3 + 1)
	genesis := testblock.Genesis(t, testblock.WithAsset(bft.ModuleName, GenesisAsset(t, validators, threshold, threshold)))

	m := bft.NewModule()
	store := c.NewStateStore()
	ctx := statemachine.NewGenesisBlockContext(statemachine.GenesisBlockContextParams{
		Logger:     testobserve.NOPObservability().Logger(),
		ChainID:    ChainID,
		Header:     genesis.Header,
		Assets:     genesis.Assets,
		Store:      store,
		EventQueue: state.NewEventQueue(genesis.Height()),
	})
	require.NoError(t, m.InitGenesisState(ctx))
	require.NoError(t, c.SaveBlock(genesis, nil, store, 0))

	return &Chain{
		t:          t,
		Chain:      c,
		Module:     m,
		View:       bft.NewView(m.Method(), func() bft.Reader { return bft.ModuleStore(c.NewStateStore()) }),
		Validators: validators,
		generated:  map[string]uint64{},
	}
}

// NextHeader returns the next block with the BFT fields set and signed as an honest generator would.
func (c *Chain) NextHeader(opts ...testblock.Option) *types.Block {
	c.t.Helper()
	heights, err := c.View.GetBFTHeights()
	require.NoError(c.t, err)
	tip := c.Chain.LastBlock()
	generator := c.Validators[(tip.Height()+1)%uint64(len(c.Validators))]
	opts = append([]testblock.Option{
		testblock.WithGenerator(generator.Address()),
		func(b *types.Block) {
			b.Header.MaxHeightGenerated = c.generated[string(generator.Address())]
			b.Header.MaxHeightPrevoted = heights.MaxHeightPrevoted
			b.Header.AggregateCommit = &types.AggregateCommit{Height: heights.MaxHeightCertified}
		},
	}, opts...)
	b := testblock.Next(c.t, tip, opts...)
	require.NoError(c.t, b.Header.Sign(generator.Signer, ChainID))
	return b
}

// AddBlock applies the block to the BFT state and saves it.
func (c *Chain) AddBlock(b *types.Block) {
	c.t.Helper()
	require.NoError(c.t, c.Apply(b))
}

// Apply executes the BFT module on the block and saves it, finalized height is the max height precommitted.
func (c *Chain) Apply(b *types.Block) error {
	store := c.Chain.NewStateStore()
	ctx := statemachine.NewBlockContext(statemachine.BlockContextParams{
		Logger:     testobserve.NOPObservability().Logger(),
		ChainID:    ChainID,
		Header:     b.Header,
		Assets:     b.Assets,
		Store:      store,
		EventQueue: state.NewEventQueue(b.Height()),
	})
	if err := c.Module.BeforeTransactionsExecute(ctx.CreateBlockExecuteContext()); err != nil {
		return err
	}
	heights, err := c.Module.Method().GetBFTHeights(bft.ModuleStore(store))
	if err != nil {
		return err
	}
	if err := c.Chain.SaveBlock(b, nil, store, heights.MaxHeightPrecommitted); err != nil {
		return err
	}
	c.generated[string(b.Header.GeneratorAddress)] = b.Height()
	return nil
}

// Revert removes the last block of the chain.
func (c *Chain) Revert() (*types.Block, error) {
	b, _, err := c.Chain.RemoveBlock()
	if err != nil {
		return nil, err
	}
	c.generated[string(b.Header.GeneratorAddress)] = b.Header.MaxHeightGenerated
	return b, nil
}

// AddBlocks generates and adds "count" blocks.
func (c *Chain) AddBlocks(count int) {
	c.t.Helper()
	for range count {
		c.AddBlock(c.NextHeader())
	}
}

// Validator returns validator with the address.
func (c *Chain) Validator(address []byte) *Validator {
	for _, v := range c.Validators {
		if bytes.Equal(v.Address(), address) {
			return v
		}
	}
	return nil
}

package consensus

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	"github.com/corechain-org/corechain/bft"
	"github.com/corechain-org/corechain/chain"
	"github.com/corechain-org/corechain/crypto"
	"github.com/corechain-org/corechain/state"
	"github.com/corechain-org/corechain/statemachine"
	"github.com/corechain-org/corechain/types"
)

// GenesisParams describe the first block of the chain.
type GenesisParams struct {
	Height    uint64
	Timestamp uint64
	// Assets of the genesis block, the bft module's asset (bft.GenesisAsset) is required.
	Assets types.BlockAssets
}

/*
CreateGenesisBlock executes the genesis hooks of the state machine modules
and returns the genesis block with the roots of the resulting state. The
modules must be initialized.
*/
func CreateGenesisBlock(sm *statemachine.StateMachine, chainID []byte, params GenesisParams, log *slog.Logger) (*types.Block, error) {
	if sm == nil {
		return nil, errors.New("state machine is nil")
	}
	if len(chainID) == 0 {
		return nil, ErrChainIDIsEmpty
	}
	block := &types.Block{
		Header: &types.BlockHeader{
			Version:          types.BlockVersion,
			Height:           params.Height,
			PreviousBlockID:  make([]byte, sha256.Size),
			Timestamp:        params.Timestamp,
			GeneratorAddress: make([]byte, crypto.AddressLength),
			AggregateCommit:  &types.AggregateCommit{Height: params.Height},
		},
		Assets: params.Assets,
	}
	if err := block.SetRoots(); err != nil {
		return nil, fmt.Errorf("calculating genesis content roots: %w", err)
	}

	store := chain.NewMemoryStateStore()
	events, err := executeGenesis(sm, chainID, block, store, log)
	if err != nil {
		return nil, err
	}
	if block.Header.EventRoot, err = types.EventRoot(events); err != nil {
		return nil, fmt.Errorf("calculating event root: %w", err)
	}
	if block.Header.StateRoot, err = store.CalculateRoot(); err != nil {
		return nil, fmt.Errorf("calculating state root: %w", err)
	}
	bftModule, ok := sm.Module(bft.ModuleName)
	if !ok {
		return nil, errors.New("bft module is not registered")
	}
	bftParams, err := bftModule.(*bft.Module).Method().GetBFTParameters(bft.ModuleStore(store), params.Height+1)
	if err != nil {
		return nil, fmt.Errorf("reading genesis BFT parameters: %w", err)
	}
	block.Header.ValidatorsHash = bftParams.ValidatorsHash
	return block, nil
}

func executeGenesis(sm *statemachine.StateMachine, chainID []byte, block *types.Block, store *state.Store, log *slog.Logger) ([]*types.Event, error) {
	if err := block.IsValidGenesis(); err != nil {
		return nil, fmt.Errorf("invalid genesis block: %w", err)
	}
	queue := state.NewEventQueue(block.Height())
	ctx := statemachine.NewGenesisBlockContext(statemachine.GenesisBlockContextParams{
		Logger:     log,
		ChainID:    chainID,
		Header:     block.Header,
		Assets:     block.Assets,
		Store:      store,
		EventQueue: queue,
	})
	if err := sm.ExecuteGenesisBlock(ctx); err != nil {
		return nil, fmt.Errorf("executing genesis block: %w", err)
	}
	return queue.GetEvents(), nil
}

/*
initChain stores the genesis block when the chain is empty. Otherwise the
genesis block of the chain must match the configured genesis.
*/
func (c *Consensus) initChain() error {
	genesisID, err := c.genesis.ID()
	if err != nil {
		return fmt.Errorf("genesis block ID: %w", err)
	}
	if c.chain.LastBlock() != nil {
		b, err := c.chain.GetBlockByHeight(c.genesis.Height())
		if err != nil {
			return fmt.Errorf("reading genesis block of the chain: %w", err)
		}
		id, err := b.ID()
		if err != nil {
			return fmt.Errorf("block ID: %w", err)
		}
		if !bytes.Equal(id, genesisID) {
			return fmt.Errorf("genesis block mismatch, chain has %X, expected %X", id, genesisID)
		}
		return nil
	}

	store := c.chain.NewStateStore()
	events, err := executeGenesis(c.sm, c.chainID, c.genesis, store, c.log)
	if err != nil {
		return err
	}
	eventRoot, err := types.EventRoot(events)
	if err != nil {
		return fmt.Errorf("calculating event root: %w", err)
	}
	if !bytes.Equal(eventRoot, c.genesis.Header.EventRoot) {
		return fmt.Errorf("genesis event root mismatch, calculated %X, expected %X", eventRoot, c.genesis.Header.EventRoot)
	}
	stateRoot, err := store.CalculateRoot()
	if err != nil {
		return fmt.Errorf("calculating state root: %w", err)
	}
	if !bytes.Equal(stateRoot, c.genesis.Header.StateRoot) {
		return fmt.Errorf("genesis state root mismatch, calculated %X, expected %X", stateRoot, c.genesis.Header.StateRoot)
	}
	if err := c.chain.SaveBlock(c.genesis, events, store, c.genesis.Height()); err != nil {
		return fmt.Errorf("saving genesis block: %w", err)
	}
	c.log.Info(fmt.Sprintf("stored genesis block %X", genesisID))
	return nil
}

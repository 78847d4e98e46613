package bft

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/statemachine"
)

const (
	ModuleID   uint32 = 0
	ModuleName        = "bft"

	defaultBatchSize = 103
)

type (
	// GenesisAsset is the data of the bft module's asset in the genesis block.
	GenesisAsset struct {
		_                    struct{}     `cbor:",toarray"`
		Validators           []*Validator `json:"validators"`
		PrecommitThreshold   uint64       `json:"precommitThreshold,string"`
		CertificateThreshold uint64       `json:"certificateThreshold,string"`
	}

	Config struct {
		// BatchSize is the number of validators in a round, three batches of
		// block BFT infos are kept.
		BatchSize int `json:"batchSize"`
	}

	/*
		Module is the system module keeping track of the BFT votes implied by
		the block headers.
	*/
	Module struct {
		method Method
	}
)

func NewModule() *Module {
	return &Module{method: Method{maxLengthBlockBFTInfos: 3 * defaultBatchSize}}
}

func (m *Module) ID() uint32 { return ModuleID }

func (m *Module) Name() string { return ModuleName }

// Method returns the API to access the BFT state.
func (m *Module) Method() Method { return m.method }

func (m *Module) Init(args *statemachine.InitArgs) error {
	if len(args.ModuleConfig) == 0 {
		return nil
	}
	cfg := Config{}
	if err := json.Unmarshal(args.ModuleConfig, &cfg); err != nil {
		return fmt.Errorf("decoding bft module config: %w", err)
	}
	if cfg.BatchSize < 0 {
		return fmt.Errorf("invalid batch size %d", cfg.BatchSize)
	}
	if cfg.BatchSize > 0 {
		m.method.maxLengthBlockBFTInfos = 3 * cfg.BatchSize
	}
	return nil
}

/*
InitGenesisState stores the genesis validator set as the parameters of the
first block after genesis. All the BFT heights start at the genesis height.
*/
func (m *Module) InitGenesisState(ctx *statemachine.GenesisBlockContext) error {
	data := ctx.Assets().GetAsset(ModuleName)
	if data == nil {
		return errors.New("genesis block has no bft asset")
	}
	asset := &GenesisAsset{}
	if err := cbor.Unmarshal(data, asset); err != nil {
		return fmt.Errorf("decoding bft genesis asset: %w", err)
	}
	params, err := NewParameters(asset.Validators, asset.PrecommitThreshold, asset.CertificateThreshold)
	if err != nil {
		return fmt.Errorf("genesis BFT parameters: %w", err)
	}

	height := ctx.Header().Height
	store := ctx.GetStore(ModuleID, nil)
	votes := &Votes{
		MaxHeightPrevoted:     height,
		MaxHeightPrecommitted: height,
		MaxHeightCertified:    height,
	}
	if err := m.method.setVotes(store, votes); err != nil {
		return err
	}
	return m.method.SetBFTParameters(store, height+1, params)
}

func (m *Module) BeforeTransactionsExecute(ctx *statemachine.BlockExecuteContext) error {
	return m.method.applyHeader(ctx.GetStore(ModuleID, nil), ctx.Header())
}

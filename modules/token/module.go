package token

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/crypto"
	"github.com/corechain-org/corechain/state"
	"github.com/corechain-org/corechain/statemachine"
	"github.com/corechain-org/corechain/types"
)

const (
	ModuleID   uint32 = 2
	ModuleName        = "token"

	CommandTransfer = "transfer"
	EventTransfer   = "transfer"
)

var (
	prefixAccount = []byte{0x00}
	keySupply     = []byte{0x01}
)

var ErrInsufficientBalance = errors.New("insufficient balance")

type (
	Account struct {
		_      struct{} `cbor:",toarray"`
		Amount uint64   `json:"amount,string"`
		// fee locked by the transaction being executed
		Locked uint64 `json:"locked,string"`
	}

	GenesisAccount struct {
		_       struct{}    `cbor:",toarray"`
		Address types.Bytes `json:"address"`
		Amount  uint64      `json:"amount,string"`
	}

	// GenesisAsset is the data of the token module's asset in the genesis block.
	GenesisAsset struct {
		_        struct{}          `cbor:",toarray"`
		Accounts []*GenesisAccount `json:"accounts"`
	}

	Config struct {
		MinFee uint64 `json:"minFee,string"`
	}

	/*
		Module keeps the token balances of the accounts. Transaction fees are
		paid in tokens: the fee is locked before the command is executed and
		credited to the generator of the block afterwards, so the fee is paid
		even when the command fails.
	*/
	Module struct {
		minFee uint64
	}
)

func NewModule() *Module {
	return &Module{}
}

func (m *Module) ID() uint32 { return ModuleID }

func (m *Module) Name() string { return ModuleName }

func (m *Module) Init(args *statemachine.InitArgs) error {
	if len(args.ModuleConfig) == 0 {
		return nil
	}
	cfg := Config{}
	if err := json.Unmarshal(args.ModuleConfig, &cfg); err != nil {
		return fmt.Errorf("decoding token module config: %w", err)
	}
	m.minFee = cfg.MinFee
	return nil
}

func (m *Module) Commands() []statemachine.Command {
	return []statemachine.Command{&transferCommand{}}
}

func (m *Module) InitGenesisState(ctx *statemachine.GenesisBlockContext) error {
	data := ctx.Assets().GetAsset(ModuleName)
	if data == nil {
		return nil
	}
	asset := &GenesisAsset{}
	if err := cbor.Unmarshal(data, asset); err != nil {
		return fmt.Errorf("decoding token genesis asset: %w", err)
	}
	store := ctx.GetStore(ModuleID, prefixAccount)
	for i, acc := range asset.Accounts {
		if len(acc.Address) != crypto.AddressLength {
			return fmt.Errorf("genesis account %d: invalid address length %d", i, len(acc.Address))
		}
		found, err := store.Has(acc.Address)
		if err != nil {
			return fmt.Errorf("genesis account %d: %w", i, err)
		}
		if found {
			return fmt.Errorf("genesis account %d: duplicate address %X", i, acc.Address)
		}
		if err := store.SetWithSchema(acc.Address, &Account{Amount: acc.Amount}); err != nil {
			return fmt.Errorf("storing genesis account %X: %w", acc.Address, err)
		}
	}
	return nil
}

// FinalizeGenesisState stores the total supply of the tokens.
func (m *Module) FinalizeGenesisState(ctx *statemachine.GenesisBlockContext) error {
	accounts, err := ctx.GetStore(ModuleID, prefixAccount).Iterate(state.IterateOptions{})
	if err != nil {
		return fmt.Errorf("reading genesis accounts: %w", err)
	}
	var supply uint64
	for _, kv := range accounts {
		acc := &Account{}
		if err := cbor.Unmarshal(kv.Value, acc); err != nil {
			return fmt.Errorf("decoding account %X: %w", kv.Key, err)
		}
		if supply+acc.Amount < supply {
			return errors.New("total supply overflows")
		}
		supply += acc.Amount
	}
	return ctx.GetStore(ModuleID, nil).SetWithSchema(keySupply, supply)
}

// VerifyAssets rejects token assets outside of the genesis block.
func (m *Module) VerifyAssets(ctx *statemachine.BlockVerifyContext) error {
	if ctx.Assets().GetAsset(ModuleName) != nil {
		return errors.New("token asset is allowed only in the genesis block")
	}
	return nil
}

func (m *Module) VerifyTransaction(ctx *statemachine.TransactionVerifyContext) statemachine.VerificationResult {
	tx := ctx.Transaction()
	if tx.Fee < m.minFee {
		return statemachine.VerifyResultFail(fmt.Errorf("fee %d is lower than the minimum fee %d", tx.Fee, m.minFee))
	}
	acc, err := GetAccount(ctx.GetStore(ModuleID, prefixAccount), tx.SenderAddress())
	if err != nil {
		return statemachine.VerifyResultFail(err)
	}
	if acc.Amount < tx.Fee {
		return statemachine.VerifyResultFail(fmt.Errorf("%w to pay fee %d, balance is %d", ErrInsufficientBalance, tx.Fee, acc.Amount))
	}
	return statemachine.VerifyResultOK()
}

// BeforeCommandExecute locks the fee of the transaction.
func (m *Module) BeforeCommandExecute(ctx *statemachine.TransactionExecuteContext) error {
	tx := ctx.Transaction()
	store := ctx.GetStore(ModuleID, prefixAccount)
	address := tx.SenderAddress()
	acc, err := GetAccount(store, address)
	if err != nil {
		return err
	}
	if acc.Amount < tx.Fee {
		return fmt.Errorf("%w to lock fee %d, balance is %d", ErrInsufficientBalance, tx.Fee, acc.Amount)
	}
	acc.Amount -= tx.Fee
	acc.Locked += tx.Fee
	return store.SetWithSchema(address, acc)
}

// AfterCommandExecute credits the locked fee to the generator of the block.
func (m *Module) AfterCommandExecute(ctx *statemachine.TransactionExecuteContext) error {
	tx := ctx.Transaction()
	store := ctx.GetStore(ModuleID, prefixAccount)
	address := tx.SenderAddress()
	acc, err := GetAccount(store, address)
	if err != nil {
		return err
	}
	if acc.Locked < tx.Fee {
		return fmt.Errorf("locked amount %d is less than the fee %d", acc.Locked, tx.Fee)
	}
	acc.Locked -= tx.Fee
	if err := store.SetWithSchema(address, acc); err != nil {
		return fmt.Errorf("storing account %X: %w", address, err)
	}
	if h := ctx.Header(); h != nil && tx.Fee > 0 {
		return credit(store, h.GeneratorAddress, tx.Fee)
	}
	return nil
}

// GetAccount returns the account of the address, unknown address has zero balance.
func GetAccount(store statemachine.ImmutableStore, address []byte) (*Account, error) {
	acc := &Account{}
	if err := store.GetWithSchema(address, acc); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return acc, nil
		}
		return nil, fmt.Errorf("reading account %X: %w", address, err)
	}
	return acc, nil
}

// GetSupply returns the total supply set at genesis.
func GetSupply(store statemachine.ImmutableStore) (uint64, error) {
	var supply uint64
	if err := store.GetWithSchema(keySupply, &supply); err != nil {
		return 0, fmt.Errorf("reading total supply: %w", err)
	}
	return supply, nil
}

// ModuleStore returns the sub-store of the token module.
func ModuleStore(root *state.Store) *state.Store {
	return root.GetStore(ModuleID, nil)
}

// AccountStore returns the sub-store of the accounts.
func AccountStore(root *state.Store) *state.Store {
	return root.GetStore(ModuleID, prefixAccount)
}

func credit(store *state.Store, address []byte, amount uint64) error {
	acc, err := GetAccount(store, address)
	if err != nil {
		return err
	}
	if acc.Amount+amount < acc.Amount {
		return fmt.Errorf("balance of %X overflows", address)
	}
	acc.Amount += amount
	return store.SetWithSchema(address, acc)
}

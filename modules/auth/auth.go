package auth

import (
	"errors"
	"fmt"

	"github.com/corechain-org/corechain/crypto"
	"github.com/corechain-org/corechain/state"
	"github.com/corechain-org/corechain/statemachine"
	"github.com/corechain-org/corechain/types"
)

const (
	ModuleID   uint32 = 1
	ModuleName        = "auth"
)

var prefixNonce = []byte{0x00}

var (
	ErrNonceTooLow  = errors.New("nonce is lower than the account nonce")
	ErrNonceTooHigh = errors.New("nonce is higher than the account nonce")
)

type (
	// Account is the auth state of the transaction sender.
	Account struct {
		_     struct{} `cbor:",toarray"`
		Nonce uint64   `json:"nonce,string"`
	}

	// Reader is the read only view of the module's store.
	Reader interface {
		GetWithSchema(key []byte, v any) error
	}

	/*
		Module is the system module authenticating transactions: the sender must
		have signed the transaction and the nonce must follow the account's
		nonce. Transaction with nonce from the future is PENDING, it might become
		valid once the preceding transactions have been executed.
	*/
	Module struct{}
)

func NewModule() *Module {
	return &Module{}
}

func (m *Module) ID() uint32 { return ModuleID }

func (m *Module) Name() string { return ModuleName }

func (m *Module) VerifyTransaction(ctx *statemachine.TransactionVerifyContext) statemachine.VerificationResult {
	tx := ctx.Transaction()
	if err := verifySignature(tx, ctx.ChainID()); err != nil {
		return statemachine.VerifyResultFail(err)
	}

	account, err := GetAccount(ctx.GetStore(ModuleID, prefixNonce), tx.SenderAddress())
	if err != nil {
		return statemachine.VerifyResultFail(err)
	}
	switch {
	case tx.Nonce < account.Nonce:
		return statemachine.VerifyResultFail(fmt.Errorf("%w: %d < %d", ErrNonceTooLow, tx.Nonce, account.Nonce))
	case tx.Nonce > account.Nonce:
		return statemachine.VerifyResultPending(fmt.Errorf("%w: %d > %d", ErrNonceTooHigh, tx.Nonce, account.Nonce))
	}
	return statemachine.VerifyResultOK()
}

// BeforeCommandExecute increments the sender's nonce, the nonce is used even when the command fails.
func (m *Module) BeforeCommandExecute(ctx *statemachine.TransactionExecuteContext) error {
	tx := ctx.Transaction()
	store := ctx.GetStore(ModuleID, prefixNonce)
	address := tx.SenderAddress()
	account, err := GetAccount(store, address)
	if err != nil {
		return err
	}
	if tx.Nonce != account.Nonce {
		return fmt.Errorf("invalid nonce %d, expected %d", tx.Nonce, account.Nonce)
	}
	account.Nonce++
	if err := store.SetWithSchema(address, account); err != nil {
		return fmt.Errorf("storing account %X: %w", address, err)
	}
	return nil
}

// GetAccount returns the auth account of the address, unknown address has zero nonce.
func GetAccount(store Reader, address []byte) (*Account, error) {
	account := &Account{}
	if err := store.GetWithSchema(address, account); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return account, nil
		}
		return nil, fmt.Errorf("reading account %X: %w", address, err)
	}
	return account, nil
}

// NonceStore returns the sub-store of the nonces in the state.
func NonceStore(root *state.Store) *state.Store {
	return root.GetStore(ModuleID, prefixNonce)
}

func verifySignature(tx *types.Transaction, chainID []byte) error {
	if len(tx.Signatures) != 1 {
		return fmt.Errorf("expected one signature, got %d", len(tx.Signatures))
	}
	verifier, err := crypto.NewVerifierSecp256k1(tx.SenderPublicKey)
	if err != nil {
		return fmt.Errorf("sender public key: %w", err)
	}
	msg, err := tx.SigBytes()
	if err != nil {
		return fmt.Errorf("transaction sig bytes: %w", err)
	}
	if err := crypto.VerifyWithTag(verifier, tx.Signatures[0], crypto.TagTransaction, chainID, msg); err != nil {
		return fmt.Errorf("invalid transaction signature: %w", err)
	}
	return nil
}

package token

import (
	"errors"
	"fmt"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/crypto"
	"github.com/corechain-org/corechain/statemachine"
	"github.com/corechain-org/corechain/types"
)

type (
	TransferParams struct {
		_         struct{}    `cbor:",toarray"`
		Recipient types.Bytes `json:"recipient"`
		Amount    uint64      `json:"amount,string"`
		Data      types.Bytes `json:"data"`
	}

	// TransferEvent is the data of the transfer event.
	TransferEvent struct {
		_         struct{}    `cbor:",toarray"`
		Sender    types.Bytes `json:"sender"`
		Recipient types.Bytes `json:"recipient"`
		Amount    uint64      `json:"amount,string"`
	}

	transferCommand struct{}
)

const maxTransferDataSize = 64

func (c *transferCommand) Name() string { return CommandTransfer }

func (c *transferCommand) Verify(ctx *statemachine.CommandVerifyContext) statemachine.VerificationResult {
	if _, err := decodeTransferParams(ctx.Transaction().Params); err != nil {
		return statemachine.VerifyResultFail(err)
	}
	return statemachine.VerifyResultOK()
}

func (c *transferCommand) Execute(ctx *statemachine.CommandExecuteContext) error {
	tx := ctx.Transaction()
	params, err := decodeTransferParams(tx.Params)
	if err != nil {
		return err
	}
	store := ctx.GetStore(ModuleID, prefixAccount)
	sender := tx.SenderAddress()
	acc, err := GetAccount(store, sender)
	if err != nil {
		return err
	}
	if acc.Amount < params.Amount {
		return fmt.Errorf("%w: transfer %d, balance %d", ErrInsufficientBalance, params.Amount, acc.Amount)
	}
	acc.Amount -= params.Amount
	if err := store.SetWithSchema(sender, acc); err != nil {
		return fmt.Errorf("storing sender account: %w", err)
	}
	if err := credit(store, params.Recipient, params.Amount); err != nil {
		return fmt.Errorf("crediting recipient: %w", err)
	}

	data, err := cbor.Marshal(&TransferEvent{Sender: sender, Recipient: params.Recipient, Amount: params.Amount})
	if err != nil {
		return fmt.Errorf("encoding transfer event: %w", err)
	}
	return ctx.EventQueue().Add(ModuleName, EventTransfer, data, [][]byte{sender, params.Recipient}, false)
}

func decodeTransferParams(data []byte) (*TransferParams, error) {
	params := &TransferParams{}
	if err := cbor.Unmarshal(data, params); err != nil {
		return nil, fmt.Errorf("decoding transfer params: %w", err)
	}
	if len(params.Recipient) != crypto.AddressLength {
		return nil, fmt.Errorf("invalid recipient address length %d", len(params.Recipient))
	}
	if params.Amount == 0 {
		return nil, errors.New("transfer amount must be greater than zero")
	}
	if len(params.Data) > maxTransferDataSize {
		return nil, fmt.Errorf("data size %d exceeds limit %d", len(params.Data), maxTransferDataSize)
	}
	return params, nil
}

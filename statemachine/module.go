package statemachine

import (
	"encoding/json"
	"fmt"

	"github.com/corechain-org/corechain/types"
)

type (
	// Module is the unit of state machine functionality. In addition to these
	// two methods module implements any number of the Has* capability interfaces.
	Module interface {
		ID() uint32
		Name() string
	}

	HasInit interface {
		Init(args *InitArgs) error
	}

	HasInitGenesisState interface {
		InitGenesisState(ctx *GenesisBlockContext) error
	}

	HasFinalizeGenesisState interface {
		FinalizeGenesisState(ctx *GenesisBlockContext) error
	}

	HasVerifyTransaction interface {
		VerifyTransaction(ctx *TransactionVerifyContext) VerificationResult
	}

	HasBeforeCommandExecute interface {
		BeforeCommandExecute(ctx *TransactionExecuteContext) error
	}

	HasAfterCommandExecute interface {
		AfterCommandExecute(ctx *TransactionExecuteContext) error
	}

	HasVerifyAssets interface {
		VerifyAssets(ctx *BlockVerifyContext) error
	}

	HasBeforeTransactionsExecute interface {
		BeforeTransactionsExecute(ctx *BlockExecuteContext) error
	}

	HasAfterTransactionsExecute interface {
		AfterTransactionsExecute(ctx *BlockAfterExecuteContext) error
	}

	HasCommands interface {
		Commands() []Command
	}

	// Command is executed by transactions addressing it by module and command name.
	Command interface {
		Name() string
		Verify(ctx *CommandVerifyContext) VerificationResult
		Execute(ctx *CommandExecuteContext) error
	}

	// InitArgs is passed to the module's Init method, configs are the module's
	// own sections (raw JSON) of the node configuration.
	InitArgs struct {
		GenesisConfig   *GenesisConfig
		ModuleConfig    json.RawMessage
		GeneratorConfig json.RawMessage
	}

	// GenesisConfig holds the chain wide parameters fixed at genesis.
	GenesisConfig struct {
		ChainID             types.Bytes `json:"chainID"`
		BlockTime           uint32      `json:"blockTime"` // seconds
		MaxTransactionsSize uint32      `json:"maxTransactionsSize"`
	}
)

type VerifyStatus int8

const (
	VerifyFail VerifyStatus = iota
	VerifyOK
	VerifyPending
)

func (s VerifyStatus) String() string {
	switch s {
	case VerifyFail:
		return "FAIL"
	case VerifyOK:
		return "OK"
	case VerifyPending:
		return "PENDING"
	default:
		return fmt.Sprintf("VerifyStatus(%d)", int8(s))
	}
}

// VerificationResult of non-OK status should carry the reason in Err.
type VerificationResult struct {
	Status VerifyStatus
	Err    error
}

func VerifyResultOK() VerificationResult {
	return VerificationResult{Status: VerifyOK}
}

func VerifyResultFail(err error) VerificationResult {
	return VerificationResult{Status: VerifyFail, Err: err}
}

func VerifyResultPending(err error) VerificationResult {
	return VerificationResult{Status: VerifyPending, Err: err}
}

/*
TxResult is the outcome of ExecuteTransaction:
  - TxResultOK: the command was executed;
  - TxResultFail: the command failed, its state changes were discarded but the
    changes of the before/after hooks (ie fee handling) were kept;
  - TxResultInvalid: the transaction can't be included in the block.
*/
type TxResult int8

const (
	TxResultInvalid TxResult = iota - 1
	TxResultFail
	TxResultOK
)

func (r TxResult) String() string {
	switch r {
	case TxResultInvalid:
		return "INVALID"
	case TxResultFail:
		return "FAIL"
	case TxResultOK:
		return "OK"
	default:
		return fmt.Sprintf("TxResult(%d)", int8(r))
	}
}

const (
	EventCommandExecutionResult = "commandExecutionResult"
)

// CommandExecutionResult is the data of the event emitted for every executed transaction.
type CommandExecutionResult struct {
	_       struct{} `cbor:",toarray"`
	Success bool
}

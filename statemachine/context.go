package statemachine

import (
	"log/slog"

	"github.com/corechain-org/corechain/state"
	"github.com/corechain-org/corechain/types"
)

type (
	// ImmutableStore is the read only view of the state given to the verify hooks.
	ImmutableStore interface {
		Get(key []byte) ([]byte, error)
		GetWithSchema(key []byte, v any) error
		Has(key []byte) (bool, error)
		Iterate(opts state.IterateOptions) ([]state.KV, error)
	}

	// MethodContext is passed to the methods modules expose to each other.
	MethodContext struct {
		store        *state.Store
		eventQueue   *state.EventQueue
		contextStore map[string]any
	}

	ImmutableMethodContext struct {
		store *state.Store
	}

	// readOnlyStore exposes only the reads of the store.
	readOnlyStore struct {
		store *state.Store
	}

	baseContext struct {
		log          *slog.Logger
		chainID      []byte
		header       *types.BlockHeader
		assets       types.BlockAssets
		store        *state.Store
		eventQueue   *state.EventQueue
		contextStore map[string]any
	}

	immutableContext struct{ baseContext }

	mutableContext struct{ baseContext }
)

func NewMethodContext(store *state.Store, eventQueue *state.EventQueue, contextStore map[string]any) *MethodContext {
	if contextStore == nil {
		contextStore = map[string]any{}
	}
	return &MethodContext{store: store, eventQueue: eventQueue, contextStore: contextStore}
}

func (mc *MethodContext) GetStore(module uint32, prefix []byte) *state.Store {
	return mc.store.GetStore(module, prefix)
}

func (mc *MethodContext) EventQueue() *state.EventQueue { return mc.eventQueue }

func (mc *MethodContext) ContextStore() map[string]any { return mc.contextStore }

func NewImmutableMethodContext(store *state.Store) *ImmutableMethodContext {
	return &ImmutableMethodContext{store: store}
}

func (mc *ImmutableMethodContext) GetStore(module uint32, prefix []byte) ImmutableStore {
	return readOnlyStore{store: mc.store.GetStore(module, prefix)}
}

func (r readOnlyStore) Get(key []byte) ([]byte, error) { return r.store.Get(key) }

func (r readOnlyStore) GetWithSchema(key []byte, v any) error { return r.store.GetWithSchema(key, v) }

func (r readOnlyStore) Has(key []byte) (bool, error) { return r.store.Has(key) }

func (r readOnlyStore) Iterate(opts state.IterateOptions) ([]state.KV, error) {
	return r.store.Iterate(opts)
}

func (c *baseContext) Logger() *slog.Logger { return c.log }

func (c *baseContext) ChainID() []byte { return c.chainID }

// Header returns nil when transaction is verified outside of block processing.
func (c *baseContext) Header() *types.BlockHeader { return c.header }

func (c *baseContext) Assets() types.BlockAssets { return c.assets }

// ContextStore is scratch space shared by all the hooks of the block.
func (c *baseContext) ContextStore() map[string]any { return c.contextStore }

func (c *immutableContext) GetStore(module uint32, prefix []byte) ImmutableStore {
	return readOnlyStore{store: c.store.GetStore(module, prefix)}
}

func (c *immutableContext) MethodContext() *ImmutableMethodContext {
	return NewImmutableMethodContext(c.store)
}

func (c *mutableContext) GetStore(module uint32, prefix []byte) *state.Store {
	return c.store.GetStore(module, prefix)
}

func (c *mutableContext) EventQueue() *state.EventQueue { return c.eventQueue }

func (c *mutableContext) MethodContext() *MethodContext {
	return NewMethodContext(c.store, c.eventQueue, c.contextStore)
}

/*** genesis ***/

type GenesisBlockContextParams struct {
	Logger     *slog.Logger
	ChainID    []byte
	Header     *types.BlockHeader
	Assets     types.BlockAssets
	Store      *state.Store
	EventQueue *state.EventQueue
}

// GenesisBlockContext is given to the InitGenesisState and FinalizeGenesisState hooks.
type GenesisBlockContext struct {
	mutableContext
}

func NewGenesisBlockContext(p GenesisBlockContextParams) *GenesisBlockContext {
	return &GenesisBlockContext{
		mutableContext: mutableContext{baseContext{
			log:          p.Logger,
			chainID:      p.ChainID,
			header:       p.Header,
			assets:       p.Assets,
			store:        p.Store,
			eventQueue:   p.EventQueue,
			contextStore: map[string]any{},
		}},
	}
}

/*** block ***/

type BlockContextParams struct {
	Logger       *slog.Logger
	ChainID      []byte
	Header       *types.BlockHeader
	Assets       types.BlockAssets
	Transactions []*types.Transaction
	Store        *state.Store
	EventQueue   *state.EventQueue
	ContextStore map[string]any
}

// BlockContext holds the block being verified or executed, block hook contexts are derived from it.
type BlockContext struct {
	baseContext
	transactions []*types.Transaction
}

type BlockVerifyContext struct {
	immutableContext
}

type BlockExecuteContext struct {
	mutableContext
}

type BlockAfterExecuteContext struct {
	mutableContext
	transactions []*types.Transaction
}

func NewBlockContext(p BlockContextParams) *BlockContext {
	if p.ContextStore == nil {
		p.ContextStore = map[string]any{}
	}
	return &BlockContext{
		baseContext: baseContext{
			log:          p.Logger,
			chainID:      p.ChainID,
			header:       p.Header,
			assets:       p.Assets,
			store:        p.Store,
			eventQueue:   p.EventQueue,
			contextStore: p.ContextStore,
		},
		transactions: p.Transactions,
	}
}

func (c *BlockContext) Transactions() []*types.Transaction { return c.transactions }

func (c *BlockContext) EventQueue() *state.EventQueue { return c.eventQueue }

func (c *BlockContext) Store() *state.Store { return c.store }

func (c *BlockContext) CreateBlockVerifyContext() *BlockVerifyContext {
	return &BlockVerifyContext{immutableContext{c.baseContext}}
}

func (c *BlockContext) CreateBlockExecuteContext() *BlockExecuteContext {
	return &BlockExecuteContext{mutableContext{c.baseContext}}
}

func (c *BlockContext) CreateBlockAfterExecuteContext() *BlockAfterExecuteContext {
	return &BlockAfterExecuteContext{mutableContext: mutableContext{c.baseContext}, transactions: c.transactions}
}

// CreateTransactionContext returns context for processing "tx" as part of the block.
func (c *BlockContext) CreateTransactionContext(tx *types.Transaction) *TransactionContext {
	return &TransactionContext{baseContext: c.baseContext, tx: tx}
}

func (c *BlockAfterExecuteContext) Transactions() []*types.Transaction { return c.transactions }

/*** transaction ***/

type TransactionContextParams struct {
	Logger       *slog.Logger
	ChainID      []byte
	Header       *types.BlockHeader // nil when verifying tx for the tx buffer
	Assets       types.BlockAssets
	Transaction  *types.Transaction
	Store        *state.Store
	EventQueue   *state.EventQueue
	ContextStore map[string]any
}

type TransactionContext struct {
	baseContext
	tx *types.Transaction
}

type TransactionVerifyContext struct {
	immutableContext
	tx *types.Transaction
}

type TransactionExecuteContext struct {
	mutableContext
	tx *types.Transaction
}

type CommandVerifyContext struct {
	immutableContext
	tx *types.Transaction
}

type CommandExecuteContext struct {
	mutableContext
	tx *types.Transaction
}

func NewTransactionContext(p TransactionContextParams) *TransactionContext {
	if p.ContextStore == nil {
		p.ContextStore = map[string]any{}
	}
	if p.EventQueue == nil {
		var height uint64
		if p.Header != nil {
			height = p.Header.Height
		}
		p.EventQueue = state.NewEventQueue(height)
	}
	return &TransactionContext{
		baseContext: baseContext{
			log:          p.Logger,
			chainID:      p.ChainID,
			header:       p.Header,
			assets:       p.Assets,
			store:        p.Store,
			eventQueue:   p.EventQueue,
			contextStore: p.ContextStore,
		},
		tx: p.Transaction,
	}
}

func (c *TransactionContext) Transaction() *types.Transaction { return c.tx }

func (c *TransactionContext) EventQueue() *state.EventQueue { return c.eventQueue }

func (c *TransactionContext) Store() *state.Store { return c.store }

func (c *TransactionContext) CreateTransactionVerifyContext() *TransactionVerifyContext {
	return &TransactionVerifyContext{immutableContext: immutableContext{c.baseContext}, tx: c.tx}
}

func (c *TransactionContext) CreateCommandVerifyContext() *CommandVerifyContext {
	return &CommandVerifyContext{immutableContext: immutableContext{c.baseContext}, tx: c.tx}
}

// CreateTransactionExecuteContext returns context whose event queue tags events with the transaction ID.
func (c *TransactionContext) CreateTransactionExecuteContext(txID []byte) *TransactionExecuteContext {
	return &TransactionExecuteContext{mutableContext: c.txMutableContext(txID), tx: c.tx}
}

func (c *TransactionContext) CreateCommandExecuteContext(txID []byte) *CommandExecuteContext {
	return &CommandExecuteContext{mutableContext: c.txMutableContext(txID), tx: c.tx}
}

func (c *TransactionContext) txMutableContext(txID []byte) mutableContext {
	bc := c.baseContext
	bc.eventQueue = c.eventQueue.GetChildQueue(txID)
	return mutableContext{bc}
}

func (c *TransactionVerifyContext) Transaction() *types.Transaction { return c.tx }

func (c *TransactionExecuteContext) Transaction() *types.Transaction { return c.tx }

func (c *CommandVerifyContext) Transaction() *types.Transaction { return c.tx }

func (c *CommandExecuteContext) Transaction() *types.Transaction { return c.tx }

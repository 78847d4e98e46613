package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/logger"
	"github.com/corechain-org/corechain/observability"
)

type Observability interface {
	Meter(name string, opts ...metric.MeterOption) metric.Meter
	Logger() *slog.Logger
}

/*
StateMachine runs the module hooks and commands over the state of a block.
System modules run before ordinary modules in the "before" and "verify" hooks
and after them in the "after" hooks.

StateMachine itself is stateless (besides the module registry), the state is
carried by the contexts. It is not safe to register modules concurrently with
executing blocks.
*/
type StateMachine struct {
	modules     registry
	initialized bool
	log         *slog.Logger

	execTxCnt metric.Int64Counter
	execTxDur metric.Float64Histogram
}

type (
	configuration struct {
		system   []Module
		ordinary []Module
	}

	Option func(*configuration)
)

// WithSystemModules registers system modules when the state machine is created.
func WithSystemModules(modules ...Module) Option {
	return func(c *configuration) {
		c.system = append(c.system, modules...)
	}
}

// WithModules registers ordinary modules when the state machine is created.
func WithModules(modules ...Module) Option {
	return func(c *configuration) {
		c.ordinary = append(c.ordinary, modules...)
	}
}

func New(observe Observability, opts ...Option) (*StateMachine, error) {
	cfg := &configuration{}
	for _, opt := range opts {
		opt(cfg)
	}

	sm := &StateMachine{log: observe.Logger()}
	for _, m := range cfg.system {
		if err := sm.RegisterSystemModule(m); err != nil {
			return nil, err
		}
	}
	for _, m := range cfg.ordinary {
		if err := sm.RegisterModule(m); err != nil {
			return nil, err
		}
	}

	if err := sm.initMetrics(observe.Meter("statemachine")); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return sm, nil
}

func (sm *StateMachine) RegisterModule(m Module) error {
	return sm.modules.register(m, classOrdinary)
}

func (sm *StateMachine) RegisterSystemModule(m Module) error {
	return sm.modules.register(m, classSystem)
}

// Module returns registered module by name.
func (sm *StateMachine) Module(name string) (Module, bool) {
	return sm.modules.byName(name)
}

/*
Init calls Init of every module implementing HasInit. Configs are keyed by
module name. Subsequent calls are no-op.
*/
func (sm *StateMachine) Init(genesisConfig *GenesisConfig, moduleConfig, generatorConfig map[string][]byte) error {
	if sm.initialized {
		return nil
	}
	err := forEach(sm.modules.systemFirst(), func(m HasInit) error {
		name := m.(Module).Name()
		return m.Init(&InitArgs{
			GenesisConfig:   genesisConfig,
			ModuleConfig:    moduleConfig[name],
			GeneratorConfig: generatorConfig[name],
		})
	})
	if err != nil {
		return fmt.Errorf("initializing modules: %w", err)
	}
	sm.initialized = true
	return nil
}

func (sm *StateMachine) ExecuteGenesisBlock(ctx *GenesisBlockContext) error {
	err := forEach(sm.modules.systemFirst(), func(m HasInitGenesisState) error {
		return m.InitGenesisState(ctx)
	})
	if err != nil {
		return fmt.Errorf("init genesis state: %w", err)
	}

	err = forEach(sm.modules.ordinaryFirst(), func(m HasFinalizeGenesisState) error {
		return m.FinalizeGenesisState(ctx)
	})
	if err != nil {
		return fmt.Errorf("finalize genesis state: %w", err)
	}
	return nil
}

/*
VerifyTransaction runs the VerifyTransaction hooks of the modules and the
Verify of the command. First non-OK result is returned. Errors (including
panics) are converted into FAIL result.
*/
func (sm *StateMachine) VerifyTransaction(ctx *TransactionContext) (res VerificationResult) {
	defer func() {
		if r := recover(); r != nil {
			res = VerifyResultFail(fmt.Errorf("verifying transaction: panic: %v", r))
		}
	}()

	tx := ctx.Transaction()
	if err := tx.IsValid(); err != nil {
		return VerifyResultFail(err)
	}

	verifyCtx := ctx.CreateTransactionVerifyContext()
	for m := range sm.modules.systemFirst() {
		if v, ok := m.(HasVerifyTransaction); ok {
			if res = v.VerifyTransaction(verifyCtx); res.Status != VerifyOK {
				if res.Err == nil {
					res.Err = fmt.Errorf("module %s rejected transaction with status %s", m.Name(), res.Status)
				}
				return res
			}
		}
	}

	cmd, err := sm.modules.command(tx.Module, tx.Command)
	if err != nil {
		return VerifyResultFail(err)
	}
	if res = cmd.Verify(ctx.CreateCommandVerifyContext()); res.Status != VerifyOK && res.Err == nil {
		res.Err = fmt.Errorf("command %s.%s rejected transaction with status %s", tx.Module, tx.Command, res.Status)
	}
	return res
}

/*
ExecuteTransaction executes the command of the transaction. Changes made by the
command are discarded when it fails (result is FAIL) while changes made by the
before hooks are kept. When a before or after hook fails all the changes are
discarded and INVALID is returned.

Error is returned when the transaction can't be processed at all, ie the
command is not registered.
*/
func (sm *StateMachine) ExecuteTransaction(ctx *TransactionContext) (res TxResult, rErr error) {
	start := time.Now()
	tx := ctx.Transaction()
	defer func() {
		sm.execTxCnt.Add(context.Background(), 1, metric.WithAttributes(append(observability.Command(tx.Module, tx.Command), attribute.String("result", res.String()), observability.ErrStatus(rErr))...))
		sm.execTxDur.Record(context.Background(), time.Since(start).Seconds(), metric.WithAttributes(observability.Command(tx.Module, tx.Command)...))
	}()

	cmd, err := sm.modules.command(tx.Module, tx.Command)
	if err != nil {
		return TxResultInvalid, err
	}
	txID, err := tx.ID()
	if err != nil {
		return TxResultInvalid, fmt.Errorf("calculating transaction ID: %w", err)
	}
	store, queue := ctx.Store(), ctx.EventQueue()

	outerStore, outerQueue := store.CreateSnapshot(), queue.CreateSnapshot()
	restoreOuter := func() error {
		return errors.Join(store.RestoreSnapshot(outerStore), queue.RestoreSnapshot(outerQueue))
	}

	txExecCtx := ctx.CreateTransactionExecuteContext(txID)
	err = safeCall(func() error {
		return forEach(sm.modules.systemFirst(), func(m HasBeforeCommandExecute) error {
			return m.BeforeCommandExecute(txExecCtx)
		})
	})
	if err != nil {
		sm.log.Debug(fmt.Sprintf("before command execute hook failed for tx %X", txID), logger.Error(err))
		return TxResultInvalid, restoreOuter()
	}

	innerStore, innerQueue := store.CreateSnapshot(), queue.CreateSnapshot()
	res = TxResultOK
	if err := safeCall(func() error { return cmd.Execute(ctx.CreateCommandExecuteContext(txID)) }); err != nil {
		sm.log.Debug(fmt.Sprintf("executing command %s.%s of tx %X failed", tx.Module, tx.Command, txID), logger.Error(err))
		if err := errors.Join(store.RestoreSnapshot(innerStore), queue.RestoreSnapshot(innerQueue)); err != nil {
			return TxResultInvalid, fmt.Errorf("restoring state after failed command: %w", err)
		}
		res = TxResultFail
	} else if err := store.ReleaseSnapshot(innerStore); err != nil {
		return TxResultInvalid, fmt.Errorf("releasing command snapshot: %w", err)
	}
	if err := addExecutionResultEvent(txExecCtx, res == TxResultOK); err != nil {
		return TxResultInvalid, errors.Join(err, restoreOuter())
	}

	err = safeCall(func() error {
		return forEach(sm.modules.ordinaryFirst(), func(m HasAfterCommandExecute) error {
			return m.AfterCommandExecute(txExecCtx)
		})
	})
	if err != nil {
		sm.log.Debug(fmt.Sprintf("after command execute hook failed for tx %X", txID), logger.Error(err))
		return TxResultInvalid, restoreOuter()
	}

	if err := store.ReleaseSnapshot(outerStore); err != nil {
		return TxResultInvalid, fmt.Errorf("releasing transaction snapshot: %w", err)
	}
	sm.log.Log(context.Background(), logger.LevelTrace, fmt.Sprintf("executed tx %X: %s", txID, res), logger.Data(tx))
	return res, nil
}

func addExecutionResultEvent(ctx *TransactionExecuteContext, success bool) error {
	data, err := cbor.Marshal(CommandExecutionResult{Success: success})
	if err != nil {
		return fmt.Errorf("encoding command execution result: %w", err)
	}
	return ctx.EventQueue().Add(ctx.Transaction().Module, EventCommandExecutionResult, data, nil, false)
}

func (sm *StateMachine) VerifyAssets(ctx *BlockContext) error {
	verifyCtx := ctx.CreateBlockVerifyContext()
	return safeCall(func() error {
		return forEach(sm.modules.systemFirst(), func(m HasVerifyAssets) error {
			return m.VerifyAssets(verifyCtx)
		})
	})
}

func (sm *StateMachine) BeforeExecuteBlock(ctx *BlockContext) error {
	execCtx := ctx.CreateBlockExecuteContext()
	return safeCall(func() error {
		return forEach(sm.modules.systemFirst(), func(m HasBeforeTransactionsExecute) error {
			return m.BeforeTransactionsExecute(execCtx)
		})
	})
}

func (sm *StateMachine) AfterExecuteBlock(ctx *BlockContext) error {
	execCtx := ctx.CreateBlockAfterExecuteContext()
	return safeCall(func() error {
		return forEach(sm.modules.ordinaryFirst(), func(m HasAfterTransactionsExecute) error {
			return m.AfterTransactionsExecute(execCtx)
		})
	})
}

/*
ExecuteBlock runs the block hooks and executes the transactions of the block.
Any transaction which doesn't verify or is INVALID makes the whole block invalid.
*/
func (sm *StateMachine) ExecuteBlock(ctx *BlockContext) error {
	if err := sm.BeforeExecuteBlock(ctx); err != nil {
		return fmt.Errorf("before transactions execute: %w", err)
	}

	for i, tx := range ctx.Transactions() {
		txCtx := ctx.CreateTransactionContext(tx)
		if vr := sm.VerifyTransaction(txCtx); vr.Status != VerifyOK {
			return fmt.Errorf("transaction %d verification failed (%s): %w", i, vr.Status, vr.Err)
		}
		res, err := sm.ExecuteTransaction(txCtx)
		if err != nil {
			return fmt.Errorf("executing transaction %d: %w", i, err)
		}
		if res == TxResultInvalid {
			return fmt.Errorf("transaction %d is invalid", i)
		}
	}

	if err := sm.AfterExecuteBlock(ctx); err != nil {
		return fmt.Errorf("after transactions execute: %w", err)
	}
	return nil
}

// safeCall converts panic in "f" into error.
func safeCall(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f()
}

func (sm *StateMachine) initMetrics(m metric.Meter) (err error) {
	sm.execTxCnt, err = m.Int64Counter("exec.tx.count", metric.WithDescription("Number of transactions executed"), metric.WithUnit("{transaction}"))
	if err != nil {
		return fmt.Errorf("creating counter for executed transactions: %w", err)
	}
	sm.execTxDur, err = m.Float64Histogram("exec.tx.time",
		metric.WithDescription("How long it took to execute transaction"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(200e-6, 400e-6, 800e-6, 0.0016, 0.003, 0.006, 0.015, 0.03))
	if err != nil {
		return fmt.Errorf("creating histogram for transaction execution time: %w", err)
	}
	return nil
}

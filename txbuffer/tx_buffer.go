package txbuffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/corechain-org/corechain/logger"
	"github.com/corechain-org/corechain/observability"
	"github.com/corechain-org/corechain/types"
)

var (
	ErrTxIsNil      = errors.New("tx is nil")
	ErrTxInBuffer   = errors.New("tx already in tx buffer")
	ErrTxBufferFull = errors.New("tx buffer is full")
)

type (
	/*
		TxBuffer is a bounded FIFO of unconfirmed transactions. Transactions are
		unique by ID while they are in the buffer, once removed the same
		transaction may be added again.
	*/
	TxBuffer struct {
		queue chan *pending
		mu    sync.Mutex
		ids   map[string]struct{}

		log    *slog.Logger
		tracer trace.Tracer
		queued metric.Float64Histogram
	}

	pending struct {
		tx    *types.Transaction
		id    string
		added time.Time
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}
)

// New creates buffer which holds up to "maxSize" transactions.
func New(maxSize uint, obs Observability) (*TxBuffer, error) {
	if maxSize == 0 {
		return nil, fmt.Errorf("buffer max size must be greater than zero, got %d", maxSize)
	}
	buf := &TxBuffer{
		queue:  make(chan *pending, maxSize),
		ids:    make(map[string]struct{}, maxSize),
		log:    obs.Logger(),
		tracer: obs.Tracer("txbuffer"),
	}
	if err := buf.initMetrics(obs.Meter("txbuffer")); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return buf, nil
}

// Add appends the transaction to the buffer and returns its ID.
func (buf *TxBuffer) Add(ctx context.Context, tx *types.Transaction) ([]byte, error) {
	ctx, span := buf.tracer.Start(ctx, "TxBuffer.Add")
	defer span.End()
	if tx == nil {
		return nil, ErrTxIsNil
	}
	id, err := tx.ID()
	if err != nil {
		return nil, fmt.Errorf("calculating transaction ID: %w", err)
	}
	span.SetAttributes(append(observability.Command(tx.Module, tx.Command), observability.TxHash(id))...)

	buf.mu.Lock()
	defer buf.mu.Unlock()
	if _, ok := buf.ids[string(id)]; ok {
		return nil, ErrTxInBuffer
	}
	// indexed before queueing, a concurrent Remove may release it right away
	buf.ids[string(id)] = struct{}{}
	select {
	case buf.queue <- &pending{tx: tx, id: string(id), added: time.Now()}:
	default:
		delete(buf.ids, string(id))
		return nil, ErrTxBufferFull
	}
	buf.log.DebugContext(ctx, fmt.Sprintf("buffered transaction %s.%s %X", tx.Module, tx.Command, id))
	return id, nil
}

// Remove returns the oldest transaction, waiting for one when the buffer is empty.
func (buf *TxBuffer) Remove(ctx context.Context) (*types.Transaction, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p := <-buf.queue:
		buf.release(ctx, p)
		return p.tx, nil
	}
}

// RemoveUpTo returns up to "limit" oldest transactions, it doesn't wait for new ones.
func (buf *TxBuffer) RemoveUpTo(ctx context.Context, limit int) []*types.Transaction {
	var txs []*types.Transaction
	for len(txs) < limit {
		select {
		case p := <-buf.queue:
			buf.release(ctx, p)
			txs = append(txs, p.tx)
		default:
			return txs
		}
	}
	return txs
}

func (buf *TxBuffer) Contains(txID []byte) bool {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	_, ok := buf.ids[string(txID)]
	return ok
}

// Len returns the number of transactions in the buffer.
func (buf *TxBuffer) Len() int {
	return len(buf.queue)
}

// release drops the ID of the removed transaction from the index.
func (buf *TxBuffer) release(ctx context.Context, p *pending) {
	buf.mu.Lock()
	delete(buf.ids, p.id)
	buf.mu.Unlock()
	buf.queued.Record(ctx, time.Since(p.added).Seconds())
	buf.log.Log(ctx, logger.LevelTrace, fmt.Sprintf("transaction %X removed from buffer", p.id))
}

func (buf *TxBuffer) initMetrics(m metric.Meter) (err error) {
	_, err = m.Int64ObservableUpDownCounter("count",
		metric.WithDescription("Number of transactions in the buffer."),
		metric.WithUnit("{transaction}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(buf.Len()))
			return nil
		}))
	if err != nil {
		return fmt.Errorf("creating tx counter: %w", err)
	}
	buf.queued, err = m.Float64Histogram("queued",
		metric.WithDescription("For how long transaction was in the buffer before being processed."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(50e-6, 100e-6, 250e-6, 500e-6, 0.001, 0.01, 0.1, 0.2, 0.4, 0.8, 1.5, 3))
	if err != nil {
		return fmt.Errorf("creating duration histogram: %w", err)
	}
	return nil
}

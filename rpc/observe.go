package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/corechain-org/corechain/logger"
	"github.com/corechain-org/corechain/observability"
	"github.com/corechain-org/corechain/types"
)

var (
	jrpcDurationBuckets = []float64{25e-6, 50e-6, 100e-6, 200e-6, 400e-6, 800e-6, 0.0016, 0.01, 0.05, 0.1}
	restDurationBuckets = []float64{100e-6, 200e-6, 400e-6, 800e-6, 0.0016, 0.01, 0.05, 0.1}
)

// callMetrics counts the API calls and records how long serving them took.
type callMetrics struct {
	count    metric.Int64Counter
	duration metric.Float64Histogram
}

func newCallMetrics(mtr metric.Meter, buckets []float64) (*callMetrics, error) {
	count, err := mtr.Int64Counter("calls", metric.WithDescription("How many times the endpoint has been called"))
	if err != nil {
		return nil, fmt.Errorf("creating calls counter: %w", err)
	}
	duration, err := mtr.Float64Histogram("duration",
		metric.WithDescription("How long it took to serve the request"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...))
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}
	return &callMetrics{count: count, duration: duration}, nil
}

func (cm *callMetrics) record(ctx context.Context, start time.Time, attr ...attribute.KeyValue) {
	opt := metric.WithAttributeSet(attribute.NewSet(attr...))
	cm.count.Add(ctx, 1, opt)
	cm.duration.Record(ctx, time.Since(start).Seconds(), opt)
}

// metricsUpdater returns function which records calls of the JSON-RPC methods.
func metricsUpdater(mtr metric.Meter, log *slog.Logger) func(ctx context.Context, method string, start time.Time, apiErr error) {
	cm, err := newCallMetrics(mtr, jrpcDurationBuckets)
	if err != nil {
		log.Error("JSON-RPC API metrics", logger.Error(err))
		return func(context.Context, string, time.Time, error) {}
	}
	return func(ctx context.Context, method string, start time.Time, apiErr error) {
		cm.record(ctx, start, attribute.String("method", method), observability.ErrStatus(apiErr))
	}
}

// metricsUpdaterTxReceived returns function which counts the transactions submitted to the node.
func metricsUpdaterTxReceived(mtr metric.Meter, log *slog.Logger) func(ctx context.Context, tx *types.Transaction, apiErr error) {
	txCount, err := mtr.Int64Counter("tx.count",
		metric.WithDescription("Number of transactions received"),
		metric.WithUnit("{transaction}"))
	if err != nil {
		log.Error("creating tx received counter", logger.Error(err))
		return func(context.Context, *types.Transaction, error) {}
	}
	return func(ctx context.Context, tx *types.Transaction, apiErr error) {
		attr := []attribute.KeyValue{observability.ErrStatus(apiErr)}
		if tx != nil {
			attr = append(attr, observability.Command(tx.Module, tx.Command)...)
		}
		txCount.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attr...)))
	}
}

/*
instrumentHTTP returns middleware which records calls of the REST endpoints,
attributed with the route template and the response status code.
*/
func instrumentHTTP(mtr metric.Meter, log *slog.Logger) mux.MiddlewareFunc {
	cm, err := newCallMetrics(mtr, restDurationBuckets)
	if err != nil {
		log.Error("REST API metrics", logger.Error(err))
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, req)

			attr := []attribute.KeyValue{semconv.HTTPResponseStatusCode(sw.Status())}
			if route := mux.CurrentRoute(req); route != nil {
				if path, err := route.GetPathTemplate(); err == nil {
					attr = append(attr, semconv.HTTPRoute(path))
				}
			}
			cm.record(req.Context(), start, attr...)
		})
	}
}

// statusWriter captures the status code of the response.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(statusCode int) {
	if sw.status == 0 {
		sw.status = statusCode
	}
	sw.ResponseWriter.WriteHeader(statusCode)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

// Status returns the status code written, http.StatusOK when none was written explicitly.
func (sw *statusWriter) Status() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

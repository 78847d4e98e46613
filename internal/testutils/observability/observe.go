/*
Package observability creates the observability for tests.

Exporters are selected with environment variables: CC_TEST_METRICS ("stdout"
or "prometheus") and CC_TEST_TRACER ("stdout" or "otlptracehttp"). When the
variables are not set metrics and traces are no-op.
*/
package observability

import (
	"os"
	"testing"

	testlogr "github.com/corechain-org/corechain/internal/testutils/logger"
	"github.com/corechain-org/corechain/observability"
)

// NOPObservability returns observability which doesn't log, trace nor collect metrics.
func NOPObservability() *observability.Observability {
	obs, err := observability.New("", "", testlogr.NOP())
	if err != nil {
		panic(err)
	}
	return obs
}

// Default returns observability which logs into the test log.
func Default(t testing.TB) *observability.Observability {
	t.Helper()
	obs, err := observability.New(os.Getenv("CC_TEST_METRICS"), os.Getenv("CC_TEST_TRACER"), testlogr.New(t))
	if err != nil {
		t.Fatalf("creating observability: %v", err)
	}
	t.Cleanup(func() {
		if err := obs.Shutdown(); err != nil {
			t.Logf("shutting down observability: %v", err)
		}
	})
	return obs
}

// WithMetrics returns observability which exports metrics to Prometheus registry.
func WithMetrics(t testing.TB) *observability.Observability {
	t.Helper()
	obs, err := observability.New(observability.ExporterPrometheus, "", testlogr.New(t))
	if err != nil {
		t.Fatalf("creating observability: %v", err)
	}
	t.Cleanup(func() { _ = obs.Shutdown() })
	return obs
}

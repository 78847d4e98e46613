package logger

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/corechain-org/corechain/logger"
)

/*
New returns logger for test "t" on debug level (unless env var CC_TEST_LOG_LEVEL
sets some other level). Output is written using t.Log so it is only shown when
the test fails (or with -v flag).

Colors are used unless env var CC_TEST_LOG_NO_COLORS is set to "true".
*/
func New(t testing.TB) *slog.Logger {
	return NewLvl(t, levelFromEnv())
}

// NewLvl returns logger for test "t" with given minimum level.
func NewLvl(t testing.TB, level slog.Level) *slog.Logger {
	cfg := &logger.LogConfiguration{
		Level:        level.String(),
		Format:       logger.FormatConsole,
		TimeFormat:   "15:04:05.0000",
		PeerIDFormat: "short",
		NoColor:      noColors(),
	}
	h, err := cfg.Handler(newTestWriter(t))
	if err != nil {
		t.Fatalf("creating logger handler: %v", err)
	}
	return slog.New(h)
}

// NOP returns logger which discards everything.
func NOP() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(1 << 30)}))
}

/*
LoggerBuilder returns logger factory which ignores the configuration and
always returns test logger for "t".
*/
func LoggerBuilder(t testing.TB) func(*logger.LogConfiguration) (*slog.Logger, error) {
	log := New(t)
	return func(*logger.LogConfiguration) (*slog.Logger, error) { return log, nil }
}

func levelFromEnv() slog.Level {
	lvl := slog.LevelDebug
	if s := os.Getenv("CC_TEST_LOG_LEVEL"); s != "" {
		if strings.EqualFold(s, "trace") {
			return logger.LevelTrace
		}
		if err := lvl.UnmarshalText([]byte(s)); err != nil {
			return slog.LevelDebug
		}
	}
	return lvl
}

func noColors() bool {
	b, err := strconv.ParseBool(os.Getenv("CC_TEST_LOG_NO_COLORS"))
	return err == nil && b
}

/*
testWriter writes into t.Log. Goroutines might still log after the test has
finished (which would panic) so writes after cleanup are discarded.
*/
type testWriter struct {
	t    testing.TB
	m    sync.Mutex
	done bool
}

func newTestWriter(t testing.TB) *testWriter {
	w := &testWriter{t: t}
	t.Cleanup(func() {
		w.m.Lock()
		w.done = true
		w.m.Unlock()
	})
	return w
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.m.Lock()
	defer w.m.Unlock()
	if !w.done {
		w.t.Log(strings.TrimSuffix(string(p), "\n"))
	}
	return len(p), nil
}

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"
)

const (
	// LevelTrace is for logging very detailed (and large) messages, ie message content.
	LevelTrace slog.Level = slog.LevelDebug - 4
	levelNone  slog.Level = math.MaxInt
)

const (
	FormatText    = "text"
	FormatJSON    = "json"
	FormatECS     = "ecs"
	FormatConsole = "console"
)

type LogConfiguration struct {
	Level        string `yaml:"defaultLevel"`
	Format       string `yaml:"format"`
	OutputPath   string `yaml:"outputPath"`
	TimeFormat   string `yaml:"timeFormat"`
	PeerIDFormat string `yaml:"peerIdFormat"`
	ShowSource   bool   `yaml:"showSource"`
	// when Format == "console" color output can be disabled
	NoColor bool `yaml:"noColor"`
}

// LoadConfiguration reads logger configuration from YAML file.
func LoadConfiguration(fileName string) (*LogConfiguration, error) {
	data, err := os.ReadFile(filepath.Clean(fileName))
	if err != nil {
		return nil, fmt.Errorf("reading logger config file: %w", err)
	}
	cfg := &LogConfiguration{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decoding logger config: %w", err)
	}
	return cfg, nil
}

/*
New creates logger according to the configuration. When cfg is nil logger
with default configuration (info level text output to stderr) is returned.
*/
func New(cfg *LogConfiguration) (*slog.Logger, error) {
	if cfg == nil {
		cfg = &LogConfiguration{}
	}
	out, err := cfg.writer()
	if err != nil {
		return nil, err
	}
	h, err := cfg.Handler(out)
	if err != nil {
		return nil, err
	}
	return slog.New(h), nil
}

// Handler returns slog handler for the configured format writing into "out".
func (cfg *LogConfiguration) Handler(out io.Writer) (slog.Handler, error) {
	level := cfg.logLevel()
	if level == levelNone {
		return slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: levelNone}), nil
	}

	switch strings.ToLower(cfg.Format) {
	case FormatJSON:
		return slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:       level,
			AddSource:   cfg.ShowSource,
			ReplaceAttr: chainReplacers(timeReplacer(cfg.TimeFormat), peerIDReplacer(cfg.PeerIDFormat)),
		}), nil
	case FormatECS:
		return slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:       level,
			AddSource:   true,
			ReplaceAttr: chainReplacers(peerIDReplacer(cfg.PeerIDFormat), ecsReplacer),
		}), nil
	case FormatConsole:
		timeFmt := cfg.TimeFormat
		if timeFmt == "" {
			timeFmt = "15:04:05.0000"
		}
		return tint.NewHandler(out, &tint.Options{
			Level:       level,
			AddSource:   cfg.ShowSource,
			TimeFormat:  timeFmt,
			NoColor:     cfg.NoColor,
			ReplaceAttr: chainReplacers(peerIDReplacer(cfg.PeerIDFormat), dataAsJSON),
		}), nil
	case FormatText, "":
		return slog.NewTextHandler(out, &slog.HandlerOptions{
			Level:       level,
			AddSource:   cfg.ShowSource,
			ReplaceAttr: chainReplacers(timeReplacer(cfg.TimeFormat), peerIDReplacer(cfg.PeerIDFormat), dataAsJSON),
		}), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

func (cfg *LogConfiguration) logLevel() slog.Level {
	switch cfg.OutputPath {
	case "discard", os.DevNull:
		return levelNone
	}

	switch strings.ToLower(cfg.Level) {
	case "":
		return slog.LevelInfo
	case "none":
		return levelNone
	case "trace":
		return LevelTrace
	case "warning":
		return slog.LevelWarn
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (cfg *LogConfiguration) writer() (io.Writer, error) {
	switch cfg.OutputPath {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	case "discard", os.DevNull:
		return io.Discard, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0700); err != nil {
		return nil, fmt.Errorf("creating directory for log file: %w", err)
	}
	f, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

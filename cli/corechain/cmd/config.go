package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/corechain-org/corechain/logger"
	"github.com/corechain-org/corechain/observability"
)

type (
	LoggerFactory func(cfg *logger.LogConfiguration) (*slog.Logger, error)

	baseConfiguration struct {
		HomeDir string
		// relative to the HomeDir unless absolute
		CfgFile    string
		LogCfgFile string

		loggerBuilder LoggerFactory
		observe       *observability.Observability
	}
)

const (
	// flag --some-flag is read from environment variable CC_SOME_FLAG
	envPrefix = "CC"

	defaultConfigFile       = "config.yaml"
	defaultCorechainDir     = ".corechain"
	defaultLoggerConfigFile = "logger-config.yaml"

	keyHome    = "home"
	keyConfig  = "config"
	keyMetrics = "metrics"
	keyTracing = "tracing"

	flagNameLoggerCfgFile = "logger-config"
	flagNameLogOutputFile = "log-file"
	flagNameLogLevel      = "log-level"
	flagNameLogFormat     = "log-format"
)

func (c *baseConfiguration) addConfigurationFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&c.HomeDir, keyHome, "", fmt.Sprintf("set the CC_HOME for this invocation (default is %s)", defaultHomeDir()))
	flags.StringVar(&c.CfgFile, keyConfig, "", fmt.Sprintf("config file (default is $CC_HOME/%s), flag values are read from the file", defaultConfigFile))
	flags.String(keyMetrics, "", "metrics exporter, disabled when not set. One of: stdout, prometheus")
	flags.String(keyTracing, "", "traces exporter, disabled when not set. One of: stdout, otlptracehttp")

	flags.StringVar(&c.LogCfgFile, flagNameLoggerCfgFile, defaultLoggerConfigFile, "logger config file, relative to $CC_HOME unless absolute")
	// no defaults, set flags override the logger config file
	flags.String(flagNameLogOutputFile, "", "log file path or one of the special values: stdout, stderr, discard")
	flags.String(flagNameLogLevel, "", "logging level, one of: TRACE, DEBUG, INFO, WARN, ERROR")
	flags.String(flagNameLogFormat, "", "log format, one of: text, json, console, ecs")
}

/*
loadConfig resolves the home directory and the config file (flag, then
environment, then default) and sets the flags of "cmd" which were not given
on the command line from the environment or the config file.
*/
func (c *baseConfiguration) loadConfig(cmd *cobra.Command) error {
	c.HomeDir = firstNonEmpty(c.HomeDir, os.Getenv(envKey(keyHome)), defaultHomeDir())
	c.CfgFile = c.pathInHome(firstNonEmpty(c.CfgFile, os.Getenv(envKey(keyConfig)), defaultConfigFile))

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if _, err := os.Stat(c.CfgFile); err == nil {
		v.SetConfigFile(c.CfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", c.CfgFile, err)
		}
	}

	var errs []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		// resolved above
		if f.Name == keyHome || f.Name == keyConfig || f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := cmd.Flags().Set(f.Name, flagValue(v.Get(f.Name))); err != nil {
			errs = append(errs, fmt.Errorf("setting flag %q value: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

/*
initLogger reads the logger config file, the logging flags given on the
command line override the values of the file. Missing file is an error only
when it is not the default one.
*/
func (c *baseConfiguration) initLogger(cmd *cobra.Command) (*slog.Logger, error) {
	cfg := &logger.LogConfiguration{}
	cfgFile := filepath.Clean(c.pathInHome(c.LogCfgFile))
	data, err := os.ReadFile(cfgFile)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decoding logger configuration (%s): %w", cfgFile, err)
		}
	case !errors.Is(err, os.ErrNotExist) || cfgFile != c.pathInHome(defaultLoggerConfigFile):
		return nil, fmt.Errorf("opening logger configuration file: %w", err)
	}

	for flag, value := range map[string]*string{
		flagNameLogLevel:      &cfg.Level,
		flagNameLogFormat:     &cfg.Format,
		flagNameLogOutputFile: &cfg.OutputPath,
	} {
		if !cmd.Flags().Changed(flag) {
			continue
		}
		if *value, err = cmd.Flags().GetString(flag); err != nil {
			return nil, fmt.Errorf("failed to read %s flag value: %w", flag, err)
		}
	}

	log, err := c.loggerBuilder(cfg)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return log, nil
}

// pathInHome returns "name" when it is absolute path, otherwise it is joined with the home directory.
func (c *baseConfiguration) pathInHome(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.HomeDir, name)
}

func envKey(key string) string {
	return envPrefix + "_" + strings.ToUpper(key)
}

// flagValue formats config file value as flag argument, lists as comma separated values.
func flagValue(v any) string {
	if list, ok := v.([]any); ok {
		items := make([]string, len(list))
		for i, item := range list {
			items[i] = fmt.Sprint(item)
		}
		return strings.Join(items, ",")
	}
	return fmt.Sprint(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func defaultHomeDir() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		panic("default user home dir not defined: " + err.Error())
	}
	return filepath.Join(dir, defaultCorechainDir)
}

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corechain-org/corechain/observability"
)

type corechainApp struct {
	baseCmd    *cobra.Command
	baseConfig *baseConfiguration
}

// New creates the corechain CLI application, "logF" builds the logger from the logging flags.
func New(logF LoggerFactory) *corechainApp {
	config := &baseConfiguration{loggerBuilder: logF}
	baseCmd := &cobra.Command{
		Use:           "corechain",
		Short:         "The corechain CLI",
		Long:          `The corechain CLI includes commands to generate validator keys, create the genesis block and run the node.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		// subcommands must not define their own PersistentPreRunE
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.init(cmd); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			return nil
		},
	}
	config.addConfigurationFlags(baseCmd)
	baseCmd.AddCommand(newKeysCmd(config), newGenesisCmd(config), newRunCmd(config))
	return &corechainApp{baseCmd: baseCmd, baseConfig: config}
}

// Execute runs the command selected by the arguments.
func (a *corechainApp) Execute(ctx context.Context) (err error) {
	defer func() {
		if a.baseConfig.observe != nil {
			err = errors.Join(err, a.baseConfig.observe.Shutdown())
		}
	}()
	return a.baseCmd.ExecuteContext(ctx)
}

/*
init loads the configuration file and environment into the flags of "cmd"
and creates the logger and observability of the command.
*/
func (c *baseConfiguration) init(cmd *cobra.Command) error {
	if err := c.loadConfig(cmd); err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	log, err := c.initLogger(cmd)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	metrics, err := cmd.Flags().GetString(keyMetrics)
	if err != nil {
		return fmt.Errorf("reading flag %q: %w", keyMetrics, err)
	}
	tracing, err := cmd.Flags().GetString(keyTracing)
	if err != nil {
		return fmt.Errorf("reading flag %q: %w", keyTracing, err)
	}
	if c.observe, err = observability.New(metrics, tracing, log); err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	return nil
}

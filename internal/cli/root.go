package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/aryankumar/testfleet/internal/cli/provider"
	"github.com/aryankumar/testfleet/internal/config"
)

// flagKeys maps persistent flags to the config keys they override
var flagKeys = map[string]string{
	"parallel":  "defaults.parallel",
	"timeout":   "defaults.timeout",
	"output":    "defaults.outputFormat",
	"no-color":  "defaults.noColor",
	"telemetry": "defaults.telemetry",
}

// rootOptions is shared by every subcommand of one invocation
type rootOptions struct {
	cfgFile string
	manager *config.Manager
	logger  *slog.Logger
	stderr  io.Writer
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

// newRootCmd creates the root command
func newRootCmd() *cobra.Command {
	return newRootCmdWithOptions(&rootOptions{})
}

func newRootCmdWithOptions(opts *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "testfleet",
		Short: "testfleet - run Go tests across a fleet of parallel test hosts",
		Long: `testfleet discovers and runs Go tests with a bounded pool of test hosts.

Packages are spread across hosts, each host runs go test for its share,
and the results of all hosts are merged into a single report.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.initConfig(cmd)
		},
	}

	// Defaults match the config defaults so an unset flag never hides a
	// value from the config file
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (default is $HOME/.testfleet.yaml)")
	flags.StringP("output", "o", config.DefaultOutputFormat, "output format (table, json, yaml)")
	flags.BoolP("verbose", "v", false, "verbose output with debug logging")
	flags.Bool("no-color", false, "disable colored output")
	flags.Duration("timeout", config.DefaultTimeout, "timeout for the whole operation")
	flags.IntP("parallel", "p", config.DefaultParallel, "maximum number of parallel test hosts")
	flags.String("settings", "", "run settings file passed to every test host")
	flags.Bool("telemetry", false, "collect per-adapter metrics")

	_ = rootCmd.RegisterFlagCompletionFunc("output",
		cobra.FixedCompletions([]string{"table", "json", "yaml"}, cobra.ShellCompDirectiveNoFileComp))

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd())
	rootCmd.AddCommand(newDiscoverCmd(opts))
	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(provider.NewProviderCmd(opts.configManager))

	return rootCmd
}

// initConfig loads configuration with flag overrides and sets up logging
func (o *rootOptions) initConfig(cmd *cobra.Command) error {
	o.stderr = cmd.ErrOrStderr()
	o.logger = setupLogging(cmd, o.stderr)

	o.manager = config.NewManager(o.cfgFile)
	for name, key := range flagKeys {
		if err := bindFlag(o.manager, key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	if _, err := o.manager.Load(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if used := o.manager.Viper().ConfigFileUsed(); used != "" {
		o.logger.Debug("loaded configuration", "file", used)
	}
	return nil
}

// configManager returns the manager loaded for this invocation
func (o *rootOptions) configManager() *config.Manager {
	return o.manager
}

func bindFlag(m *config.Manager, key string, flag *pflag.Flag) error {
	if flag == nil {
		return nil
	}
	if err := m.Viper().BindPFlag(key, flag); err != nil {
		return fmt.Errorf("failed to bind --%s: %w", flag.Name, err)
	}
	return nil
}

// setupLogging configures structured logging with slog
func setupLogging(cmd *cobra.Command, w io.Writer) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	noColor, _ := cmd.Flags().GetBool("no-color")

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if noColor {
		// Use JSON handler for no-color mode
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	if verbose {
		logger.Debug("verbose logging enabled")
	}
	return logger
}

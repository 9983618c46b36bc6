// Command mindtriage runs the triage service and its operational tools.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/okian/mindtriage/internal/config"
	"github.com/okian/mindtriage/pkg/logger"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "mindtriage",
		Short: "Mental-state triage service",
		Long: `mindtriage scores daily check-ins, rapid evaluations and journal
entries, tracks each user's baseline for drift and records crisis
events in a tamper-evident log.

Configuration is read from defaults, an optional YAML file and
MINDTRIAGE_* environment variables, in that order.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", os.Getenv(config.EnvConfigPath), "YAML config file")

	root.AddCommand(
		newServeCmd(flags),
		newExportCmd(flags),
		newVerifyLogCmd(flags),
		newQuestionsCmd(flags),
		newDemoCmd(),
	)
	return root
}

// setup loads configuration and initializes the global logger. Tools other
// than serve log to stderr so their stdout stays clean.
func (f *rootFlags) setup(ctx context.Context, logOut io.Writer) (*config.Config, error) {
	cfg, err := config.LoadFile(ctx, f.configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(
		logger.WithOutput(logOut),
		logger.WithFormat(cfg.LogFormat),
		logger.WithLevel(cfg.LogLevel),
	); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, nil
}

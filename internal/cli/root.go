// Package cli implements the dstream-snapshot command line.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/katasec/dstream-snapshot-mssql/internal/config"
	"github.com/katasec/dstream-snapshot-mssql/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logJSON    bool
}

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	rootCommand := &cobra.Command{
		Use:           "dstream-snapshot",
		Short:         "Incremental SQL Server table snapshots to object storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetLogger(logging.New(logging.Options{
				Level:  opts.logLevel,
				JSON:   opts.logJSON,
				Output: cmd.ErrOrStderr(),
			}))
		},
	}

	flags := rootCommand.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", os.Getenv("DSTREAM_CONFIG"), "path to config file (yaml, json or toml)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&opts.logJSON, "log-json", false, "emit logs as JSON")

	rootCommand.AddCommand(
		runCommand(opts),
		serveCommand(opts),
		validateCommand(opts),
		watermarksCommand(opts),
	)
	return rootCommand
}

func (o *rootOptions) load() (*config.Config, hclog.Logger, error) {
	logger := logging.GetLogger()
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, logger, err
	}
	return cfg, logger, nil
}

// Execute runs the command line and returns the process exit code
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		logging.GetLogger().Error("Command failed", "error", err)
		return 1
	}
	return 0
}

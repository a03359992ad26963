package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/katasec/dstream-snapshot-mssql/internal/engine"
	"github.com/katasec/dstream-snapshot-mssql/internal/utils"
	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// errRunIncomplete is returned when at least one table failed
var errRunIncomplete = errors.New("sync run did not complete successfully")

func runCommand(root *rootOptions) *cobra.Command {
	var interval, maxInterval time.Duration
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Sync every configured table once, or repeatedly with --interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("interval") {
				if interval, err = cfg.Polling.GetPollInterval(); err != nil {
					return err
				}
			}
			if !cmd.Flags().Changed("max-interval") {
				if maxInterval, err = cfg.Polling.GetMaxPollInterval(); err != nil {
					return err
				}
			}

			app, err := NewApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			if interval <= 0 {
				if cfg.Watermarks.Type == "memory" {
					logger.Warn("Watermarks are kept in memory and lost when this run exits; every run extracts all rows")
				}
				result, err := app.RunOnce(cmd.Context())
				if werr := writeResult(cmd.OutOrStdout(), result); werr != nil {
					logger.Warn("Failed to write run result", "error", werr)
				}
				if err != nil {
					return err
				}
				if result.Status != snapshot.RunSuccess {
					return errRunIncomplete
				}
				return nil
			}
			return pollLoop(cmd.Context(), app, interval, maxInterval, logger)
		},
	}
	runCmd.Flags().DurationVar(&interval, "interval", 0, "run repeatedly, waiting this long between passes")
	runCmd.Flags().DurationVar(&maxInterval, "max-interval", 0, "upper bound for the wait after passes that found no new rows")
	return runCmd
}

// pollLoop runs sync passes until ctx is cancelled. The wait doubles after a
// pass that wrote nothing and resets once data is written again.
func pollLoop(ctx context.Context, r runner, interval, maxInterval time.Duration, logger hclog.Logger) error {
	backoff := utils.NewPollBackoff(interval, maxInterval)
	for {
		result, err := r.RunOnce(ctx)
		progress := false
		if err != nil {
			if kind, _ := engine.KindOf(err); kind == engine.ConfigurationError {
				return err
			}
			logger.Error("Sync run failed", "error", err)
		} else {
			progress = result.WroteData()
		}

		wait := backoff.Observe(progress)
		logger.Debug("Waiting for next sync run", "interval", wait, "idle_passes", backoff.IdlePasses())
		if err := backoff.Wait(ctx); err != nil {
			logger.Info("Stopping sync loop")
			return nil
		}
	}
}

func writeResult(w io.Writer, result *snapshot.RunResult) error {
	if result == nil {
		return nil
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

package cli

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/katasec/dstream-snapshot-mssql/internal/locking"
	"github.com/katasec/dstream-snapshot-mssql/internal/watermark"
	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// watermarkStatus is a stored watermark and whether a sync of its table currently holds the lock
type watermarkStatus struct {
	snapshot.Watermark
	Locked bool `json:"locked"`
}

func watermarksCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watermarks",
		Short: "Print the stored watermark of every table and whether it is locked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			store, err := watermark.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			marks, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			lockerFactory := locking.NewLockerFactory(cfg.Lock, cfg.Source.DSN(), logger)
			locker, err := lockerFactory.CreateLocker(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to create locker: %w", err)
			}
			statuses, err := lockStatus(cmd.Context(), marks, locker, lockerFactory.GetLockName)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(statuses, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode watermarks: %w", err)
			}
			cmd.Println(string(data))
			return nil
		},
	}
}

// lockStatus marks the watermarks whose table lock is held. A nil locker reports nothing locked.
func lockStatus(ctx context.Context, marks []snapshot.Watermark, locker locking.DistributedLocker, lockName func(string) string) ([]watermarkStatus, error) {
	statuses := make([]watermarkStatus, len(marks))
	names := make([]string, len(marks))
	for i, m := range marks {
		statuses[i].Watermark = m
		names[i] = lockName(m.TableName)
	}
	if locker == nil || len(marks) == 0 {
		return statuses, nil
	}

	locked, err := locker.GetLockedTables(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("failed to check table locks: %w", err)
	}
	held := make(map[string]bool, len(locked))
	for _, name := range locked {
		held[name] = true
	}
	for i := range statuses {
		statuses[i].Locked = held[names[i]]
	}
	return statuses, nil
}

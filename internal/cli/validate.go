package cli

import (
	"github.com/spf13/cobra"
)

func validateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration without connecting to anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			cmd.Printf("configuration ok: %d tables, sink %s (%s), watermarks %s, lock %s\n",
				len(cfg.Tables), cfg.Sink.Type, cfg.Sink.Format, cfg.Watermarks.Type, cfg.Lock.Type)
			for _, t := range cfg.Tables {
				mode := "full"
				if t.Differential() {
					mode = "differential on " + t.TimestampColumn
				}
				cmd.Printf("  %s: %s\n", t.Name, mode)
			}
			return nil
		},
	}
}

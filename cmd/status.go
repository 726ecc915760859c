package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report mapping cache and queue freshness",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		s, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Migrate(ctx); err != nil {
			return err
		}

		stats, err := s.Stats(ctx, staleCutoff())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func staleCutoff() time.Time {
	return time.Now().UTC().Add(-time.Duration(cfg.Resolver.StaleAfterDays) * 24 * time.Hour)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	refreshStale bool
	refreshLimit int
)

var refreshCmd = &cobra.Command{
	Use:   "refresh [name...]",
	Short: "Force re-resolution of cached names",
	Long:  "Re-resolves the given names against the provider, or with --stale the cached mappings older than the staleness threshold. Subject to the same rate limit and call budget as normal resolution; the monotonic-confidence rule still applies, so a weaker result never degrades an existing mapping.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if !refreshStale && len(args) == 0 {
			return eris.New("provide names to refresh or use --stale")
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		var updated int
		if refreshStale {
			updated, err = e.Resolver.RefreshStale(ctx, refreshLimit)
		} else {
			updated, err = e.Resolver.Refresh(ctx, args)
		}
		if err != nil {
			return err
		}

		zap.L().Info("refresh complete",
			zap.Int("updated", updated),
			zap.Int("budget_remaining", e.Budget.Remaining()))
		return nil
	},
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshStale, "stale", false, "refresh stale cache entries instead of named ones")
	refreshCmd.Flags().IntVar(&refreshLimit, "limit", 500, "maximum stale entries to refresh")
	rootCmd.AddCommand(refreshCmd)
}

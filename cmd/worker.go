package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/pension-etl/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the enrichment queue worker",
	Long:  "Drains the enrichment queue continuously, retrying deferred names against the provider and reconciling temp identifiers. Runs until interrupted; shutdown finishes the in-flight entry first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		// The worker runs unbudgeted: the per-run call budget caps
		// synchronous resolution only, and a budget-capped transport
		// would fail the whole backlog once the cap is spent.
		w := queue.NewWorker(e.Store, newProviderClient(nil), e.Scorer, queue.Config{
			BatchSize:    cfg.Worker.BatchSize,
			PollInterval: time.Duration(cfg.Worker.PollIntervalSecs) * time.Second,
			MaxAttempts:  cfg.Worker.MaxAttempts,
		})
		return w.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pension-etl/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "pension-etl",
	Short: "Company identity resolution for the pension filings pipeline",
	Long:  "Resolves free-text company names from annuity/pension filings to stable company identifiers via static overrides, a persistent mapping cache, a rate-limited enrichment provider, and an asynchronous backfill queue.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

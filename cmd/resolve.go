package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pension-etl/internal/feed"
	"github.com/sells-group/pension-etl/internal/model"
	"github.com/sells-group/pension-etl/internal/resolver"
)

var (
	resolveAsyncOnly bool
	resolveDeadline  time.Duration
	resolveOutput    string
	resolveSheet     string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <feed-file>",
	Short: "Resolve company names from a filing extract",
	Long:  "Reads company names from an XLSX or CSV extract and resolves each to a company identifier. Names that cannot be resolved synchronously receive a temp identifier and are queued for the enrichment worker.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		inputs, err := feed.Read(args[0], feed.Options{
			SheetName: resolveSheet,
			SkipRows:  cfg.Feed.SkipRows,
			NameCol:   cfg.Feed.NameCol,
			PlanCol:   cfg.Feed.PlanCol,
		})
		if err != nil {
			return err
		}
		if len(inputs) == 0 {
			zap.L().Warn("no names found in feed", zap.String("file", args[0]))
			return nil
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if resolveDeadline > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, resolveDeadline)
			defer cancel()
		}

		mode := resolver.ModeSync
		if resolveAsyncOnly {
			mode = resolver.ModeAsyncOnly
		}

		runID := uuid.NewString()
		zap.L().Info("starting batch",
			zap.String("run_id", runID),
			zap.String("file", args[0]),
			zap.Int("names", len(inputs)))

		start := time.Now()
		results, err := e.Resolver.ResolveBatch(ctx, inputs, mode)
		if err != nil {
			return eris.Wrap(err, "resolve batch")
		}

		bySource := map[model.ResolutionSource]int{}
		for _, r := range results {
			bySource[r.Source]++
		}
		zap.L().Info("batch resolved",
			zap.String("run_id", runID),
			zap.Int("names", len(results)),
			zap.Int("override", bySource[model.SourceOverride]),
			zap.Int("cache", bySource[model.SourceCache]),
			zap.Int("provider", bySource[model.SourceProvider]),
			zap.Int("temp", bySource[model.SourceTemp]),
			zap.Int("budget_remaining", e.Budget.Remaining()),
			zap.Duration("elapsed", time.Since(start)))

		return writeResults(results, resolveOutput)
	},
}

func writeResults(results []model.ResolutionResult, path string) error {
	out := os.Stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return eris.Wrap(err, "create output file")
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return eris.Wrap(err, "encode result")
		}
	}
	return nil
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveAsyncOnly, "async-only", false, "skip synchronous provider lookups, defer all misses to the queue")
	resolveCmd.Flags().DurationVar(&resolveDeadline, "deadline", 0, "overall batch deadline; unresolved names fall through to temp ids")
	resolveCmd.Flags().StringVarP(&resolveOutput, "output", "o", "-", "output file for JSON-lines results (- for stdout)")
	resolveCmd.Flags().StringVar(&resolveSheet, "sheet", "", "XLSX sheet name (default first sheet)")
	rootCmd.AddCommand(resolveCmd)
}

// Package queue drains the durable enrichment backlog: names that could not
// be resolved synchronously are retried here against the same provider and
// scorer, and successful resolutions are written back to the mapping cache
// and the temp-id table.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pension-etl/internal/model"
	"github.com/sells-group/pension-etl/internal/resolver"
	"github.com/sells-group/pension-etl/internal/store"
	"github.com/sells-group/pension-etl/pkg/opencorp"
)

// Config tunes the worker loop.
type Config struct {
	// BatchSize is how many pending entries to claim per drain pass.
	BatchSize int
	// PollInterval is the sleep between passes when the queue is empty.
	PollInterval time.Duration
	// MaxAttempts is the ceiling after which an entry is marked failed.
	MaxAttempts int
}

// Worker is a long-lived loop that processes enrichment queue entries
// oldest-first. It can run alongside synchronous resolution: all writes go
// through the store's keyed upserts, so the two paths never duplicate rows.
type Worker struct {
	store  store.Store
	client opencorp.Client
	scorer *resolver.Scorer
	cfg    Config
}

// NewWorker builds a queue worker.
func NewWorker(s store.Store, client opencorp.Client, scorer *resolver.Scorer, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Worker{store: s, client: client, scorer: scorer, cfg: cfg}
}

// Run drains the queue until ctx is cancelled. Shutdown is cooperative: the
// in-flight entry is finished and its state persisted before returning. An
// auth failure stops the loop since no further lookup can succeed this
// session.
func (w *Worker) Run(ctx context.Context) error {
	zap.L().Info("enrichment worker started",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Duration("poll_interval", w.cfg.PollInterval))

	for {
		resolved, err := w.DrainOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				zap.L().Info("enrichment worker stopping")
				return nil
			}
			if opencorp.IsAuthError(err) {
				zap.L().Error("provider rejected credentials; refresh the API token and restart the worker",
					zap.Error(err))
				return err
			}
			zap.L().Warn("drain pass failed", zap.Error(err))
		}

		// Sleep unless the pass made progress. A pass whose entries all
		// failed must not re-claim them immediately, or a provider outage
		// burns through the attempts ceiling in seconds.
		if resolved == 0 {
			select {
			case <-ctx.Done():
				zap.L().Info("enrichment worker stopping")
				return nil
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}
}

// DrainOnce claims and processes one batch of pending entries. It returns
// how many entries it resolved. Per-entry failures are recorded on the
// entry and do not abort the pass; claim errors, auth failures and budget
// exhaustion do.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	entries, err := w.store.ClaimPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, eris.Wrap(err, "queue: claim pending")
	}

	resolved := 0
	for _, entry := range entries {
		ok, err := w.process(ctx, entry)
		if ok {
			resolved++
		}
		if err != nil {
			if opencorp.IsAuthError(err) {
				return resolved, err
			}
			if errors.Is(err, opencorp.ErrBudgetExhausted) {
				// The shared transport has a call cap this run. The
				// remaining entries stay pending for a later pass, with
				// no failure charged against them.
				zap.L().Warn("call budget exhausted, deferring remaining queue entries",
					zap.String("normalized_name", entry.NormalizedName))
				return resolved, nil
			}
			zap.L().Warn("queue entry attempt failed",
				zap.String("normalized_name", entry.NormalizedName),
				zap.Int("attempts", entry.Attempts),
				zap.Error(err))
		}
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
	}
	return resolved, nil
}

// process resolves one claimed entry, reporting whether it succeeded. On
// success the mapping cache is written, the temp id flipped to resolved and
// the queue row removed. On failure the error is recorded and the entry
// either stays pending or, at the attempts ceiling, goes terminal. Budget
// exhaustion is not the entry's fault and is never recorded against it.
func (w *Worker) process(ctx context.Context, entry model.QueueEntry) (bool, error) {
	norm := entry.NormalizedName

	candidates, err := w.client.Search(ctx, norm)
	if err != nil {
		if !errors.Is(err, opencorp.ErrBudgetExhausted) {
			w.recordFailure(ctx, entry, err.Error())
		}
		return false, err
	}

	match := w.scorer.Score(norm, candidates)
	if match == nil || match.Tier == model.TierLow {
		w.recordFailure(ctx, entry, "no candidate above acceptance threshold")
		return false, nil
	}

	// Persist the outcome even if shutdown raced the lookup.
	wctx := context.WithoutCancel(ctx)

	if _, err := w.store.UpsertMapping(wctx, model.MappingEntry{
		NormalizedName: norm,
		CompanyID:      match.Candidate.CompanyID,
		Confidence:     match.Tier,
		Source:         model.SourceProvider,
		ResolvedAt:     time.Now().UTC(),
	}); err != nil {
		w.recordFailure(wctx, entry, err.Error())
		return false, eris.Wrap(err, "queue: write mapping")
	}

	if err := w.store.ResolveTempID(wctx, norm, match.Candidate.CompanyID); err != nil {
		// The name may have been enqueued without a temp id ever being
		// handed out. Not fatal; the mapping is already durable.
		zap.L().Debug("no temp id to reconcile",
			zap.String("normalized_name", norm),
			zap.Error(err))
	}

	if err := w.store.MarkResolved(wctx, norm); err != nil {
		return false, eris.Wrap(err, "queue: mark resolved")
	}

	zap.L().Info("queue entry resolved",
		zap.String("normalized_name", norm),
		zap.String("company_id", match.Candidate.CompanyID),
		zap.String("tier", string(match.Tier)))
	return true, nil
}

func (w *Worker) recordFailure(ctx context.Context, entry model.QueueEntry, msg string) {
	status, err := w.store.RecordFailure(context.WithoutCancel(ctx), entry.NormalizedName, msg, w.cfg.MaxAttempts)
	if err != nil {
		zap.L().Warn("recording queue failure failed",
			zap.String("normalized_name", entry.NormalizedName),
			zap.Error(err))
		return
	}
	if status == model.QueueFailed {
		zap.L().Warn("queue entry exhausted attempts, needs manual review",
			zap.String("normalized_name", entry.NormalizedName),
			zap.Int("attempts", entry.Attempts),
			zap.String("last_error", msg))
	}
}

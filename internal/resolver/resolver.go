package resolver

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/pension-etl/internal/model"
	"github.com/sells-group/pension-etl/internal/normalize"
	"github.com/sells-group/pension-etl/internal/overrides"
	"github.com/sells-group/pension-etl/internal/store"
	"github.com/sells-group/pension-etl/pkg/opencorp"
)

// Mode selects whether the orchestrator may call the provider synchronously.
type Mode int

const (
	// ModeSync allows synchronous provider lookups, budget permitting.
	ModeSync Mode = iota
	// ModeAsyncOnly defers every cache miss to the enrichment queue.
	ModeAsyncOnly
)

// Config tunes a Resolver.
type Config struct {
	// Concurrency bounds how many names resolve in parallel within a batch.
	Concurrency int
	// StaleAfter is the age past which a cached mapping counts as stale.
	StaleAfter time.Duration
}

// Resolver composes the override map, mapping cache, provider transport,
// scorer, temp-id issuer and enrichment queue into the per-batch resolution
// cascade. One Resolver is built per run and owns that run's budget.
type Resolver struct {
	store     store.Store
	overrides *overrides.Map
	client    opencorp.Client
	scorer    *Scorer
	budget    *Budget
	cfg       Config

	authFailed atomic.Bool
	flight     singleflight.Group
}

// New builds a Resolver. The budget must be the same instance wired into the
// client's attempt hook so that retries are counted per attempt.
func New(s store.Store, ov *overrides.Map, client opencorp.Client, scorer *Scorer, budget *Budget, cfg Config) *Resolver {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 90 * 24 * time.Hour
	}
	return &Resolver{
		store:     s,
		overrides: ov,
		client:    client,
		scorer:    scorer,
		budget:    budget,
		cfg:       cfg,
	}
}

// AuthFailed reports whether the provider rejected the session's credentials.
func (r *Resolver) AuthFailed() bool {
	return r.authFailed.Load()
}

// ResolveBatch resolves every input name and returns results in input order.
// It never fails the batch because of one name: transport errors, budget
// exhaustion and deadline expiry all degrade to temp identifiers. The only
// returned error is a context cancellation that prevented even the fallback
// writes from being attempted.
func (r *Resolver) ResolveBatch(ctx context.Context, inputs []model.NameInput, mode Mode) ([]model.ResolutionResult, error) {
	results := make([]model.ResolutionResult, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, in := range inputs {
		g.Go(func() error {
			results[i] = r.resolveOne(gctx, in, mode)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Resolver) resolveOne(ctx context.Context, in model.NameInput, mode Mode) model.ResolutionResult {
	norm := normalize.Name(in.RawName)
	res := model.ResolutionResult{
		RawName:    in.RawName,
		Normalized: norm,
		ResolvedAt: time.Now().UTC(),
	}

	if id, ok := r.overrides.Lookup(norm); ok {
		res.Identifier = id
		res.Confidence = model.TierExact
		res.Source = model.SourceOverride
		return res
	}

	entry, err := r.store.GetMapping(ctx, norm)
	if err != nil {
		zap.L().Warn("mapping cache read failed",
			zap.String("normalized_name", norm),
			zap.Error(err))
	} else if entry != nil {
		res.Identifier = entry.CompanyID
		res.Confidence = entry.Confidence
		res.Source = model.SourceCache
		return res
	}

	if mode == ModeSync && ctx.Err() == nil && !r.authFailed.Load() && r.budget.Remaining() != 0 {
		if match := r.lookupProvider(ctx, norm); match != nil {
			res.Confidence = match.Tier
			res.Source = model.SourceProvider
			res.Identifier = match.Candidate.CompanyID

			if match.Tier != model.TierLow {
				r.writeMapping(ctx, norm, match)
				return res
			}
			// A weak candidate is surfaced but never trusted: the name
			// still goes through the temp-id/queue path for a re-check.
		}
	}

	return r.fallback(ctx, norm, res)
}

// lookupProvider searches the provider for norm, deduplicating concurrent
// lookups of the same name within the process. Returns nil on any error or
// when no candidate clears the low threshold.
func (r *Resolver) lookupProvider(ctx context.Context, norm string) *Match {
	v, err, _ := r.flight.Do(norm, func() (any, error) {
		candidates, err := r.client.Search(ctx, norm)
		if err != nil {
			return nil, err
		}
		return r.scorer.Score(norm, candidates), nil
	})
	if err != nil {
		r.noteLookupError(norm, err)
		return nil
	}
	match, _ := v.(*Match)
	return match
}

func (r *Resolver) noteLookupError(norm string, err error) {
	switch {
	case opencorp.IsAuthError(err):
		// Latch so the rest of the batch skips the provider. The
		// remediation hint is logged once per session, not per name.
		if r.authFailed.CompareAndSwap(false, true) {
			zap.L().Error("provider rejected credentials; refresh the API token and rerun",
				zap.Error(err))
		}
	case errors.Is(err, opencorp.ErrBudgetExhausted):
		zap.L().Debug("provider call budget exhausted",
			zap.String("normalized_name", norm))
	default:
		zap.L().Warn("provider lookup failed",
			zap.String("normalized_name", norm),
			zap.Error(err))
	}
}

// fallback issues a temp id and enqueues the name for asynchronous
// resolution. The temp id is deterministic, so even if the store writes fail
// the caller still receives a stable provisional identifier.
func (r *Resolver) fallback(ctx context.Context, norm string, res model.ResolutionResult) model.ResolutionResult {
	// Fallback writes must survive a batch deadline expiring mid-flight.
	wctx := context.WithoutCancel(ctx)

	res.Identifier = TempID(norm)
	res.Source = model.SourceTemp
	if res.Confidence == "" {
		res.Confidence = model.TierLow
	}

	if entry, err := IssueTempID(wctx, r.store, norm); err != nil {
		zap.L().Warn("temp id issuance failed",
			zap.String("normalized_name", norm),
			zap.Error(err))
	} else {
		res.Identifier = entry.TempID
	}

	if _, err := r.store.Enqueue(wctx, norm); err != nil {
		zap.L().Warn("enrichment enqueue failed",
			zap.String("normalized_name", norm),
			zap.Error(err))
	}
	return res
}

func (r *Resolver) writeMapping(ctx context.Context, norm string, match *Match) {
	applied, err := r.store.UpsertMapping(context.WithoutCancel(ctx), model.MappingEntry{
		NormalizedName: norm,
		CompanyID:      match.Candidate.CompanyID,
		Confidence:     match.Tier,
		Source:         model.SourceProvider,
		ResolvedAt:     time.Now().UTC(),
	})
	if err != nil {
		zap.L().Warn("mapping cache write failed",
			zap.String("normalized_name", norm),
			zap.Error(err))
		return
	}
	if !applied {
		zap.L().Debug("mapping cache kept stronger existing entry",
			zap.String("normalized_name", norm),
			zap.String("tier", string(match.Tier)))
	}
}

// Refresh force-resolves the given raw names against the provider, bypassing
// the cache reads but honoring the override map, budget, rate limit and the
// monotonic-confidence write rule. Returns how many mappings were rewritten.
func (r *Resolver) Refresh(ctx context.Context, rawNames []string) (int, error) {
	var updated atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, raw := range rawNames {
		g.Go(func() error {
			norm := normalize.Name(raw)
			if _, ok := r.overrides.Lookup(norm); ok {
				return nil
			}
			if r.authFailed.Load() || r.budget.Remaining() == 0 {
				return nil
			}
			match := r.lookupProvider(gctx, norm)
			if match == nil || match.Tier == model.TierLow {
				return nil
			}
			applied, err := r.store.UpsertMapping(gctx, model.MappingEntry{
				NormalizedName: norm,
				CompanyID:      match.Candidate.CompanyID,
				Confidence:     match.Tier,
				Source:         model.SourceProvider,
				ResolvedAt:     time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			if applied {
				updated.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(updated.Load()), err
	}
	return int(updated.Load()), nil
}

// RefreshStale re-resolves cached mappings older than the configured
// staleness threshold, up to limit entries, oldest first.
func (r *Resolver) RefreshStale(ctx context.Context, limit int) (int, error) {
	cutoff := time.Now().UTC().Add(-r.cfg.StaleAfter)
	stale, err := r.store.StaleMappings(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	names := make([]string, len(stale))
	for i, e := range stale {
		names[i] = e.NormalizedName
	}
	return r.Refresh(ctx, names)
}

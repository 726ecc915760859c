package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pension-etl/internal/overrides"
	"github.com/sells-group/pension-etl/internal/resilience"
	"github.com/sells-group/pension-etl/internal/resolver"
	"github.com/sells-group/pension-etl/internal/store"
	"github.com/sells-group/pension-etl/pkg/opencorp"
)

// env bundles the wired-up runtime pieces shared by the commands. One env is
// built per invocation, so the budget and auth latch are per-run.
type env struct {
	Store    store.Store
	Client   opencorp.Client
	Budget   *resolver.Budget
	Scorer   *resolver.Scorer
	Resolver *resolver.Resolver
}

func initEnv(ctx context.Context) (*env, error) {
	s, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}

	ov, err := overrides.Load(cfg.Overrides.Path)
	if err != nil {
		s.Close()
		return nil, err
	}

	budget := resolver.NewBudget(cfg.Resolver.Budget)
	client := newProviderClient(budget.TryAcquire)

	scorer := resolver.NewScorer(cfg.Resolver.FuzzyThreshold, cfg.Resolver.LowThreshold)

	r := resolver.New(s, ov, client, scorer, budget, resolver.Config{
		Concurrency: cfg.Resolver.Concurrency,
		StaleAfter:  time.Duration(cfg.Resolver.StaleAfterDays) * 24 * time.Hour,
	})

	return &env{Store: s, Client: client, Budget: budget, Scorer: scorer, Resolver: r}, nil
}

// newProviderClient builds a provider transport from the loaded config.
// attemptHook caps synchronous lookups; pass nil for callers like the queue
// worker that are not subject to the per-run call budget.
func newProviderClient(attemptHook func() bool) opencorp.Client {
	return opencorp.NewClient(cfg.Provider.Token,
		opencorp.WithBaseURL(cfg.Provider.BaseURL),
		opencorp.WithRateLimit(cfg.Provider.RatePerSecond, cfg.Provider.Burst),
		opencorp.WithSlotWait(time.Duration(cfg.Provider.SlotWaitSecs)*time.Second),
		opencorp.WithRetryConfig(resilience.RetryConfig{
			MaxAttempts:    cfg.Provider.MaxAttempts,
			InitialBackoff: time.Second,
			MaxBackoff:     15 * time.Second,
			AttemptTimeout: time.Duration(cfg.Provider.AttemptTimeout) * time.Second,
			OverallTimeout: time.Duration(cfg.Provider.OverallTimeout) * time.Second,
		}),
		opencorp.WithAttemptHook(attemptHook),
	)
}

func (e *env) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("closing store", zap.Error(err))
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "pension-etl.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

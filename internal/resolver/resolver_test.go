package resolver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pension-etl/internal/model"
	"github.com/sells-group/pension-etl/internal/overrides"
	"github.com/sells-group/pension-etl/pkg/opencorp"
)

// fakeClient mirrors the real client's budget wiring: the hook is consulted
// before the simulated attempt, so a denied slot means no call is counted.
type fakeClient struct {
	mu          sync.Mutex
	calls       int
	attemptHook func() bool
	respond     func(name string) ([]opencorp.Candidate, error)
}

func (f *fakeClient) Search(ctx context.Context, name string) ([]opencorp.Candidate, error) {
	if f.attemptHook != nil && !f.attemptHook() {
		return nil, opencorp.ErrBudgetExhausted
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.respond == nil {
		return nil, nil
	}
	return f.respond(name)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func exactMatch(id string) func(string) ([]opencorp.Candidate, error) {
	return func(name string) ([]opencorp.Candidate, error) {
		return []opencorp.Candidate{{CompanyID: id, Name: name}}, nil
	}
}

func newTestResolver(t *testing.T, client opencorp.Client, ov *overrides.Map, budget *Budget, concurrency int) *Resolver {
	t.Helper()
	if ov == nil {
		ov = overrides.FromEntries(nil)
	}
	if budget == nil {
		budget = NewBudget(0)
	}
	return New(newTestStore(t), ov, client, NewScorer(0.6, 0.3), budget, Config{Concurrency: concurrency})
}

func inputs(names ...string) []model.NameInput {
	ins := make([]model.NameInput, len(names))
	for i, n := range names {
		ins[i] = model.NameInput{RawName: n}
	}
	return ins
}

func TestResolveBatch_OverrideWins(t *testing.T) {
	client := &fakeClient{respond: exactMatch("provider-1")}
	ov := overrides.FromEntries(map[string]string{"Acme Corp": "override-1"})
	r := newTestResolver(t, client, ov, nil, 1)

	results, err := r.ResolveBatch(context.Background(), inputs("acme corp"), ModeSync)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "override-1", results[0].Identifier)
	assert.Equal(t, model.SourceOverride, results[0].Source)
	assert.Equal(t, model.TierExact, results[0].Confidence)
	assert.Equal(t, 0, client.callCount())
}

func TestResolveBatch_CacheHitSkipsProvider(t *testing.T) {
	client := &fakeClient{respond: exactMatch("lenovo-bj")}
	r := newTestResolver(t, client, nil, nil, 1)
	ctx := context.Background()

	// First resolution goes to the provider and writes the cache.
	results, err := r.ResolveBatch(ctx, inputs(" 联想 (北京) 有限公司 "), ModeSync)
	require.NoError(t, err)
	assert.Equal(t, "lenovo-bj", results[0].Identifier)
	assert.Equal(t, model.SourceProvider, results[0].Source)
	assert.Equal(t, model.TierExact, results[0].Confidence)
	assert.Equal(t, 1, client.callCount())

	// A full-width spelling of the same name hits the cache.
	results, err = r.ResolveBatch(ctx, inputs("联想（北京）有限公司"), ModeSync)
	require.NoError(t, err)
	assert.Equal(t, "lenovo-bj", results[0].Identifier)
	assert.Equal(t, model.SourceCache, results[0].Source)
	assert.Equal(t, 1, client.callCount())
}

func TestResolveBatch_NoMatchFallsBackToTemp(t *testing.T) {
	client := &fakeClient{respond: func(string) ([]opencorp.Candidate, error) {
		return []opencorp.Candidate{}, nil
	}}
	r := newTestResolver(t, client, nil, nil, 1)

	results, err := r.ResolveBatch(context.Background(), inputs("Unknown Entity Ltd"), ModeSync)
	require.NoError(t, err)

	res := results[0]
	assert.Equal(t, model.SourceTemp, res.Source)
	assert.Equal(t, TempID(res.Normalized), res.Identifier)
	assert.True(t, res.IsProvisional())

	// The name was enqueued for the worker.
	entries, err := r.store.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.Normalized, entries[0].NormalizedName)
}

func TestResolveBatch_BudgetDiscipline(t *testing.T) {
	budget := NewBudget(2)
	client := &fakeClient{attemptHook: budget.TryAcquire, respond: exactMatch("hit")}
	r := newTestResolver(t, client, nil, budget, 1)

	results, err := r.ResolveBatch(context.Background(),
		inputs("Alpha Co", "Bravo Co", "Charlie Co", "Delta Co", "Echo Co"), ModeSync)
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.Equal(t, 2, client.callCount())

	var provider, temp int
	for _, res := range results {
		switch res.Source {
		case model.SourceProvider:
			provider++
		case model.SourceTemp:
			temp++
		}
	}
	assert.Equal(t, 2, provider)
	assert.Equal(t, 3, temp)
}

func TestResolveBatch_AuthFailureReportedOnceThenSkips(t *testing.T) {
	client := &fakeClient{respond: func(string) ([]opencorp.Candidate, error) {
		return nil, &opencorp.AuthError{Hint: "refresh the API token"}
	}}
	r := newTestResolver(t, client, nil, nil, 1)

	results, err := r.ResolveBatch(context.Background(),
		inputs("Alpha Co", "Bravo Co", "Charlie Co"), ModeSync)
	require.NoError(t, err)

	// One attempt latched the session; the rest skipped the provider.
	assert.Equal(t, 1, client.callCount())
	assert.True(t, r.AuthFailed())
	for _, res := range results {
		assert.Equal(t, model.SourceTemp, res.Source)
		assert.True(t, res.IsProvisional())
	}
}

func TestResolveBatch_AsyncOnlySkipsProvider(t *testing.T) {
	client := &fakeClient{respond: exactMatch("never")}
	r := newTestResolver(t, client, nil, nil, 2)

	results, err := r.ResolveBatch(context.Background(), inputs("Alpha Co", "Bravo Co"), ModeAsyncOnly)
	require.NoError(t, err)

	assert.Equal(t, 0, client.callCount())
	for _, res := range results {
		assert.Equal(t, model.SourceTemp, res.Source)
	}
}

func TestResolveBatch_PreservesInputOrder(t *testing.T) {
	client := &fakeClient{respond: exactMatch("id")}
	r := newTestResolver(t, client, nil, nil, 4)

	names := []string{"Echo Co", "Alpha Co", "Delta Co", "Bravo Co", "Charlie Co"}
	results, err := r.ResolveBatch(context.Background(), inputs(names...), ModeSync)
	require.NoError(t, err)
	require.Len(t, results, len(names))

	for i, res := range results {
		assert.Equal(t, names[i], res.RawName)
		assert.NotEmpty(t, res.Identifier)
		assert.False(t, res.ResolvedAt.IsZero())
	}
}

func TestResolveBatch_DuplicateNamesOneLookup(t *testing.T) {
	client := &fakeClient{respond: exactMatch("dup-1")}
	r := newTestResolver(t, client, nil, nil, 1)

	results, err := r.ResolveBatch(context.Background(),
		inputs("Acme Corp", "ACME CORP.", " acme  corp "), ModeSync)
	require.NoError(t, err)

	assert.Equal(t, 1, client.callCount())
	for _, res := range results {
		assert.Equal(t, "dup-1", res.Identifier)
	}
}

func TestResolveBatch_LowConfidenceNotCached(t *testing.T) {
	client := &fakeClient{respond: func(name string) ([]opencorp.Candidate, error) {
		return []opencorp.Candidate{{CompanyID: "weak-1", Name: "Completely Different"}}, nil
	}}
	r := New(newTestStore(t), overrides.FromEntries(nil), client,
		&Scorer{Similarity: func(a, b string) float64 { return 0.4 }, FuzzyThreshold: 0.6, LowThreshold: 0.3},
		NewBudget(0), Config{Concurrency: 1})

	results, err := r.ResolveBatch(context.Background(), inputs("Acme Corp"), ModeSync)
	require.NoError(t, err)

	// The weak candidate is surfaced but the name still routes to the
	// temp/queue path and nothing is written to the cache.
	res := results[0]
	assert.Equal(t, model.SourceTemp, res.Source)
	assert.Equal(t, model.TierLow, res.Confidence)

	entry, err := r.store.GetMapping(context.Background(), res.Normalized)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestResolveBatch_DeadlineFallsThroughToTemp(t *testing.T) {
	client := &fakeClient{respond: exactMatch("slow")}
	r := newTestResolver(t, client, nil, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := r.ResolveBatch(ctx, inputs("Acme Corp"), ModeSync)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, model.SourceTemp, results[0].Source)
	assert.Equal(t, 0, client.callCount())
}

func TestRefresh_RewritesMapping(t *testing.T) {
	client := &fakeClient{respond: exactMatch("fresh-1")}
	r := newTestResolver(t, client, nil, nil, 1)
	ctx := context.Background()

	_, err := r.store.UpsertMapping(ctx, model.MappingEntry{
		NormalizedName: "ACME CORP",
		CompanyID:      "stale-1",
		Confidence:     model.TierFuzzy,
		Source:         model.SourceProvider,
		ResolvedAt:     time.Now().UTC().Add(-120 * 24 * time.Hour),
	})
	require.NoError(t, err)

	updated, err := r.Refresh(ctx, []string{"Acme Corp"})
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	entry, err := r.store.GetMapping(ctx, "ACME CORP")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "fresh-1", entry.CompanyID)
	assert.Equal(t, model.TierExact, entry.Confidence)
}

func TestRefreshStale_OnlyOldEntries(t *testing.T) {
	client := &fakeClient{respond: exactMatch("fresh-1")}
	r := newTestResolver(t, client, nil, nil, 1)
	ctx := context.Background()

	now := time.Now().UTC()
	for name, age := range map[string]time.Duration{
		"OLD CO":    200 * 24 * time.Hour,
		"RECENT CO": 24 * time.Hour,
	} {
		_, err := r.store.UpsertMapping(ctx, model.MappingEntry{
			NormalizedName: name,
			CompanyID:      "orig",
			Confidence:     model.TierFuzzy,
			Source:         model.SourceProvider,
			ResolvedAt:     now.Add(-age),
		})
		require.NoError(t, err)
	}

	updated, err := r.RefreshStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 1, client.callCount())
}

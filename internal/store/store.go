// Package store persists the mapping cache, temp-id registry, and
// enrichment queue behind a single interface with SQLite and Postgres
// implementations.
package store

import (
	"context"
	"time"

	"github.com/sells-group/pension-etl/internal/model"
)

// Store defines the persistence contract for the resolution subsystem.
// All writes are upserts keyed by normalized_name so that the synchronous
// path and the queue worker can race without producing duplicate rows.
type Store interface {
	// Mapping cache. GetMapping returns (nil, nil) on a miss. UpsertMapping
	// applies the monotonic-confidence rule: the write is skipped (false)
	// when an existing entry holds a strictly higher tier.
	GetMapping(ctx context.Context, normalizedName string) (*model.MappingEntry, error)
	UpsertMapping(ctx context.Context, entry model.MappingEntry) (bool, error)
	StaleMappings(ctx context.Context, olderThan time.Time, limit int) ([]model.MappingEntry, error)

	// Temp IDs. IssueTempID is insert-or-ignore keyed on normalized_name:
	// concurrent callers all receive the row that won. Rows are never
	// deleted; ResolveTempID records the reconciled company id.
	GetTempID(ctx context.Context, normalizedName string) (*model.TempIDEntry, error)
	IssueTempID(ctx context.Context, entry model.TempIDEntry) (*model.TempIDEntry, error)
	ResolveTempID(ctx context.Context, normalizedName, companyID string) error

	// Enrichment queue. Enqueue is insert-or-ignore (at most one entry per
	// name); ClaimPending returns the oldest pending entries and counts an
	// attempt against each; MarkResolved removes the entry once the result
	// has been propagated; RecordFailure flips the entry to failed once
	// maxAttempts is reached.
	Enqueue(ctx context.Context, normalizedName string) (bool, error)
	ClaimPending(ctx context.Context, limit int) ([]model.QueueEntry, error)
	MarkResolved(ctx context.Context, normalizedName string) error
	RecordFailure(ctx context.Context, normalizedName, errMsg string, maxAttempts int) (model.QueueStatus, error)

	// Stats reports cache/queue freshness for the operational surface.
	Stats(ctx context.Context, staleBefore time.Time) (*model.Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

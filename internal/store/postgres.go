package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pension-etl/internal/model"
)

// Pool abstracts *pgxpool.Pool so the store can be unit-tested with pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS name_mappings (
	normalized_name TEXT PRIMARY KEY,
	company_id      TEXT NOT NULL,
	confidence      TEXT NOT NULL,
	source          TEXT NOT NULL,
	resolved_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS temp_ids (
	temp_id         TEXT PRIMARY KEY,
	normalized_name TEXT NOT NULL UNIQUE,
	status          TEXT NOT NULL DEFAULT 'pending',
	company_id      TEXT,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS enrichment_queue (
	normalized_name TEXT PRIMARY KEY,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	enqueued_at     TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mappings_resolved_at ON name_mappings(resolved_at);
CREATE INDEX IF NOT EXISTS idx_temp_ids_status ON temp_ids(status);
CREATE INDEX IF NOT EXISTS idx_queue_status_enqueued ON enrichment_queue(status, enqueued_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetMapping(ctx context.Context, normalizedName string) (*model.MappingEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT normalized_name, company_id, confidence, source, resolved_at
		 FROM name_mappings WHERE normalized_name = $1`,
		normalizedName,
	)

	var e model.MappingEntry
	err := row.Scan(&e.NormalizedName, &e.CompanyID, &e.Confidence, &e.Source, &e.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get mapping")
	}
	return &e, nil
}

func (s *PostgresStore) UpsertMapping(ctx context.Context, entry model.MappingEntry) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO name_mappings (normalized_name, company_id, confidence, source, resolved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (normalized_name) DO UPDATE SET
			company_id  = EXCLUDED.company_id,
			confidence  = EXCLUDED.confidence,
			source      = EXCLUDED.source,
			resolved_at = EXCLUDED.resolved_at
		WHERE CASE name_mappings.confidence WHEN 'exact' THEN 3 WHEN 'fuzzy' THEN 2 ELSE 1 END
		   <= CASE EXCLUDED.confidence WHEN 'exact' THEN 3 WHEN 'fuzzy' THEN 2 ELSE 1 END`,
		entry.NormalizedName, entry.CompanyID, string(entry.Confidence), string(entry.Source), entry.ResolvedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: upsert mapping")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) StaleMappings(ctx context.Context, olderThan time.Time, limit int) ([]model.MappingEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT normalized_name, company_id, confidence, source, resolved_at
		 FROM name_mappings WHERE resolved_at < $1 ORDER BY resolved_at LIMIT $2`,
		olderThan.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stale mappings")
	}
	defer rows.Close()

	var entries []model.MappingEntry
	for rows.Next() {
		var e model.MappingEntry
		if err := rows.Scan(&e.NormalizedName, &e.CompanyID, &e.Confidence, &e.Source, &e.ResolvedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stale mapping")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: stale mappings iterate")
}

func (s *PostgresStore) GetTempID(ctx context.Context, normalizedName string) (*model.TempIDEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT temp_id, normalized_name, status, company_id, created_at
		 FROM temp_ids WHERE normalized_name = $1`,
		normalizedName,
	)

	var e model.TempIDEntry
	var companyID *string
	err := row.Scan(&e.TempID, &e.NormalizedName, &e.Status, &companyID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get temp id")
	}
	if companyID != nil {
		e.CompanyID = *companyID
	}
	return &e, nil
}

func (s *PostgresStore) IssueTempID(ctx context.Context, entry model.TempIDEntry) (*model.TempIDEntry, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO temp_ids (temp_id, normalized_name, status, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (normalized_name) DO NOTHING`,
		entry.TempID, entry.NormalizedName, string(model.TempIDPending), entry.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: issue temp id")
	}

	existing, err := s.GetTempID(ctx, entry.NormalizedName)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, eris.Errorf("postgres: temp id for %q missing after insert", entry.NormalizedName)
	}
	return existing, nil
}

func (s *PostgresStore) ResolveTempID(ctx context.Context, normalizedName, companyID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE temp_ids SET status = $1, company_id = $2 WHERE normalized_name = $3`,
		string(model.TempIDResolved), companyID, normalizedName,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve temp id for %q", normalizedName)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: no temp id for %q", normalizedName)
	}
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, normalizedName string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO enrichment_queue (normalized_name, status, attempts, enqueued_at, updated_at)
		VALUES ($1, 'pending', 0, now(), now())
		ON CONFLICT (normalized_name) DO NOTHING`,
		normalizedName,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: enqueue")
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimPending claims the oldest pending entries with FOR UPDATE SKIP LOCKED
// so concurrent workers never process the same name twice.
func (s *PostgresStore) ClaimPending(ctx context.Context, limit int) ([]model.QueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT normalized_name, status, attempts, COALESCE(last_error, ''), enqueued_at, updated_at
		FROM enrichment_queue
		WHERE status = 'pending'
		ORDER BY enqueued_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim pending")
	}

	var claimed []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		if err := rows.Scan(&e.NormalizedName, &e.Status, &e.Attempts, &e.LastError, &e.EnqueuedAt, &e.UpdatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan queue entry")
		}
		claimed = append(claimed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: claim iterate")
	}

	if len(claimed) == 0 {
		return nil, eris.Wrap(tx.Commit(ctx), "postgres: claim commit empty")
	}

	names := make([]string, len(claimed))
	for i, e := range claimed {
		names[i] = e.NormalizedName
	}
	_, err = tx.Exec(ctx, `
		UPDATE enrichment_queue SET attempts = attempts + 1, updated_at = now()
		WHERE normalized_name = ANY($1)`,
		names,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count claim attempts")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: claim commit")
	}

	for i := range claimed {
		claimed[i].Attempts++
	}
	return claimed, nil
}

func (s *PostgresStore) MarkResolved(ctx context.Context, normalizedName string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM enrichment_queue WHERE normalized_name = $1`,
		normalizedName,
	)
	return eris.Wrapf(err, "postgres: mark resolved %q", normalizedName)
}

func (s *PostgresStore) RecordFailure(ctx context.Context, normalizedName, errMsg string, maxAttempts int) (model.QueueStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE enrichment_queue
		SET last_error = $1,
		    status = CASE WHEN attempts >= $2 THEN 'failed' ELSE 'pending' END,
		    updated_at = now()
		WHERE normalized_name = $3
		RETURNING status`,
		errMsg, maxAttempts, normalizedName,
	).Scan(&status)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: record failure %q", normalizedName)
	}
	return model.QueueStatus(status), nil
}

func (s *PostgresStore) Stats(ctx context.Context, staleBefore time.Time) (*model.Stats, error) {
	stats := &model.Stats{
		MappingsByTier: map[model.ConfidenceTier]int{},
		QueueByStatus:  map[model.QueueStatus]int{},
	}

	rows, err := s.pool.Query(ctx,
		`SELECT confidence, COUNT(*) FROM name_mappings GROUP BY confidence`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats mappings by tier")
	}
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan tier count")
		}
		stats.MappingsByTier[model.ConfidenceTier(tier)] = n
		stats.Mappings += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: stats tier iterate")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM name_mappings WHERE resolved_at < $1`,
		staleBefore.UTC(),
	).Scan(&stats.StaleMappings)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats stale count")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT MIN(resolved_at) FROM name_mappings`).Scan(&stats.OldestMapping)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats oldest mapping")
	}

	qRows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM enrichment_queue GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats queue by status")
	}
	for qRows.Next() {
		var status string
		var n int
		if err := qRows.Scan(&status, &n); err != nil {
			qRows.Close()
			return nil, eris.Wrap(err, "postgres: scan queue count")
		}
		stats.QueueByStatus[model.QueueStatus(status)] = n
	}
	qRows.Close()
	if err := qRows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: stats queue iterate")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT MIN(enqueued_at) FROM enrichment_queue WHERE status = 'pending'`,
	).Scan(&stats.OldestPending)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "postgres: stats oldest pending")
	}

	fRows, err := s.pool.Query(ctx,
		`SELECT normalized_name, status, attempts, COALESCE(last_error, ''), enqueued_at, updated_at
		 FROM enrichment_queue WHERE status = 'failed' ORDER BY updated_at DESC LIMIT 100`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats failed entries")
	}
	for fRows.Next() {
		var e model.QueueEntry
		if err := fRows.Scan(&e.NormalizedName, &e.Status, &e.Attempts, &e.LastError, &e.EnqueuedAt, &e.UpdatedAt); err != nil {
			fRows.Close()
			return nil, eris.Wrap(err, "postgres: scan failed entry")
		}
		stats.FailedEntries = append(stats.FailedEntries, e)
	}
	fRows.Close()
	if err := fRows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: stats failed iterate")
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'pending')
		FROM temp_ids`,
	).Scan(&stats.TempIDs, &stats.TempIDsPending)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats temp ids")
	}

	return stats, nil
}

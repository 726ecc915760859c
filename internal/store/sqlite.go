package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pension-etl/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS name_mappings (
	normalized_name TEXT PRIMARY KEY,
	company_id      TEXT NOT NULL,
	confidence      TEXT NOT NULL,
	source          TEXT NOT NULL,
	resolved_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS temp_ids (
	temp_id         TEXT PRIMARY KEY,
	normalized_name TEXT NOT NULL UNIQUE,
	status          TEXT NOT NULL DEFAULT 'pending',
	company_id      TEXT,
	created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS enrichment_queue (
	normalized_name TEXT PRIMARY KEY,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	enqueued_at     DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mappings_resolved_at ON name_mappings(resolved_at);
CREATE INDEX IF NOT EXISTS idx_temp_ids_status ON temp_ids(status);
CREATE INDEX IF NOT EXISTS idx_queue_status_enqueued ON enrichment_queue(status, enqueued_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetMapping(ctx context.Context, normalizedName string) (*model.MappingEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT normalized_name, company_id, confidence, source, resolved_at
		 FROM name_mappings WHERE normalized_name = ?`,
		normalizedName,
	)

	var e model.MappingEntry
	err := row.Scan(&e.NormalizedName, &e.CompanyID, &e.Confidence, &e.Source, &e.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get mapping")
	}
	return &e, nil
}

func (s *SQLiteStore) UpsertMapping(ctx context.Context, entry model.MappingEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO name_mappings (normalized_name, company_id, confidence, source, resolved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(normalized_name) DO UPDATE SET
			company_id  = excluded.company_id,
			confidence  = excluded.confidence,
			source      = excluded.source,
			resolved_at = excluded.resolved_at
		WHERE CASE name_mappings.confidence WHEN 'exact' THEN 3 WHEN 'fuzzy' THEN 2 ELSE 1 END
		   <= CASE excluded.confidence WHEN 'exact' THEN 3 WHEN 'fuzzy' THEN 2 ELSE 1 END`,
		entry.NormalizedName, entry.CompanyID, string(entry.Confidence), string(entry.Source), entry.ResolvedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: upsert mapping")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: upsert mapping rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) StaleMappings(ctx context.Context, olderThan time.Time, limit int) ([]model.MappingEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT normalized_name, company_id, confidence, source, resolved_at
		 FROM name_mappings WHERE resolved_at < ? ORDER BY resolved_at LIMIT ?`,
		olderThan.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stale mappings")
	}
	defer rows.Close()

	var entries []model.MappingEntry
	for rows.Next() {
		var e model.MappingEntry
		if err := rows.Scan(&e.NormalizedName, &e.CompanyID, &e.Confidence, &e.Source, &e.ResolvedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stale mapping")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: stale mappings iterate")
}

func (s *SQLiteStore) GetTempID(ctx context.Context, normalizedName string) (*model.TempIDEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT temp_id, normalized_name, status, company_id, created_at
		 FROM temp_ids WHERE normalized_name = ?`,
		normalizedName,
	)
	return scanTempID(row)
}

func (s *SQLiteStore) IssueTempID(ctx context.Context, entry model.TempIDEntry) (*model.TempIDEntry, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO temp_ids (temp_id, normalized_name, status, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(normalized_name) DO NOTHING`,
		entry.TempID, entry.NormalizedName, string(model.TempIDPending), entry.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: issue temp id")
	}

	// Return whichever row won: issuance is idempotent across callers.
	existing, err := s.GetTempID(ctx, entry.NormalizedName)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, eris.Errorf("sqlite: temp id for %q missing after insert", entry.NormalizedName)
	}
	return existing, nil
}

func (s *SQLiteStore) ResolveTempID(ctx context.Context, normalizedName, companyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE temp_ids SET status = ?, company_id = ? WHERE normalized_name = ?`,
		string(model.TempIDResolved), companyID, normalizedName,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve temp id for %q", normalizedName)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: resolve temp id rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: no temp id for %q", normalizedName)
	}
	return nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, normalizedName string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO enrichment_queue (normalized_name, status, attempts, enqueued_at, updated_at)
		VALUES (?, 'pending', 0, ?, ?)
		ON CONFLICT(normalized_name) DO NOTHING`,
		normalizedName, now, now,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: enqueue")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: enqueue rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ClaimPending(ctx context.Context, limit int) ([]model.QueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT normalized_name, status, attempts, COALESCE(last_error, ''), enqueued_at, updated_at
		 FROM enrichment_queue WHERE status = 'pending'
		 ORDER BY enqueued_at LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim pending")
	}

	var claimed []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		if err := rows.Scan(&e.NormalizedName, &e.Status, &e.Attempts, &e.LastError, &e.EnqueuedAt, &e.UpdatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan queue entry")
		}
		claimed = append(claimed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim iterate")
	}

	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(claimed)), ",")
	args := make([]any, 0, len(claimed)+1)
	args = append(args, time.Now().UTC())
	for _, e := range claimed {
		args = append(args, e.NormalizedName)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE enrichment_queue SET attempts = attempts + 1, updated_at = ?
		 WHERE normalized_name IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count claim attempts")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim commit")
	}

	for i := range claimed {
		claimed[i].Attempts++
	}
	return claimed, nil
}

func (s *SQLiteStore) MarkResolved(ctx context.Context, normalizedName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM enrichment_queue WHERE normalized_name = ?`,
		normalizedName,
	)
	return eris.Wrapf(err, "sqlite: mark resolved %q", normalizedName)
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, normalizedName, errMsg string, maxAttempts int) (model.QueueStatus, error) {
	// Single statement so the returned status cannot misreport under a
	// concurrent writer.
	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE enrichment_queue
		SET last_error = ?,
		    status = CASE WHEN attempts >= ? THEN 'failed' ELSE 'pending' END,
		    updated_at = ?
		WHERE normalized_name = ?
		RETURNING status`,
		errMsg, maxAttempts, time.Now().UTC(), normalizedName,
	).Scan(&status)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: record failure %q", normalizedName)
	}
	return model.QueueStatus(status), nil
}

func (s *SQLiteStore) Stats(ctx context.Context, staleBefore time.Time) (*model.Stats, error) {
	stats := &model.Stats{
		MappingsByTier: map[model.ConfidenceTier]int{},
		QueueByStatus:  map[model.QueueStatus]int{},
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT confidence, COUNT(*) FROM name_mappings GROUP BY confidence`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats mappings by tier")
	}
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan tier count")
		}
		stats.MappingsByTier[model.ConfidenceTier(tier)] = n
		stats.Mappings += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats tier iterate")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM name_mappings WHERE resolved_at < ?`, staleBefore.UTC(),
	).Scan(&stats.StaleMappings)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats stale count")
	}

	// MIN() loses the column's decltype, so the driver hands back raw text.
	// Read the ordered column directly instead.
	var oldest time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT resolved_at FROM name_mappings ORDER BY resolved_at LIMIT 1`).Scan(&oldest)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, eris.Wrap(err, "sqlite: stats oldest mapping")
	default:
		stats.OldestMapping = &oldest
	}

	qRows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM enrichment_queue GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats queue by status")
	}
	for qRows.Next() {
		var status string
		var n int
		if err := qRows.Scan(&status, &n); err != nil {
			qRows.Close()
			return nil, eris.Wrap(err, "sqlite: scan queue count")
		}
		stats.QueueByStatus[model.QueueStatus(status)] = n
	}
	qRows.Close()
	if err := qRows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats queue iterate")
	}

	var oldestPending time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT enqueued_at FROM enrichment_queue WHERE status = 'pending'
		 ORDER BY enqueued_at LIMIT 1`).Scan(&oldestPending)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, eris.Wrap(err, "sqlite: stats oldest pending")
	default:
		stats.OldestPending = &oldestPending
	}

	fRows, err := s.db.QueryContext(ctx,
		`SELECT normalized_name, status, attempts, COALESCE(last_error, ''), enqueued_at, updated_at
		 FROM enrichment_queue WHERE status = 'failed' ORDER BY updated_at DESC LIMIT 100`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats failed entries")
	}
	for fRows.Next() {
		var e model.QueueEntry
		if err := fRows.Scan(&e.NormalizedName, &e.Status, &e.Attempts, &e.LastError, &e.EnqueuedAt, &e.UpdatedAt); err != nil {
			fRows.Close()
			return nil, eris.Wrap(err, "sqlite: scan failed entry")
		}
		stats.FailedEntries = append(stats.FailedEntries, e)
	}
	fRows.Close()
	if err := fRows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats failed iterate")
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM temp_ids`).Scan(&stats.TempIDs)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats temp ids")
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM temp_ids WHERE status = 'pending'`).Scan(&stats.TempIDsPending)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats pending temp ids")
	}

	return stats, nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanTempID(row scannable) (*model.TempIDEntry, error) {
	var e model.TempIDEntry
	var companyID sql.NullString

	err := row.Scan(&e.TempID, &e.NormalizedName, &e.Status, &companyID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan temp id")
	}
	if companyID.Valid {
		e.CompanyID = companyID.String
	}
	return &e, nil
}

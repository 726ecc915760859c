package model

import (
	"strings"
	"time"
)

// ConfidenceTier classifies how well a provider candidate matched the query name.
type ConfidenceTier string

const (
	TierExact ConfidenceTier = "exact"
	TierFuzzy ConfidenceTier = "fuzzy"
	TierLow   ConfidenceTier = "low"
)

// tierRank orders tiers for the monotonic cache-write check.
var tierRank = map[ConfidenceTier]int{
	TierLow:   1,
	TierFuzzy: 2,
	TierExact: 3,
}

// AtLeast reports whether t is the same tier as other or a stronger one.
// Unknown tiers rank below every known tier.
func (t ConfidenceTier) AtLeast(other ConfidenceTier) bool {
	return tierRank[t] >= tierRank[other]
}

// ResolutionSource identifies which layer of the cascade produced an identifier.
type ResolutionSource string

const (
	SourceOverride ResolutionSource = "override"
	SourceCache    ResolutionSource = "cache"
	SourceProvider ResolutionSource = "provider"
	SourceTemp     ResolutionSource = "temp"
)

// NameInput is one company name from the surrounding pipeline, with enough
// context to tie the result back to the source record.
type NameInput struct {
	RawName      string `json:"raw_name"`
	PlanCode     string `json:"plan_code,omitempty"`
	SourceRowRef string `json:"source_row_ref,omitempty"`
}

// ResolutionResult is produced for every input name, never partially populated.
// Identifier is either a canonical company id or a TMP-prefixed placeholder;
// Source == SourceTemp tells the pipeline the row needs later reconciliation.
type ResolutionResult struct {
	RawName    string           `json:"raw_name"`
	Normalized string           `json:"normalized"`
	Identifier string           `json:"identifier"`
	Confidence ConfidenceTier   `json:"confidence"`
	Source     ResolutionSource `json:"source"`
	ResolvedAt time.Time        `json:"resolved_at"`
}

// IsProvisional reports whether the identifier is a temp id awaiting reconciliation.
func (r ResolutionResult) IsProvisional() bool {
	return r.Source == SourceTemp || strings.HasPrefix(r.Identifier, TempIDPrefix)
}

// TempIDPrefix reserves a namespace disjoint from canonical company identifiers.
const TempIDPrefix = "TMP-"

// MappingEntry is a durable normalized_name -> company_id resolution.
type MappingEntry struct {
	NormalizedName string           `json:"normalized_name"`
	CompanyID      string           `json:"company_id"`
	Confidence     ConfidenceTier   `json:"confidence"`
	Source         ResolutionSource `json:"source"`
	ResolvedAt     time.Time        `json:"resolved_at"`
}

// TempIDStatus tracks whether a provisional identifier has been reconciled.
type TempIDStatus string

const (
	TempIDPending  TempIDStatus = "pending"
	TempIDResolved TempIDStatus = "resolved"
)

// TempIDEntry is a provisional identifier issued for an unresolved name.
// Rows are never deleted; once resolved, CompanyID carries the side mapping
// temp_id -> company_id for reconciliation.
type TempIDEntry struct {
	TempID         string       `json:"temp_id"`
	NormalizedName string       `json:"normalized_name"`
	Status         TempIDStatus `json:"status"`
	CompanyID      string       `json:"company_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// QueueStatus is the state of an enrichment queue entry.
type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueResolved QueueStatus = "resolved"
	QueueFailed   QueueStatus = "failed"
)

// QueueEntry is one deferred name awaiting asynchronous resolution.
type QueueEntry struct {
	NormalizedName string      `json:"normalized_name"`
	Status         QueueStatus `json:"status"`
	Attempts       int         `json:"attempts"`
	LastError      string      `json:"last_error,omitempty"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Stats summarizes cache and queue freshness for the status report.
type Stats struct {
	Mappings       int                    `json:"mappings"`
	MappingsByTier map[ConfidenceTier]int `json:"mappings_by_tier"`
	StaleMappings  int                    `json:"stale_mappings"`
	OldestMapping  *time.Time             `json:"oldest_mapping,omitempty"`

	QueueByStatus map[QueueStatus]int `json:"queue_by_status"`
	OldestPending *time.Time          `json:"oldest_pending,omitempty"`
	FailedEntries []QueueEntry        `json:"failed_entries,omitempty"`

	TempIDs        int `json:"temp_ids"`
	TempIDsPending int `json:"temp_ids_pending"`
}

package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/sells-group/pension-etl/internal/model"
	"github.com/sells-group/pension-etl/internal/store"
)

// TempID derives a deterministic provisional identifier from a normalized
// name. The same name always produces the same id, even across restarts, so
// issuance is naturally idempotent. The TMP- prefix keeps the namespace
// disjoint from canonical company identifiers.
func TempID(normalizedName string) string {
	sum := sha256.Sum256([]byte(normalizedName))
	return model.TempIDPrefix + hex.EncodeToString(sum[:])[:16]
}

// IssueTempID records a temp id for the name if one does not exist and
// returns the persisted entry either way. Concurrent callers for the same
// name all receive the same id.
func IssueTempID(ctx context.Context, s store.Store, normalizedName string) (*model.TempIDEntry, error) {
	return s.IssueTempID(ctx, model.TempIDEntry{
		TempID:         TempID(normalizedName),
		NormalizedName: normalizedName,
		Status:         model.TempIDPending,
		CreatedAt:      time.Now().UTC(),
	})
}

package resolver

import (
	"github.com/sells-group/pension-etl/internal/model"
	"github.com/sells-group/pension-etl/internal/normalize"
	"github.com/sells-group/pension-etl/pkg/opencorp"
)

// SimilarityFunc compares two normalized names and returns a score in [0, 1].
type SimilarityFunc func(a, b string) float64

// Match is the scorer's selection among provider candidates.
type Match struct {
	Candidate  opencorp.Candidate
	Similarity float64
	Tier       model.ConfidenceTier
}

// Scorer picks the best provider candidate for a query name and classifies
// the match quality. The similarity strategy is pluggable; the default is
// trigram Jaccard similarity over normalized names.
type Scorer struct {
	Similarity     SimilarityFunc
	FuzzyThreshold float64
	LowThreshold   float64
}

// NewScorer returns a scorer with the default trigram similarity and the
// given thresholds. A candidate at or above fuzzy scores TierFuzzy; at or
// above low scores TierLow; anything weaker is discarded.
func NewScorer(fuzzyThreshold, lowThreshold float64) *Scorer {
	return &Scorer{
		Similarity:     TrigramSimilarity,
		FuzzyThreshold: fuzzyThreshold,
		LowThreshold:   lowThreshold,
	}
}

// Score selects the best candidate for queryNormalized. An exact
// normalized-name match wins outright as TierExact. Otherwise the candidate
// with the highest similarity is selected and classified against the
// thresholds; ties break on the provider's own relevance score. Returns nil
// when no candidate reaches LowThreshold or the list is empty.
func (s *Scorer) Score(queryNormalized string, candidates []opencorp.Candidate) *Match {
	if len(candidates) == 0 {
		return nil
	}

	var best *Match
	for _, cand := range candidates {
		candNorm := normalize.Name(cand.Name)
		if candNorm == queryNormalized {
			return &Match{Candidate: cand, Similarity: 1.0, Tier: model.TierExact}
		}

		sim := s.Similarity(queryNormalized, candNorm)
		if best == nil || sim > best.Similarity ||
			(sim == best.Similarity && cand.Score > best.Candidate.Score) {
			best = &Match{Candidate: cand, Similarity: sim}
		}
	}

	switch {
	case best.Similarity >= s.FuzzyThreshold:
		best.Tier = model.TierFuzzy
	case best.Similarity >= s.LowThreshold:
		best.Tier = model.TierLow
	default:
		return nil
	}
	return best
}

// TrigramSimilarity computes Jaccard similarity over the character trigram
// sets of two strings. Strings shorter than three runes fall back to exact
// comparison.
func TrigramSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	intersection := 0
	for g := range ta {
		if tb[g] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func trigrams(s string) map[string]bool {
	runes := []rune(s)
	if len(runes) < 3 {
		if len(runes) == 0 {
			return nil
		}
		return map[string]bool{string(runes): true}
	}
	grams := make(map[string]bool, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		grams[string(runes[i:i+3])] = true
	}
	return grams
}

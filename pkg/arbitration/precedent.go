package arbitration

import (
	"context"
	"fmt"
	"strings"

	"github.com/lexfabric/canon/pkg/rule"
)

const (
	// minPrecedentSample is the minimum number of historical records
	// before precedent may decide anything.
	minPrecedentSample = 3
	// Precedent applies when the dominant strategy reaches at least 70%
	// agreement. The boundary is inclusive: exactly 70% passes.
	precedentAgreementNum = 7
	precedentAgreementDen = 10
)

// ResolutionHistory reads the append-only resolution records for one
// concept and conflict type.
type ResolutionHistory interface {
	ResolutionsByConcept(ctx context.Context, conceptSlug string, ct rule.ConflictType) ([]rule.ResolutionRecord, error)
}

// Match is the precedent matcher's verdict: whether history is decisive,
// which strategy dominates and how strongly.
type Match struct {
	Applicable bool
	Strategy   string
	Agreement  float64
	SampleSize int
	Reason     string
}

// PrecedentMatcher decides whether past resolutions of similar conflicts
// agree strongly enough to reuse their strategy.
type PrecedentMatcher struct {
	history ResolutionHistory
}

// NewPrecedentMatcher returns a matcher reading from the given history.
func NewPrecedentMatcher(history ResolutionHistory) *PrecedentMatcher {
	return &PrecedentMatcher{history: history}
}

// Match counts strategies across prior resolutions of (conceptSlug,
// conflictType). Strategy comparison is case-insensitive. Fewer than
// three records, or a dominant strategy below 70% agreement, is not
// applicable.
func (m *PrecedentMatcher) Match(ctx context.Context, conceptSlug string, ct rule.ConflictType) (Match, error) {
	records, err := m.history.ResolutionsByConcept(ctx, conceptSlug, ct)
	if err != nil {
		return Match{}, fmt.Errorf("arbitration: load precedent for (%s, %s): %w", conceptSlug, ct, err)
	}

	total := len(records)
	if total < minPrecedentSample {
		return Match{
			SampleSize: total,
			Reason: fmt.Sprintf("insufficient precedent: %d records for (%s, %s), need at least %d",
				total, conceptSlug, ct, minPrecedentSample),
		}, nil
	}

	counts := make(map[string]int)
	for _, rec := range records {
		if rec.Strategy == "" {
			continue
		}
		counts[strings.ToLower(rec.Strategy)]++
	}

	var best string
	bestCount := 0
	for strategy, count := range counts {
		if count > bestCount || (count == bestCount && strategy < best) {
			best, bestCount = strategy, count
		}
	}
	if best == "" {
		return Match{
			SampleSize: total,
			Reason:     fmt.Sprintf("no recorded strategies across %d records", total),
		}, nil
	}

	agreement := float64(bestCount) / float64(total)
	// Integer comparison keeps the 70% boundary exact.
	if bestCount*precedentAgreementDen < total*precedentAgreementNum {
		return Match{
			Strategy:   best,
			Agreement:  agreement,
			SampleSize: total,
			Reason: fmt.Sprintf("weak agreement: %q leads with %d of %d records (%.1f%%), need 70%%",
				best, bestCount, total, agreement*100),
		}, nil
	}

	return Match{
		Applicable: true,
		Strategy:   best,
		Agreement:  agreement,
		SampleSize: total,
		Reason: fmt.Sprintf("precedent: %q agreed in %d of %d records (%.1f%%)",
			best, bestCount, total, agreement*100),
	}, nil
}

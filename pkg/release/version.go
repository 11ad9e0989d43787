package release

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"

	"github.com/lexfabric/canon/pkg/rule"
)

// ComputeNextVersion derives the version a batch mints from the current
// one: the most critical tier in the batch picks the semver component,
// major for T0, minor for T1, patch otherwise. A nil current version
// bumps from 0.0.0.
func ComputeNextVersion(current *semver.Version, batch []*rule.Rule) (semver.Version, rule.ReleaseType) {
	worst := rule.TierT3
	for _, r := range batch {
		worst = rule.MoreCritical(worst, r.RiskTier)
	}
	relType := rule.ReleaseTypeForTier(worst)

	v := current
	if v == nil {
		v = semver.MustParse("0.0.0")
	}
	switch relType {
	case rule.ReleaseMajor:
		return v.IncMajor(), relType
	case rule.ReleaseMinor:
		return v.IncMinor(), relType
	default:
		return v.IncPatch(), relType
	}
}

// snapshotEntry is one rule's projection into the release snapshot. Only
// the consumer-visible fields participate: identifiers, timestamps and
// workflow stamps change without changing what the canon answers.
type snapshotEntry struct {
	AppliesWhen string `json:"applies_when,omitempty"`
	ConceptSlug string `json:"concept_slug"`
	ValidFrom   string `json:"valid_from"`
	ValidUntil  string `json:"valid_until,omitempty"`
	Value       string `json:"value"`
	ValueType   string `json:"value_type"`
}

// ContentHash computes the canonical snapshot digest of a batch. Entries
// are sorted by (concept, valid-from, value), dates normalized to RFC3339
// UTC, the JSON canonicalized per RFC 8785 and hashed. Two batches with
// the same effective content hash identically regardless of rule ids or
// publish order.
func ContentHash(batch []*rule.Rule) (string, error) {
	entries := make([]snapshotEntry, 0, len(batch))
	for _, r := range batch {
		e := snapshotEntry{
			AppliesWhen: r.AppliesWhen,
			ConceptSlug: r.ConceptSlug,
			ValidFrom:   r.EffectiveFrom.UTC().Format(time.RFC3339),
			Value:       r.Value,
			ValueType:   string(r.ValueType),
		}
		if r.EffectiveUntil != nil {
			e.ValidUntil = r.EffectiveUntil.UTC().Format(time.RFC3339)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.ConceptSlug != b.ConceptSlug {
			return a.ConceptSlug < b.ConceptSlug
		}
		if a.ValidFrom != b.ValidFrom {
			return a.ValidFrom < b.ValidFrom
		}
		return a.Value < b.Value
	})

	raw, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("release: encode snapshot: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("release: canonicalize snapshot: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

package rule

import "time"

// ReleaseType names the semver component a release bumped. The bump is
// driven by the most critical risk tier in the batch.
type ReleaseType string

const (
	ReleaseMajor ReleaseType = "major"
	ReleaseMinor ReleaseType = "minor"
	ReleasePatch ReleaseType = "patch"
)

// ReleaseTypeForTier maps the most critical tier in a publish batch to
// the semver component it bumps: T0 -> major, T1 -> minor, else patch.
func ReleaseTypeForTier(t RiskTier) ReleaseType {
	switch t {
	case TierT0:
		return ReleaseMajor
	case TierT1:
		return ReleaseMinor
	default:
		return ReleasePatch
	}
}

// ReleaseCounters summarize a publish batch for audit dashboards.
type ReleaseCounters struct {
	Rules int `json:"rules"`
	T0    int `json:"t0"`
	T1    int `json:"t1"`
	T2    int `json:"t2"`
	T3    int `json:"t3"`
}

// Release is the immutable record of one publish batch: the version it
// minted, the content hash of the canonical snapshot, its sealed
// signature and the member rule ids. Rollback never deletes a release,
// it only disconnects reverted rules from it.
type Release struct {
	ID          string          `json:"id"`
	Version     string          `json:"version"`
	ReleaseType ReleaseType     `json:"release_type"`
	ContentHash string          `json:"content_hash"`
	Signature   string          `json:"signature,omitempty"`
	RuleIDs     []string        `json:"rule_ids"`
	Counters    ReleaseCounters `json:"counters"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Contains reports whether the release currently includes the rule.
func (r *Release) Contains(ruleID string) bool {
	for _, id := range r.RuleIDs {
		if id == ruleID {
			return true
		}
	}
	return false
}

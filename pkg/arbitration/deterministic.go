package arbitration

import (
	"fmt"

	"github.com/lexfabric/canon/pkg/rule"
)

// Outcome is the result of the deterministic cascade. When Resolved is
// false only Reason is set. RecommendationOnly marks outcomes involving
// a T0/T1 side: winner and reason are still produced for the audit
// record, but the conflict must escalate instead of auto-applying.
type Outcome struct {
	Resolved           bool
	WinnerID           string
	LoserID            string
	Strategy           string
	Reason             string
	RecommendationOnly bool
}

// ResolveDeterministic runs the pure comparison cascade: authority
// (lower score wins), then source hierarchy (lower level wins, skipped
// when either side is unknown), then effective date (strictly newer
// wins). Identical dates leave the conflict unresolved.
func ResolveDeterministic(a, b Summary) Outcome {
	if winner, loser, reason, decided := compareAuthority(a, b); decided {
		return decidedOutcome(winner, loser, rule.StrategyHierarchy, reason, a, b)
	}
	if winner, loser, reason, decided := compareSourceHierarchy(a, b); decided {
		return decidedOutcome(winner, loser, rule.StrategySourceHierarchy, reason, a, b)
	}
	if winner, loser, reason, decided := compareTemporal(a, b); decided {
		return decidedOutcome(winner, loser, rule.StrategyTemporal, reason, a, b)
	}
	return Outcome{
		Reason: "authority tied, source hierarchy tied or unknown, effective dates identical",
	}
}

func decidedOutcome(winner, loser Summary, strategy, reason string, a, b Summary) Outcome {
	return Outcome{
		Resolved:           true,
		WinnerID:           winner.ID,
		LoserID:            loser.ID,
		Strategy:           strategy,
		Reason:             reason,
		RecommendationOnly: a.RiskTier.RequiresHumanApproval() || b.RiskTier.RequiresHumanApproval(),
	}
}

// compareAuthority prefers the stronger legal instrument. LAW scores 1,
// PRACTICE scores 4; lower wins.
func compareAuthority(a, b Summary) (winner, loser Summary, reason string, decided bool) {
	sa, sb := a.Authority.Score(), b.Authority.Score()
	if sa == 0 || sb == 0 || sa == sb {
		return Summary{}, Summary{}, "", false
	}
	if sa < sb {
		return a, b, fmt.Sprintf("authority %s outranks %s", a.Authority, b.Authority), true
	}
	return b, a, fmt.Sprintf("authority %s outranks %s", b.Authority, a.Authority), true
}

// compareSourceHierarchy prefers the more constitutional document level.
// An unknown level on either side makes the comparison impossible.
func compareSourceHierarchy(a, b Summary) (winner, loser Summary, reason string, decided bool) {
	if a.SourceHierarchy == rule.SourceHierarchyUnknown || b.SourceHierarchy == rule.SourceHierarchyUnknown {
		return Summary{}, Summary{}, "", false
	}
	if a.SourceHierarchy == b.SourceHierarchy {
		return Summary{}, Summary{}, "", false
	}
	if a.SourceHierarchy < b.SourceHierarchy {
		return a, b, fmt.Sprintf("source hierarchy level %d outranks level %d", a.SourceHierarchy, b.SourceHierarchy), true
	}
	return b, a, fmt.Sprintf("source hierarchy level %d outranks level %d", b.SourceHierarchy, a.SourceHierarchy), true
}

// compareConfidence prefers the strictly higher extraction confidence.
// The cascade never uses it: confidence ranks extractions, not legal
// force. It decides a pair only when a precedent consensus or a model
// verdict names it.
func compareConfidence(a, b Summary) (winner, loser Summary, reason string, decided bool) {
	if a.Confidence == b.Confidence {
		return Summary{}, Summary{}, "", false
	}
	if a.Confidence > b.Confidence {
		return a, b, fmt.Sprintf("extraction confidence %.2f exceeds %.2f", a.Confidence, b.Confidence), true
	}
	return b, a, fmt.Sprintf("extraction confidence %.2f exceeds %.2f", b.Confidence, a.Confidence), true
}

// compareTemporal prefers the strictly newer effective date.
func compareTemporal(a, b Summary) (winner, loser Summary, reason string, decided bool) {
	if a.EffectiveFrom.Equal(b.EffectiveFrom) {
		return Summary{}, Summary{}, "", false
	}
	if a.EffectiveFrom.After(b.EffectiveFrom) {
		return a, b, fmt.Sprintf("effective %s is newer than %s",
			a.EffectiveFrom.UTC().Format("2006-01-02"), b.EffectiveFrom.UTC().Format("2006-01-02")), true
	}
	return b, a, fmt.Sprintf("effective %s is newer than %s",
		b.EffectiveFrom.UTC().Format("2006-01-02"), a.EffectiveFrom.UTC().Format("2006-01-02")), true
}

// Package arbitration decides conflicts between rules: a pure
// deterministic cascade, a precedent matcher over historical
// resolutions, and an orchestrator that composes both with an external
// arbitration model behind a human-escalation overlay.
package arbitration

import (
	"fmt"
	"strings"
	"time"

	"github.com/lexfabric/canon/pkg/rule"
)

// Summary is the comparable projection of a rule that the resolvers and
// the arbitration model work from.
type Summary struct {
	ID              string
	ConceptSlug     string
	RiskTier        rule.RiskTier
	Authority       rule.AuthorityLevel
	SourceHierarchy int
	Source          string
	Value           string
	ValueType       rule.ValueType
	AppliesWhen     string
	EffectiveFrom   time.Time
	EffectiveUntil  *time.Time
	Confidence      float64
}

// Summarize projects a rule into its arbitration summary.
func Summarize(r *rule.Rule) Summary {
	s := Summary{
		ID:              r.ID,
		ConceptSlug:     r.ConceptSlug,
		RiskTier:        r.RiskTier,
		Authority:       r.Authority,
		SourceHierarchy: r.SourceHierarchy,
		Source:          r.Source,
		Value:           r.Value,
		ValueType:       r.ValueType,
		AppliesWhen:     r.AppliesWhen,
		EffectiveFrom:   r.EffectiveFrom,
		Confidence:      r.Confidence,
	}
	if r.EffectiveUntil != nil {
		t := *r.EffectiveUntil
		s.EffectiveUntil = &t
	}
	return s
}

// Claim renders the summary as the formatted claim text handed to the
// arbitration model.
func (s Summary) Claim() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rule %s: %s = %s (%s)", s.ID, s.ConceptSlug, s.Value, s.ValueType)
	fmt.Fprintf(&b, "; authority %s", s.Authority)
	if s.SourceHierarchy != rule.SourceHierarchyUnknown {
		fmt.Fprintf(&b, " level %d", s.SourceHierarchy)
	}
	fmt.Fprintf(&b, "; tier %s", s.RiskTier)
	fmt.Fprintf(&b, "; effective from %s", s.EffectiveFrom.UTC().Format("2006-01-02"))
	if s.EffectiveUntil != nil {
		fmt.Fprintf(&b, " until %s", s.EffectiveUntil.UTC().Format("2006-01-02"))
	}
	if s.Source != "" {
		fmt.Fprintf(&b, "; source %s", s.Source)
	}
	if s.AppliesWhen != "" {
		fmt.Fprintf(&b, "; applies when %s", s.AppliesWhen)
	}
	fmt.Fprintf(&b, "; extraction confidence %.2f", s.Confidence)
	return b.String()
}

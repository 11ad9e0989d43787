package rule

import (
	"fmt"
	"time"
)

// SourcePointer ties a rule back to the evidence passage it was extracted
// from. Match fields are filled in by provenance validation and persist
// even when validation fails, so audits can tell "verified absent" apart
// from "never checked".
type SourcePointer struct {
	ID          string     `json:"id"`
	RuleID      string     `json:"rule_id"`
	EvidenceID  string     `json:"evidence_id"`
	ExactQuote  string     `json:"exact_quote"`
	Value       string     `json:"value,omitempty"`
	Confidence  float64    `json:"confidence"`
	MatchType   MatchType  `json:"match_type,omitempty"`
	MatchStart  int        `json:"match_start"`
	MatchEnd    int        `json:"match_end"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
}

// Validated reports whether provenance validation has run for the pointer.
func (p *SourcePointer) Validated() bool {
	return p.ValidatedAt != nil
}

// Validate checks the structural invariants of a stored pointer.
func (p *SourcePointer) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pointer id must not be empty")
	}
	if p.RuleID == "" {
		return fmt.Errorf("pointer %s: rule_id must not be empty", p.ID)
	}
	if p.EvidenceID == "" {
		return fmt.Errorf("pointer %s: evidence_id must not be empty", p.ID)
	}
	if p.ExactQuote == "" {
		return fmt.Errorf("pointer %s: exact_quote must not be empty", p.ID)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("pointer %s: confidence %.3f out of range", p.ID, p.Confidence)
	}
	return nil
}

// Package approval holds the auto-approval allowlist. Automated callers
// may only approve a rule when the table explicitly allows its
// source/concept/authority/tier/confidence tuple, and never for the
// human-only tiers. Every caller routes through Decide; nothing else in
// the codebase re-implements tier or confidence checks.
package approval

import (
	"fmt"
	"strings"

	"github.com/lexfabric/canon/pkg/rule"
)

// Entry allows auto-approval for rules from one ingestion source whose
// concept slug starts with ConceptPrefix. MaxTier caps how critical an
// allowed rule may be (defaults to T2, the most critical tier automation
// may ever touch). MinAuthority, when set, requires at least that legal
// weight. MinConfidence, when set, rejects low-confidence extractions.
type Entry struct {
	Source        string              `yaml:"source" json:"source"`
	ConceptPrefix string              `yaml:"concept_prefix" json:"concept_prefix"`
	MinAuthority  rule.AuthorityLevel `yaml:"min_authority,omitempty" json:"min_authority,omitempty"`
	MaxTier       rule.RiskTier       `yaml:"max_tier,omitempty" json:"max_tier,omitempty"`
	MinConfidence float64             `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`
	Note          string              `yaml:"note,omitempty" json:"note,omitempty"`
}

// matches reports whether the entry covers the request's source and
// concept. Authority, tier and confidence are checked separately so the
// denial reason can name the failing constraint.
func (e Entry) matches(req Request) bool {
	return e.Source == req.Source && strings.HasPrefix(req.ConceptSlug, e.ConceptPrefix)
}

// Policy is an immutable, versioned allowlist snapshot. Build one with
// NewPolicy or LoadFile; decisions always run against a full snapshot so
// a reload can never be observed halfway. Entries are ordered and the
// first entry matching a request's source and concept prefix decides.
type Policy struct {
	version string
	entries []Entry
}

// NewPolicy validates the entries and returns a snapshot.
func NewPolicy(version string, entries []Entry) (*Policy, error) {
	validated := make([]Entry, 0, len(entries))
	for i, e := range entries {
		if e.Source == "" {
			return nil, fmt.Errorf("allowlist entry %d: source must not be empty", i)
		}
		if e.ConceptPrefix == "" {
			return nil, fmt.Errorf("allowlist entry %d: concept_prefix must not be empty", i)
		}
		if e.MinAuthority != "" && !e.MinAuthority.Valid() {
			return nil, fmt.Errorf("allowlist entry %d: unknown min_authority %q", i, e.MinAuthority)
		}
		if e.MaxTier == "" {
			e.MaxTier = rule.TierT2
		}
		if !e.MaxTier.Valid() {
			return nil, fmt.Errorf("allowlist entry %d: unknown max_tier %q", i, e.MaxTier)
		}
		if e.MaxTier.RequiresHumanApproval() {
			return nil, fmt.Errorf("allowlist entry %d: max_tier %s is human-only", i, e.MaxTier)
		}
		if e.MinConfidence < 0 || e.MinConfidence > 1 {
			return nil, fmt.Errorf("allowlist entry %d: min_confidence %.3f out of range", i, e.MinConfidence)
		}
		validated = append(validated, e)
	}
	return &Policy{version: version, entries: validated}, nil
}

// Version identifies the loaded table in audit events.
func (p *Policy) Version() string {
	return p.version
}

// Len returns the number of allowlist entries.
func (p *Policy) Len() int {
	return len(p.entries)
}

// Request describes a rule an automated caller wants to approve.
type Request struct {
	Source      string
	ConceptSlug string
	Authority   rule.AuthorityLevel
	Tier        rule.RiskTier
	Confidence  float64
}

// Decision is the allowlist verdict. Reason explains denials in audit
// events.
type Decision struct {
	Eligible bool
	Reason   string
}

// Decide evaluates a request against the snapshot. Deny by default: a
// request is eligible only when the first matching entry's constraints
// all pass. T0 and T1 are never eligible no matter what the table says.
func (p *Policy) Decide(req Request) Decision {
	if req.Tier.RequiresHumanApproval() {
		return Decision{Reason: fmt.Sprintf("tier %s requires a human approver", req.Tier)}
	}

	for _, e := range p.entries {
		if !e.matches(req) {
			continue
		}
		if req.Tier.Order() < e.MaxTier.Order() {
			return Decision{Reason: fmt.Sprintf("tier %s exceeds allowlisted maximum %s", req.Tier, e.MaxTier)}
		}
		if e.MinAuthority != "" && req.Authority.Score() > e.MinAuthority.Score() {
			return Decision{Reason: fmt.Sprintf("authority %s below allowlisted minimum %s", req.Authority, e.MinAuthority)}
		}
		if e.MinConfidence > 0 && req.Confidence < e.MinConfidence {
			return Decision{Reason: fmt.Sprintf("confidence %.3f below allowlisted minimum %.3f", req.Confidence, e.MinConfidence)}
		}
		return Decision{Eligible: true, Reason: "allowlisted"}
	}
	return Decision{Reason: fmt.Sprintf("no allowlist entry for (%s, %s)", req.Source, req.ConceptSlug)}
}

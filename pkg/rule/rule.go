// Package rule defines the canonical domain model for regulatory rules:
// lifecycle statuses, risk tiers, authority levels, source pointers,
// conflicts, releases and reference-graph edges.
package rule

import (
	"fmt"
	"strings"
	"time"
)

// RiskTier classifies how much damage a wrong rule can cause downstream.
// T0 is the most critical tier, T3 the least.
type RiskTier string

const (
	TierT0 RiskTier = "T0"
	TierT1 RiskTier = "T1"
	TierT2 RiskTier = "T2"
	TierT3 RiskTier = "T3"
)

// Order returns the criticality rank, 0 for T0 through 3 for T3.
// Unknown tiers rank after T3.
func (t RiskTier) Order() int {
	switch t {
	case TierT0:
		return 0
	case TierT1:
		return 1
	case TierT2:
		return 2
	case TierT3:
		return 3
	default:
		return 4
	}
}

// Valid reports whether the tier is one of the four known tiers.
func (t RiskTier) Valid() bool {
	return t.Order() < 4
}

// RequiresHumanApproval reports whether rules of this tier may only be
// approved by a human actor.
func (t RiskTier) RequiresHumanApproval() bool {
	return t == TierT0 || t == TierT1
}

// MoreCritical returns the more critical of two tiers.
func MoreCritical(a, b RiskTier) RiskTier {
	if b.Order() < a.Order() {
		return b
	}
	return a
}

// AuthorityLevel ranks the legal weight of the instrument a rule came from.
type AuthorityLevel string

const (
	AuthorityLaw       AuthorityLevel = "LAW"
	AuthorityGuidance  AuthorityLevel = "GUIDANCE"
	AuthorityProcedure AuthorityLevel = "PROCEDURE"
	AuthorityPractice  AuthorityLevel = "PRACTICE"
)

// Score returns the authority rank where lower is stronger: LAW=1,
// GUIDANCE=2, PROCEDURE=3, PRACTICE=4. Unknown levels score 0.
func (a AuthorityLevel) Score() int {
	switch a {
	case AuthorityLaw:
		return 1
	case AuthorityGuidance:
		return 2
	case AuthorityProcedure:
		return 3
	case AuthorityPractice:
		return 4
	default:
		return 0
	}
}

// Valid reports whether the authority level is known.
func (a AuthorityLevel) Valid() bool {
	return a.Score() != 0
}

// Status is a rule's lifecycle state.
type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusApproved      Status = "APPROVED"
	StatusPublished     Status = "PUBLISHED"
	StatusDeprecated    Status = "DEPRECATED"
	StatusRevoked       Status = "REVOKED"
	StatusRejected      Status = "REJECTED"
)

// Terminal reports whether no further lifecycle transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusRevoked
}

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingReview, StatusApproved, StatusPublished,
		StatusDeprecated, StatusRevoked, StatusRejected:
		return true
	default:
		return false
	}
}

// GraphStatus tracks whether a rule's outgoing reference edges reflect
// its current published content.
type GraphStatus string

const (
	GraphPending GraphStatus = "PENDING"
	GraphCurrent GraphStatus = "CURRENT"
	GraphStale   GraphStatus = "STALE"
)

// MatchType records how a source pointer's quote was located in its
// evidence document. The zero value means the pointer was never checked.
type MatchType string

const (
	MatchExact      MatchType = "EXACT"
	MatchNormalized MatchType = "NORMALIZED"
	MatchNotFound   MatchType = "NOT_FOUND"
)

// ValueType names the type a rule's value string should decode as.
type ValueType string

const (
	ValueString   ValueType = "string"
	ValueNumber   ValueType = "number"
	ValueBoolean  ValueType = "boolean"
	ValueDuration ValueType = "duration"
	ValueDate     ValueType = "date"
	ValueJSON     ValueType = "json"
)

// SourceHierarchyMin and SourceHierarchyMax bound the known document
// hierarchy scale. Level 1 (constitution, statute) outranks level 7
// (internal practice note). Zero means the level is unknown and the
// hierarchy comparison must be skipped.
const (
	SourceHierarchyUnknown = 0
	SourceHierarchyMin     = 1
	SourceHierarchyMax     = 7
)

// Exception carves a named concept out of a rule's scope. Exceptions are
// what OVERRIDES edges in the reference graph are built from.
type Exception struct {
	ConceptSlug string `json:"concept_slug"`
	Note        string `json:"note,omitempty"`
}

// Rule is a single typed business constraint extracted from a regulatory
// source document and carried through the canon lifecycle.
type Rule struct {
	ID              string         `json:"id"`
	ConceptSlug     string         `json:"concept_slug"`
	Status          Status         `json:"status"`
	RiskTier        RiskTier       `json:"risk_tier"`
	Authority       AuthorityLevel `json:"authority"`
	SourceHierarchy int            `json:"source_hierarchy"`
	Source          string         `json:"source,omitempty"`
	Value           string         `json:"value"`
	ValueType       ValueType      `json:"value_type"`
	AppliesWhen     string         `json:"applies_when,omitempty"`
	EffectiveFrom   time.Time      `json:"effective_from"`
	EffectiveUntil  *time.Time     `json:"effective_until,omitempty"`
	Confidence      float64        `json:"confidence"`
	ApprovedBy      string         `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time     `json:"approved_at,omitempty"`
	RevokedAt       *time.Time     `json:"revoked_at,omitempty"`
	RevokedReason   string         `json:"revoked_reason,omitempty"`
	GraphStatus     GraphStatus    `json:"graph_status"`
	Exceptions      []Exception    `json:"exceptions,omitempty"`
	Notes           []string       `json:"notes,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Revoked reports whether the revocation overlay has been stamped.
// Revocation does not erase the prior status.
func (r *Rule) Revoked() bool {
	return r.RevokedAt != nil
}

// EffectiveStatus is the status consumers should act on: REVOKED when the
// overlay is stamped, the stored lifecycle status otherwise.
func (r *Rule) EffectiveStatus() Status {
	if r.Revoked() {
		return StatusRevoked
	}
	return r.Status
}

// ActiveAt reports whether the rule is consumable at the given instant:
// published, not revoked, and inside its effective window.
func (r *Rule) ActiveAt(at time.Time) bool {
	if r.Status != StatusPublished || r.Revoked() {
		return false
	}
	if at.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveUntil != nil && !at.Before(*r.EffectiveUntil) {
		return false
	}
	return true
}

// Validate checks the structural invariants every stored rule must hold.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id must not be empty")
	}
	if strings.TrimSpace(r.ConceptSlug) == "" {
		return fmt.Errorf("rule %s: concept_slug must not be empty", r.ID)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("rule %s: unknown status %q", r.ID, r.Status)
	}
	if !r.RiskTier.Valid() {
		return fmt.Errorf("rule %s: unknown risk_tier %q", r.ID, r.RiskTier)
	}
	if !r.Authority.Valid() {
		return fmt.Errorf("rule %s: unknown authority %q", r.ID, r.Authority)
	}
	if r.SourceHierarchy != SourceHierarchyUnknown &&
		(r.SourceHierarchy < SourceHierarchyMin || r.SourceHierarchy > SourceHierarchyMax) {
		return fmt.Errorf("rule %s: source_hierarchy %d out of range", r.ID, r.SourceHierarchy)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("rule %s: confidence %.3f out of range", r.ID, r.Confidence)
	}
	if r.EffectiveFrom.IsZero() {
		return fmt.Errorf("rule %s: effective_from must be set", r.ID)
	}
	if r.EffectiveUntil != nil && !r.EffectiveUntil.After(r.EffectiveFrom) {
		return fmt.Errorf("rule %s: effective_until must be after effective_from", r.ID)
	}
	return nil
}

// Clone returns a deep copy safe to mutate without touching the original.
func (r *Rule) Clone() *Rule {
	cp := *r
	if r.EffectiveUntil != nil {
		t := *r.EffectiveUntil
		cp.EffectiveUntil = &t
	}
	if r.ApprovedAt != nil {
		t := *r.ApprovedAt
		cp.ApprovedAt = &t
	}
	if r.RevokedAt != nil {
		t := *r.RevokedAt
		cp.RevokedAt = &t
	}
	if r.Exceptions != nil {
		cp.Exceptions = make([]Exception, len(r.Exceptions))
		copy(cp.Exceptions, r.Exceptions)
	}
	if r.Notes != nil {
		cp.Notes = make([]string, len(r.Notes))
		copy(cp.Notes, r.Notes)
	}
	return &cp
}

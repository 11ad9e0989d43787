package rule

import "time"

// ConflictType classifies why two pieces of extracted canon disagree.
type ConflictType string

const (
	// ConflictRuleContradiction marks two rules asserting incompatible
	// values for the same concept.
	ConflictRuleContradiction ConflictType = "RULE_CONTRADICTION"
	// ConflictOverlappingScope marks two rules whose applies-when scopes
	// intersect without a clear precedence.
	ConflictOverlappingScope ConflictType = "OVERLAPPING_SCOPE"
	// ConflictTemporalOverlap marks two rules whose effective windows
	// overlap for the same concept.
	ConflictTemporalOverlap ConflictType = "TEMPORAL_OVERLAP"
	// ConflictSourceData marks contradicting values inside the source
	// evidence itself. These are never auto-resolved.
	ConflictSourceData ConflictType = "SOURCE_DATA_CONTRADICTION"
)

// Valid reports whether the conflict type is known.
func (t ConflictType) Valid() bool {
	switch t {
	case ConflictRuleContradiction, ConflictOverlappingScope,
		ConflictTemporalOverlap, ConflictSourceData:
		return true
	default:
		return false
	}
}

// SourceData reports whether the conflict lives in the evidence rather
// than between two rules.
func (t ConflictType) SourceData() bool {
	return t == ConflictSourceData
}

// ConflictStatus is a conflict's review state.
type ConflictStatus string

const (
	ConflictOpen      ConflictStatus = "OPEN"
	ConflictEscalated ConflictStatus = "ESCALATED"
	ConflictResolved  ConflictStatus = "RESOLVED"
)

// Verdict is the outcome of a conflict resolution attempt.
type Verdict string

const (
	VerdictRuleAPrevails   Verdict = "RULE_A_PREVAILS"
	VerdictRuleBPrevails   Verdict = "RULE_B_PREVAILS"
	VerdictEscalateToHuman Verdict = "ESCALATE_TO_HUMAN"
)

// ResolutionMethod names the pipeline stage that produced a resolution.
type ResolutionMethod string

const (
	MethodDeterministic ResolutionMethod = "deterministic"
	MethodPrecedent     ResolutionMethod = "precedent"
	MethodModel         ResolutionMethod = "model"
	MethodEscalation    ResolutionMethod = "escalation"
)

// Strategy names shared across the pipeline. The first three are the
// deterministic comparators; StrategyConfidence is only ever chosen by
// models and humans and only applied under precedent consensus. They
// double as the precedent-matching vocabulary, so changing one
// invalidates history.
const (
	StrategyHierarchy       = "hierarchy"
	StrategySourceHierarchy = "source_hierarchy"
	StrategyTemporal        = "temporal"
	StrategyConfidence      = "confidence"
)

// Resolution is the outcome payload attached to a conflict once the
// pipeline has decided or escalated it.
type Resolution struct {
	Verdict            Verdict          `json:"verdict"`
	WinnerID           string           `json:"winner_id,omitempty"`
	LoserID            string           `json:"loser_id,omitempty"`
	Strategy           string           `json:"strategy,omitempty"`
	Method             ResolutionMethod `json:"method"`
	Confidence         float64          `json:"confidence"`
	Reason             string           `json:"reason"`
	RecommendationOnly bool             `json:"recommendation_only"`
	ResolvedAt         time.Time        `json:"resolved_at"`
}

// Conflict records a detected disagreement awaiting resolution. Rule
// conflicts reference two rules; source-data conflicts reference the
// pointers carrying the contradicting values instead.
type Conflict struct {
	ID                  string         `json:"id"`
	Type                ConflictType   `json:"type"`
	Status              ConflictStatus `json:"status"`
	ConceptSlug         string         `json:"concept_slug"`
	RuleAID             string         `json:"rule_a_id,omitempty"`
	RuleBID             string         `json:"rule_b_id,omitempty"`
	PointerIDs          []string       `json:"pointer_ids,omitempty"`
	Summary             string         `json:"summary,omitempty"`
	Resolution          *Resolution    `json:"resolution,omitempty"`
	RequiresHumanReview bool           `json:"requires_human_review"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Open reports whether the conflict still blocks publication of the rules
// it names.
func (c *Conflict) Open() bool {
	return c.Status == ConflictOpen
}

// Involves reports whether the conflict names the given rule.
func (c *Conflict) Involves(ruleID string) bool {
	return c.RuleAID == ruleID || c.RuleBID == ruleID
}

// ResolutionRecord is the immutable audit row written for every
// resolution attempt. Records are the precedent matcher's input, keyed by
// concept slug and conflict type.
type ResolutionRecord struct {
	ID                 string           `json:"id"`
	ConflictID         string           `json:"conflict_id"`
	ConceptSlug        string           `json:"concept_slug"`
	ConflictType       ConflictType     `json:"conflict_type"`
	Strategy           string           `json:"strategy,omitempty"`
	Method             ResolutionMethod `json:"method"`
	Verdict            Verdict          `json:"verdict"`
	WinnerID           string           `json:"winner_id,omitempty"`
	LoserID            string           `json:"loser_id,omitempty"`
	Confidence         float64          `json:"confidence"`
	RecommendationOnly bool             `json:"recommendation_only"`
	Reason             string           `json:"reason,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

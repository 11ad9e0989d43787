package rule

import "time"

// EdgeKind classifies a reference edge between two rules.
type EdgeKind string

const (
	// EdgeSupersedes points from a newer rule to the older rule it
	// replaces for the same concept.
	EdgeSupersedes EdgeKind = "SUPERSEDES"
	// EdgeOverrides points from a rule to a rule it carves an exception
	// out of.
	EdgeOverrides EdgeKind = "OVERRIDES"
	// EdgeDependsOn points from a rule to a rule referenced by its
	// applies-when expression.
	EdgeDependsOn EdgeKind = "DEPENDS_ON"
)

// Valid reports whether the edge kind is known.
func (k EdgeKind) Valid() bool {
	switch k {
	case EdgeSupersedes, EdgeOverrides, EdgeDependsOn:
		return true
	default:
		return false
	}
}

// GraphEdge is a directed reference between two rules. Edges are rebuilt
// wholesale per source rule, so they carry no mutable state.
type GraphEdge struct {
	ID         string    `json:"id"`
	FromRuleID string    `json:"from_rule_id"`
	ToRuleID   string    `json:"to_rule_id"`
	Kind       EdgeKind  `json:"kind"`
	CreatedAt  time.Time `json:"created_at"`
}

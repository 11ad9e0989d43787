package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrRuleRevoked rejects lifecycle transitions on a revoked rule.
	// The revocation overlay freezes the rule where it stood.
	ErrRuleRevoked = errors.New("lifecycle: rule is revoked")

	// ErrAlreadyRevoked rejects a second revocation of the same rule.
	ErrAlreadyRevoked = errors.New("lifecycle: rule is already revoked")

	// ErrNoRules rejects a publish call with an empty rule set.
	ErrNoRules = errors.New("lifecycle: no rules to publish")
)

// Gate names the check that blocked a lifecycle operation.
type Gate string

const (
	GateActor         Gate = "actor"
	GateHumanApprover Gate = "human_approver"
	GateAllowlist     Gate = "allowlist"
	GatePointers      Gate = "source_pointers"
	GateConflicts     Gate = "open_conflicts"
)

// GateError reports a hard gate rejecting an operation. It names the
// rule and its concept so batch callers can tell which member failed.
type GateError struct {
	RuleID      string
	ConceptSlug string
	Gate        Gate
	Reason      string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("rule %s (%s): %s gate: %s", e.RuleID, e.ConceptSlug, e.Gate, e.Reason)
}

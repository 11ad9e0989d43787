package rule

import "fmt"

// allowedTransitions is the canonical forward table. Revocation is an
// overlay stamped by the lifecycle service rather than a row here, and
// the PUBLISHED -> APPROVED edge exists only behind the rollback bypass.
var allowedTransitions = map[Status][]Status{
	StatusDraft:         {StatusPendingReview},
	StatusPendingReview: {StatusApproved, StatusRejected},
	StatusApproved:      {StatusPublished},
	StatusPublished:     {StatusDeprecated},
}

// CanTransition reports whether a rule may move between two lifecycle
// statuses. The PUBLISHED -> APPROVED edge is legal only when
// rollbackBypass is set; every other pair follows the forward table.
func CanTransition(from, to Status, rollbackBypass bool) bool {
	if from == to {
		return false
	}
	if from == StatusPublished && to == StatusApproved {
		return rollbackBypass
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports an attempted move the lifecycle table forbids.
type TransitionError struct {
	RuleID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("rule %s: transition %s -> %s is not allowed", e.RuleID, e.From, e.To)
}

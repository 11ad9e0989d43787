package provenance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lexfabric/canon/pkg/rule"
)

// EvidenceSource resolves evidence bodies by id.
type EvidenceSource interface {
	Body(ctx context.Context, evidenceID string) (string, error)
}

// Result is the outcome of validating one pointer. The match is always
// populated; Accepted folds in the tier policy.
type Result struct {
	Pointer  *rule.SourcePointer
	Match    Match
	Accepted bool
}

// Failure identifies one pointer that failed quote verification. The
// preview carries the start of the quote that could not be located, so
// the operator reading the error can find the pointer without loading it.
type Failure struct {
	PointerID    string         `json:"pointer_id"`
	EvidenceID   string         `json:"evidence_id"`
	MatchType    rule.MatchType `json:"match_type"`
	QuotePreview string         `json:"quote_preview"`
}

// Error reports the pointers of a rule that failed verification for its
// tier. Callers abort the surrounding state change when they see one.
type Error struct {
	RuleID   string
	Tier     rule.RiskTier
	Failures []Failure
}

func (e *Error) Error() string {
	ids := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		ids[i] = fmt.Sprintf("%s(%s %q)", f.PointerID, f.MatchType, f.QuotePreview)
	}
	return fmt.Sprintf("rule %s: provenance verification failed for tier %s: %s",
		e.RuleID, e.Tier, strings.Join(ids, ", "))
}

// previewLen bounds the quote excerpt carried in failures.
const previewLen = 80

func preview(quote string) string {
	r := []rune(quote)
	if len(r) <= previewLen {
		return quote
	}
	return string(r[:previewLen]) + "..."
}

// Validator checks a rule's source pointers against their evidence
// documents. It holds no locks and mutates only the pointers handed to
// it; persistence and transaction boundaries belong to the caller.
type Validator struct {
	evidence EvidenceSource
	logger   *slog.Logger
	now      func() time.Time
}

// NewValidator wires a validator to an evidence source.
func NewValidator(evidence EvidenceSource, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{evidence: evidence, logger: logger, now: time.Now}
}

// ValidateRule verifies every pointer of a rule for the given tier and
// stamps the outcome onto each pointer, failures included. It returns a
// non-nil error only for infrastructure faults (an evidence body that
// could not be fetched); quote mismatches are reported through the
// results so the caller can persist them before aborting.
func (v *Validator) ValidateRule(ctx context.Context, ruleID string, tier rule.RiskTier, pointers []*rule.SourcePointer) ([]Result, error) {
	results := make([]Result, 0, len(pointers))
	for _, p := range pointers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		body, err := v.evidence.Body(ctx, p.EvidenceID)
		if err != nil {
			return nil, fmt.Errorf("fetch evidence %s for pointer %s: %w", p.EvidenceID, p.ID, err)
		}

		m := FindQuote(p.ExactQuote, body)
		Stamp(p, m, v.now())
		res := Result{Pointer: p, Match: m, Accepted: Acceptable(m.Type, tier)}
		results = append(results, res)

		v.logger.Debug("provenance check",
			"rule_id", ruleID,
			"pointer_id", p.ID,
			"evidence_id", p.EvidenceID,
			"match_type", m.Type,
			"accepted", res.Accepted)
	}
	return results, nil
}

// FailureError builds the abort error for a result set, or nil when every
// pointer was accepted.
func FailureError(ruleID string, tier rule.RiskTier, results []Result) error {
	var failures []Failure
	for _, r := range results {
		if !r.Accepted {
			failures = append(failures, Failure{
				PointerID:    r.Pointer.ID,
				EvidenceID:   r.Pointer.EvidenceID,
				MatchType:    r.Match.Type,
				QuotePreview: preview(r.Pointer.ExactQuote),
			})
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &Error{RuleID: ruleID, Tier: tier, Failures: failures}
}

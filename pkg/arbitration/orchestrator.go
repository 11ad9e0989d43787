package arbitration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lexfabric/canon/pkg/rule"
)

const (
	// minModelConfidence is the floor under which a model verdict always
	// escalates.
	minModelConfidence = 0.80
	// minRuleConfidence is the floor under which either rule's own
	// extraction confidence forces escalation of a model verdict.
	minRuleConfidence = 0.85
)

// ModelVerdict is what the external arbitration model returns for a pair
// of formatted claims.
type ModelVerdict struct {
	WinnerID   string
	Strategy   string
	Confidence float64
	ReviewFlag bool
	Reason     string
}

// ModelArbiter is the external model call. Implementations receive the
// conflict type and both claim summaries and return a verdict.
type ModelArbiter interface {
	Arbitrate(ctx context.Context, ct rule.ConflictType, a, b Summary) (ModelVerdict, error)
}

// Orchestrator composes the resolution pipeline: deterministic cascade,
// precedent matcher, model arbitration with a human-escalation overlay.
// It only decides; applying the decision (deprecating losers, updating
// the conflict, tickets) is the reviewer's job.
type Orchestrator struct {
	precedent *PrecedentMatcher
	arbiter   ModelArbiter
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the time source. Tests use it for deterministic
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires the pipeline. A nil arbiter is allowed:
// conflicts that reach the model stage then escalate to a human instead.
func NewOrchestrator(precedent *PrecedentMatcher, arbiter ModelArbiter, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		precedent: precedent,
		arbiter:   arbiter,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Resolve runs the pipeline for one conflict. Source-data conflicts
// always escalate. T0/T1 pairs produce recommendations at most. The
// returned resolution carries the method of the stage that settled the
// outcome; escalations keep the recommendation fields populated for the
// audit trail.
func (o *Orchestrator) Resolve(ctx context.Context, conflict *rule.Conflict, a, b Summary) (rule.Resolution, error) {
	if conflict.Type.SourceData() {
		return rule.Resolution{
			Verdict:    rule.VerdictEscalateToHuman,
			Method:     rule.MethodEscalation,
			Reason:     sourceDataReason(conflict),
			ResolvedAt: o.now(),
		}, nil
	}

	if a.ID != conflict.RuleAID || b.ID != conflict.RuleBID {
		return rule.Resolution{}, fmt.Errorf("arbitration: summaries (%s, %s) do not match conflict %s rules (%s, %s)",
			a.ID, b.ID, conflict.ID, conflict.RuleAID, conflict.RuleBID)
	}

	out := ResolveDeterministic(a, b)
	if out.Resolved {
		if !out.RecommendationOnly {
			return o.applied(conflict, out.WinnerID, out.LoserID, out.Strategy,
				rule.MethodDeterministic, 1.0, out.Reason), nil
		}
		return o.escalated(conflict, out.WinnerID, out.LoserID, out.Strategy,
			out.Reason+"; T0/T1 conflicts are never auto-applied"), nil
	}

	if a.RiskTier.RequiresHumanApproval() || b.RiskTier.RequiresHumanApproval() {
		// The matched strategy is still surfaced as a recommendation for
		// the reviewer, but a store failure here must not block the
		// escalation itself.
		reason := out.Reason + "; T0/T1 conflicts require a human decision"
		strategy := ""
		if match, err := o.precedent.Match(ctx, conflict.ConceptSlug, conflict.Type); err != nil {
			o.logger.Warn("precedent lookup failed during escalation",
				"conflict_id", conflict.ID, "error", err)
		} else if match.Applicable {
			strategy = match.Strategy
			reason += "; " + match.Reason
		}
		return o.escalated(conflict, "", "", strategy, reason), nil
	}

	match, err := o.precedent.Match(ctx, conflict.ConceptSlug, conflict.Type)
	if err != nil {
		return rule.Resolution{}, err
	}
	if match.Applicable {
		if winner, loser, reason, ok := applyStrategy(match.Strategy, a, b); ok {
			return o.applied(conflict, winner.ID, loser.ID, match.Strategy,
				rule.MethodPrecedent, match.Agreement, match.Reason+"; "+reason), nil
		}
		o.logger.Info("precedent strategy cannot decide this pair",
			"conflict_id", conflict.ID, "strategy", match.Strategy)
	}

	if o.arbiter == nil {
		return o.escalated(conflict, "", "", "",
			out.Reason+"; no arbitration model configured"), nil
	}

	verdict, err := o.arbiter.Arbitrate(ctx, conflict.Type, a, b)
	if err != nil {
		return rule.Resolution{}, fmt.Errorf("arbitration: model call for conflict %s: %w", conflict.ID, err)
	}
	winner, loser, ok := pickPair(verdict.WinnerID, a, b)
	if !ok {
		return rule.Resolution{}, fmt.Errorf("arbitration: model named unknown winner %q for conflict %s",
			verdict.WinnerID, conflict.ID)
	}

	if reasons := escalationReasons(verdict, a, b); len(reasons) > 0 {
		reason := verdict.Reason
		if reason != "" {
			reason += "; "
		}
		return o.escalated(conflict, winner.ID, loser.ID, verdict.Strategy,
			reason+"escalation overlay: "+strings.Join(reasons, "; ")), nil
	}

	return o.applied(conflict, winner.ID, loser.ID, verdict.Strategy,
		rule.MethodModel, verdict.Confidence, verdict.Reason), nil
}

func (o *Orchestrator) applied(conflict *rule.Conflict, winnerID, loserID, strategy string, method rule.ResolutionMethod, confidence float64, reason string) rule.Resolution {
	return rule.Resolution{
		Verdict:    verdictFor(conflict, winnerID),
		WinnerID:   winnerID,
		LoserID:    loserID,
		Strategy:   strategy,
		Method:     method,
		Confidence: confidence,
		Reason:     reason,
		ResolvedAt: o.now(),
	}
}

func (o *Orchestrator) escalated(conflict *rule.Conflict, winnerID, loserID, strategy, reason string) rule.Resolution {
	return rule.Resolution{
		Verdict:            rule.VerdictEscalateToHuman,
		WinnerID:           winnerID,
		LoserID:            loserID,
		Strategy:           strategy,
		Method:             rule.MethodEscalation,
		Reason:             reason,
		RecommendationOnly: winnerID != "",
		ResolvedAt:         o.now(),
	}
}

func verdictFor(conflict *rule.Conflict, winnerID string) rule.Verdict {
	if winnerID == conflict.RuleAID {
		return rule.VerdictRuleAPrevails
	}
	return rule.VerdictRuleBPrevails
}

func pickPair(winnerID string, a, b Summary) (winner, loser Summary, ok bool) {
	switch winnerID {
	case a.ID:
		return a, b, true
	case b.ID:
		return b, a, true
	default:
		return Summary{}, Summary{}, false
	}
}

// applyStrategy re-runs the comparator a precedent named. A pair that
// reached the precedent stage is tied on authority and dates, so the
// cascade comparators rarely decide here; confidence is the strategy
// that usually does. Strategies with no comparator cannot apply.
func applyStrategy(strategy string, a, b Summary) (winner, loser Summary, reason string, ok bool) {
	switch strings.ToLower(strategy) {
	case rule.StrategyHierarchy:
		return compareAuthority(a, b)
	case rule.StrategySourceHierarchy:
		return compareSourceHierarchy(a, b)
	case rule.StrategyTemporal:
		return compareTemporal(a, b)
	case rule.StrategyConfidence:
		return compareConfidence(a, b)
	default:
		return Summary{}, Summary{}, "", false
	}
}

// escalationReasons lists every overlay condition a model verdict trips.
func escalationReasons(v ModelVerdict, a, b Summary) []string {
	var reasons []string
	if v.Confidence < minModelConfidence {
		reasons = append(reasons, fmt.Sprintf("model confidence %.2f below %.2f", v.Confidence, minModelConfidence))
	}
	if a.RiskTier == rule.TierT0 && b.RiskTier == rule.TierT0 {
		reasons = append(reasons, "both rules are T0")
	}
	if strings.EqualFold(v.Strategy, rule.StrategyHierarchy) && a.Authority.Score() == b.Authority.Score() {
		reasons = append(reasons, "hierarchy strategy with tied authority")
	}
	if strings.EqualFold(v.Strategy, rule.StrategyTemporal) && a.EffectiveFrom.Equal(b.EffectiveFrom) {
		reasons = append(reasons, "temporal strategy with identical effective dates")
	}
	if a.Confidence < minRuleConfidence {
		reasons = append(reasons, fmt.Sprintf("rule %s confidence %.2f below %.2f", a.ID, a.Confidence, minRuleConfidence))
	}
	if b.Confidence < minRuleConfidence {
		reasons = append(reasons, fmt.Sprintf("rule %s confidence %.2f below %.2f", b.ID, b.Confidence, minRuleConfidence))
	}
	if v.ReviewFlag {
		reasons = append(reasons, "model flagged for human review")
	}
	return reasons
}

func sourceDataReason(conflict *rule.Conflict) string {
	reason := "contradictory values inside source evidence are never auto-resolved"
	if conflict.Summary != "" {
		reason += ": " + conflict.Summary
	}
	return reason
}

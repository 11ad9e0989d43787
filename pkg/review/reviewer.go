// Package review files conflicts and works through the open backlog. The
// sweep runs each open conflict through the resolution pipeline, applies
// definite verdicts by retiring the losing rule, and escalates the rest
// to the human review queue. One bad conflict never aborts a sweep.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lexfabric/canon/pkg/alerting"
	"github.com/lexfabric/canon/pkg/arbitration"
	"github.com/lexfabric/canon/pkg/audit"
	"github.com/lexfabric/canon/pkg/identity"
	"github.com/lexfabric/canon/pkg/observability"
	"github.com/lexfabric/canon/pkg/reviewqueue"
	"github.com/lexfabric/canon/pkg/rule"
)

// Store is the persistence slice the reviewer needs.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetRule(ctx context.Context, id string) (*rule.Rule, error)
	GetPointer(ctx context.Context, id string) (*rule.SourcePointer, error)
	InsertConflict(ctx context.Context, c *rule.Conflict) error
	UpdateConflict(ctx context.Context, c *rule.Conflict) error
	GetConflict(ctx context.Context, id string) (*rule.Conflict, error)
	OpenConflicts(ctx context.Context, limit int) ([]rule.Conflict, error)
	OpenConflictsInvolving(ctx context.Context, ruleID string) ([]rule.Conflict, error)
	AppendResolution(ctx context.Context, rec rule.ResolutionRecord) error
}

// Lifecycle is the slice of the lifecycle service used to retire losing
// rules.
type Lifecycle interface {
	Deprecate(ctx context.Context, ruleID string, actor identity.Actor, supersededBy, rationale string) (*rule.Rule, error)
	Reject(ctx context.Context, ruleID string, actor identity.Actor, reason string) (*rule.Rule, error)
	Revoke(ctx context.Context, ruleID string, actor identity.Actor, reason string) (*rule.Rule, error)
}

// Reviewer files conflicts and sweeps the open backlog.
type Reviewer struct {
	store        Store
	rules        Lifecycle
	orchestrator *arbitration.Orchestrator
	queue        reviewqueue.Queue
	sink         audit.Sink
	alerts       alerting.Sink
	limiter      *rate.Limiter
	batchSize    int
	obs          *observability.Provider
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Reviewer.
type Option func(*Reviewer)

// WithRateLimit caps how many conflicts a sweep resolves per second.
// Model arbitration sits behind this, so the cap is really a budget on
// model calls.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Reviewer) { r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithBatchSize bounds how many open conflicts one sweep picks up.
func WithBatchSize(n int) Option {
	return func(r *Reviewer) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithObservability attaches tracing and RED metrics to sweeps.
func WithObservability(p *observability.Provider) Option {
	return func(r *Reviewer) { r.obs = p }
}

// WithClock replaces the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reviewer) { r.now = now }
}

const defaultBatchSize = 50

// NewReviewer wires the conflict pipeline. queue and alerts may be nil
// for embedded setups; escalations are then only visible through the
// conflict table itself.
func NewReviewer(st Store, rules Lifecycle, orch *arbitration.Orchestrator, queue reviewqueue.Queue, sink audit.Sink, alerts alerting.Sink, logger *slog.Logger, opts ...Option) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NewLogger()
	}
	r := &Reviewer{
		store:        st,
		rules:        rules,
		orchestrator: orch,
		queue:        queue,
		sink:         sink,
		alerts:       alerts,
		limiter:      rate.NewLimiter(rate.Limit(5), 5),
		batchSize:    defaultBatchSize,
		logger:       logger.With("component", "review"),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FileConflict records a disagreement between two rules. Filing is
// idempotent per (pair, type): a second filing returns the existing open
// conflict.
func (r *Reviewer) FileConflict(ctx context.Context, ruleAID, ruleBID string, ct rule.ConflictType, summary string) (*rule.Conflict, error) {
	if !ct.Valid() {
		return nil, fmt.Errorf("review: unknown conflict type %q", ct)
	}
	if ct.SourceData() {
		return nil, fmt.Errorf("review: source-data conflicts are filed with FileSourceConflict")
	}
	if ruleAID == "" || ruleBID == "" || ruleAID == ruleBID {
		return nil, fmt.Errorf("review: a conflict needs two distinct rules")
	}

	a, err := r.store.GetRule(ctx, ruleAID)
	if err != nil {
		return nil, fmt.Errorf("review: load rule %s: %w", ruleAID, err)
	}
	b, err := r.store.GetRule(ctx, ruleBID)
	if err != nil {
		return nil, fmt.Errorf("review: load rule %s: %w", ruleBID, err)
	}
	if ct != rule.ConflictOverlappingScope && a.ConceptSlug != b.ConceptSlug {
		return nil, fmt.Errorf("review: %s conflicts need a shared concept, got %s and %s",
			ct, a.ConceptSlug, b.ConceptSlug)
	}

	existing, err := r.store.OpenConflictsInvolving(ctx, ruleAID)
	if err != nil {
		return nil, fmt.Errorf("review: check existing conflicts: %w", err)
	}
	for i := range existing {
		c := &existing[i]
		if c.Type == ct && c.Involves(ruleBID) {
			r.logger.Debug("conflict already filed", "conflict_id", c.ID,
				"rule_a", ruleAID, "rule_b", ruleBID)
			return c, nil
		}
	}

	now := r.now()
	c := &rule.Conflict{
		ID:          uuid.New().String(),
		Type:        ct,
		Status:      rule.ConflictOpen,
		ConceptSlug: a.ConceptSlug,
		RuleAID:     ruleAID,
		RuleBID:     ruleBID,
		Summary:     summary,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.InsertConflict(ctx, c); err != nil {
		return nil, fmt.Errorf("review: file conflict: %w", err)
	}
	r.record(ctx, "conflict_filed", c.ID, map[string]any{
		"conflict_type": string(ct),
		"concept_slug":  c.ConceptSlug,
		"rule_a_id":     ruleAID,
		"rule_b_id":     ruleBID,
	})
	return c, nil
}

// FileSourceConflict records contradicting values inside the evidence
// itself, referencing the pointers that carry them. These conflicts are
// never auto-resolved; the sweep escalates them untouched.
func (r *Reviewer) FileSourceConflict(ctx context.Context, conceptSlug string, pointerIDs []string, summary string) (*rule.Conflict, error) {
	if conceptSlug == "" {
		return nil, fmt.Errorf("review: source conflict needs a concept slug")
	}
	if len(pointerIDs) < 2 {
		return nil, fmt.Errorf("review: source conflict needs at least two pointers, got %d", len(pointerIDs))
	}
	for _, id := range pointerIDs {
		if _, err := r.store.GetPointer(ctx, id); err != nil {
			return nil, fmt.Errorf("review: load pointer %s: %w", id, err)
		}
	}

	now := r.now()
	c := &rule.Conflict{
		ID:          uuid.New().String(),
		Type:        rule.ConflictSourceData,
		Status:      rule.ConflictOpen,
		ConceptSlug: conceptSlug,
		PointerIDs:  append([]string(nil), pointerIDs...),
		Summary:     summary,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.InsertConflict(ctx, c); err != nil {
		return nil, fmt.Errorf("review: file source conflict: %w", err)
	}
	r.record(ctx, "conflict_filed", c.ID, map[string]any{
		"conflict_type": string(rule.ConflictSourceData),
		"concept_slug":  conceptSlug,
		"pointer_ids":   pointerIDs,
	})
	return c, nil
}

// SweepFailure is one conflict a sweep could not process.
type SweepFailure struct {
	ConflictID string `json:"conflict_id"`
	Err        string `json:"error"`
}

// SweepReport summarizes one pass over the open backlog.
type SweepReport struct {
	Scanned    int            `json:"scanned"`
	Applied    int            `json:"applied"`
	Escalated  int            `json:"escalated"`
	Skipped    int            `json:"skipped"`
	Failures   []SweepFailure `json:"failures,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Sweep resolves open conflicts oldest first, up to the batch size. Each
// conflict commits on its own, so a failure is isolated to its conflict
// and recorded in the report. The sweep stops early only when the
// context dies.
func (r *Reviewer) Sweep(ctx context.Context) (report *SweepReport, err error) {
	ctx, done := r.obs.TrackOperation(ctx, "review.sweep")
	defer func() { done(err) }()

	report = &SweepReport{StartedAt: r.now()}
	defer func() { report.FinishedAt = r.now() }()

	open, err := r.store.OpenConflicts(ctx, r.batchSize)
	if err != nil {
		return report, fmt.Errorf("review: list open conflicts: %w", err)
	}

	for i := range open {
		c := open[i]
		if err := r.limiter.Wait(ctx); err != nil {
			return report, fmt.Errorf("review: sweep interrupted: %w", err)
		}
		report.Scanned++

		outcome, rerr := r.resolveOne(ctx, c)
		if rerr != nil {
			r.logger.Warn("conflict resolution failed",
				"conflict_id", c.ID, "concept_slug", c.ConceptSlug, "error", rerr)
			report.Failures = append(report.Failures, SweepFailure{ConflictID: c.ID, Err: rerr.Error()})
			continue
		}
		switch outcome {
		case outcomeApplied:
			report.Applied++
		case outcomeEscalated:
			report.Escalated++
		default:
			report.Skipped++
		}
	}

	r.record(ctx, "sweep_completed", "", map[string]any{
		"scanned":   report.Scanned,
		"applied":   report.Applied,
		"escalated": report.Escalated,
		"skipped":   report.Skipped,
		"failed":    len(report.Failures),
	})
	return report, nil
}

type sweepOutcome int

const (
	outcomeSkipped sweepOutcome = iota
	outcomeApplied
	outcomeEscalated
)

// resolveOne runs the pipeline for one conflict and commits the verdict,
// the resolution record and any loser retirement in one transaction. The
// escalation ticket is enqueued after the commit.
func (r *Reviewer) resolveOne(ctx context.Context, c rule.Conflict) (sweepOutcome, error) {
	var a, b arbitration.Summary
	if !c.Type.SourceData() {
		ra, err := r.store.GetRule(ctx, c.RuleAID)
		if err != nil {
			return outcomeSkipped, fmt.Errorf("load rule %s: %w", c.RuleAID, err)
		}
		rb, err := r.store.GetRule(ctx, c.RuleBID)
		if err != nil {
			return outcomeSkipped, fmt.Errorf("load rule %s: %w", c.RuleBID, err)
		}
		a, b = arbitration.Summarize(ra), arbitration.Summarize(rb)
	}

	res, err := r.orchestrator.Resolve(ctx, &c, a, b)
	if err != nil {
		return outcomeSkipped, err
	}

	outcome := outcomeApplied
	if res.Verdict == rule.VerdictEscalateToHuman {
		outcome = outcomeEscalated
	}

	err = r.store.WithinTx(ctx, func(ctx context.Context) error {
		fresh, err := r.store.GetConflict(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("reload conflict: %w", err)
		}
		if !fresh.Open() {
			outcome = outcomeSkipped
			return nil
		}

		fresh.Resolution = &res
		fresh.UpdatedAt = r.now()
		if outcome == outcomeEscalated {
			fresh.Status = rule.ConflictEscalated
			fresh.RequiresHumanReview = true
		} else {
			fresh.Status = rule.ConflictResolved
		}
		if err := r.store.UpdateConflict(ctx, fresh); err != nil {
			return fmt.Errorf("update conflict: %w", err)
		}

		rec := rule.ResolutionRecord{
			ID:                 uuid.New().String(),
			ConflictID:         fresh.ID,
			ConceptSlug:        fresh.ConceptSlug,
			ConflictType:       fresh.Type,
			Strategy:           res.Strategy,
			Method:             res.Method,
			Verdict:            res.Verdict,
			WinnerID:           res.WinnerID,
			LoserID:            res.LoserID,
			Confidence:         res.Confidence,
			RecommendationOnly: res.RecommendationOnly,
			Reason:             res.Reason,
			CreatedAt:          r.now(),
		}
		if err := r.store.AppendResolution(ctx, rec); err != nil {
			return fmt.Errorf("append resolution record: %w", err)
		}

		if outcome == outcomeApplied {
			if err := r.retireLoser(ctx, fresh, res); err != nil {
				return fmt.Errorf("retire loser %s: %w", res.LoserID, err)
			}
		}
		return nil
	})
	if err != nil {
		return outcomeSkipped, err
	}

	switch outcome {
	case outcomeApplied:
		r.record(ctx, "conflict_resolved", c.ID, map[string]any{
			"concept_slug": c.ConceptSlug,
			"strategy":     res.Strategy,
			"method":       string(res.Method),
			"verdict":      string(res.Verdict),
			"winner_id":    res.WinnerID,
			"loser_id":     res.LoserID,
		})
	case outcomeEscalated:
		r.record(ctx, "conflict_escalated", c.ID, map[string]any{
			"concept_slug": c.ConceptSlug,
			"reason":       res.Reason,
			"recommended":  res.Strategy,
		})
		r.enqueueTicket(ctx, c, res, a, b)
	}
	return outcome, nil
}

// retireLoser moves the losing rule out of the way, by whatever
// transition its current status allows.
func (r *Reviewer) retireLoser(ctx context.Context, c *rule.Conflict, res rule.Resolution) error {
	loser, err := r.store.GetRule(ctx, res.LoserID)
	if err != nil {
		return err
	}
	if loser.Revoked() {
		return nil
	}

	actor := identity.SystemActor("conflict-sweep")
	reason := fmt.Sprintf("lost conflict %s to rule %s: %s", c.ID, res.WinnerID, res.Reason)

	switch loser.Status {
	case rule.StatusPublished:
		_, err = r.rules.Deprecate(ctx, loser.ID, actor, res.WinnerID, reason)
	case rule.StatusPendingReview:
		_, err = r.rules.Reject(ctx, loser.ID, actor, reason)
	case rule.StatusDraft, rule.StatusApproved:
		_, err = r.rules.Revoke(ctx, loser.ID, actor, reason)
	default:
		// Already deprecated, rejected or revoked; nothing to retire.
		r.logger.Debug("loser already retired", "rule_id", loser.ID, "status", loser.Status)
	}
	return err
}

func (r *Reviewer) enqueueTicket(ctx context.Context, c rule.Conflict, res rule.Resolution, a, b arbitration.Summary) {
	if r.queue == nil {
		return
	}
	priority := reviewqueue.PriorityHigh
	if a.RiskTier.RequiresHumanApproval() || b.RiskTier.RequiresHumanApproval() {
		priority = reviewqueue.PriorityUrgent
	}
	t := reviewqueue.Ticket{
		EntityType: "conflict",
		EntityID:   c.ID,
		Reason:     res.Reason,
		Priority:   priority,
		Context: map[string]any{
			"concept_slug":         c.ConceptSlug,
			"conflict_type":        string(c.Type),
			"recommended_strategy": res.Strategy,
			"recommended_winner":   res.WinnerID,
		},
	}
	if _, err := r.queue.Enqueue(ctx, t); err != nil {
		// The conflict is already marked ESCALATED, so the escalation is
		// still discoverable; losing the ticket only loses the routing.
		r.logger.Error("escalation ticket enqueue failed", "conflict_id", c.ID, "error", err)
		if r.alerts != nil {
			_ = r.alerts.Fire(ctx, alerting.Alert{
				Severity:   alerting.SeverityWarning,
				Kind:       "escalation_ticket_failed",
				EntityType: "conflict",
				EntityID:   c.ID,
				Message:    "escalated conflict has no review ticket",
				Details:    map[string]any{"error": err.Error()},
			})
		}
	}
}

func (r *Reviewer) record(ctx context.Context, action, entityID string, md map[string]any) {
	e := audit.Event{
		Type:       audit.EventConflict,
		Action:     action,
		EntityType: "conflict",
		EntityID:   entityID,
		Timestamp:  r.now(),
		Metadata:   md,
	}
	if err := r.sink.Record(ctx, e); err != nil {
		r.logger.Warn("audit record failed", "action", action, "error", err)
	}
}

// Package lifecycle moves rules through the canon state machine. Every
// transition is gated here: provenance verification on approval and
// publication, the human-approver rule for the critical tiers, the
// allowlist for automated approvals, and the publication gates. Nothing
// else in the codebase writes rule statuses.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexfabric/canon/pkg/applieswhen"
	"github.com/lexfabric/canon/pkg/approval"
	"github.com/lexfabric/canon/pkg/audit"
	"github.com/lexfabric/canon/pkg/identity"
	"github.com/lexfabric/canon/pkg/observability"
	"github.com/lexfabric/canon/pkg/provenance"
	"github.com/lexfabric/canon/pkg/rule"
	"github.com/lexfabric/canon/pkg/store"
)

// Store is the slice of the persistence layer the lifecycle service
// needs. Both the SQL store and its in-memory twin satisfy it.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	InsertRule(ctx context.Context, r *rule.Rule) error
	UpdateRule(ctx context.Context, r *rule.Rule) error
	GetRule(ctx context.Context, id string) (*rule.Rule, error)
	RulesByStatus(ctx context.Context, status rule.Status) ([]*rule.Rule, error)
	SetRuleGraphStatus(ctx context.Context, id string, gs rule.GraphStatus, at time.Time) error
	InsertPointer(ctx context.Context, p *rule.SourcePointer) error
	PointersByRule(ctx context.Context, ruleID string) ([]rule.SourcePointer, error)
	RecordPointerMatch(ctx context.Context, p *rule.SourcePointer) error
	OpenConflictsInvolving(ctx context.Context, ruleID string) ([]rule.Conflict, error)
	OpenConflicts(ctx context.Context, limit int) ([]rule.Conflict, error)
	EscalatedConflicts(ctx context.Context, limit int) ([]rule.Conflict, error)
}

// Service is the lifecycle state machine.
type Service struct {
	store     Store
	validator *provenance.Validator
	allowlist approval.Source
	verifier  *identity.Verifier
	engine    *applieswhen.Engine
	sink      audit.Sink
	obs       *observability.Provider
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	onPublish []func(ruleID string)
	onRetire  []func(ruleID string)
}

// Option configures a Service.
type Option func(*Service)

// WithVerifier enables token-based actor verification. When set, the
// critical tiers accept only token-verified human approvers.
func WithVerifier(v *identity.Verifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithAppliesWhenEngine enables applies_when validation at draft intake.
func WithAppliesWhenEngine(e *applieswhen.Engine) Option {
	return func(s *Service) { s.engine = e }
}

// WithObservability attaches tracing and RED metrics to the main
// operations.
func WithObservability(p *observability.Provider) Option {
	return func(s *Service) { s.obs = p }
}

// WithClock replaces the time source. Tests use it for deterministic
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the state machine. The validator must be non-nil; a
// nil allowlist denies every automated approval and a nil sink falls
// back to the stdout audit logger.
func NewService(st Store, validator *provenance.Validator, allowlist approval.Source, sink audit.Sink, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NewLogger()
	}
	s := &Service{
		store:     st,
		validator: validator,
		allowlist: allowlist,
		sink:      sink,
		logger:    logger.With("component", "lifecycle"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnPublish registers a callback fired once per rule after a successful
// publish commit. The reference-graph worker registers its enqueue here.
// Callbacks run on the publishing goroutine and must not block.
func (s *Service) OnPublish(fn func(ruleID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPublish = append(s.onPublish, fn)
}

// OnRetire registers a callback fired after a published rule leaves
// circulation, whether by deprecation, revocation or a rollback revert.
// The reference-graph worker registers its enqueue here so the retired
// rule's edges clear and its successor rewires.
func (s *Service) OnRetire(fn func(ruleID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRetire = append(s.onRetire, fn)
}

func (s *Service) notifyRetired(id string) {
	s.mu.RLock()
	fns := make([]func(string), len(s.onRetire))
	copy(fns, s.onRetire)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(id)
	}
}

func (s *Service) notifyPublished(ids []string) {
	s.mu.RLock()
	fns := make([]func(string), len(s.onPublish))
	copy(fns, s.onPublish)
	s.mu.RUnlock()
	for _, id := range ids {
		for _, fn := range fns {
			fn(id)
		}
	}
}

// Draft carries the fields of a new rule plus its source pointers.
type Draft struct {
	ConceptSlug     string
	RiskTier        rule.RiskTier
	Authority       rule.AuthorityLevel
	SourceHierarchy int
	Source          string
	Value           string
	ValueType       rule.ValueType
	AppliesWhen     string
	EffectiveFrom   time.Time
	EffectiveUntil  *time.Time
	Confidence      float64
	Exceptions      []rule.Exception
	Notes           []string
	Pointers        []PointerDraft
}

// PointerDraft is one evidence quote attached to a draft.
type PointerDraft struct {
	EvidenceID string
	ExactQuote string
	Value      string
	Confidence float64
}

// CreateDraft validates and stores a new DRAFT rule with its pointers.
func (s *Service) CreateDraft(ctx context.Context, d Draft, actor identity.Actor) (r *rule.Rule, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "lifecycle.create_draft",
		observability.AttrConceptSlug.String(d.ConceptSlug))
	defer func() { done(err) }()

	if err := actor.Validate(); err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}

	now := s.now()
	r = &rule.Rule{
		ID:              uuid.New().String(),
		ConceptSlug:     d.ConceptSlug,
		Status:          rule.StatusDraft,
		RiskTier:        d.RiskTier,
		Authority:       d.Authority,
		SourceHierarchy: d.SourceHierarchy,
		Source:          d.Source,
		Value:           d.Value,
		ValueType:       d.ValueType,
		AppliesWhen:     d.AppliesWhen,
		EffectiveFrom:   d.EffectiveFrom.UTC(),
		EffectiveUntil:  d.EffectiveUntil,
		Confidence:      d.Confidence,
		GraphStatus:     rule.GraphPending,
		Exceptions:      d.Exceptions,
		Notes:           d.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}
	if s.engine != nil && r.AppliesWhen != "" {
		if err := s.engine.Validate(r.AppliesWhen); err != nil {
			return nil, fmt.Errorf("lifecycle: rule %s: applies_when: %w", r.ID, err)
		}
	}

	pointers := make([]*rule.SourcePointer, 0, len(d.Pointers))
	for _, pd := range d.Pointers {
		p := &rule.SourcePointer{
			ID:         uuid.New().String(),
			RuleID:     r.ID,
			EvidenceID: pd.EvidenceID,
			ExactQuote: pd.ExactQuote,
			Value:      pd.Value,
			Confidence: pd.Confidence,
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("lifecycle: %w", err)
		}
		pointers = append(pointers, p)
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.InsertRule(ctx, r); err != nil {
			return err
		}
		for _, p := range pointers {
			if err := s.store.InsertPointer(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, audit.EventLifecycle, "draft_created", r.ID, actor.ID, map[string]any{
		"concept_slug": r.ConceptSlug,
		"risk_tier":    string(r.RiskTier),
		"pointers":     len(pointers),
	})
	return r, nil
}

// SubmitForReview moves a draft into the review queue.
func (s *Service) SubmitForReview(ctx context.Context, ruleID string, actor identity.Actor) (*rule.Rule, error) {
	r, err := s.transition(ctx, ruleID, rule.StatusPendingReview, false, nil)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventLifecycle, "submitted_for_review", r.ID, actor.ID, map[string]any{
		"concept_slug": r.ConceptSlug,
	})
	return r, nil
}

// ApproveOptions modify how an approval is gated.
type ApproveOptions struct {
	// AutoApproval marks the call as automated. Only the allowlist can
	// admit it, and the decision is re-checked inside the commit
	// transaction against the freshest snapshot.
	AutoApproval bool
	// Token carries a signed actor token. When set it is verified and
	// its claims replace the actor argument.
	Token string
}

// Approve moves a rule from PENDING_REVIEW to APPROVED. It verifies
// provenance first and persists the match stamps even when verification
// fails, so a rejected approval still leaves a record of what was
// checked. The critical tiers accept only human approvers.
func (s *Service) Approve(ctx context.Context, ruleID string, actor identity.Actor, opts ApproveOptions) (approved *rule.Rule, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "lifecycle.approve",
		observability.AttrRuleID.String(ruleID))
	defer func() { done(err) }()

	if opts.Token != "" {
		verified, verr := s.verifier.Verify(opts.Token)
		if verr != nil {
			return nil, &GateError{RuleID: ruleID, Gate: GateActor, Reason: verr.Error()}
		}
		actor = verified
	}
	if err := actor.Validate(); err != nil {
		return nil, &GateError{RuleID: ruleID, Gate: GateActor, Reason: err.Error()}
	}

	r, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load rule %s: %w", ruleID, err)
	}
	if r.Revoked() {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrRuleRevoked)
	}
	if !rule.CanTransition(r.Status, rule.StatusApproved, false) {
		return nil, &rule.TransitionError{RuleID: r.ID, From: r.Status, To: rule.StatusApproved}
	}

	if r.RiskTier.RequiresHumanApproval() {
		if opts.AutoApproval {
			return nil, s.deny(ctx, "approve_denied", r, actor, &GateError{
				RuleID: r.ID, ConceptSlug: r.ConceptSlug, Gate: GateHumanApprover,
				Reason: fmt.Sprintf("tier %s is never auto-approvable", r.RiskTier),
			})
		}
		if !actor.Human() {
			return nil, s.deny(ctx, "approve_denied", r, actor, &GateError{
				RuleID: r.ID, ConceptSlug: r.ConceptSlug, Gate: GateHumanApprover,
				Reason: fmt.Sprintf("tier %s requires a human approver, got %s", r.RiskTier, actor.Kind),
			})
		}
		if s.verifier != nil && opts.Token == "" {
			return nil, s.deny(ctx, "approve_denied", r, actor, &GateError{
				RuleID: r.ID, ConceptSlug: r.ConceptSlug, Gate: GateHumanApprover,
				Reason: fmt.Sprintf("tier %s requires a token-verified approver", r.RiskTier),
			})
		}
	}

	if opts.AutoApproval {
		if gerr := s.allowlistGate(r); gerr != nil {
			return nil, s.deny(ctx, "approve_denied", r, actor, gerr)
		}
	}

	// Quote verification runs before the status change and its stamps
	// are committed in their own transaction, so a failed approval still
	// records "verified absent" on every checked pointer.
	if err := s.revalidate(ctx, r); err != nil {
		s.record(ctx, audit.EventLifecycle, "approve_denied", r.ID, actor.ID, map[string]any{
			"concept_slug": r.ConceptSlug,
			"reason":       err.Error(),
		})
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		fresh, err := s.store.GetRule(ctx, ruleID)
		if err != nil {
			return fmt.Errorf("lifecycle: load rule %s: %w", ruleID, err)
		}
		if fresh.Revoked() {
			return fmt.Errorf("rule %s: %w", ruleID, ErrRuleRevoked)
		}
		if !rule.CanTransition(fresh.Status, rule.StatusApproved, false) {
			return &rule.TransitionError{RuleID: fresh.ID, From: fresh.Status, To: rule.StatusApproved}
		}
		// The allowlist decision is authoritative here: a reload between
		// the precheck and the commit must not widen access.
		if opts.AutoApproval {
			if gerr := s.allowlistGate(fresh); gerr != nil {
				return gerr
			}
		}
		now := s.now()
		fresh.Status = rule.StatusApproved
		fresh.ApprovedBy = actor.ID
		fresh.ApprovedAt = &now
		fresh.UpdatedAt = now
		if err := s.store.UpdateRule(ctx, fresh); err != nil {
			return err
		}
		approved = fresh
		return nil
	})
	if err != nil {
		return nil, s.deny(ctx, "approve_denied", r, actor, err)
	}

	md := map[string]any{
		"concept_slug": approved.ConceptSlug,
		"risk_tier":    string(approved.RiskTier),
		"actor_kind":   string(actor.Kind),
		"auto":         opts.AutoApproval,
	}
	if opts.AutoApproval && s.allowlist != nil {
		md["allowlist_version"] = s.allowlist.Current().Version()
	}
	s.record(ctx, audit.EventLifecycle, "approved", approved.ID, actor.ID, md)
	return approved, nil
}

// allowlistGate evaluates the auto-approval table for a rule.
func (s *Service) allowlistGate(r *rule.Rule) error {
	if s.allowlist == nil {
		return &GateError{RuleID: r.ID, ConceptSlug: r.ConceptSlug, Gate: GateAllowlist,
			Reason: "no auto-approval allowlist configured"}
	}
	d := s.allowlist.Current().Decide(approval.Request{
		Source:      r.Source,
		ConceptSlug: r.ConceptSlug,
		Authority:   r.Authority,
		Tier:        r.RiskTier,
		Confidence:  r.Confidence,
	})
	if !d.Eligible {
		return &GateError{RuleID: r.ID, ConceptSlug: r.ConceptSlug, Gate: GateAllowlist, Reason: d.Reason}
	}
	return nil
}

// Publish moves a batch of approved rules to PUBLISHED atomically.
func (s *Service) Publish(ctx context.Context, ruleIDs []string, actor identity.Actor) ([]*rule.Rule, error) {
	return s.PublishWith(ctx, ruleIDs, actor, nil)
}

// PublishWith is Publish plus a caller-supplied function that runs inside
// the same transaction, after every rule has passed its gates and been
// flipped. The release manager uses it to write the release row so that
// membership and statuses commit together. Either everything publishes or
// nothing does.
func (s *Service) PublishWith(ctx context.Context, ruleIDs []string, actor identity.Actor, fn func(ctx context.Context) error) (published []*rule.Rule, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "lifecycle.publish")
	defer func() { done(err) }()

	ids := dedupe(ruleIDs)
	if len(ids) == 0 {
		return nil, ErrNoRules
	}
	if err := actor.Validate(); err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}

	// 1. Cheap gates outside the transaction, for early errors.
	rules := make([]*rule.Rule, 0, len(ids))
	for _, id := range ids {
		r, err := s.store.GetRule(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: load rule %s: %w", id, err)
		}
		if r.Revoked() {
			return nil, s.denyPublish(ctx, ids, actor, fmt.Errorf("rule %s: %w", id, ErrRuleRevoked))
		}
		if !rule.CanTransition(r.Status, rule.StatusPublished, false) {
			return nil, s.denyPublish(ctx, ids, actor, &rule.TransitionError{RuleID: r.ID, From: r.Status, To: rule.StatusPublished})
		}
		rules = append(rules, r)
	}

	// 2. Publication re-verifies provenance. Stamps persist even when
	// the batch is rejected afterwards.
	for _, r := range rules {
		if err := s.revalidate(ctx, r); err != nil {
			return nil, s.denyPublish(ctx, ids, actor, err)
		}
	}

	// 3. Membership gates and the flip, one transaction for the batch.
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		published = published[:0]
		for _, id := range ids {
			r, err := s.store.GetRule(ctx, id)
			if err != nil {
				return fmt.Errorf("lifecycle: load rule %s: %w", id, err)
			}
			if r.Revoked() {
				return fmt.Errorf("rule %s: %w", id, ErrRuleRevoked)
			}
			if !rule.CanTransition(r.Status, rule.StatusPublished, false) {
				return &rule.TransitionError{RuleID: r.ID, From: r.Status, To: rule.StatusPublished}
			}
			pointers, err := s.store.PointersByRule(ctx, r.ID)
			if err != nil {
				return err
			}
			if len(pointers) == 0 {
				return &GateError{RuleID: r.ID, ConceptSlug: r.ConceptSlug, Gate: GatePointers,
					Reason: "a publishable rule needs at least one source pointer"}
			}
			open, err := s.store.OpenConflictsInvolving(ctx, r.ID)
			if err != nil {
				return err
			}
			if len(open) > 0 {
				return &GateError{RuleID: r.ID, ConceptSlug: r.ConceptSlug, Gate: GateConflicts,
					Reason: fmt.Sprintf("%d open conflict(s), oldest %s", len(open), open[0].ID)}
			}
			now := s.now()
			r.Status = rule.StatusPublished
			r.GraphStatus = rule.GraphPending
			r.UpdatedAt = now
			if err := s.store.UpdateRule(ctx, r); err != nil {
				return err
			}
			published = append(published, r)
		}
		if fn != nil {
			return fn(ctx)
		}
		return nil
	})
	if err != nil {
		return nil, s.denyPublish(ctx, ids, actor, err)
	}

	for _, r := range published {
		s.record(ctx, audit.EventLifecycle, "published", r.ID, actor.ID, map[string]any{
			"concept_slug": r.ConceptSlug,
			"batch":        len(published),
		})
	}
	// Rebuild triggers fire only after the commit. A slow or failed
	// rebuild never unwinds a publish.
	s.notifyPublished(ids)
	return published, nil
}

// Deprecate retires a published rule, usually because a newer rule won a
// conflict against it.
func (s *Service) Deprecate(ctx context.Context, ruleID string, actor identity.Actor, supersededBy, rationale string) (*rule.Rule, error) {
	note := rationale
	if supersededBy != "" {
		note = fmt.Sprintf("superseded by %s: %s", supersededBy, rationale)
	}
	r, err := s.transition(ctx, ruleID, rule.StatusDeprecated, false, func(r *rule.Rule) {
		if note != "" {
			r.Notes = append(r.Notes, note)
		}
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventLifecycle, "deprecated", r.ID, actor.ID, map[string]any{
		"concept_slug":  r.ConceptSlug,
		"superseded_by": supersededBy,
		"rationale":     rationale,
	})
	s.notifyRetired(r.ID)
	return r, nil
}

// Reject closes a review negatively. REJECTED is terminal.
func (s *Service) Reject(ctx context.Context, ruleID string, actor identity.Actor, reason string) (*rule.Rule, error) {
	r, err := s.transition(ctx, ruleID, rule.StatusRejected, false, func(r *rule.Rule) {
		if reason != "" {
			r.Notes = append(r.Notes, reason)
		}
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventLifecycle, "rejected", r.ID, actor.ID, map[string]any{
		"concept_slug": r.ConceptSlug,
		"reason":       reason,
	})
	return r, nil
}

// RevertOptions modify a revert to APPROVED.
type RevertOptions struct {
	// RollbackBypass admits the PUBLISHED -> APPROVED edge the forward
	// table forbids. Only the release rollback path sets it.
	RollbackBypass bool
	// Note is appended to the rule when set.
	Note string
}

// RevertToApproved walks a rule back to APPROVED. Without the rollback
// bypass this fails for published rules, matching the forward-only table.
// The original approval stamps survive: the rule was approved and stays
// approved.
func (s *Service) RevertToApproved(ctx context.Context, ruleID string, actor identity.Actor, opts RevertOptions) (*rule.Rule, error) {
	r, err := s.transition(ctx, ruleID, rule.StatusApproved, opts.RollbackBypass, func(r *rule.Rule) {
		if opts.Note != "" {
			r.Notes = append(r.Notes, opts.Note)
		}
	})
	if err != nil {
		s.record(ctx, audit.EventLifecycle, "revert_denied", ruleID, actor.ID, map[string]any{
			"reason": err.Error(),
		})
		return nil, err
	}
	s.record(ctx, audit.EventLifecycle, "reverted_to_approved", r.ID, actor.ID, map[string]any{
		"concept_slug": r.ConceptSlug,
		"note":         opts.Note,
	})
	s.notifyRetired(r.ID)
	return r, nil
}

// Revoke stamps the revocation overlay. The stored status is preserved so
// the audit trail shows where the rule stood when it was pulled; consumers
// see REVOKED through EffectiveStatus. Irreversible.
func (s *Service) Revoke(ctx context.Context, ruleID string, actor identity.Actor, reason string) (revoked *rule.Rule, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "lifecycle.revoke",
		observability.AttrRuleID.String(ruleID))
	defer func() { done(err) }()

	if reason == "" {
		return nil, fmt.Errorf("lifecycle: rule %s: revocation requires a reason", ruleID)
	}
	if err := actor.Validate(); err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.store.GetRule(ctx, ruleID)
		if err != nil {
			return fmt.Errorf("lifecycle: load rule %s: %w", ruleID, err)
		}
		if r.Revoked() {
			return fmt.Errorf("rule %s: %w", ruleID, ErrAlreadyRevoked)
		}
		if r.Status.Terminal() {
			return &rule.TransitionError{RuleID: r.ID, From: r.Status, To: rule.StatusRevoked}
		}
		now := s.now()
		r.RevokedAt = &now
		r.RevokedReason = reason
		r.UpdatedAt = now
		if err := s.store.UpdateRule(ctx, r); err != nil {
			return err
		}
		revoked = r
		return nil
	})
	if err != nil {
		s.record(ctx, audit.EventLifecycle, "revoke_denied", ruleID, actor.ID, map[string]any{
			"reason": err.Error(),
		})
		return nil, err
	}

	s.record(ctx, audit.EventLifecycle, "revoked", revoked.ID, actor.ID, map[string]any{
		"concept_slug":   revoked.ConceptSlug,
		"revoked_reason": reason,
		"status_at_time": string(revoked.Status),
	})
	if revoked.Status == rule.StatusPublished {
		s.notifyRetired(revoked.ID)
	}
	return revoked, nil
}

// HumanReviewItem is one rule waiting on a person, with every reason it
// is waiting.
type HumanReviewItem struct {
	Rule    *rule.Rule
	Reasons []string
}

const defaultReviewLimit = 200

// RulesRequiringHumanReview lists the rules a human must look at:
// critical-tier rules pending review, then rules named by escalated
// conflicts, oldest first within each group.
func (s *Service) RulesRequiringHumanReview(ctx context.Context, limit int) ([]HumanReviewItem, error) {
	if limit <= 0 {
		limit = defaultReviewLimit
	}

	items := make(map[string]*HumanReviewItem)
	var order []string
	add := func(r *rule.Rule, reason string) {
		it, ok := items[r.ID]
		if !ok {
			it = &HumanReviewItem{Rule: r}
			items[r.ID] = it
			order = append(order, r.ID)
		}
		it.Reasons = append(it.Reasons, reason)
	}

	pending, err := s.store.RulesByStatus(ctx, rule.StatusPendingReview)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list pending rules: %w", err)
	}
	for _, r := range pending {
		if r.Revoked() || !r.RiskTier.RequiresHumanApproval() {
			continue
		}
		add(r, fmt.Sprintf("tier %s requires a human approver", r.RiskTier))
	}

	escalated, err := s.store.EscalatedConflicts(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list escalated conflicts: %w", err)
	}
	for _, c := range escalated {
		for _, id := range []string{c.RuleAID, c.RuleBID} {
			if id == "" {
				continue
			}
			r, err := s.store.GetRule(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("escalated conflict names a missing rule",
					"conflict_id", c.ID, "rule_id", id)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("lifecycle: load rule %s: %w", id, err)
			}
			add(r, fmt.Sprintf("conflict %s escalated to human review", c.ID))
		}
	}

	result := make([]HumanReviewItem, 0, len(order))
	for _, id := range order {
		result = append(result, *items[id])
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

// OpenConflictsOldestFirst lists the open conflict backlog.
func (s *Service) OpenConflictsOldestFirst(ctx context.Context, limit int) ([]rule.Conflict, error) {
	return s.store.OpenConflicts(ctx, limit)
}

// transition loads, gates and moves one rule inside a transaction.
// mutate runs after the table check and may touch more than the status.
func (s *Service) transition(ctx context.Context, ruleID string, to rule.Status, bypass bool, mutate func(r *rule.Rule)) (*rule.Rule, error) {
	var updated *rule.Rule
	err := s.store.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.store.GetRule(ctx, ruleID)
		if err != nil {
			return fmt.Errorf("lifecycle: load rule %s: %w", ruleID, err)
		}
		if r.Revoked() {
			return fmt.Errorf("rule %s: %w", ruleID, ErrRuleRevoked)
		}
		if !rule.CanTransition(r.Status, to, bypass) {
			return &rule.TransitionError{RuleID: r.ID, From: r.Status, To: to}
		}
		r.Status = to
		r.UpdatedAt = s.now()
		if mutate != nil {
			mutate(r)
		}
		if err := s.store.UpdateRule(ctx, r); err != nil {
			return err
		}
		updated = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// revalidate runs quote verification for a rule's pointers and persists
// the match stamps in their own transaction, accepted or not. Returns an
// infrastructure fault or a *provenance.Error.
func (s *Service) revalidate(ctx context.Context, r *rule.Rule) error {
	stored, err := s.store.PointersByRule(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("lifecycle: load pointers for rule %s: %w", r.ID, err)
	}
	if len(stored) == 0 {
		return nil
	}
	pointers := make([]*rule.SourcePointer, len(stored))
	for i := range stored {
		pointers[i] = &stored[i]
	}

	results, err := s.validator.ValidateRule(ctx, r.ID, r.RiskTier, pointers)
	if err != nil {
		return fmt.Errorf("lifecycle: verify rule %s: %w", r.ID, err)
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		for _, res := range results {
			if err := s.store.RecordPointerMatch(ctx, res.Pointer); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("lifecycle: persist match stamps for rule %s: %w", r.ID, err)
	}

	if ferr := provenance.FailureError(r.ID, r.RiskTier, results); ferr != nil {
		var pe *provenance.Error
		md := map[string]any{"concept_slug": r.ConceptSlug, "risk_tier": string(r.RiskTier)}
		if errors.As(ferr, &pe) {
			md["failures"] = pe.Failures
		}
		s.record(ctx, audit.EventProvenance, "verification_failed", r.ID, "", md)
		return ferr
	}
	return nil
}

func (s *Service) deny(ctx context.Context, action string, r *rule.Rule, actor identity.Actor, err error) error {
	s.record(ctx, audit.EventLifecycle, action, r.ID, actor.ID, map[string]any{
		"concept_slug": r.ConceptSlug,
		"reason":       err.Error(),
	})
	return err
}

func (s *Service) denyPublish(ctx context.Context, ids []string, actor identity.Actor, err error) error {
	for _, id := range ids {
		s.record(ctx, audit.EventLifecycle, "publish_denied", id, actor.ID, map[string]any{
			"reason": err.Error(),
		})
	}
	return err
}

func (s *Service) record(ctx context.Context, typ audit.EventType, action, entityID, actorID string, md map[string]any) {
	e := audit.Event{
		Type:       typ,
		Action:     action,
		EntityType: "rule",
		EntityID:   entityID,
		Actor:      actorID,
		Timestamp:  s.now(),
		Metadata:   md,
	}
	if err := s.sink.Record(ctx, e); err != nil {
		s.logger.Warn("audit record failed", "action", action, "entity_id", entityID, "error", err)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

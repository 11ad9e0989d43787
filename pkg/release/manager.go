// Package release cuts versioned releases from publish batches and rolls
// the latest one back. A release is an immutable record: the semver it
// minted, a canonical content hash over the member rules and an Ed25519
// seal. Rollback reverts member rules; it never deletes the release row.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/lexfabric/canon/pkg/audit"
	"github.com/lexfabric/canon/pkg/identity"
	"github.com/lexfabric/canon/pkg/lifecycle"
	"github.com/lexfabric/canon/pkg/observability"
	"github.com/lexfabric/canon/pkg/rule"
	"github.com/lexfabric/canon/pkg/store"
)

var (
	// ErrNoRules is returned for an empty publish batch.
	ErrNoRules = errors.New("release: no rules to publish")
	// ErrNotLatestRelease is returned when rolling back a superseded
	// release. Only the newest release is reversible.
	ErrNotLatestRelease = errors.New("release: only the latest release can be rolled back")
	// ErrNothingToRevert is returned when no member rule is still
	// published.
	ErrNothingToRevert = errors.New("release: no member rule is still published")
)

// GateCode identifies the publish gate a rule failed.
type GateCode string

const (
	GateNotApproved     GateCode = "not_approved"
	GateRevoked         GateCode = "revoked"
	GateApproverMissing GateCode = "approver_missing"
	GateOpenConflict    GateCode = "open_conflict"
	GateNoPointers      GateCode = "no_pointers"
	GateWeakEvidence    GateCode = "weak_evidence"
)

// GateResult is one rule's failure against one publish gate.
type GateResult struct {
	RuleID      string   `json:"rule_id"`
	ConceptSlug string   `json:"concept_slug"`
	Code        GateCode `json:"code"`
	Detail      string   `json:"detail"`
}

// GateError carries every gate failure across the batch so callers fix
// them all at once instead of replaying one failure at a time.
type GateError struct {
	Results []GateResult
}

func (e *GateError) Error() string {
	first := e.Results[0]
	if len(e.Results) == 1 {
		return fmt.Sprintf("release: rule %s (%s) failed %s gate: %s",
			first.RuleID, first.ConceptSlug, first.Code, first.Detail)
	}
	return fmt.Sprintf("release: %d gate failures, first: rule %s (%s) failed %s gate: %s",
		len(e.Results), first.RuleID, first.ConceptSlug, first.Code, first.Detail)
}

// Store is the persistence slice the manager needs.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetRule(ctx context.Context, id string) (*rule.Rule, error)
	PointersByRule(ctx context.Context, ruleID string) ([]rule.SourcePointer, error)
	OpenConflictsInvolving(ctx context.Context, ruleID string) ([]rule.Conflict, error)
	InsertRelease(ctx context.Context, rel *rule.Release) error
	GetRelease(ctx context.Context, id string) (*rule.Release, error)
	LatestRelease(ctx context.Context) (*rule.Release, error)
	ReleaseBefore(ctx context.Context, at time.Time) (*rule.Release, error)
	DisconnectReleaseRule(ctx context.Context, releaseID, ruleID string) error
	DeleteEdgesForRule(ctx context.Context, ruleID string) error
}

// Publisher is the slice of the lifecycle service the manager drives.
// State flips stay behind that single choke point; the manager only adds
// the release bookkeeping around them.
type Publisher interface {
	PublishWith(ctx context.Context, ruleIDs []string, actor identity.Actor, fn func(ctx context.Context) error) ([]*rule.Rule, error)
	RevertToApproved(ctx context.Context, ruleID string, actor identity.Actor, opts lifecycle.RevertOptions) (*rule.Rule, error)
}

// Manager cuts and rolls back releases.
type Manager struct {
	store  Store
	rules  Publisher
	sealer *Sealer
	sink   audit.Sink
	obs    *observability.Provider
	logger *slog.Logger
	now    func() time.Time

	// mu serializes publish and rollback: concurrent cuts would mint the
	// same version.
	mu       sync.Mutex
	onRevert []func(ruleID string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithObservability attaches tracing and RED metrics.
func WithObservability(p *observability.Provider) Option {
	return func(m *Manager) { m.obs = p }
}

// WithClock replaces the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager wires the release manager. A nil sealer leaves releases
// unsigned, which is only acceptable for embedded and test setups.
func NewManager(st Store, rules Publisher, sealer *Sealer, sink audit.Sink, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NewLogger()
	}
	m := &Manager{
		store:  st,
		rules:  rules,
		sealer: sealer,
		sink:   sink,
		logger: logger.With("component", "release"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if sealer == nil {
		m.logger.Warn("no sealer configured, releases will be unsigned")
	}
	return m
}

// OnRevert registers a trigger run after a rollback commits, once per
// reverted rule. The reference graph subscribes to recompute edges around
// rules that left the published set.
func (m *Manager) OnRevert(fn func(ruleID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRevert = append(m.onRevert, fn)
}

// PublishOptions tune one release cut.
type PublishOptions struct {
	// SuggestedVersion is advisory, typically carried over from an
	// upstream import. When it disagrees with the computed version it is
	// logged and overridden, never trusted.
	SuggestedVersion string
}

// Plan is the dry-run result of cutting a release: the version it would
// mint, the snapshot hash, the tier counters and every gate failure
// found. An empty Gates slice means the batch would publish.
type Plan struct {
	Version     string               `json:"version"`
	ReleaseType rule.ReleaseType     `json:"release_type"`
	ContentHash string               `json:"content_hash"`
	Counters    rule.ReleaseCounters `json:"counters"`
	RuleIDs     []string             `json:"rule_ids"`
	Gates       []GateResult         `json:"gates,omitempty"`
}

// Plan evaluates a batch without mutating anything: gate results, the
// next version and the content hash are computed exactly as Publish
// would.
func (m *Manager) Plan(ctx context.Context, ruleIDs []string, opts PublishOptions) (*Plan, error) {
	ids := dedupe(ruleIDs)
	if len(ids) == 0 {
		return nil, ErrNoRules
	}

	batch := make([]*rule.Rule, 0, len(ids))
	var gates []GateResult
	for _, id := range ids {
		r, err := m.store.GetRule(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("release: load rule %s: %w", id, err)
		}
		batch = append(batch, r)
		results, err := m.ruleGates(ctx, r)
		if err != nil {
			return nil, err
		}
		gates = append(gates, results...)
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return nil, err
	}
	next, relType := ComputeNextVersion(current, batch)
	version := next.String()
	if opts.SuggestedVersion != "" && opts.SuggestedVersion != version {
		m.logger.Warn("suggested version overridden",
			"suggested", opts.SuggestedVersion, "computed", version)
	}

	hash, err := ContentHash(batch)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Version:     version,
		ReleaseType: relType,
		ContentHash: hash,
		Counters:    countTiers(batch),
		RuleIDs:     ids,
		Gates:       gates,
	}, nil
}

// Publish cuts a release: evaluates the gates, mints the version, hashes
// and seals the snapshot, then publishes the batch and the release row in
// one transaction through the lifecycle service.
func (m *Manager) Publish(ctx context.Context, ruleIDs []string, actor identity.Actor, opts PublishOptions) (rel *rule.Release, err error) {
	ctx, done := m.obs.TrackOperation(ctx, "release.publish")
	defer func() { done(err) }()
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, err := m.Plan(ctx, ruleIDs, opts)
	if err != nil {
		return nil, err
	}
	if len(plan.Gates) > 0 {
		gerr := &GateError{Results: plan.Gates}
		m.record(ctx, "release_denied", "", actor.ID, map[string]any{
			"rule_ids": plan.RuleIDs,
			"gates":    plan.Gates,
		})
		return nil, gerr
	}

	rel = &rule.Release{
		ID:          uuid.New().String(),
		Version:     plan.Version,
		ReleaseType: plan.ReleaseType,
		ContentHash: plan.ContentHash,
		RuleIDs:     plan.RuleIDs,
		Counters:    plan.Counters,
		CreatedBy:   actor.ID,
		CreatedAt:   m.now(),
	}
	if m.sealer != nil {
		rel.Signature = m.sealer.Seal(rel.ContentHash)
	}

	if _, err = m.rules.PublishWith(ctx, plan.RuleIDs, actor, func(ctx context.Context) error {
		return m.store.InsertRelease(ctx, rel)
	}); err != nil {
		return nil, err
	}

	md := map[string]any{
		"version":      rel.Version,
		"release_type": string(rel.ReleaseType),
		"content_hash": rel.ContentHash,
		"rules":        len(rel.RuleIDs),
	}
	if opts.SuggestedVersion != "" && opts.SuggestedVersion != rel.Version {
		md["suggested_version"] = opts.SuggestedVersion
	}
	m.record(ctx, "release_published", rel.ID, actor.ID, md)
	m.logger.Info("release published",
		"release_id", rel.ID, "version", rel.Version, "rules", len(rel.RuleIDs))
	return rel, nil
}

// RollbackOptions tune one rollback.
type RollbackOptions struct {
	// DryRun computes the report without mutating anything.
	DryRun bool
	// Reason is appended to every reverted rule and carried in the audit
	// record.
	Reason string
}

// RollbackOutcome is what the rollback did with one member rule.
type RollbackOutcome string

const (
	// OutcomeReverted moves the rule back to APPROVED.
	OutcomeReverted RollbackOutcome = "reverted"
	// OutcomeKeptShared leaves the rule published: the preceding release
	// also contains it, so reverting would punch a hole in that release.
	OutcomeKeptShared RollbackOutcome = "kept_shared"
	// OutcomeSkipped leaves the rule alone: it already moved on since the
	// release was cut.
	OutcomeSkipped RollbackOutcome = "skipped"
)

// RollbackAction is the per-rule result of a rollback.
type RollbackAction struct {
	RuleID      string          `json:"rule_id"`
	ConceptSlug string          `json:"concept_slug"`
	Outcome     RollbackOutcome `json:"outcome"`
	Detail      string          `json:"detail,omitempty"`
}

// RollbackReport lists what a rollback did, or would do in a dry run.
type RollbackReport struct {
	ReleaseID string           `json:"release_id"`
	Version   string           `json:"version"`
	DryRun    bool             `json:"dry_run"`
	Actions   []RollbackAction `json:"actions"`
}

// Reverted lists the rule ids the rollback moved back to APPROVED.
func (r *RollbackReport) Reverted() []string {
	var out []string
	for _, a := range r.Actions {
		if a.Outcome == OutcomeReverted {
			out = append(out, a.RuleID)
		}
	}
	return out
}

// Rollback reverts the latest release. Member rules unique to it go back
// to APPROVED through the rollback bypass; rules the preceding release
// also contains stay published; rules that already moved on are skipped
// with a warning. The release row survives with the reverted rules
// disconnected from it.
func (m *Manager) Rollback(ctx context.Context, releaseID string, actor identity.Actor, opts RollbackOptions) (report *RollbackReport, err error) {
	ctx, done := m.obs.TrackOperation(ctx, "release.rollback")
	defer func() { done(err) }()
	m.mu.Lock()
	defer m.mu.Unlock()

	rel, err := m.store.GetRelease(ctx, releaseID)
	if err != nil {
		return nil, fmt.Errorf("release: load release %s: %w", releaseID, err)
	}
	latest, err := m.store.LatestRelease(ctx)
	if err != nil {
		return nil, fmt.Errorf("release: find latest release: %w", err)
	}
	if latest.ID != rel.ID {
		return nil, fmt.Errorf("%w: %s is superseded by %s", ErrNotLatestRelease, rel.Version, latest.Version)
	}

	prev, err := m.store.ReleaseBefore(ctx, rel.CreatedAt)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("release: find preceding release: %w", err)
	}
	err = nil

	report = &RollbackReport{ReleaseID: rel.ID, Version: rel.Version, DryRun: opts.DryRun}
	var revert []*rule.Rule
	for _, id := range rel.RuleIDs {
		r, rerr := m.store.GetRule(ctx, id)
		if rerr != nil {
			return nil, fmt.Errorf("release: load rule %s: %w", id, rerr)
		}
		action := RollbackAction{RuleID: r.ID, ConceptSlug: r.ConceptSlug}
		switch {
		case r.Revoked():
			action.Outcome = OutcomeSkipped
			action.Detail = "revoked since the release was cut"
			m.logger.Warn("rollback skips rule", "rule_id", r.ID, "detail", action.Detail)
		case r.Status != rule.StatusPublished:
			action.Outcome = OutcomeSkipped
			action.Detail = fmt.Sprintf("status is %s", r.Status)
			m.logger.Warn("rollback skips rule", "rule_id", r.ID, "detail", action.Detail)
		case prev != nil && prev.Contains(r.ID):
			action.Outcome = OutcomeKeptShared
			action.Detail = fmt.Sprintf("also a member of release %s", prev.Version)
		default:
			action.Outcome = OutcomeReverted
			revert = append(revert, r)
		}
		report.Actions = append(report.Actions, action)
	}

	if opts.DryRun {
		return report, nil
	}
	if len(revert) == 0 {
		m.record(ctx, "rollback_denied", rel.ID, actor.ID, map[string]any{
			"version": rel.Version,
			"reason":  ErrNothingToRevert.Error(),
		})
		return nil, ErrNothingToRevert
	}

	err = m.store.WithinTx(ctx, func(ctx context.Context) error {
		for _, r := range revert {
			if _, terr := m.rules.RevertToApproved(ctx, r.ID, actor, lifecycle.RevertOptions{
				RollbackBypass: true,
				Note:           rollbackNote(rel, opts.Reason),
			}); terr != nil {
				return terr
			}
			if terr := m.store.DisconnectReleaseRule(ctx, rel.ID, r.ID); terr != nil {
				return terr
			}
			if terr := m.store.DeleteEdgesForRule(ctx, r.ID); terr != nil {
				return terr
			}
		}
		return nil
	})
	if err != nil {
		m.record(ctx, "rollback_denied", rel.ID, actor.ID, map[string]any{
			"version": rel.Version,
			"reason":  err.Error(),
		})
		return nil, err
	}

	m.record(ctx, "release_rolled_back", rel.ID, actor.ID, map[string]any{
		"version":  rel.Version,
		"reverted": len(revert),
		"reason":   opts.Reason,
	})
	m.logger.Info("release rolled back",
		"release_id", rel.ID, "version", rel.Version, "reverted", len(revert))
	for _, fn := range m.onRevert {
		for _, r := range revert {
			fn(r.ID)
		}
	}
	return report, nil
}

// ruleGates evaluates one rule against the four publish gates. All
// failures are collected, not just the first.
func (m *Manager) ruleGates(ctx context.Context, r *rule.Rule) ([]GateResult, error) {
	var out []GateResult
	fail := func(code GateCode, detail string) {
		out = append(out, GateResult{RuleID: r.ID, ConceptSlug: r.ConceptSlug, Code: code, Detail: detail})
	}

	if r.Revoked() {
		fail(GateRevoked, fmt.Sprintf("revoked: %s", r.RevokedReason))
	}
	if r.Status != rule.StatusApproved {
		fail(GateNotApproved, fmt.Sprintf("status is %s", r.Status))
	}
	if r.RiskTier.RequiresHumanApproval() && r.ApprovedBy == "" {
		fail(GateApproverMissing, fmt.Sprintf("%s rules need a named approver", r.RiskTier))
	}

	open, err := m.store.OpenConflictsInvolving(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("release: open conflicts for rule %s: %w", r.ID, err)
	}
	if len(open) > 0 {
		fail(GateOpenConflict, fmt.Sprintf("%d open conflicts, first %s", len(open), open[0].ID))
	}

	pointers, err := m.store.PointersByRule(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("release: pointers for rule %s: %w", r.ID, err)
	}
	if len(pointers) == 0 {
		fail(GateNoPointers, "no source pointers")
	} else {
		distinct := make(map[string]struct{}, len(pointers))
		for _, p := range pointers {
			distinct[p.EvidenceID] = struct{}{}
		}
		if len(distinct) == 1 && r.Authority != rule.AuthorityLaw {
			fail(GateWeakEvidence, fmt.Sprintf(
				"single evidence document requires %s authority, rule carries %s",
				rule.AuthorityLaw, r.Authority))
		}
	}
	return out, nil
}

func (m *Manager) currentVersion(ctx context.Context) (*semver.Version, error) {
	latest, err := m.store.LatestRelease(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("release: find latest release: %w", err)
	}
	v, err := semver.NewVersion(latest.Version)
	if err != nil {
		return nil, fmt.Errorf("release: stored version %q is not semver: %w", latest.Version, err)
	}
	return v, nil
}

func (m *Manager) record(ctx context.Context, action, entityID, actor string, md map[string]any) {
	e := audit.Event{
		Type:       audit.EventRelease,
		Action:     action,
		EntityType: "release",
		EntityID:   entityID,
		Actor:      actor,
		Timestamp:  m.now(),
		Metadata:   md,
	}
	if err := m.sink.Record(ctx, e); err != nil {
		m.logger.Warn("audit record failed", "action", action, "error", err)
	}
}

func countTiers(batch []*rule.Rule) rule.ReleaseCounters {
	c := rule.ReleaseCounters{Rules: len(batch)}
	for _, r := range batch {
		switch r.RiskTier {
		case rule.TierT0:
			c.T0++
		case rule.TierT1:
			c.T1++
		case rule.TierT2:
			c.T2++
		case rule.TierT3:
			c.T3++
		}
	}
	return c
}

func rollbackNote(rel *rule.Release, reason string) string {
	note := fmt.Sprintf("rolled back from release %s", rel.Version)
	if reason != "" {
		note += ": " + reason
	}
	return note
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

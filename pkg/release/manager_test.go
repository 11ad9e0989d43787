package release

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexfabric/canon/pkg/audit"
	"github.com/lexfabric/canon/pkg/evidence"
	"github.com/lexfabric/canon/pkg/identity"
	"github.com/lexfabric/canon/pkg/lifecycle"
	"github.com/lexfabric/canon/pkg/provenance"
	"github.com/lexfabric/canon/pkg/rule"
	"github.com/lexfabric/canon/pkg/store"
)

type fixture struct {
	store *store.Memory
	docs  *evidence.Memory
	chain *audit.Chain
	svc   *lifecycle.Service
	mgr   *Manager
	now   time.Time
}

// newFixture wires a manager over the in-memory store. The clock is
// owned by the fixture so tests can advance it between releases.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemory(),
		docs:  evidence.NewMemory(),
		chain: audit.NewChain(),
		now:   time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	validator := provenance.NewValidator(evidence.NewReader(f.docs), logger)
	f.svc = lifecycle.NewService(f.store, validator, nil, f.chain, logger,
		lifecycle.WithClock(clock))

	sealer, err := NewSealer([]byte("canon-test-secret"))
	require.NoError(t, err)
	f.mgr = NewManager(f.store, f.svc, sealer, f.chain, logger, WithClock(clock))
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func approver() identity.Actor {
	return identity.Actor{ID: "approver-1", Kind: identity.KindHuman}
}

// approvedRule walks a rule to APPROVED with the given number of distinct
// evidence documents behind it.
func (f *fixture) approvedRule(t *testing.T, concept string, tier rule.RiskTier, authority rule.AuthorityLevel, value string, docs int) *rule.Rule {
	t.Helper()
	ctx := context.Background()

	var pointers []lifecycle.PointerDraft
	for i := 0; i < docs; i++ {
		body := "Obligated entities shall apply measure " + value + ". Ref " + uuid.NewString()
		doc, err := f.docs.Put(ctx, body)
		require.NoError(t, err)
		pointers = append(pointers, lifecycle.PointerDraft{
			EvidenceID: doc.ID,
			ExactQuote: "shall apply measure " + value,
			Confidence: 0.95,
		})
	}

	r, err := f.svc.CreateDraft(ctx, lifecycle.Draft{
		ConceptSlug:     concept,
		RiskTier:        tier,
		Authority:       authority,
		SourceHierarchy: 2,
		Source:          "reg-import",
		Value:           value,
		ValueType:       rule.ValueNumber,
		EffectiveFrom:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Confidence:      0.95,
		Pointers:        pointers,
	}, approver())
	require.NoError(t, err)
	_, err = f.svc.SubmitForReview(ctx, r.ID, approver())
	require.NoError(t, err)
	approved, err := f.svc.Approve(ctx, r.ID, approver(), lifecycle.ApproveOptions{})
	require.NoError(t, err)
	return approved
}

func (f *fixture) auditActions(typ audit.EventType) []string {
	var out []string
	for _, e := range f.chain.Query(audit.Filter{Type: typ}) {
		out = append(out, e.Event.Action)
	}
	return out
}

func TestComputeNextVersion(t *testing.T) {
	t0 := &rule.Rule{RiskTier: rule.TierT0}
	t1 := &rule.Rule{RiskTier: rule.TierT1}
	t2 := &rule.Rule{RiskTier: rule.TierT2}
	t3 := &rule.Rule{RiskTier: rule.TierT3}
	v123 := semver.MustParse("1.2.3")

	tests := []struct {
		name     string
		current  *semver.Version
		batch    []*rule.Rule
		want     string
		wantType rule.ReleaseType
	}{
		{"first release with T0", nil, []*rule.Rule{t3, t0}, "1.0.0", rule.ReleaseMajor},
		{"first release patch", nil, []*rule.Rule{t3}, "0.0.1", rule.ReleasePatch},
		{"T0 bumps major", v123, []*rule.Rule{t2, t0, t3}, "2.0.0", rule.ReleaseMajor},
		{"T1 bumps minor", v123, []*rule.Rule{t2, t1}, "1.3.0", rule.ReleaseMinor},
		{"T2 bumps patch", v123, []*rule.Rule{t2, t3}, "1.2.4", rule.ReleasePatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, gotType := ComputeNextVersion(tc.current, tc.batch)
			assert.Equal(t, tc.want, got.String())
			assert.Equal(t, tc.wantType, gotType)
		})
	}
}

func TestContentHashOrderAndStampIndependent(t *testing.T) {
	until := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &rule.Rule{
		ConceptSlug:   "kyc.retention",
		Value:         "30",
		ValueType:     rule.ValueNumber,
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	b := &rule.Rule{
		ConceptSlug:    "vat.standard-rate",
		Value:          "25",
		ValueType:      rule.ValueNumber,
		AppliesWhen:    `subject.type == "company"`,
		EffectiveFrom:  time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		EffectiveUntil: &until,
	}

	h1, err := ContentHash([]*rule.Rule{a, b})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h1, "sha256:"))

	h2, err := ContentHash([]*rule.Rule{b, a})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Workflow stamps are not content.
	stamped := *a
	stamped.ID = uuid.NewString()
	stamped.Status = rule.StatusPublished
	stamped.ApprovedBy = "approver-1"
	h3, err := ContentHash([]*rule.Rule{&stamped, b})
	require.NoError(t, err)
	assert.Equal(t, h1, h3)

	// A value change is.
	changed := *a
	changed.Value = "31"
	h4, err := ContentHash([]*rule.Rule{&changed, b})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func TestSealerDerivationIsDeterministic(t *testing.T) {
	s1, err := NewSealer([]byte("shared-secret"))
	require.NoError(t, err)
	s2, err := NewSealer([]byte("shared-secret"))
	require.NoError(t, err)

	sig := s1.Seal("sha256:abc")
	assert.Equal(t, sig, s2.Seal("sha256:abc"))
	assert.Equal(t, s1.PublicKey(), s2.PublicKey())
	require.NoError(t, s2.Verify("sha256:abc", sig))

	require.ErrorIs(t, s1.Verify("sha256:other", sig), ErrBadSignature)
	require.ErrorIs(t, s1.Verify("sha256:abc", "not-a-signature"), ErrBadSignature)

	other, err := NewSealer([]byte("different-secret"))
	require.NoError(t, err)
	require.ErrorIs(t, other.Verify("sha256:abc", sig), ErrBadSignature)

	_, err = NewSealer(nil)
	require.Error(t, err)
}

func TestPublishCutsSealedRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	law := f.approvedRule(t, "kyc.retention", rule.TierT1, rule.AuthorityLaw, "30", 1)
	guide := f.approvedRule(t, "vat.standard-rate", rule.TierT2, rule.AuthorityGuidance, "25", 2)

	rel, err := f.mgr.Publish(ctx, []string{law.ID, guide.ID}, approver(), PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", rel.Version)
	assert.Equal(t, rule.ReleaseMinor, rel.ReleaseType)
	assert.Equal(t, rule.ReleaseCounters{Rules: 2, T1: 1, T2: 1}, rel.Counters)

	expected, err := ContentHash([]*rule.Rule{law, guide})
	require.NoError(t, err)
	assert.Equal(t, expected, rel.ContentHash)

	verifier, err := NewSealer([]byte("canon-test-secret"))
	require.NoError(t, err)
	require.NoError(t, verifier.Verify(rel.ContentHash, rel.Signature))

	for _, id := range []string{law.ID, guide.ID} {
		r, err := f.store.GetRule(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, rule.StatusPublished, r.Status)
	}

	stored, err := f.store.LatestRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, rel.ID, stored.ID)
	assert.ElementsMatch(t, []string{law.ID, guide.ID}, stored.RuleIDs)
	assert.Contains(t, f.auditActions(audit.EventRelease), "release_published")
}

func TestPublishCollectsEveryGateFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// DRAFT rule: fails the approval gate.
	doc, err := f.docs.Put(ctx, "Operators shall keep logs for audit purposes.")
	require.NoError(t, err)
	draft, err := f.svc.CreateDraft(ctx, lifecycle.Draft{
		ConceptSlug:   "kyc.logging",
		RiskTier:      rule.TierT2,
		Authority:     rule.AuthorityLaw,
		Source:        "reg-import",
		Value:         "true",
		ValueType:     rule.ValueBoolean,
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Confidence:    0.95,
		Pointers: []lifecycle.PointerDraft{{
			EvidenceID: doc.ID, ExactQuote: "shall keep logs", Confidence: 0.95,
		}},
	}, approver())
	require.NoError(t, err)

	// Single-evidence GUIDANCE rule: too weak to publish alone.
	weak := f.approvedRule(t, "kyc.weak", rule.TierT2, rule.AuthorityGuidance, "10", 1)

	// APPROVED T0 rule seeded without approver or pointers.
	orphan := &rule.Rule{
		ID:            uuid.NewString(),
		ConceptSlug:   "kyc.sanctions",
		Status:        rule.StatusApproved,
		RiskTier:      rule.TierT0,
		Authority:     rule.AuthorityLaw,
		Value:         "1",
		ValueType:     rule.ValueNumber,
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Confidence:    0.95,
		GraphStatus:   rule.GraphPending,
		CreatedAt:     f.now,
		UpdatedAt:     f.now,
	}
	require.NoError(t, f.store.InsertRule(ctx, orphan))

	// Approved rule with an open conflict against a sibling.
	conflicted := f.approvedRule(t, "kyc.conflicted", rule.TierT2, rule.AuthorityLaw, "5", 1)
	sibling := f.approvedRule(t, "kyc.conflicted", rule.TierT2, rule.AuthorityLaw, "6", 1)
	require.NoError(t, f.store.InsertConflict(ctx, &rule.Conflict{
		ID:          uuid.NewString(),
		Type:        rule.ConflictRuleContradiction,
		Status:      rule.ConflictOpen,
		ConceptSlug: "kyc.conflicted",
		RuleAID:     conflicted.ID,
		RuleBID:     sibling.ID,
		CreatedAt:   f.now,
		UpdatedAt:   f.now,
	}))

	ids := []string{draft.ID, weak.ID, orphan.ID, conflicted.ID}
	_, err = f.mgr.Publish(ctx, ids, approver(), PublishOptions{})
	var gerr *GateError
	require.ErrorAs(t, err, &gerr)

	byRule := make(map[string][]GateCode)
	for _, res := range gerr.Results {
		assert.NotEmpty(t, res.ConceptSlug)
		byRule[res.RuleID] = append(byRule[res.RuleID], res.Code)
	}
	assert.Equal(t, []GateCode{GateNotApproved}, byRule[draft.ID])
	assert.Equal(t, []GateCode{GateWeakEvidence}, byRule[weak.ID])
	assert.ElementsMatch(t, []GateCode{GateApproverMissing, GateNoPointers}, byRule[orphan.ID])
	assert.Equal(t, []GateCode{GateOpenConflict}, byRule[conflicted.ID])

	// Nothing moved and nothing was minted.
	reloaded, err := f.store.GetRule(ctx, weak.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.StatusApproved, reloaded.Status)
	_, err = f.store.LatestRelease(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, f.auditActions(audit.EventRelease), "release_denied")
}

func TestPublishVersionSequenceOverridesSuggestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.approvedRule(t, "kyc.a", rule.TierT1, rule.AuthorityLaw, "1", 1)
	rel1, err := f.mgr.Publish(ctx, []string{a.ID}, approver(), PublishOptions{SuggestedVersion: "9.9.9"})
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", rel1.Version)

	f.advance(time.Minute)
	b := f.approvedRule(t, "kyc.b", rule.TierT3, rule.AuthorityLaw, "2", 1)
	rel2, err := f.mgr.Publish(ctx, []string{b.ID}, approver(), PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, "0.1.1", rel2.Version)

	f.advance(time.Minute)
	c := f.approvedRule(t, "kyc.c", rule.TierT0, rule.AuthorityLaw, "3", 1)
	rel3, err := f.mgr.Publish(ctx, []string{c.ID}, approver(), PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rel3.Version)
	assert.Equal(t, rule.ReleaseMajor, rel3.ReleaseType)
}

func TestPlanDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.approvedRule(t, "kyc.a", rule.TierT1, rule.AuthorityLaw, "1", 1)

	plan, err := f.mgr.Plan(ctx, []string{a.ID}, PublishOptions{})
	require.NoError(t, err)
	assert.Empty(t, plan.Gates)
	assert.Equal(t, "0.1.0", plan.Version)
	assert.True(t, strings.HasPrefix(plan.ContentHash, "sha256:"))

	reloaded, err := f.store.GetRule(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.StatusApproved, reloaded.Status)
	_, err = f.store.LatestRelease(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRollbackRejectsSupersededRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.approvedRule(t, "kyc.a", rule.TierT2, rule.AuthorityLaw, "1", 1)
	rel1, err := f.mgr.Publish(ctx, []string{a.ID}, approver(), PublishOptions{})
	require.NoError(t, err)

	f.advance(time.Minute)
	b := f.approvedRule(t, "kyc.b", rule.TierT2, rule.AuthorityLaw, "2", 1)
	_, err = f.mgr.Publish(ctx, []string{b.ID}, approver(), PublishOptions{})
	require.NoError(t, err)

	_, err = f.mgr.Rollback(ctx, rel1.ID, approver(), RollbackOptions{})
	require.ErrorIs(t, err, ErrNotLatestRelease)
}

func TestRollbackRevertsUniqueKeepsSharedSkipsMoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A synthetic earlier release that already contains the shared rule.
	shared := f.approvedRule(t, "kyc.shared", rule.TierT2, rule.AuthorityLaw, "1", 1)
	prior := &rule.Release{
		ID:          uuid.NewString(),
		Version:     "0.0.1",
		ReleaseType: rule.ReleasePatch,
		ContentHash: "sha256:prior",
		RuleIDs:     []string{shared.ID},
		Counters:    rule.ReleaseCounters{Rules: 1, T2: 1},
		CreatedAt:   f.now,
	}
	require.NoError(t, f.store.InsertRelease(ctx, prior))
	f.advance(time.Minute)

	unique := f.approvedRule(t, "kyc.unique", rule.TierT2, rule.AuthorityLaw, "2", 1)
	moved := f.approvedRule(t, "kyc.moved", rule.TierT2, rule.AuthorityLaw, "3", 1)
	rel, err := f.mgr.Publish(ctx, []string{shared.ID, unique.ID, moved.ID}, approver(), PublishOptions{})
	require.NoError(t, err)

	// The reverted rule owns an edge that must not survive the rollback.
	require.NoError(t, f.store.ReplaceEdges(ctx, unique.ID, []rule.GraphEdge{{
		ID:         uuid.NewString(),
		FromRuleID: unique.ID,
		ToRuleID:   shared.ID,
		Kind:       rule.EdgeDependsOn,
		CreatedAt:  f.now,
	}}))

	// One member has moved on since the cut.
	f.advance(time.Minute)
	_, err = f.svc.Revoke(ctx, moved.ID, approver(), "pulled for legal review")
	require.NoError(t, err)

	var reverted []string
	f.mgr.OnRevert(func(ruleID string) { reverted = append(reverted, ruleID) })

	// Dry run reports the plan without touching anything.
	dry, err := f.mgr.Rollback(ctx, rel.ID, approver(), RollbackOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	outcomes := map[string]RollbackOutcome{}
	for _, a := range dry.Actions {
		outcomes[a.RuleID] = a.Outcome
	}
	assert.Equal(t, OutcomeKeptShared, outcomes[shared.ID])
	assert.Equal(t, OutcomeReverted, outcomes[unique.ID])
	assert.Equal(t, OutcomeSkipped, outcomes[moved.ID])
	stillPublished, err := f.store.GetRule(ctx, unique.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.StatusPublished, stillPublished.Status)
	assert.Empty(t, reverted)

	report, err := f.mgr.Rollback(ctx, rel.ID, approver(), RollbackOptions{Reason: "bad batch"})
	require.NoError(t, err)
	assert.Equal(t, []string{unique.ID}, report.Reverted())
	assert.Equal(t, []string{unique.ID}, reverted)

	// Unique member went back to APPROVED, note names the version.
	u, err := f.store.GetRule(ctx, unique.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.StatusApproved, u.Status)
	require.NotEmpty(t, u.Notes)
	assert.Contains(t, u.Notes[len(u.Notes)-1], rel.Version)
	assert.Contains(t, u.Notes[len(u.Notes)-1], "bad batch")

	// Shared member is still published; the moved one kept its overlay.
	s, err := f.store.GetRule(ctx, shared.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.StatusPublished, s.Status)
	m, err := f.store.GetRule(ctx, moved.ID)
	require.NoError(t, err)
	assert.True(t, m.Revoked())

	// The release row survives with the reverted rule disconnected.
	stored, err := f.store.GetRelease(ctx, rel.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{shared.ID, moved.ID}, stored.RuleIDs)

	// The reverted rule's edges are gone.
	edges, err := f.store.AllEdges(ctx)
	require.NoError(t, err)
	assert.Empty(t, edges)
	assert.Contains(t, f.auditActions(audit.EventRelease), "release_rolled_back")
}

func TestRollbackNeedsAPublishedMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.approvedRule(t, "kyc.a", rule.TierT2, rule.AuthorityLaw, "1", 1)
	rel, err := f.mgr.Publish(ctx, []string{a.ID}, approver(), PublishOptions{})
	require.NoError(t, err)

	f.advance(time.Minute)
	_, err = f.svc.Revoke(ctx, a.ID, approver(), "withdrawn by the regulator")
	require.NoError(t, err)

	// Dry run still reports.
	dry, err := f.mgr.Rollback(ctx, rel.ID, approver(), RollbackOptions{DryRun: true})
	require.NoError(t, err)
	require.Len(t, dry.Actions, 1)
	assert.Equal(t, OutcomeSkipped, dry.Actions[0].Outcome)

	_, err = f.mgr.Rollback(ctx, rel.ID, approver(), RollbackOptions{})
	require.ErrorIs(t, err, ErrNothingToRevert)
}

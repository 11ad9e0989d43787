package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexfabric/canon/pkg/applieswhen"
	"github.com/lexfabric/canon/pkg/approval"
	"github.com/lexfabric/canon/pkg/audit"
	"github.com/lexfabric/canon/pkg/evidence"
	"github.com/lexfabric/canon/pkg/identity"
	"github.com/lexfabric/canon/pkg/provenance"
	"github.com/lexfabric/canon/pkg/rule"
	"github.com/lexfabric/canon/pkg/store"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.Memory
	docs  *evidence.Memory
	chain *audit.Chain
	svc   *Service
}

func newFixture(t *testing.T, allowlist approval.Source, opts ...Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	docs := evidence.NewMemory()
	chain := audit.NewChain()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	validator := provenance.NewValidator(evidence.NewReader(docs), logger)

	base := []Option{WithClock(func() time.Time { return testNow })}
	svc := NewService(mem, validator, allowlist, chain, logger, append(base, opts...)...)
	return &fixture{store: mem, docs: docs, chain: chain, svc: svc}
}

func testAllowlist(t *testing.T) approval.Source {
	t.Helper()
	p, err := approval.NewPolicy("v1", []approval.Entry{{
		Source:        "reg-import",
		ConceptPrefix: "kyc.",
		MaxTier:       rule.TierT2,
		MinConfidence: 0.9,
	}})
	require.NoError(t, err)
	return approval.NewStatic(p)
}

func human() identity.Actor {
	return identity.Actor{ID: "reviewer-1", Kind: identity.KindHuman}
}

func robot() identity.Actor {
	return identity.Actor{ID: "ingestor-1", Kind: identity.KindService}
}

func (f *fixture) putDoc(t *testing.T, body string) string {
	t.Helper()
	doc, err := f.docs.Put(context.Background(), body)
	require.NoError(t, err)
	return doc.ID
}

// draft creates a DRAFT rule whose single pointer quotes the given body.
func (f *fixture) draft(t *testing.T, concept string, tier rule.RiskTier, quote, body string) *rule.Rule {
	t.Helper()
	evID := f.putDoc(t, body)
	r, err := f.svc.CreateDraft(context.Background(), Draft{
		ConceptSlug:   concept,
		RiskTier:      tier,
		Authority:     rule.AuthorityGuidance,
		Source:        "reg-import",
		Value:         "30",
		ValueType:     rule.ValueNumber,
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Confidence:    0.95,
		Pointers:      []PointerDraft{{EvidenceID: evID, ExactQuote: quote, Confidence: 0.95}},
	}, human())
	require.NoError(t, err)
	return r
}

// pendingRule walks a fresh draft to PENDING_REVIEW.
func (f *fixture) pendingRule(t *testing.T, concept string, tier rule.RiskTier, quote, body string) *rule.Rule {
	t.Helper()
	r := f.draft(t, concept, tier, quote, body)
	r, err := f.svc.SubmitForReview(context.Background(), r.ID, human())
	require.NoError(t, err)
	return r
}

// approvedRule walks a fresh draft to APPROVED.
func (f *fixture) approvedRule(t *testing.T, concept string, tier rule.RiskTier) *rule.Rule {
	t.Helper()
	body := "Records must be retained for 30 days after account closure."
	r := f.pendingRule(t, concept, tier, "retained for 30 days", body)
	r, err := f.svc.Approve(context.Background(), r.ID, human(), ApproveOptions{})
	require.NoError(t, err)
	return r
}

func (f *fixture) auditActions(typ audit.EventType, entityID string) []string {
	entries := f.chain.Query(audit.Filter{Type: typ, EntityID: entityID})
	actions := make([]string, len(entries))
	for i, e := range entries {
		actions[i] = e.Event.Action
	}
	return actions
}

func TestCreateDraftValidates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CreateDraft(ctx, Draft{
		ConceptSlug:   "kyc.retention",
		RiskTier:      "T9",
		Authority:     rule.AuthorityLaw,
		EffectiveFrom: testNow,
		Confidence:    0.9,
	}, human())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk_tier")

	_, err = f.svc.CreateDraft(ctx, Draft{
		ConceptSlug:   "kyc.retention",
		RiskTier:      rule.TierT2,
		Authority:     rule.AuthorityLaw,
		EffectiveFrom: testNow,
		Confidence:    0.9,
		Pointers:      []PointerDraft{{EvidenceID: "", ExactQuote: "x", Confidence: 0.5}},
	}, human())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evidence_id")
}

func TestCreateDraftChecksAppliesWhen(t *testing.T) {
	engine, err := applieswhen.NewEngine()
	require.NoError(t, err)
	f := newFixture(t, nil, WithAppliesWhenEngine(engine))
	ctx := context.Background()

	_, err = f.svc.CreateDraft(ctx, Draft{
		ConceptSlug:   "kyc.retention",
		RiskTier:      rule.TierT2,
		Authority:     rule.AuthorityLaw,
		AppliesWhen:   "this is not (cel",
		EffectiveFrom: testNow,
		Confidence:    0.9,
	}, human())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "applies_when")

	r, err := f.svc.CreateDraft(ctx, Draft{
		ConceptSlug:   "kyc.retention",
		RiskTier:      rule.TierT2,
		Authority:     rule.AuthorityLaw,
		AppliesWhen:   `subject.country == "DE"`,
		EffectiveFrom: testNow,
		Confidence:    0.9,
	}, human())
	require.NoError(t, err)
	assert.Equal(t, rule.StatusDraft, r.Status)
	assert.Equal(t, rule.GraphPending, r.GraphStatus)
}

func TestSubmitForReview(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.draft(t, "kyc.retention", rule.TierT2, "thirty days", "keep for thirty days")

	r, err := f.svc.SubmitForReview(ctx, r.ID, human())
	require.NoError(t, err)
	assert.Equal(t, rule.StatusPendingReview, r.Status)

	_, err = f.svc.SubmitForReview(ctx, r.ID, human())
	var terr *rule.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, rule.StatusPendingReview, terr.From)
}

func TestApproveHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	body := "Verification must complete within 14 days of onboarding."
	r := f.pendingRule(t, "kyc.verification", rule.TierT2, "within 14 days", body)

	approved, err := f.svc.Approve(ctx, r.ID, human(), ApproveOptions{})
	require.NoError(t, err)
	assert.Equal(t, rule.StatusApproved, approved.Status)
	assert.Equal(t, "reviewer-1", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)
	assert.Equal(t, testNow, *approved.ApprovedAt)

	pointers, err := f.store.PointersByRule(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, pointers, 1)
	assert.Equal(t, rule.MatchExact, pointers[0].MatchType)
	require.NotNil(t, pointers[0].ValidatedAt)

	assert.Contains(t, f.auditActions(audit.EventLifecycle, r.ID), "approved")
}

func TestApproveProvenanceFailureLeavesStamps(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.pendingRule(t, "kyc.verification", rule.TierT2,
		"this quote is nowhere", "The document says something else entirely.")

	_, err := f.svc.Approve(ctx, r.ID, human(), ApproveOptions{})
	var perr *provenance.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, r.ID, perr.RuleID)

	// The rule did not move.
	stored, err := f.store.GetRule(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.StatusPendingReview, stored.Status)
	assert.Empty(t, stored.ApprovedBy)

	// But the failed check was persisted: verified absent, not unchecked.
	pointers, err := f.store.PointersByRule(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, pointers, 1)
	assert.Equal(t, rule.MatchNotFound, pointers[0].MatchType)
	require.NotNil(t, pointers[0].ValidatedAt)

	assert.Contains(t, f.auditActions(audit.EventProvenance, r.ID), "verification_failed")
}

func TestApproveCriticalTierNeedsHuman(t *testing.T) {
	f := newFixture(t, testAllowlist(t))
	ctx := context.Background()
	body := "Sanctions screening is mandatory before any transfer."
	r := f.pendingRule(t, "kyc.sanctions", rule.TierT0, "mandatory before any transfer", body)

	_, err := f.svc.Approve(ctx, r.ID, robot(), ApproveOptions{})
	var gerr *GateError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, GateHumanApprover, gerr.Gate)

	_, err = f.svc.Approve(ctx, r.ID, robot(), ApproveOptions{AutoApproval: true})
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, GateHumanApprover, gerr.Gate)

	approved, err := f.svc.Approve(ctx, r.ID, human(), ApproveOptions{})
	require.NoError(t, err)
	assert.Equal(t, rule.StatusApproved, approved.Status)
}

func TestApproveAutoApprovalGoesThroughAllowlist(t *testing.T) {
	f := newFixture(t, testAllowlist(t))
	ctx := context.Background()

	allowed := f.pendingRule(t, "kyc.retention", rule.TierT2,
		"retain for five years", "Institutions retain for five years at minimum.")
	approved, err := f.svc.Approve(ctx, allowed.ID, robot(), ApproveOptions{AutoApproval: true})
	require.NoError(t, err)
	assert.Equal(t, rule.StatusApproved, approved.Status)
	assert.Equal(t, "ingestor-1", approved.ApprovedBy)

	offList := f.pendingRule(t, "tax.reporting", rule.TierT2,
		"report quarterly", "Firms report quarterly to the authority.")
	_, err = f.svc.Approve(ctx, offList.ID, robot(), ApproveOptions{AutoApproval: true})
	var gerr *GateError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, GateAllowlist, gerr.Gate)

	stored, err := f.store.GetRule(ctx, offList.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.StatusPendingReview, stored.Status)
}

func TestApproveAutoApprovalWithoutAllowlist(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.pendingRule(t, "kyc.retention", rule.TierT2, "five years", "Keep records five years.")

	_, err := f.svc.Approve(ctx, r.ID, robot(), ApproveOptions{AutoApproval: true})
	var gerr *GateError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, GateAllowlist, gerr.Gate)
}

func TestApproveRequiresPendingReview(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.draft(t, "kyc.retention", rule.TierT2, "five years", "Keep records five years.")

	_, err := f.svc.Approve(ctx, r.ID, human(), ApproveOptions{})
	var terr *rule.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, rule.StatusDraft, terr.From)
	assert.Equal(t, rule.StatusApproved, terr.To)
}

func TestApproveWithToken(t *testing.T) {
	keys, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	verifier := identity.NewVerifier(keys)
	f := newFixture(t, nil, WithVerifier(verifier))
	ctx := context.Background()

	body := "Transfers above the threshold require enhanced due diligence."
	r := f.pendingRule(t, "kyc.edd", rule.TierT1, "enhanced due diligence", body)

	// With a verifier configured, a bare actor is not enough for T0/T1.
	_, err = f.svc.Approve(ctx, r.ID, human(), ApproveOptions{})
	var gerr *GateError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, GateHumanApprover, gerr.Gate)

	token, err := identity.Issue(ctx, keys, identity.Actor{ID: "compliance-lead", Kind: identity.KindHuman}, time.Hour)
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, r.ID, identity.Actor{}, ApproveOptions{Token: token})
	require.NoError(t, err)
	assert.Equal(t, "compliance-lead", approved.ApprovedBy)

	// Garbage tokens fail closed.
	r2 := f.pendingRule(t, "kyc.edd2", rule.TierT1, "enhanced due diligence", body+" More.")
	_, err = f.svc.Approve(ctx, r2.ID, identity.Actor{}, ApproveOptions{Token: "not-a-token"})
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, GateActor, gerr.Gate)
}

func TestPublishBatchIsAtomic(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	good := f.approvedRule(t, "kyc.retention", rule.TierT2)

	// An approved rule without pointers: legal to approve, not to publish.
	bare := &rule.Rule{
		ID:            uuid.New().String(),
		ConceptSlug:   "kyc.bare",
		Status:        rule.StatusApproved,
		RiskTier:      rule.TierT2,
		Authority:     rule.AuthorityGuidance,
		EffectiveFrom: testNow,
		Confidence:    0.9,
		GraphStatus:   rule.GraphPending,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
	require.NoError(t, f.store.InsertRule(ctx, bare))

	_, err := f.svc.Publish(ctx, []string{good.ID, bare.ID}, human())
	var gerr *GateError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, GatePointers, gerr.Gate)
	assert.Equal(t, bare.ID, gerr.RuleID)

	// Neither rule moved.
	for _, id := range []string{good.ID, bare.ID} {
		stored, err := f.store.GetRule(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, rule.StatusApproved, stored.Status, "rule %s", id)
	}
}

func TestPublishSetsGraphPendingAndFiresTrigger(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var rebuilt []string
	f.svc.OnPublish(func(ruleID string) { rebuilt = append(rebuilt, ruleID) })

	r := f.approvedRule(t, "kyc.retention", rule.TierT2)
	published, err := f.svc.Publish(ctx, []string{r.ID}, human())
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, rule.StatusPublished, published[0].Status)
	assert.Equal(t, rule.GraphPending, published[0].GraphStatus)
	assert.Equal(t, []string{r.ID}, rebuilt)
	assert.Contains(t, f.auditActions(audit.EventLifecycle, r.ID), "published")
}

func TestRetirementFiresTrigger(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var retired []string
	f.svc.OnRetire(func(ruleID string) { retired = append(retired, ruleID) })

	dep := f.approvedRule(t, "kyc.retention", rule.TierT2)
	_, err := f.svc.Publish(ctx, []string{dep.ID}, human())
	require.NoError(t, err)
	_, err = f.svc.Deprecate(ctx, dep.ID, human(), "", "obsolete")
	require.NoError(t, err)

	rev := f.approvedRule(t, "kyc.window", rule.TierT2)
	_, err = f.svc.Publish(ctx, []string{rev.ID}, human())
	require.NoError(t, err)
	_, err = f.svc.Revoke(ctx, rev.ID, human(), "published in error")
	require.NoError(t, err)

	// Revoking a rule that never circulated is not a graph event.
	body := "Records must be retained for 30 days after account closure."
	abandoned := f.draft(t, "kyc.floor", rule.TierT2, "retained for 30 days", body)
	_, err = f.svc.Revoke(ctx, abandoned.ID, human(), "abandoned")
	require.NoError(t, err)

	assert.Equal(t, []string{dep.ID, rev.ID}, retired)
}

func TestPublishBlockedByOpenConflict(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.approvedRule(t, "kyc.retention", rule.TierT2)

	conflict := &rule.Conflict{
		ID:          uuid.New().String(),
		Type:        rule.ConflictRuleContradiction,
		Status:      rule.ConflictOpen,
		ConceptSlug: r.ConceptSlug,
		RuleAID:     r.ID,
		RuleBID:     uuid.New().String(),
		Summary:     "contradicts newer rule",
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
	require.NoError(t, f.store.InsertConflict(ctx, conflict))

	_, err := f.svc.Publish(ctx, []string{r.ID}, human())
	var gerr *GateError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, GateConflicts, gerr.Gate)

	stored, err := f.store.GetRule(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.StatusApproved, stored.Status)
}

func TestPublishReverifiesProvenance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Seed an APPROVED rule whose pointer quote is absent from its
	// evidence, as if the evidence id was swapped after approval.
	evID := f.putDoc(t, "Completely unrelated text.")
	r := &rule.Rule{
		ID:            uuid.New().String(),
		ConceptSlug:   "kyc.retention",
		Status:        rule.StatusApproved,
		RiskTier:      rule.TierT2,
		Authority:     rule.AuthorityGuidance,
		EffectiveFrom: testNow,
		Confidence:    0.9,
		GraphStatus:   rule.GraphPending,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
	require.NoError(t, f.store.InsertRule(ctx, r))
	p := &rule.SourcePointer{
		ID:         uuid.New().String(),
		RuleID:     r.ID,
		EvidenceID: evID,
		ExactQuote: "retain for five years",
		Confidence: 0.9,
	}
	require.NoError(t, f.store.InsertPointer(ctx, p))

	_, err := f.svc.Publish(ctx, []string{r.ID}, human())
	var perr *provenance.Error
	require.ErrorAs(t, err, &perr)

	stored, err := f.store.GetRule(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.StatusApproved, stored.Status)

	pointers, err := f.store.PointersByRule(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, pointers, 1)
	assert.Equal(t, rule.MatchNotFound, pointers[0].MatchType)
}

func TestPublishEmptyBatch(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Publish(context.Background(), nil, human())
	require.ErrorIs(t, err, ErrNoRules)
}

func TestRevertToApprovedNeedsBypass(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.approvedRule(t, "kyc.retention", rule.TierT2)
	published, err := f.svc.Publish(ctx, []string{r.ID}, human())
	require.NoError(t, err)
	r = published[0]

	_, err = f.svc.RevertToApproved(ctx, r.ID, human(), RevertOptions{})
	var terr *rule.TransitionError
	require.ErrorAs(t, err, &terr)

	reverted, err := f.svc.RevertToApproved(ctx, r.ID, human(), RevertOptions{
		RollbackBypass: true,
		Note:           "rollback of release 1.3.0",
	})
	require.NoError(t, err)
	assert.Equal(t, rule.StatusApproved, reverted.Status)
	assert.Equal(t, "reviewer-1", reverted.ApprovedBy)
	assert.Contains(t, reverted.Notes, "rollback of release 1.3.0")
}

func TestRevokeIsAnOverlay(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.approvedRule(t, "kyc.retention", rule.TierT2)

	_, err := f.svc.Revoke(ctx, r.ID, human(), "")
	require.Error(t, err)

	revoked, err := f.svc.Revoke(ctx, r.ID, human(), "source repealed")
	require.NoError(t, err)
	assert.Equal(t, rule.StatusApproved, revoked.Status)
	assert.Equal(t, rule.StatusRevoked, revoked.EffectiveStatus())
	assert.Equal(t, "source repealed", revoked.RevokedReason)
	require.NotNil(t, revoked.RevokedAt)

	_, err = f.svc.Revoke(ctx, r.ID, human(), "again")
	require.ErrorIs(t, err, ErrAlreadyRevoked)

	_, err = f.svc.Publish(ctx, []string{r.ID}, human())
	require.ErrorIs(t, err, ErrRuleRevoked)

	assert.Contains(t, f.auditActions(audit.EventLifecycle, r.ID), "revoked")
}

func TestDeprecateNamesSuccessor(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.approvedRule(t, "kyc.retention", rule.TierT2)
	_, err := f.svc.Publish(ctx, []string{r.ID}, human())
	require.NoError(t, err)

	dep, err := f.svc.Deprecate(ctx, r.ID, human(), "rule-42", "lost temporal conflict")
	require.NoError(t, err)
	assert.Equal(t, rule.StatusDeprecated, dep.Status)
	assert.Contains(t, dep.Notes, "superseded by rule-42: lost temporal conflict")

	// Deprecation is only for published rules.
	other := f.approvedRule(t, "kyc.other", rule.TierT2)
	_, err = f.svc.Deprecate(ctx, other.ID, human(), "", "cleanup")
	var terr *rule.TransitionError
	require.ErrorAs(t, err, &terr)
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.pendingRule(t, "kyc.retention", rule.TierT2, "five years", "Keep records five years.")

	rejected, err := f.svc.Reject(ctx, r.ID, human(), "duplicate of existing rule")
	require.NoError(t, err)
	assert.Equal(t, rule.StatusRejected, rejected.Status)
	assert.Contains(t, rejected.Notes, "duplicate of existing rule")

	_, err = f.svc.SubmitForReview(ctx, r.ID, human())
	var terr *rule.TransitionError
	require.ErrorAs(t, err, &terr)

	// Terminal rules cannot be revoked either.
	_, err = f.svc.Revoke(ctx, r.ID, human(), "source repealed")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, rule.StatusRevoked, terr.To)
}

func TestRulesRequiringHumanReview(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	critical := f.pendingRule(t, "kyc.sanctions", rule.TierT0,
		"mandatory screening", "Sanctions require mandatory screening.")
	f.pendingRule(t, "kyc.minor", rule.TierT3,
		"informal guidance", "This is informal guidance only.")
	escalatee := f.approvedRule(t, "kyc.retention", rule.TierT2)

	conflict := &rule.Conflict{
		ID:                  uuid.New().String(),
		Type:                rule.ConflictRuleContradiction,
		Status:              rule.ConflictEscalated,
		ConceptSlug:         escalatee.ConceptSlug,
		RuleAID:             escalatee.ID,
		RuleBID:             uuid.New().String(), // missing on purpose
		Summary:             "needs a human",
		RequiresHumanReview: true,
		CreatedAt:           testNow,
		UpdatedAt:           testNow,
	}
	require.NoError(t, f.store.InsertConflict(ctx, conflict))

	items, err := f.svc.RulesRequiringHumanReview(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)

	byID := make(map[string][]string, len(items))
	for _, it := range items {
		byID[it.Rule.ID] = it.Reasons
	}
	require.Contains(t, byID, critical.ID)
	assert.Contains(t, byID[critical.ID][0], "human approver")
	require.Contains(t, byID, escalatee.ID)
	assert.Contains(t, byID[escalatee.ID][0], conflict.ID)
}

package refgraph

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexfabric/canon/pkg/alerting"
	"github.com/lexfabric/canon/pkg/applieswhen"
	"github.com/lexfabric/canon/pkg/audit"
	"github.com/lexfabric/canon/pkg/rule"
	"github.com/lexfabric/canon/pkg/store"
)

var graphNow = time.Date(2025, 7, 10, 12, 0, 0, 0, time.UTC)

type graphFixture struct {
	store  *store.Memory
	alerts *alerting.Memory
	chain  *audit.Chain
	b      *Builder
}

func newGraphFixture(t *testing.T) *graphFixture {
	t.Helper()
	engine, err := applieswhen.NewEngine()
	require.NoError(t, err)

	f := &graphFixture{
		store:  store.NewMemory(),
		alerts: alerting.NewMemory(),
		chain:  audit.NewChain(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.b = NewBuilder(f.store, engine, f.chain, f.alerts, logger,
		WithClock(func() time.Time { return graphNow }))
	return f
}

// seed inserts a published rule directly, bypassing the lifecycle.
func (f *graphFixture) seed(t *testing.T, concept string, effective time.Time, mut ...func(*rule.Rule)) *rule.Rule {
	t.Helper()
	r := &rule.Rule{
		ID:              uuid.NewString(),
		ConceptSlug:     concept,
		Status:          rule.StatusPublished,
		RiskTier:        rule.TierT2,
		Authority:       rule.AuthorityGuidance,
		SourceHierarchy: 2,
		Value:           "42",
		ValueType:       rule.ValueNumber,
		Confidence:      0.9,
		EffectiveFrom:   effective,
		GraphStatus:     rule.GraphPending,
		CreatedAt:       effective,
		UpdatedAt:       effective,
	}
	for _, m := range mut {
		m(r)
	}
	require.NoError(t, f.store.InsertRule(context.Background(), r))
	return r
}

// edgesByKind loads a rule's outgoing edges grouped by kind.
func (f *graphFixture) edgesByKind(t *testing.T, ruleID string) map[rule.EdgeKind][]string {
	t.Helper()
	edges, err := f.store.EdgesFrom(context.Background(), ruleID)
	require.NoError(t, err)
	out := make(map[rule.EdgeKind][]string)
	for _, e := range edges {
		out[e.Kind] = append(out[e.Kind], e.ToRuleID)
	}
	return out
}

func (f *graphFixture) graphStatus(t *testing.T, ruleID string) rule.GraphStatus {
	t.Helper()
	r, err := f.store.GetRule(context.Background(), ruleID)
	require.NoError(t, err)
	return r.GraphStatus
}

func day(d int) time.Time {
	return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestRebuildLinksSupersedesChain(t *testing.T) {
	f := newGraphFixture(t)
	ctx := context.Background()

	old := f.seed(t, "vat-standard-rate", day(1))
	cur := f.seed(t, "vat-standard-rate", day(15))

	require.NoError(t, f.b.Rebuild(ctx, cur.ID))
	require.NoError(t, f.b.Rebuild(ctx, old.ID))

	assert.Equal(t, []string{old.ID}, f.edgesByKind(t, cur.ID)[rule.EdgeSupersedes])
	assert.Empty(t, f.edgesByKind(t, old.ID))
	assert.Equal(t, rule.GraphCurrent, f.graphStatus(t, cur.ID))
	assert.Equal(t, rule.GraphCurrent, f.graphStatus(t, old.ID))

	rebuilt := f.chain.Query(audit.Filter{Type: audit.EventGraph, Action: "graph_rebuilt"})
	assert.Len(t, rebuilt, 2)
}

func TestRebuildInsertsBetweenSiblings(t *testing.T) {
	f := newGraphFixture(t)
	ctx := context.Background()

	a := f.seed(t, "minimum-wage", day(1))
	c := f.seed(t, "minimum-wage", day(20))
	require.NoError(t, f.b.Rebuild(ctx, c.ID))
	require.Equal(t, []string{a.ID}, f.edgesByKind(t, c.ID)[rule.EdgeSupersedes])

	// A rule published with an effective date between the two existing
	// siblings takes over c's predecessor slot.
	b := f.seed(t, "minimum-wage", day(10))
	require.NoError(t, f.b.Rebuild(ctx, b.ID))

	assert.Equal(t, []string{a.ID}, f.edgesByKind(t, b.ID)[rule.EdgeSupersedes])
	assert.Equal(t, []string{b.ID}, f.edgesByKind(t, c.ID)[rule.EdgeSupersedes])
}

func TestRetirementRelinksSuccessor(t *testing.T) {
	f := newGraphFixture(t)
	ctx := context.Background()

	a := f.seed(t, "reporting-window", day(1))
	b := f.seed(t, "reporting-window", day(10))
	c := f.seed(t, "reporting-window", day(20))
	for _, id := range []string{a.ID, b.ID, c.ID} {
		require.NoError(t, f.b.Rebuild(ctx, id))
	}
	require.Equal(t, []string{b.ID}, f.edgesByKind(t, c.ID)[rule.EdgeSupersedes])

	retired, err := f.store.GetRule(ctx, b.ID)
	require.NoError(t, err)
	retired.Status = rule.StatusDeprecated
	require.NoError(t, f.store.UpdateRule(ctx, retired))

	require.NoError(t, f.b.Rebuild(ctx, b.ID))

	assert.Empty(t, f.edgesByKind(t, b.ID), "retired rules carry no outgoing edges")
	assert.Equal(t, []string{a.ID}, f.edgesByKind(t, c.ID)[rule.EdgeSupersedes],
		"successor must point past the retired rule")
	assert.Equal(t, rule.GraphCurrent, f.graphStatus(t, b.ID))
}

func TestRebuildAddsOverrides(t *testing.T) {
	f := newGraphFixture(t)
	ctx := context.Background()

	base := f.seed(t, "vat-standard-rate", day(1))
	carve := f.seed(t, "vat-reduced-rate", day(5), func(r *rule.Rule) {
		r.Exceptions = []rule.Exception{
			{ConceptSlug: "vat-standard-rate", Note: "books and periodicals"},
			{ConceptSlug: "concept-nobody-published", Note: "dangling"},
		}
	})

	require.NoError(t, f.b.Rebuild(ctx, carve.ID))

	byKind := f.edgesByKind(t, carve.ID)
	assert.Equal(t, []string{base.ID}, byKind[rule.EdgeOverrides])
	assert.Empty(t, byKind[rule.EdgeSupersedes])

	// A newer head for the carved concept retargets the edge on the
	// next rebuild.
	base2 := f.seed(t, "vat-standard-rate", day(8))
	require.NoError(t, f.b.Rebuild(ctx, carve.ID))
	assert.Equal(t, []string{base2.ID}, f.edgesByKind(t, carve.ID)[rule.EdgeOverrides])
}

func TestRebuildAddsDependsOn(t *testing.T) {
	f := newGraphFixture(t)
	ctx := context.Background()

	kyc := f.seed(t, "kyc-base", day(1))
	threshold := f.seed(t, "enhanced-due-diligence", day(3), func(r *rule.Rule) {
		r.AppliesWhen = `refs["kyc-base"] || subject.exempt == false`
	})

	require.NoError(t, f.b.Rebuild(ctx, threshold.ID))

	assert.Equal(t, []string{kyc.ID}, f.edgesByKind(t, threshold.ID)[rule.EdgeDependsOn])
}

func TestRebuildSkipsUnparseableExpression(t *testing.T) {
	f := newGraphFixture(t)
	ctx := context.Background()

	f.seed(t, "kyc-base", day(1))
	broken := f.seed(t, "enhanced-due-diligence", day(3), func(r *rule.Rule) {
		r.AppliesWhen = `refs[subject.concept] &&`
	})

	require.NoError(t, f.b.Rebuild(ctx, broken.ID), "a bad expression must not wedge the rebuild")

	assert.Empty(t, f.edgesByKind(t, broken.ID)[rule.EdgeDependsOn])
	assert.Equal(t, rule.GraphCurrent, f.graphStatus(t, broken.ID))
}

func TestRebuildRejectsCycles(t *testing.T) {
	f := newGraphFixture(t)
	ctx := context.Background()

	alpha := f.seed(t, "transfer-limit", day(1), func(r *rule.Rule) {
		r.AppliesWhen = `refs["sanctions-screening"]`
	})
	beta := f.seed(t, "sanctions-screening", day(2), func(r *rule.Rule) {
		r.AppliesWhen = `refs["transfer-limit"]`
	})

	require.NoError(t, f.b.Rebuild(ctx, alpha.ID))
	require.Equal(t, []string{beta.ID}, f.edgesByKind(t, alpha.ID)[rule.EdgeDependsOn])

	// The reverse dependency would close the cycle: rejected, but the
	// rebuild still completes.
	require.NoError(t, f.b.Rebuild(ctx, beta.ID))

	assert.Empty(t, f.edgesByKind(t, beta.ID)[rule.EdgeDependsOn])
	assert.Equal(t, rule.GraphCurrent, f.graphStatus(t, beta.ID))
	assert.Equal(t, []string{beta.ID}, f.edgesByKind(t, alpha.ID)[rule.EdgeDependsOn],
		"the accepted direction survives")

	rejected := f.chain.Query(audit.Filter{Type: audit.EventGraph, Action: "edge_rejected"})
	require.Len(t, rejected, 1)
	assert.Equal(t, beta.ID, rejected[0].Event.EntityID)
	assert.Equal(t, alpha.ID, rejected[0].Event.Metadata["to"])

	fired := f.alerts.Fired()
	require.Len(t, fired, 1)
	assert.Equal(t, alerting.SeverityWarning, fired[0].Severity)
	assert.Equal(t, "graph_cycle_rejected", fired[0].Kind)
	assert.Equal(t, beta.ID, fired[0].EntityID)
}

func TestRebuildIsIdempotent(t *testing.T) {
	f := newGraphFixture(t)
	ctx := context.Background()

	f.seed(t, "kyc-base", day(1))
	old := f.seed(t, "transfer-limit", day(2))
	cur := f.seed(t, "transfer-limit", day(9), func(r *rule.Rule) {
		r.AppliesWhen = `refs["kyc-base"]`
	})

	require.NoError(t, f.b.Rebuild(ctx, cur.ID))
	first := f.edgesByKind(t, cur.ID)
	require.NoError(t, f.b.Rebuild(ctx, cur.ID))

	assert.Equal(t, first, f.edgesByKind(t, cur.ID))
	assert.Equal(t, []string{old.ID}, first[rule.EdgeSupersedes])
	assert.Len(t, first[rule.EdgeDependsOn], 1)
}

func TestRebuildUnknownRule(t *testing.T) {
	f := newGraphFixture(t)
	err := f.b.Rebuild(context.Background(), "no-such-rule")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

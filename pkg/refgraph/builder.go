// Package refgraph maintains the reference graph between rules. Every
// rule carries outgoing edges of three kinds: SUPERSEDES to the previous
// published rule for its concept, OVERRIDES to the rules its exceptions
// carve into, and DEPENDS_ON to the rules its applies-when expression
// reads. Edges are rebuilt wholesale per rule inside one transaction, so
// a rebuild either lands completely or not at all. The graph stays
// acyclic: any candidate edge that would close a cycle is rejected,
// alerted and audited, and the rest of the rebuild proceeds.
package refgraph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lexfabric/canon/pkg/alerting"
	"github.com/lexfabric/canon/pkg/audit"
	"github.com/lexfabric/canon/pkg/identity"
	"github.com/lexfabric/canon/pkg/observability"
	"github.com/lexfabric/canon/pkg/rule"
)

// Store is the persistence slice the builder needs.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetRule(ctx context.Context, id string) (*rule.Rule, error)
	PublishedRulesByConcept(ctx context.Context, conceptSlug string) ([]*rule.Rule, error)
	AllEdges(ctx context.Context) ([]rule.GraphEdge, error)
	EdgesFrom(ctx context.Context, ruleID string) ([]rule.GraphEdge, error)
	ReplaceEdges(ctx context.Context, fromRuleID string, edges []rule.GraphEdge) error
	SetRuleGraphStatus(ctx context.Context, id string, gs rule.GraphStatus, at time.Time) error
}

// Expressions extracts concept references from applies-when expressions.
// *applieswhen.Engine satisfies it.
type Expressions interface {
	References(expr string) ([]string, error)
}

// Builder recomputes one rule's outgoing edges from its current row.
type Builder struct {
	store  Store
	engine Expressions
	sink   audit.Sink
	alerts alerting.Sink
	obs    *observability.Provider
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithObservability attaches tracing and RED metrics to rebuilds.
func WithObservability(p *observability.Provider) Option {
	return func(b *Builder) { b.obs = p }
}

// WithClock replaces the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder wires a builder. alerts may be nil; rejected edges are then
// only visible in the audit chain.
func NewBuilder(st Store, engine Expressions, sink audit.Sink, alerts alerting.Sink, logger *slog.Logger, opts ...Option) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NewLogger()
	}
	b := &Builder{
		store:  st,
		engine: engine,
		sink:   sink,
		alerts: alerts,
		logger: logger.With("component", "refgraph"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Rebuild recomputes the rule's outgoing edges and marks its graph
// status CURRENT. Retired rules (anything not published, or revoked)
// keep no outgoing edges. The sibling that supersedes this rule is
// rewired in the same transaction, so a retirement never leaves the
// supersedes chain pointing through a dead rule.
func (b *Builder) Rebuild(ctx context.Context, ruleID string) (err error) {
	ctx, done := b.obs.TrackOperation(ctx, "refgraph.rebuild")
	defer func() { done(err) }()

	return b.store.WithinTx(ctx, func(ctx context.Context) error {
		r, err := b.store.GetRule(ctx, ruleID)
		if err != nil {
			return fmt.Errorf("load rule %s: %w", ruleID, err)
		}

		all, err := b.store.AllEdges(ctx)
		if err != nil {
			return fmt.Errorf("snapshot edges: %w", err)
		}
		// The rule's own outgoing edges are about to be replaced, so
		// they must not count against the candidates.
		det := NewCycleDetector(withoutSource(all, r.ID))

		var edges []rule.GraphEdge
		var rejected int
		if r.Status == rule.StatusPublished && !r.Revoked() {
			edges, rejected, err = b.desiredEdges(ctx, det, r)
			if err != nil {
				return err
			}
		}

		if err := b.store.ReplaceEdges(ctx, r.ID, edges); err != nil {
			return fmt.Errorf("replace edges: %w", err)
		}

		if err := b.rewireSuccessor(ctx, r); err != nil {
			return err
		}

		if err := b.store.SetRuleGraphStatus(ctx, r.ID, rule.GraphCurrent, b.now()); err != nil {
			return fmt.Errorf("mark current: %w", err)
		}

		b.record(ctx, "graph_rebuilt", r.ID, map[string]any{
			"edges":    len(edges),
			"rejected": rejected,
		})
		b.logger.Debug("graph rebuilt", "rule_id", r.ID, "edges", len(edges), "rejected", rejected)
		return nil
	})
}

// desiredEdges computes the full outgoing edge set for a published rule.
func (b *Builder) desiredEdges(ctx context.Context, det *CycleDetector, r *rule.Rule) ([]rule.GraphEdge, int, error) {
	var (
		edges    []rule.GraphEdge
		rejected int
	)
	type key struct {
		to   string
		kind rule.EdgeKind
	}
	seen := make(map[key]struct{})

	add := func(to string, kind rule.EdgeKind) {
		k := key{to: to, kind: kind}
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		if det.WouldCycle(r.ID, to) {
			rejected++
			b.rejectEdge(ctx, r, to, kind)
			return
		}
		det.Add(r.ID, to)
		edges = append(edges, rule.GraphEdge{
			ID:         uuid.NewString(),
			FromRuleID: r.ID,
			ToRuleID:   to,
			Kind:       kind,
			CreatedAt:  b.now(),
		})
	}

	siblings, err := b.store.PublishedRulesByConcept(ctx, r.ConceptSlug)
	if err != nil {
		return nil, 0, fmt.Errorf("load siblings for %s: %w", r.ConceptSlug, err)
	}
	if pred := newestBefore(r, siblings); pred != nil {
		add(pred.ID, rule.EdgeSupersedes)
	}

	for _, exc := range r.Exceptions {
		target, err := b.liveHead(ctx, exc.ConceptSlug)
		if err != nil {
			return nil, 0, err
		}
		if target == nil || target.ID == r.ID {
			b.logger.Debug("exception concept has no published rule", "rule_id", r.ID, "concept", exc.ConceptSlug)
			continue
		}
		add(target.ID, rule.EdgeOverrides)
	}

	if r.AppliesWhen != "" {
		slugs, err := b.engine.References(r.AppliesWhen)
		if err != nil {
			// The expression was validated at draft time; a parse
			// failure here means the grammar moved under stored data.
			// The rebuild still completes so the rule is not wedged.
			b.logger.Warn("applies_when no longer parses, skipping dependency edges",
				"rule_id", r.ID, "error", err)
			slugs = nil
		}
		for _, slug := range slugs {
			target, err := b.liveHead(ctx, slug)
			if err != nil {
				return nil, 0, err
			}
			if target == nil || target.ID == r.ID {
				continue
			}
			add(target.ID, rule.EdgeDependsOn)
		}
	}

	return edges, rejected, nil
}

// rewireSuccessor recomputes the SUPERSEDES edge of the first published
// sibling ordered after r. When r was just published that edge must now
// point at r; when r was just retired it must point past r at r's own
// predecessor. Other edge kinds on the successor are left alone.
func (b *Builder) rewireSuccessor(ctx context.Context, r *rule.Rule) error {
	siblings, err := b.store.PublishedRulesByConcept(ctx, r.ConceptSlug)
	if err != nil {
		return fmt.Errorf("load siblings for %s: %w", r.ConceptSlug, err)
	}
	succ := firstAfter(r, siblings)
	if succ == nil {
		return nil
	}
	pred := newestBefore(succ, siblings)

	cur, err := b.store.EdgesFrom(ctx, succ.ID)
	if err != nil {
		return fmt.Errorf("load successor edges: %w", err)
	}
	if supersedesMatch(cur, pred) {
		return nil
	}

	rebuilt := make([]rule.GraphEdge, 0, len(cur)+1)
	for _, e := range cur {
		if e.Kind != rule.EdgeSupersedes {
			rebuilt = append(rebuilt, e)
		}
	}
	if pred != nil {
		all, err := b.store.AllEdges(ctx)
		if err != nil {
			return fmt.Errorf("snapshot edges: %w", err)
		}
		det := NewCycleDetector(withoutSource(all, succ.ID))
		if det.WouldCycle(succ.ID, pred.ID) {
			b.rejectEdge(ctx, succ, pred.ID, rule.EdgeSupersedes)
		} else {
			rebuilt = append(rebuilt, rule.GraphEdge{
				ID:         uuid.NewString(),
				FromRuleID: succ.ID,
				ToRuleID:   pred.ID,
				Kind:       rule.EdgeSupersedes,
				CreatedAt:  b.now(),
			})
		}
	}
	if err := b.store.ReplaceEdges(ctx, succ.ID, rebuilt); err != nil {
		return fmt.Errorf("rewire successor %s: %w", succ.ID, err)
	}
	b.logger.Debug("successor rewired", "rule_id", succ.ID, "concept", r.ConceptSlug)
	return nil
}

// liveHead returns the newest published rule for the concept, nil when
// the concept has none.
func (b *Builder) liveHead(ctx context.Context, conceptSlug string) (*rule.Rule, error) {
	rules, err := b.store.PublishedRulesByConcept(ctx, conceptSlug)
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", conceptSlug, err)
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return rules[len(rules)-1], nil
}

func (b *Builder) rejectEdge(ctx context.Context, from *rule.Rule, to string, kind rule.EdgeKind) {
	b.logger.Warn("edge rejected, would close a cycle",
		"from", from.ID, "to", to, "kind", string(kind))
	b.record(ctx, "edge_rejected", from.ID, map[string]any{
		"to":      to,
		"kind":    string(kind),
		"concept": from.ConceptSlug,
	})
	if b.alerts != nil {
		_ = b.alerts.Fire(ctx, alerting.Alert{
			Severity:   alerting.SeverityWarning,
			Kind:       "graph_cycle_rejected",
			EntityType: "rule",
			EntityID:   from.ID,
			Message:    fmt.Sprintf("edge %s -> %s (%s) would close a cycle", from.ID, to, kind),
			Details:    map[string]any{"to": to, "kind": string(kind)},
		})
	}
}

func (b *Builder) record(ctx context.Context, action, ruleID string, md map[string]any) {
	e := audit.Event{
		Type:       audit.EventGraph,
		Action:     action,
		EntityType: "rule",
		EntityID:   ruleID,
		Actor:      identity.SystemActor("refgraph").ID,
		Timestamp:  b.now(),
		Metadata:   md,
	}
	if err := b.sink.Record(ctx, e); err != nil {
		b.logger.Warn("audit record failed", "action", action, "error", err)
	}
}

// withoutSource drops every edge originating at ruleID.
func withoutSource(edges []rule.GraphEdge, ruleID string) []rule.GraphEdge {
	out := make([]rule.GraphEdge, 0, len(edges))
	for _, e := range edges {
		if e.FromRuleID != ruleID {
			out = append(out, e)
		}
	}
	return out
}

// supersedesMatch reports whether the edge set already carries exactly
// the wanted SUPERSEDES target.
func supersedesMatch(edges []rule.GraphEdge, pred *rule.Rule) bool {
	var targets []string
	for _, e := range edges {
		if e.Kind == rule.EdgeSupersedes {
			targets = append(targets, e.ToRuleID)
		}
	}
	if pred == nil {
		return len(targets) == 0
	}
	return len(targets) == 1 && targets[0] == pred.ID
}

// orderBefore mirrors the store's publication ordering: effective_from,
// then created_at, then id.
func orderBefore(a, b *rule.Rule) bool {
	if !a.EffectiveFrom.Equal(b.EffectiveFrom) {
		return a.EffectiveFrom.Before(b.EffectiveFrom)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// newestBefore returns the last sibling ordered strictly before r, nil
// when r is the oldest. r itself is skipped, so the helper works whether
// or not r appears in the list.
func newestBefore(r *rule.Rule, siblings []*rule.Rule) *rule.Rule {
	var best *rule.Rule
	for _, s := range siblings {
		if s.ID == r.ID || !orderBefore(s, r) {
			continue
		}
		if best == nil || orderBefore(best, s) {
			best = s
		}
	}
	return best
}

// firstAfter returns the first sibling ordered strictly after r, nil
// when r is the newest.
func firstAfter(r *rule.Rule, siblings []*rule.Rule) *rule.Rule {
	var best *rule.Rule
	for _, s := range siblings {
		if s.ID == r.ID || !orderBefore(r, s) {
			continue
		}
		if best == nil || orderBefore(s, best) {
			best = s
		}
	}
	return best
}

package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexfabric/canon/pkg/evidence"
	"github.com/lexfabric/canon/pkg/identity"
	"github.com/lexfabric/canon/pkg/lifecycle"
	"github.com/lexfabric/canon/pkg/observability"
	"github.com/lexfabric/canon/pkg/rule"
)

// Rules is the lifecycle slice intake drives.
type Rules interface {
	CreateDraft(ctx context.Context, d lifecycle.Draft, actor identity.Actor) (*rule.Rule, error)
	SubmitForReview(ctx context.Context, ruleID string, actor identity.Actor) (*rule.Rule, error)
}

// Intake turns admitted proposals into DRAFT rules and submits them for
// review. Each proposal stands alone: one rejection never blocks the
// rest of the batch.
type Intake struct {
	gate   *SchemaGate
	docs   evidence.Store
	rules  Rules
	obs    *observability.Provider
	logger *slog.Logger
	now    func() time.Time
}

// IntakeOption configures an Intake.
type IntakeOption func(*Intake)

// WithIntakeObservability attaches tracing and RED metrics to ingests.
func WithIntakeObservability(p *observability.Provider) IntakeOption {
	return func(in *Intake) { in.obs = p }
}

// WithIntakeClock replaces the time source for deterministic tests.
func WithIntakeClock(now func() time.Time) IntakeOption {
	return func(in *Intake) { in.now = now }
}

// NewIntake wires the proposal-to-draft path.
func NewIntake(gate *SchemaGate, docs evidence.Store, rules Rules, logger *slog.Logger, opts ...IntakeOption) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	in := &Intake{
		gate:   gate,
		docs:   docs,
		rules:  rules,
		logger: logger.With("component", "extraction.intake"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// IngestFailure is one proposal that did not become a pending rule.
type IngestFailure struct {
	Index       int    `json:"index"`
	ConceptSlug string `json:"concept_slug,omitempty"`
	RuleID      string `json:"rule_id,omitempty"`
	Err         string `json:"error"`
}

// IngestReport summarizes one batch.
type IngestReport struct {
	Proposals  int             `json:"proposals"`
	Drafted    int             `json:"drafted"`
	Submitted  int             `json:"submitted"`
	Failures   []IngestFailure `json:"failures,omitempty"`
	RuleIDs    []string        `json:"rule_ids,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Ingest admits each tagged proposal through the schema gate, checks its
// quotes point at stored evidence, creates a draft and submits it for
// review. Failures are per-proposal; only context death aborts the
// batch.
func (in *Intake) Ingest(ctx context.Context, batch []Tagged, actor identity.Actor) (report *IngestReport, err error) {
	ctx, done := in.obs.TrackOperation(ctx, "extraction.ingest")
	defer func() { done(err) }()

	report = &IngestReport{Proposals: len(batch), StartedAt: in.now()}
	defer func() { report.FinishedAt = in.now() }()

	for i, t := range batch {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		p, err := in.gate.Admit(t)
		if err != nil {
			report.Failures = append(report.Failures, IngestFailure{Index: i, Err: err.Error()})
			in.logger.Warn("proposal rejected", "index", i, "error", err)
			continue
		}

		if err := in.checkQuotes(ctx, p); err != nil {
			report.Failures = append(report.Failures,
				IngestFailure{Index: i, ConceptSlug: p.ConceptSlug, Err: err.Error()})
			in.logger.Warn("proposal evidence check failed",
				"index", i, "concept", p.ConceptSlug, "error", err)
			continue
		}

		r, err := in.rules.CreateDraft(ctx, draftFrom(p), actor)
		if err != nil {
			report.Failures = append(report.Failures,
				IngestFailure{Index: i, ConceptSlug: p.ConceptSlug, Err: err.Error()})
			in.logger.Warn("draft rejected", "index", i, "concept", p.ConceptSlug, "error", err)
			continue
		}
		report.Drafted++

		if _, err := in.rules.SubmitForReview(ctx, r.ID, actor); err != nil {
			// The draft exists and is recoverable by hand, so the
			// failure carries its id.
			report.Failures = append(report.Failures,
				IngestFailure{Index: i, ConceptSlug: p.ConceptSlug, RuleID: r.ID, Err: err.Error()})
			in.logger.Warn("submit failed, draft parked",
				"index", i, "rule_id", r.ID, "error", err)
			continue
		}
		report.Submitted++
		report.RuleIDs = append(report.RuleIDs, r.ID)
	}

	in.logger.Info("ingest finished",
		"proposals", report.Proposals,
		"drafted", report.Drafted,
		"submitted", report.Submitted,
		"failures", len(report.Failures))
	return report, nil
}

func (in *Intake) checkQuotes(ctx context.Context, p *Proposal) error {
	for _, q := range p.Quotes {
		ok, err := in.docs.Exists(ctx, q.EvidenceID)
		if err != nil {
			return fmt.Errorf("evidence lookup %s: %w", q.EvidenceID, err)
		}
		if !ok {
			return fmt.Errorf("quote cites unknown evidence document %s", q.EvidenceID)
		}
	}
	return nil
}

func draftFrom(p *Proposal) lifecycle.Draft {
	pointers := make([]lifecycle.PointerDraft, 0, len(p.Quotes))
	for _, q := range p.Quotes {
		pointers = append(pointers, lifecycle.PointerDraft{
			EvidenceID: q.EvidenceID,
			ExactQuote: q.ExactQuote,
			Value:      p.Value,
			Confidence: q.Confidence,
		})
	}
	return lifecycle.Draft{
		ConceptSlug:     p.ConceptSlug,
		RiskTier:        p.RiskTier,
		Authority:       p.Authority,
		SourceHierarchy: p.SourceHierarchy,
		Source:          p.Source,
		Value:           p.Value,
		ValueType:       p.ValueType,
		AppliesWhen:     p.AppliesWhen,
		EffectiveFrom:   p.EffectiveFrom,
		EffectiveUntil:  p.EffectiveUntil,
		Confidence:      p.Confidence,
		Pointers:        pointers,
	}
}

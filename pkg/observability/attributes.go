package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Canon semantic convention attributes. Services attach these to the
// spans and metrics TrackOperation opens so traces can be sliced by
// rule, concept and tier.
var (
	AttrRuleID      = attribute.Key("canon.rule.id")
	AttrConceptSlug = attribute.Key("canon.rule.concept")
	AttrRiskTier    = attribute.Key("canon.rule.tier")
	AttrRuleStatus  = attribute.Key("canon.rule.status")

	AttrConflictID   = attribute.Key("canon.conflict.id")
	AttrConflictType = attribute.Key("canon.conflict.type")
	AttrStrategy     = attribute.Key("canon.resolution.strategy")
	AttrVerdict      = attribute.Key("canon.resolution.verdict")

	AttrReleaseID      = attribute.Key("canon.release.id")
	AttrReleaseVersion = attribute.Key("canon.release.version")

	AttrGraphStatus = attribute.Key("canon.graph.status")
	AttrEdgeKind    = attribute.Key("canon.graph.edge_kind")

	AttrActorID   = attribute.Key("canon.actor.id")
	AttrActorKind = attribute.Key("canon.actor.kind")
)

// AddEvent attaches a named event with attributes to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// SetAttributes attaches attributes to the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

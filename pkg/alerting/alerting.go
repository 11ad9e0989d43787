// Package alerting carries operator-facing signals that something needs
// attention but the system already took its safe default: cycle edges
// rejected, graph rebuilds out of retries, sweeps finding stuck rules.
package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity orders alerts for routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator-facing signal.
type Alert struct {
	ID         string         `json:"id"`
	Severity   Severity       `json:"severity"`
	Kind       string         `json:"kind"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	FiredAt    time.Time      `json:"fired_at"`
}

// Sink delivers alerts. Implementations must be safe for concurrent use.
type Sink interface {
	Fire(ctx context.Context, a Alert) error
}

func stamp(a *Alert) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.FiredAt.IsZero() {
		a.FiredAt = time.Now().UTC()
	}
	if a.Severity == "" {
		a.Severity = SeverityWarning
	}
}

// logSink writes alerts through slog at a level matching their severity.
type logSink struct {
	logger *slog.Logger
}

// NewLogSink wraps a slog logger as an alert sink.
func NewLogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &logSink{logger: logger}
}

func (s *logSink) Fire(_ context.Context, a Alert) error {
	stamp(&a)
	attrs := []any{
		"alert_id", a.ID,
		"kind", a.Kind,
		"entity_type", a.EntityType,
		"entity_id", a.EntityID,
		"details", a.Details,
	}
	switch a.Severity {
	case SeverityInfo:
		s.logger.Info(a.Message, attrs...)
	case SeverityCritical:
		s.logger.Error(a.Message, attrs...)
	default:
		s.logger.Warn(a.Message, attrs...)
	}
	return nil
}

// Memory collects alerts for tests and embedded setups.
type Memory struct {
	mu     sync.RWMutex
	alerts []Alert
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Fire(_ context.Context, a Alert) error {
	stamp(&a)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

// Fired returns a copy of everything fired so far, oldest first.
func (m *Memory) Fired() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// ByKind returns the fired alerts with the given kind.
func (m *Memory) ByKind(kind string) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Alert
	for _, a := range m.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// Fanout fires each alert at every sink, returning the first error after
// all sinks have been attempted.
type Fanout []Sink

func (f Fanout) Fire(ctx context.Context, a Alert) error {
	stamp(&a)
	var firstErr error
	for _, s := range f {
		if err := s.Fire(ctx, a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Package audit records every irreversible or gate-relevant action taken
// on the canon: lifecycle transitions, conflict resolutions, releases,
// rollbacks and graph rebuilds. Failures are recorded with the same
// weight as successes.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is the audit category, one per canon subsystem.
type EventType string

const (
	EventLifecycle  EventType = "LIFECYCLE"
	EventConflict   EventType = "CONFLICT"
	EventProvenance EventType = "PROVENANCE"
	EventRelease    EventType = "RELEASE"
	EventGraph      EventType = "GRAPH"
)

// Event is one structured audit record.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Actor      string         `json:"actor,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Sink records audit events. Implementations must be safe for concurrent
// use.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// logger writes structured JSON lines to a writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a sink writing to os.Stdout.
func NewLogger() Sink {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a sink writing to the given writer. Allows
// injection for testing and custom destinations.
func NewLoggerWithWriter(w io.Writer) Sink {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Record(_ context.Context, e Event) error {
	stamp(&e)

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(e)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// stamp fills in the identity fields callers usually leave empty.
func stamp(e *Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// Fanout records each event to every sink, returning the first error
// after all sinks have been attempted.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, e Event) error {
	stamp(&e)
	var firstErr error
	for _, s := range f {
		if err := s.Record(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

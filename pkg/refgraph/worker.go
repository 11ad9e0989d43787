package refgraph

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexfabric/canon/pkg/alerting"
	"github.com/lexfabric/canon/pkg/rule"
)

// Rebuilder recomputes one rule's edges. *Builder satisfies it.
type Rebuilder interface {
	Rebuild(ctx context.Context, ruleID string) error
}

// WorkerStore is the persistence slice the worker needs for failure
// bookkeeping and the stuck-rule sweep.
type WorkerStore interface {
	StuckGraphRules(ctx context.Context, olderThan time.Time, limit int) ([]*rule.Rule, error)
	SetRuleGraphStatus(ctx context.Context, id string, gs rule.GraphStatus, at time.Time) error
}

type job struct {
	ruleID  string
	attempt int
}

// Worker drains graph rebuild requests sequentially. Rebuilds replace a
// rule's whole edge set, so running them one at a time keeps the
// snapshot each rebuild reasons over coherent. Failed rebuilds retry
// with exponential backoff, and a periodic sweep re-enqueues rules whose
// graph status has sat PENDING or STALE past the stuck age, which also
// recovers anything dropped when the queue was full.
type Worker struct {
	builder     Rebuilder
	store       WorkerStore
	alerts      alerting.Sink
	logger      *slog.Logger
	jobs        chan job
	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
	sweepEvery  time.Duration
	stuckAge    time.Duration
	sweepLimit  int
	now         func() time.Time
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithMaxAttempts bounds retries per enqueue before the worker gives up
// and leaves the rule to the stuck sweep.
func WithMaxAttempts(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithRetrySchedule sets the backoff base and cap.
func WithRetrySchedule(base, max time.Duration) WorkerOption {
	return func(w *Worker) {
		if base > 0 {
			w.retryBase = base
		}
		if max > 0 {
			w.retryMax = max
		}
	}
}

// WithStuckSweep sets how often the sweep runs and how long a rule's
// graph status may sit unrefreshed before the sweep picks it up.
func WithStuckSweep(every, age time.Duration) WorkerOption {
	return func(w *Worker) {
		if every > 0 {
			w.sweepEvery = every
		}
		if age > 0 {
			w.stuckAge = age
		}
	}
}

// WithQueueSize sets the rebuild queue capacity.
func WithQueueSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.jobs = make(chan job, n)
		}
	}
}

// WithWorkerClock replaces the time source for deterministic tests.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

const (
	defaultMaxAttempts = 5
	defaultRetryBase   = time.Second
	defaultRetryMax    = 30 * time.Second
	defaultSweepEvery  = time.Minute
	defaultStuckAge    = 5 * time.Minute
	defaultSweepLimit  = 64
	defaultQueueSize   = 256
)

// NewWorker wires the rebuild loop. alerts may be nil.
func NewWorker(b Rebuilder, st WorkerStore, alerts alerting.Sink, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		builder:     b,
		store:       st,
		alerts:      alerts,
		logger:      logger.With("component", "refgraph.worker"),
		jobs:        make(chan job, defaultQueueSize),
		maxAttempts: defaultMaxAttempts,
		retryBase:   defaultRetryBase,
		retryMax:    defaultRetryMax,
		sweepEvery:  defaultSweepEvery,
		stuckAge:    defaultStuckAge,
		sweepLimit:  defaultSweepLimit,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue requests a rebuild for the rule. It never blocks; when the
// queue is full the request is dropped and the stuck sweep recovers the
// rule later, since its graph status stays PENDING until a rebuild
// lands.
func (w *Worker) Enqueue(ruleID string) {
	w.enqueue(job{ruleID: ruleID})
}

func (w *Worker) enqueue(j job) bool {
	select {
	case w.jobs <- j:
		return true
	default:
		w.logger.Warn("rebuild queue full, dropping", "rule_id", j.ruleID, "attempt", j.attempt)
		return false
	}
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-w.jobs:
			w.process(ctx, j)
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) process(ctx context.Context, j job) {
	// A rebuild is a single transaction; interrupting it midway buys
	// nothing, so shutdown waits for the in-flight one.
	ctx = context.WithoutCancel(ctx)

	err := w.builder.Rebuild(ctx, j.ruleID)
	if err == nil {
		return
	}

	next := j.attempt + 1
	if serr := w.store.SetRuleGraphStatus(ctx, j.ruleID, rule.GraphStale, w.now()); serr != nil {
		w.logger.Warn("mark stale failed", "rule_id", j.ruleID, "error", serr)
	}

	if next >= w.maxAttempts {
		w.logger.Error("graph rebuild exhausted retries",
			"rule_id", j.ruleID, "attempts", next, "error", err)
		if w.alerts != nil {
			_ = w.alerts.Fire(ctx, alerting.Alert{
				Severity:   alerting.SeverityCritical,
				Kind:       "graph_rebuild_exhausted",
				EntityType: "rule",
				EntityID:   j.ruleID,
				Message:    fmt.Sprintf("graph rebuild failed %d times, leaving rule STALE", next),
				Details:    map[string]any{"error": err.Error()},
			})
		}
		return
	}

	delay := w.backoff(j.ruleID, next)
	w.logger.Warn("graph rebuild failed, retrying",
		"rule_id", j.ruleID, "attempt", next, "retry_in", delay, "error", err)
	time.AfterFunc(delay, func() {
		w.enqueue(job{ruleID: j.ruleID, attempt: next})
	})
}

// sweep re-enqueues published rules whose graph status has sat PENDING
// or STALE past the stuck age.
func (w *Worker) sweep(ctx context.Context) {
	cutoff := w.now().Add(-w.stuckAge)
	stuck, err := w.store.StuckGraphRules(ctx, cutoff, w.sweepLimit)
	if err != nil {
		w.logger.Warn("stuck sweep failed", "error", err)
		return
	}
	requeued := 0
	for _, r := range stuck {
		if !w.enqueue(job{ruleID: r.ID}) {
			break
		}
		requeued++
	}
	if requeued > 0 {
		w.logger.Info("re-enqueued stuck graph rules", "count", requeued)
	}
}

// backoff doubles per attempt from the base up to the cap, plus a
// deterministic jitter derived from the rule so replays and tests see
// stable delays.
func (w *Worker) backoff(ruleID string, attempt int) time.Duration {
	shift := attempt
	if shift > 30 {
		shift = 30
	}
	d := w.retryBase << shift
	if d <= 0 || d > w.retryMax {
		d = w.retryMax
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", ruleID, attempt)))
	jitter := time.Duration(binary.BigEndian.Uint64(sum[:8]) % uint64(w.retryBase+1))
	return d + jitter
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lexfabric/canon/pkg/rule"
)

// Memory is an in-memory implementation of the same method set as DB.
// Service tests use it instead of a real database. WithinTx snapshots
// the whole state and restores it when fn fails, so all-or-nothing
// behavior is observable in tests too.
type Memory struct {
	mu          sync.RWMutex
	txMu        sync.Mutex
	rules       map[string]*rule.Rule
	pointers    map[string]rule.SourcePointer
	conflicts   map[string]*rule.Conflict
	resolutions []rule.ResolutionRecord
	releases    map[string]*rule.Release
	edges       map[string]rule.GraphEdge
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rules:     make(map[string]*rule.Rule),
		pointers:  make(map[string]rule.SourcePointer),
		conflicts: make(map[string]*rule.Conflict),
		releases:  make(map[string]*rule.Release),
		edges:     make(map[string]rule.GraphEdge),
	}
}

type memTxKey struct{}

// WithinTx serializes callers and rolls the state back when fn fails.
// Nested calls join the outer transaction.
func (m *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if joined, _ := ctx.Value(memTxKey{}).(bool); joined {
		return fn(ctx)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	rules       map[string]*rule.Rule
	pointers    map[string]rule.SourcePointer
	conflicts   map[string]*rule.Conflict
	resolutions []rule.ResolutionRecord
	releases    map[string]*rule.Release
	edges       map[string]rule.GraphEdge
}

func (m *Memory) snapshot() memSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := memSnapshot{
		rules:       make(map[string]*rule.Rule, len(m.rules)),
		pointers:    make(map[string]rule.SourcePointer, len(m.pointers)),
		conflicts:   make(map[string]*rule.Conflict, len(m.conflicts)),
		resolutions: append([]rule.ResolutionRecord(nil), m.resolutions...),
		releases:    make(map[string]*rule.Release, len(m.releases)),
		edges:       make(map[string]rule.GraphEdge, len(m.edges)),
	}
	for id, r := range m.rules {
		snap.rules[id] = r.Clone()
	}
	for id, p := range m.pointers {
		snap.pointers[id] = p
	}
	for id, c := range m.conflicts {
		snap.conflicts[id] = cloneConflict(c)
	}
	for id, rel := range m.releases {
		snap.releases[id] = cloneRelease(rel)
	}
	for id, e := range m.edges {
		snap.edges[id] = e
	}
	return snap
}

func (m *Memory) restore(snap memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = snap.rules
	m.pointers = snap.pointers
	m.conflicts = snap.conflicts
	m.resolutions = snap.resolutions
	m.releases = snap.releases
	m.edges = snap.edges
}

// InsertRule stores a new rule.
func (m *Memory) InsertRule(_ context.Context, r *rule.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; ok {
		return fmt.Errorf("store: insert rule %s: duplicate id", r.ID)
	}
	m.rules[r.ID] = r.Clone()
	return nil
}

// UpdateRule replaces an existing rule.
func (m *Memory) UpdateRule(_ context.Context, r *rule.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; !ok {
		return fmt.Errorf("store: %s: %w", r.ID, ErrNotFound)
	}
	m.rules[r.ID] = r.Clone()
	return nil
}

// GetRule loads one rule by id.
func (m *Memory) GetRule(_ context.Context, id string) (*rule.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// RulesByIDs loads the named rules ordered by id.
func (m *Memory) RulesByIDs(_ context.Context, ids []string) ([]*rule.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*rule.Rule
	for _, id := range ids {
		if r, ok := m.rules[id]; ok {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// RulesByStatus loads every rule in the given status, oldest first.
func (m *Memory) RulesByStatus(_ context.Context, status rule.Status) ([]*rule.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*rule.Rule
	for _, r := range m.rules {
		if r.Status == status {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// PublishedRulesByConcept loads published, non-revoked rules for a
// concept ordered by effective_from.
func (m *Memory) PublishedRulesByConcept(_ context.Context, conceptSlug string) ([]*rule.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*rule.Rule
	for _, r := range m.rules {
		if r.ConceptSlug == conceptSlug && r.Status == rule.StatusPublished && !r.Revoked() {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].EffectiveFrom.Equal(result[j].EffectiveFrom) {
			return result[i].EffectiveFrom.Before(result[j].EffectiveFrom)
		}
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// SetRuleGraphStatus updates only the graph status column.
func (m *Memory) SetRuleGraphStatus(_ context.Context, id string, gs rule.GraphStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return fmt.Errorf("store: %s: %w", id, ErrNotFound)
	}
	r.GraphStatus = gs
	r.UpdatedAt = at.UTC()
	return nil
}

// StuckGraphRules lists published rules whose edges are not CURRENT and
// were last touched before the cutoff.
func (m *Memory) StuckGraphRules(_ context.Context, olderThan time.Time, limit int) ([]*rule.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*rule.Rule
	for _, r := range m.rules {
		stuck := r.GraphStatus == rule.GraphPending || r.GraphStatus == rule.GraphStale
		if stuck && r.Status == rule.StatusPublished && !r.Revoked() && r.UpdatedAt.Before(olderThan) {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.Before(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// InsertPointer stores a new source pointer.
func (m *Memory) InsertPointer(_ context.Context, p *rule.SourcePointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pointers[p.ID]; ok {
		return fmt.Errorf("store: insert pointer %s: duplicate id", p.ID)
	}
	m.pointers[p.ID] = clonePointer(*p)
	return nil
}

// GetPointer loads one pointer by id.
func (m *Memory) GetPointer(_ context.Context, id string) (*rule.SourcePointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pointers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := clonePointer(p)
	return &cp, nil
}

// PointersByRule loads every pointer attached to a rule, ordered by id.
func (m *Memory) PointersByRule(_ context.Context, ruleID string) ([]rule.SourcePointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []rule.SourcePointer
	for _, p := range m.pointers {
		if p.RuleID == ruleID {
			result = append(result, clonePointer(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// RecordPointerMatch persists a validation outcome.
func (m *Memory) RecordPointerMatch(_ context.Context, p *rule.SourcePointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.pointers[p.ID]
	if !ok {
		return fmt.Errorf("store: %s: %w", p.ID, ErrNotFound)
	}
	stored.MatchType = p.MatchType
	stored.MatchStart = p.MatchStart
	stored.MatchEnd = p.MatchEnd
	if p.ValidatedAt != nil {
		t := p.ValidatedAt.UTC()
		stored.ValidatedAt = &t
	} else {
		stored.ValidatedAt = nil
	}
	m.pointers[p.ID] = stored
	return nil
}

// InsertConflict stores a newly detected conflict.
func (m *Memory) InsertConflict(_ context.Context, c *rule.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conflicts[c.ID]; ok {
		return fmt.Errorf("store: insert conflict %s: duplicate id", c.ID)
	}
	m.conflicts[c.ID] = cloneConflict(c)
	return nil
}

// UpdateConflict replaces an existing conflict.
func (m *Memory) UpdateConflict(_ context.Context, c *rule.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conflicts[c.ID]; !ok {
		return fmt.Errorf("store: %s: %w", c.ID, ErrNotFound)
	}
	m.conflicts[c.ID] = cloneConflict(c)
	return nil
}

// GetConflict loads one conflict by id.
func (m *Memory) GetConflict(_ context.Context, id string) (*rule.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConflict(c), nil
}

// OpenConflictsInvolving lists open conflicts naming the rule.
func (m *Memory) OpenConflictsInvolving(_ context.Context, ruleID string) ([]rule.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []rule.Conflict
	for _, c := range m.conflicts {
		if c.Open() && c.Involves(ruleID) {
			result = append(result, *cloneConflict(c))
		}
	}
	sortConflicts(result)
	return result, nil
}

// OpenConflicts lists open conflicts oldest first, bounded by limit.
func (m *Memory) OpenConflicts(_ context.Context, limit int) ([]rule.Conflict, error) {
	return m.conflictsInStatus(rule.ConflictOpen, limit), nil
}

// EscalatedConflicts lists conflicts waiting on a human verdict, oldest
// first, bounded by limit.
func (m *Memory) EscalatedConflicts(_ context.Context, limit int) ([]rule.Conflict, error) {
	return m.conflictsInStatus(rule.ConflictEscalated, limit), nil
}

func (m *Memory) conflictsInStatus(status rule.ConflictStatus, limit int) []rule.Conflict {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []rule.Conflict
	for _, c := range m.conflicts {
		if c.Status == status {
			result = append(result, *cloneConflict(c))
		}
	}
	sortConflicts(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// AppendResolution writes one immutable resolution record.
func (m *Memory) AppendResolution(_ context.Context, rec rule.ResolutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolutions = append(m.resolutions, rec)
	return nil
}

// ResolutionsByConcept loads resolution history oldest first.
func (m *Memory) ResolutionsByConcept(_ context.Context, conceptSlug string, ct rule.ConflictType) ([]rule.ResolutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []rule.ResolutionRecord
	for _, rec := range m.resolutions {
		if rec.ConceptSlug == conceptSlug && rec.ConflictType == ct {
			result = append(result, rec)
		}
	}
	return result, nil
}

// InsertRelease stores the release row and its membership.
func (m *Memory) InsertRelease(_ context.Context, rel *rule.Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.releases[rel.ID]; ok {
		return fmt.Errorf("store: insert release %s: duplicate id", rel.ID)
	}
	for _, existing := range m.releases {
		if existing.Version == rel.Version {
			return fmt.Errorf("store: insert release %s: duplicate version %s", rel.ID, rel.Version)
		}
	}
	m.releases[rel.ID] = cloneRelease(rel)
	return nil
}

// GetRelease loads one release by id.
func (m *Memory) GetRelease(_ context.Context, id string) (*rule.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rel, ok := m.releases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRelease(rel), nil
}

// LatestRelease returns the most recent release.
func (m *Memory) LatestRelease(_ context.Context) (*rule.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := m.latestBefore(time.Time{})
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneRelease(latest), nil
}

// ReleaseBefore returns the newest release created strictly before the
// given instant.
func (m *Memory) ReleaseBefore(_ context.Context, at time.Time) (*rule.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prev := m.latestBefore(at)
	if prev == nil {
		return nil, ErrNotFound
	}
	return cloneRelease(prev), nil
}

// latestBefore returns the newest release, bounded by cutoff when it is
// non-zero. Caller holds the lock.
func (m *Memory) latestBefore(cutoff time.Time) *rule.Release {
	var latest *rule.Release
	for _, rel := range m.releases {
		if !cutoff.IsZero() && !rel.CreatedAt.Before(cutoff) {
			continue
		}
		if latest == nil || rel.CreatedAt.After(latest.CreatedAt) ||
			(rel.CreatedAt.Equal(latest.CreatedAt) && rel.ID > latest.ID) {
			latest = rel
		}
	}
	return latest
}

// DisconnectReleaseRule removes one rule from a release's membership.
func (m *Memory) DisconnectReleaseRule(_ context.Context, releaseID, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.releases[releaseID]
	if !ok {
		return nil
	}
	kept := rel.RuleIDs[:0]
	for _, id := range rel.RuleIDs {
		if id != ruleID {
			kept = append(kept, id)
		}
	}
	rel.RuleIDs = kept
	return nil
}

// ReplaceEdges rewrites every outgoing edge of one rule.
func (m *Memory) ReplaceEdges(_ context.Context, fromRuleID string, edges []rule.GraphEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.edges {
		if e.FromRuleID == fromRuleID {
			delete(m.edges, id)
		}
	}
	for _, e := range edges {
		if e.FromRuleID != fromRuleID {
			return fmt.Errorf("store: edge %s is from rule %s, not %s", e.ID, e.FromRuleID, fromRuleID)
		}
		m.edges[e.ID] = e
	}
	return nil
}

// EdgesFrom lists a rule's outgoing edges.
func (m *Memory) EdgesFrom(_ context.Context, ruleID string) ([]rule.GraphEdge, error) {
	return m.filterEdges(func(e rule.GraphEdge) bool { return e.FromRuleID == ruleID })
}

// EdgesTo lists a rule's incoming edges.
func (m *Memory) EdgesTo(_ context.Context, ruleID string) ([]rule.GraphEdge, error) {
	return m.filterEdges(func(e rule.GraphEdge) bool { return e.ToRuleID == ruleID })
}

// AllEdges loads the whole reference graph.
func (m *Memory) AllEdges(_ context.Context) ([]rule.GraphEdge, error) {
	return m.filterEdges(func(rule.GraphEdge) bool { return true })
}

// DeleteEdgesForRule removes every edge touching the rule.
func (m *Memory) DeleteEdgesForRule(_ context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.edges {
		if e.FromRuleID == ruleID || e.ToRuleID == ruleID {
			delete(m.edges, id)
		}
	}
	return nil
}

func (m *Memory) filterEdges(keep func(rule.GraphEdge) bool) ([]rule.GraphEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []rule.GraphEdge
	for _, e := range m.edges {
		if keep(e) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].FromRuleID != result[j].FromRuleID {
			return result[i].FromRuleID < result[j].FromRuleID
		}
		if result[i].Kind != result[j].Kind {
			return result[i].Kind < result[j].Kind
		}
		return result[i].ToRuleID < result[j].ToRuleID
	})
	return result, nil
}

func sortConflicts(cs []rule.Conflict) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

func clonePointer(p rule.SourcePointer) rule.SourcePointer {
	if p.ValidatedAt != nil {
		t := *p.ValidatedAt
		p.ValidatedAt = &t
	}
	return p
}

func cloneConflict(c *rule.Conflict) *rule.Conflict {
	cp := *c
	if c.PointerIDs != nil {
		cp.PointerIDs = append([]string(nil), c.PointerIDs...)
	}
	if c.Resolution != nil {
		res := *c.Resolution
		cp.Resolution = &res
	}
	return &cp
}

func cloneRelease(rel *rule.Release) *rule.Release {
	cp := *rel
	if rel.RuleIDs != nil {
		cp.RuleIDs = append([]string(nil), rel.RuleIDs...)
	}
	return &cp
}

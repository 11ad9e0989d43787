package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lexfabric/canon/pkg/rule"
)

const ruleColumns = `id, concept_slug, status, risk_tier, authority, source_hierarchy,
	source, value, value_type, applies_when, effective_from, effective_until,
	confidence, approved_by, approved_at, revoked_at, revoked_reason,
	graph_status, exceptions, notes, created_at, updated_at`

// InsertRule stores a new rule row.
func (db *DB) InsertRule(ctx context.Context, r *rule.Rule) error {
	exceptions, err := jsonText(r.Exceptions)
	if err != nil {
		return fmt.Errorf("store: encode exceptions for rule %s: %w", r.ID, err)
	}
	notes, err := jsonText(r.Notes)
	if err != nil {
		return fmt.Errorf("store: encode notes for rule %s: %w", r.ID, err)
	}

	query := db.rebind(`INSERT INTO rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = db.q(ctx).ExecContext(ctx, query,
		r.ID, r.ConceptSlug, string(r.Status), string(r.RiskTier), string(r.Authority),
		r.SourceHierarchy, r.Source, r.Value, string(r.ValueType), r.AppliesWhen,
		fmtTime(r.EffectiveFrom), fmtTimePtr(r.EffectiveUntil),
		r.Confidence, r.ApprovedBy, fmtTimePtr(r.ApprovedAt), fmtTimePtr(r.RevokedAt),
		r.RevokedReason, string(r.GraphStatus), exceptions, notes,
		fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert rule %s: %w", r.ID, err)
	}
	return nil
}

// UpdateRule rewrites every mutable column of an existing rule.
func (db *DB) UpdateRule(ctx context.Context, r *rule.Rule) error {
	exceptions, err := jsonText(r.Exceptions)
	if err != nil {
		return fmt.Errorf("store: encode exceptions for rule %s: %w", r.ID, err)
	}
	notes, err := jsonText(r.Notes)
	if err != nil {
		return fmt.Errorf("store: encode notes for rule %s: %w", r.ID, err)
	}

	query := db.rebind(`UPDATE rules SET
		concept_slug = ?, status = ?, risk_tier = ?, authority = ?, source_hierarchy = ?,
		source = ?, value = ?, value_type = ?, applies_when = ?,
		effective_from = ?, effective_until = ?, confidence = ?,
		approved_by = ?, approved_at = ?, revoked_at = ?, revoked_reason = ?,
		graph_status = ?, exceptions = ?, notes = ?, updated_at = ?
		WHERE id = ?`)
	res, err := db.q(ctx).ExecContext(ctx, query,
		r.ConceptSlug, string(r.Status), string(r.RiskTier), string(r.Authority),
		r.SourceHierarchy, r.Source, r.Value, string(r.ValueType), r.AppliesWhen,
		fmtTime(r.EffectiveFrom), fmtTimePtr(r.EffectiveUntil), r.Confidence,
		r.ApprovedBy, fmtTimePtr(r.ApprovedAt), fmtTimePtr(r.RevokedAt), r.RevokedReason,
		string(r.GraphStatus), exceptions, notes, fmtTime(r.UpdatedAt),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update rule %s: %w", r.ID, err)
	}
	return requireRow(res, r.ID)
}

// GetRule loads one rule by id.
func (db *DB) GetRule(ctx context.Context, id string) (*rule.Rule, error) {
	query := db.rebind(`SELECT ` + ruleColumns + ` FROM rules WHERE id = ?`)
	r, err := scanRule(db.q(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get rule %s: %w", id, err)
	}
	return r, nil
}

// RulesByIDs loads the named rules ordered by id. Missing ids are simply
// absent from the result; callers that need all of them compare lengths.
func (db *DB) RulesByIDs(ctx context.Context, ids []string) ([]*rule.Rule, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := db.rebind(`SELECT ` + ruleColumns + ` FROM rules
		WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY id`)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return db.queryRules(ctx, query, args...)
}

// RulesByStatus loads every rule in the given lifecycle status, oldest
// first.
func (db *DB) RulesByStatus(ctx context.Context, status rule.Status) ([]*rule.Rule, error) {
	query := db.rebind(`SELECT ` + ruleColumns + ` FROM rules
		WHERE status = ? ORDER BY created_at, id`)
	return db.queryRules(ctx, query, string(status))
}

// PublishedRulesByConcept loads the published, non-revoked rules for a
// concept ordered by effective_from. The reference-graph builder derives
// SUPERSEDES edges from this ordering.
func (db *DB) PublishedRulesByConcept(ctx context.Context, conceptSlug string) ([]*rule.Rule, error) {
	query := db.rebind(`SELECT ` + ruleColumns + ` FROM rules
		WHERE concept_slug = ? AND status = ? AND revoked_at IS NULL
		ORDER BY effective_from, created_at, id`)
	return db.queryRules(ctx, query, conceptSlug, string(rule.StatusPublished))
}

// SetRuleGraphStatus updates only the graph status column. The updated_at
// bump doubles as the staleness clock for the stuck-rule sweep.
func (db *DB) SetRuleGraphStatus(ctx context.Context, id string, gs rule.GraphStatus, at time.Time) error {
	query := db.rebind(`UPDATE rules SET graph_status = ?, updated_at = ? WHERE id = ?`)
	res, err := db.q(ctx).ExecContext(ctx, query, string(gs), fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("store: set graph status for rule %s: %w", id, err)
	}
	return requireRow(res, id)
}

// StuckGraphRules lists published rules whose reference edges have not
// reached CURRENT and were last touched before the cutoff, oldest first.
func (db *DB) StuckGraphRules(ctx context.Context, olderThan time.Time, limit int) ([]*rule.Rule, error) {
	query := db.rebind(`SELECT ` + ruleColumns + ` FROM rules
		WHERE graph_status IN (?, ?) AND status = ? AND revoked_at IS NULL AND updated_at < ?
		ORDER BY updated_at, id LIMIT ?`)
	return db.queryRules(ctx, query,
		string(rule.GraphPending), string(rule.GraphStale),
		string(rule.StatusPublished), fmtTime(olderThan), limit)
}

func (db *DB) queryRules(ctx context.Context, query string, args ...any) ([]*rule.Rule, error) {
	rows, err := db.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*rule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan rule: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(sc rowScanner) (*rule.Rule, error) {
	var (
		r               rule.Rule
		status          string
		tier            string
		authority       string
		valueType       string
		effectiveFrom   string
		effectiveUntil  sql.NullString
		approvedAt      sql.NullString
		revokedAt       sql.NullString
		graphStatus     string
		exceptionsJSON  string
		notesJSON       string
		createdAt       string
		updatedAt       string
	)
	err := sc.Scan(
		&r.ID, &r.ConceptSlug, &status, &tier, &authority, &r.SourceHierarchy,
		&r.Source, &r.Value, &valueType, &r.AppliesWhen, &effectiveFrom, &effectiveUntil,
		&r.Confidence, &r.ApprovedBy, &approvedAt, &revokedAt, &r.RevokedReason,
		&graphStatus, &exceptionsJSON, &notesJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = rule.Status(status)
	r.RiskTier = rule.RiskTier(tier)
	r.Authority = rule.AuthorityLevel(authority)
	r.ValueType = rule.ValueType(valueType)
	r.GraphStatus = rule.GraphStatus(graphStatus)
	r.EffectiveFrom = parseTime(effectiveFrom)
	r.EffectiveUntil = parseTimePtr(effectiveUntil)
	r.ApprovedAt = parseTimePtr(approvedAt)
	r.RevokedAt = parseTimePtr(revokedAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)

	if exceptionsJSON != "" {
		if err := json.Unmarshal([]byte(exceptionsJSON), &r.Exceptions); err != nil {
			return nil, fmt.Errorf("corrupt exceptions for rule %s: %w", r.ID, err)
		}
	}
	if notesJSON != "" {
		if err := json.Unmarshal([]byte(notesJSON), &r.Notes); err != nil {
			return nil, fmt.Errorf("corrupt notes for rule %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: %s: %w", id, ErrNotFound)
	}
	return nil
}

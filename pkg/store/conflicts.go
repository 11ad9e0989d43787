package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lexfabric/canon/pkg/rule"
)

const conflictColumns = `id, conflict_type, status, concept_slug, rule_a_id, rule_b_id,
	pointer_ids, summary, resolution, requires_human_review, created_at, updated_at`

// InsertConflict stores a newly detected conflict.
func (db *DB) InsertConflict(ctx context.Context, c *rule.Conflict) error {
	pointerIDs, err := jsonText(c.PointerIDs)
	if err != nil {
		return fmt.Errorf("store: encode pointer ids for conflict %s: %w", c.ID, err)
	}
	resolution, err := resolutionText(c.Resolution)
	if err != nil {
		return fmt.Errorf("store: encode resolution for conflict %s: %w", c.ID, err)
	}

	query := db.rebind(`INSERT INTO conflicts (` + conflictColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = db.q(ctx).ExecContext(ctx, query,
		c.ID, string(c.Type), string(c.Status), c.ConceptSlug, c.RuleAID, c.RuleBID,
		pointerIDs, c.Summary, resolution, boolToInt(c.RequiresHumanReview),
		fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert conflict %s: %w", c.ID, err)
	}
	return nil
}

// UpdateConflict rewrites a conflict's mutable columns: status, summary,
// resolution payload and the human-review flag.
func (db *DB) UpdateConflict(ctx context.Context, c *rule.Conflict) error {
	resolution, err := resolutionText(c.Resolution)
	if err != nil {
		return fmt.Errorf("store: encode resolution for conflict %s: %w", c.ID, err)
	}

	query := db.rebind(`UPDATE conflicts
		SET status = ?, summary = ?, resolution = ?, requires_human_review = ?, updated_at = ?
		WHERE id = ?`)
	res, err := db.q(ctx).ExecContext(ctx, query,
		string(c.Status), c.Summary, resolution, boolToInt(c.RequiresHumanReview),
		fmtTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update conflict %s: %w", c.ID, err)
	}
	return requireRow(res, c.ID)
}

// GetConflict loads one conflict by id.
func (db *DB) GetConflict(ctx context.Context, id string) (*rule.Conflict, error) {
	query := db.rebind(`SELECT ` + conflictColumns + ` FROM conflicts WHERE id = ?`)
	c, err := scanConflict(db.q(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get conflict %s: %w", id, err)
	}
	return c, nil
}

// OpenConflictsInvolving lists the open conflicts that name the rule on
// either side. Publication gates on this being empty.
func (db *DB) OpenConflictsInvolving(ctx context.Context, ruleID string) ([]rule.Conflict, error) {
	query := db.rebind(`SELECT ` + conflictColumns + ` FROM conflicts
		WHERE status = ? AND (rule_a_id = ? OR rule_b_id = ?)
		ORDER BY created_at, id`)
	return db.queryConflicts(ctx, query, string(rule.ConflictOpen), ruleID, ruleID)
}

// OpenConflicts lists open conflicts oldest first, bounded by limit. The
// resolution sweep works through this queue.
func (db *DB) OpenConflicts(ctx context.Context, limit int) ([]rule.Conflict, error) {
	query := db.rebind(`SELECT ` + conflictColumns + ` FROM conflicts
		WHERE status = ? ORDER BY created_at, id LIMIT ?`)
	return db.queryConflicts(ctx, query, string(rule.ConflictOpen), limit)
}

// EscalatedConflicts lists conflicts waiting on a human verdict, oldest
// first, bounded by limit.
func (db *DB) EscalatedConflicts(ctx context.Context, limit int) ([]rule.Conflict, error) {
	query := db.rebind(`SELECT ` + conflictColumns + ` FROM conflicts
		WHERE status = ? ORDER BY created_at, id LIMIT ?`)
	return db.queryConflicts(ctx, query, string(rule.ConflictEscalated), limit)
}

func (db *DB) queryConflicts(ctx context.Context, query string, args ...any) ([]rule.Conflict, error) {
	rows, err := db.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []rule.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan conflict: %w", err)
		}
		result = append(result, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanConflict(sc rowScanner) (*rule.Conflict, error) {
	var (
		c              rule.Conflict
		conflictType   string
		status         string
		pointerIDs     string
		resolution     sql.NullString
		requiresReview int
		createdAt      string
		updatedAt      string
	)
	err := sc.Scan(
		&c.ID, &conflictType, &status, &c.ConceptSlug, &c.RuleAID, &c.RuleBID,
		&pointerIDs, &c.Summary, &resolution, &requiresReview, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Type = rule.ConflictType(conflictType)
	c.Status = rule.ConflictStatus(status)
	c.RequiresHumanReview = requiresReview != 0
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)

	if pointerIDs != "" {
		if err := json.Unmarshal([]byte(pointerIDs), &c.PointerIDs); err != nil {
			return nil, fmt.Errorf("corrupt pointer ids for conflict %s: %w", c.ID, err)
		}
	}
	if resolution.Valid && resolution.String != "" {
		var res rule.Resolution
		if err := json.Unmarshal([]byte(resolution.String), &res); err != nil {
			return nil, fmt.Errorf("corrupt resolution for conflict %s: %w", c.ID, err)
		}
		c.Resolution = &res
	}
	return &c, nil
}

func resolutionText(r *rule.Resolution) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

const resolutionColumns = `id, conflict_id, concept_slug, conflict_type, strategy, method,
	verdict, winner_id, loser_id, confidence, recommendation_only, reason, created_at`

// AppendResolution writes one immutable resolution record. Records are
// never updated or deleted; they are the precedent matcher's history.
func (db *DB) AppendResolution(ctx context.Context, rec rule.ResolutionRecord) error {
	query := db.rebind(`INSERT INTO conflict_resolutions (` + resolutionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := db.q(ctx).ExecContext(ctx, query,
		rec.ID, rec.ConflictID, rec.ConceptSlug, string(rec.ConflictType),
		rec.Strategy, string(rec.Method), string(rec.Verdict),
		rec.WinnerID, rec.LoserID, rec.Confidence,
		boolToInt(rec.RecommendationOnly), rec.Reason, fmtTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: append resolution %s: %w", rec.ID, err)
	}
	return nil
}

// ResolutionsByConcept loads the resolution history for one concept and
// conflict type, oldest first.
func (db *DB) ResolutionsByConcept(ctx context.Context, conceptSlug string, ct rule.ConflictType) ([]rule.ResolutionRecord, error) {
	query := db.rebind(`SELECT ` + resolutionColumns + ` FROM conflict_resolutions
		WHERE concept_slug = ? AND conflict_type = ? ORDER BY created_at, id`)
	rows, err := db.q(ctx).QueryContext(ctx, query, conceptSlug, string(ct))
	if err != nil {
		return nil, fmt.Errorf("store: resolutions for concept %s: %w", conceptSlug, err)
	}
	defer func() { _ = rows.Close() }()

	var result []rule.ResolutionRecord
	for rows.Next() {
		var (
			rec          rule.ResolutionRecord
			conflictType string
			method       string
			verdict      string
			recOnly      int
			createdAt    string
		)
		err := rows.Scan(
			&rec.ID, &rec.ConflictID, &rec.ConceptSlug, &conflictType, &rec.Strategy,
			&method, &verdict, &rec.WinnerID, &rec.LoserID, &rec.Confidence,
			&recOnly, &rec.Reason, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scan resolution: %w", err)
		}
		rec.ConflictType = rule.ConflictType(conflictType)
		rec.Method = rule.ResolutionMethod(method)
		rec.Verdict = rule.Verdict(verdict)
		rec.RecommendationOnly = recOnly != 0
		rec.CreatedAt = parseTime(createdAt)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lexfabric/canon/pkg/rule"
)

const pointerColumns = `id, rule_id, evidence_id, exact_quote, value, confidence,
	match_type, match_start, match_end, validated_at`

// InsertPointer stores a new source pointer.
func (db *DB) InsertPointer(ctx context.Context, p *rule.SourcePointer) error {
	query := db.rebind(`INSERT INTO source_pointers (` + pointerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := db.q(ctx).ExecContext(ctx, query,
		p.ID, p.RuleID, p.EvidenceID, p.ExactQuote, p.Value, p.Confidence,
		string(p.MatchType), p.MatchStart, p.MatchEnd, fmtTimePtr(p.ValidatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert pointer %s: %w", p.ID, err)
	}
	return nil
}

// GetPointer loads one source pointer by id.
func (db *DB) GetPointer(ctx context.Context, id string) (*rule.SourcePointer, error) {
	query := db.rebind(`SELECT ` + pointerColumns + ` FROM source_pointers WHERE id = ?`)
	p, err := scanPointer(db.q(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get pointer %s: %w", id, err)
	}
	return p, nil
}

// PointersByRule loads every source pointer attached to a rule.
func (db *DB) PointersByRule(ctx context.Context, ruleID string) ([]rule.SourcePointer, error) {
	query := db.rebind(`SELECT ` + pointerColumns + ` FROM source_pointers
		WHERE rule_id = ? ORDER BY id`)
	rows, err := db.q(ctx).QueryContext(ctx, query, ruleID)
	if err != nil {
		return nil, fmt.Errorf("store: pointers for rule %s: %w", ruleID, err)
	}
	defer func() { _ = rows.Close() }()

	var result []rule.SourcePointer
	for rows.Next() {
		p, err := scanPointer(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan pointer: %w", err)
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// RecordPointerMatch persists the provenance validation outcome for a
// pointer. Failed matches are written too, so audits can tell "verified
// absent" apart from "never checked".
func (db *DB) RecordPointerMatch(ctx context.Context, p *rule.SourcePointer) error {
	query := db.rebind(`UPDATE source_pointers
		SET match_type = ?, match_start = ?, match_end = ?, validated_at = ?
		WHERE id = ?`)
	res, err := db.q(ctx).ExecContext(ctx, query,
		string(p.MatchType), p.MatchStart, p.MatchEnd, fmtTimePtr(p.ValidatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("store: record match for pointer %s: %w", p.ID, err)
	}
	return requireRow(res, p.ID)
}

func scanPointer(sc rowScanner) (*rule.SourcePointer, error) {
	var (
		p           rule.SourcePointer
		matchType   string
		validatedAt sql.NullString
	)
	err := sc.Scan(
		&p.ID, &p.RuleID, &p.EvidenceID, &p.ExactQuote, &p.Value, &p.Confidence,
		&matchType, &p.MatchStart, &p.MatchEnd, &validatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.MatchType = rule.MatchType(matchType)
	p.ValidatedAt = parseTimePtr(validatedAt)
	return &p, nil
}

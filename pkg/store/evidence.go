package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutEvidence inserts one immutable evidence document. Documents are
// content addressed, so re-inserting an existing id is a no-op rather
// than an error.
func (db *DB) PutEvidence(ctx context.Context, id, body string, storedAt time.Time) error {
	query := db.rebind(`INSERT INTO evidence (id, body, stored_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	if _, err := db.q(ctx).ExecContext(ctx, query, id, body, fmtTime(storedAt)); err != nil {
		return fmt.Errorf("store: put evidence %s: %w", id, err)
	}
	return nil
}

// GetEvidence loads one evidence document.
func (db *DB) GetEvidence(ctx context.Context, id string) (string, time.Time, error) {
	query := db.rebind(`SELECT body, stored_at FROM evidence WHERE id = ?`)
	var body, storedAt string
	err := db.q(ctx).QueryRowContext(ctx, query, id).Scan(&body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, ErrNotFound
		}
		return "", time.Time{}, fmt.Errorf("store: get evidence %s: %w", id, err)
	}
	return body, parseTime(storedAt), nil
}

// EvidenceExists reports whether a document id is stored.
func (db *DB) EvidenceExists(ctx context.Context, id string) (bool, error) {
	query := db.rebind(`SELECT 1 FROM evidence WHERE id = ?`)
	var one int
	err := db.q(ctx).QueryRowContext(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: evidence exists %s: %w", id, err)
	}
	return true, nil
}

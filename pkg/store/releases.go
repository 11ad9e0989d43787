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

const releaseColumns = `id, version, release_type, content_hash, signature, counters,
	created_by, created_at`

// InsertRelease stores the release row and its rule membership. Callers
// run it inside WithinTx together with the lifecycle updates of the
// published batch.
func (db *DB) InsertRelease(ctx context.Context, rel *rule.Release) error {
	counters, err := jsonText(rel.Counters)
	if err != nil {
		return fmt.Errorf("store: encode counters for release %s: %w", rel.ID, err)
	}

	query := db.rebind(`INSERT INTO releases (` + releaseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = db.q(ctx).ExecContext(ctx, query,
		rel.ID, rel.Version, string(rel.ReleaseType), rel.ContentHash, rel.Signature,
		counters, rel.CreatedBy, fmtTime(rel.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert release %s: %w", rel.ID, err)
	}

	member := db.rebind(`INSERT INTO release_rules (release_id, rule_id) VALUES (?, ?)`)
	for _, ruleID := range rel.RuleIDs {
		if _, err := db.q(ctx).ExecContext(ctx, member, rel.ID, ruleID); err != nil {
			return fmt.Errorf("store: insert release member %s/%s: %w", rel.ID, ruleID, err)
		}
	}
	return nil
}

// GetRelease loads one release with its membership.
func (db *DB) GetRelease(ctx context.Context, id string) (*rule.Release, error) {
	query := db.rebind(`SELECT ` + releaseColumns + ` FROM releases WHERE id = ?`)
	return db.loadRelease(ctx, query, id)
}

// LatestRelease returns the most recent release, or ErrNotFound when no
// release has been published yet.
func (db *DB) LatestRelease(ctx context.Context) (*rule.Release, error) {
	query := db.rebind(`SELECT ` + releaseColumns + ` FROM releases
		ORDER BY created_at DESC, id DESC LIMIT 1`)
	return db.loadRelease(ctx, query)
}

// ReleaseBefore returns the newest release created strictly before the
// given instant. Rollback uses it to decide which reverted rules were
// also members of the preceding release.
func (db *DB) ReleaseBefore(ctx context.Context, at time.Time) (*rule.Release, error) {
	query := db.rebind(`SELECT ` + releaseColumns + ` FROM releases
		WHERE created_at < ? ORDER BY created_at DESC, id DESC LIMIT 1`)
	return db.loadRelease(ctx, query, fmtTime(at))
}

// DisconnectReleaseRule removes one rule from a release's membership.
// Rollback never deletes the release row itself.
func (db *DB) DisconnectReleaseRule(ctx context.Context, releaseID, ruleID string) error {
	query := db.rebind(`DELETE FROM release_rules WHERE release_id = ? AND rule_id = ?`)
	if _, err := db.q(ctx).ExecContext(ctx, query, releaseID, ruleID); err != nil {
		return fmt.Errorf("store: disconnect rule %s from release %s: %w", ruleID, releaseID, err)
	}
	return nil
}

func (db *DB) loadRelease(ctx context.Context, query string, args ...any) (*rule.Release, error) {
	var (
		rel         rule.Release
		releaseType string
		counters    string
		createdAt   string
	)
	err := db.q(ctx).QueryRowContext(ctx, query, args...).Scan(
		&rel.ID, &rel.Version, &releaseType, &rel.ContentHash, &rel.Signature,
		&counters, &rel.CreatedBy, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: load release: %w", err)
	}
	rel.ReleaseType = rule.ReleaseType(releaseType)
	rel.CreatedAt = parseTime(createdAt)
	if counters != "" {
		if err := json.Unmarshal([]byte(counters), &rel.Counters); err != nil {
			return nil, fmt.Errorf("corrupt counters for release %s: %w", rel.ID, err)
		}
	}

	members := db.rebind(`SELECT rule_id FROM release_rules WHERE release_id = ? ORDER BY rule_id`)
	rows, err := db.q(ctx).QueryContext(ctx, members, rel.ID)
	if err != nil {
		return nil, fmt.Errorf("store: release members for %s: %w", rel.ID, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var ruleID string
		if err := rows.Scan(&ruleID); err != nil {
			return nil, fmt.Errorf("store: scan release member: %w", err)
		}
		rel.RuleIDs = append(rel.RuleIDs, ruleID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &rel, nil
}

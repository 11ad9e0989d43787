package store

import (
	"context"
	"fmt"

	"github.com/lexfabric/canon/pkg/rule"
)

const edgeColumns = `id, from_rule_id, to_rule_id, kind, created_at`

// ReplaceEdges rewrites every outgoing edge of one rule. The graph
// builder recomputes a rule's edges wholesale, so the old set is dropped
// first. Callers run it inside WithinTx.
func (db *DB) ReplaceEdges(ctx context.Context, fromRuleID string, edges []rule.GraphEdge) error {
	del := db.rebind(`DELETE FROM graph_edges WHERE from_rule_id = ?`)
	if _, err := db.q(ctx).ExecContext(ctx, del, fromRuleID); err != nil {
		return fmt.Errorf("store: clear edges for rule %s: %w", fromRuleID, err)
	}

	ins := db.rebind(`INSERT INTO graph_edges (` + edgeColumns + `) VALUES (?, ?, ?, ?, ?)`)
	for _, e := range edges {
		if e.FromRuleID != fromRuleID {
			return fmt.Errorf("store: edge %s is from rule %s, not %s", e.ID, e.FromRuleID, fromRuleID)
		}
		_, err := db.q(ctx).ExecContext(ctx, ins,
			e.ID, e.FromRuleID, e.ToRuleID, string(e.Kind), fmtTime(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("store: insert edge %s: %w", e.ID, err)
		}
	}
	return nil
}

// EdgesFrom lists a rule's outgoing edges.
func (db *DB) EdgesFrom(ctx context.Context, ruleID string) ([]rule.GraphEdge, error) {
	query := db.rebind(`SELECT ` + edgeColumns + ` FROM graph_edges
		WHERE from_rule_id = ? ORDER BY kind, to_rule_id`)
	return db.queryEdges(ctx, query, ruleID)
}

// EdgesTo lists a rule's incoming edges.
func (db *DB) EdgesTo(ctx context.Context, ruleID string) ([]rule.GraphEdge, error) {
	query := db.rebind(`SELECT ` + edgeColumns + ` FROM graph_edges
		WHERE to_rule_id = ? ORDER BY kind, from_rule_id`)
	return db.queryEdges(ctx, query, ruleID)
}

// AllEdges loads the whole reference graph. The cycle check walks this
// snapshot instead of issuing one query per node.
func (db *DB) AllEdges(ctx context.Context) ([]rule.GraphEdge, error) {
	query := `SELECT ` + edgeColumns + ` FROM graph_edges ORDER BY from_rule_id, kind, to_rule_id`
	return db.queryEdges(ctx, query)
}

// DeleteEdgesForRule removes every edge touching the rule in either
// direction. Rollback uses it to disconnect reverted rules.
func (db *DB) DeleteEdgesForRule(ctx context.Context, ruleID string) error {
	query := db.rebind(`DELETE FROM graph_edges WHERE from_rule_id = ? OR to_rule_id = ?`)
	if _, err := db.q(ctx).ExecContext(ctx, query, ruleID, ruleID); err != nil {
		return fmt.Errorf("store: delete edges for rule %s: %w", ruleID, err)
	}
	return nil
}

func (db *DB) queryEdges(ctx context.Context, query string, args ...any) ([]rule.GraphEdge, error) {
	rows, err := db.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []rule.GraphEdge
	for rows.Next() {
		var (
			e         rule.GraphEdge
			kind      string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.FromRuleID, &e.ToRuleID, &kind, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan edge: %w", err)
		}
		e.Kind = rule.EdgeKind(kind)
		e.CreatedAt = parseTime(createdAt)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

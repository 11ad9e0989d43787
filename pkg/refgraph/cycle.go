package refgraph

import "github.com/lexfabric/canon/pkg/rule"

// CycleDetector answers reachability questions over a snapshot of the
// reference graph. It is not safe for concurrent use; the builder holds
// one per rebuild, seeded inside the rebuild transaction.
type CycleDetector struct {
	adjacency map[string][]string
}

// NewCycleDetector indexes the given edges by source rule.
func NewCycleDetector(edges []rule.GraphEdge) *CycleDetector {
	d := &CycleDetector{adjacency: make(map[string][]string, len(edges))}
	for _, e := range edges {
		d.adjacency[e.FromRuleID] = append(d.adjacency[e.FromRuleID], e.ToRuleID)
	}
	return d
}

// Add records an accepted edge so later candidates in the same rebuild
// see it.
func (d *CycleDetector) Add(from, to string) {
	d.adjacency[from] = append(d.adjacency[from], to)
}

// WouldCycle reports whether adding from -> to closes a cycle, i.e.
// whether `from` is already reachable from `to`. Self references count.
func (d *CycleDetector) WouldCycle(from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]struct{}{to: {}}
	stack := []string{to}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range d.adjacency[n] {
			if next == from {
				return true
			}
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return false
}

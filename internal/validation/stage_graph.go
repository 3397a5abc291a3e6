// Package validation checks pipeline stage graphs before they are run.
package validation

import (
	"errors"
	"fmt"
	"strings"
)

// Node is the minimal information needed to validate a dependency graph.
type Node struct {
	ID        string
	DependsOn []string
}

// GraphResult contains the result of graph analysis
type GraphResult struct {
	HasCycle   bool
	CyclePath  []string // IDs involved in the cycle (if found)
	Order      []string // Topological order, stable with respect to declaration order
	Unknown    []string // "stage -> dependency" pairs naming undeclared stages
	Duplicates []string
}

// AnalyzeGraph runs Kahn's algorithm over nodes. Ties are broken by
// declaration order so Order is deterministic. Unknown dependencies and
// self-dependencies are reported and otherwise ignored.
func AnalyzeGraph(nodes []Node) GraphResult {
	res := GraphResult{Order: []string{}}
	if len(nodes) == 0 {
		return res
	}

	position := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if _, dup := position[n.ID]; dup {
			res.Duplicates = append(res.Duplicates, n.ID)
			continue
		}
		position[n.ID] = i
	}

	inDegree := make(map[string]int, len(position))
	dependents := make(map[string][]string, len(position))
	seen := make(map[string]bool, len(position))
	var unique []Node
	for _, n := range nodes {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		unique = append(unique, n)
		inDegree[n.ID] = 0
	}
	for _, n := range unique {
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				res.Unknown = append(res.Unknown, n.ID+" -> "+dep)
				continue
			}
			if _, ok := position[dep]; !ok {
				res.Unknown = append(res.Unknown, n.ID+" -> "+dep)
				continue
			}
			dependents[dep] = append(dependents[dep], n.ID)
			inDegree[n.ID]++
		}
	}

	var queue []string
	for _, n := range unique {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		res.Order = append(res.Order, current)
		for _, d := range dependents[current] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if len(res.Order) == len(position) {
		return res
	}

	var cycleNodes []string
	for _, n := range unique {
		if inDegree[n.ID] > 0 {
			cycleNodes = append(cycleNodes, n.ID)
		}
	}
	res.HasCycle = true
	res.CyclePath = findCyclePath(dependents, cycleNodes)
	return res
}

// findCyclePath walks the remaining nodes depth first until it revisits one.
func findCyclePath(dependents map[string][]string, cycleNodes []string) []string {
	inCycle := make(map[string]bool, len(cycleNodes))
	for _, n := range cycleNodes {
		inCycle[n] = true
	}

	var dfs func(node string, path []string, onPath map[string]bool) []string
	dfs = func(node string, path []string, onPath map[string]bool) []string {
		if onPath[node] {
			for i, n := range path {
				if n == node {
					return append(append([]string{}, path[i:]...), node)
				}
			}
			return nil
		}
		onPath[node] = true
		path = append(path, node)
		for _, next := range dependents[node] {
			if !inCycle[next] {
				continue
			}
			if found := dfs(next, path, onPath); found != nil {
				return found
			}
		}
		delete(onPath, node)
		return nil
	}

	for _, start := range cycleNodes {
		if found := dfs(start, nil, map[string]bool{}); len(found) > 1 {
			return found
		}
	}
	return cycleNodes
}

// ValidateGraph returns an error describing every structural problem of nodes.
func ValidateGraph(nodes []Node) error {
	res := AnalyzeGraph(nodes)
	var errs []error
	if len(res.Duplicates) > 0 {
		errs = append(errs, fmt.Errorf("duplicate stage names: %s", strings.Join(res.Duplicates, ", ")))
	}
	if len(res.Unknown) > 0 {
		errs = append(errs, fmt.Errorf("invalid dependencies: %s", strings.Join(res.Unknown, ", ")))
	}
	if res.HasCycle {
		errs = append(errs, fmt.Errorf("circular dependency detected involving stages: %s", strings.Join(res.CyclePath, " -> ")))
	}
	return errors.Join(errs...)
}

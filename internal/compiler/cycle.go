package compiler

import (
	"slices"
	"strings"

	"github.com/roach88/kindstore/internal/schema"
)

// inheritanceGraph maps kind name → super kinds defined in the same batch.
// Super kinds defined elsewhere (already in a repository) are not nodes.
type inheritanceGraph map[string][]string

// OrderKinds returns defs ordered so every super kind precedes the kinds that
// extend it, keeping the given order where inheritance allows.
//
// The algorithm:
//  1. Build kind → super kind graph from superKinds lists
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 or a self-loop as an inheritance cycle
//
// Tarjan emits an SCC only after every SCC it reaches, so on an acyclic
// graph the emission order already puts super kinds first.
func OrderKinds(defs []schema.Definition) ([]schema.Definition, error) {
	byName := make(map[string]schema.Definition, len(defs))
	var names []string
	for _, d := range defs {
		if _, dup := byName[d.Name]; dup {
			return nil, &CompileError{Field: "kind." + d.Name, Message: "kind defined twice"}
		}
		byName[d.Name] = d
		names = append(names, d.Name)
	}

	graph := make(inheritanceGraph, len(defs))
	for _, d := range defs {
		graph[d.Name] = []string{}
		for _, s := range d.SuperKinds {
			if _, ok := byName[s]; ok {
				graph[d.Name] = append(graph[d.Name], s)
			}
		}
	}

	sccs := tarjanSCC(graph, names)
	var cycles []string
	for _, scc := range sccs {
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			cycles = append(cycles, strings.Join(reconstructCyclePath(scc, graph), " → "))
		}
	}
	if len(cycles) > 0 {
		return nil, &CompileError{
			Field:   "superKinds",
			Message: "inheritance cycle: " + strings.Join(cycles, "; "),
		}
	}

	out := make([]schema.Definition, 0, len(defs))
	for _, scc := range sccs {
		out = append(out, byName[scc[0]])
	}
	return out, nil
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph inheritanceGraph) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm,
// visiting roots in the given order.
//
// Returns a list of SCCs, where each SCC is a list of kind names.
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(graph inheritanceGraph, order []string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		// Set the depth index for v
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		// Consider successors of v
		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				// Successor w has not yet been visited; recurse on it
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				// Successor w is on stack and hence in the current SCC
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// If v is a root node, pop the stack and create an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// reconstructCyclePath builds a cycle path from an SCC.
//
// Strategy: Start at the SCC root (popped last), follow edges to other SCC members,
// continue until we return to start node.
func reconstructCyclePath(scc []string, graph inheritanceGraph) []string {
	if len(scc) == 1 {
		return []string{scc[0], scc[0]}
	}

	sccSet := make(map[string]bool)
	for _, node := range scc {
		sccSet[node] = true
	}

	start := scc[len(scc)-1]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	// Follow edges within SCC until we return to start
	for {
		visited[current] = true

		var next string
		for _, neighbor := range graph[current] {
			if sccSet[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}

		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}

	return path
}

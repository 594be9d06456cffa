// Package topo implements a topological sorter: orders a set of table
// names so every parent precedes its children, using the
// catalog's parent links. Sibling ties break lexicographically so the
// ordering is stable and population joins are deterministic.
package topo

import (
	"fmt"
	"sort"

	"github.com/panos-span/alexandria3k/internal/catalog"
)

// Sort returns tables ordered parent-before-child. It fails if any name
// is not in the catalog.
func Sort(tables map[string]bool) ([]string, error) {
	for name := range tables {
		if _, ok := catalog.Lookup(name); !ok {
			return nil, fmt.Errorf("topo: unknown table %q", name)
		}
	}

	children := make(map[string][]string) // parent -> direct children present in `tables`
	indegree := make(map[string]int)
	for name := range tables {
		indegree[name] = 0
	}
	for name := range tables {
		t := catalog.MustLookup(name)
		if t.Parent != "" && tables[t.Parent] {
			children[t.Parent] = append(children[t.Parent], name)
			indegree[name]++
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		next := append([]string{}, children[n]...)
		sort.Strings(next)
		for _, c := range next {
			indegree[c]--
			if indegree[c] == 0 {
				ready = insertSorted(ready, c)
			}
		}
	}

	if len(order) != len(tables) {
		return nil, fmt.Errorf("topo: cycle detected among %v", tables)
	}
	return order, nil
}

func insertSorted(ready []string, name string) []string {
	i := sort.SearchStrings(ready, name)
	ready = append(ready, "")
	copy(ready[i+1:], ready[i:])
	ready[i] = name
	return ready
}

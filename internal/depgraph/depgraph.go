package depgraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/slotwise/slotwise-migrate/internal/schema"
)

// CyclicDependencyError is returned when the foreign-key graph contains a
// cycle. Cycles are never broken automatically; they have to be resolved at
// the schema level.
type CyclicDependencyError struct {
	Tables []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic foreign-key dependency involving tables: %s", strings.Join(e.Tables, ", "))
}

// Order computes a topological load order over the given tables using
// Kahn's algorithm. Every table appears after all tables it references via
// foreign keys. Tables with no ordering constraint between them are emitted
// alphabetically so the plan is reproducible across runs.
//
// Self-referencing foreign keys (e.g. staff.manager_id -> staff.id) impose
// no ordering and are ignored. Foreign keys pointing at tables outside the
// given set are ignored as well; the filter already excluded them.
func Order(tables []schema.Table) ([]string, error) {
	inSet := make(map[string]bool, len(tables))
	for _, t := range tables {
		inSet[t.Name] = true
	}

	// parents[child] = set of referenced tables that must load first
	parents := make(map[string]map[string]bool, len(tables))
	children := make(map[string][]string, len(tables))
	for _, t := range tables {
		if parents[t.Name] == nil {
			parents[t.Name] = make(map[string]bool)
		}
		for _, fk := range t.ForeignKeys {
			if fk.ReferencedTable == t.Name || !inSet[fk.ReferencedTable] {
				continue
			}
			if !parents[t.Name][fk.ReferencedTable] {
				parents[t.Name][fk.ReferencedTable] = true
				children[fk.ReferencedTable] = append(children[fk.ReferencedTable], t.Name)
			}
		}
	}

	var ready []string
	for name, deps := range parents {
		if len(deps) == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(tables))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		var unblocked []string
		for _, child := range children[name] {
			delete(parents[child], name)
			if len(parents[child]) == 0 {
				unblocked = append(unblocked, child)
			}
		}
		// Merge newly unblocked tables keeping the ready set sorted.
		if len(unblocked) > 0 {
			ready = append(ready, unblocked...)
			sort.Strings(ready)
		}
	}

	if len(order) < len(tables) {
		var cyclic []string
		for name, deps := range parents {
			if len(deps) > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, &CyclicDependencyError{Tables: cyclic}
	}

	return order, nil
}

// Parents returns, for each table, the set of tables it references via
// foreign keys (restricted to the given set, self-references excluded).
// The scheduler uses this to gate a table on its parents reaching loaded.
func Parents(tables []schema.Table) map[string][]string {
	inSet := make(map[string]bool, len(tables))
	for _, t := range tables {
		inSet[t.Name] = true
	}

	result := make(map[string][]string, len(tables))
	for _, t := range tables {
		seen := make(map[string]bool)
		var deps []string
		for _, fk := range t.ForeignKeys {
			if fk.ReferencedTable == t.Name || !inSet[fk.ReferencedTable] || seen[fk.ReferencedTable] {
				continue
			}
			seen[fk.ReferencedTable] = true
			deps = append(deps, fk.ReferencedTable)
		}
		sort.Strings(deps)
		result[t.Name] = deps
	}
	return result
}

// Independent reports whether neither table depends on the other, directly
// or transitively. Independent tables may load in either order.
func Independent(tables []schema.Table, a, b string) bool {
	parents := Parents(tables)
	return !reaches(parents, a, b) && !reaches(parents, b, a)
}

func reaches(parents map[string][]string, from, to string) bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, p := range parents[name] {
			if p == to {
				return true
			}
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return false
}

// Package graph assembles module records and their import edges into a
// dependency graph rooted at the named entry points.
//
// Import cycles are allowed. They are detected and reported, and ordering
// breaks them with a visited set, so a cycle never stops a build.
package graph

import (
	"fmt"
	"sort"
	"sync"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/resolve"
	"github.com/conneroisu/assetpipe/internal/transform"
)

// Entry is a named root of the graph.
type Entry struct {
	Name string
	ID   string
}

// Graph is an immutable view of the reachable modules.
type Graph struct {
	// Entries are sorted by name.
	Entries []Entry
	// Modules holds every module reachable from an entry.
	Modules map[string]*transform.ModuleRecord
	// Edges maps an importer to the ids it imports, in import order.
	Edges map[string][]string
	// Resolved maps an importer and a specifier as written to a module id.
	Resolved map[string]map[string]string
	// Order is the depth first post-order from the entries: every module
	// comes after the modules it imports, except across a cycle.
	Order []string
	// Dead lists known modules no entry reaches.
	Dead []string
	// Cycles lists the strongly connected components with more than one
	// module, or a module importing itself.
	Cycles [][]string

	reverse map[string][]string
}

// Builder accumulates module records. Records may be replaced and the graph
// rebuilt any number of times. It is safe for concurrent use.
type Builder struct {
	resolver *resolve.Resolver

	mu      sync.RWMutex
	modules map[string]*transform.ModuleRecord
}

// NewBuilder creates a builder resolving imports with resolver.
func NewBuilder(resolver *resolve.Resolver) *Builder {
	return &Builder{
		resolver: resolver,
		modules:  make(map[string]*transform.ModuleRecord),
	}
}

// Add adds or replaces a record.
func (b *Builder) Add(rec *transform.ModuleRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modules[rec.ID] = rec
}

// Remove drops a record.
func (b *Builder) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.modules, id)
}

// Get returns the record for id.
func (b *Builder) Get(id string) (*transform.ModuleRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.modules[id]
	return rec, ok
}

// Len returns the number of known records.
func (b *Builder) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.modules)
}

// Build walks from entries, a name to module path map, and returns the
// graph with every missing dependency found. Missing modules leave a hole
// in the graph; the caller decides whether that fails the build.
func (b *Builder) Build(entries map[string]string) (*Graph, []error) {
	b.mu.RLock()
	modules := make(map[string]*transform.ModuleRecord, len(b.modules))
	for id, rec := range b.modules {
		modules[id] = rec
	}
	b.mu.RUnlock()

	if len(entries) == 0 {
		return nil, []error{perrors.NewEmptyEntrySet()}
	}

	g := &Graph{
		Modules:  make(map[string]*transform.ModuleRecord),
		Edges:    make(map[string][]string),
		Resolved: make(map[string]map[string]string),
		reverse:  make(map[string][]string),
	}

	var errs []error

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var queue []string
	for _, name := range names {
		id := entries[name]
		if _, ok := modules[id]; !ok {
			errs = append(errs, perrors.NewMissingDependency(id, id, fmt.Errorf("entry %q has no module", name)))
			continue
		}
		g.Entries = append(g.Entries, Entry{Name: name, ID: id})
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := g.Modules[id]; seen {
			continue
		}
		rec := modules[id]
		g.Modules[id] = rec

		resolved := map[string]string{}
		var edges []string
		for _, imp := range rec.Imports {
			target, err := b.resolver.Resolve(rec.Path, imp.Specifier)
			if err != nil {
				errs = append(errs, perrors.NewMissingDependency(rec.Path, imp.Specifier, err))
				continue
			}
			if _, ok := modules[target]; !ok {
				errs = append(errs, perrors.NewMissingDependency(rec.Path, imp.Specifier, fmt.Errorf("%s produced no module", target)))
				continue
			}
			resolved[imp.Specifier] = target
			if !contains(edges, target) {
				edges = append(edges, target)
				g.reverse[target] = append(g.reverse[target], id)
			}
			queue = append(queue, target)
		}
		g.Edges[id] = edges
		g.Resolved[id] = resolved
	}

	for id := range modules {
		if _, ok := g.Modules[id]; !ok {
			g.Dead = append(g.Dead, id)
		}
	}
	sort.Strings(g.Dead)

	g.Order = g.postOrder()
	g.Cycles = g.findCycles()
	return g, errs
}

func (g *Graph) postOrder() []string {
	visited := make(map[string]bool, len(g.Modules))
	order := make([]string, 0, len(g.Modules))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.Edges[id] {
			visit(dep)
		}
		order = append(order, id)
	}
	for _, e := range g.Entries {
		visit(e.ID)
	}
	return order
}

// findCycles runs Tarjan's strongly connected components algorithm.
func (g *Graph) findCycles() [][]string {
	var (
		index   int
		stack   []string
		onStack = map[string]bool{}
		indices = map[string]int{}
		lowlink = map[string]int{}
		cycles  [][]string
	)

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.Edges[v] {
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

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
			if len(scc) > 1 || contains(g.Edges[v], v) {
				sort.Strings(scc)
				cycles = append(cycles, scc)
			}
		}
	}

	for _, id := range g.Order {
		if _, seen := indices[id]; !seen {
			strongConnect(id)
		}
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

// Dependents returns every module that transitively imports id, not
// including id itself unless it sits on a cycle. The result is sorted.
func (g *Graph) Dependents(id string) []string {
	seen := map[string]bool{}
	queue := append([]string(nil), g.reverse[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, g.reverse[cur]...)
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reachable returns the set of modules reachable from id, id included.
func (g *Graph) Reachable(id string) map[string]bool {
	seen := map[string]bool{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		if _, ok := g.Modules[cur]; !ok {
			continue
		}
		seen[cur] = true
		stack = append(stack, g.Edges[cur]...)
	}
	return seen
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

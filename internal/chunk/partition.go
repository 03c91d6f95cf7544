// Package chunk partitions a module graph into output chunks.
//
// Every entry gets its own entry chunk holding the modules only it reaches.
// Modules reached by two or more entries move to a common chunk chosen from
// the cache groups, so no module is ever emitted twice. Loader code lives in
// a single runtime chunk that contains no application module.
package chunk

import (
	"fmt"
	"regexp"
	"sort"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/graph"
)

// Kind is the role of a chunk.
type Kind string

const (
	KindEntry   Kind = "entry"
	KindCommon  Kind = "common"
	KindRuntime Kind = "runtime"
)

const (
	// RuntimeName is the name of the runtime chunk.
	RuntimeName = "runtime"
	// RuntimeModuleID is the synthetic module holding the loader.
	RuntimeModuleID = "@runtime/bootstrap"
)

// Chunk is a named, ordered list of modules and the chunks it needs loaded
// first.
type Chunk struct {
	Name    string
	Kind    Kind
	Modules []string
	Deps    []string
	// Entry is the entry module id of an entry chunk.
	Entry string
}

// CacheGroup selects shared modules for a common chunk.
type CacheGroup struct {
	Name     string
	Test     *regexp.Regexp
	Priority int
}

// SplitPolicy configures the partitioner.
type SplitPolicy struct {
	Groups []CacheGroup
}

// DefaultSplitPolicy mirrors the usual split of shared code: third party
// modules in "vendors", everything else in "common".
func DefaultSplitPolicy(vendors bool) SplitPolicy {
	groups := []CacheGroup{{Name: "common", Test: regexp.MustCompile(`.*`), Priority: -20}}
	if vendors {
		groups = append([]CacheGroup{{Name: "vendors", Test: regexp.MustCompile(`(^|/)node_modules/`), Priority: -10}}, groups...)
	}
	return SplitPolicy{Groups: groups}
}

// Partitioner applies a SplitPolicy.
type Partitioner struct {
	policy SplitPolicy
}

// NewPartitioner creates a partitioner.
func NewPartitioner(policy SplitPolicy) *Partitioner {
	return &Partitioner{policy: policy}
}

// Partition splits g. Chunks are returned in load order: the runtime chunk,
// then common chunks, then entry chunks, each group sorted by name.
func (p *Partitioner) Partition(g *graph.Graph) ([]*Chunk, error) {
	if g == nil || len(g.Entries) == 0 {
		return nil, perrors.NewEmptyEntrySet()
	}

	reserved := map[string]bool{RuntimeName: true, "common": true}
	for _, grp := range p.policy.Groups {
		reserved[grp.Name] = true
	}
	for _, e := range g.Entries {
		if reserved[e.Name] {
			return nil, perrors.NewConfigError("CHUNK_NAME_CONFLICT", fmt.Sprintf("entry %q collides with a reserved chunk name", e.Name))
		}
	}

	reachedBy := make(map[string][]string, len(g.Modules))
	for _, e := range g.Entries {
		for id := range g.Reachable(e.ID) {
			reachedBy[id] = append(reachedBy[id], e.Name)
		}
	}

	// owner maps a module to the chunk it lands in.
	owner := make(map[string]string, len(g.Modules))
	for id, entries := range reachedBy {
		if len(entries) == 1 {
			owner[id] = entries[0]
			continue
		}
		owner[id] = p.groupFor(id)
	}

	chunks := map[string]*Chunk{}
	for _, e := range g.Entries {
		chunks[e.Name] = &Chunk{Name: e.Name, Kind: KindEntry, Entry: e.ID}
	}
	for _, id := range g.Order {
		name := owner[id]
		c, ok := chunks[name]
		if !ok {
			c = &Chunk{Name: name, Kind: KindCommon}
			chunks[name] = c
		}
		c.Modules = append(c.Modules, id)
	}

	for _, e := range g.Entries {
		c := chunks[e.Name]
		uses := map[string]bool{}
		for id := range g.Reachable(e.ID) {
			if o := owner[id]; o != e.Name {
				uses[o] = true
			}
		}
		for name := range uses {
			c.Deps = append(c.Deps, name)
		}
		sort.Strings(c.Deps)
		c.Deps = append(c.Deps, RuntimeName)
	}

	var commons, entries []*Chunk
	for _, c := range chunks {
		switch c.Kind {
		case KindCommon:
			c.Deps = []string{RuntimeName}
			commons = append(commons, c)
		case KindEntry:
			entries = append(entries, c)
		}
	}
	sort.Slice(commons, func(i, j int) bool { return commons[i].Name < commons[j].Name })
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	out := []*Chunk{{Name: RuntimeName, Kind: KindRuntime, Modules: []string{RuntimeModuleID}}}
	out = append(out, commons...)
	return append(out, entries...), nil
}

// groupFor picks the highest priority matching group; equal priorities go to
// the lexicographically first name. Without a match the module goes to
// "common".
func (p *Partitioner) groupFor(id string) string {
	best := ""
	bestPriority := 0
	for _, grp := range p.policy.Groups {
		if grp.Test != nil && !grp.Test.MatchString(id) {
			continue
		}
		if best == "" || grp.Priority > bestPriority || (grp.Priority == bestPriority && grp.Name < best) {
			best = grp.Name
			bestPriority = grp.Priority
		}
	}
	if best == "" {
		return "common"
	}
	return best
}

// Find returns the chunk named name.
func Find(chunks []*Chunk, name string) *Chunk {
	for _, c := range chunks {
		if c.Name == name {
			return c
		}
	}
	return nil
}


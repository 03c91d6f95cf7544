// Package pipeline orchestrates a build: source discovery, parallel
// transformation, graph assembly, chunk partitioning, linking and HTML
// rendering. Full builds and incremental rebuilds share the same machinery;
// a rebuild only re-runs the changed files and everything that imports them.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/assetpipe/internal/asset"
	"github.com/conneroisu/assetpipe/internal/cache"
	"github.com/conneroisu/assetpipe/internal/chunk"
	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/graph"
	"github.com/conneroisu/assetpipe/internal/html"
	"github.com/conneroisu/assetpipe/internal/lint"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/output"
	"github.com/conneroisu/assetpipe/internal/resolve"
	"github.com/conneroisu/assetpipe/internal/rules"
	"github.com/conneroisu/assetpipe/internal/static"
	"github.com/conneroisu/assetpipe/internal/transform"
	"github.com/conneroisu/assetpipe/internal/version"
)

// DocumentTitle titles the default HTML shell.
const DocumentTitle = "assetpipe"

// Options configures a Pipeline.
type Options struct {
	// Root is the project directory on disk.
	Root   string
	Config *config.Config
	Policy config.ModePolicy
	// FS overrides the project file system, os.DirFS(Root) by default.
	FS fs.FS
	// Store overrides the transform cache built from the configuration.
	Store  cache.Store
	Logger logging.Logger
	Linter lint.Linter
	Linker []output.LinkerOption
}

// Result is the outcome of one pass.
type Result struct {
	Graph     *graph.Graph
	Chunks    []*chunk.Chunk
	Manifest  *output.Manifest
	Artifacts []output.Artifact
	// Diagnostics holds every per-file error and warning of the pass.
	Diagnostics []error
	Lint        []lint.Diagnostic
	Stats       transform.Stats
	// Ran lists the files transformed during the pass.
	Ran      []string
	Duration time.Duration
}

// Artifact returns the artifact named name.
func (r *Result) Artifact(name string) (output.Artifact, bool) {
	for _, a := range r.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return output.Artifact{}, false
}

// Hash identifies the emitted output.
func (r *Result) Hash() string {
	h := sha256.New()
	for _, a := range r.Artifacts {
		h.Write([]byte(a.Name))
		h.Write([]byte{0})
		h.Write(a.Data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Pipeline builds one project. Passes are serialised.
type Pipeline struct {
	root    string
	fsys    fs.FS
	cfg     *config.Config
	policy  config.ModePolicy
	logger  logging.Logger
	entries map[string]string
	store   cache.Store

	matcher     *rules.Matcher
	executor    *transform.Executor
	resolver    *resolve.Resolver
	builder     *graph.Builder
	partitioner *chunk.Partitioner
	linker      *output.Linker
	renderer    *html.Renderer
	copier      *static.Copier
	linter      lint.Linter

	mu   sync.Mutex
	last *graph.Graph

	smu      sync.Mutex
	virtual  map[string]transform.SourceFile
	children map[string][]string
}

// New wires a pipeline from the configuration.
func New(opts Options) (*Pipeline, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, perrors.NewConfigError("NO_CONFIG", "pipeline needs a configuration")
	}
	if len(cfg.Entries) == 0 {
		return nil, perrors.NewEmptyEntrySet()
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	fsys := opts.FS
	if fsys == nil {
		fsys = os.DirFS(opts.Root)
	}

	matcher := rules.MustNew(rules.Defaults(cfg.SourceDir))
	if cfg.Build.RulesFile != "" {
		loaded, err := rules.LoadFile(filepath.Join(opts.Root, cfg.Build.RulesFile))
		if err != nil {
			return nil, perrors.NewConfigError("INVALID_RULES", err.Error())
		}
		if matcher, err = rules.New(loaded); err != nil {
			return nil, perrors.NewConfigError("INVALID_RULES", err.Error())
		}
	}

	registry, err := transform.DefaultRegistry(opts.Policy, asset.NewClassifier(opts.Policy), transform.StageOptions{
		Defines: cfg.Defines,
		Targets: cfg.Build.Targets,
	})
	if err != nil {
		return nil, perrors.NewConfigError("INVALID_STAGES", err.Error())
	}
	if err := registry.Validate(matcher); err != nil {
		return nil, perrors.NewConfigError("INVALID_RULES", err.Error())
	}

	store := opts.Store
	if store == nil {
		store, err = NewStore(opts.Root, cfg)
		if err != nil {
			return nil, err
		}
	}
	execOpts := []transform.Option{transform.WithLogger(logger)}
	if cfg.Build.TransformTimeout > 0 {
		execOpts = append(execOpts, transform.WithTimeout(cfg.Build.TransformTimeout))
	}

	template, err := fs.ReadFile(fsys, cleanRel(cfg.Template))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, perrors.NewIOError(cfg.Template, "cannot read HTML template", err)
		}
		template = nil
	}

	copier, err := static.New(fsys, cleanRel(cfg.PublicDir), static.DefaultIgnore, static.ReadGitignore(opts.Root))
	if err != nil {
		return nil, err
	}

	linter := opts.Linter
	if linter == nil {
		if cfg.Lint.Enabled {
			linter = lint.NewESBuild(cleanRel(cfg.SourceDir))
		} else {
			linter = lint.Nop{}
		}
	}

	entries := make(map[string]string, len(cfg.Entries))
	for name, p := range cfg.Entries {
		entries[name] = cleanRel(p)
	}

	resolver := resolve.New(fsys, resolve.Options{Extensions: cfg.Resolve.Extensions, Alias: cfg.Resolve.Alias})
	return &Pipeline{
		root:        opts.Root,
		fsys:        fsys,
		cfg:         cfg,
		policy:      opts.Policy,
		logger:      logger.WithComponent("pipeline"),
		entries:     entries,
		store:       store,
		matcher:     matcher,
		executor:    transform.NewExecutor(registry, store, opts.Policy, execOpts...),
		resolver:    resolver,
		builder:     graph.NewBuilder(resolver),
		partitioner: chunk.NewPartitioner(chunk.DefaultSplitPolicy(cfg.Split.Vendors)),
		linker:      output.NewLinker(opts.Policy, output.NewNamer(opts.Policy), fsys, opts.Linker...),
		renderer:    html.New(template, DocumentTitle),
		copier:      copier,
		linter:      linter,
		virtual:     map[string]transform.SourceFile{},
		children:    map[string][]string{},
	}, nil
}

// NewStore builds the configured transform cache: an in-memory LRU in front
// of the on-disk cache, or nothing when caching is off. Each release keeps
// its own cache directory.
func NewStore(root string, cfg *config.Config) (cache.Store, error) {
	if !cfg.Build.Cache {
		return cache.Nop{}, nil
	}
	size := cfg.Build.CacheEntries
	if size <= 0 {
		size = 4096
	}
	mem, err := cache.NewMemory(size)
	if err != nil {
		return nil, perrors.NewConfigError("INVALID_CACHE", err.Error())
	}
	dir := filepath.Join(root, filepath.FromSlash(cfg.Build.CacheDir), version.CacheNamespace())
	disk, err := cache.NewDisk(dir)
	if err != nil {
		return nil, perrors.NewIOError(cfg.Build.CacheDir, "cannot open cache directory", err)
	}
	return cache.NewLayered(mem, disk), nil
}

// ClearCache drops every cached transform result, in memory and on disk.
func (p *Pipeline) ClearCache() error {
	if err := cache.Clear(p.store); err != nil {
		return perrors.NewIOError(p.cfg.Build.CacheDir, "cannot clear cache", err)
	}
	return nil
}

// Executor exposes the transform executor.
func (p *Pipeline) Executor() *transform.Executor { return p.executor }

// Linker exposes the linker, used to build hot update payloads.
func (p *Pipeline) Linker() *output.Linker { return p.linker }

// Policy returns the mode policy.
func (p *Pipeline) Policy() config.ModePolicy { return p.policy }

// Graph returns the graph of the last pass, or nil.
func (p *Pipeline) Graph() *graph.Graph {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Updates returns the factories of the modules res re-ran that its graph
// still holds, in id order, for hot replacement.
func (p *Pipeline) Updates(res *Result) ([]output.Factory, error) {
	var out []output.Factory
	for _, id := range res.Ran {
		if _, ok := res.Graph.Modules[id]; !ok {
			continue
		}
		f, err := p.linker.Factory(res.Graph, id)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// pass is the state of one build pass.
type pass struct {
	errs *perrors.Collector

	mu     sync.Mutex
	seen   map[string]bool
	read   []transform.SourceFile
	failed map[string]error
}

func newPass() *pass {
	return &pass{errs: perrors.NewCollector(), seen: map[string]bool{}, failed: map[string]error{}}
}

// fail records the failure of module id until the graph tells whether
// anything loads it.
func (ps *pass) fail(id string, err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.failed[id] = err
}

// claim marks id as scheduled and reports whether it was new.
func (ps *pass) claim(id string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.seen[id] {
		return false
	}
	ps.seen[id] = true
	return true
}

// Build runs a full pass over the source tree.
func (p *Pipeline) Build(ctx context.Context) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.build(ctx)
}

func (p *Pipeline) build(ctx context.Context) (*Result, error) {
	op := logging.StartOperation(p.logger, "build")
	start := time.Now()
	p.executor.ResetStats()

	p.builder = graph.NewBuilder(p.resolver)
	p.smu.Lock()
	p.virtual = map[string]transform.SourceFile{}
	p.children = map[string][]string{}
	p.smu.Unlock()

	ps := newPass()
	seeds, err := p.scan(ctx, ps)
	if err != nil {
		op.EndWithError(ctx, err)
		return nil, err
	}
	if err := p.transform(ctx, ps, seeds); err != nil {
		op.EndWithError(ctx, err)
		return nil, err
	}

	res, err := p.finish(ctx, ps, start)
	if err != nil {
		op.EndWithError(ctx, err)
		return res, err
	}
	op.End(ctx, "modules", len(res.Graph.Modules), "chunks", len(res.Chunks), "artifacts", len(res.Artifacts))
	return res, nil
}

// Rebuild re-runs the changed files, given relative to the project root or
// as absolute paths, and every module that transitively imports them.
// Without a previous pass it runs a full build.
func (p *Pipeline) Rebuild(ctx context.Context, changed []string) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return p.build(ctx)
	}

	start := time.Now()
	p.executor.ResetStats()
	ps := newPass()

	invalid := map[string]bool{}
	for _, c := range changed {
		id := p.rel(c)
		if id == "" {
			continue
		}
		for _, d := range p.last.Dependents(id) {
			invalid[d] = true
		}
		if _, err := fs.Stat(p.fsys, id); errors.Is(err, fs.ErrNotExist) {
			p.drop(id)
			continue
		}
		if _, ok := p.matcher.Match(id); ok {
			invalid[id] = true
		}
	}

	var seeds []string
	for id := range invalid {
		if parent, _, virtual := strings.Cut(id, "?"); virtual && invalid[parent] {
			continue
		}
		if ps.claim(id) {
			seeds = append(seeds, id)
		}
	}
	sort.Strings(seeds)
	p.logger.Debug(ctx, "rebuilding", "changed", len(changed), "invalidated", len(seeds))

	if err := p.transform(ctx, ps, seeds); err != nil {
		return nil, err
	}
	return p.finish(ctx, ps, start)
}

// scan lists the matched files of the source tree plus the entries.
// Unmatched files outside the public directory are reported and skipped.
func (p *Pipeline) scan(ctx context.Context, ps *pass) ([]string, error) {
	srcDir := cleanRel(p.cfg.SourceDir)
	publicDir := cleanRel(p.cfg.PublicDir)

	var seeds []string
	err := fs.WalkDir(p.fsys, srcDir, func(id string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && id == srcDir {
				return fs.SkipDir
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if d.Name() == "node_modules" {
				return fs.SkipDir
			}
			return nil
		}
		if _, ok := p.matcher.Match(id); !ok {
			if !underDir(id, publicDir) {
				ps.errs.Add(perrors.NewUnresolvedAsset(id))
			}
			return nil
		}
		if ps.claim(id) {
			seeds = append(seeds, id)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, perrors.NewIOError(srcDir, "cannot walk source directory", err)
	}

	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if id := p.entries[name]; ps.claim(id) {
			seeds = append(seeds, id)
		}
	}
	return seeds, nil
}

// transform runs waves of files in parallel until no wave discovers a new
// module. Only a cancelled context stops it early; file failures are
// collected.
func (p *Pipeline) transform(ctx context.Context, ps *pass, ids []string) error {
	for len(ids) > 0 {
		produced, err := p.wave(ctx, ps, ids)
		if err != nil {
			return err
		}
		ids = p.discover(ps, produced)
	}
	return nil
}

func (p *Pipeline) wave(ctx context.Context, ps *pass, ids []string) ([]*transform.ModuleRecord, error) {
	workers := p.cfg.Build.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	var produced []*transform.ModuleRecord
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := p.process(gctx, ps, id)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				ps.fail(id, err)
				return nil
			}
			if rec != nil {
				mu.Lock()
				produced = append(produced, rec)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(produced, func(i, j int) bool { return produced[i].ID < produced[j].ID })
	return produced, nil
}

// process reads, matches and transforms one module. A failed module is
// removed from the graph so importers see it as missing.
func (p *Pipeline) process(ctx context.Context, ps *pass, id string) (*transform.ModuleRecord, error) {
	chain, ok := p.matcher.Match(id)
	if !ok {
		return nil, nil
	}

	file, err := p.source(ctx, id)
	if err != nil {
		p.drop(id)
		return nil, err
	}
	if !strings.Contains(id, "?") {
		ps.mu.Lock()
		ps.read = append(ps.read, file)
		ps.mu.Unlock()
	}

	rec, err := p.executor.Run(ctx, file, chain)
	if err != nil {
		p.builder.Remove(id)
		return nil, err
	}
	p.builder.Add(rec)

	ids := make([]string, 0, len(rec.Virtual))
	p.smu.Lock()
	for _, v := range rec.Virtual {
		p.virtual[v.Path] = v
		ids = append(ids, v.Path)
	}
	stale := p.children[id]
	p.children[id] = ids
	p.smu.Unlock()

	for _, old := range stale {
		if !contains(ids, old) {
			p.drop(old)
		}
	}
	return rec, nil
}

func (p *Pipeline) source(ctx context.Context, id string) (transform.SourceFile, error) {
	if strings.Contains(id, "?") {
		p.smu.Lock()
		v, ok := p.virtual[id]
		p.smu.Unlock()
		if !ok {
			return transform.SourceFile{}, perrors.NewIOError(id, "virtual module has no parent output", nil)
		}
		return v, nil
	}
	return p.executor.Read(ctx, p.fsys, id)
}

// discover returns the modules the produced records need that this pass has
// not scheduled yet: virtual blocks whose content changed and import targets
// with no record.
func (p *Pipeline) discover(ps *pass, produced []*transform.ModuleRecord) []string {
	var next []string
	for _, rec := range produced {
		for _, v := range rec.Virtual {
			if have, ok := p.builder.Get(v.Path); ok && have.SourceHash == v.Hash {
				continue
			}
			if ps.claim(v.Path) {
				next = append(next, v.Path)
			}
		}
		for _, imp := range rec.Imports {
			target, err := p.resolver.Resolve(rec.Path, imp.Specifier)
			if err != nil {
				continue
			}
			if _, ok := p.builder.Get(target); ok {
				continue
			}
			if ps.claim(target) {
				next = append(next, target)
			}
		}
	}
	return next
}

// finish assembles, partitions and links the current records. The result is
// returned with the error when the pass has fatal per-file errors.
func (p *Pipeline) finish(ctx context.Context, ps *pass, start time.Time) (*Result, error) {
	g, gerrs := p.builder.Build(p.entries)
	ps.errs.AddAll(gerrs)
	if g == nil {
		return nil, perrors.NewEmptyEntrySet()
	}
	p.last = g

	wanted := p.wanted(g)
	for id, err := range ps.failed {
		if wanted[id] {
			ps.errs.Add(err)
		} else {
			ps.errs.Add(perrors.NewUnreachableModule(id, err))
		}
	}
	for _, id := range g.Dead {
		ps.errs.Add(perrors.NewUnreachableModule(id, nil))
	}
	for _, c := range g.Cycles {
		p.logger.Debug(ctx, "import cycle", "modules", strings.Join(c, " -> "))
	}

	diags, err := p.linter.Lint(ctx, ps.read)
	if err != nil {
		return nil, err
	}
	for _, d := range diags {
		p.logger.Info(ctx, "lint", "diagnostic", d.String())
		if d.Severity == lint.SeverityWarning && p.cfg.Lint.FailOnWarning {
			ps.errs.Add(perrors.NewTransformFailure(d.Path, "lint", errors.New(d.Message)).WithLocation(d.Line, d.Column))
		}
	}

	chunks, err := p.partitioner.Partition(g)
	if err != nil {
		return nil, err
	}
	man, artifacts, err := p.linker.Link(g, chunks)
	if err != nil {
		return nil, err
	}

	doc, err := p.renderer.Render(ctx, man)
	if err != nil {
		return nil, err
	}
	artifacts = append(artifacts, output.Artifact{Name: "index.html", Kind: output.ArtifactHTML, Data: doc})

	manifest, err := man.JSON()
	if err != nil {
		return nil, perrors.NewInternalError("MANIFEST", "cannot encode manifest", err)
	}
	artifacts = append(artifacts, output.Artifact{Name: output.ManifestName, Kind: output.ArtifactManifest, Data: manifest})

	if p.policy.IsProduction() {
		files, err := p.copier.Collect(ctx)
		if err != nil {
			return nil, err
		}
		taken := make(map[string]bool, len(artifacts))
		for _, a := range artifacts {
			taken[a.Name] = true
		}
		for _, f := range files {
			if taken[f.Name] {
				return nil, perrors.NewConfigError("PUBLIC_CONFLICT",
					fmt.Sprintf("%s/%s would overwrite the generated %s", cleanRel(p.cfg.PublicDir), f.Name, f.Name))
			}
		}
		artifacts = append(artifacts, files...)
	}

	res := &Result{
		Graph:       g,
		Chunks:      chunks,
		Manifest:    man,
		Artifacts:   artifacts,
		Diagnostics: ps.errs.All(),
		Lint:        diags,
		Stats:       p.executor.Stats(),
		Ran:         p.executor.Ran(),
		Duration:    time.Since(start),
	}
	for _, w := range ps.errs.Warnings() {
		p.logger.Warn(ctx, w, "build warning")
	}
	return res, ps.errs.Err(p.policy.IsProduction())
}

// wanted returns the ids the graph loads: the entries and every import
// target of a reachable module, including targets that produced no module.
func (p *Pipeline) wanted(g *graph.Graph) map[string]bool {
	want := make(map[string]bool, len(g.Modules)+len(p.entries))
	for _, id := range p.entries {
		want[id] = true
	}
	for _, rec := range g.Modules {
		for _, imp := range rec.Imports {
			if target, err := p.resolver.Resolve(rec.Path, imp.Specifier); err == nil {
				want[target] = true
			}
		}
	}
	return want
}

// drop forgets a module and the virtual blocks split out of it.
func (p *Pipeline) drop(id string) {
	p.builder.Remove(id)
	p.smu.Lock()
	kids := p.children[id]
	delete(p.children, id)
	delete(p.virtual, id)
	p.smu.Unlock()
	for _, k := range kids {
		p.drop(k)
	}
}

// rel turns a changed path into a module id.
func (p *Pipeline) rel(c string) string {
	if filepath.IsAbs(c) && p.root != "" {
		r, err := filepath.Rel(p.root, c)
		if err != nil || strings.HasPrefix(r, "..") {
			return ""
		}
		c = r
	}
	return cleanRel(filepath.ToSlash(c))
}

func cleanRel(p string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")
}

func underDir(id, dir string) bool {
	return dir != "" && (id == dir || strings.HasPrefix(id, dir+"/"))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

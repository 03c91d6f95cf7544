package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/conneroisu/assetpipe/internal/cache"
	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/rules"
)

// DefaultTimeout bounds one chain run.
const DefaultTimeout = 30 * time.Second

// Stats counts executor activity.
type Stats struct {
	Runs        int64
	CacheHits   int64
	CacheMisses int64
	Failures    int64
}

// Executor runs chains. It is safe for concurrent use.
type Executor struct {
	registry *Registry
	store    cache.Store
	policy   config.ModePolicy
	timeout  time.Duration
	logger   logging.Logger

	group singleflight.Group

	runs        int64
	cacheHits   int64
	cacheMisses int64
	failures    int64

	mu  sync.Mutex
	ran []string
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout bounds each chain run. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor. A nil store disables caching.
func NewExecutor(registry *Registry, store cache.Store, policy config.ModePolicy, opts ...Option) *Executor {
	if store == nil {
		store = cache.Nop{}
	}
	e := &Executor{
		registry: registry,
		store:    store,
		policy:   policy,
		timeout:  DefaultTimeout,
		logger:   logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("transform")
	return e
}

// Run runs file through chain and returns its module record. Any error is a
// transform failure of this file only.
func (e *Executor) Run(ctx context.Context, file SourceFile, chain rules.Chain) (*ModuleRecord, error) {
	atomic.AddInt64(&e.runs, 1)
	e.mu.Lock()
	e.ran = append(e.ran, file.Path)
	e.mu.Unlock()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	rec := &ModuleRecord{
		ID:         file.Path,
		Path:       file.Path,
		Type:       chain.Type,
		Rule:       chain.Rule,
		SourceHash: file.Hash,
	}

	in := Input{
		File:    file,
		Code:    file.Data,
		Type:    chain.Type,
		Options: chain.Options,
		Meta:    map[string]string{},
	}

	for _, name := range chain.Stages {
		stage, ok := e.registry.Get(name)
		if !ok {
			atomic.AddInt64(&e.failures, 1)
			return nil, perrors.NewTransformFailure(file.Path, name, fmt.Errorf("unknown stage"))
		}

		out, err := e.runStage(ctx, stage, in)
		if err != nil {
			atomic.AddInt64(&e.failures, 1)
			return nil, stageFailure(file.Path, name, err)
		}

		for _, w := range out.Warnings {
			e.logger.Debug(ctx, "stage warning", "path", file.Path, "stage", name, "warning", w)
		}

		rec.Imports = appendImports(rec.Imports, out.Imports...)
		if out.Asset != nil {
			rec.Asset = out.Asset
		}
		rec.Virtual = append(rec.Virtual, out.Virtual...)

		meta := make(map[string]string, len(in.Meta)+len(out.Meta))
		for k, v := range in.Meta {
			meta[k] = v
		}
		for k, v := range out.Meta {
			meta[k] = v
		}

		in = Input{
			File:    file,
			Code:    out.Code,
			Map:     out.Map,
			Type:    chain.Type,
			Options: chain.Options,
			Meta:    meta,
		}
	}

	rec.Code = in.Code
	rec.Map = in.Map
	return rec, nil
}

// runStage serves the stage from the cache or runs it, collapsing concurrent
// runs of the same key.
func (e *Executor) runStage(ctx context.Context, stage Stage, in Input) (Output, error) {
	key := e.key(stage, in)

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		raw, ok, err := e.store.Get(ctx, key)
		if err != nil {
			e.logger.Warn(ctx, err, "discarding cache entry", "stage", stage.Name(), "path", in.File.Path)
		}
		if ok {
			var out Output
			if jerr := json.Unmarshal(raw, &out); jerr == nil {
				atomic.AddInt64(&e.cacheHits, 1)
				return out, nil
			}
			e.logger.Warn(ctx, perrors.NewCacheCorruption(key, nil), "undecodable cache entry", "stage", stage.Name())
		}

		atomic.AddInt64(&e.cacheMisses, 1)
		out, err := runBounded(ctx, stage, in)
		if err != nil {
			return Output{}, err
		}

		if raw, jerr := json.Marshal(out); jerr == nil {
			if perr := e.store.Put(ctx, key, raw); perr != nil {
				e.logger.Warn(ctx, perr, "cannot store stage result", "stage", stage.Name())
			}
		}
		return out, nil
	})
	if err != nil {
		return Output{}, err
	}
	return v.(Output), nil
}

func (e *Executor) key(stage Stage, in Input) string {
	opts := make([]string, 0, len(in.Options)+len(in.Meta))
	for k, v := range in.Options {
		opts = append(opts, "o:"+k+"="+v)
	}
	for k, v := range in.Meta {
		opts = append(opts, "m:"+k+"="+v)
	}
	sort.Strings(opts)

	parts := []string{
		in.File.Path,
		HashBytes(in.Code),
		stage.Name(),
		stage.ConfigHash(),
		e.policy.Fingerprint(),
		string(in.Type),
	}
	return cache.Key(append(parts, opts...)...)
}

// runBounded returns when the stage finishes or ctx ends, whichever is first.
func runBounded(ctx context.Context, stage Stage, in Input) (Output, error) {
	type result struct {
		out Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := stage.Run(ctx, in)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}
}

// Read loads path from fsys under the same deadline as a chain run. A read
// that outlives the deadline is abandoned and reported as an I/O error.
func (e *Executor) Read(ctx context.Context, fsys fs.FS, path string) (SourceFile, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := fs.ReadFile(fsys, path)
		done <- result{data, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return SourceFile{}, perrors.NewIOError(path, "cannot read source", r.err)
		}
		return NewSourceFile(path, r.data), nil
	case <-ctx.Done():
		return SourceFile{}, perrors.NewIOError(path, "reading source timed out", ctx.Err())
	}
}

func stageFailure(path, stage string, err error) error {
	var pe *perrors.PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	fail := perrors.NewTransformFailure(path, stage, err)
	var se *SyntaxError
	if errors.As(err, &se) {
		fail = fail.WithLocation(se.Line, se.Column)
	}
	return fail
}

// Stats returns a snapshot of the counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Runs:        atomic.LoadInt64(&e.runs),
		CacheHits:   atomic.LoadInt64(&e.cacheHits),
		CacheMisses: atomic.LoadInt64(&e.cacheMisses),
		Failures:    atomic.LoadInt64(&e.failures),
	}
}

// Ran returns the paths passed to Run since the last reset, sorted.
func (e *Executor) Ran() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := append([]string(nil), e.ran...)
	sort.Strings(out)
	return out
}

// ResetStats zeroes the counters and the run list.
func (e *Executor) ResetStats() {
	atomic.StoreInt64(&e.runs, 0)
	atomic.StoreInt64(&e.cacheHits, 0)
	atomic.StoreInt64(&e.cacheMisses, 0)
	atomic.StoreInt64(&e.failures, 0)
	e.mu.Lock()
	e.ran = nil
	e.mu.Unlock()
}

// Package devserver serves the in-memory output of development builds and
// pushes hot updates to connected browsers as source files change.
package devserver

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/output"
	"github.com/conneroisu/assetpipe/internal/pipeline"
)

// Builder is the part of the pipeline the loop drives.
type Builder interface {
	Build(ctx context.Context) (*pipeline.Result, error)
	Rebuild(ctx context.Context, changed []string) (*pipeline.Result, error)
	Updates(res *pipeline.Result) ([]output.Factory, error)
}

// Broadcaster delivers messages to browsers.
type Broadcaster interface {
	Broadcast(msg Message)
}

// Snapshot is the published output of one build.
type Snapshot struct {
	Hash       string
	Generation uint64
	Files      map[string]output.Artifact
	// Chunks lists the chunk scripts in load order.
	Chunks []string
}

func newSnapshot(res *pipeline.Result, gen uint64) *Snapshot {
	files := make(map[string]output.Artifact, len(res.Artifacts))
	for _, a := range res.Artifacts {
		files[a.Name] = a
	}
	return &Snapshot{
		Hash:       res.Hash(),
		Generation: gen,
		Files:      files,
		Chunks:     res.Manifest.Scripts(),
	}
}

// Loop turns batches of changed files into published snapshots.
//
// Every call to Changed starts a new generation and cancels the rebuild in
// flight. A rebuild only publishes when its generation is still the latest,
// checked under the publish lock, so a superseded result never reaches the
// snapshot or the browsers.
type Loop struct {
	builder Builder
	out     Broadcaster
	hot     bool
	logger  logging.Logger

	snapshot atomic.Pointer[Snapshot]
	failure  atomic.Pointer[[]Diagnostic]

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	pending []string
	wg      sync.WaitGroup
}

// NewLoop creates a loop. With hot off, updates carry no modules and the
// client reloads the page.
func NewLoop(builder Builder, out Broadcaster, hot bool, logger logging.Logger) *Loop {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Loop{builder: builder, out: out, hot: hot, logger: logger.WithComponent("devserver")}
}

// Snapshot returns the latest published snapshot, or nil before the first
// successful build.
func (l *Loop) Snapshot() *Snapshot {
	return l.snapshot.Load()
}

// Failure returns the diagnostics of the latest build when it failed.
func (l *Loop) Failure() []Diagnostic {
	if d := l.failure.Load(); d != nil {
		return *d
	}
	return nil
}

// Start runs the initial build. A failing build is reported to browsers and
// logged; the server keeps running.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	l.gen++
	gen := l.gen
	l.mu.Unlock()

	res, err := l.builder.Build(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	l.publish(ctx, gen, res, err, false)
	return nil
}

// Changed schedules a rebuild for paths, cancelling the one in flight. Paths
// of a cancelled rebuild are carried into the next one.
func (l *Loop) Changed(ctx context.Context, paths []string) {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.gen++
	gen := l.gen
	l.pending = append(l.pending, paths...)
	changed := append([]string(nil), l.pending...)
	rctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer cancel()
		l.logger.Debug(rctx, "rebuild started", "generation", gen, "changed", len(changed))
		res, err := l.builder.Rebuild(rctx, changed)
		if rctx.Err() != nil || errors.Is(err, context.Canceled) {
			l.logger.Debug(ctx, "rebuild superseded", "generation", gen)
			return
		}
		l.publish(rctx, gen, res, err, true)
	}()
}

// Wait blocks until no rebuild is running.
func (l *Loop) Wait() {
	l.wg.Wait()
}

// publish stores the result and notifies browsers, unless gen has been
// superseded.
func (l *Loop) publish(ctx context.Context, gen uint64, res *pipeline.Result, err error, incremental bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		l.logger.Debug(ctx, "dropping stale result", "generation", gen, "latest", l.gen)
		return
	}
	l.pending = nil

	if err != nil || res == nil {
		var errs []error
		if res != nil {
			errs = res.Diagnostics
		}
		if len(errs) == 0 && err != nil {
			errs = []error{err}
		}
		l.logger.Error(ctx, err, "build failed", "generation", gen)
		msg := Message{Type: MessageError, Diagnostics: diagnostics(errs, nil)}
		if res != nil {
			msg.Diagnostics = append(msg.Diagnostics, diagnostics(nil, res.Lint)...)
		}
		l.failure.Store(&msg.Diagnostics)
		l.out.Broadcast(msg)
		return
	}
	l.failure.Store(nil)

	prev := l.snapshot.Load()
	snap := newSnapshot(res, gen)
	l.snapshot.Store(snap)

	msg := Message{
		Type:        MessageUpdate,
		Hash:        snap.Hash,
		Chunks:      snap.Chunks,
		Diagnostics: diagnostics(res.Diagnostics, res.Lint),
	}
	// New or renamed chunks need a page load; the client reloads when the
	// list differs from the one it started with.
	if incremental && l.hot && prev != nil && slices.Equal(prev.Chunks, snap.Chunks) {
		modules, err := l.builder.Updates(res)
		if err != nil {
			l.logger.Error(ctx, err, "cannot prepare hot update")
		} else {
			msg.Modules = modules
		}
	}
	l.logger.Info(ctx, "build published", "generation", gen, "hash", snap.Hash, "modules", len(msg.Modules), "duration", res.Duration.String())
	l.out.Broadcast(msg)
}

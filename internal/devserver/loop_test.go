package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/output"
	"github.com/conneroisu/assetpipe/internal/pipeline"
)

type fakeBuilder struct {
	mu      sync.Mutex
	calls   [][]string
	build   func(ctx context.Context) (*pipeline.Result, error)
	rebuild func(ctx context.Context, call int, changed []string) (*pipeline.Result, error)
	updates []output.Factory
}

func (f *fakeBuilder) Build(ctx context.Context) (*pipeline.Result, error) {
	return f.build(ctx)
}

func (f *fakeBuilder) Rebuild(ctx context.Context, changed []string) (*pipeline.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, changed)
	call := len(f.calls)
	f.mu.Unlock()
	return f.rebuild(ctx, call, changed)
}

func (f *fakeBuilder) Updates(res *pipeline.Result) ([]output.Factory, error) {
	return f.updates, nil
}

func (f *fakeBuilder) changed(call int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[call-1]
}

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) Broadcast(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func result(body string, scripts ...string) *pipeline.Result {
	if len(scripts) == 0 {
		scripts = []string{"js/runtime.js", "js/main.js"}
	}
	man := &output.Manifest{}
	arts := []output.Artifact{{Name: "index.html", Kind: output.ArtifactHTML, Data: []byte("<html></html>")}}
	for _, s := range scripts {
		man.Chunks = append(man.Chunks, output.ChunkFiles{Name: s, Script: s})
		arts = append(arts, output.Artifact{Name: s, Kind: output.ArtifactScript, Data: []byte(body)})
	}
	return &pipeline.Result{Manifest: man, Artifacts: arts, Ran: []string{"src/main.js"}}
}

func okBuild(res *pipeline.Result) func(context.Context) (*pipeline.Result, error) {
	return func(context.Context) (*pipeline.Result, error) { return res, nil }
}

func TestLoopStartPublishes(t *testing.T) {
	rec := &recorder{}
	first := result("v1")
	loop := NewLoop(&fakeBuilder{build: okBuild(first)}, rec, true, nil)

	require.NoError(t, loop.Start(context.Background()))
	snap := loop.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, first.Hash(), snap.Hash)
	assert.Equal(t, []string{"js/runtime.js", "js/main.js"}, snap.Chunks)
	assert.Contains(t, snap.Files, "index.html")

	msgs := rec.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageUpdate, msgs[0].Type)
	assert.Empty(t, msgs[0].Modules, "the first build carries no hot modules")
}

func TestLoopCancelsSupersededRebuild(t *testing.T) {
	rec := &recorder{}
	started := make(chan struct{})
	cancelled := make(chan error, 1)
	latest := result("v3")

	fb := &fakeBuilder{
		build: okBuild(result("v1")),
		rebuild: func(ctx context.Context, call int, changed []string) (*pipeline.Result, error) {
			if call == 1 {
				close(started)
				<-ctx.Done()
				cancelled <- ctx.Err()
				return result("v2"), ctx.Err()
			}
			return latest, nil
		},
	}
	loop := NewLoop(fb, rec, true, nil)
	require.NoError(t, loop.Start(context.Background()))

	loop.Changed(context.Background(), []string{"src/a.js"})
	<-started
	loop.Changed(context.Background(), []string{"src/b.js"})
	loop.Wait()

	assert.ErrorIs(t, <-cancelled, context.Canceled)
	assert.Equal(t, []string{"src/a.js", "src/b.js"}, fb.changed(2), "paths of the cancelled rebuild are carried over")
	assert.Equal(t, latest.Hash(), loop.Snapshot().Hash)

	msgs := rec.messages()
	require.Len(t, msgs, 2, "the superseded rebuild never publishes")
	assert.Equal(t, latest.Hash(), msgs[1].Hash)
}

func TestLoopDropsLateResult(t *testing.T) {
	rec := &recorder{}
	started := make(chan struct{})
	release := make(chan struct{})
	latest := result("v3")

	fb := &fakeBuilder{
		build: okBuild(result("v1")),
		rebuild: func(ctx context.Context, call int, changed []string) (*pipeline.Result, error) {
			if call == 1 {
				close(started)
				// Ignores cancellation and finishes after the newer pass.
				<-release
				return result("v2"), nil
			}
			return latest, nil
		},
	}
	loop := NewLoop(fb, rec, true, nil)
	require.NoError(t, loop.Start(context.Background()))

	loop.Changed(context.Background(), []string{"src/a.js"})
	<-started
	loop.Changed(context.Background(), []string{"src/b.js"})
	require.Eventually(t, func() bool {
		s := loop.Snapshot()
		return s != nil && s.Hash == latest.Hash()
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	loop.Wait()

	assert.Equal(t, latest.Hash(), loop.Snapshot().Hash)
	assert.Len(t, rec.messages(), 2)
}

func TestLoopFailureKeepsSnapshot(t *testing.T) {
	rec := &recorder{}
	first := result("v1")
	fixed := result("v3")
	broken := perrors.NewTransformFailure("src/main.js", "script", errors.New("Unexpected \"=\"")).WithLocation(1, 5)

	fb := &fakeBuilder{
		build: okBuild(first),
		rebuild: func(ctx context.Context, call int, changed []string) (*pipeline.Result, error) {
			if call == 1 {
				res := result("v2")
				res.Diagnostics = []error{broken}
				return res, &perrors.BuildFailure{Errors: []error{broken}}
			}
			return fixed, nil
		},
	}
	loop := NewLoop(fb, rec, true, nil)
	require.NoError(t, loop.Start(context.Background()))

	loop.Changed(context.Background(), []string{"src/main.js"})
	loop.Wait()

	assert.Equal(t, first.Hash(), loop.Snapshot().Hash, "a failed build keeps serving the last good output")
	msgs := rec.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageError, msgs[1].Type)
	require.Len(t, msgs[1].Diagnostics, 1)
	d := msgs[1].Diagnostics[0]
	assert.Equal(t, "src/main.js", d.Path)
	assert.Equal(t, 1, d.Line)
	assert.Equal(t, 5, d.Column)
	assert.Equal(t, string(perrors.ErrorTypeTransform), d.Kind)
	assert.NotEmpty(t, loop.Failure())

	loop.Changed(context.Background(), []string{"src/main.js"})
	loop.Wait()
	assert.Equal(t, fixed.Hash(), loop.Snapshot().Hash)
	assert.Empty(t, loop.Failure())
}

func TestLoopHotModules(t *testing.T) {
	factories := []output.Factory{{ID: "src/main.js", Code: "console.log(2);\n", Map: map[string]string{}}}

	tests := []struct {
		name    string
		hot     bool
		next    *pipeline.Result
		modules bool
	}{
		{name: "same chunks", hot: true, next: result("v2"), modules: true},
		{name: "hot off", hot: false, next: result("v2"), modules: false},
		{name: "chunk list changed", hot: true, next: result("v2", "js/runtime.js", "js/common.chunk.js", "js/main.js"), modules: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			fb := &fakeBuilder{
				build: okBuild(result("v1")),
				rebuild: func(context.Context, int, []string) (*pipeline.Result, error) {
					return tt.next, nil
				},
				updates: factories,
			}
			loop := NewLoop(fb, rec, tt.hot, nil)
			require.NoError(t, loop.Start(context.Background()))
			loop.Changed(context.Background(), []string{"src/main.js"})
			loop.Wait()

			msgs := rec.messages()
			require.Len(t, msgs, 2)
			if tt.modules {
				assert.Equal(t, factories, msgs[1].Modules)
			} else {
				assert.Empty(t, msgs[1].Modules)
			}
			assert.Equal(t, tt.next.Manifest.Scripts(), msgs[1].Chunks)
		})
	}
}

func TestLoopInitialFailure(t *testing.T) {
	rec := &recorder{}
	fb := &fakeBuilder{build: func(context.Context) (*pipeline.Result, error) {
		return nil, perrors.NewEmptyEntrySet()
	}}
	loop := NewLoop(fb, rec, true, nil)
	require.NoError(t, loop.Start(context.Background()), "build errors never stop the server")
	assert.Nil(t, loop.Snapshot())
	require.Len(t, rec.messages(), 1)
	assert.Equal(t, MessageError, rec.messages()[0].Type)
}

func TestLoopMissingDependencyShowsOverlay(t *testing.T) {
	root := t.TempDir()
	main := filepath.Join(root, "src", "main.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(main), 0o755))
	require.NoError(t, os.WriteFile(main, []byte("import \"./gone\";\nconsole.log(1);\n"), 0o644))

	v := viper.New()
	v.Set("mode", "development")
	v.Set("build.cache", false)
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)
	policy, err := config.ResolvePolicy(cfg, func(string) string { return "" })
	require.NoError(t, err)
	p, err := pipeline.New(pipeline.Options{
		Root:   root,
		Config: cfg,
		Policy: policy,
		Linker: []output.LinkerOption{output.WithClient(Client(policy.ErrorOverlay()))},
	})
	require.NoError(t, err)

	rec := &recorder{}
	loop := NewLoop(p, rec, true, nil)
	require.NoError(t, loop.Start(context.Background()))
	require.NotNil(t, loop.Snapshot(), "development still serves the build")

	msgs := rec.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageUpdate, msgs[0].Type)
	require.Len(t, msgs[0].Diagnostics, 1)
	d := msgs[0].Diagnostics[0]
	assert.Equal(t, string(perrors.ErrorTypeMissingDependency), d.Kind)
	assert.Equal(t, "error", d.Severity)
	assert.Equal(t, "src/main.js", d.Path)

	frame, err := json.Marshal(msgs[0])
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"type":"update"`)
	assert.Contains(t, string(frame), `"severity":"error"`)

	script := Client(true)
	assert.Contains(t, script, "function onUpdate(msg) {\n    report(msg);", "every update frame decides the overlay from its diagnostics")
	update := script[strings.Index(script, "function onUpdate"):]
	assert.Contains(t, script, `severity === "error" || diags[i].severity === "fatal"`)
	assert.Contains(t, script, `showOverlay("Build has errors", errs)`)
	assert.NotContains(t, update[:strings.Index(update, "if (hash === null)")], "hideOverlay()")

	js, ok := loop.Snapshot().Files["js/runtime.js"]
	require.True(t, ok)
	assert.Contains(t, string(js.Data), "function blocking(diags)")
}

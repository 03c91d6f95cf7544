package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/assetpipe/internal/cache"
	"github.com/conneroisu/assetpipe/internal/chunk"
	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/output"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func testConfig(t *testing.T, mode string, overrides map[string]interface{}) *config.Config {
	t.Helper()
	v := viper.New()
	v.Set("mode", mode)
	v.Set("build.cache", false)
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)
	return cfg
}

func newPipeline(t *testing.T, root string, cfg *config.Config, store cache.Store) *Pipeline {
	t.Helper()
	policy, err := config.ResolvePolicy(cfg, func(string) string { return "" })
	require.NoError(t, err)
	p, err := New(Options{Root: root, Config: cfg, Policy: policy, Store: store})
	require.NoError(t, err)
	return p
}

func artifactsOf(res *Result, kind output.ArtifactKind) []output.Artifact {
	var out []output.Artifact
	for _, a := range res.Artifacts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func scriptOf(t *testing.T, res *Result, chunkName string) string {
	t.Helper()
	files, ok := res.Manifest.Chunk(chunkName)
	require.True(t, ok, chunkName)
	a, ok := res.Artifact(files.Script)
	require.True(t, ok)
	return string(a.Data)
}

func appTree(t *testing.T) string {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/main.js":       "import { greet } from \"./util\";\nimport \"./style.css\";\nimport logo from \"./logo.png\";\nconsole.log(greet(\"x\"), logo);\n",
		"src/util.js":       "export function greet(n) {\n  return \"hi \" + n;\n}\n",
		"src/style.css":     "body {\n  background: url(./bg.png);\n}\n",
		"src/logo.png":      strings.Repeat("a", 8*1024),
		"src/bg.png":        strings.Repeat("b", 20*1024),
		"public/index.html": "<!DOCTYPE html><html><head><title>t</title></head><body><div id=\"app\"></div></body></html>",
		"public/robots.txt": "User-agent: *\n",
	})
	return root
}

func TestBuildProduction(t *testing.T) {
	root := appTree(t)
	res, err := newPipeline(t, root, testConfig(t, "production", nil), nil).Build(context.Background())
	require.NoError(t, err)

	main := scriptOf(t, res, "main")
	assert.Contains(t, main, "data:image/png;base64,", "an 8 KiB image is inlined")

	assets := artifactsOf(res, output.ArtifactAsset)
	require.Len(t, assets, 1, "only the 20 KiB image is emitted")
	bg := res.Graph.Modules["src/bg.png"].Asset
	require.NotNil(t, bg)
	assert.Equal(t, bg.OutputPath, assets[0].Name)
	assert.True(t, strings.HasPrefix(bg.OutputPath, "static/"))
	assert.Len(t, assets[0].Data, 20*1024)

	files, _ := res.Manifest.Chunk("main")
	require.NotEmpty(t, files.Style)
	css, ok := res.Artifact(files.Style)
	require.True(t, ok)
	assert.Contains(t, string(css.Data), `url("/`+bg.OutputPath+`")`)
	assert.NotContains(t, main, "background")

	doc, ok := res.Artifact("index.html")
	require.True(t, ok)
	assert.Contains(t, string(doc.Data), `<link href="/`+files.Style+`" rel="stylesheet"/>`)
	assert.Contains(t, string(doc.Data), `src="/`+files.Script+`"`)

	_, ok = res.Artifact("robots.txt")
	assert.True(t, ok, "public files are copied in production")
	count := 0
	for _, a := range res.Artifacts {
		if a.Name == "index.html" {
			count++
		}
	}
	assert.Equal(t, 1, count, "the template is rendered, not copied")

	_, ok = res.Artifact(output.ManifestName)
	assert.True(t, ok)
	assert.NotEmpty(t, artifactsOf(res, output.ArtifactMap))
}

func TestBuildIsReproducible(t *testing.T) {
	root := appTree(t)
	cfg := testConfig(t, "production", nil)

	first, err := newPipeline(t, root, cfg, nil).Build(context.Background())
	require.NoError(t, err)
	second, err := newPipeline(t, root, cfg, nil).Build(context.Background())
	require.NoError(t, err)

	require.Equal(t, len(first.Artifacts), len(second.Artifacts))
	for i := range first.Artifacts {
		assert.Equal(t, first.Artifacts[i].Name, second.Artifacts[i].Name)
		assert.True(t, bytes.Equal(first.Artifacts[i].Data, second.Artifacts[i].Data), first.Artifacts[i].Name)
	}
	assert.Equal(t, first.Hash(), second.Hash())
}

func TestBuildDevelopment(t *testing.T) {
	root := appTree(t)
	res, err := newPipeline(t, root, testConfig(t, "development", nil), nil).Build(context.Background())
	require.NoError(t, err)

	assert.Empty(t, res.Manifest.Styles())
	main := scriptOf(t, res, "main")
	assert.Contains(t, main, `__assetpipe.style("src/style.css"`)
	assert.Contains(t, main, "sourceMappingURL=data:application/json")
	assert.Empty(t, artifactsOf(res, output.ArtifactMap))
	assert.Empty(t, artifactsOf(res, output.ArtifactStatic))

	_, ok := res.Artifact("js/main.js")
	assert.True(t, ok)
	_, ok = res.Artifact("static/src/bg.png")
	assert.True(t, ok)
}

func TestBuildSharedModule(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/a.js":      "import \"./x\";\nimport \"./y\";\n",
		"src/b.js":      "import \"./y\";\nimport \"./z\";\n",
		"src/x.js":      "console.log(\"x\");\n",
		"src/y.js":      "console.log(\"y\");\n",
		"src/z.js":      "console.log(\"z\");\n",
		"src/orphan.js": "console.log(\"never imported\");\n",
	})
	cfg := testConfig(t, "production", map[string]interface{}{
		"entries": map[string]string{"a": "src/a.js", "b": "src/b.js"},
	})

	res, err := newPipeline(t, root, cfg, nil).Build(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Chunks, 4)
	assert.Equal(t, []string{"src/y.js"}, chunk.Find(res.Chunks, "common").Modules)
	assert.Equal(t, []string{"src/x.js", "src/a.js"}, chunk.Find(res.Chunks, "a").Modules)
	assert.Equal(t, []string{"src/z.js", "src/b.js"}, chunk.Find(res.Chunks, "b").Modules)
	assert.Equal(t, []string{"src/orphan.js"}, res.Graph.Dead)
	require.Len(t, res.Diagnostics, 1)
	assert.True(t, errors.Is(res.Diagnostics[0], perrors.ErrUnreachable))
	assert.Contains(t, res.Diagnostics[0].Error(), "src/orphan.js")
	assert.True(t, perrors.IsWarning(res.Diagnostics[0]))

	defines := 0
	for _, a := range artifactsOf(res, output.ArtifactScript) {
		defines += strings.Count(string(a.Data), `define("src/y.js"`)
	}
	assert.Equal(t, 1, defines)
}

func TestRebuildLeafChange(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/main.js":  "import \"./page\";\nimport \"./other\";\n",
		"src/page.js":  "import \"./leaf\";\n",
		"src/leaf.js":  "export const v = 1;\n",
		"src/other.js": "export const o = 1;\n",
	})
	store, err := cache.NewMemory(128)
	require.NoError(t, err)
	p := newPipeline(t, root, testConfig(t, "development", nil), store)

	res, err := p.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"src/leaf.js", "src/main.js", "src/other.js", "src/page.js"}, res.Ran)

	writeTree(t, root, map[string]string{"src/leaf.js": "export const v = 2;\n"})
	res, err = p.Rebuild(context.Background(), []string{"src/leaf.js"})
	require.NoError(t, err)

	assert.Equal(t, []string{"src/leaf.js", "src/main.js", "src/page.js"}, res.Ran)
	assert.Equal(t, int64(1), res.Stats.CacheMisses)
	assert.Equal(t, int64(2), res.Stats.CacheHits)
	assert.Contains(t, scriptOf(t, res, "main"), "v = 2")

	res, err = p.Rebuild(context.Background(), []string{filepath.Join(root, "src", "leaf.js")})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/leaf.js", "src/main.js", "src/page.js"}, res.Ran)
	assert.Equal(t, int64(0), res.Stats.CacheMisses)
}

func TestRebuildDeletedFile(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/main.js": "import \"./leaf\";\n",
		"src/leaf.js": "export const v = 1;\n",
	})
	p := newPipeline(t, root, testConfig(t, "development", nil), nil)
	_, err := p.Build(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "src", "leaf.js")))
	res, err := p.Rebuild(context.Background(), []string{"src/leaf.js"})
	require.NoError(t, err, "missing dependencies do not fail development builds")
	assert.Equal(t, []string{"src/main.js"}, res.Ran)

	found := false
	for _, d := range res.Diagnostics {
		if errors.Is(d, perrors.ErrMissingDependency) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestBuildTransformFailure(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/main.js": "import \"./bad\";\nimport \"./good\";\n",
		"src/bad.js":  "let = ;\n",
		"src/good.js": "export const ok = true;\n",
	})

	res, err := newPipeline(t, root, testConfig(t, "production", nil), nil).Build(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrTransformFailure))
	require.NotNil(t, res, "the rest of the build still completes")
	assert.Contains(t, res.Graph.Modules, "src/good.js")
	assert.NotContains(t, res.Graph.Modules, "src/bad.js")
}

func TestBuildUnreachableTransformFailure(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/main.js":    "console.log(\"main\");\n",
		"src/scratch.js": "let = ;\n",
	})

	for _, mode := range []string{"development", "production"} {
		t.Run(mode, func(t *testing.T) {
			res, err := newPipeline(t, root, testConfig(t, mode, nil), nil).Build(context.Background())
			require.NoError(t, err, "nothing imports the broken file")
			assert.NotContains(t, res.Graph.Modules, "src/scratch.js")

			require.Len(t, res.Diagnostics, 1)
			d := res.Diagnostics[0]
			assert.True(t, perrors.IsWarning(d))
			assert.True(t, errors.Is(d, perrors.ErrUnreachable))
			assert.True(t, errors.Is(d, perrors.ErrTransformFailure), "the cause is kept for display")
			assert.Contains(t, d.Error(), "src/scratch.js")
		})
	}
}

func TestBuildMissingDependencyByMode(t *testing.T) {
	files := map[string]string{"src/main.js": "import \"./gone\";\n"}

	root := t.TempDir()
	writeTree(t, root, files)
	res, err := newPipeline(t, root, testConfig(t, "development", nil), nil).Build(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, res.Diagnostics)
	assert.True(t, errors.Is(res.Diagnostics[0], perrors.ErrMissingDependency))

	_, err = newPipeline(t, root, testConfig(t, "production", nil), nil).Build(context.Background())
	assert.True(t, errors.Is(err, perrors.ErrMissingDependency))
}

func TestBuildUnresolvedAsset(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/main.js":   "console.log(1);\n",
		"src/notes.txt": "todo",
	})
	res, err := newPipeline(t, root, testConfig(t, "production", nil), nil).Build(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Diagnostics, 1)
	assert.True(t, errors.Is(res.Diagnostics[0], perrors.ErrUnresolvedAsset))
}

func TestBuildInlineDisabled(t *testing.T) {
	root := appTree(t)
	res, err := newPipeline(t, root, testConfig(t, "production", map[string]interface{}{"assets.inline_limit": 0}), nil).Build(context.Background())
	require.NoError(t, err)

	assert.NotContains(t, scriptOf(t, res, "main"), "data:image/png;base64,")
	assert.Len(t, artifactsOf(res, output.ArtifactAsset), 2, "both images are emitted")
}

func TestBuildPublicConflict(t *testing.T) {
	root := appTree(t)
	writeTree(t, root, map[string]string{"public/" + output.ManifestName: "{}"})

	_, err := newPipeline(t, root, testConfig(t, "production", nil), nil).Build(context.Background())
	require.Error(t, err)
	assert.True(t, perrors.IsConfigError(err))
	assert.Contains(t, err.Error(), output.ManifestName)

	_, err = newPipeline(t, root, testConfig(t, "development", nil), nil).Build(context.Background())
	assert.NoError(t, err, "development does not copy the public directory")
}

func TestClearCache(t *testing.T) {
	root := appTree(t)
	cfg := testConfig(t, "development", map[string]interface{}{"build.cache": true})
	p := newPipeline(t, root, cfg, nil)

	_, err := p.Build(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.ClearCache())

	res, err := p.Build(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Stats.CacheHits)
	assert.Positive(t, res.Stats.CacheMisses)
}

func TestBuildVueComponent(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/main.js": "import App from \"./App.vue\";\nconsole.log(App);\n",
		"src/App.vue": "<template><h1>Hi</h1></template>\n<script>\nexport default { name: \"App\" };\n</script>\n<style>\nh1 { color: red; }\n</style>\n",
	})
	res, err := newPipeline(t, root, testConfig(t, "development", nil), nil).Build(context.Background())
	require.NoError(t, err)

	id := "src/App.vue?vue&type=style&index=0&lang.css"
	require.Contains(t, res.Graph.Modules, id)
	assert.True(t, res.Graph.Modules[id].IsStyle())
	main := scriptOf(t, res, "main")
	assert.Contains(t, main, "__assetpipe.style(")
	assert.Contains(t, main, "color: red")
	assert.Contains(t, main, `<h1>Hi</h1>`)
}

func TestBuildCancelled(t *testing.T) {
	root := appTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newPipeline(t, root, testConfig(t, "production", nil), nil).Build(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsBadRulesFile(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"rules.toml": "[[rule]]\nname = \"x\"\ntest = '\\.js$'\nuse = [\"nope\"]\ntype = \"script\"\n"})
	cfg := testConfig(t, "production", map[string]interface{}{"build.rules_file": "rules.toml"})
	policy, err := config.ResolvePolicy(cfg, func(string) string { return "" })
	require.NoError(t, err)

	_, err = New(Options{Root: root, Config: cfg, Policy: policy})
	assert.True(t, perrors.IsConfigError(err))
}

func TestWrite(t *testing.T) {
	root := appTree(t)
	writeTree(t, root, map[string]string{"dist/stale.txt": "old"})
	p := newPipeline(t, root, testConfig(t, "production", nil), nil)
	res, err := p.Build(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Write(context.Background(), res, "dist"))
	_, err = os.Stat(filepath.Join(root, "dist", "stale.txt"))
	assert.True(t, os.IsNotExist(err), "production output is cleaned")

	for _, a := range res.Artifacts {
		data, err := os.ReadFile(filepath.Join(root, "dist", filepath.FromSlash(a.Name)))
		require.NoError(t, err, a.Name)
		assert.Equal(t, a.Data, data)
	}

	err = p.Write(context.Background(), res, root)
	assert.True(t, perrors.IsConfigError(err), "the project root is never cleaned")
}

func TestNewStore(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, "production", map[string]interface{}{"build.cache": true})
	store, err := NewStore(root, cfg)
	require.NoError(t, err)
	_, layered := store.(*cache.Layered)
	assert.True(t, layered)

	cfg = testConfig(t, "production", nil)
	store, err = NewStore(root, cfg)
	require.NoError(t, err)
	assert.Equal(t, cache.Nop{}, store)
}

func TestUpdates(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/main.js":   "import \"./leaf\";\nimport \"./style.css\";\n",
		"src/leaf.js":   "export const v = 1;\n",
		"src/style.css": "body { color: red; }\n",
	})
	p := newPipeline(t, root, testConfig(t, "development", nil), nil)
	_, err := p.Build(context.Background())
	require.NoError(t, err)

	writeTree(t, root, map[string]string{"src/style.css": "body { color: blue; }\n"})
	res, err := p.Rebuild(context.Background(), []string{"src/style.css"})
	require.NoError(t, err)

	updates, err := p.Updates(res)
	require.NoError(t, err)
	ids := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.ID
	}
	assert.Equal(t, []string{"src/main.js", "src/style.css"}, ids)
	assert.Contains(t, updates[1].Code, "blue")
	assert.Equal(t, "src/leaf.js", updates[0].Map["./leaf"])
}

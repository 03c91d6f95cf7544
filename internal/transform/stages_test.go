package transform

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/assetpipe/internal/asset"
	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/rules"
)

var testTargets = []string{"chrome87", "firefox78", "safari14", "edge88"}

func input(path, code string) Input {
	return Input{File: NewSourceFile(path, []byte(code)), Code: []byte(code), Meta: map[string]string{}}
}

func TestParseTargets(t *testing.T) {
	engines, err := ParseTargets([]string{"chrome87", "Safari14.1"})
	require.NoError(t, err)
	require.Len(t, engines, 2)
	assert.Equal(t, "87", engines[0].Version)
	assert.Equal(t, "14.1", engines[1].Version)

	_, err = ParseTargets([]string{"netscape4"})
	assert.Error(t, err)
	_, err = ParseTargets([]string{"chrome"})
	assert.Error(t, err)
}

func TestScriptStage(t *testing.T) {
	s, err := NewScriptStage(prodPolicy(), DefaultDefines(prodPolicy(), nil), testTargets)
	require.NoError(t, err)

	out, err := s.Run(context.Background(), input("src/main.js", `
import { createApp } from 'vue'
import App from './App.vue'
import './styles/base.css'
if (process.env.NODE_ENV !== 'production') { console.log('dev only') }
createApp(App).mount('#app')
`))
	require.NoError(t, err)

	code := string(out.Code)
	assert.Contains(t, code, `require("vue")`)
	assert.Contains(t, code, `require("./App.vue")`)
	assert.NotContains(t, code, "dev only", "dead branch removed by define and minify")
	assert.NotEmpty(t, out.Map)

	specs := make([]string, 0, len(out.Imports))
	for _, imp := range out.Imports {
		specs = append(specs, imp.Specifier)
	}
	assert.ElementsMatch(t, []string{"vue", "./App.vue", "./styles/base.css"}, specs)
}

func TestScriptStageDevKeepsFormatting(t *testing.T) {
	s, err := NewScriptStage(devPolicy(), DefaultDefines(devPolicy(), map[string]string{"API_URL": `"http://localhost"`}), testTargets)
	require.NoError(t, err)

	out, err := s.Run(context.Background(), input("src/a.js", "console.log(process.env.NODE_ENV, API_URL)\n"))
	require.NoError(t, err)
	assert.Contains(t, string(out.Code), `"development"`)
	assert.Contains(t, string(out.Code), `"http://localhost"`)
	assert.Contains(t, string(out.Code), "\n")
}

func TestScriptStageSyntaxError(t *testing.T) {
	s, err := NewScriptStage(devPolicy(), nil, testTargets)
	require.NoError(t, err)

	e := NewExecutor(NewRegistry(s), nil, devPolicy())
	_, err = e.Run(context.Background(), NewSourceFile("src/broken.js", []byte("const = 1;\n")), chainOf(rules.StageScript))
	require.Error(t, err)

	var pe *perrors.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, perrors.ErrorTypeTransform, pe.Type)
	assert.Equal(t, 1, pe.Line)
	assert.Equal(t, "script", pe.Stage)
}

func TestScriptStageConfigHash(t *testing.T) {
	a, _ := NewScriptStage(devPolicy(), map[string]string{"X": "1"}, testTargets)
	b, _ := NewScriptStage(devPolicy(), map[string]string{"X": "2"}, testTargets)
	c, _ := NewScriptStage(prodPolicy(), map[string]string{"X": "1"}, testTargets)
	assert.NotEqual(t, a.ConfigHash(), b.ConfigHash())
	assert.NotEqual(t, a.ConfigHash(), c.ConfigHash())
}

func TestPostCSSStageMinifiesInProduction(t *testing.T) {
	css := ".btn {\n  color: #ff0000;\n}\n"

	dev, err := NewPostCSSStage(devPolicy(), testTargets)
	require.NoError(t, err)
	prod, err := NewPostCSSStage(prodPolicy(), testTargets)
	require.NoError(t, err)

	d, err := dev.Run(context.Background(), input("src/a.css", css))
	require.NoError(t, err)
	p, err := prod.Run(context.Background(), input("src/a.css", css))
	require.NoError(t, err)

	assert.Contains(t, string(d.Code), ".btn")
	assert.Less(t, len(p.Code), len(d.Code))
	assert.NotContains(t, string(p.Code), "\n  ")
}

func TestSassStage(t *testing.T) {
	s, err := NewSassStage(testTargets)
	require.NoError(t, err)

	out, err := s.Run(context.Background(), input("src/theme.scss", `
// brand colours
$primary: #336699;
$accent: $primary;
.card {
  color: $primary;
  .title { border-color: $accent; }
}
`))
	require.NoError(t, err)
	code := string(out.Code)
	assert.Contains(t, code, "#336699")
	assert.Contains(t, code, ".card .title")
	assert.NotContains(t, code, "$primary")
	assert.NotContains(t, code, "brand colours")
	assert.Contains(t, string(out.Map), `"src/theme.scss"`)
}

func TestStyleMapsChain(t *testing.T) {
	sass, err := NewSassStage(testTargets)
	require.NoError(t, err)
	compiled, err := sass.Run(context.Background(), input("src/theme.scss", "$c: red;\n.a { color: $c; }\n"))
	require.NoError(t, err)
	require.NotEmpty(t, compiled.Map)

	post, err := NewPostCSSStage(devPolicy(), testTargets)
	require.NoError(t, err)
	in := input("src/intermediate.css", string(compiled.Code))
	in.Map = compiled.Map
	out, err := post.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, string(out.Map), `"src/theme.scss"`, "the incoming map is chained")
	assert.NotContains(t, string(out.Code), "sourceMappingURL")
}

func TestSassStageFailures(t *testing.T) {
	s, err := NewSassStage(testTargets)
	require.NoError(t, err)

	_, err = s.Run(context.Background(), input("src/legacy.sass", ".a\n  color: red\n"))
	assert.ErrorContains(t, err, "indented")

	_, err = s.Run(context.Background(), input("src/x.scss", ".a { color: $missing; }"))
	assert.ErrorContains(t, err, "$missing")
}

func TestCSSStage(t *testing.T) {
	out, err := CSSStage{}.Run(context.Background(), input("src/styles/app.css", `@import "./reset.css";
@import url('theme.css') screen;
@import "https://fonts.example.com/inter.css";
.hero { background: url(../assets/hero.png) no-repeat; }
.icon { background: url("data:image/png;base64,AAAA"); }
.ext { background: url(https://cdn.example.com/a.png); }
`))
	require.NoError(t, err)

	assert.Equal(t, []Import{
		{Specifier: "./reset.css", Kind: ImportStyle},
		{Specifier: "theme.css", Kind: ImportStyle},
		{Specifier: "../assets/hero.png", Kind: ImportURL},
	}, out.Imports)

	code := string(out.Code)
	assert.NotContains(t, code, "reset.css")
	assert.Contains(t, code, "fonts.example.com", "remote imports are kept")
	assert.Contains(t, code, "url(../assets/hero.png)")
}

func TestCSSStageKeepsPositions(t *testing.T) {
	src := "@import \"./reset.css\";\n@import url(\n  'theme.css'\n);\n.hero { color: red; }\n"
	in := input("src/app.css", src)
	in.Map = []byte(`{"version":3,"sources":["src/app.scss"],"mappings":""}`)

	out, err := CSSStage{}.Run(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out.Imports, 2)

	code := string(out.Code)
	assert.Len(t, code, len(src))
	assert.Equal(t, strings.Count(src, "\n"), strings.Count(code, "\n"))
	assert.Equal(t, strings.Index(src, ".hero"), strings.Index(code, ".hero"))
	assert.Equal(t, in.Map, out.Map)
}

func TestRewriteURLs(t *testing.T) {
	css := []byte(`.a{background:url(./a.png)}.b{background:url("./b.png")}.c{background:url(./c.png)}`)
	got := RewriteURLs(css, map[string]string{
		"./a.png": "/static/0123456789.png",
		"./b.png": "data:image/png;base64,AA==",
	})
	assert.Equal(t, `.a{background:url("/static/0123456789.png")}.b{background:url("data:image/png;base64,AA==")}.c{background:url(./c.png)}`, string(got))
}

func TestIsLocalReference(t *testing.T) {
	assert.True(t, IsLocalReference("./a.png"))
	assert.True(t, IsLocalReference("img/a.png?v=1"))
	assert.True(t, IsLocalReference("~normalize.css/normalize.css"))
	assert.False(t, IsLocalReference("#filter"))
	assert.False(t, IsLocalReference("/abs.png"))
	assert.False(t, IsLocalReference("data:image/png;base64,AA"))
	assert.False(t, IsLocalReference("HTTPS://x/y.png"))
}

const sfc = `<template>
  <div class="app">
    <template v-if="ok"><span>{{ msg }}</span></template>
    <img src="./assets/logo.png">
  </div>
</template>

<script>
import Hello from './Hello.vue'
export default {
  components: { Hello },
  data() { return { msg: 'hi', ok: true } }
}
</script>

<style>
.app { color: red; }
</style>

<style lang="scss">
$c: blue;
.app { .x { color: $c; } }
</style>
`

func TestSplitComponent(t *testing.T) {
	blocks, err := splitComponent([]byte(sfc))
	require.NoError(t, err)
	require.Len(t, blocks, 4)

	assert.Equal(t, "template", blocks[0].tag)
	assert.Contains(t, blocks[0].content, `<template v-if="ok"><span>{{ msg }}</span></template>`)
	assert.Contains(t, blocks[0].content, `<img src="./assets/logo.png">`)

	assert.Equal(t, "script", blocks[1].tag)
	assert.Contains(t, blocks[1].content, "import Hello from './Hello.vue'")

	assert.Equal(t, "style", blocks[2].tag)
	assert.Equal(t, "\n.app { color: red; }\n", blocks[2].content)
	assert.Equal(t, "scss", blocks[3].attrs["lang"])

	_, err = splitComponent([]byte("<template><div></div>"))
	assert.Error(t, err)
}

func TestComponentStage(t *testing.T) {
	out, err := ComponentStage{}.Run(context.Background(), input("src/App.vue", sfc))
	require.NoError(t, err)

	code := string(out.Code)
	assert.Contains(t, code, `import "./App.vue?vue&type=style&index=0&lang.css";`)
	assert.Contains(t, code, `import "./App.vue?vue&type=style&index=1&lang.scss";`)
	assert.Contains(t, code, "const __sfc__ = {")
	assert.Contains(t, code, "__sfc__.template = ")
	assert.Contains(t, code, "export default __sfc__;")

	require.Len(t, out.Virtual, 2)
	assert.Equal(t, "src/App.vue?vue&type=style&index=0&lang.css", out.Virtual[0].Path)
	assert.Equal(t, "src/App.vue?vue&type=style&index=1&lang.scss", out.Virtual[1].Path)
	assert.Equal(t, "src/App.vue", out.Virtual[0].FilePath())

	m := rules.MustNew(rules.Defaults("src"))
	chain, ok := m.Match(out.Virtual[1].Path)
	require.True(t, ok)
	assert.Equal(t, "scss", chain.Rule)
}

func TestComponentThroughScriptStage(t *testing.T) {
	script, err := NewScriptStage(devPolicy(), DefaultDefines(devPolicy(), nil), testTargets)
	require.NoError(t, err)
	e := NewExecutor(NewRegistry(ComponentStage{}, script), nil, devPolicy())

	rec, err := e.Run(context.Background(), NewSourceFile("src/App.vue", []byte(sfc)), chainOf(rules.StageComponent, rules.StageScript))
	require.NoError(t, err)

	var specs []string
	for _, imp := range rec.Imports {
		specs = append(specs, imp.Specifier)
	}
	assert.Contains(t, specs, "./Hello.vue")
	assert.Contains(t, specs, "./App.vue?vue&type=style&index=0&lang.css")
	assert.Len(t, rec.Virtual, 2)
}

func TestComponentWithoutScript(t *testing.T) {
	out, err := ComponentStage{}.Run(context.Background(), input("src/Static.vue", "<template><p>static</p></template>"))
	require.NoError(t, err)
	assert.Contains(t, string(out.Code), "const __sfc__ = {};")
	assert.Contains(t, string(out.Code), `"<p>static</p>"`)
}

func TestJSONStage(t *testing.T) {
	out, err := NewJSONStage(prodPolicy()).Run(context.Background(), input("src/data.json", "{\n  \"a\": [1, 2]\n}\n"))
	require.NoError(t, err)
	assert.Equal(t, "module.exports = {\"a\":[1,2]};\n", string(out.Code))

	_, err = NewJSONStage(devPolicy()).Run(context.Background(), input("src/bad.json", "{a:1}"))
	assert.Error(t, err)
}

func TestAssetStage(t *testing.T) {
	c := asset.NewClassifier(prodPolicy())
	s := NewAssetStage(c)

	small := input("src/assets/logo.png", strings.Repeat("x", 8*1024))
	small.Type = rules.TypeAsset
	out, err := s.Run(context.Background(), small)
	require.NoError(t, err)
	require.NotNil(t, out.Asset)
	assert.Equal(t, asset.Inlined, out.Asset.Disposition)
	assert.True(t, strings.HasPrefix(string(out.Code), `module.exports = "data:image/png;base64,`))

	font := input("src/fonts/a.woff2", "tiny")
	font.Type = rules.TypeResource
	out, err = s.Run(context.Background(), font)
	require.NoError(t, err)
	assert.Equal(t, asset.Emitted, out.Asset.Disposition)
	assert.Regexp(t, `^module.exports = "/static/[0-9a-f]{10}\.woff2";`, string(out.Code))
}

func TestAssetStageCachedRecordSurvives(t *testing.T) {
	policy := config.NewModePolicy(config.Production, config.PolicyOptions{})
	e := NewExecutor(NewRegistry(NewAssetStage(asset.NewClassifier(policy))), newMemory(t), policy)
	file := NewSourceFile("src/big.png", bytes.Repeat([]byte{1}, 20000))
	chain := rules.Chain{Rule: "images", Stages: []string{rules.StageAsset}, Type: rules.TypeAsset}

	first, err := e.Run(context.Background(), file, chain)
	require.NoError(t, err)
	second, err := e.Run(context.Background(), file, chain)
	require.NoError(t, err)

	require.NotNil(t, second.Asset)
	assert.Equal(t, *first.Asset, *second.Asset)
	assert.Equal(t, int64(1), e.Stats().CacheHits)
}

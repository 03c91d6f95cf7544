package html

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/assetpipe/internal/output"
)

func manifest() *output.Manifest {
	return &output.Manifest{Chunks: []output.ChunkFiles{
		{Name: "runtime", Script: "js/runtime.abc.js"},
		{Name: "common", Script: "js/common.def.chunk.js", Style: "styles/common.111.css"},
		{Name: "main", Script: "js/main.ghi.js", Style: "styles/main.222.css"},
	}}
}

func TestRenderTemplate(t *testing.T) {
	tmpl := []byte(`<!DOCTYPE html>
<html><head><title>App</title></head>
<body><div id="app"></div></body></html>`)

	out, err := New(tmpl, "").Render(context.Background(), manifest())
	require.NoError(t, err)
	doc := string(out)

	assert.True(t, strings.HasPrefix(doc, "<!DOCTYPE html>"))
	assert.Contains(t, doc, `<link href="/styles/common.111.css" rel="stylesheet"/>`)
	assert.Contains(t, doc, `<script defer="" src="/js/runtime.abc.js"></script>`)

	headEnd := strings.Index(doc, "</head>")
	assert.Less(t, strings.Index(doc, "common.111.css"), headEnd)
	assert.Less(t, strings.Index(doc, "main.222.css"), headEnd)

	rt := strings.Index(doc, "runtime.abc.js")
	common := strings.Index(doc, "common.def.chunk.js")
	main := strings.Index(doc, "main.ghi.js")
	assert.Greater(t, rt, strings.Index(doc, `<div id="app">`))
	assert.Less(t, rt, common)
	assert.Less(t, common, main)
}

func TestRenderDefaultShell(t *testing.T) {
	out, err := New(nil, "My <App>").Render(context.Background(), manifest())
	require.NoError(t, err)
	doc := string(out)
	assert.Contains(t, doc, "<title>My &lt;App&gt;</title>")
	assert.Contains(t, doc, `<div id="app"></div>`)
	assert.Contains(t, doc, `src="/js/main.ghi.js"`)
}

func TestShell(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, Shell(`a&b "quoted"`).Render(context.Background(), &sb))
	doc := sb.String()
	assert.True(t, strings.HasPrefix(doc, "<!doctype html>"))
	assert.Contains(t, doc, "<title>a&amp;b &#34;quoted&#34;</title>")
	assert.Contains(t, doc, "<noscript>")
}

func TestRenderEmptyManifest(t *testing.T) {
	out, err := New([]byte("<p>hi</p>"), "").Render(context.Background(), &output.Manifest{})
	require.NoError(t, err)
	assert.Contains(t, string(out), "<p>hi</p>")
	assert.NotContains(t, string(out), "<script")
}

func TestRenderRepairsBrokenTemplate(t *testing.T) {
	out, err := New([]byte("<div><span>"), "").Render(context.Background(), manifest())
	require.NoError(t, err)
	assert.Contains(t, string(out), `<div><span></span></div>`)
	assert.Contains(t, string(out), `src="/js/main.ghi.js"`)
}

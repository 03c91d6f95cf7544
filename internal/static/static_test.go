package static

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/output"
)

func names(artifacts []output.Artifact) []string {
	out := make([]string, len(artifacts))
	for i, a := range artifacts {
		out[i] = a.Name
	}
	sort.Strings(out)
	return out
}

func TestCollect(t *testing.T) {
	fsys := fstest.MapFS{
		"public/index.html":         {Data: []byte("<html></html>")},
		"public/favicon.ico":        {Data: []byte{0, 1}},
		"public/.well-known/x.json": {Data: []byte("{}")},
		"public/docs/index.html":    {Data: []byte("nested")},
		"public/docs/guide.txt":     {Data: []byte("guide")},
		"public/tmp/cache.bin":      {Data: []byte("c")},
		"public/debug.log":          {Data: []byte("l")},
		"src/main.js":               {Data: []byte("")},
	}

	c, err := New(fsys, "public", DefaultIgnore, []byte("# comment\n*.log\n/public/tmp/\n!keep.log\n"))
	require.NoError(t, err)

	artifacts, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{".well-known/x.json", "docs/guide.txt", "favicon.ico"}, names(artifacts))
	for _, a := range artifacts {
		assert.Equal(t, output.ArtifactStatic, a.Kind)
		if a.Name == "favicon.ico" {
			assert.Equal(t, []byte{0, 1}, a.Data)
		}
	}
}

func TestCollectMissingPublicDir(t *testing.T) {
	c, err := New(fstest.MapFS{"src/a.js": {}}, "public", DefaultIgnore, nil)
	require.NoError(t, err)
	artifacts, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestCollectCancelled(t *testing.T) {
	c, err := New(fstest.MapFS{"public/a.txt": {}}, "public", nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Collect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsBadPattern(t *testing.T) {
	_, err := New(fstest.MapFS{}, "public", []string{"[unclosed"}, nil)
	assert.True(t, perrors.IsConfigError(err))
}

func TestParseGitignore(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"unanchored file", "*.log", []string{"**/*.log", "**/*.log/**"}},
		{"directory", "node_modules/", []string{"**/node_modules/**"}},
		{"anchored", "/dist", []string{"dist", "dist/**"}},
		{"nested path", "public/tmp", []string{"public/tmp", "public/tmp/**"}},
		{"comments and negations", "# x\n\n!a", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseGitignore([]byte(tt.in)))
		})
	}
}

func TestReadGitignore(t *testing.T) {
	dir := t.TempDir()
	assert.Nil(t, ReadGitignore(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*.log\n"), 0o644))
	assert.Equal(t, "*.log\n", string(ReadGitignore(dir)))
}

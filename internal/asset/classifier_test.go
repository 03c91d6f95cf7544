package asset

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/assetpipe/internal/config"
)

func policy(mode config.Mode) config.ModePolicy {
	return config.NewModePolicy(mode, config.PolicyOptions{})
}

func TestInlineBoundary(t *testing.T) {
	limit := int64(config.DefaultInlineLimit)

	tests := []struct {
		name string
		mode config.Mode
		kind Kind
		size int64
		want bool
	}{
		{"image at threshold inlines in production", config.Production, KindImage, limit, true},
		{"image above threshold emits in production", config.Production, KindImage, limit + 1, false},
		{"image at threshold inlines in development", config.Development, KindImage, limit, true},
		{"image above threshold emits in development", config.Development, KindImage, limit + 1, false},
		{"empty image inlines", config.Production, KindImage, 0, true},
		{"small font emits in production", config.Production, KindResource, 100, false},
		{"small font inlines in development", config.Development, KindResource, 100, true},
		{"font at threshold inlines in development", config.Development, KindResource, limit, true},
		{"large font emits in development", config.Development, KindResource, limit + 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(policy(tt.mode))
			assert.Equal(t, tt.want, c.Inline(tt.size, tt.kind))
		})
	}
}

func TestClassifyInlined(t *testing.T) {
	c := NewClassifier(policy(config.Production))
	data := bytes.Repeat([]byte{0x89}, 8*1024)

	rec := c.Classify("src/assets/logo.png", data, KindImage)
	assert.Equal(t, Inlined, rec.Disposition)
	assert.Empty(t, rec.OutputPath)
	assert.True(t, strings.HasPrefix(rec.DataURI, "data:image/png;base64,"))
	assert.Equal(t, rec.DataURI, rec.URL())
	assert.Equal(t, int64(8*1024), rec.Size)
}

func TestClassifyEmitted(t *testing.T) {
	data := bytes.Repeat([]byte("a"), config.DefaultInlineLimit+1)

	prod := NewClassifier(policy(config.Production)).Classify("src/assets/hero.jpg", data, KindImage)
	require.Equal(t, Emitted, prod.Disposition)
	assert.Regexp(t, `^static/[0-9a-f]{10}\.jpg$`, prod.OutputPath)
	assert.Equal(t, "/"+prod.OutputPath, prod.URL())
	assert.Empty(t, prod.DataURI)

	dev := NewClassifier(policy(config.Development)).Classify("src/assets/hero.jpg", data, KindImage)
	require.Equal(t, Emitted, dev.Disposition)
	assert.Equal(t, "static/src/assets/hero.jpg", dev.OutputPath)
}

func TestClassifyDeterministic(t *testing.T) {
	c := NewClassifier(policy(config.Production))
	data := bytes.Repeat([]byte("z"), 20000)
	a := c.Classify("a.png", data, KindImage)
	b := c.Classify("a.png", data, KindImage)
	assert.Equal(t, a, b)

	data[0] = 'y'
	d := c.Classify("a.png", data, KindImage)
	assert.NotEqual(t, a.OutputPath, d.OutputPath)
}

func TestMimeType(t *testing.T) {
	assert.Equal(t, "image/svg+xml", MimeType("icons/x.SVG"))
	assert.Equal(t, "font/woff2", MimeType("f.woff2"))
	assert.Equal(t, "application/octet-stream", MimeType("blob.unknownext"))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "src/a.png", sanitize("./src/a.png"))
	assert.Equal(t, "etc/passwd", sanitize("../../etc/passwd"))
}

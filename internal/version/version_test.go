package version

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func withVersion(t *testing.T, v, commit, built string) {
	t.Helper()
	oldV, oldC, oldB := Version, GitCommit, BuildTime
	Version, GitCommit, BuildTime = v, commit, built
	t.Cleanup(func() { Version, GitCommit, BuildTime = oldV, oldC, oldB })
}

func TestRelease(t *testing.T) {
	withVersion(t, "v1.4.0", "0123456789abcdef", "2026-03-01T10:00:00Z")

	assert.Equal(t, "v1.4.0", GetVersion())
	assert.True(t, IsRelease())
	assert.Equal(t, "v1.4.0 (0123456)", GetShortVersion())
	assert.Equal(t, "v-1.4.0", CacheNamespace())

	info := GetBuildInfo()
	assert.Equal(t, "0123456789abcdef", info.GitCommit)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), info.BuildTime)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		zero bool
	}{
		{in: "2026-03-01T10:00:00Z"},
		{in: "2026-03-01T10:00:00"},
		{in: "2026-03-01 10:00:00"},
		{in: "unknown", zero: true},
		{in: "", zero: true},
		{in: "yesterday", zero: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.zero, parseTime(tt.in).IsZero())
		})
	}
}

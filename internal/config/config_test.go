package config

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
)

func TestLoadFrom(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(v *viper.Viper)
		expectError bool
		check       func(t *testing.T, cfg *Config)
	}{
		{
			name:  "defaults",
			setup: func(v *viper.Viper) {},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "src", cfg.SourceDir)
				assert.Equal(t, "dist", cfg.OutputDir)
				assert.Equal(t, map[string]string{"main": "src/main.js"}, cfg.Entries)
				assert.Equal(t, int64(DefaultInlineLimit), cfg.Assets.InlineLimit)
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Server.Host)
				assert.True(t, cfg.Development.HotReload)
				assert.Equal(t, 100*time.Millisecond, cfg.Development.Debounce)
				assert.Equal(t, []string{".vue", ".js", ".json"}, cfg.Resolve.Extensions)
				assert.Equal(t, "src", cfg.Resolve.Alias["@"])
				assert.NotNil(t, cfg.Defines)
			},
		},
		{
			name: "custom entries replace the default",
			setup: func(v *viper.Viper) {
				v.Set("entries", map[string]string{"admin": "src/admin.js", "site": "src/site.js"})
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, map[string]string{"admin": "src/admin.js", "site": "src/site.js"}, cfg.Entries)
			},
		},
		{
			name: "alias follows source dir",
			setup: func(v *viper.Viper) {
				v.Set("source_dir", "app")
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "app", cfg.Resolve.Alias["@"])
			},
		},
		{
			name: "invalid port",
			setup: func(v *viper.Viper) {
				v.Set("server.port", 70000)
			},
			expectError: true,
		},
		{
			name: "dangerous host",
			setup: func(v *viper.Viper) {
				v.Set("server.host", "localhost; rm -rf /")
			},
			expectError: true,
		},
		{
			name: "negative inline limit",
			setup: func(v *viper.Viper) {
				v.Set("assets.inline_limit", -1)
			},
			expectError: true,
		},
		{
			name: "path traversal",
			setup: func(v *viper.Viper) {
				v.Set("output_dir", "../outside")
			},
			expectError: true,
		},
		{
			name: "unknown mode",
			setup: func(v *viper.Viper) {
				v.Set("mode", "staging")
			},
			expectError: true,
		},
		{
			name: "unparseable port",
			setup: func(v *viper.Viper) {
				v.Set("server.port", "not-a-port")
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			tt.setup(v)

			cfg, err := LoadFrom(v)
			if tt.expectError {
				require.Error(t, err)
				assert.Nil(t, cfg)
				assert.True(t, perrors.IsConfigError(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadFromEmptyEntrySet(t *testing.T) {
	v := viper.New()
	v.Set("entries", map[string]string{})

	cfg, err := LoadFrom(v)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.True(t, errors.Is(err, perrors.ErrEmptyEntrySet))
}

func TestLoadGlobal(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("server.port", 9090)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"src", false},
		{"./public", false},
		{"a/../../b", true},
		{"/etc", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := validatePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

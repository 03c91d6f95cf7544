// Package config provides configuration management for assetpipe using Viper
// for loading from files, environment variables and command-line flags.
//
// The configuration system supports YAML files, environment variable overrides
// with the ASSETPIPE_ prefix, a .env file, and validation. It also resolves the
// process-wide ModePolicy that every pipeline stage reads.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
)

// DefaultInlineLimit is the asset size, in bytes, at or below which assets are
// inlined as data URIs.
const DefaultInlineLimit = 10 * 1024

type Config struct {
	Mode      string            `yaml:"mode" mapstructure:"mode"`
	SourceDir string            `yaml:"source_dir" mapstructure:"source_dir"`
	PublicDir string            `yaml:"public_dir" mapstructure:"public_dir"`
	OutputDir string            `yaml:"output_dir" mapstructure:"output_dir"`
	Template  string            `yaml:"template" mapstructure:"template"`
	Entries   map[string]string `yaml:"entries" mapstructure:"entries"`
	Defines   map[string]string `yaml:"defines" mapstructure:"defines"`

	Build       BuildConfig       `yaml:"build" mapstructure:"build"`
	Resolve     ResolveConfig     `yaml:"resolve" mapstructure:"resolve"`
	Assets      AssetsConfig      `yaml:"assets" mapstructure:"assets"`
	Split       SplitConfig       `yaml:"split" mapstructure:"split"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Development DevelopmentConfig `yaml:"development" mapstructure:"development"`
	Lint        LintConfig        `yaml:"lint" mapstructure:"lint"`
	Publish     PublishConfig     `yaml:"publish" mapstructure:"publish"`
}

type BuildConfig struct {
	Workers          int           `yaml:"workers" mapstructure:"workers"`
	Cache            bool          `yaml:"cache" mapstructure:"cache"`
	CacheDir         string        `yaml:"cache_dir" mapstructure:"cache_dir"`
	CacheEntries     int           `yaml:"cache_entries" mapstructure:"cache_entries"`
	TransformTimeout time.Duration `yaml:"transform_timeout" mapstructure:"transform_timeout"`
	Clean            bool          `yaml:"clean" mapstructure:"clean"`
	RulesFile        string        `yaml:"rules_file" mapstructure:"rules_file"`
	Targets          []string      `yaml:"targets" mapstructure:"targets"`
}

type ResolveConfig struct {
	Extensions []string          `yaml:"extensions" mapstructure:"extensions"`
	Alias      map[string]string `yaml:"alias" mapstructure:"alias"`
}

type AssetsConfig struct {
	InlineLimit int64 `yaml:"inline_limit" mapstructure:"inline_limit"`
}

type SplitConfig struct {
	Vendors bool `yaml:"vendors" mapstructure:"vendors"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
	Open bool   `yaml:"open" mapstructure:"open"`
}

type DevelopmentConfig struct {
	HotReload    bool          `yaml:"hot_reload" mapstructure:"hot_reload"`
	ErrorOverlay bool          `yaml:"error_overlay" mapstructure:"error_overlay"`
	Debounce     time.Duration `yaml:"debounce" mapstructure:"debounce"`
}

type LintConfig struct {
	Enabled       bool `yaml:"enabled" mapstructure:"enabled"`
	FailOnWarning bool `yaml:"fail_on_warning" mapstructure:"fail_on_warning"`
}

type PublishConfig struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	Region    string `yaml:"region" mapstructure:"region"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// SetDefaults registers every key with v so that ASSETPIPE_* environment
// variables are honoured by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", "")
	v.SetDefault("source_dir", "src")
	v.SetDefault("public_dir", "public")
	v.SetDefault("output_dir", "dist")
	v.SetDefault("template", "public/index.html")

	v.SetDefault("build.workers", 8)
	v.SetDefault("build.cache", true)
	v.SetDefault("build.cache_dir", ".assetpipe/cache")
	v.SetDefault("build.cache_entries", 4096)
	v.SetDefault("build.transform_timeout", 30*time.Second)
	v.SetDefault("build.clean", true)
	v.SetDefault("build.rules_file", "")
	v.SetDefault("build.targets", []string{"chrome87", "firefox78", "safari14", "edge88"})

	v.SetDefault("resolve.extensions", []string{".vue", ".js", ".json"})

	v.SetDefault("assets.inline_limit", DefaultInlineLimit)

	v.SetDefault("split.vendors", true)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.open", false)

	v.SetDefault("development.hot_reload", true)
	v.SetDefault("development.error_overlay", true)
	v.SetDefault("development.debounce", 100*time.Millisecond)

	v.SetDefault("lint.enabled", true)
	v.SetDefault("lint.fail_on_warning", false)

	v.SetDefault("publish.endpoint", "")
	v.SetDefault("publish.region", "us-east-1")
	v.SetDefault("publish.bucket", "")
	v.SetDefault("publish.prefix", "")
	v.SetDefault("publish.access_key", "")
	v.SetDefault("publish.secret_key", "")
	v.SetDefault("publish.use_ssl", true)
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v, applying defaults and validation.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, perrors.NewConfigError("UNMARSHAL", fmt.Sprintf("cannot decode configuration: %v", err))
	}

	// Map defaults would be merged key by key with user maps, so they are
	// applied here instead.
	if !v.IsSet("entries") {
		config.Entries = map[string]string{"main": "src/main.js"}
	}
	if config.Defines == nil {
		config.Defines = map[string]string{}
	}
	if config.Resolve.Alias == nil {
		config.Resolve.Alias = map[string]string{}
	}
	if _, ok := config.Resolve.Alias["@"]; !ok {
		config.Resolve.Alias["@"] = config.SourceDir
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	if _, err := ParseMode(config.Mode); err != nil {
		return perrors.NewConfigError("INVALID_MODE", err.Error())
	}

	if config.Server.Port < 0 || config.Server.Port > 65535 {
		return perrors.NewConfigError("INVALID_PORT", fmt.Sprintf("port %d is not in valid range 0-65535", config.Server.Port))
	}

	if config.Server.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
		for _, char := range dangerousChars {
			if strings.Contains(config.Server.Host, char) {
				return perrors.NewConfigError("INVALID_HOST", fmt.Sprintf("host contains dangerous character: %s", char))
			}
		}
	}

	if config.Assets.InlineLimit < 0 {
		return perrors.NewConfigError("INVALID_INLINE_LIMIT", "assets.inline_limit must not be negative")
	}

	if config.Build.Workers < 1 {
		return perrors.NewConfigError("INVALID_WORKERS", "build.workers must be at least 1")
	}

	for name, path := range map[string]string{
		"source_dir":      config.SourceDir,
		"public_dir":      config.PublicDir,
		"output_dir":      config.OutputDir,
		"build.cache_dir": config.Build.CacheDir,
	} {
		if err := validatePath(path); err != nil {
			return perrors.NewConfigError("INVALID_PATH", fmt.Sprintf("%s: %v", name, err))
		}
	}

	if len(config.Entries) == 0 {
		return perrors.NewEmptyEntrySet()
	}
	for name, path := range config.Entries {
		if strings.TrimSpace(name) == "" {
			return perrors.NewConfigError("INVALID_ENTRY", "entry names must not be empty")
		}
		if err := validatePath(path); err != nil {
			return perrors.NewConfigError("INVALID_ENTRY", fmt.Sprintf("entry %s: %v", name, err))
		}
	}

	return nil
}

// validatePath validates a project-relative path.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains traversal: %s", path)
	}

	if filepath.IsAbs(cleanPath) {
		return fmt.Errorf("path should be relative: %s", path)
	}

	return nil
}

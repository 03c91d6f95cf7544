package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Mode is the build mode switch.
type Mode int

const (
	Development Mode = iota
	Production
)

// String returns the string representation of the mode
func (m Mode) String() string {
	if m == Production {
		return "production"
	}
	return "development"
}

// ParseMode parses a mode flag. The empty string selects development.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "development", "dev":
		return Development, nil
	case "production", "prod":
		return Production, nil
	default:
		return Development, fmt.Errorf("unknown mode %q (want development or production)", s)
	}
}

// SourceMapKind is the source-map fidelity selected by the mode.
type SourceMapKind int

const (
	// SourceMapInline appends the map to each chunk as a data URI.
	SourceMapInline SourceMapKind = iota
	// SourceMapExternal writes the map next to each chunk as a .map file.
	SourceMapExternal
)

// ModePolicy is the immutable, process-wide build policy. It is resolved once
// at startup and then only read; all fields are unexported and every method
// has a value receiver.
type ModePolicy struct {
	mode        Mode
	inlineLimit int64
	hot         bool
	overlay     bool
}

// PolicyOptions carries the configuration inputs of a ModePolicy.
type PolicyOptions struct {
	InlineLimit int64
	// NoInline turns asset inlining off and overrides InlineLimit.
	NoInline  bool
	HotReload bool
	Overlay   bool
}

// NewModePolicy builds a policy. A non-positive inline limit selects the
// default of 10 KiB unless NoInline is set.
func NewModePolicy(mode Mode, opts PolicyOptions) ModePolicy {
	limit := opts.InlineLimit
	switch {
	case opts.NoInline:
		limit = -1
	case limit <= 0:
		limit = DefaultInlineLimit
	}
	return ModePolicy{
		mode:        mode,
		inlineLimit: limit,
		hot:         opts.HotReload && mode == Development,
		overlay:     opts.Overlay && mode == Development,
	}
}

// ResolvePolicy resolves the policy from a loaded configuration. The mode
// comes from cfg.Mode (ASSETPIPE_MODE or the config file) and falls back to
// NODE_ENV through getenv.
func ResolvePolicy(cfg *Config, getenv func(string) string) (ModePolicy, error) {
	flag := cfg.Mode
	if flag == "" && getenv != nil {
		flag = getenv("NODE_ENV")
	}
	mode, err := ParseMode(flag)
	if err != nil {
		return ModePolicy{}, err
	}
	return NewModePolicy(mode, PolicyOptions{
		InlineLimit: cfg.Assets.InlineLimit,
		NoInline:    cfg.Assets.InlineLimit == 0,
		HotReload:   cfg.Development.HotReload,
		Overlay:     cfg.Development.ErrorOverlay,
	}), nil
}

func (p ModePolicy) Mode() Mode         { return p.mode }
func (p ModePolicy) IsProduction() bool { return p.mode == Production }

// Minify enables minification of scripts and stylesheets.
func (p ModePolicy) Minify() bool { return p.mode == Production }

// ExtractStyles selects stylesheet extraction; development injects styles
// from script instead.
func (p ModePolicy) ExtractStyles() bool { return p.mode == Production }

// HashNames selects content-hashed output names.
func (p ModePolicy) HashNames() bool { return p.mode == Production }

// SourceMap returns the source-map fidelity.
func (p ModePolicy) SourceMap() SourceMapKind {
	if p.mode == Production {
		return SourceMapExternal
	}
	return SourceMapInline
}

// DevServer reports whether the development server may run.
func (p ModePolicy) DevServer() bool { return p.mode == Development }

// HotUpdate reports whether hot module updates are sent to clients.
func (p ModePolicy) HotUpdate() bool { return p.hot }

// ErrorOverlay reports whether failures are rendered in the page.
func (p ModePolicy) ErrorOverlay() bool { return p.overlay }

// CleanOutput reports whether the output directory is emptied before a build.
func (p ModePolicy) CleanOutput() bool { return p.mode == Production }

// InlineLimit is the inline threshold in bytes, negative when inlining is
// off.
func (p ModePolicy) InlineLimit() int64 { return p.inlineLimit }

// InlineNonImages reports whether non-image static assets (fonts and other
// resources) may be inlined. Production always emits them as files, while
// development inlines small ones to reduce file churn.
func (p ModePolicy) InlineNonImages() bool { return p.mode == Development }

// NodeEnv is the value defined for process.env.NODE_ENV in scripts.
func (p ModePolicy) NodeEnv() string { return p.mode.String() }

// Fingerprint identifies every policy input that changes transform output.
// It is part of every transform cache key.
func (p ModePolicy) Fingerprint() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("mode=%s;inline=%d", p.mode, p.inlineLimit)))
	return hex.EncodeToString(h[:8])
}

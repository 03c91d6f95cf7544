package transform

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/assetpipe/internal/cache"
	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/rules"
)

// PostCSSStage prefixes and lowers CSS for the browser targets and minifies
// it in production.
type PostCSSStage struct {
	policy  config.ModePolicy
	engines []api.Engine
	hash    string
}

// NewPostCSSStage creates the postcss stage.
func NewPostCSSStage(policy config.ModePolicy, targets []string) (*PostCSSStage, error) {
	engines, err := ParseTargets(targets)
	if err != nil {
		return nil, err
	}
	return &PostCSSStage{
		policy:  policy,
		engines: engines,
		hash:    cache.Key("postcss", engineKey(engines), strconv.FormatBool(policy.Minify())),
	}, nil
}

func (s *PostCSSStage) Name() string       { return rules.StagePostCSS }
func (s *PostCSSStage) ConfigHash() string { return s.hash }

func (s *PostCSSStage) Run(_ context.Context, in Input) (Output, error) {
	result := api.Transform(withInputMap(in.Code, in.Map), api.TransformOptions{
		Loader:           api.LoaderCSS,
		Engines:          s.engines,
		Sourcefile:       in.File.Path,
		Sourcemap:        api.SourceMapExternal,
		MinifyWhitespace: s.policy.Minify(),
		MinifySyntax:     s.policy.Minify(),
		LogLevel:         api.LogLevelSilent,
	})
	if err := messagesError(result.Errors); err != nil {
		return Output{}, err
	}
	return Output{Code: result.Code, Map: result.Map, Warnings: messageTexts(result.Warnings)}, nil
}

var (
	scssVarDecl = regexp.MustCompile(`(?m)^[ \t]*\$([A-Za-z_][\w-]*)[ \t]*:[ \t]*([^;]+?)[ \t]*(?:!default[ \t]*)?;[ \t]*\r?\n?`)
	scssVarRef  = regexp.MustCompile(`\$([A-Za-z_][\w-]*)`)
	scssComment = regexp.MustCompile(`(?m)(^|[\s;{}])//[^\n]*`)
)

// withInputMap appends m to css as an inline source map comment, which esbuild
// chains into the map it produces.
func withInputMap(css, m []byte) string {
	if len(m) == 0 {
		return string(css)
	}
	return string(css) + "\n/*# sourceMappingURL=data:application/json;base64," + base64.StdEncoding.EncodeToString(m) + " */\n"
}

// SassStage compiles the SCSS subset the project uses: line comments,
// variables and nesting. Nesting is lowered by esbuild. The indented .sass
// syntax is rejected. Removed comments and declarations keep their line
// breaks, so the emitted map points at the right source lines.
type SassStage struct {
	engines []api.Engine
	hash    string
}

// NewSassStage creates the sass stage.
func NewSassStage(targets []string) (*SassStage, error) {
	engines, err := ParseTargets(targets)
	if err != nil {
		return nil, err
	}
	return &SassStage{engines: engines, hash: cache.Key("sass", engineKey(engines))}, nil
}

func (s *SassStage) Name() string       { return rules.StageSass }
func (s *SassStage) ConfigHash() string { return s.hash }

func (s *SassStage) Run(_ context.Context, in Input) (Output, error) {
	if strings.HasSuffix(in.File.Path, ".sass") {
		return Output{}, fmt.Errorf("indented .sass syntax is not supported; use .scss")
	}

	src := scssComment.ReplaceAllString(string(in.Code), "$1")

	vars := map[string]string{}
	src = scssVarDecl.ReplaceAllStringFunc(src, func(decl string) string {
		m := scssVarDecl.FindStringSubmatch(decl)
		vars[m[1]] = expandVars(m[2], vars)
		return strings.Repeat("\n", strings.Count(decl, "\n"))
	})

	var undefined []string
	src = scssVarRef.ReplaceAllStringFunc(src, func(ref string) string {
		name := ref[1:]
		if v, ok := vars[name]; ok {
			return v
		}
		undefined = append(undefined, ref)
		return ref
	})
	if len(undefined) > 0 {
		sort.Strings(undefined)
		return Output{}, fmt.Errorf("undefined variable %s", undefined[0])
	}

	result := api.Transform(src, api.TransformOptions{
		Loader:     api.LoaderCSS,
		Engines:    s.engines,
		Sourcefile: in.File.Path,
		Sourcemap:  api.SourceMapExternal,
		LogLevel:   api.LogLevelSilent,
	})
	if err := messagesError(result.Errors); err != nil {
		return Output{}, err
	}
	return Output{Code: result.Code, Map: result.Map, Warnings: messageTexts(result.Warnings)}, nil
}

func expandVars(value string, vars map[string]string) string {
	return scssVarRef.ReplaceAllStringFunc(value, func(ref string) string {
		if v, ok := vars[ref[1:]]; ok {
			return v
		}
		return ref
	})
}

var (
	cssImport = regexp.MustCompile(`@import\s*(?:url\(\s*)?(?:"([^"]+)"|'([^']+)'|([^\s"');]+))\s*\)?[^;]*;`)
	cssURL    = regexp.MustCompile(`url\(\s*(?:"([^"]+)"|'([^']+)'|([^\s"')]+))\s*\)`)
)

// CSSStage discovers @import and url() references. @import rules are
// blanked out because the imported sheet becomes its own module; the blank
// keeps every later position, so the incoming source map stays valid. url()
// references stay in place and are rewritten at link time.
type CSSStage struct{}

func (CSSStage) Name() string       { return rules.StageCSS }
func (CSSStage) ConfigHash() string { return "css/v1" }

func (CSSStage) Run(_ context.Context, in Input) (Output, error) {
	var imports []Import

	code := cssImport.ReplaceAllStringFunc(string(in.Code), func(rule string) string {
		m := cssImport.FindStringSubmatch(rule)
		spec := firstNonEmpty(m[1:]...)
		if !IsLocalReference(spec) {
			return rule
		}
		imports = appendImports(imports, Import{Specifier: spec, Kind: ImportStyle})
		return blank(rule)
	})

	for _, m := range cssURL.FindAllStringSubmatch(code, -1) {
		spec := firstNonEmpty(m[1:]...)
		if IsLocalReference(spec) {
			imports = appendImports(imports, Import{Specifier: spec, Kind: ImportURL})
		}
	}

	return Output{Code: []byte(code), Map: in.Map, Imports: imports}, nil
}

// blank replaces every character of s except line breaks with a space.
func blank(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return r
		}
		return ' '
	}, s)
}

// RewriteURLs replaces local url() references in css using urls, keyed by
// the specifier as written.
func RewriteURLs(css []byte, urls map[string]string) []byte {
	return cssURL.ReplaceAllFunc(css, func(match []byte) []byte {
		m := cssURL.FindSubmatch(match)
		spec := firstNonEmpty(string(m[1]), string(m[2]), string(m[3]))
		if u, ok := urls[spec]; ok {
			return []byte("url(" + strconv.Quote(u) + ")")
		}
		return match
	})
}

// IsLocalReference reports whether a stylesheet reference points into the
// project rather than at a URL, a fragment or an absolute path.
func IsLocalReference(spec string) bool {
	if spec == "" || strings.HasPrefix(spec, "#") || strings.HasPrefix(spec, "/") {
		return false
	}
	lower := strings.ToLower(spec)
	for _, p := range []string{"data:", "http:", "https:", "//"} {
		if strings.HasPrefix(lower, p) {
			return false
		}
	}
	return path.Ext(strings.SplitN(spec, "?", 2)[0]) != "" || strings.HasPrefix(spec, "~")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package transform

import (
	"context"
	"regexp"
	"strconv"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/assetpipe/internal/cache"
	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/rules"
)

// requirePattern finds require calls in esbuild's CommonJS output, which
// always uses double quoted specifiers.
var requirePattern = regexp.MustCompile(`\brequire\("((?:[^"\\]|\\.)*)"\)`)

// DefaultDefines returns the compile time constants visible to scripts,
// with user values taking precedence.
func DefaultDefines(policy config.ModePolicy, user map[string]string) map[string]string {
	defines := map[string]string{
		"process.env.NODE_ENV":  strconv.Quote(policy.NodeEnv()),
		"__VUE_OPTIONS_API__":   "true",
		"__VUE_PROD_DEVTOOLS__": "false",
	}
	for k, v := range user {
		defines[k] = v
	}
	return defines
}

// ScriptStage lowers modern JavaScript to CommonJS for the browser targets,
// substitutes defines and minifies in production.
type ScriptStage struct {
	policy  config.ModePolicy
	defines map[string]string
	engines []api.Engine
	hash    string
}

// NewScriptStage creates the script stage.
func NewScriptStage(policy config.ModePolicy, defines map[string]string, targets []string) (*ScriptStage, error) {
	engines, err := ParseTargets(targets)
	if err != nil {
		return nil, err
	}
	d := make(map[string]string, len(defines))
	for k, v := range defines {
		d[k] = v
	}
	return &ScriptStage{
		policy:  policy,
		defines: d,
		engines: engines,
		hash:    cache.Key("script", sortedPairs(d), engineKey(engines), strconv.FormatBool(policy.Minify())),
	}, nil
}

func (s *ScriptStage) Name() string       { return rules.StageScript }
func (s *ScriptStage) ConfigHash() string { return s.hash }

func (s *ScriptStage) Run(_ context.Context, in Input) (Output, error) {
	loader := api.LoaderJS
	if in.Meta["lang"] == "ts" {
		loader = api.LoaderTS
	}

	result := api.Transform(string(in.Code), api.TransformOptions{
		Loader:            loader,
		Format:            api.FormatCommonJS,
		Engines:           s.engines,
		Define:            s.defines,
		Sourcefile:        in.File.Path,
		Sourcemap:         api.SourceMapExternal,
		SourcesContent:    api.SourcesContentInclude,
		MinifyWhitespace:  s.policy.Minify(),
		MinifyIdentifiers: s.policy.Minify(),
		MinifySyntax:      s.policy.Minify(),
		LogLevel:          api.LogLevelSilent,
	})
	if err := messagesError(result.Errors); err != nil {
		return Output{}, err
	}

	return Output{
		Code:     result.Code,
		Map:      result.Map,
		Imports:  findRequires(result.Code),
		Warnings: messageTexts(result.Warnings),
	}, nil
}

func findRequires(code []byte) []Import {
	var out []Import
	for _, m := range requirePattern.FindAllSubmatch(code, -1) {
		spec, err := strconv.Unquote(`"` + string(m[1]) + `"`)
		if err != nil {
			spec = string(m[1])
		}
		out = appendImports(out, Import{Specifier: spec, Kind: ImportRequire})
	}
	return out
}

func engineKey(engines []api.Engine) string {
	m := make(map[string]string, len(engines))
	for _, e := range engines {
		m[strconv.Itoa(int(e.Name))] = e.Version
	}
	return sortedPairs(m)
}

// Package lint reports problems in project scripts. The default linter
// surfaces the warnings esbuild's parser emits.
package lint

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/assetpipe/internal/transform"
)

// Severity of a diagnostic.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic is one finding.
type Diagnostic struct {
	Path     string   `json:"path"`
	Line     int      `json:"line"`
	Column   int      `json:"column"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s:%d:%d: %s: %s", d.Path, d.Line, d.Column, d.Severity, d.Message)
}

// Linter checks source files.
type Linter interface {
	Lint(ctx context.Context, files []transform.SourceFile) ([]Diagnostic, error)
}

// ESBuild lints JavaScript under the source directory.
type ESBuild struct {
	srcDir string
}

// NewESBuild creates the default linter.
func NewESBuild(srcDir string) *ESBuild {
	return &ESBuild{srcDir: strings.Trim(path.Clean(srcDir), "/")}
}

// Lint parses each script and collects warnings and errors, sorted by
// position.
func (l *ESBuild) Lint(ctx context.Context, files []transform.SourceFile) ([]Diagnostic, error) {
	var out []Diagnostic
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := f.FilePath()
		if path.Ext(p) != ".js" || !strings.HasPrefix(p, l.srcDir+"/") || p != f.Path {
			continue
		}
		result := api.Transform(string(f.Data), api.TransformOptions{
			Loader:     api.LoaderJS,
			Sourcefile: p,
			LogLevel:   api.LogLevelSilent,
		})
		out = append(out, diagnostics(p, SeverityError, result.Errors)...)
		out = append(out, diagnostics(p, SeverityWarning, result.Warnings)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].Column < out[j].Column
	})
	return out, nil
}

func diagnostics(p string, sev Severity, msgs []api.Message) []Diagnostic {
	out := make([]Diagnostic, 0, len(msgs))
	for _, m := range msgs {
		d := Diagnostic{Path: p, Severity: sev, Message: m.Text}
		if m.Location != nil {
			d.Line = m.Location.Line
			d.Column = m.Location.Column + 1
		}
		out = append(out, d)
	}
	return out
}

// Nop reports nothing.
type Nop struct{}

func (Nop) Lint(context.Context, []transform.SourceFile) ([]Diagnostic, error) { return nil, nil }

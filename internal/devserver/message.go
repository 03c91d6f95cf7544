package devserver

import (
	"errors"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/lint"
	"github.com/conneroisu/assetpipe/internal/output"
)

// Message types sent to the browser.
const (
	MessageUpdate = "update"
	MessageError  = "error"
)

// Message is one websocket frame, JSON encoded.
type Message struct {
	Type        string           `json:"type"`
	Hash        string           `json:"hash,omitempty"`
	Modules     []output.Factory `json:"modules,omitempty"`
	Chunks      []string         `json:"chunks,omitempty"`
	Diagnostics []Diagnostic     `json:"diagnostics,omitempty"`
}

// Diagnostic is a build problem as shown in the overlay.
type Diagnostic struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Path     string `json:"path,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Message  string `json:"message"`
}

// diagnostics flattens build errors and lint results.
func diagnostics(errs []error, lints []lint.Diagnostic) []Diagnostic {
	out := make([]Diagnostic, 0, len(errs)+len(lints))
	for _, err := range errs {
		var failure *perrors.BuildFailure
		if errors.As(err, &failure) {
			out = append(out, diagnostics(failure.Errors, nil)...)
			continue
		}
		var pe *perrors.PipelineError
		if errors.As(err, &pe) {
			out = append(out, Diagnostic{
				Kind:     string(pe.Type),
				Severity: pe.Severity.String(),
				Path:     pe.Path,
				Line:     pe.Line,
				Column:   pe.Column,
				Message:  pe.Error(),
			})
			continue
		}
		out = append(out, Diagnostic{Kind: string(perrors.ErrorTypeInternal), Severity: "error", Message: err.Error()})
	}
	for _, d := range lints {
		out = append(out, Diagnostic{
			Kind:     "lint",
			Severity: string(d.Severity),
			Path:     d.Path,
			Line:     d.Line,
			Column:   d.Column,
			Message:  d.Message,
		})
	}
	return out
}

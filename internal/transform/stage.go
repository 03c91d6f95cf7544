package transform

import (
	"context"
	"fmt"
	"sort"

	"github.com/conneroisu/assetpipe/internal/asset"
	"github.com/conneroisu/assetpipe/internal/rules"
)

// Input is what a stage consumes: the original file plus the code and
// metadata emitted by the previous stage.
type Input struct {
	File    SourceFile
	Code    []byte
	Map     []byte
	Type    rules.ModuleType
	Options map[string]string
	Meta    map[string]string
}

// Output is what a stage emits.
type Output struct {
	Code     []byte            `json:"code"`
	Map      []byte            `json:"map,omitempty"`
	Imports  []Import          `json:"imports,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
	Asset    *asset.Record     `json:"asset,omitempty"`
	Virtual  []SourceFile      `json:"virtual,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Stage is a pure transform. ConfigHash must change whenever a change in the
// stage's configuration can change its output.
type Stage interface {
	Name() string
	ConfigHash() string
	Run(ctx context.Context, in Input) (Output, error)
}

// SyntaxError is a located stage failure.
type SyntaxError struct {
	Line   int
	Column int
	Text   string
}

func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Text)
	}
	return e.Text
}

// Registry resolves stage names from rule chains.
type Registry struct {
	stages map[string]Stage
}

// NewRegistry creates a registry holding stages.
func NewRegistry(stages ...Stage) *Registry {
	r := &Registry{stages: make(map[string]Stage, len(stages))}
	for _, s := range stages {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a stage.
func (r *Registry) Register(s Stage) {
	r.stages[s.Name()] = s
}

// Get returns the stage registered under name.
func (r *Registry) Get(name string) (Stage, bool) {
	s, ok := r.stages[name]
	return s, ok
}

// Names returns the registered stage names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.stages))
	for n := range r.stages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every stage a matcher references is registered.
func (r *Registry) Validate(m *rules.Matcher) error {
	for _, name := range m.Stages() {
		if _, ok := r.stages[name]; !ok {
			return fmt.Errorf("rules reference unknown stage %q", name)
		}
	}
	return nil
}

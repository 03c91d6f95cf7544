// Package errors defines the pipeline error taxonomy and the collector that
// aggregates per-file failures across a build pass.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Collector collects per-file errors and warnings during a build pass.
// It is safe for concurrent use by file workers.
type Collector struct {
	errs  []error
	mutex sync.RWMutex
}

// NewCollector creates a new error collector
func NewCollector() *Collector {
	return &Collector{
		errs: make([]error, 0),
	}
}

// Add records err. Nil errors are ignored.
func (c *Collector) Add(err error) {
	if err == nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.errs = append(c.errs, err)
}

// AddAll records every non-nil error.
func (c *Collector) AddAll(errs []error) {
	for _, err := range errs {
		c.Add(err)
	}
}

// All returns a copy of every collected error, ordered by path then message.
func (c *Collector) All() []error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	result := make([]error, len(c.errs))
	copy(result, c.errs)
	sort.SliceStable(result, func(i, j int) bool {
		pi, pj := pathOf(result[i]), pathOf(result[j])
		if pi != pj {
			return pi < pj
		}
		return result[i].Error() < result[j].Error()
	})

	return result
}

// Warnings returns the collected errors that never fail a build.
func (c *Collector) Warnings() []error {
	var out []error
	for _, err := range c.All() {
		if IsWarning(err) {
			out = append(out, err)
		}
	}
	return out
}

// Errors returns the collected errors that are not warnings.
func (c *Collector) Errors() []error {
	var out []error
	for _, err := range c.All() {
		if !IsWarning(err) {
			out = append(out, err)
		}
	}
	return out
}

// Err joins every fatal error for the given mode, or returns nil.
func (c *Collector) Err(production bool) error {
	var fatal []error
	for _, err := range c.All() {
		if IsFatal(err, production) {
			fatal = append(fatal, err)
		}
	}
	if len(fatal) == 0 {
		return nil
	}
	return &BuildFailure{Errors: fatal}
}

// Len returns the number of collected entries.
func (c *Collector) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.errs)
}

// BuildFailure is returned when a pass finished with fatal errors.
type BuildFailure struct {
	Errors []error
}

// Error implements the error interface.
func (b *BuildFailure) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "build failed with %d error(s)", len(b.Errors))
	for _, err := range b.Errors {
		sb.WriteString("\n  ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (b *BuildFailure) Unwrap() []error {
	return b.Errors
}

func pathOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Path
	}
	return ""
}

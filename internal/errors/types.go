package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents the pipeline error taxonomy.
type ErrorType string

const (
	ErrorTypeUnresolvedAsset   ErrorType = "unresolved_asset"
	ErrorTypeTransform         ErrorType = "transform_failure"
	ErrorTypeMissingDependency ErrorType = "missing_dependency"
	ErrorTypeUnreachable       ErrorType = "unreachable_module"
	ErrorTypeEmptyEntrySet     ErrorType = "empty_entry_set"
	ErrorTypeConfig            ErrorType = "configuration"
	ErrorTypeCacheCorruption   ErrorType = "cache_corruption"
	ErrorTypeIO                ErrorType = "io"
	ErrorTypeInternal          ErrorType = "internal"
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	ErrorSeverityInfo ErrorSeverity = iota
	ErrorSeverityWarning
	ErrorSeverityError
	ErrorSeverityFatal
)

// String returns the string representation of the severity
func (s ErrorSeverity) String() string {
	switch s {
	case ErrorSeverityInfo:
		return "info"
	case ErrorSeverityWarning:
		return "warning"
	case ErrorSeverityError:
		return "error"
	case ErrorSeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// PipelineError is a structured error carrying the file it concerns.
type PipelineError struct {
	Type     ErrorType
	Code     string
	Message  string
	Cause    error
	Severity ErrorSeverity
	Path     string
	Importer string
	Stage    string
	Line     int
	Column   int
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Path != "" {
		location := e.Path
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
			if e.Column > 0 {
				location += fmt.Sprintf(":%d", e.Column)
			}
		}
		parts = append(parts, location)
	}

	if e.Stage != "" {
		parts = append(parts, "stage:"+e.Stage)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is matches on type and code so sentinel values can be compared with errors.Is.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		if t.Code == "" {
			return e.Type == t.Type
		}
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithLocation adds line and column information.
func (e *PipelineError) WithLocation(line, column int) *PipelineError {
	e.Line = line
	e.Column = column

	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnresolvedAsset   = &PipelineError{Type: ErrorTypeUnresolvedAsset}
	ErrTransformFailure  = &PipelineError{Type: ErrorTypeTransform}
	ErrMissingDependency = &PipelineError{Type: ErrorTypeMissingDependency}
	ErrUnreachable       = &PipelineError{Type: ErrorTypeUnreachable}
	ErrEmptyEntrySet     = &PipelineError{Type: ErrorTypeEmptyEntrySet}
	ErrConfiguration     = &PipelineError{Type: ErrorTypeConfig}
	ErrCacheCorruption   = &PipelineError{Type: ErrorTypeCacheCorruption}
)

// NewUnresolvedAsset reports a file that no rule matched and that cannot be copied.
func NewUnresolvedAsset(path string) *PipelineError {
	return &PipelineError{
		Type:     ErrorTypeUnresolvedAsset,
		Code:     "UNRESOLVED_ASSET",
		Message:  "no rule matches this file; it is omitted from the output",
		Severity: ErrorSeverityWarning,
		Path:     path,
	}
}

// NewTransformFailure reports a stage failure for a single file.
func NewTransformFailure(path, stage string, cause error) *PipelineError {
	return &PipelineError{
		Type:     ErrorTypeTransform,
		Code:     "TRANSFORM_FAILED",
		Message:  "transform failed",
		Cause:    cause,
		Severity: ErrorSeverityError,
		Path:     path,
		Stage:    stage,
	}
}

// NewMissingDependency reports an import that resolves to nothing.
func NewMissingDependency(importer, specifier string, cause error) *PipelineError {
	return &PipelineError{
		Type:     ErrorTypeMissingDependency,
		Code:     "MISSING_DEPENDENCY",
		Message:  fmt.Sprintf("cannot resolve import %q", specifier),
		Cause:    cause,
		Severity: ErrorSeverityError,
		Path:     importer,
		Importer: importer,
	}
}

// NewUnreachableModule reports a module no entry imports. It is left out of
// the output. cause, when set, is the failure of that module, which does not
// fail the build because nothing loads it.
func NewUnreachableModule(path string, cause error) *PipelineError {
	message := "module is not imported by any entry; it is omitted from the output"
	if cause != nil {
		message = "module failed but is not imported by any entry; it is omitted from the output"
	}
	return &PipelineError{
		Type:     ErrorTypeUnreachable,
		Code:     "UNREACHABLE_MODULE",
		Message:  message,
		Cause:    cause,
		Severity: ErrorSeverityWarning,
		Path:     path,
	}
}

// NewEmptyEntrySet reports a configuration without entry points.
func NewEmptyEntrySet() *PipelineError {
	return &PipelineError{
		Type:     ErrorTypeEmptyEntrySet,
		Code:     "EMPTY_ENTRY_SET",
		Message:  "no entry points configured; at least one entry is required",
		Severity: ErrorSeverityFatal,
	}
}

// NewConfigError reports an invalid configuration value.
func NewConfigError(code, message string) *PipelineError {
	return &PipelineError{
		Type:     ErrorTypeConfig,
		Code:     code,
		Message:  message,
		Severity: ErrorSeverityFatal,
	}
}

// NewCacheCorruption reports a cache entry that failed integrity validation.
func NewCacheCorruption(key string, cause error) *PipelineError {
	return &PipelineError{
		Type:     ErrorTypeCacheCorruption,
		Code:     "CACHE_CORRUPTION",
		Message:  fmt.Sprintf("cache entry %s failed validation and will be recomputed", key),
		Cause:    cause,
		Severity: ErrorSeverityWarning,
	}
}

// NewIOError creates an I/O error.
func NewIOError(path, message string, cause error) *PipelineError {
	return &PipelineError{
		Type:     ErrorTypeIO,
		Code:     "IO",
		Message:  message,
		Cause:    cause,
		Severity: ErrorSeverityError,
		Path:     path,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *PipelineError {
	return &PipelineError{
		Type:     ErrorTypeInternal,
		Code:     code,
		Message:  message,
		Cause:    cause,
		Severity: ErrorSeverityError,
	}
}

// TypeOf returns the ErrorType of err, or ErrorTypeInternal for foreign errors.
func TypeOf(err error) ErrorType {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Type
	}

	return ErrorTypeInternal
}

// IsWarning reports whether err never fails a build on its own.
func IsWarning(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeUnresolvedAsset, ErrorTypeCacheCorruption, ErrorTypeUnreachable:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err fails the build. Missing dependencies only fail
// production builds; development degrades them to an error overlay.
func IsFatal(err error, production bool) bool {
	if err == nil || IsWarning(err) {
		return false
	}
	if TypeOf(err) == ErrorTypeMissingDependency {
		return production
	}

	return true
}

// IsConfigError reports whether err must abort before any file is processed.
func IsConfigError(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeConfig, ErrorTypeEmptyEntrySet:
		return true
	default:
		return false
	}
}

package template

import "errors"

// Domain-specific errors for template operations.
var (
	// ErrCompile is returned when a template expression does not parse.
	ErrCompile = errors.New("template: compile failed")

	// ErrRender is returned when evaluation fails at run time.
	ErrRender = errors.New("template: render failed")

	// ErrUnclosed is returned for a "{{" without a matching "}}".
	ErrUnclosed = errors.New("template: unclosed expression")
)

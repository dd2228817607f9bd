package template

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nerrad567/gray-logic-automation/internal/state"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// StateReader is the read side of the state store.
type StateReader interface {
	Get(entityID string) (state.State, bool)
}

type segment struct {
	literal string
	source  string
	program *vm.Program
}

// Template is a compiled template. It is immutable and safe for concurrent use.
type Template struct {
	source   string
	segments []segment
}

// Parse compiles a template string. Strings without "{{" are static.
func Parse(src string) (*Template, error) {
	t := &Template{source: src}
	rest := src
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			if rest != "" {
				t.segments = append(t.segments, segment{literal: rest})
			}
			break
		}
		if start > 0 {
			t.segments = append(t.segments, segment{literal: rest[:start]})
		}
		rest = rest[start+len(openDelim):]
		end := strings.Index(rest, closeDelim)
		if end < 0 {
			return nil, fmt.Errorf("%w in %q", ErrUnclosed, src)
		}
		code := strings.TrimSpace(rest[:end])
		program, err := compile(code)
		if err != nil {
			return nil, err
		}
		t.segments = append(t.segments, segment{source: code, program: program})
		rest = rest[end+len(closeDelim):]
	}
	return t, nil
}

// ParseExpression compiles a bare expression, with or without surrounding
// braces. Used for condition value templates.
func ParseExpression(src string) (*Template, error) {
	trimmed := strings.TrimSpace(src)
	if strings.Contains(trimmed, openDelim) {
		return Parse(trimmed)
	}
	program, err := compile(trimmed)
	if err != nil {
		return nil, err
	}
	return &Template{source: src, segments: []segment{{source: trimmed, program: program}}}, nil
}

// MustParse is Parse for package-level literals and tests.
func MustParse(src string) *Template {
	t, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return t
}

func compile(code string) (*vm.Program, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrCompile)
	}
	program, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrCompile, code, err)
	}
	return program, nil
}

// String returns the original source.
func (t *Template) String() string {
	return t.source
}

// IsStatic reports whether the template has no expressions.
func (t *Template) IsStatic() bool {
	for _, s := range t.segments {
		if s.program != nil {
			return false
		}
	}
	return true
}

// Render evaluates the template against vars, resolving state helpers
// through states (which may be nil).
func (t *Template) Render(states StateReader, vars map[string]any) (any, error) {
	if len(t.segments) == 0 {
		return "", nil
	}
	env := buildEnv(states, vars)

	if len(t.segments) == 1 && t.segments[0].program != nil {
		return run(t.segments[0], env)
	}

	var b strings.Builder
	for _, s := range t.segments {
		if s.program == nil {
			b.WriteString(s.literal)
			continue
		}
		out, err := run(s, env)
		if err != nil {
			return nil, err
		}
		b.WriteString(Stringify(out))
	}
	return b.String(), nil
}

// RenderString renders and formats the result as a string.
func (t *Template) RenderString(states StateReader, vars map[string]any) (string, error) {
	out, err := t.Render(states, vars)
	if err != nil {
		return "", err
	}
	return Stringify(out), nil
}

// RenderBool renders and interprets the result as a boolean.
// Strings "true", "on", "yes" and "1" are true; numbers are true when non-zero.
func (t *Template) RenderBool(states StateReader, vars map[string]any) (bool, error) {
	out, err := t.Render(states, vars)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

func run(s segment, env map[string]any) (out any, err error) {
	// expr can panic on some type mismatches inside helper calls.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %q: %v", ErrRender, s.source, r)
		}
	}()
	out, err = expr.Run(s.program, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrRender, s.source, err)
	}
	return out, nil
}

// Stringify formats a rendered value the way it would appear in text.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Duration:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// Truthy interprets a rendered value as a boolean.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "on", "yes", "1":
			return true
		}
		return false
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}

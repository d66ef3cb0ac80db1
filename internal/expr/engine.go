// Package expr evaluates `${...}` expressions against a variable scope.
//
// Expression bodies are JavaScript, executed by goja in a fresh runtime per
// evaluation with the scope variables bound as globals.
package expr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

var (
	ErrSyntax  = errors.New("expression syntax error")
	ErrTimeout = errors.New("expression evaluation timed out")
)

// Config controls evaluation limits.
type Config struct {
	// Timeout bounds a single evaluation. 0 uses the default (2s).
	Timeout time.Duration
}

// Engine evaluates expressions. It is safe for concurrent use: every call
// gets its own runtime.
type Engine struct {
	timeout time.Duration
}

func New(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Engine{timeout: cfg.Timeout}
}

// Evaluate resolves expression against scope.
//
//   - Text without `${` / `#{` delimiters is returned verbatim as a string.
//   - A single delimited expression returns the exported JS value: Date becomes
//     time.Time, strings stay strings, numbers become int64 or float64.
//   - Mixed text and expressions are concatenated into a string.
func (e *Engine) Evaluate(ctx context.Context, expression string, scope Scope) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parts, err := splitTemplate(expression)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return "", nil
	}
	if scope == nil {
		scope = Empty
	}

	rt := goja.New()
	for name, v := range scope.Variables() {
		if err := rt.Set(name, v); err != nil {
			return nil, fmt.Errorf("bind variable %q: %w", name, err)
		}
	}

	tmr := time.AfterFunc(e.timeout, func() { rt.Interrupt(ErrTimeout) })
	defer tmr.Stop()
	stop := context.AfterFunc(ctx, func() { rt.Interrupt(ctx.Err()) })
	defer stop()

	if len(parts) == 1 && parts[0].code {
		v, err := run(rt, parts[0].text)
		if err != nil {
			return nil, err
		}
		return export(v), nil
	}

	var b strings.Builder
	for _, p := range parts {
		if !p.code {
			b.WriteString(p.text)
			continue
		}
		v, err := run(rt, p.text)
		if err != nil {
			return nil, err
		}
		if v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			b.WriteString(v.String())
		}
	}
	return b.String(), nil
}

func run(rt *goja.Runtime, code string) (goja.Value, error) {
	v, err := rt.RunString("(" + code + ")")
	if err == nil {
		return v, nil
	}
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if cause, ok := ie.Value().(error); ok {
			return nil, fmt.Errorf("evaluate %q: %w", code, cause)
		}
		return nil, fmt.Errorf("evaluate %q: %w", code, ErrTimeout)
	}
	var se *goja.CompilerSyntaxError
	if errors.As(err, &se) {
		return nil, fmt.Errorf("%w: %q: %v", ErrSyntax, code, err)
	}
	return nil, fmt.Errorf("evaluate %q: %w", code, err)
}

func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

type part struct {
	text string
	code bool
}

// splitTemplate cuts s into literal text and `${...}` / `#{...}` bodies.
// Braces inside a body are balanced so object literals work.
func splitTemplate(s string) ([]part, error) {
	var out []part
	i := 0
	for i < len(s) {
		start := indexDelim(s, i)
		if start < 0 {
			out = append(out, part{text: s[i:]})
			break
		}
		if start > i {
			out = append(out, part{text: s[i:start]})
		}
		depth := 1
		j := start + 2
		for ; j < len(s) && depth > 0; j++ {
			switch s[j] {
			case '{':
				depth++
			case '}':
				depth--
			}
		}
		if depth != 0 {
			return nil, fmt.Errorf("%w: unterminated expression in %q", ErrSyntax, s)
		}
		body := strings.TrimSpace(s[start+2 : j-1])
		if body == "" {
			return nil, fmt.Errorf("%w: empty expression in %q", ErrSyntax, s)
		}
		out = append(out, part{text: body, code: true})
		i = j
	}
	return out, nil
}

func indexDelim(s string, from int) int {
	for k := from; k+1 < len(s); k++ {
		if (s[k] == '$' || s[k] == '#') && s[k+1] == '{' {
			return k
		}
	}
	return -1
}

package runner

import (
	"fmt"
	"regexp"
	"strings"

	"go.starlark.net/starlark"
)

// Vars are the variables visible to conditions and templates on one host:
// inventory variables, gathered facts and registered results.
type Vars map[string]any

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (v Vars) env() (starlark.StringDict, error) {
	env := make(starlark.StringDict, len(v)+1)
	for k, val := range v {
		if !identRe.MatchString(k) {
			continue
		}
		sv, err := ToStarlark(val)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", k, err)
		}
		env[k] = sv
	}
	vars, err := ToStarlark(map[string]any(v))
	if err != nil {
		return nil, err
	}
	env["hostvars"] = vars
	return env, nil
}

// Eval evaluates a Starlark expression against the variables.
func (v Vars) Eval(expr string) (starlark.Value, error) {
	env, err := v.env()
	if err != nil {
		return nil, err
	}
	thread := &starlark.Thread{Name: "when"}
	val, err := starlark.Eval(thread, "<expr>", strings.TrimSpace(expr), env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return val, nil
}

// When reports whether the task condition holds. An empty condition is true.
func (v Vars) When(cond string) (bool, error) {
	if strings.TrimSpace(cond) == "" {
		return true, nil
	}
	val, err := v.Eval(cond)
	if err != nil {
		return false, err
	}
	return bool(val.Truth()), nil
}

var templateRe = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// Render expands {{ expr }} placeholders in s. A string that is exactly one
// placeholder keeps the type of the evaluated value.
func (v Vars) Render(s string) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	if m := templateRe.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		val, err := v.Eval(s[m[2]:m[3]])
		if err != nil {
			return nil, err
		}
		return FromStarlark(val)
	}

	var firstErr error
	out := templateRe.ReplaceAllStringFunc(s, func(match string) string {
		expr := templateRe.FindStringSubmatch(match)[1]
		val, err := v.Eval(expr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		if str, ok := val.(starlark.String); ok {
			return string(str)
		}
		return val.String()
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// RenderArgs expands placeholders in every string argument, recursively.
func (v Vars) RenderArgs(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, a := range args {
		r, err := v.renderValue(a)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}

func (v Vars) renderValue(a any) (any, error) {
	switch val := a.(type) {
	case string:
		return v.Render(val)
	case map[string]any:
		return v.RenderArgs(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := v.renderValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return a, nil
	}
}

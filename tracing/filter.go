package tracing

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Filter is a compiled boolean expression over a trace. The expression
// sees displayName, status, durationMs, spanCount and attributes (the
// attributes of the root span):
//
//	status == "error" && durationMs > 500
//	attributes["flowkit:type"] == "action"
type Filter struct {
	src  string
	prog *vm.Program
}

// CompileFilter compiles src. An empty src yields a nil filter that
// matches everything.
func CompileFilter(src string) (*Filter, error) {
	if src == "" {
		return nil, nil
	}
	prog, err := expr.Compile(src, expr.Env(filterEnv(&TraceData{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("tracing: compile filter %q: %w", src, err)
	}
	return &Filter{src: src, prog: prog}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.src
}

// Match reports whether t satisfies the filter.
func (f *Filter) Match(t *TraceData) (bool, error) {
	if f == nil {
		return true, nil
	}
	out, err := expr.Run(f.prog, filterEnv(t))
	if err != nil {
		return false, fmt.Errorf("tracing: evaluate filter: %w", err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

func filterEnv(t *TraceData) map[string]any {
	attrs := map[string]any{}
	if root := t.Root(); root != nil && root.Attributes != nil {
		attrs = root.Attributes
	}
	return map[string]any{
		"traceId":     t.TraceID,
		"displayName": t.DisplayName,
		"status":      t.Status(),
		"durationMs":  t.DurationMs(),
		"spanCount":   len(t.Spans),
		"attributes":  attrs,
	}
}

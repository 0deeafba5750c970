// Package filter evaluates an optional CEL expression against leased items
// before they enter the pipeline. Operators use it to quarantine or skip
// classes of work without redeploying.
package filter

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// Filter wraps a compiled CEL program. When disabled, Match always returns
// true.
type Filter struct {
	prog    cel.Program
	enabled bool
}

// ItemView is the shape exposed to filter expressions.
type ItemView struct {
	MessageID     string
	CorrelationID string
	RequestCount  int
	Services      []string
	Dequeues      int
	EnqueuedAt    time.Time
	Payload       []byte
}

// New compiles expr. An empty expression yields a disabled filter that
// matches everything.
func New(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("message_id", cel.StringType),
		cel.Variable("correlation_id", cel.StringType),
		cel.Variable("request_count", cel.IntType),
		cel.Variable("services", cel.ListType(cel.StringType)),
		cel.Variable("dequeues", cel.IntType),
		// Age of the item in ms, for windowed expressions
		cel.Variable("age_ms", cel.IntType),
		cel.Variable("now_ms", cel.IntType),
		// Parsed message body for field-level filtering
		cel.Variable("json", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &Filter{prog: prog, enabled: true}, nil
}

// Enabled reports whether an expression is active.
func (f *Filter) Enabled() bool { return f.enabled }

// Match evaluates the expression against one item. Evaluation errors count
// as non-matches.
func (f *Filter) Match(v ItemView) bool {
	if !f.enabled {
		return true
	}
	var jsonObj any
	_ = json.Unmarshal(v.Payload, &jsonObj)
	now := time.Now().UnixMilli()
	var age int64
	if !v.EnqueuedAt.IsZero() {
		age = now - v.EnqueuedAt.UnixMilli()
	}
	out, _, err := f.prog.Eval(map[string]any{
		"message_id":     v.MessageID,
		"correlation_id": v.CorrelationID,
		"request_count":  int64(v.RequestCount),
		"services":       v.Services,
		"dequeues":       int64(v.Dequeues),
		"age_ms":         age,
		"now_ms":         now,
		"json":           jsonObj,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

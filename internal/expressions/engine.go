package expressions

import (
	"context"

	"github.com/rendis/sigil/pkg/schema"
)

// Engine evaluates rule expressions over a document scope.
// Three implementations: CEL (checks), Expr (logic), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope variable names exposed to every engine.
const (
	ScopeDoc    = "doc"
	ScopeValue  = "value"
	ScopeField  = "field"
	ScopeModel  = "model"
	ScopeParams = "params"
	ScopeRef    = "ref"
)

// BuildScope assembles the evaluation data for one rule binding. The ref
// entry carries a fetched reference document when the rule resolved one,
// and is an empty map otherwise.
func BuildScope(model, field string, doc schema.Document, value any, params map[string]any) map[string]any {
	if params == nil {
		params = map[string]any{}
	}
	d := map[string]any{}
	if doc != nil {
		d = doc
	}
	return map[string]any{
		ScopeDoc:    d,
		ScopeValue:  value,
		ScopeField:  field,
		ScopeModel:  model,
		ScopeParams: params,
		ScopeRef:    map[string]any{},
	}
}

// Engines bundles the three rule expression engines behind name selection.
type Engines struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewEngines constructs all engines. CEL environment setup is the only
// construction that can fail.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		cel:  celEngine,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}, nil
}

// Select returns the engine registered under the given tag. An empty tag
// selects CEL.
func (e *Engines) Select(name string) (Engine, error) {
	switch name {
	case "", "cel":
		return e.cel, nil
	case "expr":
		return e.expr, nil
	case "jq":
		return e.jq, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression engine %q", name)
	}
}

// Known reports whether an engine tag is selectable.
func (e *Engines) Known(name string) bool {
	_, err := e.Select(name)
	return err == nil
}

package rules

import (
	"context"

	"github.com/rendis/sigil/internal/engine"
	"github.com/rendis/sigil/internal/expressions"
	"github.com/rendis/sigil/internal/store"
	"github.com/rendis/sigil/pkg/schema"
)

// builtins maps the rule kinds shipped with every registry.
var builtins = map[string]Factory{
	"required": requiredFactory,
	"type":     typeFactory,
	"exists":   existsFactory,
	"unique":   uniqueFactory,
	"check":    checkFactory,
	"compute":  computeFactory,
	"ref":      refFactory,
}

// requiredFactory rejects missing, nil and empty-string values.
func requiredFactory(_ Deps, _ map[string]any) (engine.RuleBody, error) {
	return func(_ context.Context, sc *engine.Scope) error {
		if isEmpty(sc.Value) {
			return schema.NewErrorf(schema.ErrCodeValidation, "field %q is required", sc.Field.Name).WithPath(sc.Path)
		}
		return nil
	}, nil
}

// typeFactory checks the value against the field's declared type. A "type"
// param overrides the declaration. Absent values pass; that is required's
// concern.
func typeFactory(_ Deps, params map[string]any) (engine.RuleBody, error) {
	override := schema.FieldType(stringParam(params, "type"))
	return func(_ context.Context, sc *engine.Scope) error {
		if sc.Value == nil {
			return nil
		}
		want := sc.Field.Type
		if override != "" {
			want = override
		}
		if want == "" || want == schema.FieldTypeAny {
			return nil
		}
		if !matchesType(sc.Value, want) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"field %q: expected %s, got %T", sc.Field.Name, want, sc.Value).WithPath(sc.Path)
		}
		return nil
	}, nil
}

// existsFactory checks that the value is the key of a document in another
// collection.
func existsFactory(_ Deps, params map[string]any) (engine.RuleBody, error) {
	collection, err := requireStringParam("exists", params, "collection")
	if err != nil {
		return nil, err
	}
	return func(_ context.Context, sc *engine.Scope) error {
		if sc.Value == nil {
			return nil
		}
		found := sc.Exists(collection, sc.Value)
		sc.Block()
		if !found.Bool() {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"field %q: no document %v in %s", sc.Field.Name, sc.Value, collection).WithPath(sc.Path)
		}
		return nil
	}, nil
}

// uniqueFactory checks that no other document already claims the value as
// its key. The document under validation is excluded from the check via its
// own id.
func uniqueFactory(_ Deps, params map[string]any) (engine.RuleBody, error) {
	collection := stringParam(params, "collection")
	return func(_ context.Context, sc *engine.Scope) error {
		if sc.Value == nil {
			return nil
		}
		target := collection
		if target == "" {
			target = sc.Model.Collection
		}
		found := sc.Exists(target, sc.Value)
		sc.Block()
		if !found.Bool() {
			return nil
		}
		if ownID, ok := sc.Root[schema.DocumentID]; ok && store.KeyString(ownID) == store.KeyString(sc.Value) {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeValidation,
			"field %q: value %v already taken in %s", sc.Field.Name, sc.Value, target).WithPath(sc.Path)
	}, nil
}

// checkFactory evaluates a boolean expression over the binding scope.
func checkFactory(deps Deps, params map[string]any) (engine.RuleBody, error) {
	expression, err := requireStringParam("check", params, "expression")
	if err != nil {
		return nil, err
	}
	eng, err := deps.Engines.Select(stringParam(params, "engine"))
	if err != nil {
		return nil, err
	}
	message := stringParam(params, "message")

	return func(ctx context.Context, sc *engine.Scope) error {
		data := expressions.BuildScope(sc.Model.Name, sc.Field.Name, sc.Root, sc.Value, params)
		result, err := eng.Evaluate(ctx, expression, data)
		if err != nil {
			return err
		}
		if ok, _ := result.(bool); !ok {
			if message != "" {
				return schema.NewError(schema.ErrCodeValidation, message).WithPath(sc.Path)
			}
			return schema.NewErrorf(schema.ErrCodeValidation,
				"field %q: check failed", sc.Field.Name).WithPath(sc.Path)
		}
		return nil
	}, nil
}

// computeFactory derives a value from an expression and writes it into the
// document. The target field defaults to the bound field.
func computeFactory(deps Deps, params map[string]any) (engine.RuleBody, error) {
	expression, err := requireStringParam("compute", params, "expression")
	if err != nil {
		return nil, err
	}
	eng, err := deps.Engines.Select(stringParam(params, "engine"))
	if err != nil {
		return nil, err
	}
	target := stringParam(params, "target")

	return func(ctx context.Context, sc *engine.Scope) error {
		data := expressions.BuildScope(sc.Model.Name, sc.Field.Name, sc.Root, sc.Value, params)
		result, err := eng.Evaluate(ctx, expression, data)
		if err != nil {
			return err
		}
		dst := target
		if dst == "" {
			dst = sc.Field.Name
		}
		sc.Root[dst] = result
		return nil
	}, nil
}

// refFactory fetches the document the value references and optionally
// evaluates an expression with the referenced document in scope as "ref".
func refFactory(deps Deps, params map[string]any) (engine.RuleBody, error) {
	collection, err := requireStringParam("ref", params, "collection")
	if err != nil {
		return nil, err
	}
	expression := stringParam(params, "expression")
	var eng expressions.Engine
	if expression != "" {
		if eng, err = deps.Engines.Select(stringParam(params, "engine")); err != nil {
			return nil, err
		}
	}

	return func(ctx context.Context, sc *engine.Scope) error {
		if sc.Value == nil {
			return nil
		}
		pending := sc.Fetch(collection, sc.Value)
		sc.Block()
		ref := pending.Document()
		if ref == nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"field %q: reference %v not found in %s", sc.Field.Name, sc.Value, collection).WithPath(sc.Path)
		}
		if expression == "" {
			return nil
		}
		data := expressions.BuildScope(sc.Model.Name, sc.Field.Name, sc.Root, sc.Value, params)
		data[expressions.ScopeRef] = ref
		result, err := eng.Evaluate(ctx, expression, data)
		if err != nil {
			return err
		}
		if ok, _ := result.(bool); !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"field %q: reference check failed against %s/%v", sc.Field.Name, collection, sc.Value).WithPath(sc.Path)
		}
		return nil
	}, nil
}

// --- value helpers ---

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

func matchesType(v any, want schema.FieldType) bool {
	switch want {
	case schema.FieldTypeString:
		_, ok := v.(string)
		return ok
	case schema.FieldTypeNumber:
		switch v.(type) {
		case float64, float32, int, int64, int32:
			return true
		}
		return false
	case schema.FieldTypeBool:
		_, ok := v.(bool)
		return ok
	case schema.FieldTypeObject:
		_, ok := v.(map[string]any)
		return ok
	case schema.FieldTypeArray:
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

package validation

import (
	"encoding/json"

	"github.com/rendis/sigil/pkg/schema"
)

// KindChecker reports whether a rule kind is registered. Implemented by the
// rules registry.
type KindChecker interface {
	Has(kind string) bool
}

// EngineChecker reports whether an expression engine tag is selectable.
// Implemented by the expressions bundle.
type EngineChecker interface {
	Known(name string) bool
}

// SemanticChecker runs the model checks JSON Schema cannot express:
// duplicate fields, unknown rule kinds, and per-kind parameter contracts.
type SemanticChecker struct {
	kinds   KindChecker
	engines EngineChecker
}

// NewSemanticChecker creates a semantic checker bound to the given rule and
// engine registries.
func NewSemanticChecker(kinds KindChecker, engines EngineChecker) *SemanticChecker {
	return &SemanticChecker{kinds: kinds, engines: engines}
}

// Check validates a structurally-valid model definition.
func (c *SemanticChecker) Check(def *schema.ModelDefinition) error {
	seen := make(map[string]struct{}, len(def.Fields))
	for i := range def.Fields {
		field := &def.Fields[i]
		if _, dup := seen[field.Name]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate field %q", field.Name).WithPath(field.Name)
		}
		seen[field.Name] = struct{}{}

		for _, rule := range field.Rules {
			if err := c.checkRule(field, rule); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *SemanticChecker) checkRule(field *schema.FieldDefinition, rule schema.RuleSpec) error {
	if !c.kinds.Has(rule.Kind) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"field %q: unknown rule kind %q", field.Name, rule.Kind).WithPath(field.Name)
	}

	params := map[string]any{}
	if len(rule.Params) > 0 {
		if err := json.Unmarshal(rule.Params, &params); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"field %q: rule %q params are not an object", field.Name, rule.Kind).
				WithPath(field.Name).WithCause(err)
		}
	}

	switch rule.Kind {
	case "exists", "ref":
		if s, _ := params["collection"].(string); s == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"field %q: rule %q requires a collection", field.Name, rule.Kind).WithPath(field.Name)
		}
	case "check", "compute":
		if s, _ := params["expression"].(string); s == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"field %q: rule %q requires an expression", field.Name, rule.Kind).WithPath(field.Name)
		}
	}

	if tag, ok := params["engine"].(string); ok && tag != "" && !c.engines.Known(tag) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"field %q: unknown expression engine %q", field.Name, tag).WithPath(field.Name)
	}
	return nil
}

// Package validation checks model definitions before they are registered:
// structural shape via JSON Schema, then semantic rules the schema language
// cannot express.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/sigil/pkg/schema"
)

// modelSchemaJSON is the JSON Schema for ModelDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const modelSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://sigil.dev/schemas/model.json",
  "type": "object",
  "required": ["name", "collection", "fields"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "collection": {
      "type": "string",
      "pattern": "^[a-z][a-z0-9_]{0,62}$"
    },
    "fields": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/field" }
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "field": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1,
          "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"
        },
        "type": {
          "type": "string",
          "enum": ["string", "number", "bool", "object", "array", "any"]
        },
        "required": { "type": "boolean" },
        "rules": {
          "type": "array",
          "items": { "$ref": "#/$defs/rule" }
        }
      },
      "additionalProperties": false
    },
    "rule": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {
          "type": "string",
          "minLength": 1
        },
        "params": {}
      },
      "additionalProperties": false
    }
  }
}`

// ModelValidator validates model definitions against the embedded JSON
// Schema and the semantic checks. Safe for concurrent use.
type ModelValidator struct {
	modelSchema *jsonschema.Schema
	semantic    *SemanticChecker
}

// NewModelValidator pre-compiles the model schema.
func NewModelValidator(semantic *SemanticChecker) (*ModelValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(modelSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal model schema: %w", err)
	}
	if err := c.AddResource("https://sigil.dev/schemas/model.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add model schema resource: %w", err)
	}
	compiled, err := c.Compile("https://sigil.dev/schemas/model.json")
	if err != nil {
		return nil, fmt.Errorf("compile model schema: %w", err)
	}

	return &ModelValidator{modelSchema: compiled, semantic: semantic}, nil
}

// ValidateModel validates a ModelDefinition: structure first, then
// semantics.
func (v *ModelValidator) ValidateModel(def *schema.ModelDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "model definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize model definition").WithCause(err)
	}
	if err := v.modelSchema.Validate(doc); err != nil {
		return toSigilError(err)
	}

	if v.semantic != nil {
		return v.semantic.Check(def)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSigilError converts a jsonschema.ValidationError into a SigilError with
// one message per leaf violation.
func toSigilError(err error) *schema.SigilError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

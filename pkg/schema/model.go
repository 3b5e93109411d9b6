package schema

import "encoding/json"

// Document is a schemaless JSON document as stored in a collection.
type Document = map[string]any

// DocumentID is the reserved key holding a document's primary key.
const DocumentID = "_id"

// FieldType enumerates the declarable field types.
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeNumber FieldType = "number"
	FieldTypeBool   FieldType = "bool"
	FieldTypeObject FieldType = "object"
	FieldTypeArray  FieldType = "array"
	FieldTypeAny    FieldType = "any"
)

// ModelDefinition declares a named document schema bound to a collection.
type ModelDefinition struct {
	Name       string            `json:"name"`
	Collection string            `json:"collection"`
	Fields     []FieldDefinition `json:"fields"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// FieldDefinition declares one field of a model and the rules attached to it.
type FieldDefinition struct {
	Name     string     `json:"name"`
	Type     FieldType  `json:"type,omitempty"`
	Required bool       `json:"required,omitempty"`
	Rules    []RuleSpec `json:"rules,omitempty"`
}

// RuleSpec selects a registered rule kind and carries its parameters.
// Params are interpreted by the rule factory for the given kind.
type RuleSpec struct {
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Field returns the field definition with the given name, or nil.
func (m *ModelDefinition) Field(name string) *FieldDefinition {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i]
		}
	}
	return nil
}

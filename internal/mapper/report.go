package mapper

import (
	"github.com/rendis/sigil/internal/engine"
	"github.com/rendis/sigil/pkg/schema"
)

// Violation is one rule failure against one document field.
type Violation struct {
	DocumentID string `json:"document_id,omitempty"`
	Field      string `json:"field"`
	Path       string `json:"path,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// Report summarizes one validation run.
type Report struct {
	Model        string      `json:"model"`
	Documents    int         `json:"documents"`
	Rounds       int         `json:"rounds"`
	HandlerCalls int         `json:"handler_calls"`
	Violations   []Violation `json:"violations,omitempty"`
}

// OK reports whether the run found no violations.
func (r *Report) OK() bool { return len(r.Violations) == 0 }

// toViolation flattens a rule execution failure into a report entry.
func toViolation(re engine.RuleError) Violation {
	v := Violation{
		Field:   re.Binding.Field.Name,
		Path:    re.Binding.Path,
		Message: re.Err.Error(),
	}
	if id, ok := re.Binding.Root[schema.DocumentID].(string); ok {
		v.DocumentID = id
	}
	if serr, ok := re.Err.(*schema.SigilError); ok {
		v.Code = serr.Code
		v.Message = serr.Message
		if serr.Path != "" {
			v.Path = serr.Path
		}
	}
	return v
}

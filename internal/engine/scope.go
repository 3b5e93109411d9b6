package engine

import (
	"context"
	"fmt"

	"github.com/rendis/sigil/pkg/schema"
)

// RuleBody is the straight-line body of a rule. It runs against a Scope,
// may declare interest in externally-sourced values and block until they
// resolve, and returns a domain error when the subject violates the rule.
type RuleBody func(ctx context.Context, sc *Scope) error

// Binding is the concrete binding of a rule to one execution: one field of
// one document of one model, plus the rule's parameters. Immutable once the
// execution is created.
type Binding struct {
	Model  *schema.ModelDefinition
	Field  *schema.FieldDefinition
	Root   schema.Document
	Path   string
	Value  any
	Config map[string]any
}

// Pending is the handle returned by Scope.Declare. It is readable only
// after the Block call following its declaration has returned.
type Pending struct {
	sig      schema.Signal
	value    any
	resolved bool
}

// Signal returns the signal this handle was declared for.
func (p *Pending) Signal() schema.Signal { return p.sig }

// Resolved reports whether the handle carries an answer yet.
func (p *Pending) Resolved() bool { return p.resolved }

// Value returns the resolved answer. Reading a handle before the following
// Block has returned is a rule programming error and panics; the panic
// surfaces as that execution's domain failure.
func (p *Pending) Value() any {
	if !p.resolved {
		panic(fmt.Sprintf("sigil: pending %s signal read before Block resolved it", p.sig.Kind()))
	}
	return p.value
}

// Bool returns the resolved answer as a bool (false for non-bool answers).
func (p *Pending) Bool() bool {
	v, _ := p.Value().(bool)
	return v
}

// Document returns the resolved answer as a document, or nil.
func (p *Pending) Document() schema.Document {
	v, _ := p.Value().(schema.Document)
	return v
}

// Scope is the execution context handed to a rule body: the binding data
// plus the two suspension primitives, Declare and Block.
type Scope struct {
	Binding

	exec     *Execution
	declared []*Pending
}

// Declare registers interest in one externally-sourced value and returns
// the handle that will carry its answer after the next Block.
func (sc *Scope) Declare(sig schema.Signal) *Pending {
	p := &Pending{sig: sig}
	sc.declared = append(sc.declared, p)
	return p
}

// Exists declares an existence check against a collection.
func (sc *Scope) Exists(collection string, key any) *Pending {
	return sc.Declare(&schema.ExistsSignal{Collection: collection, Key: key})
}

// Fetch declares a document lookup against a collection.
func (sc *Scope) Fetch(collection string, key any) *Pending {
	return sc.Declare(&schema.FetchSignal{Collection: collection, Key: key})
}

// Block suspends the body until every handle declared since the previous
// Block (or since the body started) has been resolved. It is the sole
// suspension point of a rule body.
func (sc *Scope) Block() {
	declared := sc.declared
	sc.declared = nil

	sigs := make([]schema.Signal, len(declared))
	for i, p := range declared {
		sigs[i] = p.sig
	}
	sc.exec.suspend(sigs, declared)
}

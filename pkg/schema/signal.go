package schema

import "context"

// Signal is a typed, immutable request for one externally-sourced value.
// The scheduler treats signals as opaque beyond their kind; correlation is
// by reference identity, so a signal must be declared by exactly one rule
// execution and is consumed by exactly one handler call.
type Signal interface {
	// Kind identifies the signal family a handler can claim.
	Kind() string
}

// Handler recognizes and batch-services a set of signal kinds.
//
// CanHandle must be pure, deterministic and fast: it runs once per signal
// per round against every registered handler, in registration order, and
// the first match wins. Handle receives all signals assigned to the handler
// in one round and must return exactly one response per input signal, in
// input order. A length mismatch is treated as a handler defect and aborts
// the whole scheduler run.
type Handler interface {
	CanHandle(sig Signal) bool
	Handle(ctx context.Context, sigs []Signal) ([]any, error)
}

// Signal kinds shipped with sigil.
const (
	SignalKindExists = "exists"
	SignalKindFetch  = "fetch"
)

// ExistsSignal asks whether a document with the given key exists in a
// collection. The answer is a bool.
type ExistsSignal struct {
	Collection string
	Key        any
}

func (s *ExistsSignal) Kind() string { return SignalKindExists }

// FetchSignal asks for the document with the given key in a collection.
// The answer is a Document, or nil when the document does not exist.
type FetchSignal struct {
	Collection string
	Key        any
}

func (s *FetchSignal) Kind() string { return SignalKindFetch }

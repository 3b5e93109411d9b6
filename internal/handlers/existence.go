// Package handlers provides the builtin signal handlers backing rule
// executions with store lookups. Each handler turns one round's batch of
// signals into a single batched store call and answers positionally.
package handlers

import (
	"context"

	"github.com/rendis/sigil/internal/store"
	"github.com/rendis/sigil/pkg/schema"
)

// ExistenceHandler answers existence signals from the store. All signals of
// one batch collapse into one ExistsIn round trip regardless of how many
// collections they span.
type ExistenceHandler struct {
	store store.Store
}

// NewExistenceHandler creates an existence handler over the given store.
func NewExistenceHandler(s store.Store) *ExistenceHandler {
	return &ExistenceHandler{store: s}
}

// Name identifies the handler in logs and metrics.
func (h *ExistenceHandler) Name() string { return "existence" }

// CanHandle claims existence signals.
func (h *ExistenceHandler) CanHandle(sig schema.Signal) bool {
	_, ok := sig.(*schema.ExistsSignal)
	return ok
}

// Handle answers each signal with a bool, positionally.
func (h *ExistenceHandler) Handle(ctx context.Context, sigs []schema.Signal) ([]any, error) {
	queries, slots, err := groupByCollection(sigs, func(sig schema.Signal) (string, any, bool) {
		es, ok := sig.(*schema.ExistsSignal)
		if !ok {
			return "", nil, false
		}
		return es.Collection, es.Key, true
	})
	if err != nil {
		return nil, err
	}

	results, err := h.store.ExistsIn(ctx, queries)
	if err != nil {
		return nil, err
	}

	answers := make([]any, len(sigs))
	for i, slot := range slots {
		answers[i] = results[slot.query].Has(slot.key)
	}
	return answers, nil
}

// slot remembers which query a signal landed in, so batched results can be
// scattered back positionally.
type slot struct {
	query int
	key   any
}

// groupByCollection folds a signal batch into one KeyQuery per collection,
// recording each signal's slot.
func groupByCollection(sigs []schema.Signal, extract func(schema.Signal) (string, any, bool)) ([]store.KeyQuery, []slot, error) {
	var queries []store.KeyQuery
	index := map[string]int{}
	slots := make([]slot, len(sigs))

	for i, sig := range sigs {
		collection, key, ok := extract(sig)
		if !ok {
			return nil, nil, schema.NewErrorf(schema.ErrCodeExecution,
				"unexpected signal kind %q in batch", sig.Kind())
		}
		qi, seen := index[collection]
		if !seen {
			qi = len(queries)
			index[collection] = qi
			queries = append(queries, store.KeyQuery{Collection: collection})
		}
		queries[qi].Keys = append(queries[qi].Keys, key)
		slots[i] = slot{query: qi, key: key}
	}
	return queries, slots, nil
}

package handlers

import (
	"context"

	"github.com/rendis/sigil/internal/store"
	"github.com/rendis/sigil/pkg/schema"
)

// FetchHandler answers document lookup signals from the store, one FetchIn
// round trip per batch.
type FetchHandler struct {
	store store.Store
}

// NewFetchHandler creates a fetch handler over the given store.
func NewFetchHandler(s store.Store) *FetchHandler {
	return &FetchHandler{store: s}
}

// Name identifies the handler in logs and metrics.
func (h *FetchHandler) Name() string { return "fetch" }

// CanHandle claims fetch signals.
func (h *FetchHandler) CanHandle(sig schema.Signal) bool {
	_, ok := sig.(*schema.FetchSignal)
	return ok
}

// Handle answers each signal with the fetched document, or nil when absent.
func (h *FetchHandler) Handle(ctx context.Context, sigs []schema.Signal) ([]any, error) {
	queries, slots, err := groupByCollection(sigs, func(sig schema.Signal) (string, any, bool) {
		fs, ok := sig.(*schema.FetchSignal)
		if !ok {
			return "", nil, false
		}
		return fs.Collection, fs.Key, true
	})
	if err != nil {
		return nil, err
	}

	results, err := h.store.FetchIn(ctx, queries)
	if err != nil {
		return nil, err
	}

	answers := make([]any, len(sigs))
	for i, slot := range slots {
		if doc := results[slot.query].Get(slot.key); doc != nil {
			answers[i] = doc
		}
	}
	return answers, nil
}

package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sigil/internal/store"
	"github.com/rendis/sigil/pkg/schema"
)

// fakeStore records batched lookups and answers from in-memory data. The
// embedded interface panics on anything the handlers should not touch.
type fakeStore struct {
	store.Store

	data map[string]map[string]store.Document

	existsCalls int
	fetchCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]map[string]store.Document{}}
}

func (f *fakeStore) put(collection, id string, doc store.Document) {
	if f.data[collection] == nil {
		f.data[collection] = map[string]store.Document{}
	}
	if doc == nil {
		doc = store.Document{schema.DocumentID: id}
	}
	f.data[collection][id] = doc
}

func (f *fakeStore) ExistsIn(_ context.Context, queries []store.KeyQuery) ([]store.KeySet, error) {
	f.existsCalls++
	results := make([]store.KeySet, len(queries))
	for i, q := range queries {
		results[i] = store.KeySet{}
		for _, k := range q.Keys {
			if _, ok := f.data[q.Collection][store.KeyString(k)]; ok {
				results[i][store.KeyString(k)] = struct{}{}
			}
		}
	}
	return results, nil
}

func (f *fakeStore) FetchIn(_ context.Context, queries []store.KeyQuery) ([]store.DocSet, error) {
	f.fetchCalls++
	results := make([]store.DocSet, len(queries))
	for i, q := range queries {
		results[i] = store.DocSet{}
		for _, k := range q.Keys {
			if doc, ok := f.data[q.Collection][store.KeyString(k)]; ok {
				results[i][store.KeyString(k)] = doc
			}
		}
	}
	return results, nil
}

func TestExistenceHandler_RoutesOnlyExistsSignals(t *testing.T) {
	h := NewExistenceHandler(newFakeStore())

	assert.True(t, h.CanHandle(&schema.ExistsSignal{Collection: "users", Key: "u1"}))
	assert.False(t, h.CanHandle(&schema.FetchSignal{Collection: "users", Key: "u1"}))
}

func TestExistenceHandler_BatchesAcrossCollections(t *testing.T) {
	fs := newFakeStore()
	fs.put("users", "42", nil)
	fs.put("orders", "o1", nil)
	h := NewExistenceHandler(fs)

	answers, err := h.Handle(context.Background(), []schema.Signal{
		&schema.ExistsSignal{Collection: "users", Key: "42"},
		&schema.ExistsSignal{Collection: "orders", Key: "o1"},
		&schema.ExistsSignal{Collection: "users", Key: "43"},
		&schema.ExistsSignal{Collection: "orders", Key: "o2"},
	})
	require.NoError(t, err)

	assert.Equal(t, []any{true, true, false, false}, answers)
	assert.Equal(t, 1, fs.existsCalls, "many collections must still cost one store call")
}

func TestExistenceHandler_ForeignSignalInBatch(t *testing.T) {
	h := NewExistenceHandler(newFakeStore())

	_, err := h.Handle(context.Background(), []schema.Signal{
		&schema.FetchSignal{Collection: "users", Key: "u1"},
	})
	require.Error(t, err)
}

func TestFetchHandler_BatchesAndScatters(t *testing.T) {
	fs := newFakeStore()
	fs.put("plans", "pro", store.Document{schema.DocumentID: "pro", "active": true})
	h := NewFetchHandler(fs)

	answers, err := h.Handle(context.Background(), []schema.Signal{
		&schema.FetchSignal{Collection: "plans", Key: "pro"},
		&schema.FetchSignal{Collection: "plans", Key: "gone"},
	})
	require.NoError(t, err)
	require.Len(t, answers, 2)

	doc, ok := answers[0].(store.Document)
	require.True(t, ok)
	assert.Equal(t, true, doc["active"])
	assert.Nil(t, answers[1])
	assert.Equal(t, 1, fs.fetchCalls)
}

func TestFetchHandler_NumericKeysCanonicalized(t *testing.T) {
	fs := newFakeStore()
	fs.put("users", "7", nil)
	h := NewFetchHandler(fs)

	answers, err := h.Handle(context.Background(), []schema.Signal{
		&schema.FetchSignal{Collection: "users", Key: 7},
	})
	require.NoError(t, err)
	assert.NotNil(t, answers[0])
}

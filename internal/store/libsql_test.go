package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sigil/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedDocs(t *testing.T, s *LibSQLStore, collection string, ids ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, collection))
	for _, id := range ids {
		require.NoError(t, s.Insert(ctx, collection, Document{
			schema.DocumentID: id,
			"name":            "doc-" + id,
		}))
	}
}

// --- Collections ---

func TestEnsureCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureCollection(ctx, "users"))
	require.NoError(t, s.EnsureCollection(ctx, "users")) // idempotent

	names, err := s.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, names)
}

func TestEnsureCollection_InvalidName(t *testing.T) {
	s := newTestStore(t)

	for _, name := range []string{"", "Users", "1users", "users; DROP TABLE x", "users-x"} {
		err := s.EnsureCollection(context.Background(), name)
		require.Error(t, err, name)
		serr, ok := err.(*schema.SigilError)
		require.True(t, ok)
		assert.Equal(t, schema.ErrCodeValidation, serr.Code)
	}
}

func TestCollectionCacheSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Migrate(ctx))
	require.NoError(t, s1.EnsureCollection(ctx, "users"))
	require.NoError(t, s1.Close())

	s2, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Migrate(ctx))

	_, err = s2.Get(ctx, "users", "missing")
	require.NoError(t, err)
}

// --- Documents ---

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDocs(t, s, "users", "u1")

	got, err := s.Get(ctx, "users", "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got[schema.DocumentID])
	assert.Equal(t, "doc-u1", got["name"])
}

func TestGet_Absent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "users"))

	got, err := s.Get(ctx, "users", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInsert_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDocs(t, s, "users", "u1")

	err := s.Insert(ctx, "users", Document{schema.DocumentID: "u1"})
	require.Error(t, err)
	serr, ok := err.(*schema.SigilError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, serr.Code)
}

func TestInsert_MissingID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "users"))

	err := s.Insert(ctx, "users", Document{"name": "anonymous"})
	require.Error(t, err)
	serr, ok := err.(*schema.SigilError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, serr.Code)
}

func TestUpdateAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDocs(t, s, "users", "u1")

	require.NoError(t, s.Update(ctx, "users", "u1", Document{
		schema.DocumentID: "u1",
		"name":            "renamed",
	}))
	got, err := s.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got["name"])

	require.NoError(t, s.Delete(ctx, "users", "u1"))
	got, err = s.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdate_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "users"))

	err := s.Update(ctx, "users", "nope", Document{schema.DocumentID: "nope"})
	require.Error(t, err)
	serr, ok := err.(*schema.SigilError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestList_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDocs(t, s, "users", "a", "b", "c", "d")

	docs, err := s.List(ctx, "users", ListFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[0][schema.DocumentID])
	assert.Equal(t, "c", docs[1][schema.DocumentID])
}

func TestUnregisteredCollection(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "ghosts", "g1")
	require.Error(t, err)
	serr, ok := err.(*schema.SigilError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

// --- Batched lookups ---

func TestExistsIn_SingleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDocs(t, s, "users", "42", "7")
	seedDocs(t, s, "orders", "o1")

	results, err := s.ExistsIn(ctx, []KeyQuery{
		{Collection: "users", Keys: []any{"42", "43", 7}},
		{Collection: "orders", Keys: []any{"o1"}},
		{Collection: "users", Keys: []any{"42"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Has("42"))
	assert.False(t, results[0].Has("43"))
	assert.True(t, results[0].Has(7)) // numeric key canonicalized
	assert.True(t, results[1].Has("o1"))
	assert.True(t, results[2].Has("42"))
}

func TestExistsIn_EmptyQuerySlots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDocs(t, s, "users", "u1")

	results, err := s.ExistsIn(ctx, []KeyQuery{
		{Collection: "users"},
		{Collection: "users", Keys: []any{"u1"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Empty(t, results[0])
	assert.True(t, results[1].Has("u1"))
}

func TestExistsIn_NoQueries(t *testing.T) {
	s := newTestStore(t)
	results, err := s.ExistsIn(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestExistsIn_UnregisteredCollection(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ExistsIn(context.Background(), []KeyQuery{
		{Collection: "ghosts", Keys: []any{"g1"}},
	})
	require.Error(t, err)
}

func TestFetchIn_SingleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDocs(t, s, "users", "u1", "u2")
	seedDocs(t, s, "orders", "o1")

	results, err := s.FetchIn(ctx, []KeyQuery{
		{Collection: "users", Keys: []any{"u1", "missing"}},
		{Collection: "orders", Keys: []any{"o1"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	doc := results[0].Get("u1")
	require.NotNil(t, doc)
	assert.Equal(t, "doc-u1", doc["name"])
	assert.Nil(t, results[0].Get("missing"))

	order := results[1].Get("o1")
	require.NotNil(t, order)
	assert.Equal(t, "o1", order[schema.DocumentID])
}

// --- Sweep jobs ---

func TestSweepJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &SweepJob{
		ID:       "job-1",
		Model:    "users",
		CronExpr: "0 3 * * *",
		Enabled:  true,
	}
	require.NoError(t, s.CreateSweepJob(ctx, job))

	jobs, err := s.ListSweepJobs(ctx, SweepJobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "users", jobs[0].Model)
	assert.True(t, jobs[0].Enabled)

	disabled := false
	require.NoError(t, s.UpdateSweepJob(ctx, "job-1", SweepJobUpdate{
		Enabled:       &disabled,
		LastRunStatus: "success",
	}))

	enabled := true
	jobs, err = s.ListSweepJobs(ctx, SweepJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, s.DeleteSweepJob(ctx, "job-1"))
	err = s.DeleteSweepJob(ctx, "job-1")
	require.Error(t, err)
}

// --- Keys ---

func TestKeyString(t *testing.T) {
	assert.Equal(t, "abc", KeyString("abc"))
	assert.Equal(t, "42", KeyString(42))
	assert.Equal(t, "42", KeyString(int64(42)))
	assert.Equal(t, "42", KeyString(float64(42))) // JSON numbers decode as float64
	assert.Equal(t, "4.5", KeyString(4.5))
}

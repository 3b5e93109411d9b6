package mapper

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sigil/internal/expressions"
	"github.com/rendis/sigil/internal/handlers"
	"github.com/rendis/sigil/internal/rules"
	"github.com/rendis/sigil/internal/store"
	"github.com/rendis/sigil/internal/validation"
	"github.com/rendis/sigil/pkg/schema"
)

func newTestMapper(t *testing.T) (*Mapper, *store.LibSQLStore) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	registry := rules.NewRegistry(rules.Deps{Engines: engines})
	validator, err := validation.NewModelValidator(validation.NewSemanticChecker(registry, engines))
	require.NoError(t, err)

	m := New(st, registry, validator, Config{MaxRounds: 16})
	m.SetHandlers([]schema.Handler{
		handlers.NewExistenceHandler(st),
		handlers.NewFetchHandler(st),
	})
	return m, st
}

func userModel() *schema.ModelDefinition {
	return &schema.ModelDefinition{
		Name:       "user",
		Collection: "users",
		Fields: []schema.FieldDefinition{
			{Name: "name", Type: schema.FieldTypeString, Required: true},
			{Name: "age", Type: schema.FieldTypeNumber, Rules: []schema.RuleSpec{
				{Kind: "check", Params: json.RawMessage(`{"engine":"expr","expression":"value == nil || value >= 0","message":"age must be non-negative"}`)},
			}},
			{Name: "team_id", Type: schema.FieldTypeString, Rules: []schema.RuleSpec{
				{Kind: "exists", Params: json.RawMessage(`{"collection":"teams"}`)},
			}},
		},
	}
}

func seedTeams(t *testing.T, st *store.LibSQLStore, ids ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.EnsureCollection(ctx, "teams"))
	for _, id := range ids {
		require.NoError(t, st.Insert(ctx, "teams", schema.Document{schema.DocumentID: id}))
	}
}

func TestRegisterModel(t *testing.T) {
	m, _ := newTestMapper(t)
	ctx := context.Background()

	require.NoError(t, m.RegisterModel(ctx, userModel()))
	assert.Equal(t, []string{"user"}, m.Models())

	def, err := m.Model("user")
	require.NoError(t, err)
	assert.Equal(t, "users", def.Collection)

	_, err = m.Model("ghost")
	require.Error(t, err)
}

func TestRegisterModel_Invalid(t *testing.T) {
	m, _ := newTestMapper(t)

	bad := userModel()
	bad.Fields[0].Rules = []schema.RuleSpec{{Kind: "frobnicate"}}
	require.Error(t, m.RegisterModel(context.Background(), bad))
}

func TestValidate_CleanDocuments(t *testing.T) {
	m, st := newTestMapper(t)
	ctx := context.Background()
	seedTeams(t, st, "t1")
	require.NoError(t, m.RegisterModel(ctx, userModel()))

	report, err := m.Validate(ctx, "user", []schema.Document{
		{schema.DocumentID: "u1", "name": "alice", "age": float64(30), "team_id": "t1"},
		{schema.DocumentID: "u2", "name": "bob", "team_id": "t1"},
	})
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 2, report.Documents)
}

func TestValidate_CollectsViolations(t *testing.T) {
	m, st := newTestMapper(t)
	ctx := context.Background()
	seedTeams(t, st, "t1")
	require.NoError(t, m.RegisterModel(ctx, userModel()))

	report, err := m.Validate(ctx, "user", []schema.Document{
		{schema.DocumentID: "u1", "name": "", "age": float64(-3), "team_id": "ghost"},
	})
	require.NoError(t, err)
	require.Len(t, report.Violations, 3)

	byField := map[string]Violation{}
	for _, v := range report.Violations {
		byField[v.Field] = v
	}
	assert.Equal(t, "u1", byField["name"].DocumentID)
	assert.Equal(t, schema.ErrCodeValidation, byField["name"].Code)
	assert.Equal(t, "age must be non-negative", byField["age"].Message)
	assert.Contains(t, byField["team_id"].Message, "ghost")
}

func TestValidate_BatchesAcrossDocuments(t *testing.T) {
	m, st := newTestMapper(t)
	ctx := context.Background()
	seedTeams(t, st, "t1")
	require.NoError(t, m.RegisterModel(ctx, userModel()))

	docs := make([]schema.Document, 20)
	for i := range docs {
		docs[i] = schema.Document{
			schema.DocumentID: fmt.Sprintf("u%d", i),
			"name":            "n",
			"team_id":         "t1",
		}
	}

	report, err := m.Validate(ctx, "user", docs)
	require.NoError(t, err)
	assert.True(t, report.OK())

	// 20 exists rules block in round one and resolve via a single batched
	// handler call; everything else finishes without signals.
	assert.Equal(t, 2, report.Rounds)
	assert.Equal(t, 1, report.HandlerCalls)
}

func TestValidate_UnknownModel(t *testing.T) {
	m, _ := newTestMapper(t)
	_, err := m.Validate(context.Background(), "ghost", nil)
	require.Error(t, err)
}

func TestSave_CleanBatchPersists(t *testing.T) {
	m, st := newTestMapper(t)
	ctx := context.Background()
	seedTeams(t, st, "t1")
	require.NoError(t, m.RegisterModel(ctx, userModel()))

	report, err := m.Save(ctx, "user", []schema.Document{
		{"name": "alice", "team_id": "t1"},
	})
	require.NoError(t, err)
	require.True(t, report.OK())

	docs, err := m.List(ctx, "user", store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.NotEmpty(t, docs[0][schema.DocumentID], "save must assign an id")
}

func TestSave_DirtyBatchRejectedWhole(t *testing.T) {
	m, st := newTestMapper(t)
	ctx := context.Background()
	seedTeams(t, st, "t1")
	require.NoError(t, m.RegisterModel(ctx, userModel()))

	report, err := m.Save(ctx, "user", []schema.Document{
		{"name": "alice", "team_id": "t1"},
		{"name": "", "team_id": "t1"},
	})
	require.NoError(t, err)
	require.False(t, report.OK())

	docs, err := m.List(ctx, "user", store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, docs, "a dirty batch must persist nothing")
}

func TestUniqueRule_SelfExcluded(t *testing.T) {
	m, st := newTestMapper(t)
	ctx := context.Background()

	model := &schema.ModelDefinition{
		Name:       "account",
		Collection: "accounts",
		Fields: []schema.FieldDefinition{
			{Name: "_id", Type: schema.FieldTypeString, Rules: []schema.RuleSpec{
				{Kind: "unique"},
			}},
		},
	}
	require.NoError(t, m.RegisterModel(ctx, model))
	require.NoError(t, st.Insert(ctx, "accounts", schema.Document{schema.DocumentID: "a1"}))

	// Re-validating the stored document must not flag its own key.
	report, err := m.Validate(ctx, "account", []schema.Document{
		{schema.DocumentID: "a1"},
	})
	require.NoError(t, err)
	assert.True(t, report.OK())

	// A new document claiming the same key must be flagged.
	report, err = m.Validate(ctx, "account", []schema.Document{
		{schema.DocumentID: "a2", "_id": "a1"},
	})
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
}

func TestRefRule_ThroughMapper(t *testing.T) {
	m, st := newTestMapper(t)
	ctx := context.Background()

	require.NoError(t, st.EnsureCollection(ctx, "plans"))
	require.NoError(t, st.Insert(ctx, "plans", schema.Document{schema.DocumentID: "pro", "active": true}))
	require.NoError(t, st.Insert(ctx, "plans", schema.Document{schema.DocumentID: "old", "active": false}))

	model := &schema.ModelDefinition{
		Name:       "subscription",
		Collection: "subscriptions",
		Fields: []schema.FieldDefinition{
			{Name: "plan_id", Type: schema.FieldTypeString, Required: true, Rules: []schema.RuleSpec{
				{Kind: "ref", Params: json.RawMessage(`{"collection":"plans","engine":"expr","expression":"ref.active == true"}`)},
			}},
		},
	}
	require.NoError(t, m.RegisterModel(ctx, model))

	report, err := m.Validate(ctx, "subscription", []schema.Document{
		{schema.DocumentID: "s1", "plan_id": "pro"},
		{schema.DocumentID: "s2", "plan_id": "old"},
		{schema.DocumentID: "s3", "plan_id": "missing"},
	})
	require.NoError(t, err)
	require.Len(t, report.Violations, 2)
	assert.Equal(t, 1, report.HandlerCalls, "all three fetches share one batch")
}

func TestComputeRule_MutatesDocumentBeforeSave(t *testing.T) {
	m, _ := newTestMapper(t)
	ctx := context.Background()

	model := &schema.ModelDefinition{
		Name:       "order",
		Collection: "orders",
		Fields: []schema.FieldDefinition{
			{Name: "subtotal", Type: schema.FieldTypeNumber, Required: true},
			{Name: "total", Rules: []schema.RuleSpec{
				{Kind: "compute", Params: json.RawMessage(`{"engine":"expr","expression":"doc.subtotal * 1.19"}`)},
			}},
		},
	}
	require.NoError(t, m.RegisterModel(ctx, model))

	report, err := m.Save(ctx, "order", []schema.Document{
		{"subtotal": float64(100)},
	})
	require.NoError(t, err)
	require.True(t, report.OK())

	docs, err := m.List(ctx, "order", store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.InDelta(t, 119.0, docs[0]["total"], 0.001)
}

func TestLoadAndDelete(t *testing.T) {
	m, st := newTestMapper(t)
	ctx := context.Background()
	seedTeams(t, st, "t1")
	require.NoError(t, m.RegisterModel(ctx, userModel()))

	_, err := m.Save(ctx, "user", []schema.Document{
		{schema.DocumentID: "u1", "name": "alice", "team_id": "t1"},
	})
	require.NoError(t, err)

	doc, err := m.Load(ctx, "user", "u1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "alice", doc["name"])

	require.NoError(t, m.Delete(ctx, "user", "u1"))
	doc, err = m.Load(ctx, "user", "u1")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

// Package mapper is the top-level orchestration layer: it owns the model
// registry, compiles field rules into executable bodies, and drives
// validation runs through the batching scheduler so that one run costs a
// handful of store round trips no matter how many documents it covers.
package mapper

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/sigil/internal/engine"
	"github.com/rendis/sigil/internal/logging"
	"github.com/rendis/sigil/internal/rules"
	"github.com/rendis/sigil/internal/store"
	"github.com/rendis/sigil/internal/validation"
	"github.com/rendis/sigil/pkg/schema"
)

// Config tunes a Mapper.
type Config struct {
	// MaxRounds bounds scheduler rounds per validation run. 0 means
	// unlimited.
	MaxRounds int
	// DispatchSize bounds concurrent handler calls within a round.
	DispatchSize int
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Mapper binds models to collections and validates documents against their
// rules.
type Mapper struct {
	store     store.Store
	registry  *rules.Registry
	validator *validation.ModelValidator
	handlers  []schema.Handler
	logger    *slog.Logger
	cfg       Config

	mu     sync.RWMutex
	models map[string]*compiledModel
}

// compiledModel is a registered model with every rule body built once, at
// registration time.
type compiledModel struct {
	def    *schema.ModelDefinition
	bodies []fieldBody
}

// fieldBody pairs one field with one of its compiled rule bodies.
type fieldBody struct {
	field *schema.FieldDefinition
	kind  string
	body  engine.RuleBody
}

// New creates a Mapper over the given store. Handlers route in the given
// order; they are appended after the builtin existence and fetch handlers.
func New(s store.Store, registry *rules.Registry, validator *validation.ModelValidator, cfg Config, extra ...schema.Handler) *Mapper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Mapper{
		store:     s,
		registry:  registry,
		validator: validator,
		handlers:  extra,
		logger:    cfg.Logger,
		cfg:       cfg,
		models:    make(map[string]*compiledModel),
	}
}

// SetHandlers replaces the handler routing list. Order is priority.
func (m *Mapper) SetHandlers(handlers []schema.Handler) {
	m.handlers = handlers
}

// RegisterModel validates a model definition, compiles its rules and
// ensures its backing collection exists. Registering the same name again
// replaces the previous definition.
func (m *Mapper) RegisterModel(ctx context.Context, def *schema.ModelDefinition) error {
	if m.validator != nil {
		if err := m.validator.ValidateModel(def); err != nil {
			return err
		}
	}

	compiled, err := m.compile(def)
	if err != nil {
		return err
	}

	if err := m.store.EnsureCollection(ctx, def.Collection); err != nil {
		return err
	}

	m.mu.Lock()
	m.models[def.Name] = compiled
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "model registered",
		slog.String("model", def.Name),
		slog.String("collection", def.Collection),
		slog.Int("rule_bodies", len(compiled.bodies)))
	return nil
}

// compile builds one rule body per (field, rule), with an implicit required
// rule ahead of the declared ones for required fields.
func (m *Mapper) compile(def *schema.ModelDefinition) (*compiledModel, error) {
	compiled := &compiledModel{def: def}
	for i := range def.Fields {
		field := &def.Fields[i]
		specs := field.Rules
		if field.Required {
			specs = append([]schema.RuleSpec{{Kind: "required"}}, specs...)
		}
		for _, spec := range specs {
			body, err := m.registry.Build(spec)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"model %q field %q: %s", def.Name, field.Name, err.Error()).
					WithPath(field.Name).WithCause(err)
			}
			compiled.bodies = append(compiled.bodies, fieldBody{field: field, kind: spec.Kind, body: body})
		}
	}
	return compiled, nil
}

// Model returns a registered model definition.
func (m *Mapper) Model(name string) (*schema.ModelDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cm, ok := m.models[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "model %q not registered", name)
	}
	return cm.def, nil
}

// Models returns the registered model names, sorted.
func (m *Mapper) Models() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.models))
	for n := range m.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate runs every rule of the model against every document in one
// scheduler run. Rule violations land in the report; only infrastructure
// problems (unroutable signals, handler failures, cancellation) come back
// as errors.
func (m *Mapper) Validate(ctx context.Context, modelName string, docs []schema.Document) (*Report, error) {
	m.mu.RLock()
	cm, ok := m.models[modelName]
	m.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "model %q not registered", modelName)
	}

	ctx = logging.WithRunID(logging.WithModel(ctx, modelName), uuid.NewString())

	execs := make([]*engine.Execution, 0, len(docs)*len(cm.bodies))
	for _, doc := range docs {
		for _, fb := range cm.bodies {
			execs = append(execs, engine.NewExecution(engine.Binding{
				Model: cm.def,
				Field: fb.field,
				Root:  doc,
				Path:  fb.field.Name,
				Value: doc[fb.field.Name],
			}, fb.body))
		}
	}

	sched := engine.NewScheduler(m.handlers, engine.SchedulerConfig{
		MaxRounds:    m.cfg.MaxRounds,
		DispatchSize: m.cfg.DispatchSize,
		Logger:       m.logger,
	})
	result, err := sched.Run(ctx, execs)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Model:        modelName,
		Documents:    len(docs),
		Rounds:       result.Rounds,
		HandlerCalls: result.HandlerCalls,
	}
	for _, re := range result.RuleErrors {
		report.Violations = append(report.Violations, toViolation(re))
	}

	m.logger.InfoContext(ctx, "validation run complete",
		slog.Int("documents", report.Documents),
		slog.Int("rounds", report.Rounds),
		slog.Int("handler_calls", report.HandlerCalls),
		slog.Int("violations", len(report.Violations)))
	return report, nil
}

// Save validates a batch and, only when every document is clean, inserts
// all of them. Documents without an id are assigned one before validation
// so unique rules see their final key.
func (m *Mapper) Save(ctx context.Context, modelName string, docs []schema.Document) (*Report, error) {
	cm, err := m.compiled(modelName)
	if err != nil {
		return nil, err
	}

	for _, doc := range docs {
		if _, ok := doc[schema.DocumentID].(string); !ok {
			doc[schema.DocumentID] = uuid.NewString()
		}
	}

	report, err := m.Validate(ctx, modelName, docs)
	if err != nil {
		return nil, err
	}
	if !report.OK() {
		return report, nil
	}

	for _, doc := range docs {
		if err := m.store.Insert(ctx, cm.def.Collection, doc); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Load fetches one document of a model, or nil when absent.
func (m *Mapper) Load(ctx context.Context, modelName, id string) (schema.Document, error) {
	cm, err := m.compiled(modelName)
	if err != nil {
		return nil, err
	}
	return m.store.Get(ctx, cm.def.Collection, id)
}

// List returns documents of a model.
func (m *Mapper) List(ctx context.Context, modelName string, filter store.ListFilter) ([]schema.Document, error) {
	cm, err := m.compiled(modelName)
	if err != nil {
		return nil, err
	}
	return m.store.List(ctx, cm.def.Collection, filter)
}

// Delete removes one document of a model.
func (m *Mapper) Delete(ctx context.Context, modelName, id string) error {
	cm, err := m.compiled(modelName)
	if err != nil {
		return err
	}
	return m.store.Delete(ctx, cm.def.Collection, id)
}

// sweepPageSize bounds how many documents one sweep validation run covers.
const sweepPageSize = 500

// Sweep re-validates every stored document of a model, page by page, and
// returns the total violation count. Used by the integrity sweeper.
func (m *Mapper) Sweep(ctx context.Context, modelName string) (int, error) {
	cm, err := m.compiled(modelName)
	if err != nil {
		return 0, err
	}

	violations := 0
	for offset := 0; ; offset += sweepPageSize {
		docs, err := m.store.List(ctx, cm.def.Collection, store.ListFilter{Limit: sweepPageSize, Offset: offset})
		if err != nil {
			return violations, err
		}
		if len(docs) == 0 {
			return violations, nil
		}
		report, err := m.Validate(ctx, modelName, docs)
		if err != nil {
			return violations, err
		}
		violations += len(report.Violations)
		if len(docs) < sweepPageSize {
			return violations, nil
		}
	}
}

func (m *Mapper) compiled(modelName string) (*compiledModel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cm, ok := m.models[modelName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "model %q not registered", modelName)
	}
	return cm, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/sigil/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork). One table per collection keeps the batched UNION ALL lookups flat.
type LibSQLStore struct {
	db *sql.DB

	// mu guards the known-collections cache.
	mu          sync.RWMutex
	collections map[string]struct{}
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{
		db:          db,
		collections: make(map[string]struct{}),
	}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations and reloads the collection
// cache.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return err
	}
	names, err := s.ListCollections(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, n := range names {
		s.collections[n] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Collections ---

// EnsureCollection registers a collection and creates its backing table.
func (s *LibSQLStore) EnsureCollection(ctx context.Context, name string) error {
	if !ValidCollectionName(name) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid collection name %q", name)
	}

	s.mu.RLock()
	_, known := s.collections[name]
	s.mu.RUnlock()
	if known {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`, collectionTable(name))); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create collection %s: %s", name, err.Error()).WithCause(err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "register collection %s: %s", name, err.Error()).WithCause(err)
	}

	s.mu.Lock()
	s.collections[name] = struct{}{}
	s.mu.Unlock()
	return nil
}

// ListCollections returns all registered collection names, sorted.
func (s *LibSQLStore) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list collections: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// checkCollection verifies a collection was registered before queries
// splice its table name.
func (s *LibSQLStore) checkCollection(name string) error {
	s.mu.RLock()
	_, ok := s.collections[name]
	s.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "collection %q not registered", name)
	}
	return nil
}

// --- Documents ---

// Insert stores a new document. The document must carry a string _id.
func (s *LibSQLStore) Insert(ctx context.Context, collection string, doc Document) error {
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	id, _ := doc[schema.DocumentID].(string)
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "document has no _id")
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "marshal document: %s", err.Error()).WithCause(err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, body) VALUES (?, ?)`, collectionTable(collection)),
		id, string(body))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return schema.NewErrorf(schema.ErrCodeConflict, "document %s already exists in %s", id, collection)
		}
		return schema.NewErrorf(schema.ErrCodeStore, "insert into %s: %s", collection, err.Error()).WithCause(err)
	}
	return nil
}

// Get loads one document, or returns nil when absent.
func (s *LibSQLStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := s.checkCollection(collection); err != nil {
		return nil, err
	}
	var body string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT body FROM %s WHERE id = ?`, collectionTable(collection)), id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get %s/%s: %s", collection, id, err.Error()).WithCause(err)
	}
	return unmarshalDocument(body)
}

// Update replaces a document body.
func (s *LibSQLStore) Update(ctx context.Context, collection, id string, doc Document) error {
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "marshal document: %s", err.Error()).WithCause(err)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET body = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, collectionTable(collection)),
		string(body), id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update %s/%s: %s", collection, id, err.Error()).WithCause(err)
	}
	return checkRowsAffected(res, collection, id)
}

// Delete removes a document.
func (s *LibSQLStore) Delete(ctx context.Context, collection, id string) error {
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE id = ?`, collectionTable(collection)), id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete %s/%s: %s", collection, id, err.Error()).WithCause(err)
	}
	return checkRowsAffected(res, collection, id)
}

// List returns documents ordered by id.
func (s *LibSQLStore) List(ctx context.Context, collection string, filter ListFilter) ([]Document, error) {
	if err := s.checkCollection(collection); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT body FROM %s ORDER BY id`, collectionTable(collection))
	var args []any
	if filter.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list %s: %s", collection, err.Error()).WithCause(err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		doc, err := unmarshalDocument(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// --- Batched lookups ---

// ExistsIn answers every key query in one statement: each collection's IN
// lookup becomes a sub-select tagged with the query index, all merged with
// UNION ALL and detagged on scan.
func (s *LibSQLStore) ExistsIn(ctx context.Context, queries []KeyQuery) ([]KeySet, error) {
	results := make([]KeySet, len(queries))
	for i := range results {
		results[i] = make(KeySet)
	}

	stmt, args, err := s.buildUnion(queries, "id")
	if err != nil {
		return nil, err
	}
	if stmt == "" {
		return results, nil
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "batched exists: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	for rows.Next() {
		var src int
		var id string
		if err := rows.Scan(&src, &id); err != nil {
			return nil, err
		}
		if src < 0 || src >= len(results) {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "batched exists: bad source tag %d", src)
		}
		results[src][id] = struct{}{}
	}
	return results, rows.Err()
}

// FetchIn is ExistsIn's sibling for document retrieval.
func (s *LibSQLStore) FetchIn(ctx context.Context, queries []KeyQuery) ([]DocSet, error) {
	results := make([]DocSet, len(queries))
	for i := range results {
		results[i] = make(DocSet)
	}

	stmt, args, err := s.buildUnion(queries, "id, body")
	if err != nil {
		return nil, err
	}
	if stmt == "" {
		return results, nil
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "batched fetch: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	for rows.Next() {
		var src int
		var id, body string
		if err := rows.Scan(&src, &id, &body); err != nil {
			return nil, err
		}
		if src < 0 || src >= len(results) {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "batched fetch: bad source tag %d", src)
		}
		doc, err := unmarshalDocument(body)
		if err != nil {
			return nil, err
		}
		results[src][id] = doc
	}
	return results, rows.Err()
}

// buildUnion assembles the index-tagged UNION ALL statement shared by
// ExistsIn and FetchIn. Queries with no keys contribute no sub-select but
// keep their result slot.
func (s *LibSQLStore) buildUnion(queries []KeyQuery, columns string) (string, []any, error) {
	var parts []string
	var args []any
	for i, q := range queries {
		if len(q.Keys) == 0 {
			continue
		}
		if err := s.checkCollection(q.Collection); err != nil {
			return "", nil, err
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(q.Keys)), ", ")
		parts = append(parts, fmt.Sprintf(
			"SELECT %d AS src, %s FROM %s WHERE id IN (%s)",
			i, columns, collectionTable(q.Collection), placeholders))
		for _, k := range q.Keys {
			args = append(args, KeyString(k))
		}
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	return strings.Join(parts, "\nUNION ALL\n"), args, nil
}

// --- Sweep jobs ---

// CreateSweepJob stores a new sweep job.
func (s *LibSQLStore) CreateSweepJob(ctx context.Context, job *SweepJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sweep_jobs (id, model, cron_expr, enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Model, job.CronExpr, job.Enabled,
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus),
		timeOrNow(job.CreatedAt), timeOrNow(job.UpdatedAt))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create sweep job: %s", err.Error()).WithCause(err)
	}
	return nil
}

// UpdateSweepJob applies a partial update.
func (s *LibSQLStore) UpdateSweepJob(ctx context.Context, id string, update SweepJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE sweep_jobs SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update sweep job: %s", err.Error()).WithCause(err)
	}
	return checkRowsAffected(res, "sweep_jobs", id)
}

// ListSweepJobs returns jobs matching the filter, ordered by id.
func (s *LibSQLStore) ListSweepJobs(ctx context.Context, filter SweepJobFilter) ([]*SweepJob, error) {
	q := `SELECT id, model, cron_expr, enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at FROM sweep_jobs`
	var conds []string
	var args []any
	if filter.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, filter.Model)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list sweep jobs: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var jobs []*SweepJob
	for rows.Next() {
		job := &SweepJob{}
		var lastRun, nextRun sql.NullTime
		var status sql.NullString
		if err := rows.Scan(&job.ID, &job.Model, &job.CronExpr, &job.Enabled,
			&lastRun, &nextRun, &status, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			job.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			job.NextRunAt = &nextRun.Time
		}
		job.LastRunStatus = status.String
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteSweepJob removes a sweep job.
func (s *LibSQLStore) DeleteSweepJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sweep_jobs WHERE id = ?`, id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete sweep job: %s", err.Error()).WithCause(err)
	}
	return checkRowsAffected(res, "sweep_jobs", id)
}

// --- Helpers ---

func unmarshalDocument(body string) (Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "unmarshal document: %s", err.Error()).WithCause(err)
	}
	return doc, nil
}

func checkRowsAffected(res sql.Result, collection, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s/%s not found", collection, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

var _ Store = (*LibSQLStore)(nil)

package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Collections
	EnsureCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)

	// Documents
	Insert(ctx context.Context, collection string, doc Document) error
	Get(ctx context.Context, collection, id string) (Document, error)
	Update(ctx context.Context, collection, id string, doc Document) error
	Delete(ctx context.Context, collection, id string) error
	List(ctx context.Context, collection string, filter ListFilter) ([]Document, error)

	// Batched lookups. Each call answers every query in ONE statement:
	// per-collection sub-selects are tagged with their query index, merged
	// with UNION ALL, and detagged on scan, so signals gathered from many
	// rule executions cost a single round trip.
	ExistsIn(ctx context.Context, queries []KeyQuery) ([]KeySet, error)
	FetchIn(ctx context.Context, queries []KeyQuery) ([]DocSet, error)

	// Sweep jobs
	CreateSweepJob(ctx context.Context, job *SweepJob) error
	UpdateSweepJob(ctx context.Context, id string, update SweepJobUpdate) error
	ListSweepJobs(ctx context.Context, filter SweepJobFilter) ([]*SweepJob, error)
	DeleteSweepJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

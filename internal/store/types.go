package store

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/rendis/sigil/pkg/schema"
)

// Document aliases the schema document type for store callers.
type Document = schema.Document

// KeyQuery names one collection and the keys to look up in it.
type KeyQuery struct {
	Collection string
	Keys       []any
}

// KeySet holds the keys found for one KeyQuery, by canonical string form.
type KeySet map[string]struct{}

// Has reports whether the set contains the given key.
func (s KeySet) Has(key any) bool {
	_, ok := s[KeyString(key)]
	return ok
}

// DocSet holds the documents found for one KeyQuery, by canonical key form.
type DocSet map[string]Document

// Get returns the document for the given key, or nil.
func (s DocSet) Get(key any) Document {
	return s[KeyString(key)]
}

// KeyString canonicalizes a document key for storage and comparison.
// Document ids are stored as TEXT; numeric keys compare by their decimal
// form.
func KeyString(key any) string {
	switch k := key.(type) {
	case string:
		return k
	case int:
		return strconv.Itoa(k)
	case int64:
		return strconv.FormatInt(k, 10)
	case float64:
		if k == float64(int64(k)) {
			return strconv.FormatInt(int64(k), 10)
		}
		return strconv.FormatFloat(k, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", k)
	}
}

// ListFilter narrows List results.
type ListFilter struct {
	Limit  int
	Offset int
}

// SweepJob schedules periodic re-validation of one model's collection.
type SweepJob struct {
	ID            string     `json:"id"`
	Model         string     `json:"model"`
	CronExpr      string     `json:"cron"`
	Enabled       bool       `json:"enabled"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SweepJobUpdate carries partial sweep job updates; nil fields are left
// untouched.
type SweepJobUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
}

// SweepJobFilter narrows ListSweepJobs results.
type SweepJobFilter struct {
	Enabled *bool
	Model   string
}

// collectionNameRe restricts collection names to safe SQL identifiers,
// since they are spliced into table names.
var collectionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidCollectionName reports whether a collection name is acceptable.
func ValidCollectionName(name string) bool {
	return collectionNameRe.MatchString(name)
}

// collectionTable maps a collection name to its backing table.
func collectionTable(name string) string {
	return "doc_" + name
}

package integrity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sigil/internal/store"
)

// mockSweepStore satisfies store.Store for sweeper tests.
type mockSweepStore struct {
	store.Store
	mu   sync.Mutex
	jobs map[string]*store.SweepJob
}

func newMockSweepStore() *mockSweepStore {
	return &mockSweepStore{jobs: make(map[string]*store.SweepJob)}
}

func (m *mockSweepStore) add(job *store.SweepJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
}

func (m *mockSweepStore) get(id string) *store.SweepJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

func (m *mockSweepStore) ListSweepJobs(_ context.Context, filter store.SweepJobFilter) ([]*store.SweepJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.SweepJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		if filter.Model != "" && j.Model != filter.Model {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}
	return result, nil
}

func (m *mockSweepStore) UpdateSweepJob(_ context.Context, id string, update store.SweepJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

// mockRevalidator tracks Sweep calls.
type mockRevalidator struct {
	mu         sync.Mutex
	calls      []string
	violations int
	err        error
}

func (m *mockRevalidator) Sweep(_ context.Context, model string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, model)
	return m.violations, m.err
}

func (m *mockRevalidator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dueJob(id, model string) *store.SweepJob {
	past := time.Now().UTC().Add(-time.Minute)
	return &store.SweepJob{
		ID:        id,
		Model:     model,
		CronExpr:  "* * * * *",
		Enabled:   true,
		NextRunAt: &past,
	}
}

func TestTick_RunsDueJobs(t *testing.T) {
	st := newMockSweepStore()
	st.add(dueJob("j1", "users"))

	future := time.Now().UTC().Add(time.Hour)
	notDue := dueJob("j2", "orders")
	notDue.NextRunAt = &future
	st.add(notDue)

	disabled := dueJob("j3", "plans")
	disabled.Enabled = false
	st.add(disabled)

	reval := &mockRevalidator{}
	s := NewSweeper(st, reval, quietLogger())
	s.tick(context.Background())

	assert.Equal(t, []string{"users"}, reval.calls)

	job := st.get("j1")
	require.NotNil(t, job.LastRunAt)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC()))
	assert.Equal(t, "success", job.LastRunStatus)
}

func TestTick_JobNeverRunIsDue(t *testing.T) {
	st := newMockSweepStore()
	job := dueJob("j1", "users")
	job.NextRunAt = nil
	st.add(job)

	reval := &mockRevalidator{}
	s := NewSweeper(st, reval, quietLogger())
	s.tick(context.Background())

	assert.Equal(t, 1, reval.callCount())
}

func TestRunJob_RecordsViolations(t *testing.T) {
	st := newMockSweepStore()
	st.add(dueJob("j1", "users"))

	reval := &mockRevalidator{violations: 3}
	s := NewSweeper(st, reval, quietLogger())
	s.tick(context.Background())

	job := st.get("j1")
	assert.Equal(t, "violations:3", job.LastRunStatus)
}

func TestRunJob_RecordsError(t *testing.T) {
	st := newMockSweepStore()
	st.add(dueJob("j1", "users"))

	reval := &mockRevalidator{err: errors.New("store down")}
	s := NewSweeper(st, reval, quietLogger())
	s.tick(context.Background())

	job := st.get("j1")
	assert.Equal(t, "error", job.LastRunStatus)
}

func TestRunJob_BadCronExpression(t *testing.T) {
	st := newMockSweepStore()
	job := dueJob("j1", "users")
	job.CronExpr = "not a cron"
	st.add(job)

	reval := &mockRevalidator{}
	s := NewSweeper(st, reval, quietLogger())
	// The revalidation still runs; only the reschedule fails and is logged.
	s.tick(context.Background())
	assert.Equal(t, 1, reval.callCount())
}

func TestCalculateNextRun(t *testing.T) {
	s := NewSweeper(newMockSweepStore(), &mockRevalidator{}, quietLogger())

	from := time.Date(2026, 8, 23, 10, 30, 0, 0, time.UTC)
	next, err := s.CalculateNextRun("0 3 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("bogus", from)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "parse cron expression"))
}

func TestRecoverMissed(t *testing.T) {
	st := newMockSweepStore()
	st.add(dueJob("j1", "users"))

	fresh := dueJob("j2", "orders")
	future := time.Now().UTC().Add(time.Hour)
	fresh.NextRunAt = &future
	st.add(fresh)

	reval := &mockRevalidator{}
	s := NewSweeper(st, reval, quietLogger())
	require.NoError(t, s.RecoverMissed(context.Background()))

	assert.Equal(t, []string{"users"}, reval.calls)
}

func TestStartStop(t *testing.T) {
	st := newMockSweepStore()
	st.add(dueJob("j1", "users"))

	reval := &mockRevalidator{}
	s := NewSweeper(st, reval, quietLogger())

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()), "double start must fail")

	// The initial tick fires immediately.
	deadline := time.After(2 * time.Second)
	for reval.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("initial tick never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}

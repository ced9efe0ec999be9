package dispatch

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-tick/dispatch/internal/model"
)

// MemoryStore keeps jobs, leases and events in process memory. It gives the
// same guarantees as the SQL store to schedulers sharing one instance, which
// makes it suitable for tests and single-process deployments.
type MemoryStore struct {
	mu     sync.Mutex
	codec  codec
	jobs   map[string]model.Job
	leases map[string]model.Lease
	events []model.Event
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codec:  defaultCodec,
		jobs:   make(map[string]model.Job),
		leases: make(map[string]model.Lease),
	}
}

func (s *MemoryStore) FindJob(_ context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	row, ok := s.jobs[jobID]
	s.mu.Unlock()

	if !ok {
		return nil, ErrJobNotFound
	}

	job, err := s.codec.rowToJob(row)
	if err != nil {
		return nil, err
	}

	return &job, nil
}

func (s *MemoryStore) InsertJob(_ context.Context, job Job) error {
	row, err := s.codec.jobToRow(job)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.ID]; ok && existing.State != string(StateRemoved) {
		return ErrDuplicateJobID
	}
	s.jobs[job.ID] = row

	return nil
}

func (s *MemoryStore) ReplaceJob(_ context.Context, job Job, expected JobState) (bool, error) {
	row, err := s.codec.jobToRow(job)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[job.ID]
	if !ok || existing.State != string(expected) {
		return false, nil
	}
	row.CreatedAt = existing.CreatedAt
	s.jobs[job.ID] = row

	return true, nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, jobID)

	return nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]Job, error) {
	s.mu.Lock()
	rows := make([]model.Job, 0, len(s.jobs))
	for _, row := range s.jobs {
		if len(filter.States) > 0 && !slices.Contains(filter.States, JobState(row.State)) {
			continue
		}
		if filter.DueBefore != nil && (row.NextRunTime == nil || *row.NextRunTime > toMillis(*filter.DueBefore)) {
			continue
		}
		rows = append(rows, row)
	}
	s.mu.Unlock()

	sortJobRows(rows)
	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[:filter.Limit]
	}

	jobs := make([]Job, 0, len(rows))
	for _, row := range rows {
		job, err := s.codec.rowToJob(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (s *MemoryStore) TransitionJob(_ context.Context, tr Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[tr.JobID]
	if !ok || row.State != string(tr.From) {
		return false, nil
	}
	if tr.DueBy != nil && (row.NextRunTime == nil || *row.NextRunTime > toMillis(*tr.DueBy)) {
		return false, nil
	}
	if tr.Version != nil && row.UpdatedAt != toMillis(*tr.Version) {
		return false, nil
	}

	row.State = string(tr.To)
	row.NextRunTime = toMillisPtr(tr.NextRunTime)
	row.UpdatedAt = toMillis(tr.At)
	s.jobs[tr.JobID] = row

	return true, nil
}

func (s *MemoryStore) ClaimLease(_ context.Context, lockKey, holder string, now, expiresAt time.Time) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.leases[lockKey]; ok && existing.ExpiresAt > toMillis(now) {
		return nil, nil
	}

	row := model.Lease{LockKey: lockKey, Holder: holder, ExpiresAt: toMillis(expiresAt)}
	s.leases[lockKey] = row

	return rowToLease(row), nil
}

func (s *MemoryStore) FindLease(_ context.Context, lockKey string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.leases[lockKey]
	if !ok {
		return nil, nil
	}

	return rowToLease(row), nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, lockKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, lockKey)
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventToRow(event))
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]Event, 0)
	for _, row := range s.events {
		if filter.JobID != "" && row.JobID != filter.JobID {
			continue
		}
		if filter.WorkerID != "" && row.WorkerID != filter.WorkerID {
			continue
		}
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, EventType(row.EventType)) {
			continue
		}
		events = append(events, rowToEvent(row))
		if filter.Limit > 0 && len(events) == filter.Limit {
			break
		}
	}

	return events, nil
}

// sortJobRows orders by next run time with never-firing jobs last, then by id.
func sortJobRows(rows []model.Job) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].NextRunTime, rows[j].NextRunTime
		switch {
		case a == nil && b == nil:
			return rows[i].JobID < rows[j].JobID
		case a == nil:
			return false
		case b == nil:
			return true
		case *a != *b:
			return *a < *b
		default:
			return rows[i].JobID < rows[j].JobID
		}
	})
}

func rowToLease(row model.Lease) *Lease {
	return &Lease{
		LockKey:   row.LockKey,
		Holder:    row.Holder,
		ExpiresAt: fromMillis(row.ExpiresAt),
	}
}

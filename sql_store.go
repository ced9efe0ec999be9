package dispatch

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/dispatch/internal/model"
	"github.com/go-tick/dispatch/internal/repository"
	"github.com/jmoiron/sqlx"
)

// SqlStore implements Store over Postgres or SQLite.
type SqlStore struct {
	db    *sqlx.DB
	owned bool
	repo  repository.Repository
	codec codec
}

var _ Store = (*SqlStore)(nil)

func NewSqlStore(ctx context.Context, cfg *SqlConfig) (*SqlStore, error) {
	db, owned := cfg.db, false
	if db == nil {
		var err error
		db, err = repository.Open(ctx, cfg.driver, cfg.conn)
		if err != nil {
			return nil, storeUnavailable(err, "open store")
		}
		owned = true
	}

	store := &SqlStore{
		db:    db,
		owned: owned,
		repo:  repository.New(db),
		codec: codec{
			serializeTrigger:   cfg.triggerSerializer,
			deserializeTrigger: cfg.triggerDeserializer,
		},
	}

	if cfg.migrate {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	return store, nil
}

// Migrate creates the scheduler tables if they are missing.
func (s *SqlStore) Migrate(ctx context.Context) error {
	err := repository.WithTx(ctx, s.db, nil, func(repo repository.Repository) error {
		return repo.Migrate(ctx)
	})

	return storeUnavailable(err, "migrate")
}

func (s *SqlStore) Close() error {
	if !s.owned {
		return nil
	}

	return s.db.Close()
}

func (s *SqlStore) FindJob(ctx context.Context, jobID string) (*Job, error) {
	row, err := s.repo.FindJob(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, storeUnavailable(err, "find job")
	}

	job, err := s.codec.rowToJob(*row)
	if err != nil {
		return nil, err
	}

	return &job, nil
}

func (s *SqlStore) InsertJob(ctx context.Context, job Job) error {
	row, err := s.codec.jobToRow(job)
	if err != nil {
		return err
	}

	inserted, err := s.repo.InsertJob(ctx, row)
	if err != nil {
		return storeUnavailable(err, "insert job")
	}
	if !inserted {
		return ErrDuplicateJobID
	}

	return nil
}

func (s *SqlStore) ReplaceJob(ctx context.Context, job Job, expected JobState) (bool, error) {
	row, err := s.codec.jobToRow(job)
	if err != nil {
		return false, err
	}

	ok, err := s.repo.UpdateJob(ctx, row, string(expected))
	return ok, storeUnavailable(err, "replace job")
}

func (s *SqlStore) DeleteJob(ctx context.Context, jobID string) error {
	deleted, err := s.repo.DeleteJob(ctx, jobID)
	if err != nil {
		return storeUnavailable(err, "delete job")
	}
	if !deleted {
		return ErrJobNotFound
	}

	return nil
}

func (s *SqlStore) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	states := make([]string, 0, len(filter.States))
	for _, state := range filter.States {
		states = append(states, string(state))
	}

	rows, err := s.repo.ListJobs(ctx, repository.JobFilter{
		States:    states,
		DueBefore: toMillisPtr(filter.DueBefore),
		Limit:     filter.Limit,
	})
	if err != nil {
		return nil, storeUnavailable(err, "list jobs")
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

func (s *SqlStore) TransitionJob(ctx context.Context, tr Transition) (bool, error) {
	ok, err := s.repo.TransitionJob(
		ctx,
		tr.JobID,
		string(tr.From),
		string(tr.To),
		toMillisPtr(tr.NextRunTime),
		toMillisPtr(tr.DueBy),
		toMillisPtr(tr.Version),
		toMillis(tr.At),
	)

	return ok, storeUnavailable(err, "transition job")
}

func (s *SqlStore) ClaimLease(ctx context.Context, lockKey, holder string, now, expiresAt time.Time) (*Lease, error) {
	row, err := s.repo.ClaimLease(ctx, model.Lease{
		LockKey:   lockKey,
		Holder:    holder,
		ExpiresAt: toMillis(expiresAt),
	}, toMillis(now))
	if err != nil {
		return nil, storeUnavailable(err, "claim lease")
	}
	if row == nil {
		return nil, nil
	}

	return rowToLease(*row), nil
}

func (s *SqlStore) FindLease(ctx context.Context, lockKey string) (*Lease, error) {
	row, err := s.repo.FindLease(ctx, lockKey)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeUnavailable(err, "find lease")
	}

	return rowToLease(*row), nil
}

func (s *SqlStore) ReleaseLease(ctx context.Context, lockKey string) error {
	return storeUnavailable(s.repo.ReleaseLease(ctx, lockKey), "release lease")
}

func (s *SqlStore) AppendEvent(ctx context.Context, event Event) error {
	return storeUnavailable(s.repo.InsertEvent(ctx, eventToRow(event)), "append event")
}

func (s *SqlStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	types := make([]string, 0, len(filter.Types))
	for _, typ := range filter.Types {
		types = append(types, string(typ))
	}

	rows, err := s.repo.ListEvents(ctx, repository.EventFilter{
		JobID:    filter.JobID,
		WorkerID: filter.WorkerID,
		Types:    types,
		Limit:    filter.Limit,
	})
	if err != nil {
		return nil, storeUnavailable(err, "list events")
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, rowToEvent(row))
	}

	return events, nil
}

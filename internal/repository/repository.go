package repository

import (
	"context"
	"database/sql"
	"embed"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/dispatch/internal/model"
	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite"

	stateRemoved = "removed"
)

var (
	ErrNotFound                = errors.New("record not found")
	ErrTransactionNotSupported = errors.New("transaction not supported")
	ErrUnsupportedDriver       = errors.New("unsupported driver")
)

//go:embed schema/*.sql
var schemaFS embed.FS

func init() {
	sqlx.BindDriver(DriverSqlite, sqlx.QUESTION)
}

type JobFilter struct {
	States    []string
	DueBefore *int64
	Limit     int
}

type EventFilter struct {
	JobID    string
	WorkerID string
	Types    []string
	Limit    int
}

type Repository interface {
	Migrate(ctx context.Context) error

	InsertJob(ctx context.Context, job model.Job) (bool, error)
	UpdateJob(ctx context.Context, job model.Job, expectedState string) (bool, error)
	FindJob(ctx context.Context, jobID string) (*model.Job, error)
	DeleteJob(ctx context.Context, jobID string) (bool, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	TransitionJob(ctx context.Context, jobID, from, to string, nextRun, dueBy, version *int64, updatedAt int64) (bool, error)

	ClaimLease(ctx context.Context, lease model.Lease, now int64) (*model.Lease, error)
	FindLease(ctx context.Context, lockKey string) (*model.Lease, error)
	ReleaseLease(ctx context.Context, lockKey string) error

	InsertEvent(ctx context.Context, event model.Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error)
}

type Connection interface {
	DriverName() string
	Rebind(query string) string
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

type transactionalConnection interface {
	Connection
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

type repository struct {
	db Connection
}

const jobColumns = `job_id, name, trigger_type, trigger_args, target_ref, args, kwargs,
	max_instances, misfire_policy, misfire_grace_ms, state, next_run_time, created_at, updated_at`

const jobValues = `:job_id, :name, :trigger_type, :trigger_args, :target_ref, :args, :kwargs,
	:max_instances, :misfire_policy, :misfire_grace_ms, :state, :next_run_time, :created_at, :updated_at`

const jobUpdateSet = `name = excluded.name,
	trigger_type = excluded.trigger_type,
	trigger_args = excluded.trigger_args,
	target_ref = excluded.target_ref,
	args = excluded.args,
	kwargs = excluded.kwargs,
	max_instances = excluded.max_instances,
	misfire_policy = excluded.misfire_policy,
	misfire_grace_ms = excluded.misfire_grace_ms,
	state = excluded.state,
	next_run_time = excluded.next_run_time,
	updated_at = excluded.updated_at`

func (r *repository) Migrate(ctx context.Context) error {
	var file string
	switch r.db.DriverName() {
	case DriverPostgres:
		file = "schema/postgres.sql"
	case DriverSqlite:
		file = "schema/sqlite.sql"
	default:
		return errors.Wrapf(ErrUnsupportedDriver, "driver %q", r.db.DriverName())
	}

	schema, err := schemaFS.ReadFile(file)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, string(schema))
	return err
}

// InsertJob reports false when a live job with the same id already exists.
// A removed tombstone is overwritten.
func (r *repository) InsertJob(ctx context.Context, job model.Job) (bool, error) {
	res, err := r.db.NamedExecContext(
		ctx,
		`INSERT INTO scheduler_jobs (`+jobColumns+`) VALUES (`+jobValues+`)
		ON CONFLICT (job_id) DO UPDATE SET `+jobUpdateSet+`, created_at = excluded.created_at
		WHERE scheduler_jobs.state = '`+stateRemoved+`'`,
		job,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// UpdateJob overwrites a job definition only if the stored row is still in
// expectedState. created_at is preserved.
func (r *repository) UpdateJob(ctx context.Context, job model.Job, expectedState string) (bool, error) {
	res, err := r.db.NamedExecContext(
		ctx,
		`UPDATE scheduler_jobs SET
		name = :name,
		trigger_type = :trigger_type,
		trigger_args = :trigger_args,
		target_ref = :target_ref,
		args = :args,
		kwargs = :kwargs,
		max_instances = :max_instances,
		misfire_policy = :misfire_policy,
		misfire_grace_ms = :misfire_grace_ms,
		state = :state,
		next_run_time = :next_run_time,
		updated_at = :updated_at
		WHERE job_id = :job_id AND state = :expected_state`,
		struct {
			model.Job
			ExpectedState string `db:"expected_state"`
		}{job, expectedState},
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (r *repository) FindJob(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	err := r.db.GetContext(
		ctx,
		&job,
		r.db.Rebind(`SELECT `+jobColumns+` FROM scheduler_jobs WHERE job_id = ?`),
		jobID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &job, nil
}

func (r *repository) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM scheduler_jobs WHERE job_id = ?`), jobID)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (r *repository) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	var (
		query strings.Builder
		args  []any
	)

	query.WriteString(`SELECT ` + jobColumns + ` FROM scheduler_jobs WHERE 1 = 1`)
	if len(filter.States) > 0 {
		query.WriteString(` AND state IN (?)`)
		args = append(args, filter.States)
	}
	if filter.DueBefore != nil {
		query.WriteString(` AND next_run_time IS NOT NULL AND next_run_time <= ?`)
		args = append(args, *filter.DueBefore)
	}
	query.WriteString(` ORDER BY next_run_time IS NULL, next_run_time, job_id`)
	if filter.Limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, filter.Limit)
	}

	q, args, err := sqlx.In(query.String(), args...)
	if err != nil {
		return nil, err
	}

	jobs := make([]model.Job, 0)
	err = r.db.SelectContext(ctx, &jobs, r.db.Rebind(q), args...)

	return jobs, err
}

// TransitionJob moves a job from one state to another only if it is still in
// the expected state, still due at dueBy when set, and still last updated at
// version when set.
func (r *repository) TransitionJob(ctx context.Context, jobID, from, to string, nextRun, dueBy, version *int64, updatedAt int64) (bool, error) {
	query := `UPDATE scheduler_jobs SET state = ?, next_run_time = ?, updated_at = ? WHERE job_id = ? AND state = ?`
	args := []any{to, nextRun, updatedAt, jobID, from}
	if dueBy != nil {
		query += ` AND next_run_time IS NOT NULL AND next_run_time <= ?`
		args = append(args, *dueBy)
	}
	if version != nil {
		query += ` AND updated_at = ?`
		args = append(args, *version)
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// ClaimLease creates the lease or takes over an expired one in a single
// statement. It returns nil when another holder's lease is still valid.
func (r *repository) ClaimLease(ctx context.Context, lease model.Lease, now int64) (*model.Lease, error) {
	var claimed model.Lease
	err := r.db.GetContext(
		ctx,
		&claimed,
		r.db.Rebind(`INSERT INTO scheduler_leases (lock_key, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE scheduler_leases.expires_at <= ?
		RETURNING lock_key, holder, expires_at`),
		lease.LockKey,
		lease.Holder,
		lease.ExpiresAt,
		now,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &claimed, nil
}

func (r *repository) FindLease(ctx context.Context, lockKey string) (*model.Lease, error) {
	var lease model.Lease
	err := r.db.GetContext(
		ctx,
		&lease,
		r.db.Rebind(`SELECT lock_key, holder, expires_at FROM scheduler_leases WHERE lock_key = ?`),
		lockKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &lease, nil
}

func (r *repository) ReleaseLease(ctx context.Context, lockKey string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM scheduler_leases WHERE lock_key = ?`), lockKey)
	return err
}

func (r *repository) InsertEvent(ctx context.Context, event model.Event) error {
	_, err := r.db.NamedExecContext(
		ctx,
		`INSERT INTO scheduler_events (event_id, event_type, job_id, job_name, worker_id, scheduled_run_time, exception, logged_at)
		VALUES (:event_id, :event_type, :job_id, :job_name, :worker_id, :scheduled_run_time, :exception, :logged_at)`,
		event,
	)

	return err
}

func (r *repository) ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error) {
	var (
		query strings.Builder
		args  []any
	)

	query.WriteString(`SELECT event_id, event_type, job_id, job_name, worker_id, scheduled_run_time, exception, logged_at
		FROM scheduler_events WHERE 1 = 1`)
	if filter.JobID != "" {
		query.WriteString(` AND job_id = ?`)
		args = append(args, filter.JobID)
	}
	if filter.WorkerID != "" {
		query.WriteString(` AND worker_id = ?`)
		args = append(args, filter.WorkerID)
	}
	if len(filter.Types) > 0 {
		query.WriteString(` AND event_type IN (?)`)
		args = append(args, filter.Types)
	}
	query.WriteString(` ORDER BY logged_at, event_id`)
	if filter.Limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, filter.Limit)
	}

	q, args, err := sqlx.In(query.String(), args...)
	if err != nil {
		return nil, err
	}

	events := make([]model.Event, 0)
	err = r.db.SelectContext(ctx, &events, r.db.Rebind(q), args...)

	return events, err
}

func New(db Connection) Repository {
	return &repository{db}
}

func Open(ctx context.Context, driver, conn string) (*sqlx.DB, error) {
	if driver != DriverPostgres && driver != DriverSqlite {
		return nil, errors.Wrapf(ErrUnsupportedDriver, "driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, conn)
	if err != nil {
		return nil, err
	}

	if driver == DriverSqlite {
		// SQLite prefers a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	return db, nil
}

// WithTx runs fn against a repository bound to a new transaction, committing
// when fn returns nil.
func WithTx(ctx context.Context, db Connection, opts *sql.TxOptions, fn func(Repository) error) error {
	conn, ok := db.(transactionalConnection)
	if !ok {
		return ErrTransactionNotSupported
	}

	tx, err := conn.BeginTxx(ctx, opts)
	if err != nil {
		return err
	}

	if err := fn(&repository{tx}); err != nil {
		return errors.CombineErrors(err, tx.Rollback())
	}

	return tx.Commit()
}

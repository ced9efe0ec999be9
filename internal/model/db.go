package model

// Timestamps are stored as UTC unix milliseconds so the same queries work on
// Postgres and SQLite.

type Job struct {
	JobID          string `db:"job_id"`
	Name           string `db:"name"`
	TriggerType    string `db:"trigger_type"`
	TriggerArgs    string `db:"trigger_args"`
	TargetRef      string `db:"target_ref"`
	Args           string `db:"args"`
	Kwargs         string `db:"kwargs"`
	MaxInstances   int    `db:"max_instances"`
	MisfirePolicy  string `db:"misfire_policy"`
	MisfireGraceMs *int64 `db:"misfire_grace_ms"`
	State          string `db:"state"`
	NextRunTime    *int64 `db:"next_run_time"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

type Lease struct {
	LockKey   string `db:"lock_key"`
	Holder    string `db:"holder"`
	ExpiresAt int64  `db:"expires_at"`
}

type Event struct {
	EventID          string  `db:"event_id"`
	EventType        string  `db:"event_type"`
	JobID            string  `db:"job_id"`
	JobName          string  `db:"job_name"`
	WorkerID         string  `db:"worker_id"`
	ScheduledRunTime *int64  `db:"scheduled_run_time"`
	Exception        *string `db:"exception"`
	LoggedAt         int64   `db:"logged_at"`
}

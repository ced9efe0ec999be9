package dispatch

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type Option[T any] func(*T)

type SchedulerConfig struct {
	jobStore   JobStore
	leaseStore LeaseStore
	eventStore EventStore
	targets    TargetResolver

	workerID           string
	pollInterval       time.Duration
	reconcileInterval  time.Duration
	leaseTTL           time.Duration
	workers            int
	batchSize          int
	tombstoneRetention time.Duration
	maxBackoff         time.Duration

	clock     func() time.Time
	logger    *zap.SugaredLogger
	metrics   *Metrics
	listeners []EventListener
}

func DefaultSchedulerConfig(options ...Option[SchedulerConfig]) *SchedulerConfig {
	config := &SchedulerConfig{
		targets:            NewTargetRegistry(),
		workerID:           uuid.NewString(),
		pollInterval:       time.Second,
		reconcileInterval:  time.Minute,
		leaseTTL:           10 * time.Minute,
		workers:            10,
		batchSize:          100,
		tombstoneRetention: 24 * time.Hour,
		maxBackoff:         30 * time.Second,
		clock:              utcNow,
		logger:             zap.NewNop().Sugar(),
	}

	for _, option := range options {
		option(config)
	}

	if config.metrics == nil {
		config.metrics = NewMetrics(nil)
	}

	return config
}

// WithStore uses store for jobs, leases and events. WithLeaseStore and
// WithEventStore applied afterwards override the respective part.
func WithStore(store Store) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.jobStore = store
		config.leaseStore = store
		config.eventStore = store
	}
}

func WithJobStore(store JobStore) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.jobStore = store
	}
}

func WithLeaseStore(store LeaseStore) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.leaseStore = store
	}
}

func WithEventStore(store EventStore) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.eventStore = store
	}
}

func WithTargets(targets TargetResolver) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.targets = targets
	}
}

func WithWorkerID(id string) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.workerID = id
	}
}

func WithPollInterval(interval time.Duration) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.pollInterval = interval
	}
}

func WithReconcileInterval(interval time.Duration) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.reconcileInterval = interval
	}
}

// WithLeaseTTL sets the lease lifetime, which is also the longest a job may
// run while protected from duplicate execution.
func WithLeaseTTL(ttl time.Duration) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.leaseTTL = ttl
	}
}

func WithWorkers(n int) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.workers = n
	}
}

func WithBatchSize(n int) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.batchSize = n
	}
}

func WithTombstoneRetention(d time.Duration) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.tombstoneRetention = d
	}
}

func WithMaxBackoff(d time.Duration) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.maxBackoff = d
	}
}

func WithClock(clock func() time.Time) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.clock = clock
	}
}

func WithLogger(logger *zap.SugaredLogger) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.metrics = metrics
	}
}

func WithListeners(listeners ...EventListener) Option[SchedulerConfig] {
	return func(config *SchedulerConfig) {
		config.listeners = append(config.listeners, listeners...)
	}
}

type SqlConfig struct {
	driver  string
	conn    string
	db      *sqlx.DB
	migrate bool

	triggerSerializer   TriggerSerializer
	triggerDeserializer TriggerDeserializer
}

func DefaultSqlConfig(options ...Option[SqlConfig]) *SqlConfig {
	config := &SqlConfig{
		driver:              "postgres",
		migrate:             true,
		triggerSerializer:   DefaultTriggerSerializer,
		triggerDeserializer: DefaultTriggerDeserializer,
	}

	for _, option := range options {
		option(config)
	}

	return config
}

// WithDriver selects "postgres" or "sqlite".
func WithDriver(driver string) Option[SqlConfig] {
	return func(config *SqlConfig) {
		config.driver = driver
	}
}

func WithConn(conn string) Option[SqlConfig] {
	return func(config *SqlConfig) {
		config.conn = conn
	}
}

// WithDB reuses an open connection pool instead of dialing a new one. The
// store does not close it.
func WithDB(db *sqlx.DB) Option[SqlConfig] {
	return func(config *SqlConfig) {
		config.db = db
	}
}

func WithMigrate(migrate bool) Option[SqlConfig] {
	return func(config *SqlConfig) {
		config.migrate = migrate
	}
}

func WithTriggerSerializer(serializer TriggerSerializer) Option[SqlConfig] {
	return func(config *SqlConfig) {
		config.triggerSerializer = serializer
	}
}

func WithTriggerDeserializer(deserializer TriggerDeserializer) Option[SqlConfig] {
	return func(config *SqlConfig) {
		config.triggerDeserializer = deserializer
	}
}

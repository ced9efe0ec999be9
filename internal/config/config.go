// Package config loads the dispatchd process configuration from an optional
// YAML file and DISPATCH_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "DISPATCH"

type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=postgres sqlite memory"`
	DSN    string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
}

type LeaseConfig struct {
	Backend string        `mapstructure:"backend" validate:"oneof=sql redis"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type SchedulerConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval" validate:"gt=0"`
	Workers            int           `mapstructure:"workers" validate:"gte=1"`
	BatchSize          int           `mapstructure:"batch_size" validate:"gte=1"`
	TombstoneRetention time.Duration `mapstructure:"tombstone_retention" validate:"gte=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint; empty disables it.
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

type WorkerConfig struct {
	// ID is generated per process when empty.
	ID string `mapstructure:"id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.dsn", "")
	v.SetDefault("lease.backend", "sql")
	v.SetDefault("lease.ttl", 10*time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("scheduler.poll_interval", time.Second)
	v.SetDefault("scheduler.reconcile_interval", time.Minute)
	v.SetDefault("scheduler.workers", 10)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.tombstone_retention", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("worker.id", "")
}

// Load reads path when it is not empty, then applies environment overrides,
// e.g. DISPATCH_STORE_DSN for store.dsn.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if c.Lease.Backend == "redis" && c.Redis.Addr == "" {
		return errors.New("invalid config: lease.backend redis needs redis.addr")
	}
	if c.Store.Driver == "memory" && c.Lease.Backend == "redis" {
		return errors.New("invalid config: the memory store cannot be shared, use the sql lease backend")
	}

	return nil
}

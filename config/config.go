// Package config loads the engine's recognized configuration options
// from environment variables and, if present, a config file, using
// spf13/viper as the backing store and spf13/cast for type coercion —
// the same pairing used throughout the Pixielity-govel config package
// this layer is modeled on.
package config

import (
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/lalaz-foundation/queue-engine/drivers/relational"
	"github.com/lalaz-foundation/queue-engine/job"
)

// Recognized configuration keys, all namespaced under "queue.".
const (
	KeyDatabaseTable          = "queue.database.table"
	KeyDatabaseDSN            = "queue.database.dsn"
	KeyJobTimeout             = "queue.job_timeout"
	KeyDefaultMaxAttempts     = "queue.default_max_attempts"
	KeyDefaultBackoff         = "queue.default_backoff"
	KeyDefaultRetryDelay      = "queue.default_retry_delay"
	KeyCleanupDays            = "queue.cleanup_days"
	KeyBatchDefaultSize       = "queue.batch.default_size"
	KeyBatchDefaultBudgetSecs = "queue.batch.default_budget_seconds"
)

// Driver selects which backend a caller should construct. It is read
// from QUEUE_DRIVER and is informational only: config does not
// construct drivers itself.
type Driver string

const (
	DriverMemory        Driver = "memory"
	DriverSkipLock      Driver = "skip_lock"
	DriverTransactional Driver = "transactional"
)

// Config exposes the engine's recognized options with built-in
// defaults. Values are resolved from (in order
// of precedence) explicit environment variables, a bound config file,
// then the documented default.
type Config struct {
	v *viper.Viper
}

// New returns a Config with defaults populated and QUEUE_DRIVER,
// QUEUE_TABLE and QUEUE_TIMEOUT bound as environment overrides, the way
// EnvDriver binds prefixed environment variables.
func New() *Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyDatabaseTable, "jobs")
	v.SetDefault(KeyJobTimeout, 300)
	v.SetDefault(KeyDefaultMaxAttempts, 3)
	v.SetDefault(KeyDefaultBackoff, "exponential")
	v.SetDefault(KeyDefaultRetryDelay, 60)
	v.SetDefault(KeyCleanupDays, 7)
	v.SetDefault(KeyBatchDefaultSize, 10)
	v.SetDefault(KeyBatchDefaultBudgetSecs, 55)

	_ = v.BindEnv(KeyDatabaseTable, "QUEUE_TABLE")
	_ = v.BindEnv(KeyDatabaseDSN, "QUEUE_DSN")
	_ = v.BindEnv(KeyJobTimeout, "QUEUE_TIMEOUT")
	_ = v.BindEnv("queue.driver", "QUEUE_DRIVER")

	return &Config{v: v}
}

// NewFromFile returns a Config that additionally reads path (any format
// viper supports: yaml, json, toml) as a lower-precedence source
// beneath environment overrides.
func NewFromFile(path string) (*Config, error) {
	c := New()
	c.v.SetConfigFile(path)
	if err := c.v.ReadInConfig(); err != nil {
		return nil, err
	}
	return c, nil
}

// Table returns the configured active-table identifier.
func (c *Config) Table() string {
	return c.v.GetString(KeyDatabaseTable)
}

// DSN returns the configured database connection string, read from
// QUEUE_DSN. It is meaningful only for the skip_lock (postgres) and
// transactional (sqlite) drivers; the memory driver ignores it.
func (c *Config) DSN() string {
	return c.v.GetString(KeyDatabaseDSN)
}

// JobTimeout returns the configured claim lease duration.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(cast.ToInt64(c.v.Get(KeyJobTimeout))) * time.Second
}

// DefaultMaxAttempts returns the configured default retry ceiling.
func (c *Config) DefaultMaxAttempts() uint32 {
	return cast.ToUint32(c.v.Get(KeyDefaultMaxAttempts))
}

// DefaultBackoff returns the configured default backoff strategy.
func (c *Config) DefaultBackoff() job.BackoffStrategy {
	return job.ParseBackoffStrategy(c.v.GetString(KeyDefaultBackoff))
}

// DefaultRetryDelay returns the configured default base retry delay.
func (c *Config) DefaultRetryDelay() time.Duration {
	return time.Duration(cast.ToInt64(c.v.Get(KeyDefaultRetryDelay))) * time.Second
}

// CleanupAfter returns the configured terminal-record retention window.
func (c *Config) CleanupAfter() time.Duration {
	days := cast.ToInt64(c.v.Get(KeyCleanupDays))
	return time.Duration(days) * 24 * time.Hour
}

// BatchSize returns the configured default batch size.
func (c *Config) BatchSize() int {
	return c.v.GetInt(KeyBatchDefaultSize)
}

// BatchBudget returns the configured default batch wall-clock budget.
func (c *Config) BatchBudget() time.Duration {
	return time.Duration(c.v.GetInt(KeyBatchDefaultBudgetSecs)) * time.Second
}

// SelectedDriver returns the driver named by QUEUE_DRIVER, or
// DriverTransactional if unset.
func (c *Config) SelectedDriver() Driver {
	if s := c.v.GetString("queue.driver"); s != "" {
		return Driver(s)
	}
	return DriverTransactional
}

// Defaults bundles the queue-wide enqueue fallbacks (default max
// attempts, job timeout, backoff strategy and retry delay) as a
// relational.Defaults, ready to hand to sqlite.NewWithDefaults or
// postgres.NewWithDefaults.
func (c *Config) Defaults() relational.Defaults {
	return relational.Defaults{
		MaxAttempts:     c.DefaultMaxAttempts(),
		Timeout:         c.JobTimeout(),
		BackoffStrategy: c.DefaultBackoff(),
		RetryDelay:      c.DefaultRetryDelay(),
	}
}

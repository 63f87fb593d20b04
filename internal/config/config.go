package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"comms-router/pkg/utils"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	Store    StoreConfig
	DB       DBConfig
	Audit    AuditConfig
	Redis    RedisConfig
	Dispatch DispatchConfig
	Notify   NotifyConfig
	Task     TaskConfig
	Tracing  TracingConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type StoreConfig struct {
	// Driver is memory or postgres.
	Driver string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// Isolation is read_committed, repeatable_read or serializable.
	Isolation       string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type AuditConfig struct {
	// Sink is memory or redis.
	Sink   string
	Stream string
	MaxLen int64
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type DispatchConfig struct {
	Workers         int
	EvictionDelay   time.Duration
	ShutdownGrace   time.Duration
	PredicatePolicy string
	LockRetries     int
}

type NotifyConfig struct {
	Timeout          time.Duration
	RetryMinDelay    time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int
	RetryJitter      float64

	BreakerMaxFailures int
	BreakerTimeout     time.Duration
}

// PostgresPool returns the pool settings for OpenPostgres; zero values keep the
// pool defaults.
func (c Config) PostgresPool() utils.PostgresPoolConfig {
	return utils.PostgresPoolConfig{
		MaxOpenConns:    c.DB.MaxOpenConns,
		MaxIdleConns:    c.DB.MaxIdleConns,
		ConnMaxLifetime: c.DB.ConnMaxLifetime,
	}
}

// DefaultRetryJitter is the delivery retry randomization factor used when
// NOTIFY_RETRY_JITTER is unset or 0.
const DefaultRetryJitter = 0.5

// DefaultQueuedTimeout applies when TASK_DEFAULT_QUEUED_TIMEOUT is unset, in seconds.
const DefaultQueuedTimeout int64 = 3600

type TaskConfig struct {
	// DefaultQueuedTimeout is in seconds.
	DefaultQueuedTimeout int64
}

type TracingConfig struct {
	// Exporter is none or stdout.
	Exporter string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER")))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optionalInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.Isolation = strings.ToLower(strings.TrimSpace(os.Getenv("DB_ISOLATION")))
	{
		n, err := optionalInt("DB_MAX_OPEN_CONNS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.MaxOpenConns = n
	}
	{
		n, err := optionalInt("DB_MAX_IDLE_CONNS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.MaxIdleConns = n
	}
	parseErrs = parseDuration(parseErrs, "DB_CONN_MAX_LIFETIME", &c.DB.ConnMaxLifetime)

	c.Audit.Sink = strings.ToLower(strings.TrimSpace(os.Getenv("AUDIT_SINK")))
	c.Audit.Stream = strings.TrimSpace(os.Getenv("AUDIT_STREAM"))
	{
		n, err := optionalInt("AUDIT_STREAM_MAXLEN")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Audit.MaxLen = int64(n)
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optionalInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	{
		n, err := optionalInt("DISPATCH_WORKERS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Dispatch.Workers = n
	}
	c.Dispatch.PredicatePolicy = strings.ToLower(strings.TrimSpace(os.Getenv("DISPATCH_PREDICATE_ERROR_POLICY")))
	{
		n, err := optionalInt("DISPATCH_LOCK_RETRIES")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Dispatch.LockRetries = n
	}
	parseErrs = parseDuration(parseErrs, "DISPATCH_EVICTION_DELAY", &c.Dispatch.EvictionDelay)
	parseErrs = parseDuration(parseErrs, "DISPATCH_SHUTDOWN_GRACE", &c.Dispatch.ShutdownGrace)

	parseErrs = parseDuration(parseErrs, "NOTIFY_TIMEOUT", &c.Notify.Timeout)
	parseErrs = parseDuration(parseErrs, "NOTIFY_RETRY_MIN_DELAY", &c.Notify.RetryMinDelay)
	parseErrs = parseDuration(parseErrs, "NOTIFY_RETRY_MAX_DELAY", &c.Notify.RetryMaxDelay)
	{
		n, err := optionalInt("NOTIFY_RETRY_MAX_ATTEMPTS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Notify.RetryMaxAttempts = n
	}
	if v := strings.TrimSpace(os.Getenv("NOTIFY_RETRY_JITTER")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("NOTIFY_RETRY_JITTER must be a number, got %q", v))
		} else {
			c.Notify.RetryJitter = f
		}
	}
	{
		n, err := optionalInt("NOTIFY_BREAKER_MAX_FAILURES")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Notify.BreakerMaxFailures = n
	}
	parseErrs = parseDuration(parseErrs, "NOTIFY_BREAKER_TIMEOUT", &c.Notify.BreakerTimeout)

	c.Task.DefaultQueuedTimeout = DefaultQueuedTimeout
	if v := strings.TrimSpace(os.Getenv("TASK_DEFAULT_QUEUED_TIMEOUT")); v != "" {
		// 0 disables queued timeouts.
		n, err := atoi("TASK_DEFAULT_QUEUED_TIMEOUT", v)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Task.DefaultQueuedTimeout = int64(n)
	}

	c.Tracing.Exporter = strings.ToLower(strings.TrimSpace(os.Getenv("TRACING_EXPORTER")))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate applies defaults in place and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	switch c.Store.Driver {
	case "":
		c.Store.Driver = "memory"
	case "memory":
	case "postgres":
		errs = append(errs, c.validateDB()...)
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of memory, postgres, got %q", c.Store.Driver))
	}

	switch c.Audit.Sink {
	case "":
		c.Audit.Sink = "memory"
	case "memory":
	case "redis":
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required for AUDIT_SINK=redis"))
		}
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
		if c.Redis.Port < 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("AUDIT_SINK must be one of memory, redis, got %q", c.Audit.Sink))
	}
	if c.Audit.MaxLen < 0 {
		errs = append(errs, fmt.Errorf("AUDIT_STREAM_MAXLEN must be >= 0, got %d", c.Audit.MaxLen))
	}

	if c.Dispatch.Workers < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKERS must be >= 0, got %d", c.Dispatch.Workers))
	}
	if c.Dispatch.LockRetries < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_LOCK_RETRIES must be >= 0, got %d", c.Dispatch.LockRetries))
	}
	switch c.Dispatch.PredicatePolicy {
	case "":
		c.Dispatch.PredicatePolicy = "skip"
	case "skip", "abort":
	default:
		errs = append(errs, fmt.Errorf("DISPATCH_PREDICATE_ERROR_POLICY must be one of skip, abort, got %q", c.Dispatch.PredicatePolicy))
	}

	if c.Notify.RetryMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_RETRY_MAX_ATTEMPTS must be >= 0, got %d", c.Notify.RetryMaxAttempts))
	}
	if c.Notify.RetryJitter == 0 {
		c.Notify.RetryJitter = DefaultRetryJitter
	}
	if c.Notify.RetryJitter < 0 || c.Notify.RetryJitter > 1 {
		errs = append(errs, fmt.Errorf("NOTIFY_RETRY_JITTER must be within (0,1], got %v", c.Notify.RetryJitter))
	}
	if c.Notify.RetryMaxDelay > 0 && c.Notify.RetryMaxDelay < c.Notify.RetryMinDelay {
		errs = append(errs, errors.New("NOTIFY_RETRY_MAX_DELAY must not be less than NOTIFY_RETRY_MIN_DELAY"))
	}
	if c.Notify.BreakerMaxFailures < 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_BREAKER_MAX_FAILURES must be >= 0, got %d", c.Notify.BreakerMaxFailures))
	}

	if c.Task.DefaultQueuedTimeout < 0 {
		errs = append(errs, fmt.Errorf("TASK_DEFAULT_QUEUED_TIMEOUT must be >= 0, got %d", c.Task.DefaultQueuedTimeout))
	}

	switch c.Tracing.Exporter {
	case "":
		c.Tracing.Exporter = "none"
	case "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("TRACING_EXPORTER must be one of none, stdout, got %q", c.Tracing.Exporter))
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
	if c.DB.Port < 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	if c.DB.Isolation == "" {
		c.DB.Isolation = "read_committed"
	}
	if _, err := utils.ParseIsolation(c.DB.Isolation); err != nil {
		errs = append(errs, fmt.Errorf("DB_ISOLATION: %w", err))
	}
	if c.DB.MaxOpenConns < 0 || c.DB.MaxIdleConns < 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_OPEN_CONNS and DB_MAX_IDLE_CONNS must be >= 0, got %d and %d", c.DB.MaxOpenConns, c.DB.MaxIdleConns))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	return atoi(key, v)
}

// optionalInt returns 0 for an unset variable; Validate supplies the default.
func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	return atoi(key, v)
}

func atoi(key, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func parseDuration(errs []error, key string, dst *time.Duration) []error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	if d < 0 {
		return append(errs, fmt.Errorf("%s must not be negative, got %q", key, v))
	}
	*dst = d
	return errs
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}

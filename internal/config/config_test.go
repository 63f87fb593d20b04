package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_MemoryDefaults(t *testing.T) {
	c := Config{App: AppConfig{Env: "local", Port: 8080}}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Store.Driver != "memory" || c.Audit.Sink != "memory" {
		t.Fatalf("expected memory backends, got %+v %+v", c.Store, c.Audit)
	}
	if c.Dispatch.PredicatePolicy != "skip" || c.Tracing.Exporter != "none" {
		t.Fatalf("unexpected defaults: %+v %+v", c.Dispatch, c.Tracing)
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "production", Port: 8080},
		Store: StoreConfig{Driver: "postgres"},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "router"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		Store: StoreConfig{Driver: "postgres"},
		DB:    DBConfig{Host: "localhost", User: "postgres", Password: "x", Name: "router"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" || c.DB.Port != 5432 || c.DB.Isolation != "read_committed" {
		t.Fatalf("expected sslmode/port/isolation defaults, got %+v", c.DB)
	}
}

func TestValidate_RejectsUnknownIsolation(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		Store: StoreConfig{Driver: "postgres"},
		DB:    DBConfig{Host: "localhost", User: "postgres", Name: "router", Isolation: "snapshot"},
	}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_ISOLATION") {
		t.Fatalf("expected DB_ISOLATION error, got %v", err)
	}
}

func TestLoad_PostgresPool(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("DB_MAX_OPEN_CONNS", "8")
	t.Setenv("DB_CONN_MAX_LIFETIME", "10m")

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	p := c.PostgresPool()
	if p.MaxOpenConns != 8 || p.MaxIdleConns != 0 || p.ConnMaxLifetime != 10*time.Minute {
		t.Fatalf("unexpected pool config %+v", p)
	}
}

func TestValidate_RedisAuditNeedsHost(t *testing.T) {
	c := Config{App: AppConfig{Env: "dev", Port: 8080}, Audit: AuditConfig{Sink: "redis"}}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "REDIS_HOST") {
		t.Fatalf("expected REDIS_HOST error, got %v", err)
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	c := Config{
		App:      AppConfig{Env: "dev", Port: 8080},
		Store:    StoreConfig{Driver: "mysql"},
		Dispatch: DispatchConfig{PredicatePolicy: "ignore"},
		Notify:   NotifyConfig{RetryJitter: 2},
	}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"STORE_DRIVER", "DISPATCH_PREDICATE_ERROR_POLICY", "NOTIFY_RETRY_JITTER"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %v", want, err)
		}
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DISPATCH_WORKERS", "4")
	t.Setenv("DISPATCH_EVICTION_DELAY", "2s")
	t.Setenv("NOTIFY_RETRY_JITTER", "0.25")
	t.Setenv("TASK_DEFAULT_QUEUED_TIMEOUT", "120")

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.App.Port != 9090 || c.Dispatch.Workers != 4 || c.Dispatch.EvictionDelay != 2*time.Second {
		t.Fatalf("unexpected config: %+v", c)
	}
	if c.Notify.RetryJitter != 0.25 || c.Task.DefaultQueuedTimeout != 120 {
		t.Fatalf("unexpected config: %+v", c)
	}
	if c.HTTPAddr() != ":9090" {
		t.Fatalf("unexpected addr %q", c.HTTPAddr())
	}
}

func TestLoad_ParseErrors(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("APP_PORT", "nope")
	t.Setenv("NOTIFY_TIMEOUT", "soon")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected parse errors")
	}
	if !strings.Contains(err.Error(), "APP_PORT") || !strings.Contains(err.Error(), "NOTIFY_TIMEOUT") {
		t.Fatalf("expected both parse errors, got %v", err)
	}
}

func TestLoad_DefaultQueuedTimeout(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("APP_PORT", "8080")

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.Task.DefaultQueuedTimeout != DefaultQueuedTimeout {
		t.Fatalf("expected default %d, got %d", DefaultQueuedTimeout, c.Task.DefaultQueuedTimeout)
	}

	t.Setenv("TASK_DEFAULT_QUEUED_TIMEOUT", "0")
	c, err = Load()
	if err != nil || c.Task.DefaultQueuedTimeout != 0 {
		t.Fatalf("expected explicit 0 to disable timeouts, got %d, %v", c.Task.DefaultQueuedTimeout, err)
	}
}

func TestValidate_DefaultsRetryJitter(t *testing.T) {
	c := Config{App: AppConfig{Env: "local", Port: 8080}}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Notify.RetryJitter != DefaultRetryJitter {
		t.Fatalf("expected jitter %v, got %v", DefaultRetryJitter, c.Notify.RetryJitter)
	}

	c = Config{App: AppConfig{Env: "local", Port: 8080}, Notify: NotifyConfig{RetryJitter: -0.1}}
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "NOTIFY_RETRY_JITTER") {
		t.Fatalf("expected jitter error, got %v", err)
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"comms-router/internal/audit"
	"comms-router/internal/config"
	"comms-router/internal/dispatch"
	"comms-router/internal/eval"
	"comms-router/internal/httpapi"
	"comms-router/internal/notify"
	"comms-router/internal/reporting"
	"comms-router/internal/routing"
	"comms-router/internal/store"
	"comms-router/pkg/logger"
	"comms-router/pkg/tracer"
	"comms-router/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := tracer.Setup(rootCtx, cfg.Tracing.Exporter)
	if err != nil {
		log.Error("tracer init failed", "err", err)
		os.Exit(1)
	}

	ev, err := eval.New(eval.DefaultCacheSize)
	if err != nil {
		log.Error("evaluator init failed", "err", err)
		os.Exit(1)
	}

	uow, closeStore, err := openStore(rootCtx, cfg)
	if err != nil {
		log.Error("store init failed", "driver", cfg.Store.Driver, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	auditRepo, closeAudit, err := openAudit(rootCtx, cfg)
	if err != nil {
		log.Error("audit init failed", "sink", cfg.Audit.Sink, "err", err)
		os.Exit(1)
	}
	defer closeAudit()
	auditSvc := audit.NewService(auditRepo)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	notifier := notify.NewBreakerNotifier(
		notify.NewHTTPNotifier(cfg.Notify.Timeout, log),
		notify.BreakerConfig{MaxFailures: uint32(cfg.Notify.BreakerMaxFailures), Timeout: cfg.Notify.BreakerTimeout},
		log,
	)
	policy, err := dispatch.ParsePredicatePolicy(cfg.Dispatch.PredicatePolicy)
	if err != nil {
		log.Error("dispatch config invalid", "err", err)
		os.Exit(1)
	}
	dispatcher := dispatch.New(dispatch.Config{
		Workers:         cfg.Dispatch.Workers,
		EvictionDelay:   cfg.Dispatch.EvictionDelay,
		ShutdownGrace:   cfg.Dispatch.ShutdownGrace,
		PredicatePolicy: policy,
		Retry: dispatch.RetryConfig{
			MinDelay:    cfg.Notify.RetryMinDelay,
			MaxDelay:    cfg.Notify.RetryMaxDelay,
			MaxAttempts: cfg.Notify.RetryMaxAttempts,
			Jitter:      cfg.Notify.RetryJitter,
		},
	}, uow, ev, notifier, dispatch.AuditAdapter{Audit: auditSvc}, dispatch.NewMetrics(reg), log)

	svc := routing.NewService(uow, ev, dispatcher, routing.AuditAdapter{Audit: auditSvc},
		routing.Config{DefaultQueuedTimeout: cfg.Task.DefaultQueuedTimeout}, log)

	if err := dispatcher.Start(rootCtx); err != nil {
		log.Error("dispatcher start failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{
		Routing:   svc,
		Reporting: reporting.NewService(reporting.StoreRepo{UoW: uow}),
	}, reg)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "store", cfg.Store.Driver, "audit", cfg.Audit.Sink)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	dispatcher.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracer shutdown failed", "err", err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.UnitOfWork, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		isolation, err := utils.ParseIsolation(cfg.DB.Isolation)
		if err != nil {
			return nil, nil, err
		}
		db, err := utils.OpenPostgres(ctx, utils.PostgresDriver, cfg.PostgresDSN(), cfg.PostgresPool())
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgres(db, cfg.Dispatch.LockRetries, isolation)
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return pg, func() { _ = db.Close() }, nil
	default:
		m := store.NewMemory()
		if cfg.Dispatch.LockRetries > 0 {
			m.WithLockRetries(cfg.Dispatch.LockRetries)
		}
		return m, func() {}, nil
	}
}

func openAudit(ctx context.Context, cfg config.Config) (audit.Repository, func(), error) {
	switch cfg.Audit.Sink {
	case "redis":
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			return nil, nil, err
		}
		return audit.NewRedisRepo(rdb, cfg.Audit.Stream, cfg.Audit.MaxLen), func() { _ = rdb.Close() }, nil
	default:
		return audit.NewMemoryRepo(), func() {}, nil
	}
}

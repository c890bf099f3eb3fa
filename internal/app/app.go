package app

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"dsched/internal/config"
	"dsched/internal/history"
	"dsched/internal/jobs"
	"dsched/internal/lock"
	"dsched/internal/notify"
	"dsched/internal/platform/httpclient"
	"dsched/internal/platform/logger"
	"dsched/internal/platform/pg"
	"dsched/internal/platform/redis"
	"dsched/internal/scheduler"
	"dsched/internal/web"
)

const startupWait = 30 * time.Second

// App wires application components.
type App struct {
	cfg config.Config
	log *slog.Logger
}

// New creates a new App instance and loads configuration.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "dsched",
	})
	return &App{cfg: cfg, log: log}, nil
}

// Run starts the application and blocks until a shutdown signal.
func (a *App) Run() error {
	a.log.Info("starting", "env", a.cfg.Env)
	defer func() { _ = logger.Close(a.log) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Lock store: Redis when configured, an in-process table otherwise.
	var (
		store    lock.Store
		lockPing web.Pinger
	)
	if a.cfg.Redis.Addr != "" {
		opts := redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		}
		if err := redis.WaitReady(ctx, opts, 5); err != nil {
			return err
		}
		client, err := redis.New(ctx, opts)
		if err != nil {
			return err
		}
		defer client.Close()
		store = client
		lockPing = client
		a.log.Info("lock store connected", "addr", a.cfg.Redis.Addr)
	} else {
		store = lock.NewMemoryStore()
		a.log.Warn("REDIS_ADDR not set: distribution disabled, job locks are process-local")
	}

	// Run journal. The recorder subscribes to job events and writes them
	// in batches off the scheduling path.
	var histStore history.Store
	switch a.cfg.History.Backend {
	case "sqlite":
		st, err := history.NewSQLiteStore(ctx, a.cfg.History.SQLitePath)
		if err != nil {
			return err
		}
		histStore = st
		a.log.Info("history store ready", "backend", "sqlite", "path", a.cfg.History.SQLitePath)
	case "postgres":
		if err := pg.WaitForDBSimple(ctx, a.cfg.History.PostgresDSN, startupWait); err != nil {
			return err
		}
		st, err := history.NewPostgresStore(ctx, a.cfg.History.PostgresDSN)
		if err != nil {
			return err
		}
		histStore = st
		a.log.Info("history store ready", "backend", "postgres")
	default:
		a.log.Info("history persistence disabled")
	}

	var (
		listeners []scheduler.Listener
		recorder  *history.Recorder
		webHist   web.HistoryStore
		jobsHist  jobs.HistoryStore
	)
	if histStore != nil {
		recorder = history.NewRecorder(a.log, histStore)
		listeners = append(listeners, recorder)
		webHist = histStore
		jobsHist = histStore
	}

	// Telegram failure alerts, active only when fully configured.
	var notifier *notify.Notifier
	if a.cfg.Telegram.Token != "" && a.cfg.Telegram.AlertChatID != 0 {
		n, err := notify.New(a.log, a.cfg.Telegram.Token, a.cfg.Telegram.AlertChatID)
		if err != nil {
			return err
		}
		notifier = n
		listeners = append(listeners, n)
		a.log.Info("failure alerts enabled", "chat", a.cfg.Telegram.AlertChatID)
	}

	source := jobs.New(a.log, jobs.Options{
		History:       jobsHist,
		Retention:     a.cfg.History.Retention,
		ProbeURL:      a.cfg.Probe.URL,
		ProbeInterval: a.cfg.Probe.Interval,
		Client:        httpclient.New(httpclient.WithLogger(a.log)),
	})

	// The core gets a background parent on purpose: shutdown below is
	// ordered explicitly, first the core drains, then the listeners close.
	core := scheduler.New(scheduler.Config{
		Logger: a.log,
		Store:  store,
		Policy: scheduler.Policy{
			Coalesce:     a.cfg.Scheduler.Coalesce,
			MaxInstances: a.cfg.Scheduler.MaxInstances,
			MisfireGrace: a.cfg.Scheduler.MisfireGrace,
		},
		LockTTL:      a.cfg.Scheduler.LockTTL,
		DrainTimeout: a.cfg.Scheduler.DrainTimeout,
		Listeners:    listeners,
		Sources:      []scheduler.Source{source},
	})
	if err := core.Init(ctx); err != nil {
		return err
	}
	if err := core.Start(); err != nil {
		return err
	}

	srv := web.New(a.log, web.Options{
		Addr:      a.cfg.HTTP.Addr,
		Scheduler: core,
		LockStore: lockPing,
		History:   webHist,
	})
	go func() {
		if err := srv.Start(); err != nil {
			a.log.Error("ops server failed", "error", err)
		}
	}()

	<-ctx.Done()
	a.log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), a.cfg.Scheduler.DrainTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("ops server shutdown", "error", err)
	}
	if err := core.Stop(shutdownCtx); err != nil {
		a.log.Warn("scheduler stop", "error", err)
	}
	if notifier != nil {
		notifier.Close()
	}
	if recorder != nil {
		recorder.Close()
	}
	if histStore != nil {
		if err := histStore.Close(); err != nil {
			a.log.Warn("history store close", "error", err)
		}
	}

	a.log.Info("stopped")
	return nil
}

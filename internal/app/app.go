// Package app wires configuration, storage and the job services into a
// running graphkeeper server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/api"
	"github.com/raphaelgruber/graphkeeper/internal/backup"
	"github.com/raphaelgruber/graphkeeper/internal/checkpoint"
	"github.com/raphaelgruber/graphkeeper/internal/config"
	"github.com/raphaelgruber/graphkeeper/internal/db"
	"github.com/raphaelgruber/graphkeeper/internal/extract"
	"github.com/raphaelgruber/graphkeeper/internal/graph"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/metrics"
	"github.com/raphaelgruber/graphkeeper/internal/restore"
	"github.com/raphaelgruber/graphkeeper/internal/scheduler"
	"golang.org/x/sync/errgroup"
)

// eventBuffer is the per-subscriber queue of the progress publisher.
const eventBuffer = 64

// shutdownTimeout bounds how long workers get to stop after the HTTP
// server is gone.
const shutdownTimeout = 30 * time.Second

// App holds the wired services.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	storage   *storage
	Store     *jobs.Store
	Manager   *jobs.Manager
	Scheduler *scheduler.Scheduler
	Server    *api.Server
}

// New builds every service from cfg. Nothing runs until Run is called.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, st, logger)
	if err != nil {
		_ = st.close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func build(cfg config.Config, st *storage, logger *slog.Logger) (*App, error) {
	cpRepo, err := checkpoint.NewFileRepository(cfg.CheckpointDir)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint dir: %w", err)
	}
	checkpoints := checkpoint.NewManager(st.graph, cpRepo, logger)
	locks := checkpoint.NewLocks()
	collector := metrics.NewCollector()

	publisher := jobs.NewPublisher(eventBuffer, logger)
	store := jobs.NewStore(st.jobs, publisher,
		jobs.WithLogger(logger),
		jobs.WithPersistInterval(cfg.PersistInterval),
	)

	local, err := backup.NewLocalDestination(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("open backup dir: %w", err)
	}
	var remote backup.Uploader
	if cfg.S3Bucket != "" {
		s3, err := backup.NewS3Uploader(backup.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			Prefix:    cfg.S3Prefix,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("configure s3 uploads: %w", err)
		}
		remote = s3
		logger.Info("remote backup copies enabled", "bucket", cfg.S3Bucket)
	}

	backups := backup.NewOrchestrator(st.graph, local, remote, logger)
	restores := restore.NewOrchestrator(st.graph, checkpoints, cfg.RestoreBatchSize, logger)
	extractions := extract.New(st.graph, logger)
	store.OnTerminal(restores.ReleaseArtifact)

	manager := jobs.NewManager(store, jobs.ManagerConfig{Workers: cfg.Workers}, locks, collector, logger)
	manager.Register(jobs.KindBackup, backups)
	manager.Register(jobs.KindRestore, restores)
	manager.Register(jobs.KindExtraction, extractions)

	sched := scheduler.New(scheduler.Config{
		Interval:           cfg.CleanupInterval,
		ApprovalTimeout:    cfg.ApprovalTimeout,
		CompletedRetention: cfg.CompletedRetention,
		FailedRetention:    cfg.FailedRetention,
	}, store, checkpoints, logger,
		scheduler.WithObserver(collector),
		scheduler.WithScopeGuard(locks),
	)

	srv, err := api.New(api.Deps{
		Jobs:           manager,
		Events:         publisher,
		Backups:        backups,
		Restores:       restores,
		Scheduler:      sched,
		Extractions:    extractions,
		Auth:           api.NewPasswordAuth(cfg.AdminUser, cfg.AdminPasswordHash),
		Ping:           st.ping,
		Metrics:        collector.Registry(),
		UploadDir:      filepath.Join(cfg.DataDir, "uploads"),
		MaxUploadBytes: cfg.MaxUploadBytes,
		Heartbeat:      cfg.HeartbeatInterval,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create api: %w", err)
	}

	if cfg.AdminPasswordHash == "" {
		logger.Warn("no admin password hash configured, restores will be rejected")
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		storage:   st,
		Store:     store,
		Manager:   manager,
		Scheduler: sched,
		Server:    srv,
	}, nil
}

// Run starts the workers, the cleanup scheduler and the HTTP API, and
// blocks until ctx is cancelled or the API fails. On return every
// service is stopped and storage is closed.
func (a *App) Run(ctx context.Context) error {
	if err := a.Manager.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("start workers: %w", err), a.storage.close(context.WithoutCancel(ctx)))
	}
	if err := a.Scheduler.Start(); err != nil {
		return errors.Join(fmt.Errorf("start scheduler: %w", err), a.shutdown(ctx))
	}
	a.logger.Info("graphkeeper ready", "addr", a.cfg.ListenAddr, "store", a.cfg.Store, "workers", a.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Server.Run(gctx, a.cfg.ListenAddr)
	})
	err := g.Wait()
	return errors.Join(err, a.shutdown(ctx))
}

// shutdown stops the scheduler before the workers so no sweep races the
// final job transitions, then closes storage.
func (a *App) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if err := a.Manager.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop workers: %w", err))
	}
	if err := a.storage.close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// storage is the selected backend for graph and job data.
type storage struct {
	graph graph.Store
	jobs  jobs.Repository
	ping  func(ctx context.Context) error
	close func(ctx context.Context) error
}

func openStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (*storage, error) {
	if cfg.Store == "memory" {
		logger.Warn("using in-memory storage, all data is lost on exit")
		return &storage{
			graph: graph.NewMemoryStore(),
			jobs:  jobs.NewMemoryRepository(),
			close: func(context.Context) error { return nil },
		}, nil
	}

	client, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to surrealdb: %w", err)
	}
	if err := client.InitSchema(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("init schema: %w", err)
	}
	logger.Info("connected to surrealdb", "url", cfg.SurrealDBURL,
		"namespace", cfg.SurrealDBNamespace, "database", cfg.SurrealDBDatabase)

	return &storage{
		graph: db.NewGraphStore(client),
		jobs:  db.NewJobRepository(client),
		ping:  client.Ping,
		close: func(ctx context.Context) error {
			logger.Info("closing database connection")
			return client.Close(ctx)
		},
	}, nil
}

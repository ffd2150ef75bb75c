package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"

	"github.com/semmidev/custos/internal/adapter/compressor"
	"github.com/semmidev/custos/internal/adapter/engine"
	"github.com/semmidev/custos/internal/adapter/history"
	"github.com/semmidev/custos/internal/adapter/scanner"
	"github.com/semmidev/custos/internal/adapter/storage"
	"github.com/semmidev/custos/internal/config"
	"github.com/semmidev/custos/internal/domain"
	"github.com/semmidev/custos/internal/infrastructure/coordinator"
	"github.com/semmidev/custos/internal/infrastructure/diskspace"
	"github.com/semmidev/custos/internal/infrastructure/logger"
	"github.com/semmidev/custos/internal/infrastructure/metrics"
	"github.com/semmidev/custos/internal/infrastructure/scheduler"
	"github.com/semmidev/custos/internal/infrastructure/tablelock"
	"github.com/semmidev/custos/internal/usecase"
)

const (
	historyFile     = "history.db"
	shutdownTimeout = 30 * time.Second
)

type App struct {
	config        *config.Config
	logger        *logger.Logger
	fs            afero.Fs
	engine        *engine.SQLite
	history       *history.Store
	job           *usecase.BackupJob
	router        *usecase.Router
	admin         *AdminServer
	scheduler     *scheduler.Scheduler
	uploadTargets []usecase.UploadTarget
	defaults      domain.Options
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log, err := logger.New(logger.Options{
		Name:  cfg.App.Name,
		Level: cfg.App.LogLevel,
		File:  cfg.App.LogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Infof("Starting %s, engine %s", cfg.App.Name, cfg.EnginePath())

	eng, err := engine.Open(ctx, cfg.Server.DataDir, cfg.Server.EngineFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}

	hist, err := history.Open(ctx, filepath.Join(cfg.Server.StateDir, historyFile))
	if err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}

	fs := afero.NewOsFs()
	coord := coordinator.New()
	locks := tablelock.New()

	uploadTargets, notifier := initializeUploadTargets(ctx, cfg, log)

	shipper, err := initializeShipment(cfg, uploadTargets, log)
	if err != nil {
		_ = hist.Close()
		_ = eng.Close()
		return nil, err
	}

	jobCfg := usecase.JobConfig{
		DataDir:      cfg.Server.DataDir,
		DefaultDir:   cfg.Backup.DefaultDir,
		ConfigFile:   cfg.File,
		PollInterval: cfg.Backup.PollInterval,
		StepPages:    cfg.Backup.StepPages,
	}
	if cfg.Backup.CheckFreeSpace {
		jobCfg.FreeSpace = diskspace.Free
	}

	job := usecase.NewBackupJob(
		jobCfg,
		fs,
		scanner.New(fs, eng, cfg.Backup.ReservedDatabases, log.Named("scanner")),
		coord,
		eng,
		map[domain.Kind]usecase.TableExecutor{
			domain.KindForeignFile:  usecase.NewForeignFileExecutor(fs, locks, cfg.Backup.CopyBufferSize),
			domain.KindEngineNative: usecase.NewEngineNativeExecutor(fs),
		},
		shipper,
		log.Named("job"),
		usecase.NewRunReporter(hist, notifier, cfg.Backup.NotifyOnSuccess, log.Named("report")),
	)

	defaults := domain.Options{
		IncludeForeign: cfg.Backup.Defaults.MyISAM,
		IncludeSystem:  cfg.Backup.Defaults.System,
		IncludeConfig:  cfg.Backup.Defaults.Config,
		EmptyDir:       cfg.Backup.Defaults.EmptyDir,
	}

	schema := usecase.NewSchema(fs, cfg.Server.DataDir, eng, coord, locks, log.Named("schema"))
	router := usecase.NewRouter(job, schema, eng, hist, defaults, log.Named("router"))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		coord,
		metrics.NewJobCollector(job),
	)

	return &App{
		config:        cfg,
		logger:        log,
		fs:            fs,
		engine:        eng,
		history:       hist,
		job:           job,
		router:        router,
		admin:         NewAdminServer(router, registry, log.Named("admin")),
		scheduler:     scheduler.New(log.Named("scheduler")),
		uploadTargets: uploadTargets,
		defaults:      defaults,
	}, nil
}

// initializeUploadTargets builds the remote targets. The first Telegram
// target doubles as the notifier for finished runs.
func initializeUploadTargets(ctx context.Context, cfg *config.Config, log *logger.Logger) ([]usecase.UploadTarget, domain.Notifier) {
	var (
		targets  []usecase.UploadTarget
		notifier domain.Notifier
	)

	for _, targetCfg := range cfg.GetEnabledUploadTargets() {
		var stor domain.Storage

		switch targetCfg.Type {
		case "gdrive":
			gd, err := storage.NewGDrive(ctx, &targetCfg)
			if err != nil {
				log.Errorf("Failed to initialize Google Drive: %v", err)
				continue
			}
			stor = gd
			log.Infof("✓ Google Drive upload enabled")

		case "s3":
			s3, err := storage.NewS3(ctx, &targetCfg)
			if err != nil {
				log.Errorf("Failed to initialize S3: %v", err)
				continue
			}
			stor = s3
			log.Infof("✓ S3 upload enabled (bucket: %s)", targetCfg.Bucket)

		case "telegram":
			tg, err := storage.NewTelegram(&targetCfg)
			if err != nil {
				log.Errorf("Failed to initialize Telegram: %v", err)
				continue
			}
			stor = tg
			if notifier == nil {
				notifier = tg
			}
			log.Infof("✓ Telegram upload enabled")

		default:
			log.Warnf("Unknown upload target type: %s", targetCfg.Type)
			continue
		}

		targets = append(targets, usecase.UploadTarget{
			Name:    targetCfg.Type,
			Storage: stor,
		})
	}

	return targets, notifier
}

func initializeShipment(cfg *config.Config, targets []usecase.UploadTarget, log *logger.Logger) (usecase.Shipper, error) {
	if !cfg.Backup.Archive.Enabled && len(targets) == 0 {
		return nil, nil
	}

	var archiveStorage usecase.LocalStorage
	if cfg.Backup.Archive.Enabled {
		local, err := storage.NewLocal(cfg.Backup.Archive.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archive storage: %w", err)
		}
		archiveStorage = local
		log.Infof("✓ Local archives kept in %s", cfg.Backup.Archive.Dir)
	}

	return usecase.NewShipment(
		cfg.App.Name,
		archiveStorage,
		targets,
		compressor.NewTarGz(cfg.Backup.Archive.CompressionLevel),
		log.Named("ship"),
	), nil
}

func (a *App) Run(ctx context.Context) error {
	if a.config.Backup.Schedule != "" {
		scheduled := usecase.NewScheduledBackup(a.job, a.fs, a.config.Backup.ScheduleDir, a.defaults, a.logger.Named("scheduled"))
		if err := a.scheduler.AddJob("backup", a.config.Backup.Schedule, scheduled.Execute); err != nil {
			return err
		}
		a.logger.Infof("Scheduling backups: %s into %s", a.config.Backup.Schedule, a.config.Backup.ScheduleDir)
	}

	if a.config.Backup.CleanupSchedule != "" {
		cleanupTargets := a.uploadTargets
		if a.config.Backup.Archive.Enabled {
			local, err := storage.NewLocal(a.config.Backup.Archive.Dir)
			if err != nil {
				return fmt.Errorf("failed to open archive storage: %w", err)
			}
			cleanupTargets = append([]usecase.UploadTarget{{Name: "local", Storage: local}}, cleanupTargets...)
		}

		cleanup := usecase.NewCleanup(a.fs, cleanupTargets, a.config.Backup.ScheduleDir, a.logger.Named("cleanup"), a.config.Backup.RetentionDays)
		if err := a.scheduler.AddJob("cleanup", a.config.Backup.CleanupSchedule, cleanup.Execute); err != nil {
			return err
		}
		a.logger.Infof("Scheduling cleanup: %s, retention %d day(s)", a.config.Backup.CleanupSchedule, a.config.Backup.RetentionDays)
	}

	if _, err := a.admin.Start(a.config.Server.AdminAddr); err != nil {
		return err
	}

	a.scheduler.Start()
	a.logger.Infof("Backup destinations: %d remote target(s)", len(a.uploadTargets))

	<-ctx.Done()
	return nil
}

// Execute runs one admin command in process.
func (a *App) Execute(ctx context.Context, command string) (*usecase.Result, error) {
	return a.router.Execute(ctx, command)
}

func (a *App) Shutdown() {
	a.logger.Infof("Shutting down application...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.scheduler.Stop()

	if err := a.admin.Shutdown(ctx); err != nil {
		a.logger.Errorf("%v", err)
	}
	if err := a.job.Shutdown(ctx); err != nil {
		a.logger.Errorf("Backup did not stop in time: %v", err)
	}

	err := errors.Join(a.history.Close(), a.engine.Close())
	if err != nil {
		a.logger.Errorf("Failed to close storage: %v", err)
	}

	a.logger.Close()
}

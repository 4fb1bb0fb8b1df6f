package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/tomo-refiner/internal/audit"
	"github.com/withObsrvr/tomo-refiner/internal/backend"
	"github.com/withObsrvr/tomo-refiner/internal/config"
	"github.com/withObsrvr/tomo-refiner/internal/export"
	"github.com/withObsrvr/tomo-refiner/internal/jobcache"
	"github.com/withObsrvr/tomo-refiner/internal/logging"
	"github.com/withObsrvr/tomo-refiner/internal/metadata"
	"github.com/withObsrvr/tomo-refiner/internal/metrics"
	"github.com/withObsrvr/tomo-refiner/internal/pipeline"
	"github.com/withObsrvr/tomo-refiner/internal/resolution"
	"github.com/withObsrvr/tomo-refiner/internal/storage"
	"github.com/withObsrvr/tomo-refiner/internal/tierplan"
)

// Version information (set via ldflags)
var (
	Version = "dev"
	GitSHA  = "unknown"
)

const producerName = "tomo-refiner"

func main() {
	cfg := config.MustLoad()
	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})

	runID := uuid.NewString()
	log := slog.With("component", "main", "run_id", runID)
	log.Info("tomo-refiner starting", "version", Version, "git_sha", GitSHA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logging.WithCorrelationID(ctx, runID)

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal, cancelling run", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, runID, log); err != nil {
		if ctx.Err() != nil {
			log.Info("run cancelled", "error", err)
			os.Exit(130)
		}
		log.Error("run failed", "class", pipeline.Classify(err).String(), "error", err)
		os.Exit(1)
	}

	log.Info("tomo-refiner stopped cleanly")
	time.Sleep(100 * time.Millisecond)
}

func run(ctx context.Context, cfg config.Config, runID string, log *slog.Logger) error {
	params, err := config.LoadParameters(cfg.Run.ParamsFile)
	if err != nil {
		return err
	}
	sched, err := resolution.NewScheduler(resolution.Physical{
		PixelSize:        params.PixelSize,
		ParticleDiameter: params.ParticleDiameter,
		BoxScaling:       params.BoxScaling,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidParameters, err)
	}
	plan, err := tierplan.FromParameters(params, sched)
	if err != nil {
		return err
	}

	cache, err := jobcache.Open(cfg.Run.StateDir)
	if err != nil {
		return err
	}

	be, err := backend.New(backend.Config{
		Kind:        cfg.Backend.Kind,
		ProjectDir:  cfg.Run.ProjectDir,
		DockerImage: cfg.Backend.DockerImage,
		MPIRunner:   cfg.Backend.MPIRunner,
	})
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}
	defer be.Close()

	var m *metrics.Metrics
	status := pipeline.NewStatusView(runID, cache)
	if cfg.Metrics.Enabled {
		m = metrics.Init("")
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Addr, m, status); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
		log.Info("metrics server listening", "addr", cfg.Metrics.Addr)
	}

	meta, err := metadata.NewWriter(metadata.CatalogConfig{PostgresDSN: cfg.Catalog.PostgresDSN})
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer meta.Close()

	project := audit.ProjectName(cfg.Run.ProjectDir)
	emitter, err := audit.NewEmitter(audit.Config{
		Enabled:  cfg.Audit.Enabled,
		Endpoint: cfg.Audit.Endpoint,
		Dir:      cfg.Audit.Dir,
		Producer: audit.ProducerInfo{Name: producerName, Version: Version, GitSHA: GitSHA},
	})
	if err != nil {
		return fmt.Errorf("create audit emitter: %w", err)
	}
	defer emitter.Close()

	if err := meta.EnsureRun(ctx, metadata.RunInfo{
		RunID:           runID,
		Project:         project,
		ParamsFile:      cfg.Run.ParamsFile,
		ProducerVersion: fmt.Sprintf("%s@%s", producerName, Version),
		StartedAt:       time.Now().UTC(),
	}); err != nil {
		if cfg.Catalog.Strict {
			return fmt.Errorf("register run: %w", err)
		}
		log.Warn("failed to register run in catalog", "error", err)
	}
	if _, err := pipeline.BackfillCatalog(ctx, meta, runID, cache); err != nil {
		if cfg.Catalog.Strict {
			return fmt.Errorf("backfill catalog: %w", err)
		}
		m.IncCatalogErrors()
		log.Warn("failed to backfill catalog from job cache", "error", err)
	}

	runner := pipeline.NewRunner(pipeline.RunnerConfig{
		ProjectDir:   cfg.Run.ProjectDir,
		PollInterval: cfg.Backend.PollInterval,
		JobTimeout:   cfg.Backend.JobTimeout,
	}, be, cache)
	runner.SetMetrics(m)
	runner.AddHook(pipeline.NewCatalogHook(meta, runID, cfg.Catalog.Strict, m))
	runner.AddHook(pipeline.NewAuditHook(emitter, project, runID, m))
	runner.AddHook(pipeline.StatusHook(status, cache))

	p := pipeline.New(runner, params, plan, pipeline.Options{
		RunID:   runID,
		Meta:    meta,
		Status:  status,
		Metrics: m,
	})

	res, runErr := p.Run(ctx)
	finish := "succeeded"
	if runErr != nil {
		finish = "failed: " + pipeline.Classify(runErr).String()
	}
	// The run may have been cancelled; the catalog update still goes out.
	finishCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := meta.FinishRun(finishCtx, runID, finish); err != nil {
		log.Warn("failed to finish run in catalog", "error", err)
	}
	if runErr != nil {
		return runErr
	}
	log.Info("refinement finished",
		"resolution", res.Resolution,
		"polish_iterations", res.Polish.Iterations,
		"converged", res.Polish.Converged,
		"mask_degraded", res.MaskDegraded,
	)

	if cfg.Export.Enabled {
		return exportRun(ctx, cfg.Export, cache, m, log)
	}
	return nil
}

func exportRun(ctx context.Context, cfg config.ExportConfig, cache *jobcache.Cache, m *metrics.Metrics, log *slog.Logger) error {
	store, err := storage.NewProjectStore(storage.StorageConfig{
		Backend:    cfg.Backend,
		LocalDir:   cfg.LocalDir,
		Bucket:     cfg.Bucket,
		S3Endpoint: cfg.S3Endpoint,
		S3Region:   cfg.S3Region,
		Prefix:     cfg.Prefix,
	})
	if err != nil {
		return fmt.Errorf("create export store: %w", err)
	}
	defer store.Close()

	exp := export.New(store, export.Config{
		Workers:  cfg.Workers,
		Producer: storage.ProducerInfo{Name: producerName, Version: Version, GitSHA: GitSHA},
	}, m)
	stats, err := exp.Export(ctx, cache.Snapshot())
	log.Info("export complete",
		"destination", store.URI(""),
		"exported", stats.Exported,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)
	return err
}

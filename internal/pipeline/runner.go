// Package pipeline runs jobs against the execution backend and drives the
// convergence loops of a refinement run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/withObsrvr/tomo-refiner/internal/backend"
	"github.com/withObsrvr/tomo-refiner/internal/job"
	"github.com/withObsrvr/tomo-refiner/internal/jobcache"
	"github.com/withObsrvr/tomo-refiner/internal/logging"
	"github.com/withObsrvr/tomo-refiner/internal/metrics"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultJobTimeout   = 7 * 24 * time.Hour
)

// Completion describes a job that reached Succeeded and was recorded.
type Completion struct {
	Tier       string
	Kind       job.Kind
	Label      string
	Location   string
	Rerun      bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Hook observes recorded completions. A returned error fails the run.
type Hook interface {
	JobCompleted(ctx context.Context, c Completion) error
}

// InprocFunc runs a job kind inside the orchestrator process.
type InprocFunc func(ctx context.Context, spec job.Spec, outDir string) error

// RunnerConfig configures the job execution contract.
type RunnerConfig struct {
	ProjectDir   string
	PollInterval time.Duration
	JobTimeout   time.Duration
}

// Runner submits one job at a time and blocks until it is terminal. It
// must not be used concurrently for the same (tier, kind) pair.
type Runner struct {
	cfg     RunnerConfig
	backend backend.Backend
	cache   *jobcache.Cache
	hooks   []Hook
	inproc  map[job.Kind]InprocFunc
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewRunner creates a runner. Zero poll interval and timeout take the
// defaults.
func NewRunner(cfg RunnerConfig, be backend.Backend, cache *jobcache.Cache) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	return &Runner{
		cfg:     cfg,
		backend: be,
		cache:   cache,
		inproc: map[job.Kind]InprocFunc{
			job.Select: runSelect,
		},
		log: logging.Component("runner"),
	}
}

// AddHook registers a completion hook. Hooks run in registration order.
func (r *Runner) AddHook(h Hook) {
	r.hooks = append(r.hooks, h)
}

// SetMetrics attaches a metrics sink.
func (r *Runner) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Cache returns the cache the runner records into.
func (r *Runner) Cache() *jobcache.Cache {
	return r.cache
}

// OutputDir returns the location a job writes into for an iteration.
func (r *Runner) OutputDir(spec job.Spec, label string) string {
	return filepath.Join(r.cfg.ProjectDir, string(spec.Kind()), spec.Tier().Key(), label)
}

// Run executes spec. Without rerun a completed (tier, kind) returns its
// cached location and submits nothing. With rerun, a pair that has history
// gets the next iteration label and a fresh pair is seeded with iter1.
func (r *Runner) Run(ctx context.Context, spec job.Spec, rerun bool) (string, error) {
	tier, kind := spec.Tier(), spec.Kind()
	labels := metrics.Labels{Tier: tier.Key(), Kind: string(kind)}
	log := logging.JobLogger(ctx, tier.Key(), string(kind))

	if !rerun {
		if loc, ok := r.cache.Lookup(tier, kind); ok {
			r.metrics.IncCacheHits(labels)
			log.Info("using cached output", "location", loc)
			return loc, nil
		}
	}

	label := "iter1"
	if next, ok := r.cache.NextIterationLabel(tier, kind); ok {
		label = next
	}
	location := r.OutputDir(spec, label)
	log = log.With("label", label, "location", location)

	started := time.Now()
	status, err := r.execute(ctx, spec, location, log)
	finished := time.Now()

	labels.Status = status.String()
	r.metrics.IncJobsFinished(labels)
	r.metrics.ObserveJobDuration(labels, finished.Sub(started).Seconds())

	if status != job.Succeeded {
		log.Error("job did not succeed",
			"status", status.String(),
			"duration", finished.Sub(started).String(),
			"error", err,
		)
		return "", &StageError{Tier: tier, Kind: kind, Status: status, Location: location, Err: err}
	}

	result := ValidateOutputs(kind, location)
	for _, w := range result.Warnings {
		log.Warn("output validation", "warning", w)
	}

	if err := r.cache.RecordCompletion(tier, kind, location, label); err != nil {
		return "", fmt.Errorf("record %s: %w", spec, err)
	}

	log.Info("job completed", "duration", finished.Sub(started).String())

	c := Completion{
		Tier:       tier.Key(),
		Kind:       kind,
		Label:      label,
		Location:   location,
		Rerun:      rerun,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
	}
	for _, h := range r.hooks {
		if err := h.JobCompleted(ctx, c); err != nil {
			return "", fmt.Errorf("completion hook for %s: %w", spec, err)
		}
	}

	return location, nil
}

func (r *Runner) execute(ctx context.Context, spec job.Spec, location string, log *slog.Logger) (job.Status, error) {
	labels := metrics.Labels{Tier: spec.Tier().Key(), Kind: string(spec.Kind())}

	if fn, ok := r.inproc[spec.Kind()]; ok {
		log.Info("running job in process")
		r.metrics.IncJobsSubmitted(labels)
		if err := fn(ctx, spec, location); err != nil {
			return job.Failed, err
		}
		return job.Succeeded, nil
	}

	h, err := r.backend.Submit(ctx, spec, location)
	if err != nil {
		return job.NotSubmitted, fmt.Errorf("submit: %w", err)
	}
	r.metrics.IncJobsSubmitted(labels)
	log.Info("job submitted", "handle", h.ID)

	return r.wait(ctx, h, log)
}

// wait polls until h is terminal, the timeout expires or ctx is done. The
// backend job is cancelled on timeout and cancellation.
func (r *Runner) wait(ctx context.Context, h backend.Handle, log *slog.Logger) (job.Status, error) {
	timeout := time.NewTimer(r.cfg.JobTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := r.backend.Poll(ctx, h)
		if err != nil && !errors.Is(err, context.Canceled) {
			return job.Failed, fmt.Errorf("poll %s: %w", h.ID, err)
		}
		if err == nil && status.Terminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			r.cancel(h, log)
			return job.Aborted, ctx.Err()
		case <-timeout.C:
			r.cancel(h, log)
			return job.Failed, fmt.Errorf("%w after %s", ErrTimeout, r.cfg.JobTimeout)
		case <-ticker.C:
		}
	}
}

func (r *Runner) cancel(h backend.Handle, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.backend.Cancel(ctx, h); err != nil {
		log.Warn("cancel job", "handle", h.ID, "error", err)
	}
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/withObsrvr/tomo-refiner/internal/config"
	"github.com/withObsrvr/tomo-refiner/internal/job"
	"github.com/withObsrvr/tomo-refiner/internal/logging"
	"github.com/withObsrvr/tomo-refiner/internal/metadata"
	"github.com/withObsrvr/tomo-refiner/internal/metrics"
	"github.com/withObsrvr/tomo-refiner/internal/resolution"
	"github.com/withObsrvr/tomo-refiner/internal/tierplan"
)

// Options carries the optional collaborators of a Pipeline.
type Options struct {
	RunID   string
	Meta    metadata.Writer
	Status  *StatusView
	Metrics *metrics.Metrics
}

// Pipeline chains jobs across resolution tiers.
type Pipeline struct {
	runner  *Runner
	params  *config.Parameters
	plan    *tierplan.Plan
	builder *job.Builder
	opts    Options
	log     *slog.Logger
}

// Result summarises a completed run.
type Result struct {
	Resolution   float64 // best final resolution, Å
	Polish       PolishResult
	MaskDegraded []string // tier keys whose mask search never cleared
}

// state is the data flowing from one stage into the next.
type state struct {
	particles string
	tomograms string
	reference string
	mask      string
	lowpass   float64
	sampling  float64

	classified bool
}

// New creates a pipeline for one run.
func New(runner *Runner, params *config.Parameters, plan *tierplan.Plan, opts Options) *Pipeline {
	if opts.Meta == nil {
		opts.Meta, _ = metadata.NewWriter(metadata.CatalogConfig{})
	}
	return &Pipeline{
		runner:  runner,
		params:  params,
		plan:    plan,
		builder: job.NewBuilder(params.Commands, params.Resources),
		opts:    opts,
		log:     logging.Component("pipeline"),
	}
}

// Run walks the ladder, finishes at high resolution and polishes.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	st := &state{
		particles: p.params.Particles,
		tomograms: p.params.Tomograms,
		reference: p.params.InitialReference,
		lowpass:   p.params.InitialLowpass,
	}
	var res Result

	degraded, err := p.Ladder(ctx, st)
	if err != nil {
		return res, err
	}
	res.MaskDegraded = degraded

	hr, err := p.HighRes(ctx, st)
	if err != nil {
		return res, err
	}
	if !hr.Mask.Cleared {
		res.MaskDegraded = append(res.MaskDegraded, resolution.HighRes.Key())
	}

	pol, err := p.Polish(ctx, st, hr.Resolution)
	if err != nil {
		return res, err
	}
	res.Polish = pol
	res.Resolution = pol.Best

	p.log.Info("pipeline finished",
		"resolution", res.Resolution,
		"polish_iterations", pol.Iterations,
		"mask_degraded", res.MaskDegraded,
	)
	return res, nil
}

// runJob builds and runs one job.
func (p *Pipeline) runJob(ctx context.Context, kind job.Kind, in job.Inputs, rerun bool) (string, error) {
	if in.PixelSize == 0 {
		in.PixelSize = p.params.PixelSize
	}
	spec, err := p.builder.Build(kind, in)
	if err != nil {
		return "", fmt.Errorf("build %s@%s: %w", kind, in.Tier.Key(), err)
	}
	return p.runner.Run(ctx, spec, rerun)
}

// signal records a quality signal in the catalog. Failures are logged.
func (p *Pipeline) signal(ctx context.Context, tier resolution.Tier, kind job.Kind, name string, value float64, passed bool, msg string) {
	label := ""
	if hist := p.runner.Cache().History(tier, kind); len(hist) > 0 {
		label = hist[len(hist)-1].Label
	}
	err := p.opts.Meta.RecordSignal(ctx, metadata.SignalRecord{
		RunID:   p.opts.RunID,
		Tier:    tier.Key(),
		Kind:    string(kind),
		Label:   label,
		Signal:  name,
		Value:   value,
		Passed:  passed,
		Message: msg,
	})
	if err != nil {
		p.opts.Metrics.IncCatalogErrors()
		p.log.Warn("failed to record quality signal", "signal", name, "tier", tier.Key(), "error", err)
	}
}

func (p *Pipeline) setStage(stage string, tier resolution.Tier) {
	if p.opts.Status != nil {
		p.opts.Status.SetStage(stage, tier)
	}
	p.opts.Metrics.SetCurrentTier(float64(tier))
}

// maps locates the full map and a half map inside a job output.
type maps struct {
	full string
	half string
}

func reconstructMaps(loc string) maps {
	return maps{full: filepath.Join(loc, job.FileMerged), half: filepath.Join(loc, job.FileHalf1)}
}

func refineMaps(loc string) maps {
	return maps{full: filepath.Join(loc, job.FileRefinedMap), half: filepath.Join(loc, job.FileHalf1)}
}

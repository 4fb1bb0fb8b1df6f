package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/withObsrvr/tomo-refiner/internal/job"
	"github.com/withObsrvr/tomo-refiner/internal/metadata"
	"github.com/withObsrvr/tomo-refiner/internal/quality"
	"github.com/withObsrvr/tomo-refiner/internal/resolution"
)

// PolishResult is the outcome of the polishing loop.
type PolishResult struct {
	Iterations int
	Best       float64 // Å, lower is better
	Stale      int     // post-processes since the last improvement
	Converged  bool    // stopped early on the patience bound
}

// patience tracks consecutive post-processes without a strictly better
// resolution.
type patience struct {
	best  float64
	stale int
	limit int
}

// observe records a new resolution and reports whether the bound is hit.
func (pt *patience) observe(res float64) bool {
	if res < pt.best {
		pt.best = res
		pt.stale = 0
	} else {
		pt.stale++
	}
	return pt.limit > 0 && pt.stale >= pt.limit
}

// Polish repeats CTF and motion refinement around re-extraction until
// max_iterations or until patience post-processes in a row fail to improve
// on the best resolution. Every job reruns. Iterations and post-processes
// already in the cache count against both bounds.
func (p *Pipeline) Polish(ctx context.Context, st *state, start float64) (PolishResult, error) {
	tier := resolution.HighRes
	pt := &patience{best: start, limit: p.params.Polish.Patience}
	result := PolishResult{Best: start}
	p.setStage("polish", tier)

	box, err := p.plan.BoxSize(tier)
	if err != nil {
		return result, err
	}

	done, stop, err := p.replayPolish(pt)
	if err != nil {
		return result, err
	}
	result.Iterations, result.Best, result.Stale = done, pt.best, pt.stale
	if done > 0 {
		p.restorePolishState(st, done)
		p.log.Info("resuming polish", "iterations", done, "best", pt.best, "stale", pt.stale)
	}
	if stop {
		result.Converged = true
		p.log.Info("polishing already stopped within patience", "iterations", done, "best", pt.best)
		return result, nil
	}

	for i := done + 1; i <= p.params.Polish.MaxIterations; i++ {
		result.Iterations = i
		p.opts.Metrics.IncPolishIterations()
		p.log.Info("polish iteration", "iteration", i, "best", pt.best, "stale", pt.stale)

		stop, err := p.polishOnce(ctx, st, box, pt)
		result.Best, result.Stale = pt.best, pt.stale
		p.opts.Metrics.SetBestResolution(pt.best)
		p.opts.Metrics.SetPolishStale(float64(pt.stale))
		if p.opts.Status != nil {
			p.opts.Status.SetPolish(i, pt.stale, pt.best)
		}
		if err != nil {
			return result, err
		}
		if stop {
			result.Converged = true
			p.log.Info("polishing stopped, no improvement within patience",
				"iterations", i,
				"patience", pt.limit,
				"best", pt.best,
			)
			return result, nil
		}
	}

	p.log.Info("polishing reached iteration limit", "iterations", result.Iterations, "best", result.Best)
	return result, nil
}

// replayPolish feeds the post-processes of earlier polish iterations to pt.
// An iteration counts once its CTF refinement is recorded, so one cut short
// by a crash still spends budget. The first high-resolution post-process is
// the starting point and is not replayed.
func (p *Pipeline) replayPolish(pt *patience) (int, bool, error) {
	tier := resolution.HighRes
	cache := p.runner.Cache()

	done := len(cache.History(tier, job.CtfRefine))
	if done == 0 {
		return 0, false, nil
	}
	posts := cache.History(tier, job.PostProcess)
	if len(posts) < 2 {
		return done, false, nil
	}
	for _, it := range posts[1:] {
		res, err := quality.FinalResolution(filepath.Join(it.Location, job.FilePostprocessStar))
		if err != nil {
			return done, false, fmt.Errorf("replay polish %s: %w", it.Label, err)
		}
		if pt.observe(res) {
			return done, true, nil
		}
	}
	return done, false, nil
}

// restorePolishState points st at the particles and tomograms of the last
// polish step that completed. HighRes owns iter1 of pseudo_subtomo and
// refine3D, so polish iteration n is iter n+1 of those kinds.
func (p *Pipeline) restorePolishState(st *state, done int) {
	tier := resolution.HighRes
	cache := p.runner.Cache()
	latest := func(kind job.Kind, want int) (string, bool) {
		hist := cache.History(tier, kind)
		if len(hist) != want {
			return "", false
		}
		return hist[want-1].Location, true
	}

	if loc, ok := latest(job.MotionRefine, done); ok {
		st.tomograms = filepath.Join(loc, job.FileTomograms)
	} else if loc, ok := latest(job.CtfRefine, done); ok {
		st.tomograms = filepath.Join(loc, job.FileTomograms)
	}

	switch {
	case p.params.Polish.Refine && len(cache.History(tier, job.Refine3D)) == done+1:
		loc, _ := latest(job.Refine3D, done+1)
		st.particles = filepath.Join(loc, job.FileData)
	case len(cache.History(tier, job.PseudoSubtomo)) == done+1:
		loc, _ := latest(job.PseudoSubtomo, done+1)
		st.particles = filepath.Join(loc, job.FileParticles)
	default:
		for _, kind := range []job.Kind{job.MotionRefine, job.CtfRefine} {
			if loc, ok := latest(kind, done); ok {
				st.particles = filepath.Join(loc, job.FileParticles)
				break
			}
		}
	}
}

// polishOnce runs one polishing round and reports whether the patience
// bound was reached.
func (p *Pipeline) polishOnce(ctx context.Context, st *state, box int, pt *patience) (bool, error) {
	tier := resolution.HighRes

	reconLoc, err := p.runJob(ctx, job.Reconstruct, job.Inputs{
		Tier: tier, BoxSize: box, Particles: st.particles,
	}, true)
	if err != nil {
		return false, err
	}

	for _, kind := range []job.Kind{job.CtfRefine, job.MotionRefine} {
		loc, err := p.runJob(ctx, kind, job.Inputs{
			Tier:      tier,
			Particles: st.particles,
			Tomograms: st.tomograms,
			Reference: reconstructMaps(reconLoc).full,
			Mask:      st.mask,
		}, true)
		if err != nil {
			return false, err
		}
		st.particles = filepath.Join(loc, job.FileParticles)
		st.tomograms = filepath.Join(loc, job.FileTomograms)
	}

	extractLoc, err := p.runJob(ctx, job.PseudoSubtomo, job.Inputs{
		Tier: tier, BoxSize: box, Particles: st.particles, Tomograms: st.tomograms,
	}, true)
	if err != nil {
		return false, err
	}
	st.particles = filepath.Join(extractLoc, job.FileParticles)

	stop, err := p.measure(ctx, st, box, pt)
	if err != nil || stop || !p.params.Polish.Refine {
		return stop, err
	}

	refineLoc, err := p.runJob(ctx, job.Refine3D, job.Inputs{
		Tier:         tier,
		Particles:    st.particles,
		Reference:    st.reference,
		Lowpass:      st.lowpass,
		SamplingStep: st.sampling,
		Mask:         st.mask,
	}, true)
	if err != nil {
		return false, err
	}
	st.particles = filepath.Join(refineLoc, job.FileData)

	return p.measure(ctx, st, box, pt)
}

// measure reconstructs, post-processes and feeds the resolution to pt.
func (p *Pipeline) measure(ctx context.Context, st *state, box int, pt *patience) (bool, error) {
	tier := resolution.HighRes

	reconLoc, err := p.runJob(ctx, job.Reconstruct, job.Inputs{
		Tier: tier, BoxSize: box, Particles: st.particles,
	}, true)
	if err != nil {
		return false, err
	}
	m := reconstructMaps(reconLoc)

	ppLoc, lowpass, err := p.postProcess(ctx, tier, m, st.mask, true)
	if err != nil {
		return false, err
	}
	res, err := quality.FinalResolution(filepath.Join(ppLoc, job.FilePostprocessStar))
	if err != nil {
		return false, err
	}

	improved := res < pt.best
	stop := pt.observe(res)
	p.signal(ctx, tier, job.PostProcess, metadata.SignalResolution, res, improved, "")
	p.log.Info("polish resolution", "resolution", res, "improved", improved, "best", pt.best, "stale", pt.stale)

	if improved {
		st.reference = m.full
		st.lowpass = lowpass
	}
	return stop, nil
}

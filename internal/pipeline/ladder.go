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

// Ladder walks the tier plan from coarse to fine. It stops at the first
// tier at or below the upsampling threshold. Classification runs at the
// first tier only; when that tier already hands off, HighRes classifies
// instead. It returns the tier keys whose mask search degraded.
func (p *Pipeline) Ladder(ctx context.Context, st *state) ([]string, error) {
	var degraded []string

	for i, tier := range p.plan.Tiers() {
		if p.plan.HandsOff(tier) {
			p.log.Info("handing off to high-resolution stage", "tier", tier.Key())
			break
		}
		p.setStage("ladder", tier)

		if err := p.refineTier(ctx, tier, st); err != nil {
			return degraded, err
		}

		if i == 0 && p.params.Classify {
			if err := p.classifyAndSelect(ctx, tier, st); err != nil {
				return degraded, err
			}
		}

		next, ok := p.plan.Next(tier)
		if !ok {
			break
		}
		mask, err := p.advance(ctx, next, st)
		if err != nil {
			return degraded, err
		}
		if !mask.Cleared {
			degraded = append(degraded, next.Key())
		}
	}

	return degraded, nil
}

// refineTier extracts pseudo-subtomograms at tier and refines against the
// current reference.
func (p *Pipeline) refineTier(ctx context.Context, tier resolution.Tier, st *state) error {
	box, err := p.plan.BoxSize(tier)
	if err != nil {
		return err
	}
	extra := p.plan.Args(tier)

	extractLoc, err := p.runJob(ctx, job.PseudoSubtomo, job.Inputs{
		Tier:      tier,
		BoxSize:   box,
		Particles: st.particles,
		Tomograms: st.tomograms,
		Extra:     extra,
	}, false)
	if err != nil {
		return err
	}

	sampling, err := p.plan.SamplingStep(tier, st.sampling)
	if err != nil {
		return err
	}

	refineLoc, err := p.runJob(ctx, job.Refine3D, job.Inputs{
		Tier:         tier,
		Particles:    filepath.Join(extractLoc, job.FileParticles),
		Reference:    st.reference,
		Lowpass:      st.lowpass,
		SamplingStep: sampling,
		Mask:         st.mask,
		Extra:        extra,
	}, false)
	if err != nil {
		return err
	}

	p.log.Info("tier refined", "tier", tier.Key(), "box", box, "sampling", sampling)
	st.sampling = sampling
	st.particles = filepath.Join(refineLoc, job.FileData)
	st.reference = refineMaps(refineLoc).full
	return nil
}

// classifyAndSelect runs class3D on the tier's refined particles and keeps
// the particles of the best class.
func (p *Pipeline) classifyAndSelect(ctx context.Context, tier resolution.Tier, st *state) error {
	classLoc, err := p.runJob(ctx, job.Class3D, job.Inputs{
		Tier:         tier,
		Particles:    st.particles,
		Reference:    st.reference,
		Lowpass:      st.lowpass,
		NumClasses:   p.params.NumClasses,
		SamplingStep: st.sampling,
		Mask:         st.mask,
	}, false)
	if err != nil {
		return err
	}

	classes, err := quality.ReadClasses(filepath.Join(classLoc, job.FileModel))
	if err != nil {
		return fmt.Errorf("classification at %s: %w", tier.Key(), err)
	}
	best, err := quality.BestClass(classes)
	if err != nil {
		return fmt.Errorf("classification at %s: %w", tier.Key(), err)
	}
	p.log.Info("best class selected",
		"tier", tier.Key(),
		"class", best.Class,
		"resolution", best.EstimatedResolution,
		"distribution", best.Distribution,
	)

	selectLoc, err := p.runJob(ctx, job.Select, job.Inputs{
		Tier:        tier,
		Particles:   filepath.Join(classLoc, job.FileData),
		KeepClasses: []int{best.Class},
	}, false)
	if err != nil {
		return err
	}
	st.particles = filepath.Join(selectLoc, job.FileParticles)
	st.classified = true
	return nil
}

// advance prepares the next tier: reconstruct at its box size, search a
// mask, post-process and derive the next low-pass.
func (p *Pipeline) advance(ctx context.Context, next resolution.Tier, st *state) (MaskResult, error) {
	box, err := p.plan.BoxSize(next)
	if err != nil {
		return MaskResult{}, err
	}

	reconLoc, err := p.runJob(ctx, job.Reconstruct, job.Inputs{
		Tier:      next,
		BoxSize:   box,
		Particles: st.particles,
	}, false)
	if err != nil {
		return MaskResult{}, err
	}
	m := reconstructMaps(reconLoc)

	mask, err := p.MaskSearch(ctx, next, m, st.lowpass)
	if err != nil {
		return mask, err
	}

	_, lowpass, err := p.postProcess(ctx, next, m, mask.MaskLocation, false)
	if err != nil {
		return mask, err
	}

	st.reference = m.full
	st.mask = mask.MaskLocation
	st.lowpass = lowpass
	return mask, nil
}

// HighResResult is the outcome of the high-resolution finishing stage.
type HighResResult struct {
	Resolution float64
	Mask       MaskResult
}

// HighRes refines at full sampling under its own cache partition and
// measures the resolution that seeds polishing.
func (p *Pipeline) HighRes(ctx context.Context, st *state) (HighResResult, error) {
	tier := resolution.HighRes
	p.setStage("high_res", tier)

	if err := p.refineTier(ctx, tier, st); err != nil {
		return HighResResult{}, err
	}
	if p.params.Classify && !st.classified {
		p.log.Info("no ladder tier ran, classifying at high resolution")
		if err := p.classifyAndSelect(ctx, tier, st); err != nil {
			return HighResResult{}, err
		}
	}

	box, err := p.plan.BoxSize(tier)
	if err != nil {
		return HighResResult{}, err
	}
	reconLoc, err := p.runJob(ctx, job.Reconstruct, job.Inputs{
		Tier:      tier,
		BoxSize:   box,
		Particles: st.particles,
	}, false)
	if err != nil {
		return HighResResult{}, err
	}
	m := reconstructMaps(reconLoc)

	mask, err := p.MaskSearch(ctx, tier, m, st.lowpass)
	if err != nil {
		return HighResResult{}, err
	}

	_, lowpass, err := p.postProcess(ctx, tier, m, mask.MaskLocation, false)
	if err != nil {
		return HighResResult{}, err
	}
	// Polishing shares this partition; the first post-process is ours.
	hist := p.runner.Cache().History(tier, job.PostProcess)
	if len(hist) == 0 {
		return HighResResult{}, fmt.Errorf("no post-process recorded at %s", tier.Key())
	}
	res, err := quality.FinalResolution(filepath.Join(hist[0].Location, job.FilePostprocessStar))
	if err != nil {
		return HighResResult{}, err
	}

	st.reference = m.full
	st.mask = mask.MaskLocation
	st.lowpass = lowpass

	p.signal(ctx, tier, job.PostProcess, metadata.SignalResolution, res, true, "")
	p.opts.Metrics.SetBestResolution(res)
	if p.opts.Status != nil {
		p.opts.Status.SetBestResolution(res)
	}
	p.log.Info("high-resolution stage finished", "resolution", res, "mask_cleared", mask.Cleared)
	return HighResResult{Resolution: res, Mask: mask}, nil
}

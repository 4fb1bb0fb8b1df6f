package pipeline

import (
	"context"
	"path/filepath"

	"github.com/withObsrvr/tomo-refiner/internal/job"
	"github.com/withObsrvr/tomo-refiner/internal/metadata"
	"github.com/withObsrvr/tomo-refiner/internal/metrics"
	"github.com/withObsrvr/tomo-refiner/internal/quality"
	"github.com/withObsrvr/tomo-refiner/internal/resolution"
)

// LowPassFromHalfMaps returns the low-pass cutoff in Å derived from the
// FSC curve of the post-process output in dir.
func (p *Pipeline) LowPassFromHalfMaps(dir string) (float64, error) {
	return quality.LowPassFromFSC(filepath.Join(dir, job.FilePostprocessStar), p.params.FSCThreshold)
}

// postProcess runs a post-process with mask and returns its location and
// low-pass cutoff.
func (p *Pipeline) postProcess(ctx context.Context, tier resolution.Tier, m maps, mask string, rerun bool) (string, float64, error) {
	loc, err := p.runJob(ctx, job.PostProcess, job.Inputs{
		Tier:    tier,
		HalfMap: m.half,
		Mask:    mask,
	}, rerun)
	if err != nil {
		return "", 0, err
	}

	lowpass, err := p.LowPassFromHalfMaps(loc)
	if err != nil {
		return "", 0, err
	}
	p.opts.Metrics.SetLowpass(metrics.Labels{Tier: tier.Key()}, lowpass)
	p.signal(ctx, tier, job.PostProcess, metadata.SignalLowpass, lowpass, true, "")
	p.log.Info("low-pass from half maps", "tier", tier.Key(), "lowpass", lowpass)
	return loc, lowpass, nil
}

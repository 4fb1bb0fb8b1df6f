package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/withObsrvr/tomo-refiner/internal/job"
	"github.com/withObsrvr/tomo-refiner/internal/metadata"
	"github.com/withObsrvr/tomo-refiner/internal/metrics"
	"github.com/withObsrvr/tomo-refiner/internal/quality"
	"github.com/withObsrvr/tomo-refiner/internal/resolution"
)

// MaskResult is the outcome of a mask-edge search. Cleared is false when
// every candidate width still produced the warning; the last mask is then
// used anyway.
type MaskResult struct {
	Cleared      bool
	Width        int
	MaskLocation string // path of the chosen mask file
	Probes       int
}

// MaskSearch widens the soft edge of the mask until a probe post-process
// no longer warns. It runs at most one probe per candidate width and never
// fails because the warning persists.
//
// Candidate i is iteration i+1 of both (tier, mask_create) and (tier,
// post_process_probe). A resumed search reads the candidates already in
// the cache and submits only the ones that never completed.
func (p *Pipeline) MaskSearch(ctx context.Context, tier resolution.Tier, m maps, lowpass float64) (MaskResult, error) {
	widths := p.params.MaskEdgeWidths
	if len(widths) == 0 {
		return MaskResult{}, fmt.Errorf("no mask edge widths configured")
	}
	log := p.log.With("tier", tier.Key())
	labels := metrics.Labels{Tier: tier.Key()}

	cache := p.runner.Cache()
	masks := cache.History(tier, job.MaskCreate)
	probes := cache.History(tier, job.PostProcessProbe)
	if len(masks) > len(widths) || len(probes) > len(widths) {
		log.Warn("mask history longer than candidate list, extra iterations ignored",
			"masks", len(masks),
			"probes", len(probes),
			"widths", len(widths),
		)
	}

	var res MaskResult
	for i, width := range widths {
		resumed := i < len(probes)

		var maskLoc string
		if i < len(masks) {
			maskLoc = masks[i].Location
		} else {
			loc, err := p.runJob(ctx, job.MaskCreate, job.Inputs{
				Tier:          tier,
				Reference:     m.full,
				Lowpass:       lowpass,
				MaskEdgeWidth: width,
			}, i > 0)
			if err != nil {
				return res, err
			}
			maskLoc = loc
		}
		mask := filepath.Join(maskLoc, job.FileMask)

		var probeLoc string
		if resumed {
			probeLoc = probes[i].Location
		} else {
			loc, err := p.runJob(ctx, job.PostProcessProbe, job.Inputs{
				Tier:    tier,
				HalfMap: m.half,
				Mask:    mask,
			}, i > 0)
			if err != nil {
				return res, err
			}
			probeLoc = loc
		}

		warned, err := quality.LogContains(probeLoc, p.params.MaskWarning)
		if err != nil {
			return res, fmt.Errorf("mask probe %s: %w", probeLoc, err)
		}

		res = MaskResult{Width: width, MaskLocation: mask, Probes: i + 1}
		if !warned {
			res.Cleared = true
			if resumed {
				log.Info("mask edge recovered from cache", "width", width, "probes", res.Probes)
				return res, nil
			}
			labels.Outcome = "cleared"
			p.opts.Metrics.IncMaskProbes(labels)
			log.Info("mask edge accepted", "width", width, "probes", res.Probes)
			p.signal(ctx, tier, job.MaskCreate, metadata.SignalMaskEdgeWidth, float64(width), true, "")
			return res, nil
		}

		if !resumed {
			labels.Outcome = "warned"
			p.opts.Metrics.IncMaskProbes(labels)
			log.Info("mask too sharp, widening edge", "width", width)
		}
	}

	if len(probes) >= len(widths) {
		log.Info("degraded mask search recovered from cache", "width", res.Width, "probes", res.Probes)
		return res, nil
	}
	p.opts.Metrics.IncMaskDegraded(labels)
	log.Warn("mask warning persists at every edge width, continuing with widest mask",
		"width", res.Width,
		"probes", res.Probes,
	)
	p.signal(ctx, tier, job.MaskCreate, metadata.SignalMaskEdgeWidth, float64(res.Width), false, p.params.MaskWarning)
	return res, nil
}

// Package tierplan validates the configured binning sequence and resolves
// per-tier job parameters.
package tierplan

import (
	"errors"
	"fmt"
	"maps"

	"github.com/withObsrvr/tomo-refiner/internal/config"
	"github.com/withObsrvr/tomo-refiner/internal/resolution"
)

var (
	// ErrEmptyPlan is returned when no binning factors are configured.
	ErrEmptyPlan = errors.New("binning list is empty")

	// ErrInvalidOrder is returned when the binning list is not strictly
	// decreasing (coarse to fine).
	ErrInvalidOrder = errors.New("binning list must be strictly decreasing")

	// ErrInvalidTier is returned for non-positive binning factors or
	// overrides that name a tier outside the plan.
	ErrInvalidTier = errors.New("invalid tier")
)

// Plan is the validated, ordered sequence of tiers for one run.
type Plan struct {
	tiers     []resolution.Tier
	threshold resolution.Tier
	overrides map[resolution.Tier]config.TierOverride
	sched     *resolution.Scheduler
}

// New validates binning and overrides. Binning 0 in an override addresses
// the high-resolution stage.
func New(binning []int, threshold int, overrides []config.TierOverride, sched *resolution.Scheduler) (*Plan, error) {
	if len(binning) == 0 {
		return nil, ErrEmptyPlan
	}
	if threshold < 1 {
		return nil, fmt.Errorf("%w: upsampling threshold %d", ErrInvalidTier, threshold)
	}

	tiers := make([]resolution.Tier, len(binning))
	for i, b := range binning {
		if b < 1 {
			return nil, fmt.Errorf("%w: binning factor %d", ErrInvalidTier, b)
		}
		if i > 0 && b >= binning[i-1] {
			return nil, fmt.Errorf("%w: %d follows %d", ErrInvalidOrder, b, binning[i-1])
		}
		tiers[i] = resolution.Tier(b)
	}

	p := &Plan{
		tiers:     tiers,
		threshold: resolution.Tier(threshold),
		overrides: make(map[resolution.Tier]config.TierOverride, len(overrides)),
		sched:     sched,
	}

	for _, o := range overrides {
		t := resolution.Tier(o.Binning)
		if t != resolution.HighRes && !p.Contains(t) {
			return nil, fmt.Errorf("%w: override for binning %d not in binning list", ErrInvalidTier, o.Binning)
		}
		if _, dup := p.overrides[t]; dup {
			return nil, fmt.Errorf("%w: duplicate override for %s", ErrInvalidTier, t.Key())
		}
		if o.BoxSize < 0 || o.SamplingStep < 0 {
			return nil, fmt.Errorf("%w: negative override for %s", ErrInvalidTier, t.Key())
		}
		p.overrides[t] = o
	}

	return p, nil
}

// FromParameters builds the plan of a parameter file.
func FromParameters(params *config.Parameters, sched *resolution.Scheduler) (*Plan, error) {
	return New(params.BinningList, params.UpsamplingThreshold, params.Tiers, sched)
}

// Tiers returns all configured tiers, coarse to fine.
func (p *Plan) Tiers() []resolution.Tier {
	out := make([]resolution.Tier, len(p.tiers))
	copy(out, p.tiers)
	return out
}

// Contains reports whether t is a configured tier.
func (p *Plan) Contains(t resolution.Tier) bool {
	for _, c := range p.tiers {
		if c == t {
			return true
		}
	}
	return false
}

// HandsOff reports whether the ladder stops at t and hands control to the
// high-resolution stage.
func (p *Plan) HandsOff(t resolution.Tier) bool {
	return t <= p.threshold
}

// Next returns the tier following t, if any.
func (p *Plan) Next(t resolution.Tier) (resolution.Tier, bool) {
	for i, c := range p.tiers {
		if c == t && i+1 < len(p.tiers) {
			return p.tiers[i+1], true
		}
	}
	return 0, false
}

// First returns the coarsest tier.
func (p *Plan) First() resolution.Tier {
	return p.tiers[0]
}

// BoxSize returns the pinned box size of t, or the scheduler's.
func (p *Plan) BoxSize(t resolution.Tier) (int, error) {
	if o, ok := p.overrides[t]; ok && o.BoxSize > 0 {
		return o.BoxSize, nil
	}
	return p.sched.BoxSizeFor(t)
}

// SamplingStep returns the pinned sampling step of t, or the scheduler's
// next step after current.
func (p *Plan) SamplingStep(t resolution.Tier, current float64) (float64, error) {
	if o, ok := p.overrides[t]; ok && o.SamplingStep > 0 {
		return o.SamplingStep, nil
	}
	return p.sched.NextSamplingStep(t, current)
}

// Args returns extra job arguments configured for t.
func (p *Plan) Args(t resolution.Tier) map[string]string {
	o, ok := p.overrides[t]
	if !ok || len(o.Args) == 0 {
		return nil
	}
	return maps.Clone(o.Args)
}

// Package resolution maps binning factors onto box sizes and angular
// sampling steps.
package resolution

import (
	"fmt"
	"math"
)

// UpsamplingMargin is the extra box headroom applied at the finest tier,
// where no later upsampling stage follows.
const UpsamplingMargin = 1.5

// Tier is a binning factor. Coarser tiers have larger values; 1 is the
// finest.
type Tier int

// HighRes is the pseudo-tier of the high-resolution finishing stage. It
// operates at binning 1 but keeps its own cache partition.
const HighRes Tier = 0

// Key returns the persisted partition key, e.g. "bin4".
func (t Tier) Key() string {
	return fmt.Sprintf("bin%d", int(t))
}

// Binning returns the physical binning factor used for computations.
func (t Tier) Binning() int {
	if t == HighRes {
		return 1
	}
	return int(t)
}

// IsFinest reports whether the tier samples at the full pixel size.
func (t Tier) IsFinest() bool {
	return t.Binning() == 1
}

// ParseKey converts a persisted "bin{N}" key back into a Tier.
func ParseKey(key string) (Tier, error) {
	var n int
	if _, err := fmt.Sscanf(key, "bin%d", &n); err != nil {
		return 0, fmt.Errorf("parse tier key %q: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("parse tier key %q: negative binning", key)
	}
	return Tier(n), nil
}

// Physical holds the per-run constants the scheduler works from.
type Physical struct {
	PixelSize        float64 // Å per unbinned pixel
	ParticleDiameter float64 // Å
	BoxScaling       float64 // padding factor applied to the diameter
}

// Scheduler derives box sizes and sampling steps for a tier.
type Scheduler struct {
	phys Physical
}

// NewScheduler validates the physical constants and returns a scheduler.
func NewScheduler(phys Physical) (*Scheduler, error) {
	if phys.PixelSize <= 0 {
		return nil, fmt.Errorf("pixel size must be positive, got %g", phys.PixelSize)
	}
	if phys.ParticleDiameter <= 0 {
		return nil, fmt.Errorf("particle diameter must be positive, got %g", phys.ParticleDiameter)
	}
	if phys.BoxScaling <= 0 {
		return nil, fmt.Errorf("box scaling must be positive, got %g", phys.BoxScaling)
	}
	return &Scheduler{phys: phys}, nil
}

// TargetBoxSize returns the unrounded box size for a tier, including the
// upsampling margin at the finest tier.
func (s *Scheduler) TargetBoxSize(t Tier) int {
	bin := float64(t.Binning())
	target := math.Floor(s.phys.BoxScaling * s.phys.ParticleDiameter / (s.phys.PixelSize * bin))
	if t.IsFinest() {
		target = math.Floor(target * UpsamplingMargin)
	}
	return int(target)
}

// BoxSizeFor returns the admissible box size for a tier.
func (s *Scheduler) BoxSizeFor(t Tier) (int, error) {
	if t < 0 {
		return 0, fmt.Errorf("invalid tier %d", int(t))
	}
	box, err := LookupBoxSize(s.TargetBoxSize(t))
	if err != nil {
		return 0, fmt.Errorf("box size for %s: %w", t.Key(), err)
	}
	return box, nil
}

// SamplingEstimate returns the angular step in degrees that matches the
// Nyquist limit of the tier.
func (s *Scheduler) SamplingEstimate(t Tier) float64 {
	bin := float64(t.Binning())
	rad := math.Atan((2 * bin * s.phys.PixelSize) / s.phys.ParticleDiameter)
	return rad * 180 / math.Pi
}

// NextSamplingStep rounds the tier's estimate up to an admissible step and
// never returns a step coarser than current. A current step <= 0 means no
// previous refinement ran. An estimate beyond the coarsest step fails with
// ErrTableExhausted.
func (s *Scheduler) NextSamplingStep(t Tier, current float64) (float64, error) {
	if t < 0 {
		return 0, fmt.Errorf("invalid tier %d", int(t))
	}
	step, err := LookupSamplingStep(s.SamplingEstimate(t))
	if err != nil {
		return 0, fmt.Errorf("tier %s: %w", t.Key(), err)
	}
	if current > 0 && step > current {
		step = current
	}
	return step, nil
}

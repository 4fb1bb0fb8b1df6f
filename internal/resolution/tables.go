package resolution

import (
	"errors"
	"fmt"
	"sort"
)

// ErrTableExhausted is returned when a computed target exceeds every entry of
// a lookup table. It signals a configuration problem and is never retried.
var ErrTableExhausted = errors.New("lookup table exhausted")

// BoxSizes lists the admissible box sizes in ascending order. The values are
// the FFT-friendly sizes accepted by the reconstruction programs.
var BoxSizes = []int{
	24, 32, 36, 40, 44, 48, 52, 56, 60, 64, 72, 84, 96, 100, 104, 112, 120,
	128, 132, 140, 168, 180, 192, 196, 208, 216, 220, 224, 240, 256, 260,
	288, 300, 320, 352, 360, 384, 416, 440, 448, 480, 512, 540, 560, 576,
	588, 600, 630, 640, 648, 672, 686, 700, 720, 750, 756, 768, 784, 800,
	810, 840, 864, 882, 896, 900, 960, 972, 980, 1000, 1008, 1024,
}

// SamplingSteps lists the admissible angular sampling steps in degrees,
// ordered coarse to fine.
var SamplingSteps = []float64{30, 15, 7.5, 3.7, 1.8, 0.9, 0.5, 0.2, 0.1}

// LookupBoxSize returns the smallest admissible box size >= target.
func LookupBoxSize(target int) (int, error) {
	i := sort.SearchInts(BoxSizes, target)
	if i == len(BoxSizes) {
		return 0, fmt.Errorf("%w: box size %d exceeds largest entry %d",
			ErrTableExhausted, target, BoxSizes[len(BoxSizes)-1])
	}
	return BoxSizes[i], nil
}

// LookupSamplingStep returns the finest admissible step that is still >=
// estimate. An estimate coarser than the first entry has no admissible step.
func LookupSamplingStep(estimate float64) (float64, error) {
	if estimate > SamplingSteps[0] {
		return 0, fmt.Errorf("%w: sampling estimate %.2f exceeds coarsest step %g",
			ErrTableExhausted, estimate, SamplingSteps[0])
	}
	best := SamplingSteps[0]
	for _, step := range SamplingSteps {
		if step < estimate {
			break
		}
		best = step
	}
	return best, nil
}

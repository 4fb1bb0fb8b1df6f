package job

import (
	"fmt"
	"strconv"
	"strings"
)

type entry struct {
	populate func(Inputs) ([]Param, error)
	outputs  []string
	external bool // runs on the execution backend
	gpu      bool
}

var dispatch = map[Kind]entry{
	PseudoSubtomo: {
		populate: func(in Inputs) ([]Param, error) {
			if err := require(in.Particles, "particles", in.Tomograms, "tomograms"); err != nil {
				return nil, err
			}
			return []Param{
				{"i", in.Particles},
				{"t", in.Tomograms},
				{"box", strconv.Itoa(in.BoxSize)},
				{"bin", strconv.Itoa(in.Tier.Binning())},
			}, positive(in.BoxSize, "box size")
		},
		outputs:  []string{FileParticles},
		external: true,
	},
	Refine3D: {
		populate: func(in Inputs) ([]Param, error) {
			if err := require(in.Particles, "particles", in.Reference, "reference"); err != nil {
				return nil, err
			}
			params := []Param{
				{"i", in.Particles},
				{"ref", in.Reference},
				{"ini_high", formatFloat(in.Lowpass)},
				{"sampling", formatFloat(in.SamplingStep)},
				{"auto_refine", ""},
			}
			if in.Mask != "" {
				params = append(params, Param{"solvent_mask", in.Mask})
			}
			return params, positiveFloat(in.SamplingStep, "sampling step")
		},
		outputs:  []string{FileData, FileRefinedMap, FileHalf1, FileHalf2},
		external: true,
		gpu:      true,
	},
	Class3D: {
		populate: func(in Inputs) ([]Param, error) {
			if err := require(in.Particles, "particles", in.Reference, "reference"); err != nil {
				return nil, err
			}
			params := []Param{
				{"i", in.Particles},
				{"ref", in.Reference},
				{"ini_high", formatFloat(in.Lowpass)},
				{"K", strconv.Itoa(in.NumClasses)},
				{"sampling", formatFloat(in.SamplingStep)},
			}
			if in.Mask != "" {
				params = append(params, Param{"solvent_mask", in.Mask})
			}
			return params, positive(in.NumClasses, "class count")
		},
		outputs:  []string{FileData, FileModel},
		external: true,
		gpu:      true,
	},
	Select: {
		populate: func(in Inputs) ([]Param, error) {
			if err := require(in.Particles, "particles"); err != nil {
				return nil, err
			}
			if len(in.KeepClasses) == 0 {
				return nil, fmt.Errorf("%w: keep classes", ErrMissingInput)
			}
			classes := make([]string, len(in.KeepClasses))
			for i, c := range in.KeepClasses {
				classes[i] = strconv.Itoa(c)
			}
			return []Param{
				{"i", in.Particles},
				{"keep_classes", strings.Join(classes, ",")},
			}, nil
		},
		outputs: []string{FileParticles},
	},
	Reconstruct: {
		populate: func(in Inputs) ([]Param, error) {
			if err := require(in.Particles, "particles"); err != nil {
				return nil, err
			}
			return []Param{
				{"i", in.Particles},
				{"box", strconv.Itoa(in.BoxSize)},
				{"bin", strconv.Itoa(in.Tier.Binning())},
			}, positive(in.BoxSize, "box size")
		},
		outputs:  []string{FileMerged, FileHalf1, FileHalf2},
		external: true,
	},
	MaskCreate: {
		populate: func(in Inputs) ([]Param, error) {
			if err := require(in.Reference, "map"); err != nil {
				return nil, err
			}
			return []Param{
				{"i", in.Reference},
				{"lowpass", formatFloat(in.Lowpass)},
				{"width_soft_edge", strconv.Itoa(in.MaskEdgeWidth)},
			}, positive(in.MaskEdgeWidth, "mask edge width")
		},
		outputs:  []string{FileMask},
		external: true,
	},
	PostProcessProbe: {
		populate: populatePostProcess,
		outputs:  []string{FileRunLog},
		external: true,
	},
	PostProcess: {
		populate: populatePostProcess,
		outputs:  []string{FilePostprocessStar, FilePostprocessMap},
		external: true,
	},
	CtfRefine: {
		populate: populatePolish,
		outputs:  []string{FileParticles, FileTomograms},
		external: true,
	},
	MotionRefine: {
		populate: populatePolish,
		outputs:  []string{FileParticles, FileTomograms},
		external: true,
	},
}

func populatePostProcess(in Inputs) ([]Param, error) {
	if err := require(in.HalfMap, "half map", in.Mask, "mask"); err != nil {
		return nil, err
	}
	return []Param{
		{"i", in.HalfMap},
		{"mask", in.Mask},
		{"angpix", formatFloat(in.PixelSize * float64(in.Tier.Binning()))},
	}, nil
}

func populatePolish(in Inputs) ([]Param, error) {
	if err := require(in.Particles, "particles", in.Tomograms, "tomograms", in.Reference, "map", in.Mask, "mask"); err != nil {
		return nil, err
	}
	return []Param{
		{"p", in.Particles},
		{"t", in.Tomograms},
		{"ref", in.Reference},
		{"mask", in.Mask},
	}, nil
}

// ExpectedOutputs lists the files a successful job of kind leaves in its
// output location.
func ExpectedOutputs(kind Kind) []string {
	return append([]string(nil), dispatch[kind].outputs...)
}

// External reports whether kind runs on the execution backend rather than
// in process.
func External(kind Kind) bool {
	return dispatch[kind].external
}

// require takes value/name pairs and reports the first empty value.
func require(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i] == "" {
			return fmt.Errorf("%w: %s", ErrMissingInput, pairs[i+1])
		}
	}
	return nil
}

func positive(v int, name string) error {
	if v <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrMissingInput, name)
	}
	return nil
}

func positiveFloat(v float64, name string) error {
	if v <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrMissingInput, name)
	}
	return nil
}

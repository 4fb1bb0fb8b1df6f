package quality

import (
	"fmt"
	"math"

	"github.com/withObsrvr/tomo-refiner/internal/startable"
)

const (
	fscBlock        = "fsc"
	generalBlock    = "general"
	colResolution   = "rlnAngstromResolution"
	colFSCCorrected = "rlnFourierShellCorrelationCorrected"
	colFSCUnmasked  = "rlnFourierShellCorrelationUnmaskedMaps"
	keyFinalRes     = "rlnFinalResolution"
)

// FSCPoint is one shell of a Fourier shell correlation curve.
type FSCPoint struct {
	Resolution float64 // Å
	FSC        float64
}

// ReadFSC loads the FSC curve of a post-processing STAR file. The corrected
// curve is used when present.
func ReadFSC(path string) ([]FSCPoint, error) {
	doc, err := startable.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, err := doc.Block(fscBlock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataQuality, err)
	}
	resCol, err := block.Column(colResolution)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataQuality, err)
	}
	fscCol, err := block.Column(colFSCCorrected)
	if err != nil {
		if fscCol, err = block.Column(colFSCUnmasked); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataQuality, err)
		}
	}

	curve := make([]FSCPoint, 0, len(block.Rows))
	for i := range block.Rows {
		res, err := block.Float(i, resCol)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataQuality, err)
		}
		fsc, err := block.Float(i, fscCol)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataQuality, err)
		}
		curve = append(curve, FSCPoint{Resolution: res, FSC: fsc})
	}
	return curve, nil
}

// ThresholdCrossing returns the resolution of the first shell whose FSC
// drops below threshold. A curve that never crosses yields its finest
// resolution.
func ThresholdCrossing(curve []FSCPoint, threshold float64) (float64, error) {
	if len(curve) == 0 {
		return 0, fmt.Errorf("%w: empty FSC curve", ErrDataQuality)
	}
	for i, p := range curve {
		if !finite(p.Resolution) || !finite(p.FSC) {
			return 0, fmt.Errorf("%w: non-finite FSC value at shell %d", ErrDataQuality, i)
		}
	}

	finest := math.Inf(1)
	for _, p := range curve {
		if p.FSC < threshold {
			return p.Resolution, nil
		}
		finest = math.Min(finest, p.Resolution)
	}
	return finest, nil
}

// LowPassFromFSC reads a post-processing STAR file and returns the
// resolution at which its FSC first crosses threshold.
func LowPassFromFSC(path string, threshold float64) (float64, error) {
	curve, err := ReadFSC(path)
	if err != nil {
		return 0, err
	}
	res, err := ThresholdCrossing(curve, threshold)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}

// FinalResolution returns the gold-standard resolution reported by a
// post-processing job.
func FinalResolution(path string) (float64, error) {
	doc, err := startable.ReadFile(path)
	if err != nil {
		return 0, err
	}
	block, err := doc.Block(generalBlock)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDataQuality, err)
	}
	raw, ok := block.Value(keyFinalRes)
	if !ok {
		return 0, fmt.Errorf("%w: %s missing in %s", ErrDataQuality, keyFinalRes, path)
	}
	var res float64
	if _, err := fmt.Sscanf(raw, "%g", &res); err != nil {
		return 0, fmt.Errorf("%w: %s = %q", ErrDataQuality, keyFinalRes, raw)
	}
	if !finite(res) || res <= 0 {
		return 0, fmt.Errorf("%w: %s = %g", ErrDataQuality, keyFinalRes, res)
	}
	return res, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

package quality

import (
	"fmt"

	"github.com/withObsrvr/tomo-refiner/internal/startable"
)

const (
	classBlock       = "model_classes"
	colDistribution  = "rlnClassDistribution"
	colEstimatedRes  = "rlnEstimatedResolution"
	colAccuracyTrans = "rlnAccuracyTranslationsAngst"
)

// ClassStats is one row of a classification model.
type ClassStats struct {
	Class               int
	Distribution        float64
	EstimatedResolution float64 // Å
	AccuracyTranslation float64 // Å
}

// ReadClasses loads the per-class statistics of a class3D model file.
// Classes are numbered from 1 in file order.
func ReadClasses(path string) ([]ClassStats, error) {
	doc, err := startable.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, err := doc.Block(classBlock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataQuality, err)
	}

	resCol, err := block.Column(colEstimatedRes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataQuality, err)
	}
	distCol, distErr := block.Column(colDistribution)
	accCol, accErr := block.Column(colAccuracyTrans)

	classes := make([]ClassStats, 0, len(block.Rows))
	for i := range block.Rows {
		cs := ClassStats{Class: i + 1, Distribution: 1}
		if cs.EstimatedResolution, err = block.Float(i, resCol); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataQuality, err)
		}
		if distErr == nil {
			if cs.Distribution, err = block.Float(i, distCol); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDataQuality, err)
			}
		}
		if accErr == nil {
			if cs.AccuracyTranslation, err = block.Float(i, accCol); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDataQuality, err)
			}
		}
		classes = append(classes, cs)
	}
	return classes, nil
}

// BestClass picks the populated class with the finest estimated resolution.
// Ties go to the class with the smaller translational accuracy, then to the
// lower class number.
func BestClass(classes []ClassStats) (ClassStats, error) {
	var best ClassStats
	found := false
	for _, c := range classes {
		if c.Distribution <= 0 || !finite(c.EstimatedResolution) || c.EstimatedResolution <= 0 {
			continue
		}
		if !found || better(c, best) {
			best = c
			found = true
		}
	}
	if !found {
		return ClassStats{}, fmt.Errorf("%w: no populated class with a finite resolution", ErrDataQuality)
	}
	return best, nil
}

func better(a, b ClassStats) bool {
	if a.EstimatedResolution != b.EstimatedResolution {
		return a.EstimatedResolution < b.EstimatedResolution
	}
	return a.AccuracyTranslation < b.AccuracyTranslation
}

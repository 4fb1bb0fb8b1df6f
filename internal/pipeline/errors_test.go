package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/withObsrvr/tomo-refiner/internal/config"
	"github.com/withObsrvr/tomo-refiner/internal/job"
	"github.com/withObsrvr/tomo-refiner/internal/quality"
	"github.com/withObsrvr/tomo-refiner/internal/resolution"
)

func TestClassify(t *testing.T) {
	stage := &StageError{Tier: resolution.Tier(4), Kind: job.Refine3D, Status: job.Failed}

	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"stage failure", stage, ClassFatalStage},
		{"wrapped stage failure", fmt.Errorf("ladder: %w", stage), ClassFatalStage},
		{"table exhausted", fmt.Errorf("box: %w", resolution.ErrTableExhausted), ClassConfiguration},
		{"bad parameters", config.ErrInvalidParameters, ClassConfiguration},
		{"missing input", fmt.Errorf("build: %w", job.ErrMissingInput), ClassConfiguration},
		{"non-finite fsc", fmt.Errorf("%w: NaN", quality.ErrDataQuality), ClassDataQuality},
		{
			"data quality inside stage",
			&StageError{Kind: job.Select, Status: job.Failed, Err: quality.ErrDataQuality},
			ClassDataQuality,
		},
		{"unknown", errors.New("disk full"), ClassInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStageErrorMessage(t *testing.T) {
	err := &StageError{
		Tier:     resolution.HighRes,
		Kind:     job.PostProcess,
		Status:   job.Aborted,
		Location: "/p/post_process/bin0/iter2",
		Err:      ErrTimeout,
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("StageError does not unwrap")
	}
	if err.Error() == "" {
		t.Error("empty message")
	}
}

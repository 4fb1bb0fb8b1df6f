package pipeline

import (
	"errors"
	"fmt"

	"github.com/withObsrvr/tomo-refiner/internal/config"
	"github.com/withObsrvr/tomo-refiner/internal/job"
	"github.com/withObsrvr/tomo-refiner/internal/quality"
	"github.com/withObsrvr/tomo-refiner/internal/resolution"
	"github.com/withObsrvr/tomo-refiner/internal/startable"
	"github.com/withObsrvr/tomo-refiner/internal/tierplan"
)

// ErrTimeout is wrapped by the StageError of a job that exceeded the job
// timeout.
var ErrTimeout = errors.New("job timed out")

// StageError reports a job that did not succeed. It is fatal to the run.
type StageError struct {
	Tier     resolution.Tier
	Kind     job.Kind
	Status   job.Status
	Location string
	Err      error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("stage %s@%s %s", e.Kind, e.Tier.Key(), e.Status)
	if e.Location != "" {
		msg += " (" + e.Location + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrorClass groups errors by how an operator should react to them.
type ErrorClass int

const (
	// ClassInternal is a bug or an unexpected environment failure.
	ClassInternal ErrorClass = iota
	// ClassFatalStage is an external job that failed, aborted or timed out.
	ClassFatalStage
	// ClassDataQuality is a job output that cannot drive the next stage.
	ClassDataQuality
	// ClassConfiguration is an invalid parameter file or tier plan.
	ClassConfiguration
)

func (c ErrorClass) String() string {
	switch c {
	case ClassFatalStage:
		return "fatal_stage"
	case ClassDataQuality:
		return "data_quality"
	case ClassConfiguration:
		return "configuration"
	default:
		return "internal"
	}
}

// Classify maps err onto an ErrorClass. Data-quality and configuration
// causes win over the stage that surfaced them.
func Classify(err error) ErrorClass {
	var stageErr *StageError
	switch {
	case err == nil:
		return ClassInternal
	case errors.Is(err, quality.ErrDataQuality),
		errors.Is(err, quality.ErrNoRunLog),
		errors.Is(err, startable.ErrColumnNotFound),
		errors.Is(err, startable.ErrBlockNotFound):
		return ClassDataQuality
	case errors.Is(err, resolution.ErrTableExhausted),
		errors.Is(err, config.ErrInvalidParameters),
		errors.Is(err, tierplan.ErrEmptyPlan),
		errors.Is(err, tierplan.ErrInvalidOrder),
		errors.Is(err, tierplan.ErrInvalidTier),
		errors.Is(err, job.ErrMissingInput),
		errors.Is(err, job.ErrNoCommand):
		return ClassConfiguration
	case errors.As(err, &stageErr):
		return ClassFatalStage
	default:
		return ClassInternal
	}
}

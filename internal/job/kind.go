// Package job defines the pipeline job kinds, their terminal statuses and the
// immutable specifications handed to an execution backend.
package job

import "fmt"

// Kind identifies a pipeline stage.
type Kind string

const (
	Reconstruct      Kind = "reconstruct"
	Refine3D         Kind = "refine3D"
	Class3D          Kind = "class3D"
	MaskCreate       Kind = "mask_create"
	PostProcess      Kind = "post_process"
	PostProcessProbe Kind = "post_process_probe"
	Select           Kind = "select"
	PseudoSubtomo    Kind = "pseudo_subtomo"
	CtfRefine        Kind = "ctf_refine"
	MotionRefine     Kind = "motion_refine"
)

// Kinds lists every known kind in pipeline order.
var Kinds = []Kind{
	PseudoSubtomo, Refine3D, Class3D, Select, Reconstruct, MaskCreate,
	PostProcessProbe, PostProcess, CtfRefine, MotionRefine,
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := dispatch[k]; !ok {
		return "", fmt.Errorf("unknown job kind %q", s)
	}
	return k, nil
}

func (k Kind) String() string { return string(k) }

// Status is the lifecycle state of a submitted job.
type Status int

const (
	NotSubmitted Status = iota
	Running
	Succeeded
	Failed
	Aborted
)

func (s Status) String() string {
	switch s {
	case NotSubmitted:
		return "not_submitted"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == Succeeded || s == Failed || s == Aborted
}

// Well-known files inside a job's output location.
const (
	FileRunLog          = "run.out"
	FileRunLogZstd      = "run.out.zst"
	FileParticles       = "particles.star"
	FileTomograms       = "tomograms.star"
	FileData            = "run_data.star"
	FileModel           = "run_model.star"
	FileRefinedMap      = "run_class001.mrc"
	FileMerged          = "merged.mrc"
	FileHalf1           = "half1.mrc"
	FileHalf2           = "half2.mrc"
	FileMask            = "mask.mrc"
	FilePostprocessStar = "postprocess.star"
	FilePostprocessMap  = "postprocess.mrc"
)

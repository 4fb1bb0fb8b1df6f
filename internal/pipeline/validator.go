package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/withObsrvr/tomo-refiner/internal/job"
	"github.com/withObsrvr/tomo-refiner/internal/particles"
)

// ValidationResult contains the outcome of output validation.
type ValidationResult struct {
	Passed   bool
	Present  []string
	Warnings []string
}

// ValidateOutputs checks that a succeeded job left its expected files.
// Missing files are warnings: the backend's status is authoritative.
func ValidateOutputs(kind job.Kind, dir string) ValidationResult {
	result := ValidationResult{Passed: true}

	for _, name := range job.ExpectedOutputs(kind) {
		st, err := os.Stat(filepath.Join(dir, name))
		switch {
		case err != nil:
			// A compressed run log stands in for the plain one.
			if name == job.FileRunLog {
				if _, zerr := os.Stat(filepath.Join(dir, job.FileRunLogZstd)); zerr == nil {
					result.Present = append(result.Present, job.FileRunLogZstd)
					continue
				}
			}
			result.Warnings = append(result.Warnings, fmt.Sprintf("missing output %s", name))
			result.Passed = false
		case st.Size() == 0:
			result.Warnings = append(result.Warnings, fmt.Sprintf("empty output %s", name))
			result.Present = append(result.Present, name)
		default:
			result.Present = append(result.Present, name)
		}
	}

	return result
}

// runSelect is the in-process executor of the select kind.
func runSelect(_ context.Context, spec job.Spec, outDir string) error {
	src, ok := spec.Param("i")
	if !ok {
		return fmt.Errorf("%w: select input", job.ErrMissingInput)
	}
	raw, _ := spec.Param("keep_classes")

	var keep []int
	for _, f := range strings.Split(raw, ",") {
		if f == "" {
			continue
		}
		c, err := strconv.Atoi(f)
		if err != nil {
			return fmt.Errorf("parse keep class %q: %w", f, err)
		}
		keep = append(keep, c)
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("create output directory %s: %w", outDir, err)
	}
	_, err := particles.Select(src, keep, filepath.Join(outDir, job.FileParticles))
	return err
}

// Package particles filters particle tables by class membership.
package particles

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/withObsrvr/tomo-refiner/internal/logging"
	"github.com/withObsrvr/tomo-refiner/internal/startable"
)

// ClassColumn is the class-membership column of a particle block.
const ClassColumn = "_rlnClassNumber"

// ErrColumnNotFound is returned when the particle block has no class column.
var ErrColumnNotFound = startable.ErrColumnNotFound

// ErrNoParticleBlock is returned when the source has no loop block to filter.
var ErrNoParticleBlock = errors.New("no particle block")

// Summary reports the outcome of a selection.
type Summary struct {
	Total int
	Kept  int
}

// Select keeps the particles of src whose class is in keep and writes the
// result to dest, replacing any previous file. Every other block is copied
// unchanged.
func Select(src string, keep []int, dest string) (Summary, error) {
	doc, err := startable.ReadFile(src)
	if err != nil {
		return Summary{}, fmt.Errorf("select particles: %w", err)
	}

	sum, err := Filter(doc, keep)
	if err != nil {
		return Summary{}, fmt.Errorf("select particles from %s: %w", src, err)
	}

	if err := doc.WriteFile(dest); err != nil {
		return Summary{}, fmt.Errorf("select particles: %w", err)
	}

	logging.Component("particles").Info("selected particles",
		"src", src,
		"dest", dest,
		"classes", keep,
		"kept", sum.Kept,
		"total", sum.Total,
	)
	return sum, nil
}

// Filter drops rows of the particle block whose class is not in keep.
func Filter(doc *startable.Document, keep []int) (Summary, error) {
	block, err := particleBlock(doc)
	if err != nil {
		return Summary{}, err
	}
	col, err := block.Column(ClassColumn)
	if err != nil {
		return Summary{}, err
	}

	wanted := make(map[int]bool, len(keep))
	for _, c := range keep {
		wanted[c] = true
	}

	kept := block.Rows[:0:0]
	for i, row := range block.Rows {
		class, err := parseClass(row[col])
		if err != nil {
			return Summary{}, fmt.Errorf("row %d: %w", i+1, err)
		}
		if wanted[class] {
			kept = append(kept, row)
		}
	}

	sum := Summary{Total: len(block.Rows), Kept: len(kept)}
	block.Rows = kept
	return sum, nil
}

// particleBlock prefers data_particles and falls back to the only loop
// block of a single-table document.
func particleBlock(doc *startable.Document) (*startable.Block, error) {
	if b, err := doc.Block("particles"); err == nil {
		return b, nil
	}
	var loops []*startable.Block
	for _, b := range doc.Blocks {
		if b.Loop {
			loops = append(loops, b)
		}
	}
	if len(loops) != 1 {
		return nil, fmt.Errorf("%w: found %d loop blocks", ErrNoParticleBlock, len(loops))
	}
	return loops[0], nil
}

func parseClass(v string) (int, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid class number %q", v)
	}
	return int(f), nil
}

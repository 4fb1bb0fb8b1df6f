package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidParameters is returned when the parameter file fails validation.
var ErrInvalidParameters = errors.New("invalid pipeline parameters")

// DefaultMaskEdgeWidths is the soft-edge candidate sequence of the mask search.
var DefaultMaskEdgeWidths = []int{10, 20, 30, 40}

// DefaultMaskWarning is the probe log line that marks an over-sharp mask.
const DefaultMaskWarning = "WARNING: the mask may be too sharp"

// Parameters are the per-run pipeline constants loaded from YAML. They are
// read-only once Load returns.
type Parameters struct {
	PixelSize           float64 `yaml:"pixel_size"`
	ParticleDiameter    float64 `yaml:"particle_diameter"`
	BoxScaling          float64 `yaml:"box_scaling"`
	BinningList         []int   `yaml:"binning_list"`
	UpsamplingThreshold int     `yaml:"upsampling_threshold"`

	InitialReference string  `yaml:"initial_reference"`
	InitialLowpass   float64 `yaml:"initial_lowpass"`
	Particles        string  `yaml:"particles"`
	Tomograms        string  `yaml:"tomograms"`

	Classify   bool `yaml:"classify"`
	NumClasses int  `yaml:"num_classes"`

	MaskEdgeWidths []int   `yaml:"mask_edge_widths"`
	MaskWarning    string  `yaml:"mask_warning"`
	FSCThreshold   float64 `yaml:"fsc_threshold"`

	Polish    PolishParams        `yaml:"polish"`
	Resources Resources           `yaml:"resources"`
	Commands  map[string][]string `yaml:"commands"`
	Tiers     []TierOverride      `yaml:"tiers"`
}

type PolishParams struct {
	MaxIterations int  `yaml:"max_iterations"`
	Patience      int  `yaml:"patience"`
	Refine        bool `yaml:"refine"`
}

// Resources are passed through to the execution backend untouched.
type Resources struct {
	MPI     int `yaml:"mpi"`
	Threads int `yaml:"threads"`
	GPUs    int `yaml:"gpus"`
}

// TierOverride pins values for a single binning factor. Zero fields are
// computed by the scheduler.
type TierOverride struct {
	Binning      int               `yaml:"binning"`
	BoxSize      int               `yaml:"box_size"`
	SamplingStep float64           `yaml:"sampling_step"`
	Args         map[string]string `yaml:"args"`
}

// LoadParameters reads, defaults and validates a parameter file.
func LoadParameters(path string) (*Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read parameters %s: %w", path, err)
	}
	return ParseParameters(data)
}

// ParseParameters decodes YAML parameter content.
func ParseParameters(data []byte) (*Parameters, error) {
	var p Parameters
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %v", ErrInvalidParameters, err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Parameters) applyDefaults() {
	if p.UpsamplingThreshold == 0 {
		p.UpsamplingThreshold = 1
	}
	if len(p.MaskEdgeWidths) == 0 {
		p.MaskEdgeWidths = append([]int(nil), DefaultMaskEdgeWidths...)
	}
	if p.MaskWarning == "" {
		p.MaskWarning = DefaultMaskWarning
	}
	if p.FSCThreshold == 0 {
		p.FSCThreshold = 0.5
	}
	if p.Polish.MaxIterations == 0 {
		p.Polish.MaxIterations = 10
	}
	if p.Polish.Patience == 0 {
		p.Polish.Patience = 5
	}
	if p.Resources.MPI == 0 {
		p.Resources.MPI = 1
	}
	if p.Resources.Threads == 0 {
		p.Resources.Threads = 1
	}
	if p.Classify && p.NumClasses == 0 {
		p.NumClasses = 2
	}
}

// Validate checks the physical constants and loop bounds.
func (p *Parameters) Validate() error {
	if p.PixelSize <= 0 {
		return fmt.Errorf("%w: pixel_size must be positive", ErrInvalidParameters)
	}
	if p.ParticleDiameter <= 0 {
		return fmt.Errorf("%w: particle_diameter must be positive", ErrInvalidParameters)
	}
	if p.BoxScaling <= 0 {
		return fmt.Errorf("%w: box_scaling must be positive", ErrInvalidParameters)
	}
	if len(p.BinningList) == 0 {
		return fmt.Errorf("%w: binning_list is empty", ErrInvalidParameters)
	}
	if p.UpsamplingThreshold < 1 {
		return fmt.Errorf("%w: upsampling_threshold must be >= 1", ErrInvalidParameters)
	}
	for _, w := range p.MaskEdgeWidths {
		if w <= 0 {
			return fmt.Errorf("%w: mask edge width %d must be positive", ErrInvalidParameters, w)
		}
	}
	if p.FSCThreshold <= 0 || p.FSCThreshold >= 1 {
		return fmt.Errorf("%w: fsc_threshold must be in (0, 1)", ErrInvalidParameters)
	}
	if p.Polish.MaxIterations < 0 || p.Polish.Patience < 0 {
		return fmt.Errorf("%w: polish bounds must not be negative", ErrInvalidParameters)
	}
	if p.Classify && p.NumClasses < 1 {
		return fmt.Errorf("%w: num_classes must be positive when classify is set", ErrInvalidParameters)
	}
	return nil
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const scenarioYAML = `
pixel_size: 1.54
particle_diameter: 290
box_scaling: 2.0
binning_list: [4, 2, 1]
initial_reference: ref.mrc
initial_lowpass: 40
particles: particles.star
classify: true
polish:
  refine: true
commands:
  refine3D: ["relion_refine", "--auto_refine"]
tiers:
  - binning: 2
    box_size: 200
`

func TestParseParametersDefaults(t *testing.T) {
	p, err := ParseParameters([]byte(scenarioYAML))
	if err != nil {
		t.Fatalf("ParseParameters failed: %v", err)
	}

	if p.UpsamplingThreshold != 1 {
		t.Errorf("UpsamplingThreshold = %d, want 1", p.UpsamplingThreshold)
	}
	if len(p.MaskEdgeWidths) != 4 || p.MaskEdgeWidths[0] != 10 || p.MaskEdgeWidths[3] != 40 {
		t.Errorf("MaskEdgeWidths = %v, want %v", p.MaskEdgeWidths, DefaultMaskEdgeWidths)
	}
	if p.FSCThreshold != 0.5 {
		t.Errorf("FSCThreshold = %g, want 0.5", p.FSCThreshold)
	}
	if p.Polish.Patience != 5 {
		t.Errorf("Polish.Patience = %d, want 5", p.Polish.Patience)
	}
	if !p.Polish.Refine {
		t.Error("Polish.Refine should be true")
	}
	if p.NumClasses != 2 {
		t.Errorf("NumClasses = %d, want default 2 with classify", p.NumClasses)
	}
	if got := p.Commands["refine3D"]; len(got) != 2 || got[0] != "relion_refine" {
		t.Errorf("Commands[refine3D] = %v", got)
	}
	if len(p.Tiers) != 1 || p.Tiers[0].BoxSize != 200 {
		t.Errorf("Tiers = %+v", p.Tiers)
	}

	// Defaults must not alias the package-level slice.
	p.MaskEdgeWidths[0] = 99
	if DefaultMaskEdgeWidths[0] != 10 {
		t.Error("applyDefaults aliased DefaultMaskEdgeWidths")
	}
}

func TestParseParametersValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero pixel size", "pixel_size: 0\nparticle_diameter: 290\nbox_scaling: 2\nbinning_list: [4]"},
		{"negative diameter", "pixel_size: 1\nparticle_diameter: -5\nbox_scaling: 2\nbinning_list: [4]"},
		{"empty binning", "pixel_size: 1\nparticle_diameter: 290\nbox_scaling: 2"},
		{"bad threshold", "pixel_size: 1\nparticle_diameter: 290\nbox_scaling: 2\nbinning_list: [4]\nfsc_threshold: 1.5"},
		{"bad width", "pixel_size: 1\nparticle_diameter: 290\nbox_scaling: 2\nbinning_list: [4]\nmask_edge_widths: [10, -1]"},
		{"malformed", "pixel_size: [oops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseParameters([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalidParameters) {
				t.Errorf("error = %v, want ErrInvalidParameters", err)
			}
		})
	}
}

func TestLoadParametersFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(scenarioYAML), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p, err := LoadParameters(path)
	if err != nil {
		t.Fatalf("LoadParameters failed: %v", err)
	}
	if p.PixelSize != 1.54 || len(p.BinningList) != 3 {
		t.Errorf("unexpected parameters: %+v", p)
	}

	if _, err := LoadParameters(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadParameters should fail for a missing file")
	}
}

func TestMustLoadDefaults(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("JOB_TIMEOUT", "not-a-duration")
	t.Setenv("EXPORT_WORKERS", "8")
	t.Setenv("BACKEND", "Docker")

	cfg := MustLoad()

	if cfg.Backend.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.Backend.PollInterval)
	}
	if cfg.Backend.JobTimeout != 168*time.Hour {
		t.Errorf("JobTimeout = %v, want 168h", cfg.Backend.JobTimeout)
	}
	if cfg.Backend.Kind != "docker" {
		t.Errorf("Backend.Kind = %q, want docker", cfg.Backend.Kind)
	}
	if cfg.Export.Workers != 8 {
		t.Errorf("Export.Workers = %d, want 8", cfg.Export.Workers)
	}
}

package job

import (
	"errors"
	"strings"
	"testing"

	"github.com/withObsrvr/tomo-refiner/internal/config"
)

func testBuilder() *Builder {
	return NewBuilder(map[string][]string{
		"refine3D":    {"relion_refine"},
		"mask_create": {"relion_mask_create"},
	}, config.Resources{MPI: 1, Threads: 4, GPUs: 1})
}

func TestBuildRefine3D(t *testing.T) {
	b := testBuilder()

	spec, err := b.Build(Refine3D, Inputs{
		Tier:         4,
		Particles:    "p.star",
		Reference:    "ref.mrc",
		Lowpass:      40,
		SamplingStep: 3.7,
		Extra:        map[string]string{"tau2_fudge": "2", "flatten_solvent": ""},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if spec.Kind() != Refine3D || spec.Tier() != 4 {
		t.Errorf("spec = %s", spec)
	}
	if v, ok := spec.Param("sampling"); !ok || v != "3.7" {
		t.Errorf("sampling = %q, %v", v, ok)
	}
	if _, ok := spec.Param("gpu"); !ok {
		t.Error("refine3D should request the gpu when GPUs are configured")
	}

	argv, err := spec.Argv("/out/refine3D/bin4/iter1")
	if err != nil {
		t.Fatalf("Argv failed: %v", err)
	}
	line := strings.Join(argv, " ")
	for _, want := range []string{
		"relion_refine --i p.star --ref ref.mrc",
		"--j 4 --gpu --flatten_solvent --tau2_fudge 2",
		"--o /out/refine3D/bin4/iter1",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("argv %q missing %q", line, want)
		}
	}
}

func TestSpecIsImmutable(t *testing.T) {
	b := testBuilder()
	spec, err := b.Build(MaskCreate, Inputs{Tier: 2, Reference: "map.mrc", MaskEdgeWidth: 10, Lowpass: 15})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	params := spec.Params()
	params[0].Value = "tampered"
	cmd := spec.Command()
	cmd[0] = "rm"

	if v, _ := spec.Param("i"); v != "map.mrc" {
		t.Errorf("Params() leaked internal slice, i = %q", v)
	}
	if spec.Command()[0] != "relion_mask_create" {
		t.Error("Command() leaked internal slice")
	}
}

func TestBuildMissingInputs(t *testing.T) {
	b := testBuilder()

	tests := []struct {
		kind Kind
		in   Inputs
	}{
		{Refine3D, Inputs{Tier: 4, Particles: "p.star", SamplingStep: 3.7}},
		{Refine3D, Inputs{Tier: 4, Particles: "p.star", Reference: "r.mrc"}},
		{MaskCreate, Inputs{Tier: 4, Reference: "m.mrc"}},
		{PostProcess, Inputs{Tier: 4, HalfMap: "half1.mrc"}},
		{Select, Inputs{Particles: "p.star"}},
		{CtfRefine, Inputs{Particles: "p.star", Tomograms: "t.star", Reference: "m.mrc"}},
	}

	for _, tt := range tests {
		if _, err := b.Build(tt.kind, tt.in); !errors.Is(err, ErrMissingInput) {
			t.Errorf("Build(%s) error = %v, want ErrMissingInput", tt.kind, err)
		}
	}
}

func TestArgvWithoutCommand(t *testing.T) {
	b := testBuilder()
	spec, err := b.Build(Reconstruct, Inputs{Tier: 2, Particles: "p.star", BoxSize: 192})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, err := spec.Argv("/out"); !errors.Is(err, ErrNoCommand) {
		t.Errorf("Argv error = %v, want ErrNoCommand", err)
	}
}

func TestDispatchCoversEveryKind(t *testing.T) {
	for _, k := range Kinds {
		if _, err := ParseKind(string(k)); err != nil {
			t.Errorf("ParseKind(%s) failed: %v", k, err)
		}
		if len(ExpectedOutputs(k)) == 0 {
			t.Errorf("kind %s has no expected outputs", k)
		}
	}
	if External(Select) {
		t.Error("select runs in process")
	}
	if _, err := ParseKind("autopick"); err == nil {
		t.Error("ParseKind(autopick) should fail")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{Succeeded, Failed, Aborted} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{NotSubmitted, Running} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

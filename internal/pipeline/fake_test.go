package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/tomo-refiner/internal/backend"
	"github.com/withObsrvr/tomo-refiner/internal/config"
	"github.com/withObsrvr/tomo-refiner/internal/job"
	"github.com/withObsrvr/tomo-refiner/internal/jobcache"
	"github.com/withObsrvr/tomo-refiner/internal/resolution"
	"github.com/withObsrvr/tomo-refiner/internal/tierplan"
)

type submission struct {
	kind   job.Kind
	tier   string
	outDir string
}

// fakeBackend completes jobs instantly and writes plausible outputs.
type fakeBackend struct {
	mu          sync.Mutex
	submissions []submission
	statuses    map[string]job.Status
	cancelled   []string

	// status decides the terminal status of a kind; nil means Succeeded.
	status func(kind job.Kind) job.Status
	// probeWarns decides whether the nth probe (1-based) logs the warning.
	probeWarns func(n int) bool
	// resolution returns the final resolution of the nth post-process.
	resolution func(n int) float64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{statuses: make(map[string]job.Status)}
}

func (f *fakeBackend) Submit(_ context.Context, spec job.Spec, outDir string) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submissions = append(f.submissions, submission{kind: spec.Kind(), tier: spec.Tier().Key(), outDir: outDir})
	id := strconv.Itoa(len(f.submissions))

	status := job.Succeeded
	if f.status != nil {
		status = f.status(spec.Kind())
	}
	f.statuses[id] = status

	if status == job.Succeeded {
		if err := f.writeOutputs(spec.Kind(), outDir); err != nil {
			return backend.Handle{}, err
		}
	}
	return backend.Handle{ID: id, Kind: spec.Kind(), OutDir: outDir, SubmittedAt: time.Now()}, nil
}

func (f *fakeBackend) Poll(_ context.Context, h backend.Handle) (job.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[h.ID]
	if !ok {
		return job.NotSubmitted, backend.ErrUnknownHandle
	}
	return st, nil
}

func (f *fakeBackend) Cancel(_ context.Context, h backend.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, h.ID)
	f.statuses[h.ID] = job.Aborted
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) count(kind job.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.submissions {
		if s.kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeBackend) tiers(kind job.Kind) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.submissions {
		if s.kind == kind {
			out = append(out, s.tier)
		}
	}
	return out
}

func (f *fakeBackend) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

// writeOutputs is called with f.mu held.
func (f *fakeBackend) writeOutputs(kind job.Kind, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, name := range job.ExpectedOutputs(kind) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			return err
		}
	}

	switch kind {
	case job.PostProcessProbe:
		n := 0
		for _, s := range f.submissions {
			if s.kind == job.PostProcessProbe {
				n++
			}
		}
		log := "postprocess finished\n"
		if f.probeWarns != nil && f.probeWarns(n) {
			log = "reading maps\n" + config.DefaultMaskWarning + "\n"
		}
		return os.WriteFile(filepath.Join(dir, job.FileRunLog), []byte(log), 0644)

	case job.PostProcess:
		n := 0
		for _, s := range f.submissions {
			if s.kind == job.PostProcess {
				n++
			}
		}
		res := 8.0
		if f.resolution != nil {
			res = f.resolution(n)
		}
		return os.WriteFile(filepath.Join(dir, job.FilePostprocessStar), []byte(postprocessStar(res)), 0644)

	case job.Class3D:
		if err := os.WriteFile(filepath.Join(dir, job.FileModel), []byte(classModelStar), 0644); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, job.FileData), []byte(classDataStar), 0644)
	}
	return nil
}

func postprocessStar(res float64) string {
	return fmt.Sprintf(`data_general

_rlnFinalResolution %f

data_fsc

loop_
_rlnSpectralIndex #1
_rlnAngstromResolution #2
_rlnFourierShellCorrelationCorrected #3
1 40.000000 0.990000
2 20.000000 0.900000
3 10.000000 0.400000
4 5.000000 0.100000
`, res)
}

const classModelStar = `data_model_classes

loop_
_rlnReferenceImage #1
_rlnClassDistribution #2
_rlnAccuracyTranslationsAngst #3
_rlnEstimatedResolution #4
class001.mrc 0.600000 1.200000 12.000000
class002.mrc 0.400000 1.500000 15.000000
`

const classDataStar = `data_particles

loop_
_rlnTomoName #1
_rlnCoordinateX #2
_rlnClassNumber #3
TS_01 10.0 1
TS_01 20.0 2
TS_01 30.0 1
`

const testParams = `
pixel_size: 1.54
particle_diameter: 290
box_scaling: 2.0
binning_list: [4, 2, 1]
initial_reference: ref.mrc
initial_lowpass: 40
particles: particles.star
tomograms: tomograms.star
`

type harness struct {
	backend  *fakeBackend
	cache    *jobcache.Cache
	runner   *Runner
	pipeline *Pipeline
	params   *config.Parameters
	dir      string
}

func newHarness(t *testing.T, yaml string) *harness {
	t.Helper()
	return newHarnessIn(t, t.TempDir(), yaml, newFakeBackend())
}

func newHarnessIn(t *testing.T, dir, yaml string, fb *fakeBackend) *harness {
	t.Helper()

	params, err := config.ParseParameters([]byte(yaml))
	if err != nil {
		t.Fatalf("ParseParameters: %v", err)
	}
	cache, err := jobcache.Open(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("Open cache: %v", err)
	}
	runner := NewRunner(RunnerConfig{
		ProjectDir:   filepath.Join(dir, "project"),
		PollInterval: time.Millisecond,
		JobTimeout:   time.Second,
	}, fb, cache)

	sched, err := resolution.NewScheduler(resolution.Physical{
		PixelSize:        params.PixelSize,
		ParticleDiameter: params.ParticleDiameter,
		BoxScaling:       params.BoxScaling,
	})
	if err != nil {
		t.Fatal(err)
	}
	plan, err := tierplan.FromParameters(params, sched)
	if err != nil {
		t.Fatal(err)
	}

	return &harness{
		backend:  fb,
		cache:    cache,
		runner:   runner,
		pipeline: New(runner, params, plan, Options{RunID: "test-run"}),
		params:   params,
		dir:      dir,
	}
}

func (h *harness) spec(t *testing.T, kind job.Kind, tier resolution.Tier) job.Spec {
	t.Helper()
	in := job.Inputs{
		Tier:          tier,
		BoxSize:       96,
		SamplingStep:  7.5,
		Lowpass:       20,
		PixelSize:     1.54,
		Reference:     "ref.mrc",
		Particles:     "particles.star",
		Tomograms:     "tomograms.star",
		Mask:          "mask.mrc",
		HalfMap:       "half1.mrc",
		MaskEdgeWidth: 10,
		NumClasses:    2,
		KeepClasses:   []int{1},
	}
	spec, err := job.NewBuilder(nil, config.Resources{Threads: 1}).Build(kind, in)
	if err != nil {
		t.Fatalf("Build %s: %v", kind, err)
	}
	return spec
}

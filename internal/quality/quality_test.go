package quality

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/tomo-refiner/internal/job"
)

const warning = "WARNING: the mask may be too sharp"

func TestLogContainsPlain(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, job.FileRunLog), []byte("start\n"+warning+" at 12.3A\ndone\n"), 0644)

	found, err := LogContains(dir, warning)
	if err != nil {
		t.Fatalf("LogContains failed: %v", err)
	}
	if !found {
		t.Error("warning not found in plain log")
	}

	found, _ = LogContains(dir, "something else")
	if found {
		t.Error("unexpected match")
	}
}

func TestLogContainsZstd(t *testing.T) {
	dir := t.TempDir()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	compressed := enc.EncodeAll([]byte("line one\n"+warning+"\n"), nil)
	enc.Close()
	os.WriteFile(filepath.Join(dir, job.FileRunLogZstd), compressed, 0644)

	found, err := LogContains(dir, warning)
	if err != nil {
		t.Fatalf("LogContains failed: %v", err)
	}
	if !found {
		t.Error("warning not found in compressed log")
	}
}

func TestLogContainsMissing(t *testing.T) {
	if _, err := LogContains(t.TempDir(), warning); !errors.Is(err, ErrNoRunLog) {
		t.Errorf("error = %v, want ErrNoRunLog", err)
	}
}

func TestThresholdCrossing(t *testing.T) {
	curve := []FSCPoint{
		{999, 1.0},
		{24.6, 0.99},
		{12.3, 0.81},
		{8.2, 0.47},
		{6.1, 0.12},
	}

	got, err := ThresholdCrossing(curve, 0.5)
	if err != nil {
		t.Fatalf("ThresholdCrossing failed: %v", err)
	}
	if got != 8.2 {
		t.Errorf("crossing = %g, want 8.2", got)
	}

	got, err = ThresholdCrossing(curve[:3], 0.5)
	if err != nil {
		t.Fatalf("ThresholdCrossing failed: %v", err)
	}
	if got != 12.3 {
		t.Errorf("never-crossing curve = %g, want finest 12.3", got)
	}
}

func TestThresholdCrossingDataQuality(t *testing.T) {
	tests := []struct {
		name  string
		curve []FSCPoint
	}{
		{"empty", nil},
		{"nan", []FSCPoint{{20, 0.9}, {10, math.NaN()}}},
		{"inf resolution", []FSCPoint{{math.Inf(1), 1.0}, {10, 0.2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ThresholdCrossing(tt.curve, 0.5); !errors.Is(err, ErrDataQuality) {
				t.Errorf("error = %v, want ErrDataQuality", err)
			}
		})
	}
}

const postprocess = `
data_general

_rlnFinalResolution 7.450000

data_fsc

loop_
_rlnSpectralIndex #1
_rlnAngstromResolution #2
_rlnFourierShellCorrelationCorrected #3
1	24.64	0.99
2	12.32	0.62
3	8.21	0.31
`

func TestLowPassFromFSCAndFinalResolution(t *testing.T) {
	path := filepath.Join(t.TempDir(), job.FilePostprocessStar)
	os.WriteFile(path, []byte(postprocess), 0644)

	lp, err := LowPassFromFSC(path, 0.5)
	if err != nil {
		t.Fatalf("LowPassFromFSC failed: %v", err)
	}
	if lp != 8.21 {
		t.Errorf("low-pass = %g, want 8.21", lp)
	}

	res, err := FinalResolution(path)
	if err != nil {
		t.Fatalf("FinalResolution failed: %v", err)
	}
	if res != 7.45 {
		t.Errorf("final resolution = %g, want 7.45", res)
	}
}

func TestLowPassFromFSCNonFinite(t *testing.T) {
	path := filepath.Join(t.TempDir(), job.FilePostprocessStar)
	os.WriteFile(path, []byte("data_fsc\nloop_\n_rlnAngstromResolution #1\n_rlnFourierShellCorrelationCorrected #2\n20 0.9\n10 nan\n"), 0644)

	if _, err := LowPassFromFSC(path, 0.5); !errors.Is(err, ErrDataQuality) {
		t.Errorf("error = %v, want ErrDataQuality", err)
	}
}

const model = `
data_model_classes

loop_
_rlnReferenceImage #1
_rlnClassDistribution #2
_rlnAccuracyTranslationsAngst #3
_rlnEstimatedResolution #4
run_it025_class001.mrc	0.40	2.10	12.5
run_it025_class002.mrc	0.00	0.50	9.0
run_it025_class003.mrc	0.35	1.40	12.5
run_it025_class004.mrc	0.25	1.90	14.0
`

func TestBestClassTieBreak(t *testing.T) {
	path := filepath.Join(t.TempDir(), job.FileModel)
	os.WriteFile(path, []byte(model), 0644)

	classes, err := ReadClasses(path)
	if err != nil {
		t.Fatalf("ReadClasses failed: %v", err)
	}
	if len(classes) != 4 {
		t.Fatalf("got %d classes, want 4", len(classes))
	}

	best, err := BestClass(classes)
	if err != nil {
		t.Fatalf("BestClass failed: %v", err)
	}
	// Class 2 is empty; classes 1 and 3 tie on resolution.
	if best.Class != 3 {
		t.Errorf("best class = %d, want 3", best.Class)
	}
}

func TestBestClassNoneUsable(t *testing.T) {
	_, err := BestClass([]ClassStats{{Class: 1, Distribution: 0, EstimatedResolution: 10}})
	if !errors.Is(err, ErrDataQuality) {
		t.Errorf("error = %v, want ErrDataQuality", err)
	}
}

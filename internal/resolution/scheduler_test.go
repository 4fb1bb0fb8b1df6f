package resolution

import (
	"errors"
	"testing"
)

func scenarioScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := NewScheduler(Physical{
		PixelSize:        1.54,
		ParticleDiameter: 290,
		BoxScaling:       2.0,
	})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	return s
}

func TestBoxSizeForScenario(t *testing.T) {
	s := scenarioScheduler(t)

	if got := s.TargetBoxSize(4); got != 94 {
		t.Fatalf("TargetBoxSize(4) = %d, want 94", got)
	}

	tests := []struct {
		tier Tier
		want int
	}{
		{4, 96},
		{2, 192}, // floor(580/3.08) = 188
		{1, 576}, // floor(floor(580/1.54) * 1.5) = 564
	}

	for _, tt := range tests {
		got, err := s.BoxSizeFor(tt.tier)
		if err != nil {
			t.Errorf("BoxSizeFor(%d) failed: %v", tt.tier, err)
			continue
		}
		if got != tt.want {
			t.Errorf("BoxSizeFor(%d) = %d, want %d", tt.tier, got, tt.want)
		}
	}
}

func TestBoxSizeFinestTierGetsMargin(t *testing.T) {
	s := scenarioScheduler(t)

	withoutMargin, err := LookupBoxSize(376)
	if err != nil {
		t.Fatalf("LookupBoxSize failed: %v", err)
	}
	got, err := s.BoxSizeFor(1)
	if err != nil {
		t.Fatalf("BoxSizeFor(1) failed: %v", err)
	}
	if got <= withoutMargin {
		t.Errorf("BoxSizeFor(1) = %d, want larger than unmargined %d", got, withoutMargin)
	}

	hr, err := s.BoxSizeFor(HighRes)
	if err != nil {
		t.Fatalf("BoxSizeFor(HighRes) failed: %v", err)
	}
	if hr != got {
		t.Errorf("BoxSizeFor(HighRes) = %d, want %d (same as tier 1)", hr, got)
	}
}

func TestBoxSizeNonIncreasingAboveFinest(t *testing.T) {
	params := []Physical{
		{PixelSize: 1.54, ParticleDiameter: 290, BoxScaling: 2.0},
		{PixelSize: 0.8, ParticleDiameter: 150, BoxScaling: 1.5},
		{PixelSize: 2.2, ParticleDiameter: 400, BoxScaling: 1.8},
	}

	for _, p := range params {
		s, err := NewScheduler(p)
		if err != nil {
			t.Fatalf("NewScheduler(%+v) failed: %v", p, err)
		}
		prev := -1
		for tier := Tier(2); tier <= 16; tier++ {
			box, err := s.BoxSizeFor(tier)
			if err != nil {
				t.Fatalf("BoxSizeFor(%d) failed: %v", tier, err)
			}
			if prev != -1 && box > prev {
				t.Errorf("%+v: BoxSizeFor(%d) = %d > BoxSizeFor(%d) = %d", p, tier, box, tier-1, prev)
			}
			prev = box
		}

		// Tier 1 is allowed to break the trend, but never below tier 2.
		one, _ := s.BoxSizeFor(1)
		two, _ := s.BoxSizeFor(2)
		if one < two {
			t.Errorf("%+v: BoxSizeFor(1) = %d < BoxSizeFor(2) = %d", p, one, two)
		}
	}
}

func TestBoxSizeTableExhausted(t *testing.T) {
	s, err := NewScheduler(Physical{PixelSize: 0.5, ParticleDiameter: 600, BoxScaling: 2.0})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	_, err = s.BoxSizeFor(1)
	if !errors.Is(err, ErrTableExhausted) {
		t.Fatalf("BoxSizeFor(1) error = %v, want ErrTableExhausted", err)
	}
}

func TestNewSchedulerRejectsNonPositive(t *testing.T) {
	bad := []Physical{
		{PixelSize: 0, ParticleDiameter: 290, BoxScaling: 2},
		{PixelSize: 1.5, ParticleDiameter: -1, BoxScaling: 2},
		{PixelSize: 1.5, ParticleDiameter: 290, BoxScaling: 0},
	}
	for _, p := range bad {
		if _, err := NewScheduler(p); err == nil {
			t.Errorf("NewScheduler(%+v) should fail", p)
		}
	}
}

func TestNextSamplingStep(t *testing.T) {
	s := scenarioScheduler(t)

	tests := []struct {
		name    string
		tier    Tier
		current float64
		want    float64
	}{
		{"bin4 fresh", 4, 0, 3.7},   // estimate ~2.43
		{"bin2 fresh", 2, 0, 1.8},   // estimate ~1.22
		{"bin1 fresh", 1, 0, 0.9},   // estimate ~0.61
		{"bin2 after bin4", 2, 3.7, 1.8},
		{"never coarser than current", 4, 1.8, 1.8},
		{"highres as bin1", HighRes, 1.8, 0.9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.NextSamplingStep(tt.tier, tt.current)
			if err != nil {
				t.Fatalf("NextSamplingStep failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("NextSamplingStep(%d, %g) = %g, want %g", tt.tier, tt.current, got, tt.want)
			}
		})
	}
}

func TestSamplingNeverRoundsDown(t *testing.T) {
	for _, est := range []float64{0.05, 0.15, 0.61, 1.0, 2.43, 3.7, 8, 29, 30} {
		step, err := LookupSamplingStep(est)
		if err != nil {
			t.Fatalf("LookupSamplingStep(%g) failed: %v", est, err)
		}
		if step < est {
			t.Errorf("LookupSamplingStep(%g) = %g, rounded below estimate", est, step)
		}
	}
	if _, err := LookupSamplingStep(45); !errors.Is(err, ErrTableExhausted) {
		t.Errorf("LookupSamplingStep(45) error = %v, want ErrTableExhausted", err)
	}
}

func TestNextSamplingStepExhausted(t *testing.T) {
	// Coarse pixels on a small particle put bin8 beyond 30 degrees.
	s, err := NewScheduler(Physical{PixelSize: 10, ParticleDiameter: 250, BoxScaling: 2.0})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	if est := s.SamplingEstimate(8); est <= SamplingSteps[0] {
		t.Fatalf("estimate %g not beyond the table", est)
	}
	if _, err := s.NextSamplingStep(8, 0); !errors.Is(err, ErrTableExhausted) {
		t.Errorf("NextSamplingStep error = %v, want ErrTableExhausted", err)
	}
}

func TestTierKeys(t *testing.T) {
	if got := Tier(4).Key(); got != "bin4" {
		t.Errorf("Key() = %q, want bin4", got)
	}
	if got := HighRes.Key(); got != "bin0" {
		t.Errorf("HighRes.Key() = %q, want bin0", got)
	}

	tier, err := ParseKey("bin8")
	if err != nil || tier != 8 {
		t.Errorf("ParseKey(bin8) = %d, %v", tier, err)
	}
	if _, err := ParseKey("level3"); err == nil {
		t.Error("ParseKey(level3) should fail")
	}
}

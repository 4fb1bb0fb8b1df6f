package jobcache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/withObsrvr/tomo-refiner/internal/job"
	"github.com/withObsrvr/tomo-refiner/internal/resolution"
)

func openCache(t *testing.T, dir string) *Cache {
	t.Helper()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return c
}

func TestRecordCompletionSeedsIter1(t *testing.T) {
	c := openCache(t, t.TempDir())

	if c.IsCompleted(2, job.Refine3D) {
		t.Fatal("fresh cache should not report completion")
	}
	if _, ok := c.NextIterationLabel(2, job.Refine3D); ok {
		t.Fatal("NextIterationLabel should report no history")
	}

	if err := c.RecordCompletion(2, job.Refine3D, "/p/refine3D/bin2/iter1", ""); err != nil {
		t.Fatalf("RecordCompletion failed: %v", err)
	}

	loc, ok := c.Lookup(2, job.Refine3D)
	if !ok || loc != "/p/refine3D/bin2/iter1" {
		t.Errorf("Lookup = %q, %v", loc, ok)
	}
	hist := c.History(2, job.Refine3D)
	if len(hist) != 1 || hist[0].Label != "iter1" {
		t.Errorf("History = %+v, want single iter1", hist)
	}
	if next, _ := c.NextIterationLabel(2, job.Refine3D); next != "iter2" {
		t.Errorf("NextIterationLabel = %q, want iter2", next)
	}
}

func TestMonotonicLabelsAcrossInterleavedPairs(t *testing.T) {
	c := openCache(t, t.TempDir())

	pairs := []struct {
		tier resolution.Tier
		kind job.Kind
	}{
		{4, job.Refine3D},
		{4, job.Reconstruct},
		{2, job.Refine3D},
	}

	const runs = 6
	for i := 0; i < runs; i++ {
		for _, p := range pairs {
			label, ok := c.NextIterationLabel(p.tier, p.kind)
			if !ok {
				label = ""
			}
			loc := filepath.Join("/p", string(p.kind), p.tier.Key(), label)
			if err := c.RecordCompletion(p.tier, p.kind, loc, label); err != nil {
				t.Fatalf("RecordCompletion(%s, %s, %q) failed: %v", p.tier.Key(), p.kind, label, err)
			}
		}
	}

	for _, p := range pairs {
		hist := c.History(p.tier, p.kind)
		if len(hist) != runs {
			t.Fatalf("%s/%s: %d iterations, want %d", p.tier.Key(), p.kind, len(hist), runs)
		}
		for i, it := range hist {
			want := formatLabel(i + 1)
			if it.Label != want {
				t.Errorf("%s/%s: iteration %d label = %s, want %s", p.tier.Key(), p.kind, i, it.Label, want)
			}
		}
	}
}

func TestRecordCompletionRejectsWrongLabel(t *testing.T) {
	c := openCache(t, t.TempDir())

	if err := c.RecordCompletion(4, job.Class3D, "/a", "iter2"); !errors.Is(err, ErrIterationLabel) {
		t.Errorf("iter2 without history: error = %v, want ErrIterationLabel", err)
	}
	if err := c.RecordCompletion(4, job.Class3D, "/a", ""); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	for _, bad := range []string{"", "iter1", "iter3", "run2"} {
		if err := c.RecordCompletion(4, job.Class3D, "/b", bad); !errors.Is(err, ErrIterationLabel) {
			t.Errorf("label %q: error = %v, want ErrIterationLabel", bad, err)
		}
	}

	// A rejected write leaves the cache untouched.
	if loc, _ := c.Lookup(4, job.Class3D); loc != "/a" {
		t.Errorf("Lookup = %q, want /a", loc)
	}
}

func TestPersistenceAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	c := openCache(t, dir)

	if err := c.RecordCompletion(4, job.MaskCreate, "/m1", ""); err != nil {
		t.Fatal(err)
	}
	if err := c.RecordCompletion(4, job.MaskCreate, "/m2", "iter2"); err != nil {
		t.Fatal(err)
	}
	if err := c.RecordCompletion(resolution.HighRes, job.PostProcess, "/hr", ""); err != nil {
		t.Fatal(err)
	}

	reopened := openCache(t, dir)
	if loc, _ := reopened.Lookup(4, job.MaskCreate); loc != "/m2" {
		t.Errorf("Lookup after reopen = %q, want /m2", loc)
	}
	if next, _ := reopened.NextIterationLabel(4, job.MaskCreate); next != "iter3" {
		t.Errorf("NextIterationLabel after reopen = %q, want iter3", next)
	}
	if !reopened.IsCompleted(resolution.HighRes, job.PostProcess) {
		t.Error("HighRes record lost across reopen")
	}

	var current map[string]map[string]string
	data, err := os.ReadFile(filepath.Join(dir, CurrentFile))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &current); err != nil {
		t.Fatal(err)
	}
	if current["bin4"]["mask_create"] != "/m2" || current["bin0"]["post_process"] != "/hr" {
		t.Errorf("unexpected current document: %v", current)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestOpenReconcilesStaleCurrent(t *testing.T) {
	dir := t.TempDir()

	// Simulates a crash after the history rename but before the current one.
	history := `{"bin2": {"refine3D": {"iter1": "/r1", "iter2": "/r2"}}}`
	current := `{"bin2": {"refine3D": "/r1"}, "bin4": {"reconstruct": "/rec"}}`
	os.WriteFile(filepath.Join(dir, HistoryFile), []byte(history), 0644)
	os.WriteFile(filepath.Join(dir, CurrentFile), []byte(current), 0644)

	c := openCache(t, dir)

	if loc, _ := c.Lookup(2, job.Refine3D); loc != "/r2" {
		t.Errorf("Lookup = %q, want /r2 from latest history entry", loc)
	}
	if hist := c.History(4, job.Reconstruct); len(hist) != 1 || hist[0].Location != "/rec" {
		t.Errorf("History(bin4, reconstruct) = %+v, want seeded iter1", hist)
	}

	reopened := openCache(t, dir)
	if loc, _ := reopened.Lookup(2, job.Refine3D); loc != "/r2" {
		t.Error("repair was not persisted")
	}
}

func TestOpenRejectsCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, CurrentFile), []byte("{not json"), 0644)

	if _, err := Open(dir); err == nil {
		t.Error("Open should fail on a corrupt document")
	}
}

func TestSnapshotOrdering(t *testing.T) {
	c := openCache(t, t.TempDir())
	c.RecordCompletion(4, job.Refine3D, "/r", "")
	c.RecordCompletion(2, job.Reconstruct, "/c", "")
	c.RecordCompletion(2, job.MaskCreate, "/m", "")

	snap := c.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot len = %d, want 3", len(snap))
	}
	if snap[0].TierKey != "bin2" || snap[0].Kind != job.MaskCreate {
		t.Errorf("snap[0] = %+v", snap[0])
	}
	if snap[2].Tier != 4 || len(snap[2].Iterations) != 1 {
		t.Errorf("snap[2] = %+v", snap[2])
	}
}

package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/withObsrvr/tomo-refiner/internal/jobcache"
	"github.com/withObsrvr/tomo-refiner/internal/resolution"
)

// StatusView is a concurrency-safe copy of the run's progress served by
// the status endpoint. The orchestration goroutine updates it; HTTP
// handlers read it.
type StatusView struct {
	mu       sync.RWMutex
	snapshot Status
}

// Status is the JSON document of the status endpoint.
type Status struct {
	RunID           string            `json:"run_id"`
	Stage           string            `json:"stage"`
	Tier            string            `json:"tier,omitempty"`
	BestResolution  float64           `json:"best_resolution,omitempty"`
	PolishIteration int               `json:"polish_iteration,omitempty"`
	PolishStale     int               `json:"polish_stale,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Jobs            []jobcache.Record `json:"jobs"`
}

// NewStatusView creates a view seeded from the cache.
func NewStatusView(runID string, cache *jobcache.Cache) *StatusView {
	return &StatusView{snapshot: Status{
		RunID:     runID,
		Stage:     "starting",
		UpdatedAt: time.Now().UTC(),
		Jobs:      cache.Snapshot(),
	}}
}

// refresh copies the cache's records. It must run on the orchestration
// goroutine, the only writer of the cache.
func (v *StatusView) refresh(cache *jobcache.Cache) {
	jobs := cache.Snapshot()
	v.mu.Lock()
	v.snapshot.Jobs = jobs
	v.snapshot.UpdatedAt = time.Now().UTC()
	v.mu.Unlock()
}

// SetStage records the loop and tier currently running.
func (v *StatusView) SetStage(stage string, tier resolution.Tier) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snapshot.Stage = stage
	v.snapshot.Tier = tier.Key()
	v.snapshot.UpdatedAt = time.Now().UTC()
}

// SetPolish records polishing progress.
func (v *StatusView) SetPolish(iteration, stale int, best float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snapshot.PolishIteration = iteration
	v.snapshot.PolishStale = stale
	v.snapshot.BestResolution = best
	v.snapshot.UpdatedAt = time.Now().UTC()
}

// SetBestResolution records the best resolution reached so far.
func (v *StatusView) SetBestResolution(angstrom float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snapshot.BestResolution = angstrom
}

// Status returns a copy of the whole document.
func (v *StatusView) Status() any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := v.snapshot
	s.Jobs = append([]jobcache.Record(nil), v.snapshot.Jobs...)
	return s
}

// TierStatus returns the records of one tier key.
func (v *StatusView) TierStatus(tierKey string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var recs []jobcache.Record
	for _, r := range v.snapshot.Jobs {
		if r.TierKey == tierKey {
			recs = append(recs, r)
		}
	}
	return recs, len(recs) > 0
}

// statusHook adapts a StatusView into a completion hook.
type statusHook struct {
	view  *StatusView
	cache *jobcache.Cache
}

// StatusHook returns a hook that refreshes view after every completion.
func StatusHook(view *StatusView, cache *jobcache.Cache) Hook {
	return statusHook{view: view, cache: cache}
}

func (h statusHook) JobCompleted(context.Context, Completion) error {
	h.view.refresh(h.cache)
	return nil
}

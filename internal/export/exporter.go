// Package export copies the current outputs and iteration history of every
// cached job into a project store.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/tomo-refiner/internal/job"
	"github.com/withObsrvr/tomo-refiner/internal/jobcache"
	"github.com/withObsrvr/tomo-refiner/internal/logging"
	"github.com/withObsrvr/tomo-refiner/internal/metrics"
	"github.com/withObsrvr/tomo-refiner/internal/storage"
)

// Outcome of a single export task.
const (
	OutcomeExported = "exported"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// Config configures an Exporter.
type Config struct {
	Workers  int
	Producer storage.ProducerInfo
}

// Stats aggregates task outcomes of one Export call.
type Stats struct {
	Exported int
	Skipped  int
	Failed   int
}

// TierIndex is the per-tier document listing the exported label of each kind.
type TierIndex struct {
	Tier      string            `json:"tier"`
	Kinds     map[string]string `json:"kinds"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Exporter fans export tasks out over a bounded worker pool. Tasks of the
// same tier serialize on a per-tier lock while updating the tier index.
type Exporter struct {
	store   storage.ProjectStore
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an exporter writing into store.
func New(store storage.ProjectStore, cfg Config, m *metrics.Metrics) *Exporter {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Exporter{
		store:   store,
		cfg:     cfg,
		metrics: m,
		log:     logging.Component("export"),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Export runs one task per record. A failed task does not stop the others;
// their errors are joined into the returned error.
func (e *Exporter) Export(ctx context.Context, records []jobcache.Record) (Stats, error) {
	var (
		stats    Stats
		errs     []error
		resultMu sync.Mutex
		wg       sync.WaitGroup
		inFlight int
	)
	sem := make(chan struct{}, e.cfg.Workers)

	for i, rec := range records {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return stats, errors.Join(append(errs, ctx.Err())...)
		}

		resultMu.Lock()
		inFlight++
		e.metrics.SetInFlightExports(float64(inFlight))
		resultMu.Unlock()

		wg.Add(1)
		go func(worker int, rec jobcache.Record) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := e.exportRecord(ctx, rec)

			resultMu.Lock()
			defer resultMu.Unlock()
			inFlight--
			e.metrics.SetInFlightExports(float64(inFlight))
			e.metrics.IncExportTasks(metrics.Labels{Outcome: outcome})

			log := logging.WorkerLogger(worker%e.cfg.Workers).With("tier", rec.TierKey, "kind", rec.Kind)
			switch outcome {
			case OutcomeExported:
				stats.Exported++
				log.Info("job exported", "location", rec.Location)
			case OutcomeSkipped:
				stats.Skipped++
				log.Debug("job already exported")
			default:
				stats.Failed++
				errs = append(errs, fmt.Errorf("export %s/%s: %w", rec.TierKey, rec.Kind, err))
				log.Error("job export failed", "error", err)
			}
		}(i, rec)
	}

	wg.Wait()
	e.log.Info("export finished",
		"exported", stats.Exported,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)
	return stats, errors.Join(errs...)
}

// tierLock returns the mutex guarding the index of tierKey.
func (e *Exporter) tierLock(tierKey string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[tierKey]
	if !ok {
		l = &sync.Mutex{}
		e.locks[tierKey] = l
	}
	return l
}

func (e *Exporter) exportRecord(ctx context.Context, rec jobcache.Record) (string, error) {
	ref := storage.JobRef{TierKey: rec.TierKey, Kind: string(rec.Kind)}
	label := currentLabel(rec)

	done, err := e.alreadyExported(ctx, ref, label, rec.Location)
	if err != nil {
		return OutcomeFailed, err
	}
	if done {
		return OutcomeSkipped, nil
	}

	history, err := encodeHistory(historyRows(rec))
	if err != nil {
		return OutcomeFailed, err
	}
	if err := e.store.Write(ctx, ref.HistoryPath(), history); err != nil {
		return OutcomeFailed, fmt.Errorf("write history: %w", err)
	}

	files := make(map[string]storage.FileInfo)
	for _, name := range presentOutputs(rec.Kind, rec.Location) {
		info, err := e.copyFile(ctx, filepath.Join(rec.Location, name), ref.OutputPath(label, name))
		if err != nil {
			return OutcomeFailed, err
		}
		files[name] = info
	}

	if err := e.updateTierIndex(ctx, rec.TierKey, string(rec.Kind), label); err != nil {
		return OutcomeFailed, err
	}

	// The manifest goes last: its presence marks the task done.
	manifest := &storage.Manifest{
		Job: storage.JobInfo{
			Tier:       rec.TierKey,
			Kind:       string(rec.Kind),
			Label:      label,
			Location:   rec.Location,
			Iterations: len(rec.Iterations),
		},
		Files:     files,
		Producer:  e.cfg.Producer,
		CreatedAt: time.Now().UTC(),
	}
	data, err := manifest.MarshalJSON()
	if err != nil {
		return OutcomeFailed, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := e.store.Write(ctx, ref.ManifestPath(), data); err != nil {
		return OutcomeFailed, fmt.Errorf("write manifest: %w", err)
	}

	return OutcomeExported, nil
}

// alreadyExported reports whether the stored manifest matches the record.
func (e *Exporter) alreadyExported(ctx context.Context, ref storage.JobRef, label, location string) (bool, error) {
	data, err := e.store.Read(ctx, ref.ManifestPath())
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read manifest: %w", err)
	}
	var m storage.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		// Unreadable manifests are rewritten.
		return false, nil
	}
	return m.Job.Label == label && m.Job.Location == location, nil
}

// copyFile streams src into key and returns its checksum and size.
func (e *Exporter) copyFile(ctx context.Context, src, key string) (storage.FileInfo, error) {
	f, err := os.Open(src)
	if err != nil {
		return storage.FileInfo{}, fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	h := sha256.New()
	cr := &countingReader{r: io.TeeReader(f, h)}
	if err := e.store.WriteFrom(ctx, key, cr); err != nil {
		return storage.FileInfo{}, fmt.Errorf("copy %s: %w", src, err)
	}
	return storage.FileInfo{
		Key:      key,
		Checksum: "sha256:" + hex.EncodeToString(h.Sum(nil)),
		ByteSize: cr.n,
	}, nil
}

func (e *Exporter) updateTierIndex(ctx context.Context, tierKey, kind, label string) error {
	l := e.tierLock(tierKey)
	l.Lock()
	defer l.Unlock()

	key := storage.TierIndexPath(tierKey)
	idx := TierIndex{Tier: tierKey, Kinds: make(map[string]string)}

	data, err := e.store.Read(ctx, key)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &idx); err != nil {
			return fmt.Errorf("decode tier index %s: %w", key, err)
		}
		if idx.Kinds == nil {
			idx.Kinds = make(map[string]string)
		}
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("read tier index %s: %w", key, err)
	}

	idx.Kinds[kind] = label
	idx.UpdatedAt = time.Now().UTC()

	out, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tier index: %w", err)
	}
	if err := e.store.Write(ctx, key, out); err != nil {
		return fmt.Errorf("write tier index %s: %w", key, err)
	}
	return nil
}

// currentLabel returns the label of the iteration at rec.Location.
func currentLabel(rec jobcache.Record) string {
	for _, it := range rec.Iterations {
		if it.Location == rec.Location {
			return it.Label
		}
	}
	return filepath.Base(rec.Location)
}

// presentOutputs lists the expected outputs of kind found in dir, plus the
// run log in either form.
func presentOutputs(kind job.Kind, dir string) []string {
	seen := make(map[string]bool)
	for _, name := range append(job.ExpectedOutputs(kind), job.FileRunLog, job.FileRunLogZstd) {
		if st, err := os.Stat(filepath.Join(dir, name)); err == nil && st.Mode().IsRegular() {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

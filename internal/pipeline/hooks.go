package pipeline

import (
	"context"
	"log/slog"

	"github.com/withObsrvr/tomo-refiner/internal/audit"
	"github.com/withObsrvr/tomo-refiner/internal/job"
	"github.com/withObsrvr/tomo-refiner/internal/jobcache"
	"github.com/withObsrvr/tomo-refiner/internal/logging"
	"github.com/withObsrvr/tomo-refiner/internal/metadata"
	"github.com/withObsrvr/tomo-refiner/internal/metrics"
)

// CatalogHook records every completion in the lineage catalog. Catalog
// failures are logged and counted unless strict is set.
type CatalogHook struct {
	meta    metadata.Writer
	runID   string
	strict  bool
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewCatalogHook creates a catalog hook for one run.
func NewCatalogHook(meta metadata.Writer, runID string, strict bool, m *metrics.Metrics) *CatalogHook {
	return &CatalogHook{
		meta:    meta,
		runID:   runID,
		strict:  strict,
		metrics: m,
		log:     logging.Component("catalog"),
	}
}

func (h *CatalogHook) JobCompleted(ctx context.Context, c Completion) error {
	err := h.meta.RecordJob(ctx, metadata.JobRecord{
		RunID:      h.runID,
		Tier:       c.Tier,
		Kind:       string(c.Kind),
		Label:      c.Label,
		Location:   c.Location,
		Status:     job.Succeeded.String(),
		Rerun:      c.Rerun,
		StartedAt:  c.StartedAt,
		FinishedAt: c.FinishedAt,
	})
	if err == nil {
		return nil
	}
	h.metrics.IncCatalogErrors()
	if h.strict {
		return err
	}
	h.log.Warn("failed to record job in catalog", "tier", c.Tier, "kind", c.Kind, "error", err)
	return nil
}

// BackfillCatalog adds every cached iteration the catalog does not know yet
// under runID. It covers jobs whose catalog write failed after they were
// recorded, since a cache hit never reaches the completion hooks again.
func BackfillCatalog(ctx context.Context, meta metadata.Writer, runID string, cache *jobcache.Cache) (int, error) {
	var recs []metadata.JobRecord
	for _, r := range cache.Snapshot() {
		for i, it := range r.Iterations {
			recs = append(recs, metadata.JobRecord{
				RunID:    runID,
				Tier:     r.TierKey,
				Kind:     string(r.Kind),
				Label:    it.Label,
				Location: it.Location,
				Status:   job.Succeeded.String(),
				Rerun:    i > 0,
			})
		}
	}
	added, err := meta.BackfillJobs(ctx, recs)
	if err != nil {
		return added, err
	}
	if added > 0 {
		logging.Component("catalog").Info("backfilled cached jobs into catalog", "added", added, "cached", len(recs))
	}
	return added, nil
}

// AuditHook emits a hash-chained audit event for every completion. Audit
// failures never fail the run.
type AuditHook struct {
	emitter audit.Emitter
	project string
	runID   string
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewAuditHook creates an audit hook for one run.
func NewAuditHook(e audit.Emitter, project, runID string, m *metrics.Metrics) *AuditHook {
	return &AuditHook{
		emitter: e,
		project: project,
		runID:   runID,
		metrics: m,
		log:     logging.Component("audit"),
	}
}

func (h *AuditHook) JobCompleted(ctx context.Context, c Completion) error {
	err := h.emitter.EmitCompletion(ctx, audit.Completion{
		Project:  h.project,
		RunID:    h.runID,
		Tier:     c.Tier,
		Kind:     string(c.Kind),
		Label:    c.Label,
		Location: c.Location,
		Rerun:    c.Rerun,
		Outputs:  ValidateOutputs(c.Kind, c.Location).Present,
	})
	if err != nil {
		h.metrics.IncAuditErrors()
		h.log.Warn("failed to emit audit event", "tier", c.Tier, "kind", c.Kind, "error", err)
	}
	return nil
}

package metadata

import (
	"context"
	"time"
)

// CatalogConfig configures the job lineage catalog.
type CatalogConfig struct {
	PostgresDSN string
}

// Writer records runs, jobs and quality signals to the lineage catalog.
type Writer interface {
	EnsureRun(ctx context.Context, run RunInfo) error
	RecordJob(ctx context.Context, rec JobRecord) error
	BackfillJobs(ctx context.Context, recs []JobRecord) (int, error)
	RecordSignal(ctx context.Context, rec SignalRecord) error
	FinishRun(ctx context.Context, runID, status string) error
	Close() error
}

// RunInfo describes one invocation of the pipeline.
type RunInfo struct {
	RunID           string
	Project         string
	ParamsFile      string
	ProducerVersion string
	StartedAt       time.Time
}

// JobRecord is the lineage entry for one completed or failed job.
type JobRecord struct {
	RunID      string
	Tier       string
	Kind       string
	Label      string
	Location   string
	Status     string
	Rerun      bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// SignalRecord is a scalar quality signal read from a job's outputs,
// such as a low-pass cutoff or a final resolution.
type SignalRecord struct {
	RunID   string
	Tier    string
	Kind    string
	Label   string
	Signal  string
	Value   float64
	Passed  bool
	Message string
}

// Signal names.
const (
	SignalLowpass       = "lowpass_angstrom"
	SignalResolution    = "resolution_angstrom"
	SignalMaskEdgeWidth = "mask_edge_width"
)

// NewWriter returns a PostgreSQL writer when a DSN is configured and a
// no-op writer otherwise.
func NewWriter(cfg CatalogConfig) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(cfg)
}

type noopWriter struct{}

func (noopWriter) EnsureRun(context.Context, RunInfo) error         { return nil }
func (noopWriter) RecordJob(context.Context, JobRecord) error       { return nil }
func (noopWriter) RecordSignal(context.Context, SignalRecord) error { return nil }
func (noopWriter) FinishRun(context.Context, string, string) error  { return nil }
func (noopWriter) Close() error                                     { return nil }

func (noopWriter) BackfillJobs(context.Context, []JobRecord) (int, error) { return 0, nil }

package metadata

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	cfg  CatalogConfig
}

// NewPostgresWriter creates a new PostgreSQL catalog writer.
func NewPostgresWriter(cfg CatalogConfig) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{pool: pool, cfg: cfg}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("connected to PostgreSQL catalog", "component", "metadata")
	return w, nil
}

// EnsureRun registers a run. Registering the same run twice is a no-op.
func (w *PostgresWriter) EnsureRun(ctx context.Context, run RunInfo) error {
	query := `
		INSERT INTO _meta_runs (run_id, project, params_file, producer_version, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO NOTHING
	`
	started := run.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}

	_, err := w.pool.Exec(ctx, query, run.RunID, run.Project, run.ParamsFile, run.ProducerVersion, started)
	if err != nil {
		return fmt.Errorf("ensure run: %w", err)
	}
	return nil
}

// RecordJob writes the lineage entry of a job. A location is recorded
// once; recording it again updates status and timing.
func (w *PostgresWriter) RecordJob(ctx context.Context, rec JobRecord) error {
	query := `
		INSERT INTO _meta_jobs (run_id, tier, kind, label, location, status, rerun, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (location)
		DO UPDATE SET
			run_id = EXCLUDED.run_id,
			status = EXCLUDED.status,
			rerun = EXCLUDED.rerun,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			created_at = NOW()
	`

	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		rec.Tier,
		rec.Kind,
		rec.Label,
		rec.Location,
		rec.Status,
		rec.Rerun,
		nullTime(rec.StartedAt),
		nullTime(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}

	slog.Debug("recorded job lineage", "component", "metadata", "tier", rec.Tier, "kind", rec.Kind, "location", rec.Location)
	return nil
}

// BackfillJobs inserts the records whose location is not yet in the catalog
// and returns how many were added. Existing rows keep their run.
func (w *PostgresWriter) BackfillJobs(ctx context.Context, recs []JobRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	query := `
		INSERT INTO _meta_jobs (run_id, tier, kind, label, location, status, rerun, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (location) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(query,
			rec.RunID,
			rec.Tier,
			rec.Kind,
			rec.Label,
			rec.Location,
			rec.Status,
			rec.Rerun,
			nullTime(rec.StartedAt),
			nullTime(rec.FinishedAt),
		)
	}

	br := w.pool.SendBatch(ctx, batch)
	defer br.Close()

	added := 0
	for range recs {
		tag, err := br.Exec()
		if err != nil {
			return added, fmt.Errorf("backfill jobs: %w", err)
		}
		added += int(tag.RowsAffected())
	}

	slog.Debug("backfilled job lineage", "component", "metadata", "added", added, "total", len(recs))
	return added, nil
}

// RecordSignal records a quality signal.
func (w *PostgresWriter) RecordSignal(ctx context.Context, rec SignalRecord) error {
	query := `
		INSERT INTO _meta_quality (run_id, tier, kind, label, signal, value, passed, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, tier, kind, label, signal)
		DO UPDATE SET
			value = EXCLUDED.value,
			passed = EXCLUDED.passed,
			message = EXCLUDED.message,
			created_at = NOW()
	`

	var msg *string
	if rec.Message != "" {
		msg = &rec.Message
	}

	_, err := w.pool.Exec(ctx, query,
		rec.RunID, rec.Tier, rec.Kind, rec.Label, rec.Signal, rec.Value, rec.Passed, msg,
	)
	if err != nil {
		return fmt.Errorf("record signal: %w", err)
	}
	return nil
}

// FinishRun marks a run finished with the given status.
func (w *PostgresWriter) FinishRun(ctx context.Context, runID, status string) error {
	_, err := w.pool.Exec(ctx,
		`UPDATE _meta_runs SET status = $2, finished_at = NOW() WHERE run_id = $1`,
		runID, status,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// LastLocation returns the most recently recorded successful location of
// a tier/kind pair, or "" if none exists.
func (w *PostgresWriter) LastLocation(ctx context.Context, tier, kind string) (string, error) {
	query := `
		SELECT location FROM _meta_jobs
		WHERE tier = $1 AND kind = $2 AND status = 'succeeded'
		ORDER BY created_at DESC
		LIMIT 1
	`

	var location string
	err := w.pool.QueryRow(ctx, query, tier, kind).Scan(&location)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("last location: %w", err)
	}
	return location, nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

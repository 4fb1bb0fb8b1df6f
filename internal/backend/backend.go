// Package backend submits job specifications to an execution environment
// and reports their status.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/withObsrvr/tomo-refiner/internal/job"
)

// Sentinel files a job may leave in its output directory.
const (
	SentinelSuccess = "JOB_EXIT_SUCCESS"
	SentinelFailure = "JOB_EXIT_FAILURE"
	SentinelAborted = "JOB_EXIT_ABORTED"
)

// ErrUnknownHandle is returned when polling a handle the backend never issued.
var ErrUnknownHandle = errors.New("unknown job handle")

// Handle identifies a submitted job.
type Handle struct {
	ID          string
	Kind        job.Kind
	OutDir      string
	SubmittedAt time.Time
}

// Backend runs job specifications. Submit must not block until completion;
// callers poll for a terminal status.
type Backend interface {
	Submit(ctx context.Context, spec job.Spec, outDir string) (Handle, error)
	Poll(ctx context.Context, h Handle) (job.Status, error)
	Cancel(ctx context.Context, h Handle) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Kind        string // "local" | "docker"
	ProjectDir  string
	DockerImage string
	MPIRunner   string
}

// New creates the configured backend.
func New(cfg Config) (Backend, error) {
	switch cfg.Kind {
	case "", "local":
		return NewLocal(cfg.MPIRunner), nil
	case "docker":
		return NewDocker(cfg.DockerImage, cfg.ProjectDir)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Kind)
	}
}

// SentinelStatus inspects dir for sentinel files. When several are
// present, aborted wins over failure, and failure over success.
func SentinelStatus(dir string) (job.Status, bool) {
	for _, s := range []struct {
		name   string
		status job.Status
	}{
		{SentinelAborted, job.Aborted},
		{SentinelFailure, job.Failed},
		{SentinelSuccess, job.Succeeded},
	} {
		if _, err := os.Stat(filepath.Join(dir, s.name)); err == nil {
			return s.status, true
		}
	}
	return job.NotSubmitted, false
}

// clearSentinels removes stale sentinels left by a previous run in dir.
func clearSentinels(dir string) error {
	for _, name := range []string{SentinelSuccess, SentinelFailure, SentinelAborted} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale sentinel %s: %w", name, err)
		}
	}
	return nil
}

func prepareOutDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output directory %s: %w", dir, err)
	}
	return clearSentinels(dir)
}

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/tomo-refiner/internal/job"
	"github.com/withObsrvr/tomo-refiner/internal/logging"
)

// Local runs jobs as child processes on this host. Combined output goes to
// the run log in the job's output directory.
type Local struct {
	mpiRunner string
	logger    *slog.Logger

	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	cmd  *exec.Cmd
	log  *os.File
	done chan struct{}
	err  error
}

// NewLocal creates a local backend. mpiRunner prefixes commands that ask
// for more than one MPI rank.
func NewLocal(mpiRunner string) *Local {
	if mpiRunner == "" {
		mpiRunner = "mpirun"
	}
	return &Local{
		mpiRunner: mpiRunner,
		logger:    logging.Component("backend.local"),
		procs:     make(map[string]*process),
	}
}

func (l *Local) Submit(ctx context.Context, spec job.Spec, outDir string) (Handle, error) {
	argv, err := spec.Argv(outDir)
	if err != nil {
		return Handle{}, err
	}
	if r := spec.Resources(); r.MPI > 1 {
		argv = append([]string{l.mpiRunner, "-n", strconv.Itoa(r.MPI)}, argv...)
	}

	if err := prepareOutDir(outDir); err != nil {
		return Handle{}, err
	}
	logFile, err := os.Create(filepath.Join(outDir, job.FileRunLog))
	if err != nil {
		return Handle{}, fmt.Errorf("create run log: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = outDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return Handle{}, fmt.Errorf("start %s: %w", argv[0], err)
	}

	h := Handle{
		ID:          uuid.NewString(),
		Kind:        spec.Kind(),
		OutDir:      outDir,
		SubmittedAt: time.Now(),
	}
	p := &process{cmd: cmd, log: logFile, done: make(chan struct{})}

	l.mu.Lock()
	l.procs[h.ID] = p
	l.mu.Unlock()

	go func() {
		p.err = cmd.Wait()
		p.log.Close()
		close(p.done)
	}()

	l.logger.Info("job started",
		"job_id", h.ID,
		"kind", spec.Kind(),
		"pid", cmd.Process.Pid,
		"out_dir", outDir,
	)
	return h, nil
}

// Poll reports Running until the process exits, even when a success
// sentinel is already present. A failure or aborted sentinel ends the job
// early: the process is killed and the sentinel's status returned. Terminal
// handles are forgotten.
func (l *Local) Poll(ctx context.Context, h Handle) (job.Status, error) {
	l.mu.Lock()
	p, ok := l.procs[h.ID]
	l.mu.Unlock()
	if !ok {
		return job.NotSubmitted, fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}

	select {
	case <-p.done:
	default:
		sentinel, found := SentinelStatus(h.OutDir)
		if !found || sentinel == job.Succeeded {
			return job.Running, nil
		}
		l.logger.Info("job signalled failure before exiting, stopping it",
			"job_id", h.ID,
			"status", sentinel.String(),
		)
		if err := p.kill(); err != nil {
			return job.NotSubmitted, fmt.Errorf("kill job %s: %w", h.ID, err)
		}
	}
	l.forget(h.ID)

	if sentinel, ok := SentinelStatus(h.OutDir); ok {
		return sentinel, nil
	}
	if p.err == nil {
		return job.Succeeded, nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) && !exitErr.Exited() {
		// Terminated by a signal.
		return job.Aborted, nil
	}
	return job.Failed, nil
}

// Cancel kills the job and waits for it to exit. The handle is forgotten.
func (l *Local) Cancel(ctx context.Context, h Handle) error {
	l.mu.Lock()
	p, ok := l.procs[h.ID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}

	if err := p.kill(); err != nil {
		return fmt.Errorf("kill job %s: %w", h.ID, err)
	}
	l.forget(h.ID)
	return nil
}

func (l *Local) forget(id string) {
	l.mu.Lock()
	delete(l.procs, id)
	l.mu.Unlock()
}

// kill stops the process if it is still running and waits for it.
func (p *process) kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.done
	return nil
}

// Close kills any job still running.
func (l *Local) Close() error {
	l.mu.Lock()
	ids := make([]string, 0, len(l.procs))
	for id := range l.procs {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	for _, id := range ids {
		if err := l.Cancel(context.Background(), Handle{ID: id}); err != nil {
			l.logger.Warn("failed to stop job", "job_id", id, "error", err)
		}
	}
	return nil
}

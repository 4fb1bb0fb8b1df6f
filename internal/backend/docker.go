package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/withObsrvr/tomo-refiner/internal/job"
	"github.com/withObsrvr/tomo-refiner/internal/logging"
)

const labelPrefix = "tomo-refiner."

// containerState is the part of an inspect result the backend needs.
type containerState struct {
	Running   bool
	OOMKilled bool
	ExitCode  int
}

// containerAPI is the subset of the Docker client used here.
type containerAPI interface {
	create(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error)
	start(ctx context.Context, id string) error
	inspect(ctx context.Context, id string) (containerState, error)
	logs(ctx context.Context, id string) (io.ReadCloser, error)
	remove(ctx context.Context, id string) error
	stop(ctx context.Context, id string) error
	close() error
}

// Docker runs each job in its own container with the project directory
// bind-mounted at the same path.
type Docker struct {
	api        containerAPI
	image      string
	projectDir string
	logger     *slog.Logger

	mu         sync.Mutex
	containers map[string]string // handle ID -> container ID
}

// NewDocker connects to the Docker daemon from the environment.
func NewDocker(image, projectDir string) (*Docker, error) {
	if image == "" {
		return nil, fmt.Errorf("docker backend requires an image")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDocker(&dockerClient{cli: cli}, image, projectDir)
}

func newDocker(api containerAPI, image, projectDir string) (*Docker, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project directory: %w", err)
	}
	return &Docker{
		api:        api,
		image:      image,
		projectDir: abs,
		logger:     logging.Component("backend.docker"),
		containers: make(map[string]string),
	}, nil
}

func (d *Docker) Submit(ctx context.Context, spec job.Spec, outDir string) (Handle, error) {
	argv, err := spec.Argv(outDir)
	if err != nil {
		return Handle{}, err
	}
	if err := prepareOutDir(outDir); err != nil {
		return Handle{}, err
	}

	res := spec.Resources()
	host := &container.HostConfig{
		Binds: []string{d.projectDir + ":" + d.projectDir},
	}
	if res.Threads > 0 {
		host.Resources.NanoCPUs = int64(res.Threads) * 1e9
	}
	if res.GPUs > 0 {
		host.Resources.DeviceRequests = []container.DeviceRequest{{
			Count:        res.GPUs,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	id, err := d.api.create(ctx, &container.Config{
		Image:      d.image,
		Cmd:        argv,
		WorkingDir: outDir,
		Tty:        false,
		Labels: map[string]string{
			labelPrefix + "kind": string(spec.Kind()),
			labelPrefix + "tier": spec.Tier().Key(),
		},
	}, host)
	if err != nil {
		return Handle{}, fmt.Errorf("create container for %s: %w", spec, err)
	}
	if err := d.api.start(ctx, id); err != nil {
		d.api.remove(ctx, id)
		return Handle{}, fmt.Errorf("start container %s: %w", shortID(id), err)
	}

	h := Handle{
		ID:          id,
		Kind:        spec.Kind(),
		OutDir:      outDir,
		SubmittedAt: time.Now(),
	}
	d.mu.Lock()
	d.containers[h.ID] = id
	d.mu.Unlock()

	d.logger.Info("container started",
		"container", shortID(id),
		"kind", spec.Kind(),
		"image", d.image,
		"out_dir", outDir,
	)
	return h, nil
}

// Poll inspects the container first. A success sentinel counts only once
// the container has stopped; a failure or aborted sentinel stops it.
func (d *Docker) Poll(ctx context.Context, h Handle) (job.Status, error) {
	d.mu.Lock()
	id, ok := d.containers[h.ID]
	d.mu.Unlock()
	if !ok {
		return job.NotSubmitted, fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}

	state, err := d.api.inspect(ctx, id)
	if err != nil {
		return job.NotSubmitted, fmt.Errorf("inspect container %s: %w", shortID(id), err)
	}
	sentinel, found := SentinelStatus(h.OutDir)

	if state.Running {
		if !found || sentinel == job.Succeeded {
			return job.Running, nil
		}
		d.logger.Info("job signalled failure before exiting, stopping container",
			"container", shortID(id),
			"status", sentinel.String(),
		)
		if err := d.api.stop(ctx, id); err != nil {
			return job.NotSubmitted, fmt.Errorf("stop container %s: %w", shortID(id), err)
		}
	}

	d.finish(ctx, h, id)
	if found {
		return sentinel, nil
	}
	switch {
	case state.ExitCode == 0 && !state.OOMKilled:
		return job.Succeeded, nil
	case state.OOMKilled || state.ExitCode == 137 || state.ExitCode == 143:
		return job.Aborted, nil
	default:
		return job.Failed, nil
	}
}

// finish copies the container output into the run log and removes the
// container. Failures are logged; the job status is already known.
func (d *Docker) finish(ctx context.Context, h Handle, id string) {
	d.mu.Lock()
	_, tracked := d.containers[h.ID]
	delete(d.containers, h.ID)
	d.mu.Unlock()
	if !tracked {
		return
	}

	if err := d.copyLogs(ctx, h.OutDir, id); err != nil {
		d.logger.Warn("failed to collect container logs", "container", shortID(id), "error", err)
	}
	if err := d.api.remove(ctx, id); err != nil {
		d.logger.Warn("failed to remove container", "container", shortID(id), "error", err)
	}
}

func (d *Docker) copyLogs(ctx context.Context, outDir, id string) error {
	rc, err := d.api.logs(ctx, id)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(filepath.Join(outDir, job.FileRunLog))
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = stdcopy.StdCopy(f, f, rc)
	return err
}

func (d *Docker) Cancel(ctx context.Context, h Handle) error {
	d.mu.Lock()
	id, ok := d.containers[h.ID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if err := d.api.stop(ctx, id); err != nil {
		return fmt.Errorf("stop container %s: %w", shortID(id), err)
	}
	d.finish(ctx, h, id)
	return nil
}

func (d *Docker) Close() error {
	return d.api.close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// dockerClient adapts *client.Client to containerAPI.
type dockerClient struct {
	cli *client.Client
}

func (c *dockerClient) create(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := c.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *dockerClient) start(ctx context.Context, id string) error {
	return c.cli.ContainerStart(ctx, id, types.ContainerStartOptions{})
}

func (c *dockerClient) inspect(ctx context.Context, id string) (containerState, error) {
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return containerState{}, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return containerState{}, fmt.Errorf("container %s has no state", shortID(id))
	}
	return containerState{
		Running:   info.State.Running,
		OOMKilled: info.State.OOMKilled,
		ExitCode:  info.State.ExitCode,
	}, nil
}

func (c *dockerClient) logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return c.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
}

func (c *dockerClient) remove(ctx context.Context, id string) error {
	return c.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
}

func (c *dockerClient) stop(ctx context.Context, id string) error {
	return c.cli.ContainerStop(ctx, id, container.StopOptions{})
}

func (c *dockerClient) close() error {
	return c.cli.Close()
}

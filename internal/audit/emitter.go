package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Files larger than this are recorded by size only.
const maxChecksumBytes = 64 << 20

// Emitter records job completion events.
type Emitter interface {
	EmitCompletion(ctx context.Context, c Completion) error
	Close() error
}

// Completion is what the pipeline knows about a finished job.
type Completion struct {
	Project  string
	RunID    string
	Tier     string
	Kind     string
	Label    string
	Location string
	Rerun    bool
	Outputs  []string // file names relative to Location
}

// Config configures the audit emitter.
type Config struct {
	Enabled  bool
	Endpoint string
	Dir      string
	Producer ProducerInfo
}

// NewEmitter creates an emitter based on configuration.
func NewEmitter(cfg Config) (Emitter, error) {
	if !cfg.Enabled {
		slog.Info("audit emitter disabled")
		return &noopEmitter{}, nil
	}

	if cfg.Endpoint == "" {
		slog.Info("audit emitter using file-only mode", "dir", cfg.Dir)
		fe, err := NewFileOnlyEmitter(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return &fileAdapter{emitter: fe, producer: cfg.Producer}, nil
	}

	slog.Info("audit emitter using HTTP mode", "endpoint", cfg.Endpoint, "backup_dir", cfg.Dir)
	he, err := NewHTTPEmitter(cfg.Endpoint, cfg.Dir)
	if err != nil {
		return nil, err
	}
	return &httpAdapter{emitter: he, producer: cfg.Producer}, nil
}

// BuildEvent turns a completion into an unchained event. Output files
// are stat'ed and, up to a size limit, checksummed.
func BuildEvent(c Completion, producer ProducerInfo) (*Event, error) {
	outputs := make(map[string]OutputInfo, len(c.Outputs))
	for _, name := range c.Outputs {
		info, err := describeOutput(filepath.Join(c.Location, name))
		if err != nil {
			return nil, fmt.Errorf("describe output %s: %w", name, err)
		}
		outputs[name] = info
	}

	return &Event{
		Version:   EventVersion,
		EventType: EventType,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Job: JobInfo{
			Project:  c.Project,
			RunID:    c.RunID,
			Tier:     c.Tier,
			Kind:     c.Kind,
			Label:    c.Label,
			Location: c.Location,
			Rerun:    c.Rerun,
		},
		Outputs:  outputs,
		Producer: producer,
	}, nil
}

func describeOutput(path string) (OutputInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return OutputInfo{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return OutputInfo{}, err
	}
	info := OutputInfo{ByteSize: st.Size()}
	if st.Size() > maxChecksumBytes {
		return info, nil
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return OutputInfo{}, err
	}
	info.Checksum = "sha256:" + hex.EncodeToString(h.Sum(nil))
	return info, nil
}

type fileAdapter struct {
	emitter  *FileOnlyEmitter
	producer ProducerInfo
}

func (a *fileAdapter) EmitCompletion(_ context.Context, c Completion) error {
	evt, err := BuildEvent(c, a.producer)
	if err != nil {
		return err
	}
	return a.emitter.Emit(evt)
}

func (a *fileAdapter) Close() error {
	return a.emitter.Close()
}

type httpAdapter struct {
	emitter  *HTTPEmitter
	producer ProducerInfo
}

func (a *httpAdapter) EmitCompletion(ctx context.Context, c Completion) error {
	evt, err := BuildEvent(c, a.producer)
	if err != nil {
		return err
	}
	return a.emitter.Emit(ctx, evt)
}

func (a *httpAdapter) Close() error {
	return a.emitter.Close()
}

type noopEmitter struct{}

func (n *noopEmitter) EmitCompletion(context.Context, Completion) error { return nil }
func (n *noopEmitter) Close() error                                     { return nil }

// ProjectName derives the chain name for a project directory.
func ProjectName(projectDir string) string {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		abs = projectDir
	}
	return strings.TrimSuffix(abs, string(filepath.Separator))
}

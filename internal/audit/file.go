package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileBackup saves events to local files.
type FileBackup struct {
	dir string
}

// NewFileBackup creates a new file backup handler.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./state/audit"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	return &FileBackup{dir: dir}, nil
}

// Save writes an event as {timestamp}_{tier}_{kind}_{label}.json. The
// timestamp prefix keeps directory order equal to emission order.
func (f *FileBackup) Save(evt *Event) error {
	filename := fmt.Sprintf("%s_%s_%s_%s.json",
		evt.Timestamp.UTC().Format("20060102T150405.000000000"),
		evt.Job.Tier,
		evt.Job.Kind,
		evt.Job.Label,
	)
	path := filepath.Join(f.dir, filename)

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	slog.Debug("audit event backed up", "path", path)
	return nil
}

// Load reads every backed-up event in emission order.
func (f *FileBackup) Load() ([]Event, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), "audit-chain-heads") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	events := make([]Event, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			return nil, err
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// FileOnlyEmitter writes events to files only.
// Used when no audit endpoint is configured.
type FileOnlyEmitter struct {
	chainTracker *ChainTracker
	backup       *FileBackup
}

// NewFileOnlyEmitter creates an emitter that only writes to local files.
func NewFileOnlyEmitter(dir string) (*FileOnlyEmitter, error) {
	chainTracker, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &FileOnlyEmitter{
		chainTracker: chainTracker,
		backup:       backup,
	}, nil
}

// Emit links evt into its chain and writes it to a local file.
func (e *FileOnlyEmitter) Emit(evt *Event) error {
	chainKey := evt.Job.ChainKey()

	prevHash, _ := e.chainTracker.GetHead(chainKey)
	evt.SetChainHashes(prevHash)

	slog.Info("audit file-only emit",
		"chain", chainKey,
		"tier", evt.Job.Tier,
		"kind", evt.Job.Kind,
		"event_hash", evt.Chain.EventHash,
	)

	if err := e.backup.Save(evt); err != nil {
		return err
	}

	if err := e.chainTracker.SetHead(chainKey, evt.Chain.EventHash); err != nil {
		slog.Warn("failed to update audit chain head", "error", err)
	}
	return nil
}

// Close releases resources.
func (e *FileOnlyEmitter) Close() error {
	return nil
}

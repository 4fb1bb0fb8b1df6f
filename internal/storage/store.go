package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("object not found")

// JobRef locates the exported artefacts of one (tier, kind) job.
type JobRef struct {
	TierKey string // "bin4"
	Kind    string // "refine3D"
}

// Dir returns the directory holding this job's exported artefacts.
func (r JobRef) Dir() string {
	return path.Join(r.TierKey, r.Kind)
}

// OutputPath returns the key of an output file of the given iteration.
func (r JobRef) OutputPath(label, file string) string {
	return path.Join(r.TierKey, r.Kind, label, file)
}

// HistoryPath returns the key of the job's iteration history table.
func (r JobRef) HistoryPath() string {
	return path.Join(r.TierKey, r.Kind, "history.parquet")
}

// ManifestPath returns the key of the job's export manifest.
func (r JobRef) ManifestPath() string {
	return path.Join(r.TierKey, r.Kind, "_manifest.json")
}

// TierIndexPath returns the key of the per-tier index listing exported kinds.
func TierIndexPath(tierKey string) string {
	return path.Join(tierKey, "_index.json")
}

// Manifest describes the exported contents of one job.
type Manifest struct {
	Job       JobInfo             `json:"job"`
	Files     map[string]FileInfo `json:"files"`
	Producer  ProducerInfo        `json:"producer"`
	CreatedAt time.Time           `json:"created_at"`
}

// JobInfo identifies the exported job and its current iteration.
type JobInfo struct {
	Tier       string `json:"tier"`
	Kind       string `json:"kind"`
	Label      string `json:"label"`
	Location   string `json:"location"`
	Iterations int    `json:"iterations"`
}

// FileInfo describes a single exported file.
type FileInfo struct {
	Key      string `json:"key"`
	Checksum string `json:"checksum"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the export.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// MarshalJSON returns the manifest as indented JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// ProjectStore abstracts the destination of exported job artefacts.
// Keys are relative to the store's prefix. Writes are atomic: a reader
// sees either the old object or the complete new one.
type ProjectStore interface {
	// Write stores data under key, replacing any existing object.
	Write(ctx context.Context, key string, data []byte) error

	// WriteFrom streams r into key.
	WriteFrom(ctx context.Context, key string, r io.Reader) error

	// Read returns the contents of key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Exists checks if key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Head returns metadata about a stored object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // MD5 for S3/GCS, empty for local
	ModTime time.Time
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "gcs" | "s3"

	// Local filesystem
	LocalDir string

	// GCS or S3 bucket name
	Bucket string

	// S3 (also works for B2, R2, MinIO)
	S3Endpoint string
	S3Region   string

	// Common
	Prefix string // "tomo/" (path prefix within bucket or local dir)
}

// NewProjectStore creates a storage backend based on configuration.
func NewProjectStore(cfg StorageConfig) (ProjectStore, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for gcs backend")
		}
		return NewGCSStore(cfg.Bucket, cfg.Prefix)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for s3 backend")
		}
		return NewS3Store(cfg.Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

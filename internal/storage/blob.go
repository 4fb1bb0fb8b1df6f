package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// bucketStore implements ProjectStore over a gocloud bucket. Object
// writers publish on Close, so a failed write leaves the old object.
type bucketStore struct {
	bucket *blob.Bucket
	scheme string
	name   string
	prefix string
}

func (s *bucketStore) key(key string) string {
	return s.prefix + key
}

// Write stores data under key.
func (s *bucketStore) Write(ctx context.Context, key string, data []byte) error {
	return s.WriteFrom(ctx, key, bytes.NewReader(data))
}

// WriteFrom streams r into key.
func (s *bucketStore) WriteFrom(ctx context.Context, key string, r io.Reader) error {
	path := s.key(key)

	// Cancelling the writer's context before Close aborts the upload.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, path, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", path, err)
	}

	if _, err := io.Copy(w, r); err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("write data to %s: %w", path, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", path, err)
	}
	return nil
}

// Read returns the contents of key.
func (s *bucketStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.key(key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Exists checks if key exists.
func (s *bucketStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.key(key))
}

// Head returns metadata about a stored object.
func (s *bucketStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, s.key(key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}

	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    attrs.ETag,
		ModTime: attrs.ModTime,
	}, nil
}

// List returns all keys with the given prefix, relative to the store prefix.
func (s *bucketStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: s.key(prefix),
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key[len(s.prefix):])
	}

	return keys, nil
}

// URI returns the canonical URI for the given key.
func (s *bucketStore) URI(key string) string {
	return fmt.Sprintf("%s://%s/%s", s.scheme, s.name, s.key(key))
}

// Close releases the bucket connection.
func (s *bucketStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

var _ ProjectStore = (*bucketStore)(nil)

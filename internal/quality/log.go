// Package quality extracts resolution and warning signals from completed
// job outputs. Nothing here is cached; every call rereads the files.
package quality

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/tomo-refiner/internal/job"
)

// ErrDataQuality is returned when a signal cannot be computed from the
// output. It is fatal: continuing would seed a meaningless parameter.
var ErrDataQuality = errors.New("data quality error")

// ErrNoRunLog is returned when a job location holds neither log variant.
var ErrNoRunLog = errors.New("run log not found")

// LogContains reports whether the run log under dir contains warning. The
// plain log is preferred; a zstd-compressed log is read when it is the only
// one present.
func LogContains(dir, warning string) (bool, error) {
	rc, err := openRunLog(dir)
	if err != nil {
		return false, err
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if strings.Contains(sc.Text(), warning) {
			return true, nil
		}
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Errorf("scan run log in %s: %w", dir, err)
	}
	return false, nil
}

func openRunLog(dir string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(dir, job.FileRunLog))
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	zf, err := os.Open(filepath.Join(dir, job.FileRunLogZstd))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w in %s", ErrNoRunLog, dir)
		}
		return nil, fmt.Errorf("open compressed run log: %w", err)
	}
	dec, err := zstd.NewReader(zf, zstd.WithDecoderConcurrency(1))
	if err != nil {
		zf.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &zstdLog{dec: dec, f: zf}, nil
}

type zstdLog struct {
	dec *zstd.Decoder
	f   *os.File
}

func (z *zstdLog) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdLog) Close() error {
	z.dec.Close()
	return z.f.Close()
}

package startable

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Write serializes the document to w.
func (d *Document) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)

	for _, b := range d.Blocks {
		fmt.Fprintf(bw, "\ndata_%s\n\n", b.Name)
		for _, p := range b.Pairs {
			fmt.Fprintf(bw, "%-40s %s\n", p.Key, p.Value)
		}
		if !b.Loop {
			continue
		}
		bw.WriteString("loop_\n")
		for i, c := range b.Columns {
			fmt.Fprintf(bw, "%s #%d\n", c, i+1)
		}
		for _, row := range b.Rows {
			bw.WriteString(strings.Join(row, "\t"))
			bw.WriteByte('\n')
		}
	}
	return bw.Flush()
}

// WriteFile replaces path with the serialized document via a temp file
// and rename, so readers never observe a partial table.
func (d *Document) WriteFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := d.Write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

package export

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/tomo-refiner/internal/jobcache"
)

// HistoryRow is one iteration of a job in history.parquet.
type HistoryRow struct {
	Tier      string `parquet:"tier"`
	Kind      string `parquet:"kind"`
	Iteration int32  `parquet:"iteration"`
	Label     string `parquet:"label"`
	Location  string `parquet:"location"`
	Current   bool   `parquet:"current"`
}

// historyRows flattens a cache record into table rows, oldest first.
func historyRows(rec jobcache.Record) []HistoryRow {
	rows := make([]HistoryRow, 0, len(rec.Iterations))
	for i, it := range rec.Iterations {
		rows = append(rows, HistoryRow{
			Tier:      rec.TierKey,
			Kind:      string(rec.Kind),
			Iteration: int32(i + 1),
			Label:     it.Label,
			Location:  it.Location,
			Current:   it.Location == rec.Location,
		})
	}
	return rows
}

// encodeHistory writes rows as a zstd-compressed parquet file.
func encodeHistory(rows []HistoryRow) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[HistoryRow](&buf, parquet.Compression(&parquet.Zstd))
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write history rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close history writer: %w", err)
	}
	return buf.Bytes(), nil
}

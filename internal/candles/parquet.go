package candles

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// BarRecord is the Parquet schema for bar data
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
}

// ReadParquet loads bar records from a Parquet file into a new series.
// Records are sorted by timestamp; duplicate timestamps keep the last record.
func ReadParquet(path string, interval types.Timeframe) (*Series, error) {
	records, err := parquet.ReadFile[BarRecord](path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet file: %w", err)
	}
	return FromRecords(records, interval)
}

// FromRecords converts parquet records to a series
func FromRecords(records []BarRecord, interval types.Timeframe) (*Series, error) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp < records[j].Timestamp
	})

	bars := make([]Bar, 0, len(records))
	for _, r := range records {
		bar := Bar{
			Time:  int32(r.Timestamp / 1000),
			Open:  float32(r.Open),
			High:  float32(r.High),
			Low:   float32(r.Low),
			Close: float32(r.Close),
		}
		if n := len(bars); n > 0 && bars[n-1].Time == bar.Time {
			bars[n-1] = bar
			continue
		}
		bars = append(bars, bar)
	}

	return NewFromBars(bars, interval)
}

// WriteParquet stores the window of s as Parquet bar records
func WriteParquet(path, symbol string, s *Series) error {
	records := make([]BarRecord, s.Len())
	for i := range records {
		bar := s.at(i)
		records[i] = BarRecord{
			Symbol:    symbol,
			Timestamp: int64(bar.Time) * 1000,
			Open:      float64(bar.Open),
			High:      float64(bar.High),
			Low:       float64(bar.Low),
			Close:     float64(bar.Close),
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("failed to write parquet file: %w", err)
	}
	return nil
}

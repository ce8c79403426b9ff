package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"mt5bridge/internal/domain"
)

// BarArchive keeps terminal bars in Parquet files so ranges the terminal no
// longer serves can still be answered. Files are laid out as
//
//	<DataDir>/<SYMBOL>/<TIMEFRAME>/<YYYY>.parquet
type BarArchive struct {
	DataDir string
	mu      sync.Mutex
}

// NewBarArchive creates a BarArchive rooted at dataDir.
func NewBarArchive(dataDir string) *BarArchive {
	return &BarArchive{DataDir: dataDir}
}

// BarRecord is the Parquet schema for one bar.
type BarRecord struct {
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	TickVolume int64   `parquet:"tick_volume"`
	Spread     int64   `parquet:"spread"`
	RealVolume int64   `parquet:"real_volume"`
}

// WriteBars merges bars into the year files for symbol and tf. Bars with a
// timestamp already on disk replace the stored copy.
func (a *BarArchive) WriteBars(_ context.Context, symbol string, tf domain.Timeframe, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	groups := make(map[int][]BarRecord)
	for _, b := range bars {
		year := b.Time.UTC().Year()
		groups[year] = append(groups[year], BarRecord{
			Timestamp:  b.Time.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			TickVolume: b.TickVolume,
			Spread:     b.Spread,
			RealVolume: b.RealVolume,
		})
	}

	for year, records := range groups {
		path := a.barPath(symbol, tf, year)

		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading archived bars %s: %w", path, err)
		}
		if err := writeParquetFile(path, mergeBarRecords(existing, records)); err != nil {
			return fmt.Errorf("writing bars for %s/%s/%d: %w", symbol, tf, year, err)
		}
	}
	return nil
}

// ReadBars returns archived bars for symbol and tf within [start, end],
// oldest first.
func (a *BarArchive) ReadBars(_ context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bars := []domain.Bar{}
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		records, err := readParquetFile[BarRecord](a.barPath(symbol, tf, year))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Time:       ts,
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				TickVolume: r.TickVolume,
				Spread:     r.Spread,
				RealVolume: r.RealVolume,
			})
		}
	}
	return bars, nil
}

func (a *BarArchive) barPath(symbol string, tf domain.Timeframe, year int) string {
	return filepath.Join(a.DataDir, strings.ToUpper(symbol), tf.String(), fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// writeParquetFile writes to a temp file and renames it into place so a
// reader never sees a partial file.
func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates by timestamp, preferring incoming records, and
// sorts the result.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

package downloader

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bige7x/liveengine/internal/candle"
)

// writeCSV writes series ascending-by-open-time to path, creating parent
// directories as needed. Column layout mirrors the teacher's
// tools/backfill_bridge.go writer, adjusted to the millisecond open-time
// and volume columns spec.md §4.9 names for downloaded archives.
func writeCSV(path string, series candle.Series) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"timestamp_ms", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, c := range series {
		rec := []string{
			strconv.FormatInt(c.OpenTime.UnixMilli(), 10),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return w.Error()
}

// readCSV is the inverse of writeCSV. CloseTime is not stored in the file and
// is left zero.
func readCSV(path string) (candle.Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	out := make(candle.Series, 0, len(records)-1)
	for _, rec := range records[1:] {
		ms, _ := strconv.ParseInt(rec[0], 10, 64)
		open, _ := strconv.ParseFloat(rec[1], 64)
		high, _ := strconv.ParseFloat(rec[2], 64)
		low, _ := strconv.ParseFloat(rec[3], 64)
		cl, _ := strconv.ParseFloat(rec[4], 64)
		vol, _ := strconv.ParseFloat(rec[5], 64)
		out = append(out, candle.Candle{
			OpenTime: time.UnixMilli(ms).UTC(),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    cl,
			Volume:   vol,
		})
	}
	return out, nil
}

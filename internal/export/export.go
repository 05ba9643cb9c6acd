// Package export writes annotated windows as the CSV and JSON files read by
// dashboards.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/banshee-data/flowcount/internal/flow"
	"github.com/banshee-data/flowcount/internal/fsutil"
)

// File names inside the export directory.
const (
	CSVFile  = "traffic_data.csv"
	JSONFile = "traffic_data.json"
)

// TimeLayout is the ISO-8601 UTC form used for the time field.
const TimeLayout = "2006-01-02T15:04:05Z"

// Columns returns the output field order for the given classes.
func Columns(classes []string) []string {
	cols := make([]string, 0, 2*len(classes)+4)
	cols = append(cols, "time")
	cols = append(cols, classes...)
	cols = append(cols, "total")
	for _, c := range classes {
		cols = append(cols, c+"_pct")
	}
	return append(cols, "is_peak_auto", "is_peak_threshold")
}

// ToRecords converts windows into plain maps holding only string, int,
// float64 and bool values.
func ToRecords(windows []flow.Window, classes []string) []map[string]any {
	out := make([]map[string]any, 0, len(windows))
	for _, w := range windows {
		rec := make(map[string]any, 2*len(classes)+4)
		rec["time"] = w.Start.UTC().Format(TimeLayout)
		for _, c := range classes {
			rec[c] = w.Counts[c]
			rec[c+"_pct"] = w.ClassPct[c]
		}
		rec["total"] = w.Total
		rec["is_peak_auto"] = w.IsPeakAuto
		rec["is_peak_threshold"] = w.IsPeakThreshold
		out = append(out, rec)
	}
	return out
}

// Export writes dir/traffic_data.csv, overwriting it, and replaces
// dir/traffic_data.json atomically. The same windows always produce
// byte-identical files.
func Export(fsys fsutil.FileSystem, windows []flow.Window, classes []string, dir string) (csvPath, jsonPath string, err error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create export dir: %w", err)
	}
	recs := ToRecords(windows, classes)

	csvData, err := EncodeCSV(recs, classes)
	if err != nil {
		return "", "", err
	}
	csvPath = filepath.Join(dir, CSVFile)
	if err := fsys.WriteFile(csvPath, csvData, 0o644); err != nil {
		return "", "", fmt.Errorf("write %s: %w", csvPath, err)
	}

	jsonData, err := EncodeJSON(recs)
	if err != nil {
		return "", "", err
	}
	jsonPath = filepath.Join(dir, JSONFile)
	if err := fsys.WriteFileAtomic(jsonPath, jsonData, 0o644); err != nil {
		return "", "", fmt.Errorf("write %s: %w", jsonPath, err)
	}
	return csvPath, jsonPath, nil
}

// EncodeJSON renders records as an indented JSON array. Map keys are
// emitted in sorted order.
func EncodeJSON(recs []map[string]any) ([]byte, error) {
	if recs == nil {
		recs = []map[string]any{}
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return append(data, '\n'), nil
}

// EncodeCSV renders records with a header row in Columns order.
func EncodeCSV(recs []map[string]any, classes []string) ([]byte, error) {
	cols := Columns(classes)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(cols); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	row := make([]string, len(cols))
	for _, rec := range recs {
		for i, col := range cols {
			row[i] = formatCell(rec[col])
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("encode csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

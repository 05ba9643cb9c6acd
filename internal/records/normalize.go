package records

import (
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/banshee-data/flowcount/internal/snapshot"
)

// ErrMalformedLine marks a log line that is not a JSON object.
var ErrMalformedLine = errors.New("malformed record line")

// timestampKeys are checked in order; the first key present wins.
var timestampKeys = []string{"timestamp", "time", "ts"}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// CanonicalRecord is a log line reduced to the shape the analytics expect.
// TS and Timestamp are nil together when the line had no usable timestamp.
type CanonicalRecord struct {
	TS        *float64
	Timestamp *time.Time
	Counts    map[string]int
	Total     int
}

// Normalize converts one log line to a CanonicalRecord. Every class in
// classes is present in Counts.
func Normalize(line []byte, classes []string) (CanonicalRecord, error) {
	if !gjson.ValidBytes(line) {
		return CanonicalRecord{}, ErrMalformedLine
	}
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return CanonicalRecord{}, ErrMalformedLine
	}

	var rec CanonicalRecord
	for _, key := range timestampKeys {
		if v := doc.Get(key); v.Exists() {
			if ts, ok := parseTimestamp(v); ok {
				rec.setTS(ts)
			}
			break
		}
	}

	nested := doc.Get("counts")
	rec.Counts = make(map[string]int, len(classes))
	sum := 0
	for _, class := range classes {
		path := gjson.Escape(class)
		n, ok := 0, false
		if nested.IsObject() {
			n, ok = coerceInt(nested.Get(path))
		}
		if !ok {
			n, ok = coerceInt(doc.Get(path))
		}
		if !ok {
			n = 0
		}
		rec.Counts[class] = n
		sum += n
	}

	if total, ok := coerceInt(doc.Get("total")); ok {
		rec.Total = total
	} else {
		rec.Total = sum
	}
	return rec, nil
}

func (r *CanonicalRecord) setTS(ts float64) {
	sec, frac := math.Modf(ts)
	t := time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
	r.TS = &ts
	r.Timestamp = &t
}

// parseTimestamp accepts unix seconds as a number or numeric string, or an
// ISO-8601 string. Strings without a zone are taken as UTC.
func parseTimestamp(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return finite(v.Float())
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return 0, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return finite(f)
		}
		for _, layout := range isoLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return float64(t.Unix()) + float64(t.Nanosecond())/1e9, true
			}
		}
	}
	return 0, false
}

func finite(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// coerceInt accepts numbers and numeric strings, truncating toward zero.
func coerceInt(v gjson.Result) (int, bool) {
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Float()
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// Sort orders records by TS ascending, records without a timestamp last.
// Ties keep their input order.
func Sort(recs []CanonicalRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i].TS, recs[j].TS
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
}

// FromSnapshots converts snapshots, e.g. rows read back from the sqlite
// mirror, into sorted canonical records.
func FromSnapshots(snaps []snapshot.StatsSnapshot, classes []string) []CanonicalRecord {
	out := make([]CanonicalRecord, 0, len(snaps))
	for _, s := range snaps {
		rec := CanonicalRecord{Counts: make(map[string]int, len(classes)), Total: s.Total}
		if ts, ok := finite(s.Timestamp); ok {
			rec.setTS(ts)
		}
		for _, class := range classes {
			rec.Counts[class] = s.Counts[class]
		}
		out = append(out, rec)
	}
	Sort(out)
	return out
}

// Within keeps the records with from <= timestamp < to. Records without a
// timestamp are dropped.
func Within(recs []CanonicalRecord, from, to time.Time) []CanonicalRecord {
	lo := float64(from.Unix()) + float64(from.Nanosecond())/1e9
	hi := float64(to.Unix()) + float64(to.Nanosecond())/1e9
	out := make([]CanonicalRecord, 0, len(recs))
	for _, r := range recs {
		if r.TS != nil && *r.TS >= lo && *r.TS < hi {
			out = append(out, r)
		}
	}
	return out
}

// Package ingest reads the detector's NDJSON frame feed and drives a
// stream's counter, snapshot writer and live stats from it.
package ingest

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/banshee-data/flowcount/internal/counter"
	"github.com/banshee-data/flowcount/internal/geom"
)

// ErrBadFrame marks a feed line that is not a frame object.
var ErrBadFrame = errors.New("bad frame line")

// Frame is one parsed line of the detection feed.
type Frame struct {
	Number     int64
	TS         float64 // unix seconds; valid when HasTS
	HasTS      bool
	Detections []counter.Detection
	Dropped    int // detections that could not be parsed
}

// ParseFrame parses a feed line of the form
//
//	{"frame": 12, "ts": 1710057600.5, "detections": [
//	  {"track_id": 3, "class_name": "car", "bbox": [x1, y1, x2, y2], "confidence": 0.91}]}
//
// "class" is accepted for "class_name". Malformed detections are dropped
// and counted individually.
func ParseFrame(line []byte) (Frame, error) {
	if !gjson.ValidBytes(line) {
		return Frame{}, ErrBadFrame
	}
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return Frame{}, ErrBadFrame
	}

	var f Frame
	if n, ok := number(doc.Get("frame")); ok {
		f.Number = int64(n)
	}
	if ts, ok := number(doc.Get("ts")); ok {
		f.TS, f.HasTS = ts, true
	}

	dets := doc.Get("detections")
	if dets.Exists() && !dets.IsArray() {
		return Frame{}, ErrBadFrame
	}
	dets.ForEach(func(_, v gjson.Result) bool {
		d, ok := parseDetection(v)
		if !ok {
			f.Dropped++
			return true
		}
		f.Detections = append(f.Detections, d)
		return true
	})
	return f, nil
}

func parseDetection(v gjson.Result) (counter.Detection, bool) {
	if !v.IsObject() {
		return counter.Detection{}, false
	}
	id, ok := number(v.Get("track_id"))
	if !ok || id != math.Trunc(id) {
		return counter.Detection{}, false
	}
	class := v.Get("class_name")
	if !class.Exists() {
		class = v.Get("class")
	}
	if class.Type != gjson.String || strings.TrimSpace(class.Str) == "" {
		return counter.Detection{}, false
	}
	conf, ok := number(v.Get("confidence"))
	if !ok {
		return counter.Detection{}, false
	}
	box := v.Get("bbox").Array()
	if len(box) != 4 {
		return counter.Detection{}, false
	}
	var bbox geom.BBox
	for i, c := range box {
		n, ok := number(c)
		if !ok {
			return counter.Detection{}, false
		}
		bbox[i] = n
	}
	return counter.Detection{
		TrackID:    int64(id),
		ClassName:  strings.TrimSpace(class.Str),
		BBox:       bbox,
		Confidence: conf,
	}, true
}

// number accepts JSON numbers and numeric strings.
func number(v gjson.Result) (float64, bool) {
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
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Package counter tracks detections across frames and counts, per class,
// the distinct tracks that enter and exit a polygonal region of interest.
package counter

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/banshee-data/flowcount/internal/geom"
)

// Detection is one object reported by the detector/tracker for a frame.
type Detection struct {
	TrackID    int64
	ClassName  string
	BBox       geom.BBox
	Confidence float64
}

// TrackedObject is the counter's memory of a track seen inside the ROI.
type TrackedObject struct {
	TrackID       int64
	ClassName     string
	WasInside     bool
	LastSeenFrame int64
}

// ClassCounter holds the crossing sets for one vehicle class.
// Set membership, not an increment, is what makes counting idempotent.
type ClassCounter struct {
	Entered      map[int64]struct{}
	Exited       map[int64]struct{}
	CurrentInROI int
}

func newClassCounter() *ClassCounter {
	return &ClassCounter{
		Entered: make(map[int64]struct{}),
		Exited:  make(map[int64]struct{}),
	}
}

// Config configures a Counter.
type Config struct {
	StreamID  string
	SessionID uuid.UUID // zero value gets a fresh random id

	ROI                 geom.Polygon
	ConfidenceThreshold float64

	// Classes restricts counting to these names and fixes their order in
	// reports. Empty accepts every class.
	Classes []string
	// ClassAliases maps detector labels onto counted classes.
	ClassAliases map[string]string

	BusyThreshold      int
	CongestedThreshold int
}

// FrameSummary describes what the most recent CountFrame did.
type FrameSummary struct {
	Frame      int64
	Detections int
	Skipped    int
	Entered    map[string]int
	Exited     map[string]int
}

// Counter is the per-stream ROI crossing counter.
// It is not safe for concurrent use; drive it from a single goroutine.
type Counter struct {
	cfg     Config
	allowed map[string]bool

	tracked  map[int64]*TrackedObject
	byClass  map[string]*ClassCounter
	frame    int64
	lastStep FrameSummary
}

// New creates a Counter. The ROI must have at least three vertices.
func New(cfg Config) (*Counter, error) {
	if len(cfg.ROI) < 3 {
		return nil, fmt.Errorf("roi needs at least 3 vertices, got %d", len(cfg.ROI))
	}
	if math.IsNaN(cfg.ConfidenceThreshold) {
		return nil, fmt.Errorf("confidence threshold must be a number")
	}
	if cfg.SessionID == uuid.Nil {
		cfg.SessionID = uuid.New()
	}
	c := &Counter{cfg: cfg}
	if len(cfg.Classes) > 0 {
		c.allowed = make(map[string]bool, len(cfg.Classes))
		for _, name := range cfg.Classes {
			c.allowed[name] = true
		}
	}
	c.Reset()
	return c, nil
}

// StreamID returns the stream this counter belongs to.
func (c *Counter) StreamID() string { return c.cfg.StreamID }

// SessionID returns the id of this counter instance.
func (c *Counter) SessionID() uuid.UUID { return c.cfg.SessionID }

// Reset clears all tracks and crossing sets. Used at day rollover.
func (c *Counter) Reset() {
	c.tracked = make(map[int64]*TrackedObject)
	c.byClass = make(map[string]*ClassCounter)
	for _, name := range c.cfg.Classes {
		c.byClass[name] = newClassCounter()
	}
}

// canonicalClass returns the counted class for a detector label, or "" when
// the label is not counted.
func (c *Counter) canonicalClass(name string) string {
	if alias, ok := c.cfg.ClassAliases[name]; ok {
		name = alias
	}
	if name == "" {
		return ""
	}
	if c.allowed != nil && !c.allowed[name] {
		return ""
	}
	return name
}

func (c *Counter) class(name string) *ClassCounter {
	cc, ok := c.byClass[name]
	if !ok {
		cc = newClassCounter()
		c.byClass[name] = cc
	}
	return cc
}

func validConfidence(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// CountFrame updates crossing state from one frame of detections.
// Invalid detections are skipped individually. Tracks absent from the frame
// are forgotten; when one reappears inside it is a new arrival, but an id
// already in the class's entered set does not raise the tally again.
func (c *Counter) CountFrame(dets []Detection) {
	c.frame++
	summary := FrameSummary{
		Frame:      c.frame,
		Detections: len(dets),
		Entered:    make(map[string]int),
		Exited:     make(map[string]int),
	}

	// Last observation of a duplicated id wins.
	type observation struct {
		class  string
		inside bool
	}
	seen := make(map[int64]observation, len(dets))
	order := make([]int64, 0, len(dets))
	for _, d := range dets {
		class := c.canonicalClass(d.ClassName)
		if class == "" || !validConfidence(d.Confidence) || d.Confidence < c.cfg.ConfidenceThreshold || !d.BBox.Finite() {
			summary.Skipped++
			continue
		}
		if _, dup := seen[d.TrackID]; !dup {
			order = append(order, d.TrackID)
		}
		seen[d.TrackID] = observation{class: class, inside: c.cfg.ROI.Contains(d.BBox.Centroid())}
	}

	for _, cc := range c.byClass {
		cc.CurrentInROI = 0
	}

	for _, id := range order {
		obs := seen[id]
		cc := c.class(obs.class)
		if obs.inside {
			cc.CurrentInROI++
		}

		obj, known := c.tracked[id]
		switch {
		case !known && !obs.inside:
			continue
		case !known:
			c.tracked[id] = &TrackedObject{TrackID: id, ClassName: obs.class, WasInside: true, LastSeenFrame: c.frame}
			if addTo(cc.Entered, id) {
				summary.Entered[obs.class]++
			}
			continue
		case !obj.WasInside && obs.inside:
			if addTo(cc.Entered, id) {
				summary.Entered[obs.class]++
			}
		case obj.WasInside && !obs.inside:
			if addTo(cc.Exited, id) {
				summary.Exited[obs.class]++
			}
		}
		obj.WasInside = obs.inside
		obj.ClassName = obs.class
		obj.LastSeenFrame = c.frame
	}

	for id := range c.tracked {
		if _, ok := seen[id]; !ok {
			delete(c.tracked, id)
		}
	}

	c.lastStep = summary
}

func addTo(set map[int64]struct{}, id int64) bool {
	if _, ok := set[id]; ok {
		return false
	}
	set[id] = struct{}{}
	return true
}

// LastFrame returns what the most recent CountFrame call did.
func (c *Counter) LastFrame() FrameSummary {
	return c.lastStep
}

// Totals returns the cumulative entered count per class and their sum.
// Every configured class is present, defaulting to 0.
func (c *Counter) Totals() (map[string]int, int) {
	counts := make(map[string]int, len(c.byClass))
	total := 0
	for name, cc := range c.byClass {
		counts[name] = len(cc.Entered)
		total += len(cc.Entered)
	}
	return counts, total
}

// Tracked returns a copy of the tracked object for id, if any.
func (c *Counter) Tracked(id int64) (TrackedObject, bool) {
	obj, ok := c.tracked[id]
	if !ok {
		return TrackedObject{}, false
	}
	return *obj, true
}

// Class returns a snapshot of one class's counters.
func (c *Counter) Class(name string) (entered, exited, current int) {
	cc, ok := c.byClass[name]
	if !ok {
		return 0, 0, 0
	}
	return len(cc.Entered), len(cc.Exited), cc.CurrentInROI
}

// classNames returns configured classes first, then any others sorted.
func (c *Counter) classNames() []string {
	names := make([]string, 0, len(c.byClass))
	names = append(names, c.cfg.Classes...)
	var extra []string
	for name := range c.byClass {
		if c.allowed == nil || !c.allowed[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}

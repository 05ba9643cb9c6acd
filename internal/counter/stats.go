package counter

import "time"

// Density levels reported with live stats.
const (
	DensityClear     = "clear"
	DensityBusy      = "busy"
	DensityCongested = "congested"
)

// ClassStats is the live view of one class.
type ClassStats struct {
	Entered int `json:"entered"`
	Exited  int `json:"exited"`
	Current int `json:"current"`
}

// LiveStats is the read-only view published for dashboards after each frame.
type LiveStats struct {
	StreamID     string                `json:"stream_id"`
	SessionID    string                `json:"session_id"`
	Frame        int64                 `json:"frame"`
	FPS          float64               `json:"fps"`
	Timestamp    time.Time             `json:"timestamp"`
	TotalEntered int                   `json:"total_entered"`
	TotalExited  int                   `json:"total_exited"`
	TotalCurrent int                   `json:"total_current"`
	Density      string                `json:"density"`
	Classes      []string              `json:"classes"`
	Details      map[string]ClassStats `json:"details"`
}

// Density classifies the number of vehicles currently inside the ROI.
func Density(current, busy, congested int) string {
	switch {
	case current > congested:
		return DensityCongested
	case current > busy:
		return DensityBusy
	default:
		return DensityClear
	}
}

// Stats builds the live view of the counter.
func (c *Counter) Stats(fps float64, now time.Time) LiveStats {
	names := c.classNames()
	s := LiveStats{
		StreamID:  c.cfg.StreamID,
		SessionID: c.cfg.SessionID.String(),
		Frame:     c.frame,
		FPS:       fps,
		Timestamp: now,
		Classes:   names,
		Details:   make(map[string]ClassStats, len(names)),
	}
	for _, name := range names {
		entered, exited, current := c.Class(name)
		s.Details[name] = ClassStats{Entered: entered, Exited: exited, Current: current}
		s.TotalEntered += entered
		s.TotalExited += exited
		s.TotalCurrent += current
	}
	s.Density = Density(s.TotalCurrent, c.cfg.BusyThreshold, c.cfg.CongestedThreshold)
	return s
}

package metrics

import "time"

// ScanMetrics records one scan from the lock being taken to the outcome.
type ScanMetrics struct {
	ScanID       string    `json:"scan_id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	DurationMs   int64     `json:"duration_ms"`
	CaptureMs    int64     `json:"capture_ms"`
	ClassifyMs   int64     `json:"classify_ms"`
	FrameSeq     uint64    `json:"frame_seq"`
	TraceID      string    `json:"trace_id,omitempty"`
	Labels       int       `json:"labels"`
	Outcome      string    `json:"outcome"`
	Cost         float64   `json:"cost"`
	BatteryAfter float64   `json:"battery_after"`
	Err          string    `json:"err,omitempty"`
}

// Compute derived fields.
func (m *ScanMetrics) Finalize() {
	m.DurationMs = m.End.Sub(m.Start).Milliseconds()
}

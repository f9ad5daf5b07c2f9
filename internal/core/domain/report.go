package domain

import "time"

// QualityReport is a receiver's periodic view of its downlink. Reports are
// ephemeral: they live only inside the aggregator's bounded history window.
type QualityReport struct {
	UserID       UserID
	MeetingID    MeetingID
	FractionLost float64 // 0.0-1.0
	JitterMs     float64
	RTTMs        float64
	Timestamp    time.Time
}

// Clamp forces out-of-range metric values back into their legal ranges.
// Malformed input is corrected, never rejected.
func (r *QualityReport) Clamp() {
	if r.FractionLost < 0 {
		r.FractionLost = 0
	}
	if r.FractionLost > 1 {
		r.FractionLost = 1
	}
	if r.JitterMs < 0 {
		r.JitterMs = 0
	}
	if r.RTTMs < 0 {
		r.RTTMs = 0
	}
}

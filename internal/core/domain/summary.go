package domain

import "time"

// AckSummary is the periodic per-receiver delivery verdict: how many frames
// in the window were verified against the sender, and which senders
// contributed failures. Recomputed every summary interval, never persisted.
type AckSummary struct {
	MeetingID     MeetingID
	ReceiverID    UserID
	SuccessCount  int
	TotalCount    int
	FailedSenders []UserID
	EmittedAt     time.Time
}

// FailureCount is the number of frames that were lost or failed verification.
func (s *AckSummary) FailureCount() int {
	return s.TotalCount - s.SuccessCount
}

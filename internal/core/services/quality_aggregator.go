package services

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"voicebridge/internal/core/domain"
	"voicebridge/pkg/utils"
)

// QualityAggregator ingests per-receiver network quality reports into a
// bounded recent-history window and answers the one question the tier loop
// asks: what is the worst current loss rate in this meeting?
//
// Ingestion is a non-blocking fast path safe for many connection handlers;
// state is scoped per meeting so a hot meeting never stalls another.
type QualityAggregator struct {
	windowSize int
	staleAfter time.Duration
	logger     *zap.SugaredLogger

	mu       sync.RWMutex
	meetings map[domain.MeetingID]*meetingReports
}

type meetingReports struct {
	mu      sync.RWMutex
	windows map[domain.UserID]*reportWindow
}

type reportWindow struct {
	reports []domain.QualityReport // oldest first, capped at windowSize
}

func NewQualityAggregator(windowSize int, staleAfter time.Duration, logger *zap.SugaredLogger) *QualityAggregator {
	return &QualityAggregator{
		windowSize: windowSize,
		staleAfter: staleAfter,
		logger:     logger,
		meetings:   make(map[domain.MeetingID]*meetingReports),
	}
}

// TrackMeeting allocates report state for a meeting. Reports for untracked
// meetings are dropped.
func (a *QualityAggregator) TrackMeeting(meetingID domain.MeetingID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.meetings[meetingID]; !exists {
		a.meetings[meetingID] = &meetingReports{
			windows: make(map[domain.UserID]*reportWindow),
		}
	}
}

// DropMeeting releases all report state for a meeting.
func (a *QualityAggregator) DropMeeting(meetingID domain.MeetingID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.meetings, meetingID)
}

// RemoveUser forgets one user's history, e.g. on leave.
func (a *QualityAggregator) RemoveUser(meetingID domain.MeetingID, userID domain.UserID) {
	m := a.meeting(meetingID)
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, userID)
}

// Ingest appends a report to the user's bounded window, evicting the oldest
// entry once full. Out-of-range values are clamped, never rejected; a report
// for an untracked meeting is dropped without error.
func (a *QualityAggregator) Ingest(report domain.QualityReport) {
	m := a.meeting(report.MeetingID)
	if m == nil {
		a.logger.Debugw("dropping report for unknown meeting",
			"meeting_id", report.MeetingID,
			"user_id", report.UserID,
		)
		return
	}

	original := report.FractionLost
	report.Clamp()
	if report.FractionLost != original {
		a.logger.Debugw("clamped out-of-range loss value",
			"meeting_id", report.MeetingID,
			"user_id", report.UserID,
			"reported", original,
		)
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w, exists := m.windows[report.UserID]
	if !exists {
		w = &reportWindow{reports: make([]domain.QualityReport, 0, a.windowSize)}
		m.windows[report.UserID] = w
	}

	if len(w.reports) >= a.windowSize {
		copy(w.reports, w.reports[1:])
		w.reports = w.reports[:len(w.reports)-1]
	}
	w.reports = append(w.reports, report)
}

// WorstLoss returns the maximum most-recent loss value across the meeting's
// receivers. Users silent for longer than the stale threshold are excluded
// as if absent, so one dead client cannot freeze the meeting at its
// last-known-worst value. ok=false signals no usable data: hold the tier.
func (a *QualityAggregator) WorstLoss(meetingID domain.MeetingID) (worst float64, ok bool) {
	m := a.meeting(meetingID)
	if m == nil {
		return 0, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, w := range m.windows {
		if len(w.reports) == 0 {
			continue
		}
		latest := w.reports[len(w.reports)-1]
		if utils.IsStale(latest.Timestamp, a.staleAfter) {
			continue
		}
		if !ok || latest.FractionLost > worst {
			worst = latest.FractionLost
			ok = true
		}
	}
	return worst, ok
}

// History returns a copy of one user's report window, newest last.
func (a *QualityAggregator) History(meetingID domain.MeetingID, userID domain.UserID) []domain.QualityReport {
	m := a.meeting(meetingID)
	if m == nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	w, exists := m.windows[userID]
	if !exists {
		return nil
	}
	out := make([]domain.QualityReport, len(w.reports))
	copy(out, w.reports)
	return out
}

func (a *QualityAggregator) meeting(meetingID domain.MeetingID) *meetingReports {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.meetings[meetingID]
}

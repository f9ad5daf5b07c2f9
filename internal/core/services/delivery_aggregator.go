package services

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"voicebridge/internal/core/domain"
)

// DeliveryAggregator tallies frame verification outcomes per receiver and
// turns them into periodic ACK/NACK summaries. Recording is a bounded-work
// fast path; emission happens on the control loop's summary tick and reads
// a consistent snapshot, so matching never waits for emission.
type DeliveryAggregator struct {
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	meetings map[domain.MeetingID]*meetingTallies
}

type meetingTallies struct {
	mu        sync.Mutex
	receivers map[domain.UserID]*deliveryTally
}

type deliveryTally struct {
	success       int
	mismatch      int
	noMatch       int
	failedSenders map[domain.UserID]struct{}
}

func NewDeliveryAggregator(logger *zap.SugaredLogger) *DeliveryAggregator {
	return &DeliveryAggregator{
		logger:   logger,
		meetings: make(map[domain.MeetingID]*meetingTallies),
	}
}

// TrackMeeting allocates tally state for a meeting.
func (a *DeliveryAggregator) TrackMeeting(meetingID domain.MeetingID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.meetings[meetingID]; !exists {
		a.meetings[meetingID] = &meetingTallies{
			receivers: make(map[domain.UserID]*deliveryTally),
		}
	}
}

// DropMeeting releases all tally state for a meeting.
func (a *DeliveryAggregator) DropMeeting(meetingID domain.MeetingID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.meetings, meetingID)
}

// RemoveUser forgets a receiver's tally, e.g. on leave.
func (a *DeliveryAggregator) RemoveUser(meetingID domain.MeetingID, userID domain.UserID) {
	m := a.tallies(meetingID)
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.receivers, userID)
}

// Record adds one verification outcome to the receiver's current window.
// Outcomes for untracked meetings are dropped without error.
func (a *DeliveryAggregator) Record(meetingID domain.MeetingID, receiverID, senderID domain.UserID, outcome domain.MatchOutcome) {
	m := a.tallies(meetingID)
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.receivers[receiverID]
	if !exists {
		t = &deliveryTally{failedSenders: make(map[domain.UserID]struct{})}
		m.receivers[receiverID] = t
	}

	switch outcome {
	case domain.OutcomeMatch:
		t.success++
	case domain.OutcomeHashMismatch:
		t.mismatch++
		t.failedSenders[senderID] = struct{}{}
	case domain.OutcomeNoMatch:
		t.noMatch++
		t.failedSenders[senderID] = struct{}{}
	}
}

// Flush snapshots and resets every receiver tally of the meeting, producing
// one AckSummary per receiver that saw frames this window. For every
// summary, success + mismatch + no-match equals total.
func (a *DeliveryAggregator) Flush(meetingID domain.MeetingID) []domain.AckSummary {
	m := a.tallies(meetingID)
	if m == nil {
		return nil
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	summaries := make([]domain.AckSummary, 0, len(m.receivers))
	for receiverID, t := range m.receivers {
		total := t.success + t.mismatch + t.noMatch
		if total == 0 {
			continue
		}

		failed := make([]domain.UserID, 0, len(t.failedSenders))
		for senderID := range t.failedSenders {
			failed = append(failed, senderID)
		}
		sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })

		summaries = append(summaries, domain.AckSummary{
			MeetingID:     meetingID,
			ReceiverID:    receiverID,
			SuccessCount:  t.success,
			TotalCount:    total,
			FailedSenders: failed,
			EmittedAt:     now,
		})

		m.receivers[receiverID] = &deliveryTally{failedSenders: make(map[domain.UserID]struct{})}
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ReceiverID < summaries[j].ReceiverID })
	return summaries
}

func (a *DeliveryAggregator) tallies(meetingID domain.MeetingID) *meetingTallies {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.meetings[meetingID]
}

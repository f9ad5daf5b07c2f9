package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"voicebridge/internal/core/domain"
)

func newTestAggregator(t *testing.T) *QualityAggregator {
	return NewQualityAggregator(10, 15*time.Second, zaptest.NewLogger(t).Sugar())
}

func report(meeting domain.MeetingID, user domain.UserID, loss float64) domain.QualityReport {
	return domain.QualityReport{
		UserID:       user,
		MeetingID:    meeting,
		FractionLost: loss,
		Timestamp:    time.Now(),
	}
}

func TestQualityAggregator_UntrackedMeetingDropsReports(t *testing.T) {
	agg := newTestAggregator(t)

	agg.Ingest(report("ghost", "u1", 0.1))

	_, ok := agg.WorstLoss("ghost")
	assert.False(t, ok)
	assert.Nil(t, agg.History("ghost", "u1"))
}

func TestQualityAggregator_WorstAcrossReceivers(t *testing.T) {
	agg := newTestAggregator(t)
	agg.TrackMeeting("m1")

	agg.Ingest(report("m1", "u1", 0.0))
	agg.Ingest(report("m1", "u2", 0.0))
	agg.Ingest(report("m1", "u3", 0.06))

	worst, ok := agg.WorstLoss("m1")
	assert.True(t, ok)
	assert.Equal(t, 0.06, worst)
}

func TestQualityAggregator_LatestReportWins(t *testing.T) {
	agg := newTestAggregator(t)
	agg.TrackMeeting("m1")

	agg.Ingest(report("m1", "u1", 0.2))
	agg.Ingest(report("m1", "u1", 0.01))

	// Only the newest report per user counts toward the decision.
	worst, ok := agg.WorstLoss("m1")
	assert.True(t, ok)
	assert.Equal(t, 0.01, worst)
}

func TestQualityAggregator_ClampsOutOfRangeValues(t *testing.T) {
	agg := newTestAggregator(t)
	agg.TrackMeeting("m1")

	agg.Ingest(report("m1", "u1", 1.7))
	worst, ok := agg.WorstLoss("m1")
	assert.True(t, ok)
	assert.Equal(t, 1.0, worst)

	agg.Ingest(report("m1", "u1", -0.3))
	worst, ok = agg.WorstLoss("m1")
	assert.True(t, ok)
	assert.Equal(t, 0.0, worst)
}

func TestQualityAggregator_WindowEvictsOldest(t *testing.T) {
	agg := NewQualityAggregator(3, 15*time.Second, zaptest.NewLogger(t).Sugar())
	agg.TrackMeeting("m1")

	for _, loss := range []float64{0.1, 0.2, 0.3, 0.4} {
		agg.Ingest(report("m1", "u1", loss))
	}

	history := agg.History("m1", "u1")
	assert.Len(t, history, 3)
	assert.Equal(t, 0.2, history[0].FractionLost)
	assert.Equal(t, 0.4, history[2].FractionLost)
}

func TestQualityAggregator_StaleUsersExcluded(t *testing.T) {
	agg := NewQualityAggregator(10, 10*time.Second, zaptest.NewLogger(t).Sugar())
	agg.TrackMeeting("m1")

	stale := domain.QualityReport{
		UserID:       "u1",
		MeetingID:    "m1",
		FractionLost: 0.9,
		Timestamp:    time.Now().Add(-time.Minute),
	}
	agg.Ingest(stale)
	agg.Ingest(report("m1", "u2", 0.02))

	// The dead client's last-known-worst value must not pin the meeting.
	worst, ok := agg.WorstLoss("m1")
	assert.True(t, ok)
	assert.Equal(t, 0.02, worst)
}

func TestQualityAggregator_AllStaleMeansNoData(t *testing.T) {
	agg := NewQualityAggregator(10, 10*time.Second, zaptest.NewLogger(t).Sugar())
	agg.TrackMeeting("m1")

	agg.Ingest(domain.QualityReport{
		UserID:       "u1",
		MeetingID:    "m1",
		FractionLost: 0.5,
		Timestamp:    time.Now().Add(-time.Minute),
	})

	_, ok := agg.WorstLoss("m1")
	assert.False(t, ok)
}

func TestQualityAggregator_RemoveUserForgetsHistory(t *testing.T) {
	agg := newTestAggregator(t)
	agg.TrackMeeting("m1")

	agg.Ingest(report("m1", "u1", 0.5))
	agg.RemoveUser("m1", "u1")

	_, ok := agg.WorstLoss("m1")
	assert.False(t, ok)
	assert.Nil(t, agg.History("m1", "u1"))
}

func TestQualityAggregator_DropMeetingReleasesState(t *testing.T) {
	agg := newTestAggregator(t)
	agg.TrackMeeting("m1")
	agg.Ingest(report("m1", "u1", 0.5))

	agg.DropMeeting("m1")

	_, ok := agg.WorstLoss("m1")
	assert.False(t, ok)

	// Late report after close is silently dropped.
	agg.Ingest(report("m1", "u1", 0.5))
	_, ok = agg.WorstLoss("m1")
	assert.False(t, ok)
}

func TestQualityAggregator_MeetingsAreIndependent(t *testing.T) {
	agg := newTestAggregator(t)
	agg.TrackMeeting("m1")
	agg.TrackMeeting("m2")

	agg.Ingest(report("m1", "u1", 0.9))
	agg.Ingest(report("m2", "u1", 0.01))

	worst, ok := agg.WorstLoss("m2")
	assert.True(t, ok)
	assert.Equal(t, 0.01, worst)
}

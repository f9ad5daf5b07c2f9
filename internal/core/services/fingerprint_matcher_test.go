package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"voicebridge/internal/core/domain"
	"voicebridge/pkg/utils"
)

const tolerance = int64(50)

func newTestMatcher(t *testing.T) *FingerprintMatcher {
	m := NewFingerprintMatcher(50, 150*time.Millisecond, zaptest.NewLogger(t).Sugar())
	t.Cleanup(m.Stop)
	return m
}

func senderFp(frame domain.FrameID, ts int64, payload string) domain.FrameFingerprint {
	return domain.FrameFingerprint{
		FrameID:     frame,
		MeetingID:   "m1",
		SenderID:    "alice",
		Hash:        utils.HashFrame([]byte(payload)),
		TransportTS: ts,
		ReceivedAt:  time.Now(),
	}
}

func receiverFp(ts int64, payload string) domain.FrameFingerprint {
	return domain.FrameFingerprint{
		FrameID:     "rf1",
		MeetingID:   "m1",
		SenderID:    "alice",
		ReceiverID:  "bob",
		Hash:        utils.HashFrame([]byte(payload)),
		TransportTS: ts,
		ReceivedAt:  time.Now(),
	}
}

func TestFingerprintMatcher_MatchWithinTolerance(t *testing.T) {
	m := newTestMatcher(t)
	m.RecordSenderFingerprint(senderFp("f1", 10_000, "frame-data"))

	// 40ms of clock skew still matches.
	outcome, matched := m.MatchAndVerify(receiverFp(10_040, "frame-data"), tolerance)
	assert.Equal(t, domain.OutcomeMatch, outcome)
	if assert.NotNil(t, matched) {
		assert.Equal(t, domain.FrameID("f1"), matched.FrameID)
	}
}

func TestFingerprintMatcher_OutsideToleranceIsNoMatch(t *testing.T) {
	m := newTestMatcher(t)
	m.RecordSenderFingerprint(senderFp("f1", 10_000, "frame-data"))

	outcome, matched := m.MatchAndVerify(receiverFp(10_060, "frame-data"), tolerance)
	assert.Equal(t, domain.OutcomeNoMatch, outcome)
	assert.Nil(t, matched)
}

func TestFingerprintMatcher_ClosestCandidateWins(t *testing.T) {
	m := newTestMatcher(t)
	m.RecordSenderFingerprint(senderFp("far", 10_000, "far-frame"))
	m.RecordSenderFingerprint(senderFp("near", 10_030, "near-frame"))

	outcome, matched := m.MatchAndVerify(receiverFp(10_040, "near-frame"), tolerance)
	assert.Equal(t, domain.OutcomeMatch, outcome)
	if assert.NotNil(t, matched) {
		assert.Equal(t, domain.FrameID("near"), matched.FrameID)
	}
}

func TestFingerprintMatcher_HashMismatchIsIntegrityFailure(t *testing.T) {
	m := newTestMatcher(t)
	m.RecordSenderFingerprint(senderFp("f1", 10_000, "original"))

	outcome, matched := m.MatchAndVerify(receiverFp(10_000, "corrupted"), tolerance)
	assert.Equal(t, domain.OutcomeHashMismatch, outcome)
	if assert.NotNil(t, matched) {
		assert.Equal(t, domain.FrameID("f1"), matched.FrameID)
	}
	assert.True(t, outcome.Failed())
}

func TestFingerprintMatcher_MissingSenderAttribution(t *testing.T) {
	m := newTestMatcher(t)
	m.RecordSenderFingerprint(senderFp("f1", 10_000, "frame-data"))

	fp := receiverFp(10_000, "frame-data")
	fp.SenderID = ""

	outcome, matched := m.MatchAndVerify(fp, tolerance)
	assert.Equal(t, domain.OutcomeNoMatch, outcome)
	assert.Nil(t, matched)
}

func TestFingerprintMatcher_SendersAreIsolated(t *testing.T) {
	m := newTestMatcher(t)
	m.RecordSenderFingerprint(senderFp("f1", 10_000, "frame-data"))

	fp := receiverFp(10_000, "frame-data")
	fp.SenderID = "mallory"

	outcome, _ := m.MatchAndVerify(fp, tolerance)
	assert.Equal(t, domain.OutcomeNoMatch, outcome)
}

func TestFingerprintMatcher_CrossBucketMatch(t *testing.T) {
	m := newTestMatcher(t)
	// 10_049 rounds into the 10_000 bucket; the receiver's 10_051 rounds
	// into 10_050. The scan must cross the bucket boundary.
	m.RecordSenderFingerprint(senderFp("f1", 10_049, "frame-data"))

	outcome, _ := m.MatchAndVerify(receiverFp(10_051, "frame-data"), tolerance)
	assert.Equal(t, domain.OutcomeMatch, outcome)
}

func TestFingerprintMatcher_EntriesExpire(t *testing.T) {
	m := NewFingerprintMatcher(50, 30*time.Millisecond, zaptest.NewLogger(t).Sugar())
	t.Cleanup(m.Stop)

	m.RecordSenderFingerprint(senderFp("f1", 10_000, "frame-data"))
	time.Sleep(60 * time.Millisecond)

	outcome, _ := m.MatchAndVerify(receiverFp(10_000, "frame-data"), tolerance)
	assert.Equal(t, domain.OutcomeNoMatch, outcome)
}

func TestFingerprintMatcher_DropMeetingClearsTable(t *testing.T) {
	m := newTestMatcher(t)
	m.RecordSenderFingerprint(senderFp("f1", 10_000, "frame-data"))

	m.DropMeeting("m1")

	outcome, _ := m.MatchAndVerify(receiverFp(10_000, "frame-data"), tolerance)
	assert.Equal(t, domain.OutcomeNoMatch, outcome)
}

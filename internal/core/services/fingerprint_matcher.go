package services

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"voicebridge/internal/core/domain"
	"voicebridge/pkg/cache"
	"voicebridge/pkg/utils"
)

// FingerprintMatcher correlates receiver-side frame fingerprints with the
// sender-side fingerprints recorded moments earlier. There is no reliable
// shared frame identifier across the transport boundary, so candidates are
// found by timestamp proximity: any sender entry within the tolerance
// window qualifies, closest wins.
//
// The correlation table is a TTL store keyed by (meeting, sender, rounded
// transport timestamp); entries expire at twice the tolerance window plus a
// safety margin, which bounds memory structurally.
type FingerprintMatcher struct {
	bucketMs int64
	table    *cache.Cache
	logger   *zap.SugaredLogger
}

func NewFingerprintMatcher(bucketMs int64, ttl time.Duration, logger *zap.SugaredLogger) *FingerprintMatcher {
	return &FingerprintMatcher{
		bucketMs: bucketMs,
		table:    cache.New(ttl),
		logger:   logger,
	}
}

// RecordSenderFingerprint inserts a sender fingerprint into the correlation
// table, keyed by its rounded transport timestamp.
func (m *FingerprintMatcher) RecordSenderFingerprint(fp domain.FrameFingerprint) {
	if fp.ReceivedAt.IsZero() {
		fp.ReceivedAt = time.Now()
	}

	key := m.key(fp.MeetingID, fp.SenderID, utils.RoundMillis(fp.TransportTS, m.bucketMs))
	m.table.Update(key, func(current interface{}) interface{} {
		entries, _ := current.([]domain.FrameFingerprint)
		return append(entries, fp)
	})
}

// MatchAndVerify looks up the sender fingerprint closest to the receiver's
// reported transport timestamp within ±toleranceMs and compares integrity
// hashes. The three outcomes feed the delivery summary: a missing candidate
// is a lost frame, a hash mismatch is an integrity failure, both NACK.
func (m *FingerprintMatcher) MatchAndVerify(receiverFp domain.FrameFingerprint, toleranceMs int64) (domain.MatchOutcome, *domain.FrameFingerprint) {
	if receiverFp.SenderID == "" {
		m.logger.Debugw("receiver fingerprint without sender attribution",
			"meeting_id", receiverFp.MeetingID,
			"frame_id", receiverFp.FrameID,
		)
		return domain.OutcomeNoMatch, nil
	}

	var (
		best     *domain.FrameFingerprint
		bestDist int64
	)

	// every bucket overlapping [ts-tolerance, ts+tolerance]
	first := utils.RoundMillis(receiverFp.TransportTS-toleranceMs, m.bucketMs)
	last := utils.RoundMillis(receiverFp.TransportTS+toleranceMs, m.bucketMs)
	for bucket := first; bucket <= last; bucket += m.bucketMs {
		value, ok := m.table.Get(m.key(receiverFp.MeetingID, receiverFp.SenderID, bucket))
		if !ok {
			continue
		}
		entries, _ := value.([]domain.FrameFingerprint)
		for i := range entries {
			dist := receiverFp.TransportTS - entries[i].TransportTS
			if dist < 0 {
				dist = -dist
			}
			if dist > toleranceMs {
				continue
			}
			if best == nil || dist < bestDist {
				candidate := entries[i]
				best = &candidate
				bestDist = dist
			}
		}
	}

	if best == nil {
		return domain.OutcomeNoMatch, nil
	}
	if receiverFp.HashEqual(best) {
		return domain.OutcomeMatch, best
	}
	return domain.OutcomeHashMismatch, best
}

// DropMeeting discards every correlation entry belonging to a meeting.
func (m *FingerprintMatcher) DropMeeting(meetingID domain.MeetingID) {
	m.table.DeletePrefix(string(meetingID) + "|")
}

// Stop terminates the table's expiry sweep.
func (m *FingerprintMatcher) Stop() {
	m.table.Stop()
}

func (m *FingerprintMatcher) key(meetingID domain.MeetingID, senderID domain.UserID, bucket int64) string {
	return fmt.Sprintf("%s|%s|%d", meetingID, senderID, bucket)
}

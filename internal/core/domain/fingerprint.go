package domain

import (
	"bytes"
	"time"
)

// FrameFingerprint is a compact integrity hash over one audio frame, keyed by
// the frame's approximate transport timestamp. Sender-side fingerprints are
// held in a short-lived correlation table; receiver-side fingerprints are
// matched against it.
type FrameFingerprint struct {
	FrameID   FrameID
	MeetingID MeetingID
	SenderID  UserID
	// ReceiverID is set on receiver-side fingerprints only: the user
	// reporting what it reconstructed.
	ReceiverID  UserID
	Hash        []byte
	TransportTS int64 // milliseconds on the sender's transport clock
	ReceivedAt  time.Time
}

// HashEqual reports whether two fingerprints carry the same integrity hash.
func (f *FrameFingerprint) HashEqual(other *FrameFingerprint) bool {
	return bytes.Equal(f.Hash, other.Hash)
}

// MatchOutcome classifies the result of matching a receiver fingerprint
// against the sender correlation table.
type MatchOutcome int

const (
	// OutcomeNoMatch means no sender fingerprint existed within the
	// tolerance window. Accounted as a lost frame (NACK).
	OutcomeNoMatch MatchOutcome = iota
	// OutcomeMatch means a candidate was found and the hashes agree.
	OutcomeMatch
	// OutcomeHashMismatch means a candidate was found but the receiver
	// reconstructed different content. NACK, kept distinct for diagnostics.
	OutcomeHashMismatch
)

func (o MatchOutcome) String() string {
	switch o {
	case OutcomeMatch:
		return "match"
	case OutcomeHashMismatch:
		return "hash_mismatch"
	case OutcomeNoMatch:
		return "no_match"
	default:
		return "unknown"
	}
}

// Failed reports whether the outcome counts against the receiver's
// pass/fail tally.
func (o MatchOutcome) Failed() bool {
	return o != OutcomeMatch
}

package services

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"voicebridge/internal/core/domain"
)

// TierThresholds are the hysteresis bands of the tier state machine,
// expressed as loss fractions.
type TierThresholds struct {
	// MedHigh separates HIGH from MEDIUM.
	MedHigh float64
	// LowMed separates MEDIUM from LOW.
	LowMed float64
	// Hysteresis widens each band asymmetrically: degrade at threshold+h,
	// upgrade below threshold-h. A metric hovering at a raw threshold can
	// therefore never toggle the tier back and forth.
	Hysteresis float64
}

// TierDecisionState is the engine's per-meeting state.
type TierDecisionState struct {
	Tier           domain.Tier
	LastTransition time.Time
}

// TierEngine is the hysteresis state machine over {LOW, MEDIUM, HIGH}.
// It is driven by the per-meeting control loop on a fixed evaluation tick
// and moves at most one step per tick, so even a catastrophic loss spike
// walks HIGH -> MEDIUM -> LOW across two ticks.
type TierEngine struct {
	thresholds TierThresholds
	logger     *zap.SugaredLogger

	mu       sync.Mutex
	meetings map[domain.MeetingID]*TierDecisionState
}

func NewTierEngine(thresholds TierThresholds, logger *zap.SugaredLogger) *TierEngine {
	return &TierEngine{
		thresholds: thresholds,
		logger:     logger,
		meetings:   make(map[domain.MeetingID]*TierDecisionState),
	}
}

// TrackMeeting initializes decision state for a meeting. Meetings start at
// HIGH: optimistic until reports say otherwise.
func (e *TierEngine) TrackMeeting(meetingID domain.MeetingID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.meetings[meetingID]; !exists {
		e.meetings[meetingID] = &TierDecisionState{
			Tier:           domain.TierHigh,
			LastTransition: time.Now(),
		}
	}
}

// DropMeeting releases decision state for a meeting.
func (e *TierEngine) DropMeeting(meetingID domain.MeetingID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.meetings, meetingID)
}

// State returns a copy of the meeting's decision state.
func (e *TierEngine) State(meetingID domain.MeetingID) (TierDecisionState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, exists := e.meetings[meetingID]
	if !exists {
		return TierDecisionState{}, false
	}
	return *s, true
}

// Evaluate runs one tick of the state machine. hasData=false holds the
// current tier unconditionally. Returns the transition, if any; at most one
// step is taken per call.
func (e *TierEngine) Evaluate(meetingID domain.MeetingID, worstLoss float64, hasData bool) (from, to domain.Tier, changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, exists := e.meetings[meetingID]
	if !exists {
		return 0, 0, false
	}
	from = s.Tier
	to = from

	if !hasData {
		return from, to, false
	}

	to = e.next(from, worstLoss)
	if to == from {
		return from, to, false
	}

	s.Tier = to
	s.LastTransition = time.Now()

	e.logger.Infow("tier transition",
		"meeting_id", meetingID,
		"from", from.String(),
		"to", to.String(),
		"worst_loss", worstLoss,
	)
	return from, to, true
}

// next applies the hysteresis rules for a single step.
func (e *TierEngine) next(current domain.Tier, loss float64) domain.Tier {
	h := e.thresholds.Hysteresis

	switch current {
	case domain.TierHigh:
		if loss >= e.thresholds.MedHigh+h {
			return domain.TierMedium
		}
	case domain.TierMedium:
		if loss >= e.thresholds.LowMed+h {
			return domain.TierLow
		}
		upgrade := e.thresholds.MedHigh - h
		if upgrade < 0 {
			upgrade = 0
		}
		if loss < upgrade {
			return domain.TierHigh
		}
	case domain.TierLow:
		if loss < e.thresholds.LowMed-h {
			return domain.TierMedium
		}
	}
	return current
}

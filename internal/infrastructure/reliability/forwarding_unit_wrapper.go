package reliability

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"voicebridge/internal/core/domain"
	"voicebridge/internal/core/ports"
	"voicebridge/pkg/circuitbreaker"
	"voicebridge/pkg/retry"
)

type consumerKey struct {
	meetingID domain.MeetingID
	userID    domain.UserID
}

// ForwardingUnitWrapper wraps a ForwardingUnit with retry logic and per-consumer
// circuit breakers. A receiver whose layer switches keep failing gets its calls
// short-circuited instead of stalling tier fan-out for the whole meeting.
type ForwardingUnitWrapper struct {
	unit   ports.ForwardingUnit
	logger *zap.SugaredLogger

	retryConfig retry.Config
	cbConfig    circuitbreaker.Config

	breakers   map[consumerKey]*circuitbreaker.CircuitBreaker
	breakersMu sync.RWMutex
}

func NewForwardingUnitWrapper(
	unit ports.ForwardingUnit,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *ForwardingUnitWrapper {
	return &ForwardingUnitWrapper{
		unit:        unit,
		logger:      logger,
		retryConfig: retryConfig,
		cbConfig:    cbConfig,
		breakers:    make(map[consumerKey]*circuitbreaker.CircuitBreaker),
	}
}

// SelectLayer applies the tier to one consumer through that consumer's
// circuit breaker.
func (w *ForwardingUnitWrapper) SelectLayer(ctx context.Context, meetingID domain.MeetingID, receiverID domain.UserID, tier domain.Tier) error {
	if !w.retryConfig.Enabled {
		return w.unit.SelectLayer(ctx, meetingID, receiverID, tier)
	}

	cb := w.consumerBreaker(meetingID, receiverID)

	return retry.Do(ctx, w.retryConfig, func() error {
		return cb.Execute(ctx, func() error {
			return w.unit.SelectLayer(ctx, meetingID, receiverID, tier)
		})
	})
}

// DropConsumer discards breaker state when a receiver leaves, then lets the
// unit release the consumer's media state.
func (w *ForwardingUnitWrapper) DropConsumer(meetingID domain.MeetingID, receiverID domain.UserID) {
	w.breakersMu.Lock()
	delete(w.breakers, consumerKey{meetingID: meetingID, userID: receiverID})
	w.breakersMu.Unlock()

	if unit, ok := w.unit.(interface {
		DropConsumer(domain.MeetingID, domain.UserID)
	}); ok {
		unit.DropConsumer(meetingID, receiverID)
	}
}

// DropMeeting discards breaker state for every consumer of a meeting, then
// lets the unit release the meeting's media state.
func (w *ForwardingUnitWrapper) DropMeeting(meetingID domain.MeetingID) {
	w.breakersMu.Lock()
	for key := range w.breakers {
		if key.meetingID == meetingID {
			delete(w.breakers, key)
		}
	}
	w.breakersMu.Unlock()

	if unit, ok := w.unit.(interface {
		DropMeeting(domain.MeetingID)
	}); ok {
		unit.DropMeeting(meetingID)
	}
}

// ConsumerState reports the breaker state for one consumer.
func (w *ForwardingUnitWrapper) ConsumerState(meetingID domain.MeetingID, receiverID domain.UserID) (circuitbreaker.State, bool) {
	w.breakersMu.RLock()
	defer w.breakersMu.RUnlock()

	cb, exists := w.breakers[consumerKey{meetingID: meetingID, userID: receiverID}]
	if !exists {
		return circuitbreaker.StateClosed, false
	}
	return cb.State(), true
}

func (w *ForwardingUnitWrapper) consumerBreaker(meetingID domain.MeetingID, receiverID domain.UserID) *circuitbreaker.CircuitBreaker {
	key := consumerKey{meetingID: meetingID, userID: receiverID}

	w.breakersMu.RLock()
	cb, exists := w.breakers[key]
	w.breakersMu.RUnlock()

	if exists {
		return cb
	}

	w.breakersMu.Lock()
	defer w.breakersMu.Unlock()

	if cb, exists := w.breakers[key]; exists {
		return cb
	}

	cb = circuitbreaker.New(w.cbConfig)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		w.logger.Infow("consumer circuit breaker state changed",
			"meeting_id", meetingID,
			"receiver_id", receiverID,
			"from", from.String(),
			"to", to.String(),
		)
	})

	w.breakers[key] = cb
	return cb
}

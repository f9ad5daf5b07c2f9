package ports

import (
	"context"

	webrtc "github.com/pion/webrtc/v3"

	"voicebridge/internal/core/domain"
)

// ForwardingUnit is the control-plane contract of the external media
// forwarding unit: select one quality layer to forward to one receiver-side
// consumer. Calls are fire-and-forget with a per-call failure outcome; a
// failed consumer self-heals when the tier is re-applied.
type ForwardingUnit interface {
	SelectLayer(ctx context.Context, meetingID domain.MeetingID, receiverID domain.UserID, tier domain.Tier) error
}

// MediaTransport is the negotiation surface of the forwarding unit: peer
// connections are established offer/answer over the admin API, after which
// audio flows through the unit and layer selection applies to it.
type MediaTransport interface {
	CreatePublisherOffer(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) (webrtc.SessionDescription, error)
	HandlePublisherAnswer(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID, answer webrtc.SessionDescription) error
	CreateSubscriberOffer(ctx context.Context, meetingID domain.MeetingID, receiverID domain.UserID, sources []domain.UserID, tier domain.Tier) (webrtc.SessionDescription, error)
	HandleSubscriberAnswer(ctx context.Context, meetingID domain.MeetingID, receiverID domain.UserID, answer webrtc.SessionDescription) error
	RemoveParticipant(meetingID domain.MeetingID, userID domain.UserID)
}

// Directory is the registry surface other components consume: a consistent,
// race-free index of who is in which meeting and what tier is active.
type Directory interface {
	RegisterUser(ctx context.Context, meetingID domain.MeetingID, user *domain.UserSession) error
	RemoveUser(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) error
	ListReceivers(ctx context.Context, meetingID domain.MeetingID, excludingSenderID domain.UserID) ([]*domain.UserSession, error)
	GetMeeting(ctx context.Context, meetingID domain.MeetingID) (*domain.MeetingSession, error)
	SetTier(ctx context.Context, meetingID domain.MeetingID, tier domain.Tier) error
	TouchReport(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) error
}

// TierChangeHandler observes committed tier transitions for one meeting.
type TierChangeHandler func(meetingID domain.MeetingID, from, to domain.Tier)

// AckSummaryHandler observes periodic per-receiver delivery summaries.
type AckSummaryHandler func(summary domain.AckSummary)

// Conference is the core surface the signaling relay and the forwarding
// infrastructure push into and subscribe on.
type Conference interface {
	OnJoin(ctx context.Context, meetingID domain.MeetingID, user *domain.UserSession) error
	OnLeave(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) error

	IngestQualityReport(report domain.QualityReport)
	IngestSenderFingerprint(fp domain.FrameFingerprint)
	IngestReceiverFingerprint(fp domain.FrameFingerprint)

	OnTierChange(handler TierChangeHandler)
	OnAckSummary(handler AckSummaryHandler)
}

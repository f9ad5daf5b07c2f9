package ports

import (
	"context"
	"time"

	"voicebridge/internal/core/domain"
)

// MeetingRepository stores meeting and participant sessions. Mutations must
// be atomic with respect to concurrent readers; returned sessions are
// snapshots, never live internal state.
type MeetingRepository interface {
	CreateMeeting(ctx context.Context, meeting *domain.MeetingSession) error
	GetMeeting(ctx context.Context, id domain.MeetingID) (*domain.MeetingSession, error)
	DeleteMeeting(ctx context.Context, id domain.MeetingID) error
	ListMeetings(ctx context.Context) ([]*domain.MeetingSession, error)

	AddUser(ctx context.Context, meetingID domain.MeetingID, user *domain.UserSession) error
	// RemoveUser returns the number of participants remaining after removal.
	RemoveUser(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) (int, error)
	ListUsers(ctx context.Context, meetingID domain.MeetingID) ([]*domain.UserSession, error)

	SetTier(ctx context.Context, meetingID domain.MeetingID, tier domain.Tier) error
	TouchReport(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID, at time.Time) error
}

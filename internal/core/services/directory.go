package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"voicebridge/internal/core/domain"
	"voicebridge/internal/core/ports"
)

// DirectoryService is the session directory: the source of truth for who is
// in which meeting and what tier is active. It creates a meeting on first
// join, destroys it when the last participant leaves, and announces both
// events so the per-meeting control loop can be started and stopped.
type DirectoryService struct {
	repo   ports.MeetingRepository
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	onCreated []func(meetingID domain.MeetingID)
	onClosed  []func(meetingID domain.MeetingID)
}

func NewDirectoryService(repo ports.MeetingRepository, logger *zap.SugaredLogger) *DirectoryService {
	return &DirectoryService{
		repo:   repo,
		logger: logger,
	}
}

// OnMeetingCreated registers a callback fired after a meeting comes into
// existence.
func (d *DirectoryService) OnMeetingCreated(fn func(meetingID domain.MeetingID)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onCreated = append(d.onCreated, fn)
}

// OnMeetingClosed registers a callback fired after the last participant
// leaves and the meeting is destroyed.
func (d *DirectoryService) OnMeetingClosed(fn func(meetingID domain.MeetingID)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClosed = append(d.onClosed, fn)
}

// RegisterUser adds a participant, creating the meeting on first join.
// Meetings start at TierHigh: optimistic until reports say otherwise.
func (d *DirectoryService) RegisterUser(ctx context.Context, meetingID domain.MeetingID, user *domain.UserSession) error {
	created := false
	_, err := d.repo.GetMeeting(ctx, meetingID)
	if errors.Is(err, domain.ErrMeetingNotFound) {
		meeting := &domain.MeetingSession{
			ID:        meetingID,
			Tier:      domain.TierHigh,
			Users:     make(map[domain.UserID]*domain.UserSession),
			CreatedAt: time.Now(),
		}
		if createErr := d.repo.CreateMeeting(ctx, meeting); createErr != nil && !errors.Is(createErr, domain.ErrMeetingExists) {
			return createErr
		} else if createErr == nil {
			created = true
		}
	} else if err != nil {
		return err
	}

	if user.State == "" {
		user.State = domain.StateConnected
	}
	if user.JoinedAt.IsZero() {
		user.JoinedAt = time.Now()
	}

	if err := d.repo.AddUser(ctx, meetingID, user); err != nil {
		return err
	}

	d.logger.Infow("user registered",
		"meeting_id", meetingID,
		"user_id", user.UserID,
		"is_sender", user.IsSender,
	)

	if created {
		d.logger.Infow("meeting created", "meeting_id", meetingID)
		for _, fn := range d.createdHandlers() {
			fn(meetingID)
		}
	}
	return nil
}

// RemoveUser removes a participant. When the meeting empties it is
// destroyed and close handlers fire.
func (d *DirectoryService) RemoveUser(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) error {
	remaining, err := d.repo.RemoveUser(ctx, meetingID, userID)
	if err != nil {
		return err
	}

	d.logger.Infow("user removed",
		"meeting_id", meetingID,
		"user_id", userID,
		"remaining", remaining,
	)

	if remaining == 0 {
		if err := d.repo.DeleteMeeting(ctx, meetingID); err != nil && !errors.Is(err, domain.ErrMeetingNotFound) {
			return err
		}
		d.logger.Infow("meeting closed", "meeting_id", meetingID)
		for _, fn := range d.closedHandlers() {
			fn(meetingID)
		}
	}
	return nil
}

// ListReceivers returns every connected participant except the excluded
// sender. An empty excludingSenderID excludes nobody.
func (d *DirectoryService) ListReceivers(ctx context.Context, meetingID domain.MeetingID, excludingSenderID domain.UserID) ([]*domain.UserSession, error) {
	users, err := d.repo.ListUsers(ctx, meetingID)
	if err != nil {
		return nil, err
	}

	receivers := make([]*domain.UserSession, 0, len(users))
	for _, u := range users {
		if u.UserID == excludingSenderID {
			continue
		}
		if u.State == domain.StateDisconnected {
			continue
		}
		receivers = append(receivers, u)
	}
	return receivers, nil
}

func (d *DirectoryService) GetMeeting(ctx context.Context, meetingID domain.MeetingID) (*domain.MeetingSession, error) {
	return d.repo.GetMeeting(ctx, meetingID)
}

func (d *DirectoryService) ListMeetings(ctx context.Context) ([]*domain.MeetingSession, error) {
	return d.repo.ListMeetings(ctx)
}

func (d *DirectoryService) SetTier(ctx context.Context, meetingID domain.MeetingID, tier domain.Tier) error {
	return d.repo.SetTier(ctx, meetingID, tier)
}

// TouchReport records that a user just reported, for staleness tracking.
func (d *DirectoryService) TouchReport(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) error {
	return d.repo.TouchReport(ctx, meetingID, userID, time.Now())
}

func (d *DirectoryService) createdHandlers() []func(domain.MeetingID) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]func(domain.MeetingID){}, d.onCreated...)
}

func (d *DirectoryService) closedHandlers() []func(domain.MeetingID) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]func(domain.MeetingID){}, d.onClosed...)
}

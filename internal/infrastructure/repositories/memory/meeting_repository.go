package memory

import (
	"context"
	"sync"
	"time"

	"voicebridge/internal/core/domain"
	"voicebridge/internal/core/ports"
)

// MemoryMeetingRepository keeps meetings in process memory. The top-level
// mutex guards only the meeting index; each meeting carries its own lock so
// a hot meeting never serializes access to an unrelated one.
type MemoryMeetingRepository struct {
	mu       sync.RWMutex
	meetings map[domain.MeetingID]*meetingEntry
}

type meetingEntry struct {
	mu      sync.RWMutex
	session *domain.MeetingSession
}

func NewMemoryMeetingRepository() ports.MeetingRepository {
	return &MemoryMeetingRepository{
		meetings: make(map[domain.MeetingID]*meetingEntry),
	}
}

func (r *MemoryMeetingRepository) entry(id domain.MeetingID) (*meetingEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.meetings[id]
	return e, ok
}

func (r *MemoryMeetingRepository) CreateMeeting(ctx context.Context, meeting *domain.MeetingSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.meetings[meeting.ID]; exists {
		return domain.ErrMeetingExists
	}

	stored := &domain.MeetingSession{
		ID:        meeting.ID,
		Tier:      meeting.Tier,
		Users:     make(map[domain.UserID]*domain.UserSession, len(meeting.Users)),
		CreatedAt: meeting.CreatedAt,
	}
	for id, u := range meeting.Users {
		copied := *u
		stored.Users[id] = &copied
	}

	r.meetings[meeting.ID] = &meetingEntry{session: stored}
	return nil
}

func (r *MemoryMeetingRepository) GetMeeting(ctx context.Context, id domain.MeetingID) (*domain.MeetingSession, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, domain.ErrMeetingNotFound
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return snapshotMeeting(e.session), nil
}

func (r *MemoryMeetingRepository) DeleteMeeting(ctx context.Context, id domain.MeetingID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.meetings[id]; !exists {
		return domain.ErrMeetingNotFound
	}
	delete(r.meetings, id)
	return nil
}

func (r *MemoryMeetingRepository) ListMeetings(ctx context.Context) ([]*domain.MeetingSession, error) {
	r.mu.RLock()
	entries := make([]*meetingEntry, 0, len(r.meetings))
	for _, e := range r.meetings {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	meetings := make([]*domain.MeetingSession, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		meetings = append(meetings, snapshotMeeting(e.session))
		e.mu.RUnlock()
	}
	return meetings, nil
}

func (r *MemoryMeetingRepository) AddUser(ctx context.Context, meetingID domain.MeetingID, user *domain.UserSession) error {
	e, ok := r.entry(meetingID)
	if !ok {
		return domain.ErrMeetingNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.session.Users[user.UserID]; exists {
		return domain.ErrUserExists
	}

	copied := *user
	e.session.Users[user.UserID] = &copied
	return nil
}

func (r *MemoryMeetingRepository) RemoveUser(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) (int, error) {
	e, ok := r.entry(meetingID)
	if !ok {
		return 0, domain.ErrMeetingNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.session.Users[userID]; !exists {
		return len(e.session.Users), domain.ErrUserNotFound
	}
	delete(e.session.Users, userID)
	return len(e.session.Users), nil
}

func (r *MemoryMeetingRepository) ListUsers(ctx context.Context, meetingID domain.MeetingID) ([]*domain.UserSession, error) {
	e, ok := r.entry(meetingID)
	if !ok {
		return nil, domain.ErrMeetingNotFound
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	users := make([]*domain.UserSession, 0, len(e.session.Users))
	for _, u := range e.session.Users {
		copied := *u
		users = append(users, &copied)
	}
	return users, nil
}

func (r *MemoryMeetingRepository) SetTier(ctx context.Context, meetingID domain.MeetingID, tier domain.Tier) error {
	e, ok := r.entry(meetingID)
	if !ok {
		return domain.ErrMeetingNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.session.Tier = tier
	for _, u := range e.session.Users {
		u.Tier = tier
	}
	return nil
}

func (r *MemoryMeetingRepository) TouchReport(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID, at time.Time) error {
	e, ok := r.entry(meetingID)
	if !ok {
		return domain.ErrMeetingNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	u, exists := e.session.Users[userID]
	if !exists {
		return domain.ErrUserNotFound
	}
	u.LastReportAt = at
	if u.State == domain.StateReconnecting {
		u.State = domain.StateConnected
	}
	return nil
}

func snapshotMeeting(m *domain.MeetingSession) *domain.MeetingSession {
	out := &domain.MeetingSession{
		ID:        m.ID,
		Tier:      m.Tier,
		Users:     make(map[domain.UserID]*domain.UserSession, len(m.Users)),
		CreatedAt: m.CreatedAt,
	}
	for id, u := range m.Users {
		copied := *u
		out.Users[id] = &copied
	}
	return out
}

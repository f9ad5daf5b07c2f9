package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"voicebridge/internal/core/domain"
	"voicebridge/internal/core/ports"
)

const keyPrefix = "voicebridge:meeting:"

// RedisMeetingRepository stores meeting sessions in Redis so several
// signaling nodes can observe the same directory. The per-meeting control
// loop still runs on the node that owns the meeting.
type RedisMeetingRepository struct {
	client *redis.Client
}

func NewRedisMeetingRepository(client *redis.Client) ports.MeetingRepository {
	return &RedisMeetingRepository{client: client}
}

type meetingMeta struct {
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *RedisMeetingRepository) metaKey(id domain.MeetingID) string {
	return keyPrefix + string(id)
}

func (r *RedisMeetingRepository) usersKey(id domain.MeetingID) string {
	return keyPrefix + string(id) + ":users"
}

func (r *RedisMeetingRepository) indexKey() string {
	return "voicebridge:meetings"
}

func (r *RedisMeetingRepository) CreateMeeting(ctx context.Context, meeting *domain.MeetingSession) error {
	meta := meetingMeta{Tier: meeting.Tier.String(), CreatedAt: meeting.CreatedAt}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal meeting: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.metaKey(meeting.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create meeting in Redis: %w", err)
	}
	if !ok {
		return domain.ErrMeetingExists
	}

	if err := r.client.SAdd(ctx, r.indexKey(), string(meeting.ID)).Err(); err != nil {
		return fmt.Errorf("failed to index meeting: %w", err)
	}

	for _, u := range meeting.Users {
		if err := r.AddUser(ctx, meeting.ID, u); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisMeetingRepository) GetMeeting(ctx context.Context, id domain.MeetingID) (*domain.MeetingSession, error) {
	data, err := r.client.Get(ctx, r.metaKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrMeetingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting from Redis: %w", err)
	}

	var meta meetingMeta
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal meeting: %w", err)
	}

	users, err := r.ListUsers(ctx, id)
	if err != nil {
		return nil, err
	}

	meeting := &domain.MeetingSession{
		ID:        id,
		Tier:      domain.ParseTier(meta.Tier),
		Users:     make(map[domain.UserID]*domain.UserSession, len(users)),
		CreatedAt: meta.CreatedAt,
	}
	for _, u := range users {
		meeting.Users[u.UserID] = u
	}
	return meeting, nil
}

func (r *RedisMeetingRepository) DeleteMeeting(ctx context.Context, id domain.MeetingID) error {
	deleted, err := r.client.Del(ctx, r.metaKey(id), r.usersKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete meeting from Redis: %w", err)
	}
	if deleted == 0 {
		return domain.ErrMeetingNotFound
	}
	if err := r.client.SRem(ctx, r.indexKey(), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to unindex meeting: %w", err)
	}
	return nil
}

func (r *RedisMeetingRepository) ListMeetings(ctx context.Context) ([]*domain.MeetingSession, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list meetings from Redis: %w", err)
	}

	meetings := make([]*domain.MeetingSession, 0, len(ids))
	for _, id := range ids {
		meeting, err := r.GetMeeting(ctx, domain.MeetingID(id))
		if err == domain.ErrMeetingNotFound {
			// index can lag a concurrent delete
			continue
		}
		if err != nil {
			return nil, err
		}
		meetings = append(meetings, meeting)
	}
	return meetings, nil
}

func (r *RedisMeetingRepository) AddUser(ctx context.Context, meetingID domain.MeetingID, user *domain.UserSession) error {
	if err := r.ensureMeeting(ctx, meetingID); err != nil {
		return err
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user session: %w", err)
	}

	added, err := r.client.HSetNX(ctx, r.usersKey(meetingID), string(user.UserID), data).Result()
	if err != nil {
		return fmt.Errorf("failed to add user to Redis: %w", err)
	}
	if !added {
		return domain.ErrUserExists
	}
	return nil
}

func (r *RedisMeetingRepository) RemoveUser(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) (int, error) {
	if err := r.ensureMeeting(ctx, meetingID); err != nil {
		return 0, err
	}

	removed, err := r.client.HDel(ctx, r.usersKey(meetingID), string(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to remove user from Redis: %w", err)
	}

	remaining, err := r.client.HLen(ctx, r.usersKey(meetingID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count users in Redis: %w", err)
	}

	if removed == 0 {
		return int(remaining), domain.ErrUserNotFound
	}
	return int(remaining), nil
}

func (r *RedisMeetingRepository) ListUsers(ctx context.Context, meetingID domain.MeetingID) ([]*domain.UserSession, error) {
	if err := r.ensureMeeting(ctx, meetingID); err != nil {
		return nil, err
	}

	entries, err := r.client.HGetAll(ctx, r.usersKey(meetingID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users from Redis: %w", err)
	}

	users := make([]*domain.UserSession, 0, len(entries))
	for _, raw := range entries {
		var u domain.UserSession
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user session: %w", err)
		}
		users = append(users, &u)
	}
	return users, nil
}

func (r *RedisMeetingRepository) SetTier(ctx context.Context, meetingID domain.MeetingID, tier domain.Tier) error {
	meeting, err := r.GetMeeting(ctx, meetingID)
	if err != nil {
		return err
	}

	meta := meetingMeta{Tier: tier.String(), CreatedAt: meeting.CreatedAt}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal meeting: %w", err)
	}
	if err := r.client.Set(ctx, r.metaKey(meetingID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set tier in Redis: %w", err)
	}

	for _, u := range meeting.Users {
		u.Tier = tier
		if err := r.writeUser(ctx, meetingID, u); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisMeetingRepository) TouchReport(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID, at time.Time) error {
	raw, err := r.client.HGet(ctx, r.usersKey(meetingID), string(userID)).Result()
	if err == redis.Nil {
		if err := r.ensureMeeting(ctx, meetingID); err != nil {
			return err
		}
		return domain.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get user from Redis: %w", err)
	}

	var u domain.UserSession
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return fmt.Errorf("failed to unmarshal user session: %w", err)
	}

	u.LastReportAt = at
	if u.State == domain.StateReconnecting {
		u.State = domain.StateConnected
	}
	return r.writeUser(ctx, meetingID, &u)
}

func (r *RedisMeetingRepository) ensureMeeting(ctx context.Context, meetingID domain.MeetingID) error {
	exists, err := r.client.Exists(ctx, r.metaKey(meetingID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check meeting in Redis: %w", err)
	}
	if exists == 0 {
		return domain.ErrMeetingNotFound
	}
	return nil
}

func (r *RedisMeetingRepository) writeUser(ctx context.Context, meetingID domain.MeetingID, u *domain.UserSession) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal user session: %w", err)
	}
	if err := r.client.HSet(ctx, r.usersKey(meetingID), string(u.UserID), data).Err(); err != nil {
		return fmt.Errorf("failed to write user to Redis: %w", err)
	}
	return nil
}

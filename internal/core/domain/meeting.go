package domain

import "time"

type MeetingID string
type UserID string
type FrameID string

// Tier is one of the ordered forwarded-quality levels. Ordering matters:
// TierLow < TierMedium < TierHigh.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseTier maps a wire-level tier name to a Tier. Unknown names fall back
// to TierMedium so a bad client value never crashes a control loop.
func ParseTier(s string) Tier {
	switch s {
	case "low":
		return TierLow
	case "high":
		return TierHigh
	default:
		return TierMedium
	}
}

type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateDisconnected ConnectionState = "disconnected"
)

// MeetingSession is the directory's view of one active meeting. It is owned
// by the session directory and mutated only through directory operations.
type MeetingSession struct {
	ID        MeetingID
	Tier      Tier
	Users     map[UserID]*UserSession
	CreatedAt time.Time
}

// UserSession tracks one participant within a meeting.
type UserSession struct {
	UserID       UserID
	DisplayName  string
	State        ConnectionState
	Tier         Tier
	IsSender     bool
	JoinedAt     time.Time
	LastReportAt time.Time
}

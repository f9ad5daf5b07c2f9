package domain

import "errors"

var (
	ErrMeetingNotFound  = errors.New("meeting not found")
	ErrMeetingExists    = errors.New("meeting already exists")
	ErrUserNotFound     = errors.New("user not found in meeting")
	ErrUserExists       = errors.New("user already in meeting")
	ErrConsumerNotFound = errors.New("media consumer not found")
	ErrMeetingClosed    = errors.New("meeting closed")
)

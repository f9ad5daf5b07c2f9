package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// MeetingIDRegex validates meeting ID format.
	MeetingIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// UserIDRegex validates user ID format.
	UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateMeetingID validates a meeting identifier.
func ValidateMeetingID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("meeting_id is required")
	}
	if len(id) > 64 {
		return fmt.Errorf("meeting_id is too long (max 64 characters)")
	}
	if !MeetingIDRegex.MatchString(id) {
		return fmt.Errorf("meeting_id may only contain letters, digits, '_' and '-'")
	}
	return nil
}

// ValidateUserID validates a user identifier.
func ValidateUserID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("user_id is required")
	}
	if len(id) > 64 {
		return fmt.Errorf("user_id is too long (max 64 characters)")
	}
	if !UserIDRegex.MatchString(id) {
		return fmt.Errorf("user_id may only contain letters, digits, '_' and '-'")
	}
	return nil
}

// ValidateDisplayName validates a participant display name.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("display_name is required")
	}
	if utf8.RuneCountInString(name) > 128 {
		return fmt.Errorf("display_name is too long (max 128 characters)")
	}
	return nil
}

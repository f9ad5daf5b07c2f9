package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateMeetingID generates a unique meeting ID.
func GenerateMeetingID() string {
	return GenerateID("meet")
}

// GenerateUserID generates a unique user ID.
func GenerateUserID() string {
	return GenerateID("user")
}

// GenerateFrameID generates an opaque frame correlation key.
func GenerateFrameID() string {
	return GenerateID("frame")
}

// GenerateConsumerID generates a unique media consumer ID.
func GenerateConsumerID() string {
	return GenerateID("consumer")
}

// GenerateID generates a prefixed unique ID.
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

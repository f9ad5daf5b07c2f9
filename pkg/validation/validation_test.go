package validation

import (
	"strings"
	"testing"
)

func TestValidateMeetingID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid id", "standup-2026", false},
		{"valid with underscore", "team_sync", false},
		{"empty", "", true},
		{"whitespace only", "   ", true},
		{"too long", strings.Repeat("a", 65), true},
		{"max length", strings.Repeat("a", 64), false},
		{"spaces inside", "daily standup", true},
		{"path characters", "../etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMeetingID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMeetingID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid id", "user123", false},
		{"valid with dash", "user-123", false},
		{"empty", "", true},
		{"too long", strings.Repeat("u", 65), true},
		{"at sign", "user@host", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUserID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDisplayName(t *testing.T) {
	tests := []struct {
		name        string
		displayName string
		wantErr     bool
	}{
		{"valid name", "Alice Johnson", false},
		{"non-ascii", "Алиса", false},
		{"empty", "", true},
		{"whitespace only", "  \t ", true},
		{"too long", strings.Repeat("n", 129), true},
		{"max length multibyte", strings.Repeat("ю", 128), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDisplayName(tt.displayName)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDisplayName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

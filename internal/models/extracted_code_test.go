package models

import (
	"testing"
	"time"
)

func TestCodeIsFresh(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		createdAt time.Time
		expected  bool
	}{
		{"just created", now, true},
		{"four minutes old", now.Add(-4 * time.Minute), true},
		{"exactly five minutes old", now.Add(-5 * time.Minute), false},
		{"an hour old", now.Add(-time.Hour), false},
		{"clock skew into the future", now.Add(30 * time.Second), true},
		{"zero time", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeIsFresh(now, tt.createdAt); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// NewActivityEntry builds a log entry with a fresh id.
func NewActivityEntry(t ActivityType, actor, message string, now time.Time) ActivityEntry {
	return ActivityEntry{
		ID:        uuid.NewString(),
		Type:      t,
		Message:   message,
		Actor:     actor,
		Timestamp: now,
	}
}

// ClassifyChange picks the activity type describing the difference
// between two versions of a task. Status changes dominate, then block
// marker changes, then completion.
func ClassifyChange(before, after Task) ActivityType {
	if before.Status != after.Status {
		if col := after.Status; col == StatusDone {
			return ActivityCompleted
		}
		return ActivityMoved
	}
	if before.Blocked == nil && after.Blocked != nil {
		return ActivityBlocked
	}
	if before.Blocked != nil && after.Blocked == nil {
		return ActivityUnblocked
	}
	if before.Progress < 100 && after.Progress == 100 {
		return ActivityCompleted
	}
	return ActivityUpdated
}

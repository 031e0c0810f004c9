package domain

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the urgency of a task. Values form a total order:
// low < medium < high < critical.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRanks = map[Priority]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Rank returns the position of the priority in the total order.
// Unknown priorities rank below low.
func (p Priority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return -1
}

// Valid reports whether the priority is one of the known values.
func (p Priority) Valid() bool {
	_, ok := priorityRanks[p]
	return ok
}

// Status identifies the column a task lives in. Reserved statuses
// (blocked, on_hold, cancelled) are not columns themselves; the board's
// status mapping folds them into a visible column for display.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"

	StatusBlocked   Status = "blocked"
	StatusOnHold    Status = "on_hold"
	StatusCancelled Status = "cancelled"
)

// Label is a colored tag attached to a task. Order is significant.
type Label struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Subtask is a single checklist item of a task.
type Subtask struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Completed bool   `json:"completed"`
}

// ActivityType classifies an activity log entry.
type ActivityType string

const (
	ActivityCreated   ActivityType = "created"
	ActivityUpdated   ActivityType = "updated"
	ActivityMoved     ActivityType = "moved"
	ActivityBlocked   ActivityType = "blocked"
	ActivityUnblocked ActivityType = "unblocked"
	ActivityCompleted ActivityType = "completed"
	ActivityComment   ActivityType = "comment"
	ActivityDeleted   ActivityType = "deleted"
)

// ActivityEntry is one event in a task's activity log.
type ActivityEntry struct {
	ID        string       `json:"id"`
	Type      ActivityType `json:"type"`
	Message   string       `json:"message,omitempty"`
	Actor     string       `json:"actor,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// BlockInfo marks a task as blocked and records why.
type BlockInfo struct {
	Reason string    `json:"reason"`
	Since  time.Time `json:"since,omitempty"`
}

// Task represents a single board item. It is the unit the store,
// the mutation coordinator and all derived views operate on.
type Task struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Priority        Priority        `json:"priority"`
	Status          Status          `json:"status"`
	Assignee        string          `json:"assignee,omitempty"`
	DueDate         *time.Time      `json:"dueDate,omitempty"`
	EstimatedHours  float64         `json:"estimatedHours,omitempty"`
	ActualHours     float64         `json:"actualHours,omitempty"`
	Progress        int             `json:"progress"`
	ImpactScore     int             `json:"impactScore,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	Labels          []Label         `json:"labels,omitempty"`
	Subtasks        []Subtask       `json:"subtasks,omitempty"`
	CommentCount    int             `json:"commentCount,omitempty"`
	AttachmentCount int             `json:"attachmentCount,omitempty"`
	Activity        []ActivityEntry `json:"activity,omitempty"`
	Blocked         *BlockInfo      `json:"blocked,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy of the task. The copy shares no mutable
// state with the original; mutating one never affects the other.
func (t Task) Clone() Task {
	c := t
	if t.DueDate != nil {
		due := *t.DueDate
		c.DueDate = &due
	}
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	if t.Labels != nil {
		c.Labels = append([]Label(nil), t.Labels...)
	}
	if t.Subtasks != nil {
		c.Subtasks = append([]Subtask(nil), t.Subtasks...)
	}
	if t.Activity != nil {
		c.Activity = append([]ActivityEntry(nil), t.Activity...)
	}
	if t.Blocked != nil {
		b := *t.Blocked
		c.Blocked = &b
	}
	return c
}

// IsOverdue reports whether the task has a due date in the past and is
// not already in a terminal column according to the given board.
func (t Task) IsOverdue(b Board, now time.Time) bool {
	if t.DueDate == nil || !t.DueDate.Before(now) {
		return false
	}
	if col, ok := b.ColumnFor(t.Status); ok && col.Terminal {
		return false
	}
	return t.Status != StatusCancelled
}

// Validate checks the task-level invariants that do not depend on any
// particular board.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("task title is required: %w", ErrInvalidTask)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("unknown priority %q: %w", t.Priority, ErrInvalidTask)
	}
	if t.Progress < 0 || t.Progress > 100 {
		return fmt.Errorf("progress %d out of range [0,100]: %w", t.Progress, ErrInvalidTask)
	}
	if t.Status == "" {
		return fmt.Errorf("task status is required: %w", ErrInvalidTask)
	}
	return nil
}

// TaskDraft is the payload for creating a task. The id, the activity
// log and the timestamps are assigned by the coordinator and the
// persistence service, never by the caller.
type TaskDraft struct {
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Priority       Priority   `json:"priority,omitempty"`
	Status         Status     `json:"status,omitempty"`
	Assignee       string     `json:"assignee,omitempty"`
	DueDate        *time.Time `json:"dueDate,omitempty"`
	EstimatedHours float64    `json:"estimatedHours,omitempty"`
	ImpactScore    int        `json:"impactScore,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	Labels         []Label    `json:"labels,omitempty"`
	Subtasks       []Subtask  `json:"subtasks,omitempty"`
}

// TaskPatch is a partial update. Nil fields leave the corresponding
// task field untouched; the shape is closed so unknown keys are
// rejected at the API boundary instead of silently carried along.
type TaskPatch struct {
	Title           *string    `json:"title,omitempty"`
	Description     *string    `json:"description,omitempty"`
	Priority        *Priority  `json:"priority,omitempty"`
	Status          *Status    `json:"status,omitempty"`
	Assignee        *string    `json:"assignee,omitempty"`
	DueDate         *time.Time `json:"dueDate,omitempty"`
	EstimatedHours  *float64   `json:"estimatedHours,omitempty"`
	ActualHours     *float64   `json:"actualHours,omitempty"`
	Progress        *int       `json:"progress,omitempty"`
	ImpactScore     *int       `json:"impactScore,omitempty"`
	Tags            *[]string  `json:"tags,omitempty"`
	Labels          *[]Label   `json:"labels,omitempty"`
	Subtasks        *[]Subtask `json:"subtasks,omitempty"`
	CommentCount    *int       `json:"commentCount,omitempty"`
	AttachmentCount *int       `json:"attachmentCount,omitempty"`
	Blocked         *BlockInfo `json:"blocked,omitempty"`
	ClearBlocked    bool       `json:"clearBlocked,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p TaskPatch) IsZero() bool {
	return p == TaskPatch{}
}

// Apply copies the present patch fields onto the task. Slice fields are
// copied, never aliased. The task's UpdatedAt is not touched here; the
// coordinator owns timestamps.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Assignee != nil {
		t.Assignee = *p.Assignee
	}
	if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
	}
	if p.EstimatedHours != nil {
		t.EstimatedHours = *p.EstimatedHours
	}
	if p.ActualHours != nil {
		t.ActualHours = *p.ActualHours
	}
	if p.Progress != nil {
		t.Progress = *p.Progress
	}
	if p.ImpactScore != nil {
		t.ImpactScore = *p.ImpactScore
	}
	if p.Tags != nil {
		t.Tags = append([]string(nil), *p.Tags...)
	}
	if p.Labels != nil {
		t.Labels = append([]Label(nil), *p.Labels...)
	}
	if p.Subtasks != nil {
		t.Subtasks = append([]Subtask(nil), *p.Subtasks...)
	}
	if p.CommentCount != nil {
		t.CommentCount = *p.CommentCount
	}
	if p.AttachmentCount != nil {
		t.AttachmentCount = *p.AttachmentCount
	}
	if p.Blocked != nil {
		b := *p.Blocked
		t.Blocked = &b
	}
	if p.ClearBlocked {
		t.Blocked = nil
	}
}

// Validate rejects patches that would violate task invariants.
func (p TaskPatch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return fmt.Errorf("task title cannot be cleared: %w", ErrInvalidTask)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return fmt.Errorf("unknown priority %q: %w", *p.Priority, ErrInvalidTask)
	}
	if p.Progress != nil && (*p.Progress < 0 || *p.Progress > 100) {
		return fmt.Errorf("progress %d out of range [0,100]: %w", *p.Progress, ErrInvalidTask)
	}
	if p.Blocked != nil && p.ClearBlocked {
		return fmt.Errorf("blocked and clearBlocked are mutually exclusive: %w", ErrInvalidTask)
	}
	if p.Blocked != nil && strings.TrimSpace(p.Blocked.Reason) == "" {
		return fmt.Errorf("blocked marker requires a reason: %w", ErrInvalidTask)
	}
	return nil
}

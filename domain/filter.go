package domain

import (
	"strings"
	"time"
)

// SortKey selects the field a task view is ordered by.
type SortKey string

const (
	SortByPriority  SortKey = "priority"
	SortByDueDate   SortKey = "dueDate"
	SortByCreatedAt SortKey = "createdAt"
	SortByUpdatedAt SortKey = "updatedAt"
	SortByTitle     SortKey = "title"
	SortByImpact    SortKey = "impactScore"
	SortByEstimate  SortKey = "estimatedHours"
	SortByProgress  SortKey = "progress"
	SortByStatus    SortKey = "status"
)

// SortOrder is the direction of a sort.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Criteria narrows and orders a task view. The zero value matches
// everything in store order. Slice fields are OR sets within the field
// and AND across fields; pointer fields are optional bounds.
type Criteria struct {
	Search     string     `json:"search,omitempty"`
	Priorities []Priority `json:"priorities,omitempty"`
	Statuses   []Status   `json:"statuses,omitempty"`
	Assignees  []string   `json:"assignees,omitempty"`
	Labels     []string   `json:"labels,omitempty"`

	DueAfter  *time.Time `json:"dueAfter,omitempty"`
	DueBefore *time.Time `json:"dueBefore,omitempty"`

	ImpactMin    *int     `json:"impactMin,omitempty"`
	ImpactMax    *int     `json:"impactMax,omitempty"`
	EstimatedMin *float64 `json:"estimatedMin,omitempty"`
	EstimatedMax *float64 `json:"estimatedMax,omitempty"`

	OverdueOnly     bool `json:"overdueOnly,omitempty"`
	BlockedOnly     bool `json:"blockedOnly,omitempty"`
	WithAttachments bool `json:"withAttachments,omitempty"`
	WithComments    bool `json:"withComments,omitempty"`

	SortBy    SortKey   `json:"sortBy,omitempty"`
	SortOrder SortOrder `json:"sortOrder,omitempty"`
}

// IsZero reports whether the criteria neither filter nor sort.
func (c Criteria) IsZero() bool {
	return c.Search == "" && len(c.Priorities) == 0 && len(c.Statuses) == 0 &&
		len(c.Assignees) == 0 && len(c.Labels) == 0 &&
		c.DueAfter == nil && c.DueBefore == nil &&
		c.ImpactMin == nil && c.ImpactMax == nil &&
		c.EstimatedMin == nil && c.EstimatedMax == nil &&
		!c.OverdueOnly && !c.BlockedOnly && !c.WithAttachments && !c.WithComments &&
		c.SortBy == "" && c.SortOrder == ""
}

// Matches reports whether the task passes every filter of the
// criteria. The board resolves status buckets and terminal columns;
// now anchors the overdue check.
func (c Criteria) Matches(t Task, b Board, now time.Time) bool {
	if c.Search != "" && !matchesSearch(t, c.Search) {
		return false
	}
	if len(c.Priorities) > 0 && !containsPriority(c.Priorities, t.Priority) {
		return false
	}
	if len(c.Statuses) > 0 && !matchesStatusBucket(c.Statuses, t.Status, b) {
		return false
	}
	if len(c.Assignees) > 0 && !containsFold(c.Assignees, t.Assignee) {
		return false
	}
	if len(c.Labels) > 0 && !hasAnyLabel(t, c.Labels) {
		return false
	}
	if c.DueAfter != nil && (t.DueDate == nil || t.DueDate.Before(*c.DueAfter)) {
		return false
	}
	if c.DueBefore != nil && (t.DueDate == nil || t.DueDate.After(*c.DueBefore)) {
		return false
	}
	if c.ImpactMin != nil && t.ImpactScore < *c.ImpactMin {
		return false
	}
	if c.ImpactMax != nil && t.ImpactScore > *c.ImpactMax {
		return false
	}
	if c.EstimatedMin != nil && t.EstimatedHours < *c.EstimatedMin {
		return false
	}
	if c.EstimatedMax != nil && t.EstimatedHours > *c.EstimatedMax {
		return false
	}
	if c.OverdueOnly && !t.IsOverdue(b, now) {
		return false
	}
	if c.BlockedOnly && t.Blocked == nil && t.Status != StatusBlocked {
		return false
	}
	if c.WithAttachments && t.AttachmentCount == 0 {
		return false
	}
	if c.WithComments && t.CommentCount == 0 {
		return false
	}
	return true
}

// matchesSearch scans id, title, description, tags and label names,
// case-insensitively.
func matchesSearch(t Task, q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(t.ID), q) {
		return true
	}
	if strings.Contains(strings.ToLower(t.Title), q) {
		return true
	}
	if strings.Contains(strings.ToLower(t.Description), q) {
		return true
	}
	for _, tag := range t.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	for _, l := range t.Labels {
		if strings.Contains(strings.ToLower(l.Name), q) {
			return true
		}
	}
	return false
}

// matchesStatusBucket treats each wanted status as a display bucket:
// a task matches when its own status or its mapped column equals a
// wanted status or that status's mapped column.
func matchesStatusBucket(wanted []Status, s Status, b Board) bool {
	col, ok := b.ColumnFor(s)
	for _, w := range wanted {
		if w == s {
			return true
		}
		if wcol, wok := b.ColumnFor(w); wok && ok && wcol.ID == col.ID {
			return true
		}
	}
	return false
}

func containsPriority(set []Priority, p Priority) bool {
	for _, v := range set {
		if v == p {
			return true
		}
	}
	return false
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func hasAnyLabel(t Task, wanted []string) bool {
	for _, w := range wanted {
		for _, l := range t.Labels {
			if strings.EqualFold(l.Name, w) || l.ID == w {
				return true
			}
		}
		for _, tag := range t.Tags {
			if strings.EqualFold(tag, w) {
				return true
			}
		}
	}
	return false
}

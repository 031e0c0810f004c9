// Package storage contains the persistence implementations of
// board.TaskService: an in-memory store for tests and single-node
// deployments, a SQLite store, an Azure Table store with a Storage
// Queue event feed, and a Redis read-through cache that can wrap any
// of them.
//
// Every implementation owns the server-side half of a task's
// lifecycle: ids, timestamps and the activity log are assigned here,
// never by the caller. Payload validation is the mutation
// coordinator's job; stores persist what they are given.
package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/ilyrer/ImmoNow-sub004/board"
	"github.com/ilyrer/ImmoNow-sub004/domain"
)

// newTask materializes a draft into a stored task: fresh id, creation
// timestamps and an opening activity entry. Empty priority and status
// fall back to the same defaults the coordinator applies, so a store
// used standalone still produces valid tasks.
func newTask(draft domain.TaskDraft, now time.Time) domain.Task {
	t := domain.Task{
		ID:             uuid.NewString(),
		Title:          draft.Title,
		Description:    draft.Description,
		Priority:       draft.Priority,
		Status:         draft.Status,
		Assignee:       draft.Assignee,
		EstimatedHours: draft.EstimatedHours,
		ImpactScore:    draft.ImpactScore,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if t.Status == "" {
		t.Status = domain.StatusTodo
	}
	if draft.DueDate != nil {
		due := *draft.DueDate
		t.DueDate = &due
	}
	if draft.Tags != nil {
		t.Tags = append([]string(nil), draft.Tags...)
	}
	if draft.Labels != nil {
		t.Labels = append([]domain.Label(nil), draft.Labels...)
	}
	if draft.Subtasks != nil {
		t.Subtasks = append([]domain.Subtask(nil), draft.Subtasks...)
	}
	t.Activity = []domain.ActivityEntry{
		domain.NewActivityEntry(domain.ActivityCreated, "", "", now),
	}
	return t
}

// patched returns a copy of cur with the patch applied, the update
// timestamp advanced and a classified activity entry appended.
func patched(cur domain.Task, patch domain.TaskPatch, now time.Time) domain.Task {
	next := cur.Clone()
	patch.Apply(&next)
	next.UpdatedAt = now
	entry := domain.NewActivityEntry(domain.ClassifyChange(cur, next), "", "", now)
	next.Activity = append(next.Activity, entry)
	return next
}

// applyListOptions narrows an already-loaded task slice. The slice is
// filtered in place order-preserving; callers pass owned slices.
func applyListOptions(tasks []domain.Task, opts board.ListOptions) []domain.Task {
	if len(opts.Statuses) > 0 {
		keep := make(map[domain.Status]bool, len(opts.Statuses))
		for _, st := range opts.Statuses {
			keep[st] = true
		}
		filtered := tasks[:0]
		for _, t := range tasks {
			if keep[t.Status] {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if opts.Limit > 0 && len(tasks) > opts.Limit {
		tasks = tasks[:opts.Limit]
	}
	return tasks
}

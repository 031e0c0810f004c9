package board

import (
	"context"
	"errors"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

// ErrClosed is returned by engine commands issued after Close.
var ErrClosed = errors.New("board engine closed")

// ErrUnknownBoard is returned by the manager for board ids that are
// not configured.
var ErrUnknownBoard = errors.New("unknown board")

// ListOptions narrows an initial task fetch. The zero value fetches
// the whole board.
type ListOptions struct {
	Statuses []domain.Status
	Limit    int
}

// TaskService abstracts the persistence collaborator the engine talks
// to. Implementations live under storage/; the engine never retries,
// never inspects transport details and treats every error as opaque.
type TaskService interface {
	ListTasks(ctx context.Context, boardID string, opts ListOptions) ([]domain.Task, error)
	CreateTask(ctx context.Context, boardID string, draft domain.TaskDraft) (domain.Task, error)
	UpdateTask(ctx context.Context, boardID, taskID string, patch domain.TaskPatch) (domain.Task, error)
	MoveTask(ctx context.Context, boardID, taskID string, status domain.Status) (domain.Task, error)
	DeleteTask(ctx context.Context, boardID, taskID string) error
	BulkUpdateTasks(ctx context.Context, boardID string, taskIDs []string, patch domain.TaskPatch) (domain.BulkResult, error)
}

// EventSink receives committed change events for durable export.
// Enqueue must not block; delivery guarantees are the sink's business.
type EventSink interface {
	Enqueue(evt domain.ChangeEvent) error
}
